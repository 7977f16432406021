package sitetree

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkscope/internal/crawler"
)

func page(url string) crawler.CrawledPage {
	return crawler.CrawledPage{ID: uuid.New(), URL: url, NormalizedURL: url, Title: url}
}

func link(from crawler.CrawledPage, to string) crawler.PageLink {
	return crawler.PageLink{ID: uuid.New(), SourcePageID: from.ID, TargetURL: to}
}

func TestBuildSpanningTree(t *testing.T) {
	t.Parallel()
	root := page("https://s.test")
	a := page("https://s.test/a")
	b := page("https://s.test/b")
	c := page("https://s.test/c")
	pages := []crawler.CrawledPage{root, a, b, c}
	links := []crawler.PageLink{
		link(root, a.NormalizedURL),
		link(root, b.NormalizedURL),
		link(root, "https://elsewhere.test"),
		link(a, b.NormalizedURL),
		link(a, root.NormalizedURL),
		link(b, c.NormalizedURL),
	}

	tree := Build(pages, links, "https://S.test/", 5)
	require.NotNil(t, tree)
	require.Equal(t, root.URL, tree.URL)
	require.Len(t, tree.Children, 2)
	require.Equal(t, a.URL, tree.Children[0].URL)
	require.Empty(t, tree.Children[0].Children, "b is already attached under the root")
	require.Equal(t, b.URL, tree.Children[1].URL)
	require.Len(t, tree.Children[1].Children, 1)
	require.Equal(t, 2, tree.Children[1].Children[0].Depth)
	require.Equal(t, 4, count(tree))
}

func TestBuildHonorsDepth(t *testing.T) {
	t.Parallel()
	root := page("https://s.test")
	a := page("https://s.test/a")
	b := page("https://s.test/b")
	tree := Build(
		[]crawler.CrawledPage{root, a, b},
		[]crawler.PageLink{link(root, a.NormalizedURL), link(a, b.NormalizedURL)},
		root.URL, 1,
	)
	require.Equal(t, 2, count(tree))
}

func TestBuildCycleTerminates(t *testing.T) {
	t.Parallel()
	root := page("https://s.test")
	a := page("https://s.test/a")
	tree := Build(
		[]crawler.CrawledPage{root, a},
		[]crawler.PageLink{link(root, a.NormalizedURL), link(a, root.NormalizedURL), link(a, a.NormalizedURL)},
		root.URL, 0,
	)
	require.Equal(t, 2, count(tree))
}

func TestBuildMissingRoot(t *testing.T) {
	t.Parallel()
	require.Nil(t, Build(nil, nil, "https://s.test", 2))
	require.Zero(t, count(nil))
}

func count(n *Node) int {
	if n == nil {
		return 0
	}
	total := 1
	for _, c := range n.Children {
		total += count(c)
	}
	return total
}

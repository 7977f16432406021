// Package sitetree reconstructs a display tree from the flat page and link
// rows recorded for a crawl job.
package sitetree

import (
	"github.com/google/uuid"

	"github.com/JakeFAU/linkscope/internal/crawler"
)

// Node is one page in the tree.
type Node struct {
	URL                string   `json:"url"`
	Title              string   `json:"title"`
	DomainLinkRatio    *float64 `json:"domain_link_ratio"`
	OutgoingLinksCount int      `json:"outgoing_links_count"`
	InternalLinksCount int      `json:"internal_links_count"`
	Depth              int      `json:"depth"`
	Children           []*Node  `json:"children"`
}

// Build returns the breadth-first spanning tree rooted at rootURL, or nil
// when the root page was never recorded. Each page appears once, under the
// first parent that reaches it, and nothing deeper than maxDepth is kept.
// A non-positive maxDepth means crawler.MaxDepth.
func Build(pages []crawler.CrawledPage, links []crawler.PageLink, rootURL string, maxDepth int) *Node {
	if maxDepth <= 0 {
		maxDepth = crawler.MaxDepth
	}
	byURL := make(map[string]crawler.CrawledPage, len(pages))
	for _, p := range pages {
		byURL[p.NormalizedURL] = p
	}
	root, ok := byURL[crawler.Normalize(rootURL)]
	if !ok {
		return nil
	}

	children := make(map[uuid.UUID][]string)
	for _, l := range links {
		children[l.SourcePageID] = append(children[l.SourcePageID], l.TargetURL)
	}

	rootNode := newNode(root, 0)
	visited := map[string]bool{root.NormalizedURL: true}
	type entry struct {
		page crawler.CrawledPage
		node *Node
	}
	level := []entry{{page: root, node: rootNode}}
	for len(level) > 0 {
		var next []entry
		for _, e := range level {
			if e.node.Depth >= maxDepth {
				continue
			}
			for _, target := range children[e.page.ID] {
				child, recorded := byURL[target]
				if !recorded || visited[target] {
					continue
				}
				visited[target] = true
				n := newNode(child, e.node.Depth+1)
				e.node.Children = append(e.node.Children, n)
				next = append(next, entry{page: child, node: n})
			}
		}
		level = next
	}
	return rootNode
}

func newNode(p crawler.CrawledPage, depth int) *Node {
	return &Node{
		URL:                p.URL,
		Title:              p.Title,
		DomainLinkRatio:    p.DomainLinkRatio,
		OutgoingLinksCount: p.OutgoingLinksCount,
		InternalLinksCount: p.InternalLinksCount,
		Depth:              depth,
		Children:           []*Node{},
	}
}

package crawler

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

const maxLinkTextRunes = 500

// ExtractedLink is one resolved anchor target.
type ExtractedLink struct {
	URL      string
	Text     string
	Internal bool
}

// PageData is the parsed view of an HTML document.
type PageData struct {
	Title         string
	Links         []ExtractedLink // unique by URL, first occurrence wins
	OutgoingCount int             // every resolvable anchor, duplicates included
	InternalCount int
}

// DomainLinkRatio returns the internal/outgoing ratio. A page without links
// has a ratio of 0.
func (p PageData) DomainLinkRatio() *float64 {
	ratio := 0.0
	if p.OutgoingCount > 0 {
		ratio = float64(p.InternalCount) / float64(p.OutgoingCount)
	}
	return &ratio
}

// IsHTML reports whether a response should be parsed as an HTML document.
// Responses without a Content-Type header are sniffed.
func IsHTML(contentType string, body []byte) bool {
	if strings.TrimSpace(contentType) == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// ExtractPage parses body and classifies every anchor relative to scopeDomain.
func ExtractPage(body []byte, contentType, pageURL, scopeDomain string) (PageData, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decodeUTF8(body, contentType)))
	if err != nil {
		return PageData{}, fmt.Errorf("parse html: %w", err)
	}

	data := PageData{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		target := Resolve(pageURL, href)
		if target == "" {
			return
		}
		internal := Domain(target) == scopeDomain
		data.OutgoingCount++
		if internal {
			data.InternalCount++
		}
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}
		data.Links = append(data.Links, ExtractedLink{
			URL:      target,
			Text:     linkText(s.Text()),
			Internal: internal,
		})
	})
	return data, nil
}

func decodeUTF8(body []byte, contentType string) []byte {
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	if !utf8.Valid(decoded) {
		return body
	}
	return decoded
}

func linkText(raw string) string {
	text := strings.Join(strings.Fields(raw), " ")
	if utf8.RuneCountInString(text) <= maxLinkTextRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLinkTextRunes])
}

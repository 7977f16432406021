package crawler

import (
	"net/url"
	"strings"
)

// Normalize canonicalizes an absolute http(s) URL so equivalent spellings
// compare equal. The fragment and trailing slashes are removed and the
// whole URL is lowercased. It returns "" when rawURL is not an absolute
// http or https URL.
func Normalize(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}

	u.Fragment = ""
	u.RawFragment = ""

	// A bare "?" survives String() when the query is empty.
	return strings.TrimRight(strings.ToLower(u.String()), "/?")
}

// Resolve turns href into an absolute normalized URL relative to base.
// Non-navigational references (mailto:, tel:, javascript:, in-page anchors)
// resolve to "".
func Resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return ""
		}
	}
	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return Normalize(baseURL.ResolveReference(ref).String())
}

// Domain returns the lowercased host of rawURL, or "" if it has none.
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SameDomain reports whether both URLs share exactly the same host.
// Subdomains are treated as different hosts.
func SameDomain(a, b string) bool {
	da, db := Domain(a), Domain(b)
	return da != "" && da == db
}

// ValidStartURL reports whether rawURL can seed a crawl.
func ValidStartURL(rawURL string) bool {
	return Normalize(rawURL) != ""
}

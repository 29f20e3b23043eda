// Package links extracts crawlable hyperlinks from HTML documents.
package links

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extractor implements crawler.LinkExtractor using goquery.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ExtractLinks resolves every <a href> in html against baseURL and returns
// the distinct absolute http(s) URLs with fragments removed. Malformed
// documents, malformed hrefs, and a malformed base never fail the call; they
// only shrink the result.
func (Extractor) ExtractLinks(html string, baseURL string) []string {
	if strings.TrimSpace(html) == "" {
		return []string{}
	}
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		return []string{}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return []string{}
	}

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		normalized, ok := Normalize(resolved)
		if !ok {
			return
		}
		seen[normalized] = struct{}{}
	})

	out := make([]string, 0, len(seen))
	for link := range seen {
		out = append(out, link)
	}
	sort.Strings(out)
	return out
}

// Normalize canonicalizes an absolute URL for deduplication. It reports false
// for anything other than http or https with a host.
func Normalize(u *url.URL) (string, bool) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.Host == "" || u.Opaque != "" {
		return "", false
	}

	clone := *u
	clone.Scheme = scheme
	clone.Host = strings.ToLower(clone.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(clone.Host, ":80"):
		clone.Host = strings.TrimSuffix(clone.Host, ":80")
	case scheme == "https" && strings.HasSuffix(clone.Host, ":443"):
		clone.Host = strings.TrimSuffix(clone.Host, ":443")
	}
	clone.Fragment = ""
	clone.RawFragment = ""
	if clone.Path == "" {
		clone.Path = "/"
		clone.RawPath = ""
	}
	return clone.String(), true
}

// NormalizeString parses raw and applies Normalize.
func NormalizeString(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return Normalize(u)
}

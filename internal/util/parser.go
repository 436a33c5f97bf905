package util

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ParseLinks returns the href of every <a> element ending with suffix
// (case-insensitive), in document order.
func ParseLinks(n *html.Node, suffix string) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "a" {
			for _, a := range nd.Attr {
				if a.Key != "href" {
					continue
				}
				href := strings.TrimSpace(a.Val)
				if href != "/" && strings.HasSuffix(strings.ToLower(stripQuery(href)), strings.ToLower(suffix)) {
					out = append(out, href)
				}
				break
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func stripQuery(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		return href[:i]
	}
	return href
}

// FirstPDFLink parses an HTML landing page and resolves its first .pdf
// link against base.
func FirstPDFLink(r io.Reader, base *url.URL) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	links := ParseLinks(doc, ".pdf")
	if len(links) == 0 {
		return "", fmt.Errorf("no pdf link found on %s", base)
	}
	ref, err := url.Parse(links[0])
	if err != nil {
		return "", fmt.Errorf("parse pdf link %q: %w", links[0], err)
	}
	return base.ResolveReference(ref).String(), nil
}

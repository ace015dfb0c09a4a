// Package speculate chooses which links a page should prerender.
//
// IsEligible is the single eligibility predicate. Generate walks a Source
// (usually a parsed Document) and returns the capped, deduplicated list of
// eligible URLs, marking each one warmed for the rest of the page load.
package speculate

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a parsed page. It is read-only after parsing.
type Document struct {
	root *html.Node
	page *url.URL
	base *url.URL
}

// ParseDocument parses HTML served at pageURL. Relative links resolve against
// the first <base href>, falling back to pageURL.
func ParseDocument(r io.Reader, pageURL string) (*Document, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("speculate: page url: %w", err)
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("speculate: parse html: %w", err)
	}

	d := &Document{root: root, page: page, base: page}
	if b := findFirst(root, atom.Base, func(n *html.Node) bool { return hasAttr(n, "href") }); b != nil {
		if bu, err := page.Parse(strings.TrimSpace(getAttr(b, "href"))); err == nil {
			d.base = bu
		}
	}
	return d, nil
}

// ParseDocumentString is ParseDocument for an in-memory page.
func ParseDocumentString(s, pageURL string) (*Document, error) {
	return ParseDocument(strings.NewReader(s), pageURL)
}

// URL returns the page URL.
func (d *Document) URL() string { return d.page.String() }

// Anchors returns the resolved href of every <a> and <area> in DOM order.
func (d *Document) Anchors() []string {
	var out []string
	walk(d.root, func(n *html.Node) {
		if isLink(n) {
			if u, ok := d.resolve(getAttr(n, "href")); ok {
				out = append(out, u)
			}
		}
	})
	return out
}

// Select returns, in DOM order, the link of every element matching the CSS
// selector: its own href when it is a link, otherwise its nearest link
// ancestor's. Elements without either are skipped, and so is a selector
// that does not parse.
func (d *Document) Select(selector string) []string {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil
	}
	var out []string
	walk(d.root, func(n *html.Node) {
		if !sel.Match(n) {
			return
		}
		for a := n; a != nil; a = a.Parent {
			if isLink(a) {
				if u, ok := d.resolve(getAttr(a, "href")); ok {
					out = append(out, u)
				}
				return
			}
		}
	})
	return out
}

// HasSpeculationRules reports whether the page carries a
// <script type="speculationrules">.
func (d *Document) HasSpeculationRules() bool {
	return findFirst(d.root, atom.Script, func(n *html.Node) bool {
		return strings.EqualFold(strings.TrimSpace(getAttr(n, "type")), "speculationrules")
	}) != nil
}

func (d *Document) resolve(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	u, err := d.base.Parse(href)
	if err != nil {
		return "", false
	}
	return u.String(), true
}

func isLink(n *html.Node) bool {
	return n.Type == html.ElementNode &&
		(n.DataAtom == atom.A || n.DataAtom == atom.Area) &&
		hasAttr(n, "href")
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findFirst(root *html.Node, tag atom.Atom, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	var visit func(*html.Node) bool
	visit = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == tag && pred(n) {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if visit(c) {
				return true
			}
		}
		return false
	}
	visit(root)
	return found
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

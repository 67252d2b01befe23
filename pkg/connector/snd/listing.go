package snd

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// listingTableClass marks the result tables of the issue-listing page.
const listingTableClass = "Tab10333333"

// debentureRef is one row of the registry's issue listing.
type debentureRef struct {
	code      string
	issuer    string
	situation string
}

// parseDebentureListing extracts the issue rows from the listing page. Row
// layout: spacer, code (as a link), issuer, spacer, situation.
func parseDebentureListing(payload []byte) ([]debentureRef, error) {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "decoding listing payload")
	}
	doc, err := html.Parse(bytes.NewReader(decoded))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "parsing listing page")
	}

	tables := findTables(doc, listingTableClass)
	if len(tables) == 0 {
		return nil, errors.New(errors.ErrorTypeParse, "listing page has no result table")
	}

	var refs []debentureRef
	for _, tbl := range tables {
		for _, row := range findElements(tbl, "tr") {
			cells := findElements(row, "td")
			if len(cells) < 5 {
				continue
			}
			code := ""
			if link := firstElement(cells[1], "a"); link != nil {
				code = strings.TrimSpace(textContent(link))
			}
			if code == "" {
				continue
			}
			refs = append(refs, debentureRef{
				code:      code,
				issuer:    strings.TrimSpace(textContent(cells[2])),
				situation: strings.TrimSpace(textContent(cells[4])),
			})
		}
	}
	return refs, nil
}

func findTables(n *html.Node, class string) []*html.Node {
	var tables []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" && hasClass(n, class) {
			tables = append(tables, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return tables
}

func findElements(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

func firstElement(n *html.Node, tag string) *html.Node {
	if found := findElements(n, tag); len(found) > 0 {
		return found[0]
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

package cvm

import (
	"io"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// lastModifiedPattern matches the modification column of both autoindex
// flavors the portal has served ("2024-08-15 09:02" and "15-Aug-2024 09:02").
var lastModifiedPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}|\d{2}-[A-Za-z]{3}-\d{4} \d{2}:\d{2}`)

// parseDirectoryListing extracts zip entries and their last-modified text
// from an autoindex page. The value is kept verbatim: it is only ever
// compared for equality against the ledger, never interpreted as a time.
func parseDirectoryListing(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "parsing directory index")
	}

	entries := make(map[string]string)
	pending := ""

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && n.Data == "a":
			pending = ""
			href := attrValue(n, "href")
			if strings.HasSuffix(href, ".zip") {
				name := path.Base(href)
				entries[name] = ""
				pending = name
			}
		case n.Type == html.TextNode && pending != "":
			// The modification timestamp is the first date-shaped text
			// after the anchor, in either a sibling cell or the <pre> run.
			if m := lastModifiedPattern.FindString(n.Data); m != "" {
				entries[pending] = m
				pending = ""
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if len(entries) == 0 {
		return nil, errors.New(errors.ErrorTypeParse, "directory index lists no archives")
	}
	return entries, nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

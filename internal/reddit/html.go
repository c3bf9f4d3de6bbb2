package reddit

import (
	"strings"

	"golang.org/x/net/html"
)

// stripHTML extracts the text content of an HTML fragment. Reddit returns
// selftext_html with entity-escaped markup; posts fetched through some
// listings carry only that field.
func stripHTML(fragment string) string {
	// Listings double-escape the HTML body.
	fragment = html.UnescapeString(fragment)

	node, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}

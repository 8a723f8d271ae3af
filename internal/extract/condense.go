package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// noise never carries listing content.
const noise = "script, style, noscript, svg, template, iframe, link[rel=stylesheet]"

// Condense drops markup that only costs budget: scripts, styles, inline svg,
// comments and style attributes. Text, links and images stay.
func Condense(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(noise).Remove()
	doc.Find("[style]").RemoveAttr("style")
	for _, n := range doc.Nodes {
		dropComments(n)
	}
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

func dropComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			dropComments(c)
		}
		c = next
	}
}

package email

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// hiddenElements never contribute text to a plain-text rendering.
var hiddenElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
}

// HTMLToText renders an HTML body as readable plain text for the
// text/plain alternative of an outgoing message. Block elements become
// paragraphs, line breaks and list items end lines, and links whose
// target differs from their text are followed by the URL in
// parentheses.
func HTMLToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return collapseLines(s)
	}
	var b strings.Builder
	renderText(doc, &b)
	return collapseLines(b.String())
}

func renderText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if hiddenElements[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Br {
			b.WriteString("\n")
			return
		}
		if n.DataAtom == atom.Li {
			b.WriteString("\n- ")
		} else if blockElement(n.DataAtom) {
			b.WriteString("\n\n")
		}
	}

	start := b.Len()
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(c, b)
	}

	if n.Type == html.ElementNode && n.DataAtom == atom.A {
		href := attr(n, "href")
		text := strings.TrimSpace(b.String()[start:])
		if href != "" && href != text && !strings.HasPrefix(href, "#") {
			b.WriteString(" (" + strings.TrimPrefix(href, "mailto:") + ")")
		}
	}
	if n.Type == html.ElementNode && blockElement(n.DataAtom) {
		b.WriteString("\n\n")
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func blockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Hr, atom.Header, atom.Footer:
		return true
	}
	return false
}

// collapseLines folds whitespace inside each line and keeps at most one
// blank line between paragraphs.
func collapseLines(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped holds elements whose subtrees never contribute readable text.
// aside and form go beyond the obvious script/style set: sidebars and
// search boxes are boilerplate on nearly every page.
var dropped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Button:   true,
}

var headingMarks = map[atom.Atom]string{
	atom.H1: "#",
	atom.H2: "##",
	atom.H3: "###",
	atom.H4: "####",
	atom.H5: "#####",
	atom.H6: "######",
}

var blocky = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Section:    true,
	atom.Article:    true,
	atom.Main:       true,
	atom.Blockquote: true,
	atom.Ul:         true,
	atom.Ol:         true,
	atom.Table:      true,
	atom.Tr:         true,
	atom.Dl:         true,
	atom.Dt:         true,
	atom.Dd:         true,
	atom.Figure:     true,
	atom.Figcaption: true,
	atom.Details:    true,
	atom.Summary:    true,
	atom.Hr:         true,
}

// Readable extracts the document title and a markdown-shaped rendering
// of the page body.
func Readable(src string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", flatten(src)
	}
	r := &renderer{}
	r.walk(doc)
	return docTitle(doc), tidy(r.out.String())
}

type renderer struct {
	out strings.Builder
}

func (r *renderer) walk(n *html.Node) {
	if n.Type == html.TextNode {
		if words := strings.Fields(n.Data); len(words) > 0 {
			r.out.WriteString(strings.Join(words, " "))
			r.out.WriteByte(' ')
		}
		return
	}
	if n.Type != html.ElementNode {
		r.children(n)
		return
	}
	if dropped[n.DataAtom] {
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		r.out.WriteString("\n\n" + headingMarks[n.DataAtom] + " ")
		r.children(n)
		r.out.WriteString("\n\n")
	case atom.Li:
		r.out.WriteString("\n- ")
		r.children(n)
	case atom.Pre:
		r.out.WriteString("\n\n```\n")
		r.out.WriteString(strings.TrimRight(rawText(n), "\n"))
		r.out.WriteString("\n```\n\n")
	case atom.Br:
		r.out.WriteByte('\n')
	case atom.A:
		mark := r.out.Len()
		r.children(n)
		if href := attrVal(n, "href"); linkable(href) {
			label := strings.TrimSpace(r.out.String()[mark:])
			if label != "" && label != href {
				r.out.WriteString("(" + href + ") ")
			}
		}
	default:
		if blocky[n.DataAtom] {
			r.out.WriteString("\n\n")
			r.children(n)
			r.out.WriteString("\n\n")
		} else {
			r.children(n)
		}
	}
}

func (r *renderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

// linkable keeps absolute web links and drops anchors, relative paths,
// javascript: and mailto: targets.
func linkable(href string) bool {
	return strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://")
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// rawText concatenates the subtree's text nodes without reflowing,
// preserving indentation inside pre blocks.
func rawText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(rawText(c))
	}
	return b.String()
}

// docTitle prefers the head title and falls back to the first h1.
func docTitle(doc *html.Node) string {
	if t := firstText(doc, atom.Title); t != "" {
		return t
	}
	return firstText(doc, atom.H1)
}

func firstText(n *html.Node, a atom.Atom) string {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return strings.TrimSpace(strings.Join(strings.Fields(rawText(n)), " "))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := firstText(c, a); t != "" {
			return t
		}
	}
	return ""
}

// tidy collapses runs of blank lines and reflows spacing outside code
// fences. Fenced lines pass through untouched.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	fenced := false

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			fenced = !fenced
			out = append(out, line)
			blanks = 0
			continue
		}
		if fenced {
			out = append(out, line)
			continue
		}
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// flatten is the last-resort extraction when parsing fails outright:
// token through the markup and keep only text.
func flatten(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			// EOF or malformed input; either way return what we have.
			return tidy(b.String())
		case html.TextToken:
			b.WriteString(z.Token().Data)
			b.WriteByte(' ')
		}
	}
}

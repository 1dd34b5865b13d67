package email

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// ComposeOptions describes one outbound message. Body is markdown;
// the wire format is multipart/alternative with a plain-text and an
// HTML rendering of it.
type ComposeOptions struct {
	From       string // "Name <addr>" or bare address
	To         []string
	Subject    string
	Body       string   // markdown
	InReplyTo  string   // parent Message-ID when replying
	References []string // thread chain, oldest first
}

// markdown is shared by both renderings. goldmark instances are safe
// for concurrent use.
var markdown = goldmark.New()

// ComposeMessage builds a complete RFC 5322 message from opts.
func ComposeMessage(opts ComposeOptions) ([]byte, error) {
	h, err := composeHeader(opts)
	if err != nil {
		return nil, err
	}

	html, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create alternative: %w", err)
	}

	// Least faithful rendering first, per multipart/alternative.
	parts := []struct {
		ctype string
		body  string
	}{
		{"text/plain", markdownToPlain(opts.Body)},
		{"text/html", html},
	}
	for _, part := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", part.ctype+"; charset=utf-8")
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", part.ctype, err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", part.ctype, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", part.ctype, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close alternative: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// composeHeader builds the RFC 5322 header: addressing, subject, a
// fresh Message-ID, and threading headers when replying.
func composeHeader(opts ComposeOptions) (mail.Header, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(opts.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return h, fmt.Errorf("generate message-id: %w", err)
	}

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return h, fmt.Errorf("from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to := make([]*mail.Address, 0, len(opts.To))
	for _, a := range opts.To {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return h, fmt.Errorf("to address %q: %w", a, err)
		}
		to = append(to, parsed)
	}
	h.SetAddressList("To", to)

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}
	return h, nil
}

// markdownToHTML renders the body for HTML-capable clients: a minimal
// self-contained document, no external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// markdownToPlain renders the body for text-only clients by walking
// the parsed document: emphasis and heading markers drop away, links
// keep their target in parentheses, list bullets and code content
// survive verbatim.
func markdownToPlain(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(gmtext.NewReader(src))

	p := plainText{src: src}
	for block := doc.FirstChild(); block != nil; block = block.NextSibling() {
		p.block(block, "")
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(p.out.String(), "\n\n"))
}

type plainText struct {
	src []byte
	out strings.Builder
}

func (p *plainText) block(n ast.Node, prefix string) {
	switch node := n.(type) {
	case *ast.Heading, *ast.Paragraph:
		p.out.WriteString(prefix)
		p.inline(n)
		p.out.WriteString("\n\n")
	case *ast.TextBlock:
		p.out.WriteString(prefix)
		p.inline(n)
		p.out.WriteString("\n")
	case *ast.FencedCodeBlock:
		p.lines(node.Lines())
		p.out.WriteString("\n")
	case *ast.CodeBlock:
		p.lines(node.Lines())
		p.out.WriteString("\n")
	case *ast.List:
		p.list(node, prefix)
		p.out.WriteString("\n")
	case *ast.Blockquote:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			p.block(c, prefix+"> ")
		}
	case *ast.ThematicBreak:
		p.out.WriteString("\n")
	default:
		p.inline(n)
		p.out.WriteString("\n")
	}
}

func (p *plainText) list(node *ast.List, prefix string) {
	num := node.Start
	for item := node.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if node.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		p.out.WriteString(prefix + marker)
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			switch sub := c.(type) {
			case *ast.List:
				p.out.WriteString("\n")
				p.list(sub, prefix+"  ")
			default:
				p.inline(c)
				p.out.WriteString("\n")
			}
		}
	}
}

func (p *plainText) inline(n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			p.out.Write(node.Segment.Value(p.src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				p.out.WriteByte('\n')
			}
		case *ast.String:
			p.out.Write(node.Value)
		case *ast.Link:
			p.inline(node)
			if dest := string(node.Destination); dest != "" {
				p.out.WriteString(" (" + dest + ")")
			}
		case *ast.Image:
			p.inline(node) // alt text only
		case *ast.AutoLink:
			p.out.Write(node.URL(p.src))
		default:
			// Emphasis, code spans, and anything else: the text
			// children carry the content.
			p.inline(c)
		}
	}
}

func (p *plainText) lines(segments *gmtext.Segments) {
	for i := 0; i < segments.Len(); i++ {
		seg := segments.At(i)
		p.out.Write(seg.Value(p.src))
	}
}

// Package extract turns exported documents into plain text for queue intake.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// MaxDepth bounds recursion into deeply nested HTML.
const MaxDepth = 64

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]+`)
)

// File reads path and returns its text. PDF and HTML files are converted by
// extension; anything else is returned as is.
func File(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF(path)
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return HTML(f)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// PDF returns the plain text of every page of the PDF at path.
func PDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return clean(buf.String()), nil
}

// HTML returns the visible text of an HTML document with block elements on
// their own lines. Scripts, styles and page chrome are dropped.
func HTML(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	var sb strings.Builder
	walk(doc, &sb, 0)
	return clean(sb.String()), nil
}

func walk(n *html.Node, sb *strings.Builder, depth int) {
	if depth > MaxDepth {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "head":
			return
		case "pre":
			// Keep code blocks verbatim.
			sb.WriteString("\n\n")
			sb.WriteString(textContent(n))
			sb.WriteString("\n\n")
			return
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "table", "ul", "ol":
			sb.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, depth+1)
	}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return "\x00" + strings.Trim(sb.String(), "\n") + "\x00"
}

// clean collapses whitespace outside preformatted blocks.
func clean(s string) string {
	parts := strings.Split(s, "\x00")
	for i := 0; i < len(parts); i += 2 {
		p := multiSpace.ReplaceAllString(parts[i], " ")
		lines := strings.Split(p, "\n")
		for j, line := range lines {
			lines[j] = strings.TrimSpace(line)
		}
		parts[i] = multiNewline.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	}
	return strings.TrimSpace(strings.Join(parts, ""))
}

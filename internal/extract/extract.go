// Package extract turns uploaded file bytes into plain text. The format is
// chosen by file extension; plain text is passed through unchanged so that
// chunk offsets index directly into what the user uploaded.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fumiama/go-docx"
	pdflib "github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

// ErrUnsupported is returned for extensions with no registered extractor.
var ErrUnsupported = errors.New("extract: unsupported file type")

// Func converts raw file bytes into text.
type Func func(data []byte) (string, error)

// extractors maps a lower-case extension (without the dot) to its extractor.
var extractors = map[string]Func{
	"txt":      plainText,
	"text":     plainText,
	"pdf":      pdfText,
	"docx":     docxText,
	"md":       markdownText,
	"markdown": markdownText,
	"html":     htmlText,
	"htm":      htmlText,
}

// Ext returns the lower-case extension of name without the leading dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Supported returns the extensions that have an extractor, sorted.
func Supported() []string {
	out := make([]string, 0, len(extractors))
	for ext := range extractors {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Text extracts the text of a file named name. Parsers run on untrusted
// bytes, so the work happens on its own goroutine and Text returns ctx.Err()
// once ctx is done; a parser stuck on a malformed file is abandoned.
// Parser panics are returned as errors.
func Text(ctx context.Context, name string, data []byte) (string, error) {
	ext := Ext(name)
	fn, ok := extractors[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	return run(ctx, ext, fn, data)
}

// run executes fn on its own goroutine and gives up when ctx is done.
func run(ctx context.Context, ext string, fn Func, data []byte) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("parser panic: %v", r)}
			}
		}()
		t, err := fn(data)
		done <- result{text: t, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("extract: %s: %w", ext, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("extract: %s: %w", ext, res.err)
		}
		return res.text, nil
	}
}

// Page tree bounds. Real documents nest a handful of levels deep; a tree
// beyond these limits is cyclic or hostile.
const (
	maxPageTreeDepth = 32
	maxPageTreeNodes = 1 << 16
)

var errPageTree = errors.New("malformed page tree")

// checkPageTree walks /Root /Pages with depth and node limits. The reader's
// own page lookup trusts /Kids and never returns on a tree that contains
// itself.
func checkPageTree(r *pdflib.Reader) error {
	nodes := 0
	var walk func(v pdflib.Value, depth int) error
	walk = func(v pdflib.Value, depth int) error {
		nodes++
		if depth > maxPageTreeDepth || nodes > maxPageTreeNodes {
			return errPageTree
		}
		if v.Key("Type").Name() != "Pages" {
			return nil
		}
		kids := v.Key("Kids")
		for i := 0; i < kids.Len(); i++ {
			if err := walk(kids.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(r.Trailer().Key("Root").Key("Pages"), 0)
}

// pdfText concatenates the plain text of every page, separated by form feeds.
func pdfText(data []byte) (string, error) {
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	if err := checkPageTree(reader); err != nil {
		return "", err
	}

	var buf strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if i > 1 {
			buf.WriteString("\f")
		}
		buf.WriteString(t)
	}
	return buf.String(), nil
}

// docxText joins the text of every body paragraph with blank lines.
func docxText(data []byte) (string, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}

	var paras []string
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		var buf strings.Builder
		for _, child := range para.Children {
			run, ok := child.(*docx.Run)
			if !ok {
				continue
			}
			for _, rc := range run.Children {
				if t, ok := rc.(*docx.Text); ok {
					buf.WriteString(t.Text)
				}
			}
		}
		if t := strings.TrimSpace(buf.String()); t != "" {
			paras = append(paras, t)
		}
	}
	return strings.Join(paras, "\n\n"), nil
}

// markdownText renders the text content of every block, dropping markup.
func markdownText(data []byte) (string, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(data))

	var blocks []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if t := strings.TrimSpace(markdownNodeText(n, data)); t != "" {
			blocks = append(blocks, t)
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}

func markdownNodeText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	switch n.Kind() {
	case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		return buf.String()
	}

	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if c.Type() == ast.TypeBlock && c != n && buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// htmlText collects the visible text of the document body.
func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var blocks []string
	var cur strings.Builder
	flush := func() {
		if t := strings.Join(strings.Fields(cur.String()), " "); t != "" {
			blocks = append(blocks, t)
		}
		cur.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "template":
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockElement(n.Data) {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(blocks, "\n\n"), nil
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "li", "td", "th", "tr", "blockquote", "pre", "section", "article",
		"h1", "h2", "h3", "h4", "h5", "h6", "br", "ul", "ol", "table", "body":
		return true
	}
	return false
}

// Package content renders resource payloads into text a host can display.
package content

import (
	"bytes"
	"fmt"
	"strings"

	gopdf "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Render converts a resource payload to displayable text based on its
// MIME type. HTML is reduced to visible text and PDFs to per-page
// plaintext; text-like types pass through unchanged. Other binary types
// are refused with the payload size so callers can report what they
// skipped.
func Render(mimeType string, data []byte) (string, error) {
	mt := normalizeMime(mimeType)

	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return extractText(string(data)), nil
	case mt == "application/pdf":
		return renderPDF(data)
	case isTextual(mt):
		return string(data), nil
	default:
		return "", fmt.Errorf("cannot render %s content (%d bytes)", mt, len(data))
	}
}

// normalizeMime lowercases the type and strips parameters such as
// "; charset=utf-8".
func normalizeMime(mimeType string) string {
	mt := strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// isTextual reports whether the payload can be shown as-is. Untyped
// content passes through: servers routinely omit the MIME type for plain
// text resources.
func isTextual(mt string) bool {
	if mt == "" || strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/javascript",
		"application/yaml", "application/x-yaml", "application/toml":
		return true
	}
	return strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

// extractText strips tags with the x/net/html tokenizer and keeps the
// visible text, with newlines at block boundaries.
func extractText(rawHTML string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var b strings.Builder
	skip := false
	last := byte('\n')

	// writeSep emits one separator unless we are at the start of the
	// output or of a line, so nested blocks collapse to a single newline.
	writeSep := func(c byte) {
		if b.Len() > 0 && last != '\n' {
			b.WriteByte(c)
			last = c
		}
	}

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if tt == html.StartTagToken && isInvisibleTag(tag) {
				skip = true
			}
			if isBlockTag(tag) {
				writeSep('\n')
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if isInvisibleTag(tag) {
				skip = false
			}
			if isBlockTag(tag) {
				writeSep('\n')
			}

		case html.TextToken:
			if skip {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			writeSep(' ')
			b.WriteString(text)
			last = text[len(text)-1]
		}
	}
}

func isInvisibleTag(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "head":
		return true
	}
	return false
}

func isBlockTag(tag string) bool {
	switch tag {
	case "div", "p", "br", "h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "table", "tr", "td", "th",
		"section", "article", "header", "footer", "nav",
		"blockquote", "pre", "hr":
		return true
	}
	return false
}

// renderPDF extracts plaintext page by page. Pages that fail to decode
// are noted inline rather than aborting the rest of the document.
func renderPDF(data []byte) (text string, err error) {
	// The pdf library panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("render pdf: %v", r)
		}
	}()

	reader, err := gopdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	totalPages := reader.NumPage()
	if totalPages == 0 {
		return "", nil
	}

	var b strings.Builder
	for p := 1; p <= totalPages; p++ {
		page := reader.Page(p)
		if page.V.IsNull() {
			continue
		}

		pageText, extractErr := page.GetPlainText(nil)
		if extractErr != nil {
			fmt.Fprintf(&b, "[page %d: %s]\n", p, extractErr)
			continue
		}

		b.WriteString(pageText)
		if !strings.HasSuffix(pageText, "\n") {
			b.WriteByte('\n')
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

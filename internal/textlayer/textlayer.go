// Package textlayer reads the embedded text of PDF documents.
//
// Only the text layer is read; image-only pages yield no text.
package textlayer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

const pageSeparator = "\n\n"

// PlainText returns the text layer of every page, joined by blank lines.
func PlainText(content []byte) (text string, err error) {
	pages, err := Pages(content)
	if err != nil {
		return "", err
	}
	return strings.Join(pages, pageSeparator), nil
}

// HasText reports whether any page of the document carries text.
func HasText(content []byte) (bool, error) {
	pages, err := Pages(content)
	if err != nil {
		return false, err
	}
	return len(pages) > 0, nil
}

// Pages returns the trimmed, non-empty text of each page in page order.
func Pages(content []byte) (pages []string, err error) {
	// The parser panics on some malformed streams.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("read pdf text layer: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}

		text, pageErr := p.GetPlainText(fonts)
		if pageErr != nil {
			return nil, fmt.Errorf("read pdf page %d: %w", i, pageErr)
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			pages = append(pages, trimmed)
		}
	}
	return pages, nil
}

// Package extract normalizes raw OCR backend responses into plain text plus
// an optional markdown rendering. It is pure: same payload in, same result
// out, no side effects.
package extract

import (
	"errors"
	"strings"

	"github.com/inkfeed/paperocr/internal/ocr"
)

// ErrInvalidResponse means the backend did not declare success.
var ErrInvalidResponse = errors.New("OCR backend returned failure response")

// ErrEmptyExtraction means no known field yielded non-empty text.
var ErrEmptyExtraction = errors.New("no text extracted from OCR response")

// Result is the normalized extraction output.
type Result struct {
	Text        string
	Markdown    string
	HasMarkdown bool
}

// adapter converts one known response shape into a Result. It reports false
// when the shape is absent from the payload, handing over to the next
// adapter in the chain.
type adapter func(r *ocr.Response) (Result, bool)

// chain is the fixed fallback order: the clean formatted text is
// authoritative, then the current full-text field, then the page array, then
// the two legacy shapes.
var chain = []adapter{
	fromCleanText,
	fromFullText,
	fromPages,
	fromStructuredText,
	fromFullDocumentText,
}

// FromResponse extracts text from a raw OCR response by walking the adapter
// chain in order. The returned text and markdown are always trimmed.
func FromResponse(r *ocr.Response) (Result, error) {
	if r == nil || !r.Success {
		return Result{}, ErrInvalidResponse
	}

	for _, convert := range chain {
		res, ok := convert(r)
		if !ok {
			continue
		}
		res.Text = strings.TrimSpace(res.Text)
		res.Markdown = strings.TrimSpace(res.Markdown)
		if res.Text == "" {
			continue
		}
		return res, nil
	}
	return Result{}, ErrEmptyExtraction
}

// fromCleanText handles the formatted output of clean_text mode. Clean text
// doubles as markdown.
func fromCleanText(r *ocr.Response) (Result, bool) {
	if r.CleanText == "" {
		return Result{}, false
	}
	return Result{Text: r.CleanText, Markdown: r.CleanText, HasMarkdown: true}, true
}

func fromFullText(r *ocr.Response) (Result, bool) {
	if r.FullText == "" {
		return Result{}, false
	}
	// A pages array may accompany full_text; it only carries per-page
	// diagnostics and is not needed here.
	return Result{Text: r.FullText, Markdown: r.FullText}, true
}

// fromPages joins page texts with a blank line, skipping empty pages.
func fromPages(r *ocr.Response) (Result, bool) {
	if len(r.Pages) == 0 {
		return Result{}, false
	}
	var parts []string
	for _, page := range r.Pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		parts = append(parts, page.Text)
	}
	text := strings.Join(parts, "\n\n")
	return Result{Text: text, Markdown: text}, true
}

// fromStructuredText handles the legacy structured_text/markdown_text pair.
func fromStructuredText(r *ocr.Response) (Result, bool) {
	if r.StructuredText == "" {
		return Result{}, false
	}
	res := Result{Text: r.StructuredText, Markdown: r.StructuredText}
	if r.MarkdownText != "" {
		res.Markdown = r.MarkdownText
		res.HasMarkdown = true
	}
	return res, true
}

// fromFullDocumentText handles the oldest single-field legacy shape.
func fromFullDocumentText(r *ocr.Response) (Result, bool) {
	if r.FullDocumentText == "" {
		return Result{}, false
	}
	return Result{Text: r.FullDocumentText, Markdown: r.FullDocumentText}, true
}

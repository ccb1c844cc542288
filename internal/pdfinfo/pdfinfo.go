// Package pdfinfo inspects downloaded PDF bytes for diagnostics.
package pdfinfo

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PageCount returns the number of pages in a PDF document. It is used for
// logging before OCR submission only; callers treat errors as "unknown", not
// as processing failures.
func PageCount(data []byte) (int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pdf: %w", err)
	}
	return reader.NumPage(), nil
}

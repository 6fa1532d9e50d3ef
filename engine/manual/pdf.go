package manual

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/WessleyAI/wessley-companion/engine/domain"
)

// DefaultMaxBytes caps manual uploads when no limit is configured.
const DefaultMaxBytes = 20 << 20

var (
	ErrNotPDF         = errors.New("manual: file is not a PDF")
	ErrTooLarge       = errors.New("manual: file too large")
	ErrEmptyFile      = errors.New("manual: file is empty")
	ErrUnreadablePDF  = errors.New("manual: unreadable PDF")
	ErrNoPages        = errors.New("manual: PDF has no pages")
	errPDFParserPanic = errors.New("pdf parser panic")
)

// checkFile validates name and size before the bytes are inspected.
func checkFile(name string, size, maxBytes int64) error {
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return domain.NewValidationError("file_name", name, ErrNotPDF)
	}
	if size <= 0 {
		return domain.NewValidationError("file_size", fmt.Sprint(size), ErrEmptyFile)
	}
	if size > maxBytes {
		return domain.NewValidationError("file_size", fmt.Sprint(size), ErrTooLarge)
	}
	return nil
}

// countPages opens the PDF and returns its page count.
func countPages(r io.ReaderAt, size int64) (pages int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %w: %v", ErrUnreadablePDF, errPDFParserPanic, p)
		}
	}()
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnreadablePDF, err)
	}
	n := doc.NumPage()
	if n < 1 {
		return 0, ErrNoPages
	}
	return n, nil
}

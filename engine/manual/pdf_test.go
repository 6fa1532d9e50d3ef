package manual

import (
	"bytes"
	"errors"
	"testing"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/engine/manual/manualtest"
)

func TestCountPages(t *testing.T) {
	data := manualtest.PDF(3)
	n, err := countPages(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("countPages: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pages, got %d", n)
	}
}

func TestCountPagesGarbage(t *testing.T) {
	data := []byte("this is not a pdf at all")
	if _, err := countPages(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrUnreadablePDF) {
		t.Fatalf("expected ErrUnreadablePDF, got %v", err)
	}
}

func TestCheckFile(t *testing.T) {
	tests := []struct {
		name string
		file string
		size int64
		want error
	}{
		{"ok", "manual.pdf", 100, nil},
		{"upper ext", "MANUAL.PDF", 100, nil},
		{"wrong ext", "manual.docx", 100, ErrNotPDF},
		{"empty", "manual.pdf", 0, ErrEmptyFile},
		{"too large", "manual.pdf", 1001, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkFile(tt.file, tt.size, 1000)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

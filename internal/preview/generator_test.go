package preview

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/pdftest"
)

func TestGenerateCopiesLeadingPages(t *testing.T) {
	generator := NewGenerator(GeneratorConfig{})
	source := pdftest.Document(t, 12)
	original := append([]byte(nil), source...)

	preview, err := generator.Generate(source, 10)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	pdftest.ExpectLeadingPages(t, preview, 10)
	if !bytes.Equal(source, original) {
		t.Fatalf("source document must not be modified")
	}
}

func TestGenerateKeepsShortDocumentsWhole(t *testing.T) {
	generator := NewGenerator(GeneratorConfig{})
	preview, err := generator.Generate(pdftest.Document(t, 3), 10)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	pdftest.ExpectLeadingPages(t, preview, 3)
}

func TestGenerateClampsToPageCeiling(t *testing.T) {
	generator := NewGenerator(GeneratorConfig{MaxPages: 2})
	preview, err := generator.Generate(pdftest.Document(t, 5), 4)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	pdftest.ExpectLeadingPages(t, preview, 2)
}

func TestGenerateZeroPageDocument(t *testing.T) {
	generator := NewGenerator(GeneratorConfig{})
	source := pdftest.Empty(t)

	preview, err := generator.Generate(source, 10)
	if err != nil {
		t.Fatalf("a document without pages must be accepted: %v", err)
	}
	if !bytes.Equal(preview, source) {
		t.Fatalf("expected the empty document to be returned unchanged")
	}
	preview[0] = 'X'
	if source[0] != '%' {
		t.Fatalf("preview must not share storage with the source document")
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	generator := NewGenerator(GeneratorConfig{})
	source := pdftest.Document(t, 12)

	first, err := generator.Generate(source, 5)
	if err != nil {
		t.Fatalf("first generate failed: %v", err)
	}
	second, err := generator.Generate(source, 5)
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	firstMarkers := pdftest.Markers(t, first)
	secondMarkers := pdftest.Markers(t, second)
	if len(firstMarkers) != 5 || len(secondMarkers) != len(firstMarkers) {
		t.Fatalf("expected 5 pages from both runs, got %d and %d", len(firstMarkers), len(secondMarkers))
	}
	for index := range firstMarkers {
		if firstMarkers[index] != secondMarkers[index] {
			t.Fatalf("page %d differs between runs: %q vs %q", index+1, firstMarkers[index], secondMarkers[index])
		}
	}
}

func TestGenerateRejectsInvalidInput(t *testing.T) {
	generator := NewGenerator(GeneratorConfig{MaxDocumentBytes: 64})
	testCases := []struct {
		name      string
		document  []byte
		pageLimit int
		want      error
	}{
		{name: "zero limit", document: []byte("%PDF-1.4"), pageLimit: 0, want: ErrInvalidPageLimit},
		{name: "negative limit", document: []byte("%PDF-1.4"), pageLimit: -3, want: ErrInvalidPageLimit},
		{name: "empty document", document: nil, pageLimit: 1, want: ErrDocumentRead},
		{name: "not a pdf", document: []byte("plain text, not a pdf"), pageLimit: 1, want: ErrDocumentRead},
		{name: "too large", document: bytes.Repeat([]byte("x"), 65), pageLimit: 1, want: ErrDocumentTooLarge},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := generator.Generate(testCase.document, testCase.pageLimit); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
	if !errors.Is(ErrDocumentTooLarge, ErrDocumentRead) {
		t.Fatalf("size ceiling errors must classify as read errors")
	}
}

// Package pdftest builds small PDF fixtures and reads their page text back for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/ledongthuc/pdf"
)

// Marker returns the text printed on the given 1-based page of a fixture.
func Marker(page int) string {
	return fmt.Sprintf("marker-%02d", page)
}

// Document renders a PDF with the given number of pages, each carrying its Marker.
func Document(t testing.TB, pages int) []byte {
	t.Helper()
	document := gofpdf.New("P", "mm", "A5", "")
	document.SetCompression(false)
	document.SetFont("Helvetica", "", 16)
	for page := 1; page <= pages; page++ {
		document.AddPage()
		document.Cell(60, 12, Marker(page))
	}
	var buffer bytes.Buffer
	if err := document.Output(&buffer); err != nil {
		t.Fatalf("failed to render pdf fixture: %v", err)
	}
	return buffer.Bytes()
}

// Empty returns a minimal PDF whose page tree holds no pages.
func Empty(t testing.TB) []byte {
	t.Helper()
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [] /Count 0 >>",
	}
	var buffer bytes.Buffer
	buffer.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for index, object := range objects {
		offsets[index] = buffer.Len()
		fmt.Fprintf(&buffer, "%d 0 obj\n%s\nendobj\n", index+1, object)
	}
	xref := buffer.Len()
	fmt.Fprintf(&buffer, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, offset := range offsets {
		fmt.Fprintf(&buffer, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&buffer, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buffer.Bytes()
}

// Markers reads every page of data and returns the marker text found on each, in page order.
func Markers(t testing.TB, data []byte) []string {
	t.Helper()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("failed to open pdf: %v", err)
	}
	markers := make([]string, 0, reader.NumPage())
	for index := 1; index <= reader.NumPage(); index++ {
		page := reader.Page(index)
		if page.V.IsNull() {
			markers = append(markers, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			t.Fatalf("failed to read page %d: %v", index, err)
		}
		markers = append(markers, strings.TrimSpace(text))
	}
	return markers
}

// ExpectLeadingPages fails the test unless data holds exactly count pages carrying the
// markers of pages 1..count in order.
func ExpectLeadingPages(t testing.TB, data []byte, count int) {
	t.Helper()
	markers := Markers(t, data)
	if len(markers) != count {
		t.Fatalf("expected %d pages, got %d", count, len(markers))
	}
	for index, text := range markers {
		if !strings.Contains(text, Marker(index+1)) {
			t.Fatalf("page %d: expected %q, got %q", index+1, Marker(index+1), text)
		}
	}
}

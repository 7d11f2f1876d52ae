// Package preview derives short preview documents from full PDF volumes.
package preview

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	// DefaultMaxDocumentBytes bounds the size of a document accepted for preview generation.
	DefaultMaxDocumentBytes int64 = 64 << 20
	// DefaultMaxPages bounds the number of pages copied into a preview.
	DefaultMaxPages = 50
)

var (
	// ErrDocumentRead indicates the source document was missing, unreadable or not a PDF.
	ErrDocumentRead = errors.New("preview: document read failed")
	// ErrDocumentWrite indicates the preview document could not be serialised.
	ErrDocumentWrite = errors.New("preview: document write failed")
	// ErrInvalidPageLimit indicates a non-positive page limit.
	ErrInvalidPageLimit = errors.New("preview: page limit must be positive")
	// ErrDocumentTooLarge indicates the source document exceeded the byte ceiling.
	ErrDocumentTooLarge = fmt.Errorf("%w: document exceeds size ceiling", ErrDocumentRead)
)

// GeneratorConfig bounds the work a single generation may do.
type GeneratorConfig struct {
	MaxDocumentBytes int64
	MaxPages         int
}

// Generator copies the leading pages of a PDF into a new document.
type Generator struct {
	maxDocumentBytes int64
	maxPages         int
}

// NewGenerator constructs a Generator, falling back to default ceilings for zero values.
func NewGenerator(cfg GeneratorConfig) *Generator {
	maxBytes := cfg.MaxDocumentBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Generator{maxDocumentBytes: maxBytes, maxPages: maxPages}
}

// MaxDocumentBytes reports the byte ceiling applied to source documents.
func (g *Generator) MaxDocumentBytes() int64 {
	return g.maxDocumentBytes
}

// Generate returns a new PDF holding the first min(pageLimit, pages) pages of document
// in their original order. The input is never modified. A document without pages
// yields an independent copy of itself.
func (g *Generator) Generate(document []byte, pageLimit int) ([]byte, error) {
	if pageLimit <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPageLimit, pageLimit)
	}
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrDocumentRead)
	}
	if int64(len(document)) > g.maxDocumentBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrDocumentTooLarge, len(document), g.maxDocumentBytes)
	}
	if pageLimit > g.maxPages {
		pageLimit = g.maxPages
	}

	conf := newConfiguration()
	pageCount, err := api.PageCount(bytes.NewReader(document), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentRead, err)
	}
	if pageCount == 0 {
		return append([]byte(nil), document...), nil
	}
	if pageLimit > pageCount {
		pageLimit = pageCount
	}

	var out bytes.Buffer
	selection := []string{fmt.Sprintf("1-%d", pageLimit)}
	if err := api.Trim(bytes.NewReader(document), &out, selection, newConfiguration()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentWrite, err)
	}
	return out.Bytes(), nil
}

func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return conf
}

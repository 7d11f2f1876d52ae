// Package publishing adds and replaces volume documents, ensuring each gets its preview.
package publishing

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrNotPDF indicates an upload that does not start with a PDF header.
	ErrNotPDF = errors.New("publishing: document is not a pdf")

	pdfMagic = []byte("%PDF-")
)

// Catalog is the slice of the catalog store the publisher writes through.
type Catalog interface {
	GetItem(ctx context.Context, itemID string) (catalog.Item, error)
	GetVolume(ctx context.Context, volumeID string) (catalog.Volume, error)
	CreateVolume(ctx context.Context, volume catalog.Volume) (catalog.Volume, error)
	UpdateVolume(ctx context.Context, volume catalog.Volume) (catalog.Volume, error)
	DeleteItem(ctx context.Context, itemID string) ([]catalog.Volume, error)
}

// PreviewEnsurer makes sure a volume has a preview.
type PreviewEnsurer interface {
	Ensure(ctx context.Context, item catalog.Item, volume catalog.Volume) (string, bool, error)
}

// PublisherConfig describes the dependencies of the Publisher.
type PublisherConfig struct {
	Catalog   Catalog
	Artifacts storage.ArtifactStore
	Previews  PreviewEnsurer
	Logger    *zap.Logger
}

// Publisher is the write path for volume documents.
type Publisher struct {
	catalog   Catalog
	artifacts storage.ArtifactStore
	previews  PreviewEnsurer
	logger    *zap.Logger
}

// VolumeUpload describes a new volume and its document.
type VolumeUpload struct {
	ItemID   string
	Position int
	Title    string
	Filename string
	Document io.Reader
}

// NewPublisher constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Catalog == nil || cfg.Artifacts == nil || cfg.Previews == nil {
		return nil, fmt.Errorf("publishing: catalog, artifacts and previews are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		catalog:   cfg.Catalog,
		artifacts: cfg.Artifacts,
		previews:  cfg.Previews,
		logger:    logger,
	}, nil
}

// AddVolume stores the document, records the volume and derives its preview.
// A preview failure is returned together with the persisted volume; the read path
// retries generation on the next request.
func (p *Publisher) AddVolume(ctx context.Context, upload VolumeUpload) (catalog.Volume, error) {
	item, err := p.catalog.GetItem(ctx, upload.ItemID)
	if err != nil {
		return catalog.Volume{}, err
	}
	key, err := p.storeDocument(ctx, upload.Filename, upload.Document)
	if err != nil {
		return catalog.Volume{}, err
	}
	volume, err := p.catalog.CreateVolume(ctx, catalog.Volume{
		ItemID:      item.ID,
		Position:    upload.Position,
		Title:       upload.Title,
		DocumentKey: key,
	})
	if err != nil {
		p.discard(ctx, key)
		return catalog.Volume{}, err
	}
	return p.ensurePreview(ctx, item, volume)
}

// ReplaceDocument swaps a volume's document, discarding the artifacts of the old one.
func (p *Publisher) ReplaceDocument(ctx context.Context, volumeID, filename string, document io.Reader) (catalog.Volume, error) {
	existing, err := p.catalog.GetVolume(ctx, volumeID)
	if err != nil {
		return catalog.Volume{}, err
	}
	item, err := p.catalog.GetItem(ctx, existing.ItemID)
	if err != nil {
		return catalog.Volume{}, err
	}
	key, err := p.storeDocument(ctx, filename, document)
	if err != nil {
		return catalog.Volume{}, err
	}
	replacement := existing
	replacement.DocumentKey = key
	updated, err := p.catalog.UpdateVolume(ctx, replacement)
	if err != nil {
		p.discard(ctx, key)
		return catalog.Volume{}, err
	}
	if existing.HasDocument() {
		p.discard(ctx, existing.DocumentKey)
	}
	if existing.HasPreview() {
		p.discard(ctx, existing.PreviewKey)
	}
	return p.ensurePreview(ctx, item, updated)
}

// DeleteItem removes the item with its volumes and their artifacts.
func (p *Publisher) DeleteItem(ctx context.Context, itemID string) error {
	removed, err := p.catalog.DeleteItem(ctx, itemID)
	if err != nil {
		return err
	}
	for _, volume := range removed {
		if volume.HasDocument() {
			p.discard(ctx, volume.DocumentKey)
		}
		if volume.HasPreview() {
			p.discard(ctx, volume.PreviewKey)
		}
	}
	return nil
}

func (p *Publisher) ensurePreview(ctx context.Context, item catalog.Item, volume catalog.Volume) (catalog.Volume, error) {
	key, _, err := p.previews.Ensure(ctx, item, volume)
	if err != nil {
		p.logger.Error("preview generation after publish failed",
			zap.String("item_id", item.ID),
			zap.String("volume_id", volume.ID),
			zap.Error(err),
		)
		return volume, fmt.Errorf("publishing: ensure preview for volume %s: %w", volume.ID, err)
	}
	volume.PreviewKey = key
	return volume, nil
}

func (p *Publisher) storeDocument(ctx context.Context, filename string, document io.Reader) (string, error) {
	if document == nil {
		return "", fmt.Errorf("%w: empty upload", ErrNotPDF)
	}
	buffered := bufio.NewReader(document)
	header, err := buffered.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(header, pdfMagic) {
		return "", ErrNotPDF
	}
	key := storage.NewKey(storage.PrefixVolumes, filename)
	if err := p.artifacts.Put(ctx, key, buffered); err != nil {
		return "", fmt.Errorf("publishing: store document: %w", err)
	}
	return key, nil
}

func (p *Publisher) discard(ctx context.Context, key string) {
	if err := p.artifacts.Delete(context.WithoutCancel(ctx), key); err != nil {
		p.logger.Warn("artifact cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

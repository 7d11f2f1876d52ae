// Package delivery turns access decisions into links and downloadable bundles.
package delivery

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/access"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultMediaPath      = "/media"
	defaultMaxBundleBytes = int64(512 << 20)

	opVolumeLocation = "delivery.volume_location"
	opBundleFullSet  = "delivery.bundle_full_set"
)

var (
	// ErrAccessDenied indicates the identity may not receive the requested content.
	ErrAccessDenied = errors.New("delivery: access denied")
	// ErrNotFound indicates the volume, item or its content does not exist.
	ErrNotFound = errors.New("delivery: not found")
	// ErrGenerationFailed indicates a required preview could not be produced.
	ErrGenerationFailed = access.ErrGenerationFailed
	// ErrBundleTooLarge indicates the bundle would exceed the configured ceiling.
	ErrBundleTooLarge = errors.New("delivery: bundle too large")
)

// Catalog is the read side of the catalog store used for delivery.
type Catalog interface {
	GetItem(ctx context.Context, itemID string) (catalog.Item, error)
	GetVolume(ctx context.Context, volumeID string) (catalog.Volume, error)
	ListVolumes(ctx context.Context, itemID string) ([]catalog.Volume, error)
}

// Resolver decides what an identity may read.
type Resolver interface {
	Resolve(ctx context.Context, identity access.Identity, item catalog.Item, volume catalog.Volume) (access.Result, error)
	HasActivePurchase(ctx context.Context, identity access.Identity, itemID string) (bool, error)
}

// LinkIssuer signs short-lived media links.
type LinkIssuer interface {
	IssueLinkToken(artifactKey string) (string, int64, error)
}

// BundleObserver receives bundle outcomes.
type BundleObserver interface {
	ObserveBundle(outcome string)
}

// Location describes where the client can fetch the content it was granted.
type Location struct {
	URL       string
	Access    access.Decision
	ExpiresIn int64
}

// Bundle is a full-set archive ready to be streamed.
type Bundle struct {
	Filename string
	Data     []byte
}

// ServiceConfig describes the dependencies of the delivery service.
type ServiceConfig struct {
	Catalog        Catalog
	Resolver       Resolver
	Artifacts      storage.ArtifactStore
	Links          LinkIssuer
	MediaPath      string
	MaxBundleBytes int64
	Observer       BundleObserver
	Logger         *zap.Logger
}

// Service serves volume locations and full-set bundles.
type Service struct {
	catalog        Catalog
	resolver       Resolver
	artifacts      storage.ArtifactStore
	links          LinkIssuer
	mediaPath      string
	maxBundleBytes int64
	observer       BundleObserver
	logger         *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("delivery: catalog required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("delivery: resolver required")
	case cfg.Artifacts == nil:
		return nil, fmt.Errorf("delivery: artifact store required")
	case cfg.Links == nil:
		return nil, fmt.Errorf("delivery: link issuer required")
	}
	mediaPath := strings.TrimRight(strings.TrimSpace(cfg.MediaPath), "/")
	if mediaPath == "" {
		mediaPath = defaultMediaPath
	}
	maxBundleBytes := cfg.MaxBundleBytes
	if maxBundleBytes <= 0 {
		maxBundleBytes = defaultMaxBundleBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog:        cfg.Catalog,
		resolver:       cfg.Resolver,
		artifacts:      cfg.Artifacts,
		links:          cfg.Links,
		mediaPath:      mediaPath,
		maxBundleBytes: maxBundleBytes,
		observer:       cfg.Observer,
		logger:         logger,
	}, nil
}

// VolumeLocation resolves access to the volume and returns a signed link to the granted artifact.
func (s *Service) VolumeLocation(ctx context.Context, identity access.Identity, volumeID string) (Location, error) {
	volume, err := s.catalog.GetVolume(ctx, volumeID)
	if errors.Is(err, catalog.ErrNotFound) {
		return Location{}, fmt.Errorf("%w: volume %s", ErrNotFound, volumeID)
	}
	if err != nil {
		return Location{}, err
	}
	item, err := s.catalog.GetItem(ctx, volume.ItemID)
	if errors.Is(err, catalog.ErrNotFound) {
		return Location{}, fmt.Errorf("%w: item %s", ErrNotFound, volume.ItemID)
	}
	if err != nil {
		return Location{}, err
	}

	result, err := s.resolver.Resolve(ctx, identity, item, volume)
	switch {
	case errors.Is(err, access.ErrNoContentAvailable):
		return Location{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, access.ErrGenerationFailed):
		return Location{}, err
	case err != nil:
		s.logError(opVolumeLocation, "resolve_failed", err, zap.String("volume_id", volumeID))
		return Location{}, err
	case result.Decision == access.DecisionDenied:
		return Location{}, ErrAccessDenied
	}
	if result.Decision == access.DecisionFull {
		exists, err := s.artifacts.Exists(ctx, result.ArtifactKey)
		if err != nil {
			s.logError(opVolumeLocation, "artifact_check_failed", err, zap.String("volume_id", volumeID))
			return Location{}, err
		}
		if !exists {
			s.logger.Warn("volume document missing from storage",
				zap.String("volume_id", volumeID),
				zap.String("document_key", result.ArtifactKey),
			)
			return Location{}, fmt.Errorf("%w: document for volume %s", ErrNotFound, volumeID)
		}
	}

	token, expiresIn, err := s.links.IssueLinkToken(result.ArtifactKey)
	if err != nil {
		s.logError(opVolumeLocation, "link_sign_failed", err, zap.String("volume_id", volumeID))
		return Location{}, err
	}
	return Location{
		URL:       s.mediaURL(result.ArtifactKey, token),
		Access:    result.Decision,
		ExpiresIn: expiresIn,
	}, nil
}

func (s *Service) mediaURL(key, token string) string {
	location := url.URL{
		Path:     path.Join(s.mediaPath, key),
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}
	return location.String()
}

// BundleFullSet zips every volume document of the item for an identity holding an
// active purchase. The purchase gate is checked before any artifact is read.
func (s *Service) BundleFullSet(ctx context.Context, identity access.Identity, itemID string) (Bundle, error) {
	if identity.Anonymous() {
		s.observe("denied")
		return Bundle{}, ErrAccessDenied
	}
	item, err := s.catalog.GetItem(ctx, itemID)
	if errors.Is(err, catalog.ErrNotFound) {
		s.observe("not_found")
		return Bundle{}, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	if err != nil {
		return Bundle{}, err
	}
	purchased, err := s.resolver.HasActivePurchase(ctx, identity, item.ID)
	if err != nil {
		s.logError(opBundleFullSet, "purchase_lookup_failed", err, zap.String("item_id", itemID))
		return Bundle{}, err
	}
	if !purchased {
		s.observe("denied")
		return Bundle{}, ErrAccessDenied
	}

	volumes, err := s.catalog.ListVolumes(ctx, item.ID)
	if err != nil {
		return Bundle{}, err
	}

	var buffer bytes.Buffer
	archive := zip.NewWriter(&buffer)
	remaining := s.maxBundleBytes
	for _, volume := range volumes {
		if !volume.HasDocument() {
			continue
		}
		written, err := s.addEntry(ctx, archive, EntryName(item, volume), volume.DocumentKey, remaining)
		if err != nil {
			_ = archive.Close()
			s.observe("failed")
			s.logError(opBundleFullSet, "entry_failed", err, zap.String("item_id", itemID), zap.String("volume_id", volume.ID))
			return Bundle{}, err
		}
		remaining -= written
	}
	if err := archive.Close(); err != nil {
		s.observe("failed")
		return Bundle{}, fmt.Errorf("delivery: finalize archive: %w", err)
	}

	s.observe("delivered")
	return Bundle{Filename: ArchiveName(item), Data: buffer.Bytes()}, nil
}

func (s *Service) addEntry(ctx context.Context, archive *zip.Writer, name, key string, remaining int64) (int64, error) {
	reader, err := s.artifacts.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	entry, err := archive.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(entry, io.LimitReader(reader, remaining+1))
	if err != nil {
		return written, err
	}
	if written > remaining {
		return written, fmt.Errorf("%w: limit %d bytes", ErrBundleTooLarge, s.maxBundleBytes)
	}
	return written, nil
}

// OpenArtifact streams a stored artifact.
func (s *Service) OpenArtifact(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.artifacts.Open(ctx, key)
	if errors.Is(err, storage.ErrArtifactNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return reader, err
}

// EntryName names a volume inside a bundle: "<title>_Vol<position>.pdf".
func EntryName(item catalog.Item, volume catalog.Volume) string {
	title := strings.NewReplacer("/", "-", "\\", "-").Replace(strings.TrimSpace(item.Title))
	return fmt.Sprintf("%s_Vol%d.pdf", title, volume.Position)
}

// ArchiveName names the bundle after the item's title.
func ArchiveName(item catalog.Item) string {
	slug := catalog.Slugify(item.Title)
	if slug == "" {
		slug = "bundle"
	}
	return slug + ".zip"
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveBundle(outcome)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("delivery service error", attrs...)
}

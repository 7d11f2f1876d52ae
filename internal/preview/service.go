package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// OutcomeGenerated labels a generation that produced and persisted a new preview.
	OutcomeGenerated = "generated"
	// OutcomeReused labels an ensure call satisfied by an already persisted preview.
	OutcomeReused = "reused"
	// OutcomeFailed labels a generation that failed.
	OutcomeFailed = "failed"

	opEnsure     = "preview.ensure"
	opRegenerate = "preview.regenerate"

	defaultGenerationTimeout = 2 * time.Minute
	maxEnsureAttempts        = 3
)

var (
	// ErrNoDocument indicates the volume has no full document to derive a preview from.
	ErrNoDocument = errors.New("preview: volume has no document")

	errMissingStore     = errors.New("volume store is required")
	errMissingArtifacts = errors.New("artifact store is required")
	errMissingGenerator = errors.New("generator is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// VolumeStore is the slice of the catalog store the preview service needs.
type VolumeStore interface {
	GetVolume(ctx context.Context, volumeID string) (catalog.Volume, error)
	SetPreviewIfAbsent(ctx context.Context, volumeID, documentKey, previewKey string) (bool, string, error)
	ReleasePreview(ctx context.Context, volumeID, previewKey string) (bool, error)
	ClearPreview(ctx context.Context, volumeID string) (string, error)
}

// Locker serialises work on a key across service instances.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// Observer receives the outcome and duration of each ensure call.
type Observer interface {
	ObservePreview(outcome string, elapsed time.Duration)
}

// ServiceConfig describes the dependencies of the preview service.
type ServiceConfig struct {
	Store     VolumeStore
	Artifacts storage.ArtifactStore
	Generator *Generator
	Locker    Locker
	Observer  Observer
	Logger    *zap.Logger

	// GenerationTimeout bounds one shared generation; callers leaving early do not cancel it.
	GenerationTimeout time.Duration
}

// Service makes sure every volume with a document has exactly one persisted preview.
type Service struct {
	store     VolumeStore
	artifacts storage.ArtifactStore
	generator *Generator
	locker    Locker
	observer  Observer
	logger    *zap.Logger
	timeout   time.Duration
	group     singleflight.Group
}

type ensureResult struct {
	key       string
	generated bool
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Artifacts == nil {
		return nil, errMissingArtifacts
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	return &Service{
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		generator: cfg.Generator,
		locker:    cfg.Locker,
		observer:  cfg.Observer,
		logger:    logger,
		timeout:   timeout,
	}, nil
}

// Ensure returns the key of the volume's preview, generating and persisting one when
// none exists yet or when the persisted artifact has gone missing. Concurrent callers for
// the same volume share one generation, and the conditional write guarantees the first
// persisted key for a document is never replaced.
// generated reports whether this call produced the preview.
func (s *Service) Ensure(ctx context.Context, item catalog.Item, volume catalog.Volume) (string, bool, error) {
	if volume.HasPreview() {
		present, err := s.previewPresent(ctx, volume.ID, volume.PreviewKey)
		if err != nil {
			return "", false, err
		}
		if present {
			s.observe(OutcomeReused, 0)
			return volume.PreviewKey, false, nil
		}
	} else if !volume.HasDocument() {
		return "", false, newServiceError(opEnsure, "no_document", ErrNoDocument)
	}

	started := time.Now()
	outcomes := s.group.DoChan(volume.ID, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.ensureSerialized(shared, item, volume.ID)
	})
	select {
	case <-ctx.Done():
		s.observe(OutcomeFailed, time.Since(started))
		return "", false, newServiceError(opEnsure, "cancelled", ctx.Err())
	case outcome := <-outcomes:
		if outcome.Err != nil {
			s.observe(OutcomeFailed, time.Since(started))
			return "", false, outcome.Err
		}
		result := outcome.Val.(ensureResult)
		if result.generated {
			s.observe(OutcomeGenerated, time.Since(started))
		} else {
			s.observe(OutcomeReused, time.Since(started))
		}
		return result.key, result.generated, nil
	}
}

func (s *Service) ensureSerialized(ctx context.Context, item catalog.Item, volumeID string) (ensureResult, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "preview:"+volumeID)
		if err != nil {
			s.logError(opEnsure, "lock_failed", err, zap.String("volume_id", volumeID))
			return ensureResult{}, newServiceError(opEnsure, "lock_failed", err)
		}
		defer func() {
			if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
				s.logError(opEnsure, "unlock_failed", releaseErr, zap.String("volume_id", volumeID))
			}
		}()
	}

	for attempt := 1; attempt <= maxEnsureAttempts; attempt++ {
		result, err := s.ensureOnce(ctx, item, volumeID)
		if !errors.Is(err, catalog.ErrDocumentChanged) {
			return result, err
		}
		s.logger.Info("volume document replaced during preview generation",
			zap.String("volume_id", volumeID),
			zap.Int("attempt", attempt),
		)
	}
	s.logError(opEnsure, "document_unstable", catalog.ErrDocumentChanged, zap.String("volume_id", volumeID))
	return ensureResult{}, newServiceError(opEnsure, "document_unstable", catalog.ErrDocumentChanged)
}

// ensureOnce derives a preview from the document the volume holds right now. The write is
// bound to that document, so a replacement racing the generation yields ErrDocumentChanged.
func (s *Service) ensureOnce(ctx context.Context, item catalog.Item, volumeID string) (ensureResult, error) {
	current, err := s.store.GetVolume(ctx, volumeID)
	if err != nil {
		return ensureResult{}, err
	}
	if current.HasPreview() {
		present, err := s.previewPresent(ctx, volumeID, current.PreviewKey)
		if err != nil {
			return ensureResult{}, err
		}
		if present {
			return ensureResult{key: current.PreviewKey}, nil
		}
		if _, err := s.store.ReleasePreview(ctx, volumeID, current.PreviewKey); err != nil {
			return ensureResult{}, err
		}
		s.logger.Warn("preview artifact missing, regenerating",
			zap.String("volume_id", volumeID),
			zap.String("preview_key", current.PreviewKey),
		)
	}
	if !current.HasDocument() {
		return ensureResult{}, newServiceError(opEnsure, "no_document", ErrNoDocument)
	}

	document, err := storage.ReadAll(ctx, s.artifacts, current.DocumentKey, s.generator.MaxDocumentBytes())
	if err != nil {
		if errors.Is(err, storage.ErrArtifactTooLarge) {
			return ensureResult{}, newServiceError(opEnsure, "document_too_large", fmt.Errorf("%w: %v", ErrDocumentTooLarge, err))
		}
		s.logError(opEnsure, "document_read_failed", err, zap.String("volume_id", volumeID), zap.String("document_key", current.DocumentKey))
		return ensureResult{}, newServiceError(opEnsure, "document_read_failed", fmt.Errorf("%w: %v", ErrDocumentRead, err))
	}

	pages, err := s.generator.Generate(document, item.PreviewPageCount)
	if err != nil {
		s.logError(opEnsure, "generation_failed", err, zap.String("volume_id", volumeID))
		return ensureResult{}, newServiceError(opEnsure, "generation_failed", err)
	}

	key := storage.PreviewKeyFor(current.DocumentKey)
	if err := s.artifacts.Put(ctx, key, bytes.NewReader(pages)); err != nil {
		s.logError(opEnsure, "artifact_write_failed", err, zap.String("volume_id", volumeID), zap.String("preview_key", key))
		s.discard(ctx, key)
		return ensureResult{}, newServiceError(opEnsure, "artifact_write_failed", fmt.Errorf("%w: %v", ErrDocumentWrite, err))
	}

	applied, winner, err := s.store.SetPreviewIfAbsent(ctx, volumeID, current.DocumentKey, key)
	if err != nil {
		s.discard(ctx, key)
		return ensureResult{}, err
	}
	if !applied {
		s.discard(ctx, key)
		return ensureResult{key: winner}, nil
	}
	s.logger.Info("preview generated",
		zap.String("volume_id", volumeID),
		zap.String("preview_key", key),
		zap.Int("page_limit", item.PreviewPageCount),
	)
	return ensureResult{key: key, generated: true}, nil
}

func (s *Service) previewPresent(ctx context.Context, volumeID, key string) (bool, error) {
	exists, err := s.artifacts.Exists(ctx, key)
	if err != nil {
		s.logError(opEnsure, "artifact_check_failed", err, zap.String("volume_id", volumeID), zap.String("preview_key", key))
		return false, newServiceError(opEnsure, "artifact_check_failed", err)
	}
	return exists, nil
}

// Regenerate discards the volume's current preview and derives a new one.
func (s *Service) Regenerate(ctx context.Context, item catalog.Item, volume catalog.Volume) (string, error) {
	previous, err := s.store.ClearPreview(ctx, volume.ID)
	if err != nil {
		return "", err
	}
	if previous != "" {
		s.discard(ctx, previous)
	}
	volume.PreviewKey = ""
	key, _, err := s.Ensure(ctx, item, volume)
	if err != nil {
		return "", newServiceError(opRegenerate, "ensure_failed", err)
	}
	return key, nil
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.artifacts.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("preview artifact cleanup failed", zap.String("preview_key", key), zap.Error(err))
	}
}

func (s *Service) observe(outcome string, elapsed time.Duration) {
	if s.observer != nil {
		s.observer.ObservePreview(outcome, elapsed)
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
	s.logger.Error("preview service error", attrs...)
}

// Package app assembles the storefront services from runtime configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/access"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/config"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/database"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/publishing"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/server"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds the wired services shared by the API server and the maintenance commands.
type App struct {
	Config    config.AppConfig
	Logger    *zap.Logger
	Database  *gorm.DB
	Catalog   *catalog.Store
	Artifacts storage.ArtifactStore
	Previews  *preview.Service
	Publisher *publishing.Publisher
	Resolver  *access.Resolver
	Delivery  *delivery.Service
	Profiles  *users.Service
	Links     *auth.LinkSigner
	Metrics   *metrics.Recorder

	closers []func() error
}

// New opens the database, artifact storage and optional lock backend, then wires the services.
// Callers own the returned App and must Close it.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	application := &App{Config: cfg, Logger: logger, Metrics: metrics.NewRecorder()}
	if err := application.wire(ctx); err != nil {
		_ = application.Close()
		return nil, err
	}
	return application, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	db, err := database.Open(database.Config{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.Database = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	store, err := catalog.NewStore(catalog.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: catalog.NewUUIDProvider(),
		Logger:     a.Logger,
	})
	if err != nil {
		return err
	}
	a.Catalog = store

	artifacts, err := a.openArtifacts(ctx)
	if err != nil {
		return err
	}
	a.Artifacts = artifacts

	previewConfig := preview.ServiceConfig{
		Store:     store,
		Artifacts: artifacts,
		Generator: preview.NewGenerator(preview.GeneratorConfig{
			MaxDocumentBytes: cfg.MaxDocumentBytes,
			MaxPages:         cfg.MaxPreviewPages,
		}),
		Observer: a.Metrics,
		Logger:   a.Logger,
	}
	if cfg.RedisAddress != "" {
		locker, err := a.openLocker(ctx)
		if err != nil {
			return err
		}
		previewConfig.Locker = locker
	}
	previews, err := preview.NewService(previewConfig)
	if err != nil {
		return err
	}
	a.Previews = previews

	publisher, err := publishing.NewPublisher(publishing.PublisherConfig{
		Catalog:   store,
		Artifacts: artifacts,
		Previews:  previews,
		Logger:    a.Logger,
	})
	if err != nil {
		return err
	}
	a.Publisher = publisher

	resolver, err := access.NewResolver(access.ResolverConfig{
		Purchases: store,
		Previews:  previews,
		Observer:  a.Metrics,
		Logger:    a.Logger,
	})
	if err != nil {
		return err
	}
	a.Resolver = resolver

	links, err := auth.NewLinkSigner(auth.LinkSignerConfig{
		SigningSecret: []byte(cfg.LinkSecret),
		TTL:           cfg.LinkTTL,
	})
	if err != nil {
		return err
	}
	a.Links = links

	deliveryService, err := delivery.NewService(delivery.ServiceConfig{
		Catalog:   store,
		Resolver:  resolver,
		Artifacts: artifacts,
		Links:     links,
		Observer:  a.Metrics,
		Logger:    a.Logger,
	})
	if err != nil {
		return err
	}
	a.Delivery = deliveryService

	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	a.Profiles = profiles
	return nil
}

func (a *App) openArtifacts(ctx context.Context) (storage.ArtifactStore, error) {
	switch a.Config.StorageBackend {
	case config.StorageBackendGCS:
		store, err := storage.NewGCSStore(ctx, storage.GCSConfig{Bucket: a.Config.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs bucket: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Logger.Info("artifact storage initialized", zap.String("backend", "gcs"), zap.String("bucket", a.Config.GCSBucket))
		return store, nil
	case config.StorageBackendLocal, "":
		store, err := storage.NewLocalStore(a.Config.MediaRoot)
		if err != nil {
			return nil, fmt.Errorf("open media root: %w", err)
		}
		a.Logger.Info("artifact storage initialized", zap.String("backend", "local"), zap.String("root", a.Config.MediaRoot))
		return store, nil
	default:
		return nil, fmt.Errorf("storage backend %q is not supported", a.Config.StorageBackend)
	}
}

func (a *App) openLocker(ctx context.Context) (*locks.RedisLocker, error) {
	client, err := locks.NewRedisClient(ctx, a.Config.RedisAddress)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	locker, err := locks.NewRedisLocker(locks.RedisLockerConfig{Client: client})
	if err != nil {
		return nil, err
	}
	a.Logger.Info("preview generation lock enabled", zap.String("redis_address", a.Config.RedisAddress))
	return locker, nil
}

// HTTPHandler builds the storefront API handler.
func (a *App) HTTPHandler() (http.Handler, error) {
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(a.Config.SessionSecret),
		Issuer:        a.Config.SessionIssuer,
		CookieName:    a.Config.SessionCookie,
	})
	if err != nil {
		return nil, err
	}
	return server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Profiles:       a.Profiles,
		Catalog:        a.Catalog,
		Entitlements:   a.Resolver,
		Delivery:       a.Delivery,
		Links:          a.Links,
		Metrics:        a.Metrics,
		AllowedOrigins: a.Config.AllowedOrigins,
		DownloadLimit: server.DownloadLimit{
			PerMinute: a.Config.DownloadsPerMin,
			Burst:     a.Config.DownloadBurst,
		},
		Logger: a.Logger,
	})
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.StorageBackend != StorageBackendLocal {
		t.Fatalf("expected local storage backend, got %q", cfg.StorageBackend)
	}
	if cfg.MaxPreviewPages != defaultMaxPreviewPages {
		t.Fatalf("unexpected preview page ceiling %d", cfg.MaxPreviewPages)
	}
	if cfg.LinkTTL != 15*time.Minute {
		t.Fatalf("unexpected link ttl %s", cfg.LinkTTL)
	}
	if cfg.LinkSecret != "secret" {
		t.Fatalf("expected link secret to fall back to session secret")
	}
	if cfg.DownloadsPerMin != defaultDownloadsPerMin || cfg.DownloadBurst != defaultDownloadBurst {
		t.Fatalf("unexpected download limits %d/%d", cfg.DownloadsPerMin, cfg.DownloadBurst)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{
			name:      "missing-session-secret",
			overrides: map[string]any{},
			wantError: "session.signing_secret",
		},
		{
			name: "postgres-without-dsn",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"database.driver":        "postgres",
			},
			wantError: "database.dsn",
		},
		{
			name: "unknown-storage-backend",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"storage.backend":        "ftp",
			},
			wantError: "storage.backend",
		},
		{
			name: "gcs-without-bucket",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"storage.backend":        "gcs",
			},
			wantError: "storage.gcs_bucket",
		},
		{
			name: "non-positive-page-ceiling",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"preview.max_pages":      0,
			},
			wantError: "preview.max_pages",
		},
		{
			name: "negative-download-rate",
			overrides: map[string]any{
				"session.signing_secret":    "secret",
				"downloads.rate_per_minute": -1,
			},
			wantError: "downloads",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantError) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantError, err)
			}
		})
	}
}

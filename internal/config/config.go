package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "FOLIO"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 2 * time.Minute
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "folio.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultLinkTTL           = 15 * time.Minute
	defaultStorageBackend    = StorageBackendLocal
	defaultMediaRoot         = "media"
	defaultMaxDocumentBytes  = 200 << 20
	defaultMaxPreviewPages   = 50
	defaultCORSAllowedOrigin = "*"
	defaultDownloadsPerMin   = 6
	defaultDownloadBurst     = 3
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	StorageBackendLocal = "local"
	StorageBackendGCS   = "gcs"
)

// AppConfig captures runtime configuration for the API server and maintenance commands.
type AppConfig struct {
	HTTPAddress      string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	LogLevel         string
	LogFormat        string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	SessionSecret    string
	SessionCookie    string
	SessionIssuer    string
	LinkSecret       string
	LinkTTL          time.Duration
	StorageBackend   string
	MediaRoot        string
	GCSBucket        string
	MaxDocumentBytes int64
	MaxPreviewPages  int
	RedisAddress     string
	AllowedOrigins   []string
	DownloadsPerMin  int
	DownloadBurst    int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.read_timeout", defaultReadTimeout)
	configViper.SetDefault("http.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("links.ttl", defaultLinkTTL)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.media_root", defaultMediaRoot)
	configViper.SetDefault("preview.max_document_bytes", defaultMaxDocumentBytes)
	configViper.SetDefault("preview.max_pages", defaultMaxPreviewPages)
	configViper.SetDefault("cors.allowed_origins", []string{defaultCORSAllowedOrigin})
	configViper.SetDefault("downloads.rate_per_minute", defaultDownloadsPerMin)
	configViper.SetDefault("downloads.burst", defaultDownloadBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		ReadTimeout:      configViper.GetDuration("http.read_timeout"),
		WriteTimeout:     configViper.GetDuration("http.write_timeout"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		SessionSecret:    configViper.GetString("session.signing_secret"),
		SessionCookie:    configViper.GetString("session.cookie_name"),
		SessionIssuer:    configViper.GetString("session.issuer"),
		LinkSecret:       configViper.GetString("links.signing_secret"),
		LinkTTL:          configViper.GetDuration("links.ttl"),
		StorageBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		MediaRoot:        configViper.GetString("storage.media_root"),
		GCSBucket:        configViper.GetString("storage.gcs_bucket"),
		MaxDocumentBytes: configViper.GetInt64("preview.max_document_bytes"),
		MaxPreviewPages:  configViper.GetInt("preview.max_pages"),
		RedisAddress:     strings.TrimSpace(configViper.GetString("redis.address")),
		AllowedOrigins:   configViper.GetStringSlice("cors.allowed_origins"),
		DownloadsPerMin:  configViper.GetInt("downloads.rate_per_minute"),
		DownloadBurst:    configViper.GetInt("downloads.burst"),
	}

	if strings.TrimSpace(cfg.LinkSecret) == "" {
		cfg.LinkSecret = cfg.SessionSecret
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.StorageBackend {
	case StorageBackendLocal:
		if strings.TrimSpace(c.MediaRoot) == "" {
			return fmt.Errorf("storage.media_root is required")
		}
	case StorageBackendGCS:
		if strings.TrimSpace(c.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.StorageBackend)
	}
	if c.MaxDocumentBytes <= 0 {
		return fmt.Errorf("preview.max_document_bytes must be positive")
	}
	if c.MaxPreviewPages <= 0 {
		return fmt.Errorf("preview.max_pages must be positive")
	}
	if c.DownloadsPerMin < 0 || c.DownloadBurst < 0 {
		return fmt.Errorf("downloads rate limits must not be negative")
	}
	if c.LinkTTL <= 0 {
		return fmt.Errorf("links.ttl must be positive")
	}
	return nil
}

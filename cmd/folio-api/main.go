package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/app"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/config"
	"github.com/MarcoPoloResearchLab/folio/backend/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "folio-api",
		Short: "Folio storefront backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the storefront HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		newItemsCommand(),
		newCategoriesCommand(),
		newVolumesCommand(),
		newPreviewsCommand(),
		newPurchasesCommand(),
		newUsersCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("session-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Artifact storage backend (local, gcs)")
	cmd.PersistentFlags().String("media-root", defaults.GetString("storage.media_root"), "Local artifact directory")
	cmd.PersistentFlags().String("gcs-bucket", "", "GCS bucket for artifacts")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for preview generation locks")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "session-secret")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.media_root", "media-root")
	bindFlag(cmd, "storage.gcs_bucket", "gcs-bucket")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// withApplication loads configuration, wires the services and hands them to run.
func withApplication(ctx context.Context, run func(context.Context, *app.App) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	application, err := app.New(ctx, appConfig, logger)
	if err != nil {
		logger.Error("application wiring failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("application shutdown incomplete", zap.Error(err))
		}
	}()

	return run(ctx, application)
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApplication(signalCtx, func(ctx context.Context, application *app.App) error {
		handler, err := application.HTTPHandler()
		if err != nil {
			return err
		}

		appConfig := application.Config
		httpServer := &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       appConfig.ReadTimeout,
			WriteTimeout:      appConfig.WriteTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			application.Logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
}

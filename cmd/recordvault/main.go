package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/recordvault/internal/cleanup"
	"github.com/italolelis/recordvault/internal/config"
	"github.com/italolelis/recordvault/internal/http/rest"
	"github.com/italolelis/recordvault/internal/logctx"
	"github.com/italolelis/recordvault/internal/notifier"
	"github.com/italolelis/recordvault/internal/recordstore"
	"github.com/italolelis/recordvault/internal/recordstore/httpapi"
	"github.com/italolelis/recordvault/internal/recordstore/memstore"
	"github.com/italolelis/recordvault/internal/storage"
	"github.com/italolelis/recordvault/internal/storage/sqlite"
	"github.com/italolelis/recordvault/internal/telemetry"
	"github.com/italolelis/recordvault/internal/transfer"
)

const version = "0.1.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("recordvault starting...", "log_level", cfg.LogLevel, "store_backend", cfg.StoreBackend)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Journal
	database, err := sqlite.InitDB(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("journal error: %w", err)
	}
	defer database.Close()

	journal := sqlite.NewInstrumentedJournal(database, tel)

	// =========================================================================
	// Start Record Store
	db, storeClose, err := buildStore(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build record store: %w", err)
	}
	defer storeClose()

	key, err := cfg.Key()
	if err != nil {
		return err
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, db, key, journal, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"zone", cfg.ZoneName,
		"scope", cfg.Scope,
		"staging_dir", cfg.StagingDir,
		"retention", cfg.KeepStagingFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cfg)

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// buildStore is an abstract factory for the record store backend. The
// returned close function stops the backend's workers.
func buildStore(cfg *config.Config, tel *telemetry.Telemetry) (recordstore.Database, func(), error) {
	scope := recordstore.Scope(cfg.Scope)

	switch cfg.StoreBackend {
	case "memory":
		store := memstore.New(cfg.MemoryDelay, cfg.ScratchDir)

		return transfer.NewInstrumentedDatabase(store.Database(scope), tel, "memory"), store.Close, nil
	case "http":
		if cfg.APIBaseURL == "" {
			return nil, nil, fmt.Errorf("API_BASE_URL is required for the http backend")
		}

		client := httpapi.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.ScratchDir)

		return transfer.NewInstrumentedDatabase(client.Database(scope), tel, "http"), func() {}, nil
	}

	return nil, nil, fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, db recordstore.Database, key []byte, journal storage.Journal, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	zone := recordstore.ZoneID{Name: cfg.ZoneName, Owner: cfg.ZoneOwner}

	handler := rest.NewRecordsHandler(
		cfg.Auth.Username, cfg.Auth.Password,
		db, zone,
		cfg.CacheDir, cfg.StagingDir,
		key,
		journal, notif, tel,
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Mount("/", handler.Routes())
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// setupCleanup periodically expires staged upload artifacts.
func setupCleanup(ctx context.Context, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.SweepStaging(ctx, cfg.StagingDir, cfg.KeepStagingFor); err != nil {
					logger.Error("failed to sweep staging dir", "err", err)
				}
			}
		}
	}()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shelfwatch/internal/batch"
	"shelfwatch/internal/cache"
	"shelfwatch/internal/classify"
	"shelfwatch/internal/config"
	"shelfwatch/internal/httpapi"
	"shelfwatch/internal/infrastructure/render"
	"shelfwatch/internal/infrastructure/scheduler"
	"shelfwatch/internal/infrastructure/storage"
	"shelfwatch/internal/logging"
	"shelfwatch/internal/ports"
	"shelfwatch/internal/resolve"
)

// Application wires configs to the availability engine and lifecycle
// orchestration.
type Application struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *storage.SQLiteStore
	coordinator *batch.Coordinator
	scheduler   ports.Scheduler
	server      *http.Server
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	fetcher := render.NewDocumentFetcher(nil, cfg.Availability.UserAgent)
	resolver := resolve.New(fetcher, classify.New(), cfg.Availability.NavTimeout(),
		baseLogger.With("component", "resolver"))

	cacheSvc := cache.New(store, resolver, cfg.Availability.CacheTTL(),
		baseLogger.With("component", "cache"))

	jobs := batch.NewTable()
	coordinator := batch.NewCoordinator(cacheSvc, jobs, cfg.Availability.Pacing(),
		baseLogger.With("component", "batch"))

	handler := httpapi.NewHandler(store, cacheSvc, coordinator, jobs,
		baseLogger.With("component", "http"))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Application{
		cfg:         cfg,
		logger:      baseLogger,
		store:       store,
		coordinator: coordinator,
		scheduler:   scheduler.NewCronScheduler(cfg.Scheduler.CronExpression),
		server:      server,
	}, nil
}

// Run starts the scheduler and the HTTP server and blocks until the context
// is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	refresh := func(trigger time.Time) {
		books, err := a.store.Books(ctx)
		if err != nil {
			a.logger.Error("scheduled refresh: load books", "error", err)
			return
		}
		libraries, err := a.store.Libraries(ctx)
		if err != nil {
			a.logger.Error("scheduled refresh: load libraries", "error", err)
			return
		}
		jobID := a.coordinator.Run(ctx, books, libraries)
		a.logger.Info("scheduled refresh started", "job", jobID, "trigger", trigger.Format(time.RFC3339))
	}
	if err := a.scheduler.Start(ctx, refresh); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.Server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		_ = a.shutdown()
		return err
	}
}

func (a *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.scheduler.Stop(shutdownCtx)
	err := a.server.Shutdown(shutdownCtx)
	if closeErr := a.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

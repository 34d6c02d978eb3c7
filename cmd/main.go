package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/imagen-studio/internal/config"
	"github.com/MimeLyc/imagen-studio/internal/httpapi"
	"github.com/MimeLyc/imagen-studio/internal/imageload"
	"github.com/MimeLyc/imagen-studio/internal/persistence"
	"github.com/MimeLyc/imagen-studio/internal/prediction"
	"github.com/MimeLyc/imagen-studio/internal/replicate"
	"github.com/MimeLyc/imagen-studio/internal/service"
	"github.com/MimeLyc/imagen-studio/pkg/log"
	"github.com/MimeLyc/imagen-studio/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

type application interface {
	Schedule(ctx context.Context) error
	Close(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Warn("Failed to load .env: %v", err)
	}

	var opts []config.Option
	settingsPath := config.RuntimeSettingsFilePath()
	settings, err := config.LoadRuntimeSettingsFile(settingsPath)
	switch {
	case err == nil:
		opts = append(opts, config.WithRuntimeSettings(settings))
	case !errors.Is(err, fs.ErrNotExist):
		log.Warn("Ignoring runtime settings file %s: %v", settingsPath, err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	level := log.ParseLevel(cfg.System.LogLevel)
	if cfg.System.LogFile != "" {
		fileLogger, err := log.NewFileLogger(cfg.System.LogFile, level)
		if err != nil {
			log.Fatal("Failed to open log file: %v", err)
		}
		defer fileLogger.Close()
		log.SetLogger(fileLogger.Logger)
	} else {
		log.InitLogger(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("Studio exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	client, err := replicate.NewClient(cfg.ReplicateClientConfig())
	if err != nil {
		return err
	}
	loader := imageload.NewLoader(
		imageload.WithTimeout(cfg.Images.FetchTimeout),
		imageload.WithMaxBytes(cfg.Images.MaxBytes),
	)
	ctrl := prediction.NewController(client, loader,
		prediction.WithEstimatedDuration(cfg.Progress.EstimatedDuration),
		prediction.WithTickInterval(cfg.Progress.TickInterval),
		prediction.WithDeadline(cfg.Progress.Deadline),
		prediction.WithCancelTimeout(cfg.Progress.CancelTimeout),
		prediction.WithLoadConcurrency(cfg.Images.LoadConcurrency),
	)

	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	cronEngine := cron.New()
	studio := service.NewStudio(ctrl, store, cronEngine,
		service.WithModelVersionSetter(client),
		service.WithRetention(cfg.History.RetentionDays, cfg.History.RetentionCron),
	)

	settingsStore, err := config.NewRuntimeSettingsStore(cfg.System.SettingsFile, cfg.RuntimeSettings(), studio.ApplySettings)
	if err != nil {
		return err
	}

	mw := metrics.NewMiddleware("imagen-studio")
	mw.MustRegisterDefault()
	httpSrv := httpapi.NewServer(studio,
		httpapi.WithRuntimeSettingsStore(settingsStore),
		httpapi.WithMetrics(mw),
	)

	return runWithComponents(ctx, cfg, studio, cronEngine, httpSrv)
}

// runWithComponents runs until ctx is done or the HTTP server fails, then
// shuts everything down in reverse order.
func runWithComponents(ctx context.Context, cfg *config.Config, app application, cronEngine cronRunner, httpSrv httpServer) error {
	if err := app.Schedule(ctx); err != nil {
		return err
	}
	cronEngine.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		err := httpSrv.ListenAndServe(cfg.HTTP.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error("HTTP server failed: %v", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	select {
	case <-cronEngine.Stop().Done():
	case <-shutdownCtx.Done():
	}
	if err := app.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/config"
	"github.com/MimeLyc/procmap-orchestrator/internal/httpapi"
	"github.com/MimeLyc/procmap-orchestrator/internal/persistence"
	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/MimeLyc/procmap-orchestrator/internal/service"
	"github.com/MimeLyc/procmap-orchestrator/pkg/log"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type configLoader func() (*config.Config, error)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another procmap instance is already serving from %s", cfg.System.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	client, err := remote.NewClient(&remote.Config{BaseURL: cfg.Remote.BaseURL, Timeout: cfg.Remote.Timeout})
	if err != nil {
		return err
	}

	engine := service.NewCron()
	svc := service.New(*cfg, client, store, engine)
	defer svc.Close()

	opts := []httpapi.Option{httpapi.WithUI(cfg.HTTP.UIStaticDir, cfg.HTTP.UIStaticDir != "")}
	if cfg.System.SettingsFile != "" {
		opts = append(opts,
			httpapi.WithRuntimeSettingsStore(config.SettingsFile{Path: cfg.System.SettingsFile}),
			httpapi.WithRuntimeSettingsApplier(applyRuntimeSettings),
		)
	}
	srv := httpapi.NewServer(svc, opts...)

	return runWithComponents(ctx, cfg, svc, engine, srv)
}

// applyRuntimeSettings switches the log level right away. Everything else
// is read on the next start.
func applyRuntimeSettings(next config.RuntimeSettings) error {
	if next.LogLevel != "" {
		log.GetLogger().SetLevel(log.ParseLevel(next.LogLevel))
	}
	log.Info("Runtime settings saved; remote and pipeline changes apply after restart")
	return nil
}

func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, engine cronEngine, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	engine.Start()
	defer func() { <-engine.Stop().Done() }()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.HTTP.Addr)
		err := srv.ListenAndServe(cfg.HTTP.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

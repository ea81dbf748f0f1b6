package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"prospector/internal/prompt"
	"prospector/internal/server"
	"prospector/internal/types"
)

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the prospecting HTTP API",
	Long: `Starts the HTTP server with the run trigger and its SSE progress
stream, read-only prospect queries, and the health endpoint. Prompt
template files under the prompts directory are hot-reloaded while the
server runs.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := prompt.NewWatcher(e.registry)
	if err != nil {
		logger.Warn("prompt hot-reload disabled", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("prompt hot-reload disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	starter := server.RunStarterFunc(func(ctx context.Context, req *types.RunRequest) (server.RunStream, error) {
		return e.orch.StartRun(ctx, req)
	})
	srv := server.New(e.cfg, starter, e.repo)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("prospector serving",
		zap.String("addr", e.cfg.Server.Addr),
		zap.String("db", e.cfg.DBPath()),
		zap.String("backups", e.cfg.BackupRoot()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ServerShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

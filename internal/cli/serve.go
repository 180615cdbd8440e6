package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/maestro/internal/api"
	"github.com/iammorganparry/clive/apps/maestro/internal/server"
	"github.com/iammorganparry/clive/apps/maestro/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maestro server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	logger := newLogger(cfg, os.Stderr)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return err
	}
	defer db.Close()

	hub := server.NewHub(logger, nil)
	svc := server.NewService(store.New(db), hub, server.Options{
		SessionDir: cfg.SessionDir,
		ServerURL:  cfg.ServerURL,
		Logger:     logger,
	})
	router := api.NewRouter(db, svc, hub, cfg.APIKey, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("maestro server starting", "addr", srv.Addr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	// Push connections are hijacked, so Shutdown does not wait for them.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

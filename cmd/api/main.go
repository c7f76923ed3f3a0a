package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"research-orchestrator/internal/app"
	"research-orchestrator/internal/config"
	"research-orchestrator/internal/handler"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research-api",
		Short: "HTTP API for creating and driving enrichment jobs.",
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server.",
		Long: `Start the API server.

Jobs left processing by a previous process are reported as orphaned and are not resumed
automatically; POST /jobs/{id}/resume attaches a new dispatch loop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(cfg.Log); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func serve(cfg *config.Config) error {
	logger := log.NewEntry(log.StandardLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Monitor.Start(); err != nil {
		a.Close()
		return err
	}
	if _, err := a.Monitor.Sweep(ctx); err != nil {
		logger.WithError(err).Warn("initial orphan sweep failed")
	}

	jobHandler := handler.NewJobHandler(a.Orchestrator, a.Exporter, a.Metrics, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: jobHandler.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("API server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error closing server")
	}
	if err := a.Close(); err != nil {
		log.WithError(err).Warn("dispatch loops did not drain cleanly")
	}
	log.Info("server stopped")
	return serveErr
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"research-orchestrator/internal/app"
	"research-orchestrator/internal/config"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/service"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research-worker",
		Short: "Headless runner for enrichment jobs.",
	}
	cmd.AddCommand(runCmd())
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <job-id>...",
		Short: "Start pending jobs or resume orphaned ones, then wait for them to stop.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(cfg.Log); err != nil {
				return err
			}
			return run(cfg, args)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func run(cfg *config.Config, jobIDs []string) error {
	logger := log.NewEntry(log.StandardLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("dispatch loops did not drain cleanly")
		}
	}()

	var attached []string
	for _, id := range jobIDs {
		if err := attach(ctx, a.Orchestrator, id); err != nil {
			log.WithField("job_id", id).WithError(err).Error("could not attach")
			continue
		}
		attached = append(attached, id)
	}
	if len(attached) == 0 {
		return errors.New("no jobs attached")
	}
	log.Infof("worker started, running %d jobs", len(attached))

	for _, id := range attached {
		if err := a.Orchestrator.Wait(ctx, id); err != nil {
			log.Info("shutting down worker...")
			return nil
		}
		report(ctx, a.Orchestrator, id)
	}
	log.Println("worker stopped")
	return nil
}

// attach starts a pending job or resumes one left processing by another process
func attach(ctx context.Context, o *service.Orchestrator, id string) error {
	job, err := o.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.StatusPending:
		return o.Start(ctx, id)
	case models.StatusProcessing:
		return o.Resume(ctx, id)
	}
	return errors.Errorf("job is %s", job.Status)
}

func report(ctx context.Context, o *service.Orchestrator, id string) {
	p, err := o.Progress(ctx, id)
	if err != nil {
		log.WithField("job_id", id).WithError(err).Error("could not read progress")
		return
	}
	log.WithFields(log.Fields{
		"job_id":    id,
		"status":    p.Status,
		"paused":    p.Paused,
		"processed": p.Processed,
		"failed":    p.Failed,
		"total":     p.Total,
	}).Info("job loop exited")
}

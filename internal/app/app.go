package app

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"research-orchestrator/internal/config"
	"research-orchestrator/internal/enrichment"
	"research-orchestrator/internal/export"
	"research-orchestrator/internal/metrics"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
	"research-orchestrator/internal/resolver"
	"research-orchestrator/internal/service"
)

// accountKinds select their items from the accounts table; the rest take literal rows.
var accountKinds = []models.JobKind{
	models.KindResearch,
	models.KindCategorization,
	models.KindPreprocessing,
	models.KindEmployeeCount,
	models.KindTriage,
}

// App holds the wired components shared by the API server and the headless runner.
type App struct {
	Repo         *repository.SQLiteRepository
	Metrics      *metrics.Metrics
	Liveness     *service.LivenessRegistry
	Orchestrator *service.Orchestrator
	Exporter     *export.Service
	Monitor      *service.OrphanMonitor

	cfg    *config.Config
	logger *logrus.Entry
}

// Build opens the store and wires every component from cfg
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*App, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	repo, err := repository.NewSQLiteRepository(cfg.Database.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize repository")
	}

	accounts := resolver.NewAccountResolver(repo.DB())
	if err := accounts.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, err
	}
	router := resolver.NewRouter(resolver.StaticResolver{}).
		Route(accounts, accountKinds...).
		Route(resolver.StaticResolver{}, models.KindProspectProcessing)

	client, err := newClient(ctx, cfg.Enrichment, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}
	clients := enrichment.NewRegistry()
	clients.Register(client, models.AllKinds...)

	m := metrics.NewMetrics()
	liveness := service.NewLivenessRegistry()
	orchestrator := service.NewOrchestrator(repo, router, clients, liveness,
		service.WithConcurrency(cfg.Scheduler.Concurrency),
		service.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
		service.WithRetryBackoff(cfg.Scheduler.RetryBaseDelay, cfg.Scheduler.RetryMaxDelay),
		service.WithCallTimeout(cfg.Scheduler.CallTimeout),
		service.WithRateLimiter(service.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)),
		service.WithMetrics(m),
		service.WithLogger(logger),
	)

	return &App{
		Repo:         repo,
		Metrics:      m,
		Liveness:     liveness,
		Orchestrator: orchestrator,
		Exporter:     export.NewService(repo, logger),
		Monitor:      service.NewOrphanMonitor(repo, liveness, m, logger, cfg.OrphanMonitor.Schedule),
		cfg:          cfg,
		logger:       logger,
	}, nil
}

func newClient(ctx context.Context, cfg config.EnrichmentConfig, logger *logrus.Entry) (enrichment.Client, error) {
	switch cfg.Provider {
	case "gemini":
		return enrichment.NewGeminiClient(ctx, enrichment.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model}, logger)
	case "claude", "":
		return enrichment.NewClaudeClient(enrichment.ClaudeConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			BaseURL:   cfg.BaseURL,
		}, logger)
	}
	return nil, errors.Errorf("unknown enrichment provider %q", cfg.Provider)
}

// Close stops every dispatch loop within the configured shutdown timeout, then closes
// the store. Jobs that were running stay processing and read as orphaned on next start.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	a.Monitor.Stop(ctx)
	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.Repo.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to close repository"))
	}
	return result.ErrorOrNil()
}

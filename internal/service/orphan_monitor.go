package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"research-orchestrator/internal/metrics"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
)

const sweepTimeout = 30 * time.Second

// OrphanMonitor periodically looks for jobs persisted as processing that have no loop
// attached in this process. It only reports them; resuming is an operator decision.
type OrphanMonitor struct {
	repo     repository.JobRepository
	liveness *LivenessRegistry
	metrics  *metrics.Metrics
	logger   *logrus.Entry
	cron     *cron.Cron
	schedule string

	mu      sync.Mutex
	orphans map[string]bool
}

// NewOrphanMonitor creates a monitor that sweeps on a cron schedule (e.g. "@every 30s")
func NewOrphanMonitor(repo repository.JobRepository, liveness *LivenessRegistry, m *metrics.Metrics, logger *logrus.Entry, schedule string) *OrphanMonitor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &OrphanMonitor{
		repo:     repo,
		liveness: liveness,
		metrics:  m,
		logger:   logger.WithField("component", "orphan_monitor"),
		cron:     cron.New(),
		schedule: schedule,
		orphans:  make(map[string]bool),
	}
}

// Start schedules the sweep and starts the cron runner
func (m *OrphanMonitor) Start() error {
	_, err := m.cron.AddFunc(m.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.WithError(err).Error("orphan sweep failed")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "invalid orphan monitor schedule %q", m.schedule)
	}
	m.cron.Start()
	m.logger.Infof("orphan monitor started, schedule=%s", m.schedule)
	return nil
}

// Stop stops scheduling sweeps and waits for a running one to finish
func (m *OrphanMonitor) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep lists orphaned jobs, updates the gauges and warns once per newly seen orphan
func (m *OrphanMonitor) Sweep(ctx context.Context) ([]string, error) {
	jobs, err := m.repo.ListJobs(ctx, models.JobFilter{Status: models.StatusProcessing})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processing jobs")
	}

	var orphaned []string
	current := make(map[string]bool)
	m.mu.Lock()
	for _, job := range jobs {
		if m.liveness.IsLive(job.ID) {
			continue
		}
		orphaned = append(orphaned, job.ID)
		current[job.ID] = true
		if m.orphans[job.ID] {
			continue
		}
		// Paused jobs detach on purpose; only loops lost to a restart get a warning.
		log := m.logger.WithField("job_id", job.ID)
		if job.Paused {
			log.Debug("paused job has no dispatch loop attached")
		} else {
			log.Warn("job is processing with no dispatch loop attached, resume it to continue")
		}
	}
	m.orphans = current
	m.mu.Unlock()

	m.metrics.SetOrphanedJobs(len(orphaned))
	m.metrics.SetLiveJobs(m.liveness.Len())
	return orphaned, nil
}

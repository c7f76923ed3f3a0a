package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "research_orchestrator_"

// Metrics tracks system metrics. Counters are kept twice: as plain totals for the JSON
// snapshot and as labelled prometheus collectors on the instance's registry.
type Metrics struct {
	mu sync.RWMutex

	jobsCreated    int64
	jobsCompleted  int64
	jobsFailed     int64
	itemsCompleted int64
	itemsFailed    int64
	itemsRetried   int64
	liveJobs       int64
	orphanedJobs   int64

	registry *prometheus.Registry

	jobsCreatedCounter    *prometheus.CounterVec
	jobsFinishedCounter   *prometheus.CounterVec
	itemsCompletedCounter *prometheus.CounterVec
	itemsFailedCounter    *prometheus.CounterVec
	itemsRetriedCounter   *prometheus.CounterVec
	enrichmentDuration    *prometheus.HistogramVec
	liveJobsGauge         prometheus.Gauge
	orphanedJobsGauge     prometheus.Gauge
}

// NewMetrics creates a new metrics instance with its own prometheus registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		jobsCreatedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "jobs_created_total",
				Help: "Number of jobs created",
			},
			[]string{"kind"},
		),
		jobsFinishedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "jobs_finished_total",
				Help: "Number of jobs that reached a terminal status",
			},
			[]string{"kind", "status"},
		),
		itemsCompletedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "items_completed_total",
				Help: "Number of items enriched successfully",
			},
			[]string{"kind"},
		),
		itemsFailedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "items_failed_total",
				Help: "Number of items recorded as failed, by error class",
			},
			[]string{"kind", "class"},
		),
		itemsRetriedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "items_retried_total",
				Help: "Number of items requeued after a transient failure",
			},
			[]string{"kind"},
		),
		enrichmentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "enrichment_call_seconds",
				Help:    "Duration of enrichment calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"kind"},
		),
		liveJobsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "live_jobs",
			Help: "Jobs with a dispatch loop attached in this process",
		}),
		orphanedJobsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "orphaned_jobs",
			Help: "Jobs persisted as processing with no dispatch loop attached",
		}),
	}
}

// Registry returns the prometheus registry holding this instance's collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementJobsCreated increments the created jobs counter
func (m *Metrics) IncrementJobsCreated(kind string) {
	m.mu.Lock()
	m.jobsCreated++
	m.mu.Unlock()
	m.jobsCreatedCounter.WithLabelValues(kind).Inc()
}

// RecordJobFinished counts a job reaching completed or failed
func (m *Metrics) RecordJobFinished(kind, status string) {
	m.mu.Lock()
	switch status {
	case "completed":
		m.jobsCompleted++
	case "failed":
		m.jobsFailed++
	}
	m.mu.Unlock()
	m.jobsFinishedCounter.WithLabelValues(kind, status).Inc()
}

// RecordItemCompleted counts a successful item
func (m *Metrics) RecordItemCompleted(kind string) {
	m.mu.Lock()
	m.itemsCompleted++
	m.mu.Unlock()
	m.itemsCompletedCounter.WithLabelValues(kind).Inc()
}

// RecordItemFailed counts a failed item
func (m *Metrics) RecordItemFailed(kind, class string) {
	m.mu.Lock()
	m.itemsFailed++
	m.mu.Unlock()
	m.itemsFailedCounter.WithLabelValues(kind, class).Inc()
}

// RecordItemRetried counts a requeued item
func (m *Metrics) RecordItemRetried(kind string) {
	m.mu.Lock()
	m.itemsRetried++
	m.mu.Unlock()
	m.itemsRetriedCounter.WithLabelValues(kind).Inc()
}

// RecordEnrichmentDuration observes how long one enrichment call took
func (m *Metrics) RecordEnrichmentDuration(kind string, d time.Duration) {
	m.enrichmentDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetLiveJobs sets the number of attached dispatch loops
func (m *Metrics) SetLiveJobs(n int) {
	m.mu.Lock()
	m.liveJobs = int64(n)
	m.mu.Unlock()
	m.liveJobsGauge.Set(float64(n))
}

// SetOrphanedJobs sets the number of orphaned jobs seen by the last sweep
func (m *Metrics) SetOrphanedJobs(n int) {
	m.mu.Lock()
	m.orphanedJobs = int64(n)
	m.mu.Unlock()
	m.orphanedJobsGauge.Set(float64(n))
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"jobs_created":    m.jobsCreated,
		"jobs_completed":  m.jobsCompleted,
		"jobs_failed":     m.jobsFailed,
		"items_completed": m.itemsCompleted,
		"items_failed":    m.itemsFailed,
		"items_retried":   m.itemsRetried,
		"live_jobs":       m.liveJobs,
		"orphaned_jobs":   m.orphanedJobs,
	}
}

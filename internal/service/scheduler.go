package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"research-orchestrator/internal/enrichment"
	"research-orchestrator/internal/metrics"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
)

type stopReason int

const (
	stopExhausted stopReason = iota
	stopPaused
	stopCancelled
	stopAborted
	stopShutdown
	stopStoreError
	stopDetached
)

func (r stopReason) String() string {
	switch r {
	case stopExhausted:
		return "exhausted"
	case stopPaused:
		return "paused"
	case stopCancelled:
		return "cancelled"
	case stopAborted:
		return "aborted"
	case stopShutdown:
		return "shutdown"
	case stopStoreError:
		return "store error"
	default:
		return "detached"
	}
}

// scheduler runs one dispatch loop per attached job
type scheduler struct {
	repo     repository.JobRepository
	liveness *LivenessRegistry
	limiter  *RateLimiter
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	concurrency    int
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	callTimeout    time.Duration
}

// run drives the job behind h until it is exhausted, paused, cancelled, aborted or
// stopped. It returns after in-flight items have finished and the handle is unregistered.
func (s *scheduler) run(h *RunHandle, kind models.JobKind, client enrichment.Client) {
	log := s.logger.WithFields(logrus.Fields{"job_id": h.JobID, "kind": kind})
	log.Infof("dispatch loop attached, concurrency=%d", s.concurrency)

	sem := semaphore.NewWeighted(int64(s.concurrency))
	notify := make(chan struct{}, 1)
	var inflight atomic.Int64
	var wg sync.WaitGroup

	reason := s.dispatch(h, kind, client, log, sem, notify, &inflight, &wg)

	wg.Wait()
	s.finalize(h, kind, reason, log)

	s.liveness.Unregister(h.JobID, h)
	s.metrics.SetLiveJobs(s.liveness.Len())
	h.cancel()
	close(h.done)
	log.Infof("dispatch loop detached, reason=%s", reason)
}

func (s *scheduler) dispatch(
	h *RunHandle,
	kind models.JobKind,
	client enrichment.Client,
	log *logrus.Entry,
	sem *semaphore.Weighted,
	notify chan struct{},
	inflight *atomic.Int64,
	wg *sync.WaitGroup,
) stopReason {
	for {
		if err := sem.Acquire(h.ctx, 1); err != nil {
			return stopShutdown
		}

		if reason, stop := s.checkControl(h, log); stop {
			sem.Release(1)
			return reason
		}

		// Read before claiming: if nothing was in flight and nothing is pending, no task
		// can requeue an item later and the job is exhausted.
		before := inflight.Load()

		item, err := s.repo.ClaimNextPendingItem(h.ctx, h.JobID)
		if err != nil {
			sem.Release(1)
			if h.ctx.Err() != nil {
				return stopShutdown
			}
			log.WithError(err).Error("failed to claim next item")
			return stopStoreError
		}

		if item == nil {
			sem.Release(1)
			if before == 0 {
				return stopExhausted
			}
			select {
			case <-notify:
				continue
			case <-h.ctx.Done():
				return stopShutdown
			}
		}

		inflight.Add(1)
		wg.Add(1)
		go func(item *models.Item) {
			defer func() {
				inflight.Add(-1)
				sem.Release(1)
				wg.Done()
				select {
				case notify <- struct{}{}:
				default:
				}
			}()
			s.process(h, kind, client, item, log)
		}(item)
	}
}

// checkControl runs before every claim. Flags on the handle are checked first, then the
// job row is re-read so changes made through the store are seen too.
func (s *scheduler) checkControl(h *RunHandle, log *logrus.Entry) (stopReason, bool) {
	switch {
	case h.stopping.Load():
		return stopShutdown, true
	case h.aborted.Load():
		return stopAborted, true
	case h.cancelled.Load():
		return stopCancelled, true
	case h.paused.Load():
		return stopPaused, true
	}

	job, err := s.repo.GetJob(h.ctx, h.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return stopDetached, true
		}
		if h.ctx.Err() != nil {
			return stopShutdown, true
		}
		log.WithError(err).Error("failed to re-read job")
		return stopStoreError, true
	}
	if job.Status != models.StatusProcessing {
		return stopDetached, true
	}
	if job.Paused {
		h.Pause()
		return stopPaused, true
	}
	return 0, false
}

func (s *scheduler) process(h *RunHandle, kind models.JobKind, client enrichment.Client, item *models.Item, log *logrus.Entry) {
	log = log.WithField("item_id", item.ID)
	// Outcome writes must land even when in-flight calls are being interrupted.
	storeCtx := context.WithoutCancel(h.ctx)

	if err := s.limiter.Wait(h.ctx, kind); err != nil {
		log.Debug("interrupted while rate limited, item left for recovery")
		return
	}

	callCtx, cancel := context.WithTimeout(h.ctx, s.callTimeout)
	start := time.Now()
	result, err := client.Enrich(callCtx, kind, item.Payload)
	cancel()
	s.metrics.RecordEnrichmentDuration(string(kind), time.Since(start))

	if err == nil {
		s.complete(storeCtx, kind, item, result, log)
		return
	}
	if h.ctx.Err() != nil {
		log.Debug("enrichment interrupted, item left for recovery")
		return
	}

	classified := enrichment.Classify(err)
	log = log.WithField("class", classified.Class)

	switch classified.Class.Scope() {
	case enrichment.ScopeTransient:
		if item.Attempts+1 < s.maxAttempts {
			s.requeue(storeCtx, h, kind, item, classified, log)
			return
		}
		log.Warnf("retry budget exhausted after %d attempts: %v", item.Attempts+1, classified)
		s.fail(storeCtx, kind, item, classified, log)

	case enrichment.ScopeJob:
		s.fail(storeCtx, kind, item, classified, log)
		s.abortJob(storeCtx, h, kind, classified, log)

	default:
		s.fail(storeCtx, kind, item, classified, log)
	}
}

func (s *scheduler) complete(ctx context.Context, kind models.JobKind, item *models.Item, result json.RawMessage, log *logrus.Entry) {
	err := s.recordOutcome(ctx, item.ID, models.ItemOutcome{
		Status: models.ItemCompleted,
		Result: result,
	})
	if err != nil {
		log.WithError(err).Error("failed to record completed item")
		return
	}
	s.metrics.RecordItemCompleted(string(kind))
	log.Debug("item completed")
}

func (s *scheduler) fail(ctx context.Context, kind models.JobKind, item *models.Item, cause *enrichment.Error, log *logrus.Entry) {
	err := s.recordOutcome(ctx, item.ID, models.ItemOutcome{
		Status:       models.ItemFailed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		log.WithError(err).Error("failed to record failed item")
		return
	}
	s.metrics.RecordItemFailed(string(kind), string(cause.Class))
	log.Warnf("item failed: %v", cause)
}

func (s *scheduler) requeue(ctx context.Context, h *RunHandle, kind models.JobKind, item *models.Item, cause *enrichment.Error, log *logrus.Entry) {
	delay := s.backoff(item.Attempts)
	log.Infof("transient failure, retrying in %v (attempt %d/%d): %v", delay, item.Attempts+1, s.maxAttempts, cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.ctx.Done():
		return
	}

	if err := s.repo.RequeueItem(ctx, item.ID, cause.Error()); err != nil {
		log.WithError(err).Error("failed to requeue item")
		return
	}
	s.metrics.RecordItemRetried(string(kind))
}

// abortJob fails the job once, on the first job-scoped error. Items already in flight
// still record their own outcomes.
func (s *scheduler) abortJob(ctx context.Context, h *RunHandle, kind models.JobKind, cause *enrichment.Error, log *logrus.Entry) {
	if !h.abort() {
		return
	}
	ok, err := s.repo.SetJobStatus(ctx, h.JobID, repository.StatusChange{
		To:     models.StatusFailed,
		From:   []models.JobStatus{models.StatusProcessing},
		Reason: cause.Error(),
	})
	if err != nil {
		log.WithError(err).Error("failed to mark job failed")
		return
	}
	if ok {
		s.metrics.RecordJobFinished(string(kind), string(models.StatusFailed))
	}
	log.Errorf("job aborted: %v", cause)
}

// recordOutcome retries momentary store failures so a finished call is not lost.
func (s *scheduler) recordOutcome(ctx context.Context, itemID string, outcome models.ItemOutcome) error {
	return retry.Do(
		func() error {
			return s.repo.RecordItemOutcome(ctx, itemID, outcome)
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, repository.ErrItemNotClaimed) && !errors.Is(err, repository.ErrItemNotFound)
		}),
	)
}

// backoff returns the wait before retry number attempt+1: base doubled per previous
// attempt, capped at the max delay.
func (s *scheduler) backoff(attempt int) time.Duration {
	delay := s.retryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.retryMaxDelay {
			return s.retryMaxDelay
		}
	}
	if delay > s.retryMaxDelay {
		return s.retryMaxDelay
	}
	return delay
}

func (s *scheduler) finalize(h *RunHandle, kind models.JobKind, reason stopReason, log *logrus.Entry) {
	ctx := context.WithoutCancel(h.ctx)

	// A cancel accepted while the loop was draining wins over pause, shutdown and store
	// errors. An aborted job has already been failed.
	if h.seal() && reason != stopAborted && !h.aborted.Load() {
		s.failCancelled(ctx, h, kind, log)
		return
	}

	switch reason {
	case stopExhausted:
		if h.aborted.Load() {
			return
		}
		ok, err := s.repo.SetJobStatus(ctx, h.JobID, repository.StatusChange{
			To:   models.StatusCompleted,
			From: []models.JobStatus{models.StatusProcessing},
		})
		if err != nil {
			log.WithError(err).Error("failed to mark job completed")
			return
		}
		if !ok {
			log.Warn("job left processing before it could be completed")
			return
		}
		s.metrics.RecordJobFinished(string(kind), string(models.StatusCompleted))
		log.Info("job completed")

	case stopPaused:
		log.Info("job paused")

	case stopStoreError:
		log.Warn("loop stopped on a store error, job is left processing and can be resumed")
	}
}

func (s *scheduler) failCancelled(ctx context.Context, h *RunHandle, kind models.JobKind, log *logrus.Entry) {
	ok, err := s.repo.SetJobStatus(ctx, h.JobID, repository.StatusChange{
		To:     models.StatusFailed,
		From:   []models.JobStatus{models.StatusProcessing},
		Reason: models.FailureReasonCancelled,
	})
	if err != nil {
		log.WithError(err).Error("failed to mark job cancelled")
		return
	}
	if !ok {
		log.Warn("job left processing before it could be cancelled")
		return
	}
	s.metrics.RecordJobFinished(string(kind), string(models.StatusFailed))
	log.Info("job cancelled")
}

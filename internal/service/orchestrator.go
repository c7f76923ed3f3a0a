package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"research-orchestrator/internal/enrichment"
	"research-orchestrator/internal/metrics"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
	"research-orchestrator/internal/resolver"
)

var (
	ErrJobNotFound     = repository.ErrJobNotFound
	ErrEmptySelection  = errors.New("selection resolved to no items")
	ErrAlreadyRunning  = errors.New("job is already running")
	ErrNotPending      = errors.New("job is not pending")
	ErrNotProcessing   = errors.New("job is not processing")
	ErrAlreadyLive     = errors.New("job has a live dispatch loop")
	ErrNotCancellable  = errors.New("job is not pending or processing")
	ErrNothingToRetry  = errors.New("no failed items to retry")
	ErrNotRestartable  = errors.New("only failed jobs can be restarted")
	ErrUnknownKind     = errors.New("no enrichment client for job kind")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
	ErrInvalidArgument = errors.New("invalid argument")
)

const (
	defaultConcurrency    = 50
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
	defaultCallTimeout    = 90 * time.Second
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithConcurrency sets how many enrichment calls one job may have in flight
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithMaxAttempts sets the total number of calls an item gets on transient failures
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the first retry delay and its cap
func WithRetryBackoff(base, max time.Duration) Option {
	return func(o *Orchestrator) {
		if base >= 0 {
			o.retryBaseDelay = base
		}
		if max >= base {
			o.retryMaxDelay = max
		}
	}
}

// WithCallTimeout bounds a single enrichment call
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithRateLimiter shares a rate limiter across all jobs
func WithRateLimiter(rl *RateLimiter) Option {
	return func(o *Orchestrator) {
		if rl != nil {
			o.limiter = rl
		}
	}
}

// WithMetrics records counters on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logrus.Entry) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator is the public contract for batch jobs: lifecycle transitions, retries and
// progress queries. Dispatch loops it starts are registered in the liveness registry.
type Orchestrator struct {
	repo     repository.JobRepository
	resolver resolver.Resolver
	clients  *enrichment.Registry
	liveness *LivenessRegistry
	limiter  *RateLimiter
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	concurrency    int
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	callTimeout    time.Duration

	scheduler *scheduler

	baseCtx      context.Context
	baseCancel   context.CancelFunc
	loops        sync.WaitGroup
	shuttingDown atomic.Bool
	// attachMu orders attaches against Shutdown so loops.Add never races loops.Wait.
	attachMu     sync.Mutex
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(
	repo repository.JobRepository,
	res resolver.Resolver,
	clients *enrichment.Registry,
	liveness *LivenessRegistry,
	opts ...Option,
) *Orchestrator {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		repo:           repo,
		resolver:       res,
		clients:        clients,
		liveness:       liveness,
		concurrency:    defaultConcurrency,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
		callTimeout:    defaultCallTimeout,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.liveness == nil {
		o.liveness = NewLivenessRegistry()
	}
	if o.clients == nil {
		o.clients = enrichment.NewRegistry()
	}
	if o.limiter == nil {
		o.limiter = NewRateLimiter(0, 0)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewMetrics()
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	o.scheduler = &scheduler{
		repo:           o.repo,
		liveness:       o.liveness,
		limiter:        o.limiter,
		metrics:        o.metrics,
		logger:         o.logger,
		concurrency:    o.concurrency,
		maxAttempts:    o.maxAttempts,
		retryBaseDelay: o.retryBaseDelay,
		retryMaxDelay:  o.retryMaxDelay,
		callTimeout:    o.callTimeout,
	}
	return o
}

// Liveness returns the registry of attached loops
func (o *Orchestrator) Liveness() *LivenessRegistry {
	return o.liveness
}

// CreateJob creates a job from an API request and optionally starts it
func (o *Orchestrator) CreateJob(ctx context.Context, req *models.CreateJobRequest) (*models.Job, error) {
	id, err := o.Create(ctx, req.Kind, req.Filters)
	if err != nil {
		return nil, err
	}
	if req.AutoStart {
		if err := o.Start(ctx, id); err != nil {
			return nil, err
		}
	}
	return o.repo.GetJob(ctx, id)
}

// Create resolves filter into items and stores them with a new pending job
func (o *Orchestrator) Create(ctx context.Context, kind models.JobKind, filter json.RawMessage) (string, error) {
	if _, ok := o.clients.Get(kind); !ok || !kind.Valid() {
		return "", errors.Wrapf(ErrUnknownKind, "kind %q", kind)
	}

	payloads, err := o.resolver.Resolve(ctx, kind, filter)
	if err != nil {
		return "", err
	}
	if len(payloads) == 0 {
		return "", ErrEmptySelection
	}

	items := make([]models.NewItem, len(payloads))
	for i, p := range payloads {
		items[i] = models.NewItem{Payload: p}
	}

	job := &models.Job{
		ID:      uuid.New().String(),
		Kind:    kind,
		Filters: filter,
	}
	if err := o.repo.CreateJob(ctx, job, items); err != nil {
		return "", errors.Wrap(err, "failed to create job")
	}

	o.metrics.IncrementJobsCreated(string(kind))
	o.logger.WithField("job_id", job.ID).Infof("job created, kind=%s, items=%d", kind, len(items))
	return job.ID, nil
}

// Start attaches a dispatch loop to a pending job
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if o.liveness.IsLive(jobID) {
		return ErrAlreadyRunning
	}
	if job.Status != models.StatusPending {
		return ErrNotPending
	}
	return o.attach(ctx, job, models.StatusPending, ErrAlreadyRunning, ErrNotPending)
}

// Resume re-attaches a dispatch loop to a processing job that has none: a paused job,
// or one orphaned by a restart.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusProcessing {
		return ErrNotProcessing
	}
	if o.liveness.IsLive(jobID) {
		return ErrAlreadyLive
	}
	return o.attach(ctx, job, models.StatusProcessing, ErrAlreadyLive, ErrNotProcessing)
}

func (o *Orchestrator) attach(ctx context.Context, job *models.Job, from models.JobStatus, liveErr, stateErr error) error {
	o.attachMu.Lock()
	defer o.attachMu.Unlock()
	if o.shuttingDown.Load() {
		return ErrShuttingDown
	}
	client, ok := o.clients.Get(job.Kind)
	if !ok {
		return errors.Wrapf(ErrUnknownKind, "kind %q", job.Kind)
	}

	log := o.logger.WithField("job_id", job.ID)

	h := newRunHandle(o.baseCtx, job.ID)
	if err := o.liveness.Register(job.ID, h); err != nil {
		h.cancel()
		return liveErr
	}

	ok, err := o.repo.SetJobStatus(ctx, job.ID, repository.StatusChange{
		To:   models.StatusProcessing,
		From: []models.JobStatus{from},
	})
	if err != nil || !ok {
		o.liveness.Unregister(job.ID, h)
		h.cancel()
		if err != nil {
			return errors.Wrap(err, "failed to attach to job")
		}
		return stateErr
	}

	reset, err := o.repo.ResetInFlightItems(ctx, job.ID)
	if err != nil {
		o.liveness.Unregister(job.ID, h)
		h.cancel()
		return errors.Wrap(err, "failed to recover in-flight items")
	}
	if reset > 0 {
		log.Warnf("recovered %d items left in flight by a previous run", reset)
	}

	o.metrics.SetLiveJobs(o.liveness.Len())
	o.loops.Add(1)
	go func() {
		defer o.loops.Done()
		o.scheduler.run(h, job.Kind, client)
	}()
	return nil
}

// Pause stops new claims on a processing job; claimed items still finish
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusProcessing {
		return ErrNotProcessing
	}

	if !job.Paused {
		ok, err := o.repo.SetJobPaused(ctx, jobID, true)
		if err != nil {
			return errors.Wrap(err, "failed to pause job")
		}
		if !ok {
			return ErrNotProcessing
		}
		o.logger.WithField("job_id", jobID).Info("job paused")
	}

	if h, live := o.liveness.Get(jobID); live {
		h.Pause()
	}
	return nil
}

// Cancel fails a pending or processing job. An attached loop stops claiming, lets its
// in-flight items finish and then marks the job failed.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrNotCancellable
	}

	log := o.logger.WithField("job_id", jobID)

	// A loop that has already finalized no longer reads the flag; cancel through the store.
	if h, live := o.liveness.Get(jobID); live && h.Cancel() {
		log.Info("cancel requested, waiting for in-flight items")
		return nil
	}

	ok, err := o.repo.SetJobStatus(ctx, jobID, repository.StatusChange{
		To:     models.StatusFailed,
		From:   []models.JobStatus{models.StatusPending, models.StatusProcessing},
		Reason: models.FailureReasonCancelled,
	})
	if err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}
	if !ok {
		return ErrNotCancellable
	}
	o.metrics.RecordJobFinished(string(job.Kind), string(models.StatusFailed))
	log.Info("job cancelled")
	return nil
}

// RetryFailed gives the targeted failed items another run. For a finished job it creates
// and starts a follow-on job holding fresh copies of them, leaving the source items
// untouched. For a job that has not finished and has no loop attached (paused, or orphaned
// by a restart) the items go back to pending in place; an orphaned job that is not paused
// is resumed. The returned ids are the jobs that will run the items.
func (o *Orchestrator) RetryFailed(ctx context.Context, req models.RetryRequest) ([]string, error) {
	if len(req.JobIDs) == 0 && len(req.ItemIDs) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "job_ids or item_ids is required")
	}

	var order []string
	jobs := make(map[string]*models.Job)
	failed := make(map[string][]*models.Item)
	seen := make(map[string]bool)

	addJob := func(jobID string) (*models.Job, error) {
		if job, ok := jobs[jobID]; ok {
			return job, nil
		}
		job, err := o.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if o.liveness.IsLive(jobID) {
			return nil, errors.Wrapf(ErrAlreadyLive, "job %s", jobID)
		}
		jobs[jobID] = job
		order = append(order, jobID)
		return job, nil
	}
	addItem := func(item *models.Item) {
		if item.Status != models.ItemFailed || seen[item.ID] {
			return
		}
		seen[item.ID] = true
		failed[item.JobID] = append(failed[item.JobID], item)
	}

	for _, jobID := range req.JobIDs {
		if _, err := addJob(jobID); err != nil {
			return nil, err
		}
		items, err := o.repo.ListItems(ctx, jobID, models.ItemFailed)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list failed items")
		}
		for _, item := range items {
			addItem(item)
		}
	}

	if len(req.ItemIDs) > 0 {
		items, err := o.repo.GetItems(ctx, req.ItemIDs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load items")
		}
		for _, item := range items {
			if item.Status != models.ItemFailed {
				continue
			}
			if _, err := addJob(item.JobID); err != nil {
				return nil, err
			}
			addItem(item)
		}
	}

	var created []string
	for _, jobID := range order {
		items := failed[jobID]
		if len(items) == 0 {
			continue
		}
		job := jobs[jobID]
		if !job.Status.IsTerminal() {
			if err := o.retryInPlace(ctx, job, items); err != nil {
				return created, err
			}
			created = append(created, jobID)
			continue
		}
		childID, err := o.createFollowOn(ctx, job, items)
		if err != nil {
			return created, err
		}
		if err := o.Start(ctx, childID); err != nil {
			return created, errors.Wrapf(err, "failed to start retry job %s", childID)
		}
		o.logger.WithField("job_id", childID).Infof("retry job started for %d failed items of job %s", len(items), jobID)
		created = append(created, childID)
	}

	if len(created) == 0 {
		return nil, ErrNothingToRetry
	}
	return created, nil
}

func (o *Orchestrator) retryInPlace(ctx context.Context, job *models.Job, items []*models.Item) error {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	n, err := o.repo.ResetFailedItems(ctx, job.ID, ids)
	if err != nil {
		return errors.Wrapf(err, "failed to reset failed items of job %s", job.ID)
	}

	log := o.logger.WithField("job_id", job.ID)
	log.Infof("%d failed items returned to pending", n)
	if job.Status != models.StatusProcessing || job.Paused {
		return nil
	}
	if err := o.Resume(ctx, job.ID); err != nil {
		return errors.Wrapf(err, "failed to resume job %s", job.ID)
	}
	return nil
}

// Restart seeds a new pending job from the items a failed job never finished. The failed
// job itself stays failed.
func (o *Orchestrator) Restart(ctx context.Context, jobID string) (string, error) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.StatusFailed {
		return "", ErrNotRestartable
	}
	if o.liveness.IsLive(jobID) {
		return "", ErrAlreadyLive
	}

	items, err := o.repo.ListItems(ctx, jobID, models.ItemPending, models.ItemProcessing)
	if err != nil {
		return "", errors.Wrap(err, "failed to list unfinished items")
	}
	if len(items) == 0 {
		return "", ErrEmptySelection
	}

	childID, err := o.createFollowOn(ctx, job, items)
	if err != nil {
		return "", err
	}
	o.logger.WithField("job_id", childID).Infof("restart of job %s created with %d items", jobID, len(items))
	return childID, nil
}

func (o *Orchestrator) createFollowOn(ctx context.Context, parent *models.Job, items []*models.Item) (string, error) {
	newItems := make([]models.NewItem, len(items))
	for i, item := range items {
		newItems[i] = models.NewItem{Payload: item.Payload, SourceItemID: item.ID}
	}

	parentID := parent.ID
	child := &models.Job{
		ID:          uuid.New().String(),
		Kind:        parent.Kind,
		Filters:     parent.Filters,
		ParentJobID: &parentID,
	}
	if err := o.repo.CreateJob(ctx, child, newItems); err != nil {
		return "", errors.Wrap(err, "failed to create follow-on job")
	}
	o.metrics.IncrementJobsCreated(string(parent.Kind))
	return child.ID, nil
}

// IsOrphaned reports whether the job is persisted as processing with no loop attached
// in this process.
func (o *Orchestrator) IsOrphaned(ctx context.Context, jobID string) (bool, error) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return o.orphaned(job), nil
}

func (o *Orchestrator) orphaned(job *models.Job) bool {
	return job.Status == models.StatusProcessing && !o.liveness.IsLive(job.ID)
}

// Progress returns the polling snapshot for a job
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (*models.Progress, error) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p := &models.Progress{
		JobID:         job.ID,
		Kind:          job.Kind,
		Status:        job.Status,
		Paused:        job.Paused,
		Total:         job.TotalCount,
		Processed:     job.ProcessedCount,
		Failed:        job.FailedCount,
		FailureReason: job.FailureReason,
		Live:          o.liveness.IsLive(job.ID),
		Orphaned:      o.orphaned(job),
		UpdatedAt:     job.UpdatedAt,
	}
	if job.TotalCount > 0 {
		p.Percent = float64(job.ProcessedCount+job.FailedCount) * 100 / float64(job.TotalCount)
	}
	if job.CurrentItemRef != nil {
		p.CurrentItem = &models.CurrentItem{ID: *job.CurrentItemRef}
		if job.CurrentItemLabel != nil {
			p.CurrentItem.Label = *job.CurrentItemLabel
		}
	}
	return p, nil
}

// GetJob retrieves a job by ID
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return o.repo.GetJob(ctx, jobID)
}

// ListJobs lists jobs newest first
func (o *Orchestrator) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return o.repo.ListJobs(ctx, filter)
}

// ListItems lists a job's items, optionally narrowed by status
func (o *Orchestrator) ListItems(ctx context.Context, jobID string, statuses ...models.ItemStatus) ([]*models.Item, error) {
	if _, err := o.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.repo.ListItems(ctx, jobID, statuses...)
}

// DeleteJob deletes a job and its items. Jobs with a loop attached cannot be deleted.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	if o.liveness.IsLive(jobID) {
		return ErrAlreadyLive
	}
	if err := o.repo.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	o.logger.WithField("job_id", jobID).Info("job deleted")
	return nil
}

// Wait blocks until the loop attached to jobID exits. It returns at once when none is.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) error {
	h, live := o.liveness.Get(jobID)
	if !live {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every attached loop without changing job status, so the jobs read as
// orphaned after the next start. Loops get until ctx is done to drain; after that their
// in-flight calls are interrupted and the items are recovered on the next attach.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.attachMu.Lock()
	o.shuttingDown.Store(true)
	o.attachMu.Unlock()

	handles := o.liveness.handlesSnapshot()
	for _, h := range handles {
		h.Stop()
	}
	o.logger.Infof("stopping %d dispatch loops", len(handles))

	var result *multierror.Error
	for _, h := range handles {
		select {
		case <-h.Done():
			continue
		default:
		}
		select {
		case <-h.Done():
		case <-ctx.Done():
			h.Interrupt()
			<-h.Done()
			result = multierror.Append(result, errors.Errorf("job %s: in-flight items interrupted", h.JobID))
		}
	}

	o.baseCancel()
	o.loops.Wait()
	return result.ErrorOrNil()
}

package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// RunHandle is the liveness entry of one attached dispatch loop: the control flags the
// loop polls before every claim, and a channel closed when the loop has exited.
type RunHandle struct {
	JobID string

	paused    atomic.Bool
	cancelled atomic.Bool
	stopping  atomic.Bool
	aborted   atomic.Bool

	// sealed is set once finalize has read the cancel flag; later cancels are refused.
	mu     sync.Mutex
	sealed bool

	// ctx bounds the loop's enrichment calls; cancelling it interrupts them.
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
}

func newRunHandle(parent context.Context, jobID string) *RunHandle {
	ctx, cancel := context.WithCancel(parent)
	return &RunHandle{
		JobID:  jobID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Pause asks the loop to stop claiming and detach once in-flight items finish
func (h *RunHandle) Pause() { h.paused.Store(true) }

// Cancel asks the loop to stop claiming and fail the job once in-flight items finish. It
// returns false when the loop has already finalized the job and will not see the request.
func (h *RunHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return false
	}
	h.cancelled.Store(true)
	return true
}

// seal stops accepting cancels and reports whether one was requested
func (h *RunHandle) seal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
	return h.cancelled.Load()
}

// Stop asks the loop to detach without touching the job status (process shutdown)
func (h *RunHandle) Stop() { h.stopping.Store(true) }

// Interrupt cancels the loop's in-flight enrichment calls
func (h *RunHandle) Interrupt() { h.cancel() }

// IsPaused reports whether a pause was requested
func (h *RunHandle) IsPaused() bool { return h.paused.Load() }

// IsCancelled reports whether a cancel was requested
func (h *RunHandle) IsCancelled() bool { return h.cancelled.Load() }

// Done is closed after the loop has exited and unregistered
func (h *RunHandle) Done() <-chan struct{} { return h.done }

func (h *RunHandle) abort() bool {
	return h.aborted.CompareAndSwap(false, true)
}

// LivenessRegistry records which jobs have a dispatch loop attached in this process. It
// is never persisted; after a restart it is empty, which is how orphaned jobs show up.
type LivenessRegistry struct {
	mu      sync.RWMutex
	handles map[string]*RunHandle
}

// NewLivenessRegistry creates an empty registry
func NewLivenessRegistry() *LivenessRegistry {
	return &LivenessRegistry{
		handles: make(map[string]*RunHandle),
	}
}

// Register adds h for jobID unless a loop is already registered
func (r *LivenessRegistry) Register(jobID string, h *RunHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[jobID]; exists {
		return ErrAlreadyLive
	}
	r.handles[jobID] = h
	return nil
}

// Unregister removes jobID only if it is still mapped to h
func (r *LivenessRegistry) Unregister(jobID string, h *RunHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.handles[jobID]; exists && current == h {
		delete(r.handles, jobID)
	}
}

// IsLive reports whether a loop is attached to jobID
func (r *LivenessRegistry) IsLive(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.handles[jobID]
	return exists
}

// Get returns the handle attached to jobID
func (r *LivenessRegistry) Get(jobID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handles[jobID]
	return h, exists
}

// LiveJobIDs lists attached jobs in sorted order
func (r *LivenessRegistry) LiveJobIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of attached loops
func (r *LivenessRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *LivenessRegistry) handlesSnapshot() []*RunHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]*RunHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"research-orchestrator/internal/enrichment"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
	"research-orchestrator/internal/resolver"
)

// scriptedClient is a fake enrichment client keyed by item label. call counts from 1.
type scriptedClient struct {
	mu      sync.Mutex
	calls   map[string]int
	script  func(name string, call int) (json.RawMessage, error)
	gate    chan struct{}
	gates   map[string]chan struct{}
	started chan string
}

func newScriptedClient(script func(name string, call int) (json.RawMessage, error)) *scriptedClient {
	return &scriptedClient{
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		script:  script,
		started: make(chan string, 1000),
	}
}

func (c *scriptedClient) Enrich(ctx context.Context, kind models.JobKind, payload json.RawMessage) (json.RawMessage, error) {
	name := models.LabelFromPayload(payload)

	c.mu.Lock()
	c.calls[name]++
	n := c.calls[name]
	gate := c.gate
	itemGate := c.gates[name]
	c.mu.Unlock()

	c.started <- name

	for _, g := range []chan struct{}{gate, itemGate} {
		if g == nil {
			continue
		}
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.script != nil {
		return c.script(name, n)
	}
	return json.RawMessage(fmt.Sprintf(`{"enriched":%q}`, name)), nil
}

func (c *scriptedClient) callsFor(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *scriptedClient) hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

func (c *scriptedClient) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// holdItems blocks calls for the named items until releaseItem
func (c *scriptedClient) holdItems(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		c.gates[name] = make(chan struct{})
	}
}

func (c *scriptedClient) releaseItem(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gates[name]; ok {
		close(g)
		delete(c.gates, name)
	}
}

func (c *scriptedClient) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d calls started", i, n)
		}
	}
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestRepo(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestOrchestrator(t *testing.T, repo repository.JobRepository, client enrichment.Client, opts ...Option) *Orchestrator {
	t.Helper()
	clients := enrichment.NewRegistry()
	clients.Register(client, models.AllKinds...)

	defaults := []Option{
		WithLogger(quietLogger()),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
		WithCallTimeout(5 * time.Second),
	}
	o := NewOrchestrator(repo, resolver.StaticResolver{}, clients, NewLivenessRegistry(), append(defaults, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func itemsFilter(n int) json.RawMessage {
	items := make([]map[string]string, n)
	for i := range items {
		items[i] = map[string]string{"name": fmt.Sprintf("item-%d", i+1)}
	}
	raw, _ := json.Marshal(map[string]interface{}{"items": items})
	return raw
}

func createTestJob(t *testing.T, o *Orchestrator, n int) string {
	t.Helper()
	id, err := o.Create(context.Background(), models.KindResearch, itemsFilter(n))
	require.NoError(t, err)
	return id
}

func waitForLoop(t *testing.T, o *Orchestrator, jobID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx, jobID))
}

func waitForCounts(t *testing.T, repo repository.JobRepository, jobID string, processed, failed int) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := repo.GetJob(context.Background(), jobID)
		return err == nil && job.ProcessedCount == processed && job.FailedCount == failed
	}, 5*time.Second, 5*time.Millisecond)
}

// assertCountsMatchItems checks the job counters against the item rows.
func assertCountsMatchItems(t *testing.T, repo repository.JobRepository, jobID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	counts, err := repo.CountItemsByStatus(ctx, jobID)
	require.NoError(t, err)

	require.Equal(t, counts[models.ItemCompleted], job.ProcessedCount, "processed_count")
	require.Equal(t, counts[models.ItemFailed], job.FailedCount, "failed_count")
	require.LessOrEqual(t, job.ProcessedCount+job.FailedCount, job.TotalCount)
	return job
}

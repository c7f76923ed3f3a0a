package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-orchestrator/internal/enrichment"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
	"research-orchestrator/internal/resolver"
)

func TestOrchestrator_Create(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	id := createTestJob(t, o, 3)

	job, err := o.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 3, job.TotalCount)
	assert.JSONEq(t, string(itemsFilter(3)), string(job.Filters))

	items, err := o.ListItems(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "item-1", items[0].Label)
}

func TestOrchestrator_CreateEmptySelection(t *testing.T) {
	o := newTestOrchestrator(t, newTestRepo(t), newScriptedClient(nil))

	_, err := o.Create(context.Background(), models.KindResearch, json.RawMessage(`{"items":[]}`))
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestOrchestrator_CreateInvalidFilter(t *testing.T) {
	o := newTestOrchestrator(t, newTestRepo(t), newScriptedClient(nil))

	_, err := o.Create(context.Background(), models.KindResearch, json.RawMessage(`{"items":"nope"}`))
	assert.ErrorIs(t, err, resolver.ErrInvalidFilter)
}

func TestOrchestrator_CreateUnknownKind(t *testing.T) {
	clients := enrichment.NewRegistry()
	clients.Register(newScriptedClient(nil), models.KindResearch)
	o := NewOrchestrator(newTestRepo(t), resolver.StaticResolver{}, clients, nil, WithLogger(quietLogger()))

	_, err := o.Create(context.Background(), models.KindTriage, itemsFilter(1))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = o.Create(context.Background(), models.JobKind("bogus"), itemsFilter(1))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestOrchestrator_StartRunsToCompletion(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	o := newTestOrchestrator(t, repo, client, WithConcurrency(5))
	ctx := context.Background()

	id := createTestJob(t, o, 20)
	require.NoError(t, o.Start(ctx, id))
	waitForLoop(t, o, id)

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 20, job.ProcessedCount)
	assert.Zero(t, job.FailedCount)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.CurrentItemRef)
	assert.False(t, o.Liveness().IsLive(id))

	for i := 1; i <= 20; i++ {
		assert.Equal(t, 1, client.callsFor(itemName(i)), "item %d", i)
	}

	items, err := o.ListItems(ctx, id, models.ItemCompleted)
	require.NoError(t, err)
	require.Len(t, items, 20)
	assert.JSONEq(t, `{"enriched":"item-1"}`, string(items[0].Result))
}

func TestOrchestrator_StartErrors(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client)
	ctx := context.Background()

	assert.ErrorIs(t, o.Start(ctx, "missing"), ErrJobNotFound)

	id := createTestJob(t, o, 2)
	require.NoError(t, o.Start(ctx, id))
	assert.ErrorIs(t, o.Start(ctx, id), ErrAlreadyRunning)

	client.release()
	waitForLoop(t, o, id)
	assert.ErrorIs(t, o.Start(ctx, id), ErrNotPending)
}

func TestOrchestrator_PauseThenResumeFinishes(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client, WithConcurrency(2))
	ctx := context.Background()

	id := createTestJob(t, o, 6)
	require.NoError(t, o.Start(ctx, id))
	client.waitStarted(t, 2)

	require.NoError(t, o.Pause(ctx, id))
	require.NoError(t, o.Pause(ctx, id), "pausing a paused job is a no-op")

	client.release()
	waitForLoop(t, o, id)

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.True(t, job.Paused)
	assert.Equal(t, 2, job.ProcessedCount, "only the claimed items finish after a pause")
	assert.False(t, o.Liveness().IsLive(id))

	orphaned, err := o.IsOrphaned(ctx, id)
	require.NoError(t, err)
	assert.True(t, orphaned)

	require.NoError(t, o.Resume(ctx, id))
	waitForLoop(t, o, id)

	job = assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.False(t, job.Paused)
	assert.Equal(t, 6, job.ProcessedCount)
}

func TestOrchestrator_PauseResumeErrors(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client)
	ctx := context.Background()

	id := createTestJob(t, o, 2)
	assert.ErrorIs(t, o.Pause(ctx, id), ErrNotProcessing)
	assert.ErrorIs(t, o.Resume(ctx, id), ErrNotProcessing)

	require.NoError(t, o.Start(ctx, id))
	assert.ErrorIs(t, o.Resume(ctx, id), ErrAlreadyLive)

	client.release()
	waitForLoop(t, o, id)
	assert.ErrorIs(t, o.Pause(ctx, id), ErrNotProcessing)
}

func TestOrchestrator_OrphanedAfterRestart(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	blocked := newScriptedClient(nil)
	blocked.hold()
	first := newTestOrchestrator(t, repo, blocked, WithConcurrency(2))

	id := createTestJob(t, first, 5)
	require.NoError(t, first.Start(ctx, id))
	blocked.waitStarted(t, 2)

	// Simulate the process dying mid-call: the loop is torn down with items in flight.
	expired, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, first.Shutdown(expired))

	counts, err := repo.CountItemsByStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.ItemProcessing])

	second := newTestOrchestrator(t, repo, newScriptedClient(nil))
	orphaned, err := second.IsOrphaned(ctx, id)
	require.NoError(t, err)
	assert.True(t, orphaned)

	progress, err := second.Progress(ctx, id)
	require.NoError(t, err)
	assert.True(t, progress.Orphaned)
	assert.False(t, progress.Live)

	require.NoError(t, second.Resume(ctx, id))
	orphaned, err = second.IsOrphaned(ctx, id)
	require.NoError(t, err)
	assert.False(t, orphaned)

	waitForLoop(t, second, id)
	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 5, job.ProcessedCount)
}

func TestOrchestrator_CancelNeverStarted(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	id := createTestJob(t, o, 3)
	require.NoError(t, o.Cancel(ctx, id))

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Zero(t, job.ProcessedCount)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, models.FailureReasonCancelled, *job.FailureReason)

	assert.ErrorIs(t, o.Cancel(ctx, id), ErrNotCancellable)
	assert.ErrorIs(t, o.Start(ctx, id), ErrNotPending)
}

func TestOrchestrator_CancelRunningJob(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client, WithConcurrency(3))
	ctx := context.Background()

	id := createTestJob(t, o, 10)
	require.NoError(t, o.Start(ctx, id))
	client.waitStarted(t, 3)

	require.NoError(t, o.Cancel(ctx, id))
	client.release()
	waitForLoop(t, o, id)

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 3, job.ProcessedCount, "in-flight items record their outcome")
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, models.FailureReasonCancelled, *job.FailureReason)
}

func TestOrchestrator_CancelOrphanedJob(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	id := createTestJob(t, o, 2)
	_, err := repo.SetJobStatus(ctx, id, repository.StatusChange{To: models.StatusProcessing})
	require.NoError(t, err)

	require.NoError(t, o.Cancel(ctx, id))
	job, err := o.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
}

// Cancel accepted while a loop that already stopped claiming waits for in-flight items.
func TestOrchestrator_CancelWhileLoopDrains(t *testing.T) {
	tests := map[string]func(t *testing.T, o *Orchestrator, id string){
		"paused": func(t *testing.T, o *Orchestrator, id string) {
			require.NoError(t, o.Pause(context.Background(), id))
		},
		"stopping": func(t *testing.T, o *Orchestrator, id string) {
			h, live := o.Liveness().Get(id)
			require.True(t, live)
			h.Stop()
		},
	}
	for name, stopClaiming := range tests {
		t.Run(name, func(t *testing.T) {
			repo := newTestRepo(t)
			client := newScriptedClient(nil)
			client.holdItems("item-1", "item-2", "item-3")
			o := newTestOrchestrator(t, repo, client, WithConcurrency(3))
			ctx := context.Background()

			id := createTestJob(t, o, 6)
			require.NoError(t, o.Start(ctx, id))
			client.waitStarted(t, 3)

			stopClaiming(t, o, id)
			client.releaseItem("item-1")
			waitForCounts(t, repo, id, 1, 0)

			require.NoError(t, o.Cancel(ctx, id))
			client.releaseItem("item-2")
			client.releaseItem("item-3")
			waitForLoop(t, o, id)

			job := assertCountsMatchItems(t, repo, id)
			assert.Equal(t, models.StatusFailed, job.Status)
			assert.False(t, job.Paused)
			assert.Equal(t, 3, job.ProcessedCount)
			require.NotNil(t, job.FailureReason)
			assert.Equal(t, models.FailureReasonCancelled, *job.FailureReason)
			assert.Zero(t, client.callsFor("item-4"))
			assert.False(t, o.Liveness().IsLive(id))
		})
	}
}

func TestOrchestrator_CancelAfterLoopFinalized(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	id := createTestJob(t, o, 2)
	_, err := repo.SetJobStatus(ctx, id, repository.StatusChange{To: models.StatusProcessing})
	require.NoError(t, err)

	// A handle whose loop has finalized but not yet unregistered.
	h := newRunHandle(context.Background(), id)
	h.seal()
	require.NoError(t, o.Liveness().Register(id, h))
	defer o.Liveness().Unregister(id, h)

	require.NoError(t, o.Cancel(ctx, id))
	job, err := o.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.False(t, h.IsCancelled())
}

func TestOrchestrator_RetryFailedResetsItemsOfPausedJob(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(func(name string, call int) (json.RawMessage, error) {
		if (name == "item-1" || name == "item-2") && call == 1 {
			return nil, errors.New("boom")
		}
		return json.RawMessage(`{}`), nil
	})
	client.holdItems("item-3")
	o := newTestOrchestrator(t, repo, client, WithConcurrency(1))
	ctx := context.Background()

	id := createTestJob(t, o, 4)
	require.NoError(t, o.Start(ctx, id))
	client.waitStarted(t, 3)
	require.NoError(t, o.Pause(ctx, id))
	client.releaseItem("item-3")
	waitForLoop(t, o, id)

	paused := assertCountsMatchItems(t, repo, id)
	require.Equal(t, models.StatusProcessing, paused.Status)
	require.True(t, paused.Paused)
	require.Equal(t, 2, paused.FailedCount)

	ids, err := o.RetryFailed(ctx, models.RetryRequest{JobIDs: []string{id}})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.True(t, job.Paused, "a paused job stays paused")
	assert.Zero(t, job.FailedCount)
	assert.False(t, o.Liveness().IsLive(id))

	pending, err := o.ListItems(ctx, id, models.ItemPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, o.Resume(ctx, id))
	waitForLoop(t, o, id)

	done := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 4, done.ProcessedCount)
	assert.Equal(t, 2, client.callsFor("item-1"))

	jobs, err := o.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "no follow-on job for an unfinished job")
}

func TestOrchestrator_RetryFailedResumesOrphanedJob(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	o := newTestOrchestrator(t, repo, client)
	ctx := context.Background()

	id := createTestJob(t, o, 2)
	_, err := repo.SetJobStatus(ctx, id, repository.StatusChange{To: models.StatusProcessing})
	require.NoError(t, err)
	item, err := repo.ClaimNextPendingItem(ctx, id)
	require.NoError(t, err)
	require.NoError(t, repo.RecordItemOutcome(ctx, item.ID, models.ItemOutcome{Status: models.ItemFailed, ErrorMessage: "boom"}))

	ids, err := o.RetryFailed(ctx, models.RetryRequest{ItemIDs: []string{item.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
	waitForLoop(t, o, id)

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.ProcessedCount)
	assert.Zero(t, job.FailedCount)
}

func TestOrchestrator_RetryFailedCreatesFollowOnJob(t *testing.T) {
	repo := newTestRepo(t)
	failing := map[string]bool{"item-2": true, "item-3": true, "item-5": true}
	client := newScriptedClient(func(name string, call int) (json.RawMessage, error) {
		if failing[name] && call == 1 {
			return nil, enrichment.NewError(enrichment.ClassInvalidInput, errors.New("rejected: "+name))
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	o := newTestOrchestrator(t, repo, client, WithConcurrency(2))
	ctx := context.Background()

	id := createTestJob(t, o, 6)
	require.NoError(t, o.Start(ctx, id))
	waitForLoop(t, o, id)

	source := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusCompleted, source.Status)
	assert.Equal(t, 3, source.FailedCount)

	failedItems, err := o.ListItems(ctx, id, models.ItemFailed)
	require.NoError(t, err)
	require.Len(t, failedItems, 3)
	require.NotNil(t, failedItems[0].ErrorMessage)
	assert.Equal(t, "rejected: item-2", *failedItems[0].ErrorMessage)

	created, err := o.RetryFailed(ctx, models.RetryRequest{JobIDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	waitForLoop(t, o, created[0])

	child := assertCountsMatchItems(t, repo, created[0])
	assert.Equal(t, models.StatusCompleted, child.Status)
	assert.Equal(t, 3, child.TotalCount)
	assert.Equal(t, 3, child.ProcessedCount)
	require.NotNil(t, child.ParentJobID)
	assert.Equal(t, id, *child.ParentJobID)

	childItems, err := o.ListItems(ctx, created[0])
	require.NoError(t, err)
	for i, item := range childItems {
		require.NotNil(t, item.SourceItemID)
		assert.Equal(t, failedItems[i].ID, *item.SourceItemID)
	}

	after := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, 3, after.FailedCount, "source items are not modified")
	stillFailed, err := o.ListItems(ctx, id, models.ItemFailed)
	require.NoError(t, err)
	assert.Len(t, stillFailed, 3)
}

func TestOrchestrator_RetryFailedByItem(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(func(name string, call int) (json.RawMessage, error) {
		if call == 1 && name != "item-1" {
			return nil, enrichment.NewError(enrichment.ClassUnknown, errors.New("boom"))
		}
		return json.RawMessage(`{}`), nil
	})
	o := newTestOrchestrator(t, repo, client)
	ctx := context.Background()

	id := createTestJob(t, o, 3)
	require.NoError(t, o.Start(ctx, id))
	waitForLoop(t, o, id)

	failedItems, err := o.ListItems(ctx, id, models.ItemFailed)
	require.NoError(t, err)
	require.Len(t, failedItems, 2)

	created, err := o.RetryFailed(ctx, models.RetryRequest{ItemIDs: []string{failedItems[1].ID}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	waitForLoop(t, o, created[0])

	child, err := o.GetJob(ctx, created[0])
	require.NoError(t, err)
	assert.Equal(t, 1, child.TotalCount)
}

func TestOrchestrator_RetryFailedErrors(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	o := newTestOrchestrator(t, repo, client)
	ctx := context.Background()

	pending := createTestJob(t, o, 1)
	_, err := o.RetryFailed(ctx, models.RetryRequest{JobIDs: []string{pending}})
	assert.ErrorIs(t, err, ErrNothingToRetry)

	client.hold()
	require.NoError(t, o.Start(ctx, pending))
	client.waitStarted(t, 1)
	_, err = o.RetryFailed(ctx, models.RetryRequest{JobIDs: []string{pending}})
	assert.ErrorIs(t, err, ErrAlreadyLive)
	client.release()

	waitForLoop(t, o, pending)
	_, err = o.RetryFailed(ctx, models.RetryRequest{JobIDs: []string{pending}})
	assert.ErrorIs(t, err, ErrNothingToRetry)

	_, err = o.RetryFailed(ctx, models.RetryRequest{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = o.RetryFailed(ctx, models.RetryRequest{JobIDs: []string{"missing"}})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestOrchestrator_Restart(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	id := createTestJob(t, o, 4)
	_, err := o.Restart(ctx, id)
	assert.ErrorIs(t, err, ErrNotRestartable)

	require.NoError(t, o.Cancel(ctx, id))
	childID, err := o.Restart(ctx, id)
	require.NoError(t, err)

	child, err := o.GetJob(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, child.Status)
	assert.Equal(t, 4, child.TotalCount)
	require.NotNil(t, child.ParentJobID)
	assert.Equal(t, id, *child.ParentJobID)

	old, err := o.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, old.Status)

	require.NoError(t, o.Start(ctx, childID))
	waitForLoop(t, o, childID)
	child = assertCountsMatchItems(t, repo, childID)
	assert.Equal(t, models.StatusCompleted, child.Status)
}

func TestOrchestrator_RestartNothingLeft(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(func(name string, call int) (json.RawMessage, error) {
		return nil, enrichment.NewError(enrichment.ClassAuth, errors.New("invalid api key"))
	})
	o := newTestOrchestrator(t, repo, client, WithConcurrency(1))
	ctx := context.Background()

	id := createTestJob(t, o, 1)
	require.NoError(t, o.Start(ctx, id))
	waitForLoop(t, o, id)

	_, err := o.Restart(ctx, id)
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestOrchestrator_Progress(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client, WithConcurrency(1))
	ctx := context.Background()

	id := createTestJob(t, o, 4)
	p, err := o.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, 4, p.Total)
	assert.Zero(t, p.Percent)
	assert.Nil(t, p.CurrentItem)

	require.NoError(t, o.Start(ctx, id))
	client.waitStarted(t, 1)

	p, err = o.Progress(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Live)
	assert.False(t, p.Orphaned)
	require.NotNil(t, p.CurrentItem)
	assert.Equal(t, "item-1", p.CurrentItem.Label)

	client.release()
	waitForLoop(t, o, id)

	p, err = o.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, 100.0, p.Percent)
	assert.False(t, p.Live)
}

func TestOrchestrator_DeleteJob(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client)
	ctx := context.Background()

	id := createTestJob(t, o, 2)
	require.NoError(t, o.Start(ctx, id))
	assert.ErrorIs(t, o.DeleteJob(ctx, id), ErrAlreadyLive)

	client.release()
	waitForLoop(t, o, id)
	require.NoError(t, o.DeleteJob(ctx, id))
	assert.ErrorIs(t, o.DeleteJob(ctx, id), ErrJobNotFound)
}

func TestOrchestrator_ShutdownLeavesJobProcessing(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	o := newTestOrchestrator(t, repo, client, WithConcurrency(1))
	ctx := context.Background()

	id := createTestJob(t, o, 3)
	require.NoError(t, o.Start(ctx, id))
	client.waitStarted(t, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.release()
	}()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(shutdownCtx))

	job := assertCountsMatchItems(t, repo, id)
	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.ProcessedCount, "the in-flight item drains before shutdown completes")
	assert.ErrorIs(t, o.Resume(ctx, id), ErrShuttingDown)
}

func itemName(i int) string {
	return fmt.Sprintf("item-%d", i)
}

func TestOrchestrator_StartRacingShutdown(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = createTestJob(t, o, 2)
	}

	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func(id string) { errs <- o.Start(ctx, id) }(id)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	o.Shutdown(shutdownCtx)

	for range ids {
		if err := <-errs; err != nil {
			assert.ErrorIs(t, err, ErrShuttingDown)
		}
	}
	assert.Zero(t, o.Liveness().Len(), "every loop that attached was drained by shutdown")
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-orchestrator/internal/metrics"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
)

func TestOrphanMonitor_Sweep(t *testing.T) {
	repo := newTestRepo(t)
	client := newScriptedClient(nil)
	client.hold()
	m := metrics.NewMetrics()
	o := newTestOrchestrator(t, repo, client, WithMetrics(m))
	ctx := context.Background()

	live := createTestJob(t, o, 1)
	require.NoError(t, o.Start(ctx, live))

	orphan := createTestJob(t, o, 1)
	_, err := repo.SetJobStatus(ctx, orphan, repository.StatusChange{To: models.StatusProcessing})
	require.NoError(t, err)

	createTestJob(t, o, 1)

	monitor := NewOrphanMonitor(repo, o.Liveness(), m, quietLogger(), "@every 1h")
	orphans, err := monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, orphans)

	snapshot := m.GetSnapshot()
	assert.EqualValues(t, 1, snapshot["orphaned_jobs"])
	assert.EqualValues(t, 1, snapshot["live_jobs"])

	client.release()
	waitForLoop(t, o, live)
}

func TestOrphanMonitor_StartRejectsBadSchedule(t *testing.T) {
	monitor := NewOrphanMonitor(newTestRepo(t), NewLivenessRegistry(), nil, quietLogger(), "not a schedule")
	assert.Error(t, monitor.Start())
}

func TestOrphanMonitor_StartAndStop(t *testing.T) {
	monitor := NewOrphanMonitor(newTestRepo(t), NewLivenessRegistry(), nil, quietLogger(), "@every 1s")
	require.NoError(t, monitor.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	monitor.Stop(ctx)
}

func TestOrphanMonitor_WarnsOnlyForUnpausedOrphans(t *testing.T) {
	repo := newTestRepo(t)
	o := newTestOrchestrator(t, repo, newScriptedClient(nil))
	ctx := context.Background()

	paused := createTestJob(t, o, 1)
	_, err := repo.SetJobStatus(ctx, paused, repository.StatusChange{To: models.StatusProcessing})
	require.NoError(t, err)
	_, err = repo.SetJobPaused(ctx, paused, true)
	require.NoError(t, err)

	lost := createTestJob(t, o, 1)
	_, err = repo.SetJobStatus(ctx, lost, repository.StatusChange{To: models.StatusProcessing})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	monitor := NewOrphanMonitor(repo, o.Liveness(), nil, logrus.NewEntry(logger), "@every 1h")

	orphans, err := monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{paused, lost}, orphans)

	var warned []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = append(warned, entry.Data["job_id"].(string))
		}
	}
	assert.Equal(t, []string{lost}, warned)

	hook.Reset()
	_, err = monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, hook.AllEntries(), "known orphans are reported once")
}

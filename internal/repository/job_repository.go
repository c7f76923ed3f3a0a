package repository

import (
	"context"

	"github.com/pkg/errors"

	"research-orchestrator/internal/models"
)

var (
	// ErrJobNotFound is returned when no job row exists for an id
	ErrJobNotFound = errors.New("job not found")
	// ErrItemNotFound is returned when no item row exists for an id
	ErrItemNotFound = errors.New("item not found")
	// ErrItemNotClaimed is returned when an outcome or requeue targets an item that is not processing
	ErrItemNotClaimed = errors.New("item is not claimed")
	// ErrJobFinished is returned when an in-place change targets a completed or failed job
	ErrJobFinished = errors.New("job has finished")
)

// StatusChange is a compare-and-set job transition: the row moves to To only if its
// current status is one of From (any status when From is empty).
type StatusChange struct {
	To     models.JobStatus
	From   []models.JobStatus
	Reason string
}

// JobRepository defines the interface for job and item persistence
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job, items []models.NewItem) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error

	SetJobStatus(ctx context.Context, id string, change StatusChange) (bool, error)
	SetJobPaused(ctx context.Context, id string, paused bool) (bool, error)

	ClaimNextPendingItem(ctx context.Context, jobID string) (*models.Item, error)
	RecordItemOutcome(ctx context.Context, itemID string, outcome models.ItemOutcome) error
	RequeueItem(ctx context.Context, itemID string, errorMessage string) error
	ResetInFlightItems(ctx context.Context, jobID string) (int64, error)
	ResetFailedItems(ctx context.Context, jobID string, itemIDs []string) (int64, error)

	GetItems(ctx context.Context, ids []string) ([]*models.Item, error)
	ListItems(ctx context.Context, jobID string, statuses ...models.ItemStatus) ([]*models.Item, error)
	CountItemsByStatus(ctx context.Context, jobID string) (map[models.ItemStatus]int, error)
}

package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no scheduler will ever attach to a job in this state again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known job statuses
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// JobKind selects the enrichment performed on every item of a job
type JobKind string

const (
	KindResearch           JobKind = "research"
	KindCategorization     JobKind = "categorization"
	KindPreprocessing      JobKind = "preprocessing"
	KindEmployeeCount      JobKind = "employee-count"
	KindTriage             JobKind = "triage"
	KindProspectProcessing JobKind = "prospect-processing"
)

// AllKinds lists every job kind in a stable order
var AllKinds = []JobKind{
	KindResearch,
	KindCategorization,
	KindPreprocessing,
	KindEmployeeCount,
	KindTriage,
	KindProspectProcessing,
}

// Valid reports whether k is one of the known job kinds
func (k JobKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// FailureReasonCancelled is stored on jobs failed by an operator cancel.
const FailureReasonCancelled = "cancelled"

// Job is one batch enrichment run over a fixed set of items.
type Job struct {
	ID               string          `json:"id"`
	Kind             JobKind         `json:"kind"`
	Status           JobStatus       `json:"status"`
	Paused           bool            `json:"paused"`
	TotalCount       int             `json:"total_count"`
	ProcessedCount   int             `json:"processed_count"`
	FailedCount      int             `json:"failed_count"`
	CurrentItemRef   *string         `json:"current_item_ref,omitempty"`
	CurrentItemLabel *string         `json:"current_item_label,omitempty"`
	Filters          json.RawMessage `json:"filters,omitempty"`
	ParentJobID      *string         `json:"parent_job_id,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Remaining returns how many items have not reached a terminal state yet.
func (j *Job) Remaining() int {
	return j.TotalCount - j.ProcessedCount - j.FailedCount
}

// ItemStatus represents the state of a single work item
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Valid reports whether s is one of the known item statuses
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemProcessing, ItemCompleted, ItemFailed:
		return true
	}
	return false
}

// Item is one unit of work (an account, a prospect row, an uploaded record) owned by a job.
type Item struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Seq          int             `json:"seq"`
	Label        string          `json:"label,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Status       ItemStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	SourceItemID *string         `json:"source_item_id,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

var labelKeys = []string{"label", "name", "company_name", "full_name", "domain", "email"}

// LabelFromPayload picks a human-readable label out of an item payload. It returns
// "" when the payload is not an object or carries none of the known keys.
func LabelFromPayload(payload json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	for _, key := range labelKeys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ItemOutcome is the terminal result recorded for a claimed item
type ItemOutcome struct {
	Status       ItemStatus
	Result       json.RawMessage
	ErrorMessage string
}

// NewItem describes an item to materialize when a job is created
type NewItem struct {
	Payload      json.RawMessage
	SourceItemID string
}

// CurrentItem identifies the item a job is working on, for display
type CurrentItem struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Progress is the polling snapshot rendered by progress views.
type Progress struct {
	JobID         string       `json:"job_id"`
	Kind          JobKind      `json:"kind"`
	Status        JobStatus    `json:"status"`
	Paused        bool         `json:"paused"`
	Total         int          `json:"total"`
	Processed     int          `json:"processed"`
	Failed        int          `json:"failed"`
	Percent       float64      `json:"percent"`
	CurrentItem   *CurrentItem `json:"current_item,omitempty"`
	FailureReason *string      `json:"failure_reason,omitempty"`
	Live          bool         `json:"live"`
	Orphaned      bool         `json:"orphaned"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CreateJobRequest represents a request to create a job
type CreateJobRequest struct {
	Kind      JobKind         `json:"kind" validate:"required,oneof=research categorization preprocessing employee-count triage prospect-processing"`
	Filters   json.RawMessage `json:"filters"`
	AutoStart bool            `json:"auto_start,omitempty"`
}

// RetryRequest targets failed items either by job or individually
type RetryRequest struct {
	JobIDs  []string `json:"job_ids,omitempty" validate:"required_without=ItemIDs,dive,required"`
	ItemIDs []string `json:"item_ids,omitempty" validate:"required_without=JobIDs,dive,required"`
}

// JobFilter narrows job listings; zero values match everything.
type JobFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a fetch run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// IsTerminal reports whether the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusPartial
}

// RunTrigger records what initiated a fetch run
type RunTrigger string

const (
	RunTriggerScheduled RunTrigger = "scheduled"
	RunTriggerManual    RunTrigger = "manual"
)

// FetchRun tracks a single fetch cycle against one source
type FetchRun struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SourceID       string          `db:"source_id" json:"source_id"`
	Status         RunStatus       `db:"status" json:"status"`
	Trigger        RunTrigger      `db:"triggered_by" json:"trigger"`
	Checkpoint     json.RawMessage `db:"checkpoint" json:"checkpoint,omitempty"`
	DocsFetched    int             `db:"docs_fetched" json:"docs_fetched"`
	DocsNormalized int             `db:"docs_normalized" json:"docs_normalized"`
	DocsRejected   int             `db:"docs_rejected" json:"docs_rejected"`
	RowsInserted   int             `db:"rows_inserted" json:"rows_inserted"`
	RowsUpdated    int             `db:"rows_updated" json:"rows_updated"`
	RowsUnchanged  int             `db:"rows_unchanged" json:"rows_unchanged"`
	ErrorMessage   *string         `db:"error_message" json:"error_message,omitempty"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (FetchRun) TableName() string {
	return "fetch_runs"
}

// RunCounts aggregates per-run pipeline counters
type RunCounts struct {
	DocsFetched    int `json:"docs_fetched"`
	DocsNormalized int `json:"docs_normalized"`
	DocsRejected   int `json:"docs_rejected"`
	RowsInserted   int `json:"rows_inserted"`
	RowsUpdated    int `json:"rows_updated"`
	RowsUnchanged  int `json:"rows_unchanged"`
}

// CreateRunRequest is the request for triggering a run over the API
type CreateRunRequest struct {
	Trigger RunTrigger `json:"trigger" validate:"omitempty,oneof=scheduled manual"`
}

// RunListResponse is the response for listing fetch runs
type RunListResponse struct {
	Items      []FetchRun `json:"items"`
	TotalCount int        `json:"total_count"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
}

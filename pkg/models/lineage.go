package models

import (
	"time"

	"github.com/google/uuid"
)

// LineageAction describes what the upsert did with one normalized record
type LineageAction string

const (
	LineageActionInserted  LineageAction = "inserted"
	LineageActionUpdated   LineageAction = "updated"
	LineageActionUnchanged LineageAction = "unchanged"
	LineageActionRejected  LineageAction = "rejected"
)

// LineageEntry is one append-only audit row tying a canonical record state
// back to the run and raw artifact that produced it
type LineageEntry struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	RunID           uuid.UUID     `db:"run_id" json:"run_id"`
	RecordID        *uuid.UUID    `db:"record_id" json:"record_id,omitempty"`
	Jurisdiction    string        `db:"jurisdiction" json:"jurisdiction"`
	EntityType      string        `db:"entity_type" json:"entity_type"`
	NaturalKey      string        `db:"natural_key" json:"natural_key"`
	Action          LineageAction `db:"action" json:"action"`
	ArtifactDigest  string        `db:"artifact_digest" json:"artifact_digest"`
	FingerprintOld  *string       `db:"fingerprint_old" json:"fingerprint_old,omitempty"`
	FingerprintNew  *string       `db:"fingerprint_new" json:"fingerprint_new,omitempty"`
	RejectionReason *string       `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (LineageEntry) TableName() string {
	return "lineage_entries"
}

// LineageListResponse is the response for listing lineage entries
type LineageListResponse struct {
	Items      []LineageEntry `json:"items"`
	TotalCount int            `json:"total_count"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}

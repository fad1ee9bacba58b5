package models

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactManifest records one raw payload captured during a fetch run.
// The digest is the sha256 of the payload bytes and doubles as the storage key,
// so re-fetching identical content never stores a second copy.
type ArtifactManifest struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Digest      string    `db:"digest" json:"digest"`
	RunID       uuid.UUID `db:"run_id" json:"run_id"`
	SourceID    string    `db:"source_id" json:"source_id"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	ContentType string    `db:"content_type" json:"content_type"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	FetchedAt   time.Time `db:"fetched_at" json:"fetched_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ArtifactManifest) TableName() string {
	return "artifact_manifests"
}

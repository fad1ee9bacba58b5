package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NaturalKeySeparator joins the identifying fields of an entity into one key string
const NaturalKeySeparator = "|"

// BuildNaturalKey joins identifying field values in declaration order.
// The same entity must always produce the same key, so callers pass fields
// in the order the entity schema declares them.
func BuildNaturalKey(parts ...string) string {
	return strings.Join(parts, NaturalKeySeparator)
}

// CanonicalRecord is the normalized, deduplicated representation of one
// legislative entity. Uniqueness is (jurisdiction, entity_type, natural_key).
type CanonicalRecord struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	Jurisdiction        string          `db:"jurisdiction" json:"jurisdiction"`
	EntityType          string          `db:"entity_type" json:"entity_type"`
	NaturalKey          string          `db:"natural_key" json:"natural_key"`
	Data                json.RawMessage `db:"data" json:"data"`
	Fingerprint         string          `db:"fingerprint" json:"fingerprint"`
	PreviousFingerprint *string         `db:"previous_fingerprint" json:"previous_fingerprint,omitempty"`
	FirstSeenRunID      uuid.UUID       `db:"first_seen_run_id" json:"first_seen_run_id"`
	LastSeenRunID       uuid.UUID       `db:"last_seen_run_id" json:"last_seen_run_id"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (CanonicalRecord) TableName() string {
	return "canonical_records"
}

// RecordListResponse is the response for listing canonical records
type RecordListResponse struct {
	Items      []CanonicalRecord `json:"items"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
}

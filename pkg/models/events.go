package models

import (
	"time"

	"github.com/google/uuid"
)

// RunCompletedMessage is published to Kafka when a fetch run reaches a terminal state
type RunCompletedMessage struct {
	RunID        uuid.UUID `json:"run_id"`
	SourceID     string    `json:"source_id"`
	Jurisdiction string    `json:"jurisdiction"`
	Status       RunStatus `json:"status"`
	Counts       RunCounts `json:"counts"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

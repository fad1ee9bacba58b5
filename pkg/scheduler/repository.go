package scheduler

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SourceRunState summarizes a source's run history for scheduling decisions
type SourceRunState struct {
	SourceID      string
	LastStartedAt *time.Time
	Active        bool
}

// RunStateRepositoryImpl reads run history straight from fetch_runs. Source
// definitions live in the descriptor file, so this only answers "when did
// this source last run, and is it running now".
type RunStateRepositoryImpl struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRunStateRepository creates a new run state repository
func NewRunStateRepository(db database.DB, logger ectologger.Logger) *RunStateRepositoryImpl {
	return &RunStateRepositoryImpl{
		db:     db,
		logger: logger,
	}
}

type runStateRow struct {
	SourceID      string     `db:"source_id"`
	LastStartedAt *time.Time `db:"last_started_at"`
	Active        bool       `db:"active"`
}

// ListRunStates returns the run state for each of the given sources. Sources
// with no runs yet are absent from the result.
func (r *RunStateRepositoryImpl) ListRunStates(ctx context.Context, sourceIDs []string) (map[string]SourceRunState, error) {
	ctx, span := tracing.StartSpan(ctx, "RunStateRepository.ListRunStates")
	defer span.End()

	query := `
		SELECT
			source_id,
			MAX(started_at) AS last_started_at,
			BOOL_OR(status IN ('pending', 'running')) AS active
		FROM fetch_runs
		WHERE source_id = ANY($1)
		GROUP BY source_id
	`

	var rows []runStateRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(sourceIDs)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to query source run states")
		return nil, err
	}

	states := make(map[string]SourceRunState, len(rows))
	for _, row := range rows {
		states[row.SourceID] = SourceRunState{
			SourceID:      row.SourceID,
			LastStartedAt: row.LastStartedAt,
			Active:        row.Active,
		}
	}

	return states, nil
}

package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const fetchRunsTable = "fetch_runs"

// activeRunConstraint is the partial unique index allowing at most one
// non-terminal run per source
const activeRunConstraint = "fetch_runs_active_source_idx"

var fetchRunStruct = database.NewStruct(new(models.FetchRun))

// ErrAlreadyRunning is returned when a source already has a non-terminal run
var ErrAlreadyRunning = errors.New("a run is already active for this source")

// FetchRunRepository handles database operations for fetch runs
type FetchRunRepository struct {
	*Repository
}

// NewFetchRunRepository creates a new fetch run repository
func NewFetchRunRepository(db database.DB, logger ectologger.Logger) *FetchRunRepository {
	return &FetchRunRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new pending run. The partial unique index on
// (source_id) WHERE status IN ('pending','running') is the run-deduplication
// guarantee; a conflict there surfaces as ErrAlreadyRunning.
func (r *FetchRunRepository) Create(ctx context.Context, run *models.FetchRun) error {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.Create")
	defer span.End()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(fetchRunsTable).
		Cols("id", "source_id", "status", "triggered_by", "checkpoint", "created_at", "updated_at").
		Values(run.ID, run.SourceID, run.Status, run.Trigger, run.Checkpoint,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeRunConstraint {
			return ErrAlreadyRunning
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id": run.SourceID,
		}).Error("failed to create fetch run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create fetch run")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":    run.ID,
		"source_id": run.SourceID,
	}).Debugf("Created %s", fetchRunsTable)
	return nil
}

// GetByID retrieves a fetch run by ID
func (r *FetchRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FetchRun, error) {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.GetByID")
	defer span.End()

	sb := fetchRunStruct.SelectFrom(fetchRunsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var run models.FetchRun
	err := r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("run %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get fetch run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get fetch run")
	}

	return &run, nil
}

// GetActiveBySource returns the non-terminal run for a source, if any
func (r *FetchRunRepository) GetActiveBySource(ctx context.Context, sourceID string) (*models.FetchRun, error) {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.GetActiveBySource")
	defer span.End()

	sb := fetchRunStruct.SelectFrom(fetchRunsTable)
	sb.Where(
		sb.Equal("source_id", sourceID),
		sb.In("status", models.RunStatusPending, models.RunStatusRunning),
	)

	query, args := sb.Build()
	var run models.FetchRun
	err := r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id": sourceID,
		}).Error("failed to get active fetch run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get active fetch run")
	}

	return &run, nil
}

// ListBySource retrieves runs for a source, newest first
func (r *FetchRunRepository) ListBySource(ctx context.Context, sourceID string, limit, offset int) ([]models.FetchRun, error) {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.ListBySource")
	defer span.End()

	sb := fetchRunStruct.SelectFrom(fetchRunsTable)
	sb.Where(sb.Equal("source_id", sourceID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var runs []models.FetchRun
	err := r.DB().SelectContext(ctx, &runs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id": sourceID,
		}).Error("failed to list fetch runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list fetch runs")
	}

	return runs, nil
}

// MarkRunning transitions a pending run to running
func (r *FetchRunRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.MarkRunning")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(fetchRunsTable).
		Set(
			ub.Assign("status", models.RunStatusRunning),
			ub.Assign("started_at", time.Now()),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id), ub.Equal("status", models.RunStatusPending))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to mark run running")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run running")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run running")
	}
	if rows == 0 {
		return NotFound("pending run %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": id,
	}).Infof("Marked %s as running", fetchRunsTable)
	return nil
}

// SaveProgress persists the resume checkpoint and running counts mid-run
func (r *FetchRunRepository) SaveProgress(ctx context.Context, id uuid.UUID, checkpoint json.RawMessage, counts models.RunCounts) error {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.SaveProgress")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(fetchRunsTable).
		Set(
			ub.Assign("checkpoint", checkpoint),
			ub.Assign("docs_fetched", counts.DocsFetched),
			ub.Assign("docs_normalized", counts.DocsNormalized),
			ub.Assign("docs_rejected", counts.DocsRejected),
			ub.Assign("rows_inserted", counts.RowsInserted),
			ub.Assign("rows_updated", counts.RowsUpdated),
			ub.Assign("rows_unchanged", counts.RowsUnchanged),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to save run progress")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save run progress")
	}

	return nil
}

// MarkCompleted transitions a run to a terminal state with final counts and
// the stream's final checkpoint. A nil checkpoint clears any mid-run resume
// point, so the run after a full enumeration starts from the beginning.
func (r *FetchRunRepository) MarkCompleted(ctx context.Context, id uuid.UUID, status models.RunStatus, counts models.RunCounts, checkpoint json.RawMessage, errorMsg *string) error {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.MarkCompleted")
	defer span.End()

	if !status.IsTerminal() {
		return BadRequest("status " + string(status) + " is not terminal")
	}

	ub := database.NewUpdateBuilder()
	ub.Update(fetchRunsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("completed_at", time.Now()),
			ub.Assign("checkpoint", checkpoint),
			ub.Assign("error_message", errorMsg),
			ub.Assign("docs_fetched", counts.DocsFetched),
			ub.Assign("docs_normalized", counts.DocsNormalized),
			ub.Assign("docs_rejected", counts.DocsRejected),
			ub.Assign("rows_inserted", counts.RowsInserted),
			ub.Assign("rows_updated", counts.RowsUpdated),
			ub.Assign("rows_unchanged", counts.RowsUnchanged),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to mark run completed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run completed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run completed")
	}
	if rows == 0 {
		return NotFound("run %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": id,
	}).Infof("Marked %s as %s", fetchRunsTable, status)
	return nil
}

// FailStale marks runs stuck in a non-terminal state longer than maxAge as
// failed. Covers crashed workers that never reached MarkCompleted.
func (r *FetchRunRepository) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.FailStale")
	defer span.End()

	query := `
		UPDATE fetch_runs
		SET status = $1, error_message = 'run abandoned: exceeded max run time', completed_at = NOW(), updated_at = NOW()
		WHERE status IN ($2, $3) AND updated_at < $4`

	result, err := r.DB().ExecContext(ctx, query,
		models.RunStatusFailed, models.RunStatusPending, models.RunStatusRunning,
		time.Now().Add(-maxAge))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to fail stale runs")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to fail stale runs")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		r.logger.WithContext(ctx).Warnf("Failed %d stale fetch runs", rows)
	}
	return rows, nil
}

// LastCheckpoint returns the checkpoint of the most recent successful run
// for a source, or nil when there is none
func (r *FetchRunRepository) LastCheckpoint(ctx context.Context, sourceID string) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "FetchRunRepository.LastCheckpoint")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("checkpoint").From(fetchRunsTable)
	sb.Where(
		sb.Equal("source_id", sourceID),
		sb.In("status", models.RunStatusSucceeded, models.RunStatusPartial),
	)
	sb.OrderBy("completed_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var checkpoint json.RawMessage
	err := r.DB().GetContext(ctx, &checkpoint, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id": sourceID,
		}).Error("failed to get last checkpoint")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get last checkpoint")
	}

	return checkpoint, nil
}

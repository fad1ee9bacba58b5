package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const lineageEntriesTable = "lineage_entries"

var lineageEntryStruct = database.NewStruct(new(models.LineageEntry))

// LineageRepository handles the append-only lineage log
type LineageRepository struct {
	*Repository
}

// NewLineageRepository creates a new lineage repository
func NewLineageRepository(db database.DB, logger ectologger.Logger) *LineageRepository {
	return &LineageRepository{
		Repository: NewRepository(db, logger),
	}
}

// AppendTx appends one lineage entry inside the caller's transaction, so the
// entry commits atomically with the row write it describes
func (r *LineageRepository) AppendTx(ctx context.Context, tx database.Tx, entry *models.LineageEntry) error {
	ctx, span := tracing.StartSpan(ctx, "LineageRepository.AppendTx")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(lineageEntriesTable).
		Cols("id", "run_id", "record_id", "jurisdiction", "entity_type", "natural_key",
			"action", "artifact_digest", "fingerprint_old", "fingerprint_new",
			"rejection_reason", "created_at").
		Values(entry.ID, entry.RunID, entry.RecordID, entry.Jurisdiction, entry.EntityType, entry.NaturalKey,
			entry.Action, entry.ArtifactDigest, entry.FingerprintOld, entry.FingerprintNew,
			entry.RejectionReason, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&entry.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id":      entry.RunID,
			"natural_key": entry.NaturalKey,
		}).Error("failed to append lineage entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append lineage entry")
	}

	return nil
}

// ListByRun retrieves lineage entries for a run in append order
func (r *LineageRepository) ListByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]models.LineageEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "LineageRepository.ListByRun")
	defer span.End()

	sb := lineageEntryStruct.SelectFrom(lineageEntriesTable)
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy("created_at")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var entries []models.LineageEntry
	err := r.DB().SelectContext(ctx, &entries, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to list lineage by run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list lineage entries")
	}

	return entries, nil
}

// ListByNaturalKey retrieves the full history of one entity in append order
func (r *LineageRepository) ListByNaturalKey(ctx context.Context, jurisdiction, entityType, naturalKey string) ([]models.LineageEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "LineageRepository.ListByNaturalKey")
	defer span.End()

	sb := lineageEntryStruct.SelectFrom(lineageEntriesTable)
	sb.Where(
		sb.Equal("jurisdiction", jurisdiction),
		sb.Equal("entity_type", entityType),
		sb.Equal("natural_key", naturalKey),
	)
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var entries []models.LineageEntry
	err := r.DB().SelectContext(ctx, &entries, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"natural_key": naturalKey,
		}).Error("failed to list lineage by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list lineage entries")
	}

	return entries, nil
}

// CountByRunAction tallies lineage entries for a run grouped by action
func (r *LineageRepository) CountByRunAction(ctx context.Context, runID uuid.UUID) (map[models.LineageAction]int, error) {
	ctx, span := tracing.StartSpan(ctx, "LineageRepository.CountByRunAction")
	defer span.End()

	query := `SELECT action, COUNT(*) AS n FROM lineage_entries WHERE run_id = $1 GROUP BY action`

	var rows []struct {
		Action models.LineageAction `db:"action"`
		N      int                  `db:"n"`
	}
	if err := r.DB().SelectContext(ctx, &rows, query, runID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to count lineage by action")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count lineage entries")
	}

	counts := make(map[models.LineageAction]int, len(rows))
	for _, row := range rows {
		counts[row.Action] = row.N
	}
	return counts, nil
}

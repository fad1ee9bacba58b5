package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const canonicalRecordsTable = "canonical_records"

var canonicalRecordStruct = database.NewStruct(new(models.CanonicalRecord))

// ErrConstraintViolation is returned when an insert loses a natural-key race
// to a concurrent writer. The upsert layer resolves it by re-reading once.
var ErrConstraintViolation = errors.New("natural key conflict")

// CanonicalRecordRepository handles database operations for canonical records
type CanonicalRecordRepository struct {
	*Repository
}

// NewCanonicalRecordRepository creates a new canonical record repository
func NewCanonicalRecordRepository(db database.DB, logger ectologger.Logger) *CanonicalRecordRepository {
	return &CanonicalRecordRepository{
		Repository: NewRepository(db, logger),
	}
}

// GetByNaturalKey retrieves the record for an identity tuple, or nil when absent
func (r *CanonicalRecordRepository) GetByNaturalKey(ctx context.Context, jurisdiction, entityType, naturalKey string) (*models.CanonicalRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "CanonicalRecordRepository.GetByNaturalKey")
	defer span.End()

	sb := canonicalRecordStruct.SelectFrom(canonicalRecordsTable)
	sb.Where(
		sb.Equal("jurisdiction", jurisdiction),
		sb.Equal("entity_type", entityType),
		sb.Equal("natural_key", naturalKey),
	)

	query, args := sb.Build()
	var record models.CanonicalRecord
	err := r.DB().GetContext(ctx, &record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"natural_key": naturalKey,
		}).Error("failed to get record by natural key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}

	return &record, nil
}

// GetByID retrieves a canonical record by ID
func (r *CanonicalRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CanonicalRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "CanonicalRecordRepository.GetByID")
	defer span.End()

	sb := canonicalRecordStruct.SelectFrom(canonicalRecordsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var record models.CanonicalRecord
	err := r.DB().GetContext(ctx, &record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("record %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"record_id": id,
		}).Error("failed to get record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}

	return &record, nil
}

// List retrieves records filtered by jurisdiction and entity type, newest first
func (r *CanonicalRecordRepository) List(ctx context.Context, jurisdiction, entityType string, limit, offset int) ([]models.CanonicalRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "CanonicalRecordRepository.List")
	defer span.End()

	sb := canonicalRecordStruct.SelectFrom(canonicalRecordsTable)
	if jurisdiction != "" {
		sb.Where(sb.Equal("jurisdiction", jurisdiction))
	}
	if entityType != "" {
		sb.Where(sb.Equal("entity_type", entityType))
	}
	sb.OrderBy("updated_at").Desc()
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var records []models.CanonicalRecord
	err := r.DB().SelectContext(ctx, &records, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records")
	}

	return records, nil
}

// InsertTx inserts a new record inside the caller's transaction.
// A 23505 on the identity constraint means a concurrent writer won the
// insert race; that surfaces as ErrConstraintViolation, not an HTTP error.
func (r *CanonicalRecordRepository) InsertTx(ctx context.Context, tx database.Tx, record *models.CanonicalRecord) error {
	ctx, span := tracing.StartSpan(ctx, "CanonicalRecordRepository.InsertTx")
	defer span.End()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(canonicalRecordsTable).
		Cols("id", "jurisdiction", "entity_type", "natural_key", "data",
			"fingerprint", "previous_fingerprint", "first_seen_run_id", "last_seen_run_id",
			"created_at", "updated_at").
		Values(record.ID, record.Jurisdiction, record.EntityType, record.NaturalKey, record.Data,
			record.Fingerprint, record.PreviousFingerprint, record.FirstSeenRunID, record.LastSeenRunID,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := tx.QueryRowContext(ctx, query, args...).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConstraintViolation
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"natural_key": record.NaturalKey,
		}).Error("failed to insert record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert record")
	}

	return nil
}

// UpdateTx updates the mutable fields of an existing record inside the
// caller's transaction, guarded by the expected current fingerprint so a
// concurrent update is detected rather than overwritten.
func (r *CanonicalRecordRepository) UpdateTx(ctx context.Context, tx database.Tx, record *models.CanonicalRecord, expectedFingerprint string) error {
	ctx, span := tracing.StartSpan(ctx, "CanonicalRecordRepository.UpdateTx")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(canonicalRecordsTable).
		Set(
			ub.Assign("data", record.Data),
			ub.Assign("fingerprint", record.Fingerprint),
			ub.Assign("previous_fingerprint", record.PreviousFingerprint),
			ub.Assign("last_seen_run_id", record.LastSeenRunID),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", record.ID), ub.Equal("fingerprint", expectedFingerprint))

	query, args := ub.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"record_id": record.ID,
		}).Error("failed to update record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update record")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update record")
	}
	if rows == 0 {
		// Fingerprint moved underneath us
		return ErrConstraintViolation
	}

	return nil
}

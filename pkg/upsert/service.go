package upsert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalize"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// volatileFields never participate in the content fingerprint, so re-fetching
// identical content with fresh provenance stays "unchanged"
var volatileFields = map[string]bool{
	"fetched_at":  true,
	"provenance":  true,
	"update_date": true,
}

// Input is one normalized record to reconcile against the store
type Input struct {
	RunID          uuid.UUID
	Jurisdiction   string
	Record         normalize.Record
	ArtifactDigest string
}

// Result reports what the reconciliation did
type Result struct {
	Action   models.LineageAction
	RecordID *uuid.UUID
}

// Service reconciles normalized records by natural key, writing only when
// content changed, and commits each row write atomically with its lineage entry
type Service struct {
	db      database.DB
	records *repositories.CanonicalRecordRepository
	lineage *repositories.LineageRepository
	logger  ectologger.Logger
}

// NewService creates a new upsert service
func NewService(db database.DB, records *repositories.CanonicalRecordRepository, lineage *repositories.LineageRepository, logger ectologger.Logger) *Service {
	return &Service{
		db:      db,
		records: records,
		lineage: lineage,
		logger:  logger,
	}
}

// Apply reconciles one record. A natural-key race with a concurrent writer is
// resolved by re-reading the committed row and deciding again, once; a second
// conflict records the record as rejected rather than overwriting blindly.
func (s *Service) Apply(ctx context.Context, in Input) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "UpsertService.Apply")
	defer span.End()

	result, err := s.applyOnce(ctx, in)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, repositories.ErrConstraintViolation) {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"natural_key": in.Record.NaturalKey,
	}).Warn("natural key race detected, re-reading")

	result, err = s.applyOnce(ctx, in)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, repositories.ErrConstraintViolation) {
		return nil, err
	}

	// Still conflicting after one re-read: record the rejection
	reason := "persistent natural key conflict with concurrent writer"
	if appendErr := s.appendLineageOnly(ctx, in, nil, models.LineageActionRejected, nil, nil, &reason); appendErr != nil {
		return nil, appendErr
	}
	return &Result{Action: models.LineageActionRejected}, nil
}

func (s *Service) applyOnce(ctx context.Context, in Input) (*Result, error) {
	data, err := json.Marshal(in.Record.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record data: %w", err)
	}
	fp := fingerprint.GenerateWithExclusions(in.Record.Data, volatileFields)

	existing, err := s.records.GetByNaturalKey(ctx, in.Jurisdiction, in.Record.EntityType, in.Record.NaturalKey)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return s.insert(ctx, in, data, fp)
	}

	if !fingerprint.HasChanged(existing.Fingerprint, fp) {
		// No row write for unchanged content; only the lineage entry records
		// that this run observed the record
		err := s.appendLineageOnly(ctx, in, &existing.ID, models.LineageActionUnchanged, &existing.Fingerprint, &fp, nil)
		if err != nil {
			return nil, err
		}
		return &Result{Action: models.LineageActionUnchanged, RecordID: &existing.ID}, nil
	}

	return s.update(ctx, in, existing, data, fp)
}

func (s *Service) insert(ctx context.Context, in Input, data json.RawMessage, fp string) (*Result, error) {
	txCtx, tx, err := database.GetTx(ctx, s.logger, s.db, nil)
	if err != nil {
		return nil, err
	}
	// Rollback with the pre-transaction ctx: it fires on error returns
	// (Commit leaves it a no-op) instead of deferring to an opener that
	// does not exist. The insert-race error path depends on it.
	defer tx.Rollback(ctx)

	record := &models.CanonicalRecord{
		Jurisdiction:   in.Jurisdiction,
		EntityType:     in.Record.EntityType,
		NaturalKey:     in.Record.NaturalKey,
		Data:           data,
		Fingerprint:    fp,
		FirstSeenRunID: in.RunID,
		LastSeenRunID:  in.RunID,
	}
	if err := s.records.InsertTx(txCtx, tx, record); err != nil {
		return nil, err
	}

	entry := s.entry(in, &record.ID, models.LineageActionInserted, nil, &fp, nil)
	if err := s.lineage.AppendTx(txCtx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}
	return &Result{Action: models.LineageActionInserted, RecordID: &record.ID}, nil
}

func (s *Service) update(ctx context.Context, in Input, existing *models.CanonicalRecord, data json.RawMessage, fp string) (*Result, error) {
	txCtx, tx, err := database.GetTx(ctx, s.logger, s.db, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated := &models.CanonicalRecord{
		ID:                  existing.ID,
		Jurisdiction:        existing.Jurisdiction,
		EntityType:          existing.EntityType,
		NaturalKey:          existing.NaturalKey,
		Data:                data,
		Fingerprint:         fp,
		PreviousFingerprint: &existing.Fingerprint,
		FirstSeenRunID:      existing.FirstSeenRunID,
		LastSeenRunID:       in.RunID,
	}
	if err := s.records.UpdateTx(txCtx, tx, updated, existing.Fingerprint); err != nil {
		return nil, err
	}

	entry := s.entry(in, &existing.ID, models.LineageActionUpdated, &existing.Fingerprint, &fp, nil)
	if err := s.lineage.AppendTx(txCtx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}
	return &Result{Action: models.LineageActionUpdated, RecordID: &existing.ID}, nil
}

func (s *Service) appendLineageOnly(ctx context.Context, in Input, recordID *uuid.UUID, action models.LineageAction, fpOld, fpNew, reason *string) error {
	txCtx, tx, err := database.GetTx(ctx, s.logger, s.db, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	entry := s.entry(in, recordID, action, fpOld, fpNew, reason)
	if err := s.lineage.AppendTx(txCtx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(txCtx)
}

func (s *Service) entry(in Input, recordID *uuid.UUID, action models.LineageAction, fpOld, fpNew, reason *string) *models.LineageEntry {
	return &models.LineageEntry{
		RunID:           in.RunID,
		RecordID:        recordID,
		Jurisdiction:    in.Jurisdiction,
		EntityType:      in.Record.EntityType,
		NaturalKey:      in.Record.NaturalKey,
		Action:          action,
		ArtifactDigest:  in.ArtifactDigest,
		FingerprintOld:  fpOld,
		FingerprintNew:  fpNew,
		RejectionReason: reason,
	}
}

// RecordRejection appends a rejected lineage entry for a document that never
// made it past normalization
func (s *Service) RecordRejection(ctx context.Context, runID uuid.UUID, jurisdiction, entityType, naturalKey, artifactDigest, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "UpsertService.RecordRejection")
	defer span.End()

	in := Input{
		RunID:          runID,
		Jurisdiction:   jurisdiction,
		Record:         normalize.Record{EntityType: entityType, NaturalKey: naturalKey},
		ArtifactDigest: artifactDigest,
	}
	return s.appendLineageOnly(ctx, in, nil, models.LineageActionRejected, nil, nil, &reason)
}

// ApplyBatch reconciles records in order, isolating per-record failures.
// Records sharing a natural key must arrive in fetch order; the returned
// counts tally each action.
func (s *Service) ApplyBatch(ctx context.Context, inputs []Input) (models.RunCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "UpsertService.ApplyBatch")
	defer span.End()

	var counts models.RunCounts
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		result, err := s.Apply(ctx, in)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"natural_key": in.Record.NaturalKey,
			}).Error("failed to apply record")
			counts.DocsRejected++
			continue
		}

		switch result.Action {
		case models.LineageActionInserted:
			counts.RowsInserted++
		case models.LineageActionUpdated:
			counts.RowsUpdated++
		case models.LineageActionUnchanged:
			counts.RowsUnchanged++
		case models.LineageActionRejected:
			counts.DocsRejected++
		}
	}
	return counts, nil
}

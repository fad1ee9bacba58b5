package upsert

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalize"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := testLogger()
	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), logger)
	records := repositories.NewCanonicalRecordRepository(db, logger)
	lineage := repositories.NewLineageRepository(db, logger)
	return NewService(db, records, lineage, logger), mock
}

func testInput(runID uuid.UUID) Input {
	return Input{
		RunID:        runID,
		Jurisdiction: "us-federal",
		Record: normalize.Record{
			EntityType: "bill",
			NaturalKey: "119|hr|1234",
			Data: map[string]any{
				"congress": float64(119),
				"number":   "1234",
				"title":    "An Act",
			},
		},
		ArtifactDigest: "abc123",
	}
}

func recordColumns() []string {
	return []string{
		"id", "jurisdiction", "entity_type", "natural_key", "data",
		"fingerprint", "previous_fingerprint", "first_seen_run_id", "last_seen_run_id",
		"created_at", "updated_at",
	}
}

func existingRecordRow(id, firstRun uuid.UUID, fp string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(recordColumns()).AddRow(
		id.String(), "us-federal", "bill", "119|hr|1234", []byte(`{"title":"An Act"}`),
		fp, nil, firstRun.String(), firstRun.String(), now, now,
	)
}

func expectLineageInsert(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("INSERT INTO lineage_entries").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
}

func TestApplyInsertsNewRecord(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_records").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	expectLineageInsert(mock)
	mock.ExpectCommit()

	result, err := svc.Apply(context.Background(), testInput(runID))
	require.NoError(t, err)
	assert.Equal(t, models.LineageActionInserted, result.Action)
	require.NotNil(t, result.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUnchangedSkipsRowWrite(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()
	recordID := uuid.New()
	in := testInput(runID)

	// Same content fingerprint: no UPDATE, lineage only
	fp := fingerprint.Generate(in.Record.Data)
	mock.ExpectQuery("SELECT (.+) FROM canonical_records").
		WillReturnRows(existingRecordRow(recordID, uuid.New(), fp))
	mock.ExpectBegin()
	expectLineageInsert(mock)
	mock.ExpectCommit()

	result, err := svc.Apply(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.LineageActionUnchanged, result.Action)
	require.NotNil(t, result.RecordID)
	assert.Equal(t, recordID, *result.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdatesChangedRecord(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()
	recordID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM canonical_records").
		WillReturnRows(existingRecordRow(recordID, uuid.New(), "stale-fingerprint"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE canonical_records").WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineageInsert(mock)
	mock.ExpectCommit()

	result, err := svc.Apply(context.Background(), testInput(runID))
	require.NoError(t, err)
	assert.Equal(t, models.LineageActionUpdated, result.Action)
	require.NotNil(t, result.RecordID)
	assert.Equal(t, recordID, *result.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyInsertRaceRereadsOnce(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()
	recordID := uuid.New()
	in := testInput(runID)
	fp := fingerprint.Generate(in.Record.Data)

	// First attempt loses the insert race and must roll its transaction back
	// before the re-read finds the committed row with identical content
	mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_records").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectQuery("SELECT (.+) FROM canonical_records").
		WillReturnRows(existingRecordRow(recordID, uuid.New(), fp))
	mock.ExpectBegin()
	expectLineageInsert(mock)
	mock.ExpectCommit()

	result, err := svc.Apply(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.LineageActionUnchanged, result.Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPersistentConflictRejects(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnError(sql.ErrNoRows)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO canonical_records").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	expectLineageInsert(mock)
	mock.ExpectCommit()

	result, err := svc.Apply(context.Background(), testInput(runID))
	require.NoError(t, err)
	assert.Equal(t, models.LineageActionRejected, result.Action)
	assert.Nil(t, result.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackWhenLineageAppendFails(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()

	// The row write and lineage append commit together or not at all
	mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_records").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	mock.ExpectQuery("INSERT INTO lineage_entries").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), testInput(runID))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRejection(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLineageInsert(mock)
	mock.ExpectCommit()

	err := svc.RecordRejection(context.Background(), uuid.New(),
		"us-federal", "bill", "119|hr|1234", "abc123", "missing title")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBatchTalliesActions(t *testing.T) {
	svc, mock := newTestService(t)
	runID := uuid.New()
	in := testInput(runID)
	fp := fingerprint.Generate(in.Record.Data)

	// One insert, then the same record again unchanged
	mock.ExpectQuery("SELECT (.+) FROM canonical_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO canonical_records").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	expectLineageInsert(mock)
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT (.+) FROM canonical_records").
		WillReturnRows(existingRecordRow(uuid.New(), runID, fp))
	mock.ExpectBegin()
	expectLineageInsert(mock)
	mock.ExpectCommit()

	counts, err := svc.ApplyBatch(context.Background(), []Input{in, in})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.RowsInserted)
	assert.Equal(t, 1, counts.RowsUnchanged)
	assert.Equal(t, 0, counts.RowsUpdated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

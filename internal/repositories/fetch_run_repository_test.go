package repositories

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

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestRunRepo(t *testing.T) (*FetchRunRepository, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), testLogger())
	return NewFetchRunRepository(db, testLogger()), mock
}

func TestFetchRunCreate(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectQuery("INSERT INTO fetch_runs").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

	run := &models.FetchRun{SourceID: "us-congress", Trigger: models.RunTriggerManual}
	require.NoError(t, repo.Create(context.Background(), run))

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchRunCreateAlreadyRunning(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	// A conflict on the partial unique index means another non-terminal run
	// holds the source
	mock.ExpectQuery("INSERT INTO fetch_runs").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "fetch_runs_active_source_idx"})

	err := repo.Create(context.Background(), &models.FetchRun{SourceID: "us-congress"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestFetchRunCreateOtherConstraint(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectQuery("INSERT INTO fetch_runs").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "fetch_runs_pkey"})

	err := repo.Create(context.Background(), &models.FetchRun{SourceID: "us-congress"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)
}

func TestMarkRunningRequiresPendingRun(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectExec("UPDATE fetch_runs").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkRunning(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestMarkCompletedRejectsNonTerminalStatus(t *testing.T) {
	repo, _ := newTestRunRepo(t)

	err := repo.MarkCompleted(context.Background(), uuid.New(), models.RunStatusRunning, models.RunCounts{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestMarkCompletedWritesCheckpointColumn(t *testing.T) {
	tests := []struct {
		name       string
		status     models.RunStatus
		checkpoint []byte
	}{
		{
			name:   "succeeded run clears the resume point",
			status: models.RunStatusSucceeded,
		},
		{
			name:       "partial run keeps the resume point",
			status:     models.RunStatusPartial,
			checkpoint: []byte(`{"entity_type":"bill","offset":250}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newTestRunRepo(t)

			mock.ExpectExec("UPDATE fetch_runs SET (.+)checkpoint = (.+)").
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := repo.MarkCompleted(context.Background(), uuid.New(), tt.status, models.RunCounts{}, tt.checkpoint, nil)
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetActiveBySourceReturnsNilWhenIdle(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM fetch_runs").WillReturnError(sql.ErrNoRows)

	run, err := repo.GetActiveBySource(context.Background(), "us-congress")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestLastCheckpoint(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectQuery("SELECT checkpoint FROM fetch_runs").
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint"}).AddRow([]byte(`{"offset":250}`)))

	cp, err := repo.LastCheckpoint(context.Background(), "us-congress")
	require.NoError(t, err)
	assert.JSONEq(t, `{"offset":250}`, string(cp))
}

func TestLastCheckpointNoPriorRun(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectQuery("SELECT checkpoint FROM fetch_runs").WillReturnError(sql.ErrNoRows)

	cp, err := repo.LastCheckpoint(context.Background(), "us-congress")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestFailStale(t *testing.T) {
	repo, mock := newTestRunRepo(t)

	mock.ExpectExec("UPDATE fetch_runs").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.FailStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

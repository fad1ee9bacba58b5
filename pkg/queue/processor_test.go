package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// fakeExecutor scripts Trigger and Execute outcomes
type fakeExecutor struct {
	triggerErr    error
	triggered     []string
	triggeredWith models.RunTrigger
	executeErr    error
	executed      []uuid.UUID
	runID         uuid.UUID
}

func (f *fakeExecutor) Trigger(_ context.Context, sourceID string, trigger models.RunTrigger) (*models.FetchRun, error) {
	f.triggered = append(f.triggered, sourceID)
	f.triggeredWith = trigger
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	if f.runID == uuid.Nil {
		f.runID = uuid.New()
	}
	return &models.FetchRun{ID: f.runID, SourceID: sourceID, Status: models.RunStatusPending, Trigger: trigger}, nil
}

func (f *fakeExecutor) Execute(_ context.Context, runID uuid.UUID) error {
	f.executed = append(f.executed, runID)
	return f.executeErr
}

func newTestProcessor(executor *fakeExecutor) *Processor {
	return NewProcessor(nil, executor, DefaultProcessorConfig(), testLogger())
}

func TestParseRunJob(t *testing.T) {
	p := newTestProcessor(&fakeExecutor{})

	tests := []struct {
		name    string
		payload map[string]interface{}
		wantErr bool
	}{
		{
			name: "job carrying a run id",
			payload: map[string]interface{}{
				"id": "job-1", "source_id": "us-congress", "run_id": uuid.New().String(), "trigger": "manual",
			},
		},
		{
			name: "scheduled job names only the source",
			payload: map[string]interface{}{
				"id": "job-2", "source_id": "us-congress", "trigger": "scheduled",
			},
		},
		{
			name:    "missing run and source",
			payload: map[string]interface{}{"id": "job-3", "trigger": "manual"},
			wantErr: true,
		},
		{
			name:    "wrong field type",
			payload: map[string]interface{}{"source_id": "us-congress", "attempts": "many"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := p.parseRunJob(redis.StreamMessage{ID: "1-0", Payload: tt.payload})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidJobMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "us-congress", job.SourceID)
		})
	}
}

func TestResolveRunUsesCarriedRunID(t *testing.T) {
	executor := &fakeExecutor{}
	p := newTestProcessor(executor)
	runID := uuid.New()

	got, err := p.resolveRun(context.Background(), &redis.RunJob{ID: "job", RunID: runID.String()})
	require.NoError(t, err)
	assert.Equal(t, runID, got)
	assert.Empty(t, executor.triggered)
}

func TestResolveRunDropsInvalidRunID(t *testing.T) {
	p := newTestProcessor(&fakeExecutor{})

	_, err := p.resolveRun(context.Background(), &redis.RunJob{ID: "job", RunID: "not-a-uuid"})
	assert.ErrorIs(t, err, errDropJob)
}

func TestResolveRunTriggersScheduledJobs(t *testing.T) {
	executor := &fakeExecutor{}
	p := newTestProcessor(executor)

	got, err := p.resolveRun(context.Background(), &redis.RunJob{ID: "job", SourceID: "us-congress"})
	require.NoError(t, err)
	assert.Equal(t, executor.runID, got)
	assert.Equal(t, []string{"us-congress"}, executor.triggered)
	assert.Equal(t, models.RunTriggerScheduled, executor.triggeredWith)
}

func TestResolveRunDropsUnknownSource(t *testing.T) {
	executor := &fakeExecutor{triggerErr: orchestrator.ErrUnknownSource}
	p := newTestProcessor(executor)

	_, err := p.resolveRun(context.Background(), &redis.RunJob{ID: "job", SourceID: "nope"})
	assert.ErrorIs(t, err, errDropJob)
}

func TestProcessJobAcksAlreadyRunningSource(t *testing.T) {
	executor := &fakeExecutor{triggerErr: repositories.ErrAlreadyRunning}
	p := newTestProcessor(executor)

	err := p.processJob(context.Background(), jobItem{
		message: redis.StreamMessage{ID: "1-0"},
		job:     &redis.RunJob{ID: "job", SourceID: "us-congress"},
	})
	assert.NoError(t, err)
	assert.Empty(t, executor.executed)
}

func TestProcessJobExecutesRun(t *testing.T) {
	executor := &fakeExecutor{}
	p := newTestProcessor(executor)
	runID := uuid.New()

	err := p.processJob(context.Background(), jobItem{
		message: redis.StreamMessage{ID: "1-0"},
		job:     &redis.RunJob{ID: "job", SourceID: "us-congress", RunID: runID.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{runID}, executor.executed)
}

func TestProcessJobReturnsExecutionErrorForRetry(t *testing.T) {
	executor := &fakeExecutor{executeErr: errors.New("source on fire")}
	p := newTestProcessor(executor)

	err := p.processJob(context.Background(), jobItem{
		message: redis.StreamMessage{ID: "1-0"},
		job:     &redis.RunJob{ID: "job", SourceID: "us-congress", RunID: uuid.New().String()},
	})
	assert.Error(t, err)
}

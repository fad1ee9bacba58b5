package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeRunStates struct {
	states map[string]SourceRunState
}

func (f *fakeRunStates) ListRunStates(_ context.Context, _ []string) (map[string]SourceRunState, error) {
	return f.states, nil
}

func descriptor(id, schedule string) *models.SourceDescriptor {
	return &models.SourceDescriptor{
		ID:           id,
		Kind:         models.SourceKindCongressAPI,
		BaseURL:      "https://api.example.gov",
		Jurisdiction: "us-federal",
		EntityTypes:  []string{"bill"},
		Schedule:     schedule,
	}
}

func newTestScheduler(descriptors []*models.SourceDescriptor, states map[string]SourceRunState) *Scheduler {
	repo := &fakeRunStates{states: states}
	return NewScheduler(descriptors, repo, nil, nil, DefaultConfig(), testLogger())
}

func TestListDueSources(t *testing.T) {
	longAgo := time.Now().Add(-7 * time.Hour)
	recently := time.Now().Add(-time.Hour)

	tests := []struct {
		name    string
		desc    *models.SourceDescriptor
		state   *SourceRunState
		wantDue bool
	}{
		{
			name:    "source with no run history is due",
			desc:    descriptor("fresh", "6h"),
			wantDue: true,
		},
		{
			name:    "source with an active run is never due",
			desc:    descriptor("busy", "6h"),
			state:   &SourceRunState{SourceID: "busy", LastStartedAt: &recently, Active: true},
			wantDue: false,
		},
		{
			name:    "interval elapsed",
			desc:    descriptor("stale", "6h"),
			state:   &SourceRunState{SourceID: "stale", LastStartedAt: &longAgo},
			wantDue: true,
		},
		{
			name:    "interval not yet elapsed",
			desc:    descriptor("current", "6h"),
			state:   &SourceRunState{SourceID: "current", LastStartedAt: &recently},
			wantDue: false,
		},
		{
			name:    "runs exist but none ever started",
			desc:    descriptor("never-started", "6h"),
			state:   &SourceRunState{SourceID: "never-started"},
			wantDue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := map[string]SourceRunState{}
			if tt.state != nil {
				states[tt.desc.ID] = *tt.state
			}
			s := newTestScheduler([]*models.SourceDescriptor{tt.desc}, states)

			due, err := s.listDueSources(context.Background())
			require.NoError(t, err)

			if tt.wantDue {
				require.Len(t, due, 1)
				assert.Equal(t, tt.desc.ID, due[0].ID)
			} else {
				assert.Empty(t, due)
			}
		})
	}
}

func TestListDueSourcesMixed(t *testing.T) {
	longAgo := time.Now().Add(-13 * time.Hour)
	descriptors := []*models.SourceDescriptor{
		descriptor("us-congress", "6h"),
		descriptor("ny-statefeed", "12h"),
	}
	states := map[string]SourceRunState{
		"us-congress":  {SourceID: "us-congress", LastStartedAt: &longAgo, Active: true},
		"ny-statefeed": {SourceID: "ny-statefeed", LastStartedAt: &longAgo},
	}

	s := newTestScheduler(descriptors, states)
	due, err := s.listDueSources(context.Background())
	require.NoError(t, err)

	require.Len(t, due, 1)
	assert.Equal(t, "ny-statefeed", due[0].ID)
}

func TestInterval(t *testing.T) {
	s := newTestScheduler(nil, nil)

	tests := []struct {
		name     string
		schedule string
		want     time.Duration
	}{
		{name: "explicit schedule", schedule: "12h", want: 12 * time.Hour},
		{name: "empty schedule uses default", schedule: "", want: DefaultInterval},
		{name: "unparseable schedule uses default", schedule: "fortnightly", want: DefaultInterval},
		{name: "non-positive schedule uses default", schedule: "-1h", want: DefaultInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.interval(descriptor("x", tt.schedule)))
		})
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := newTestScheduler(nil, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
}

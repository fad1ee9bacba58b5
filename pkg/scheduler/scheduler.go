package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrSchedulerAlreadyRunning is returned when starting an already running scheduler
var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	// DefaultPollInterval is the default interval between scheduling cycles
	DefaultPollInterval = 30 * time.Second

	// DefaultLockTTL is the default TTL for per-source scheduling locks
	DefaultLockTTL = 60 * time.Second

	// DefaultInterval applies to descriptors with no schedule of their own
	DefaultInterval = 6 * time.Hour

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "scheduler:source:"
)

// RunStateRepository reports each source's run history
type RunStateRepository interface {
	ListRunStates(ctx context.Context, sourceIDs []string) (map[string]SourceRunState, error)
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to check for due sources
	PollInterval time.Duration

	// LockTTL is how long to hold a per-source scheduling lock
	LockTTL time.Duration

	// JobQueue is the Redis Streams queue name
	JobQueue string
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		JobQueue:     "fern:runs",
	}
}

// Scheduler enqueues fetch runs for sources whose schedule interval has
// elapsed. Multiple scheduler instances coordinate through per-source redis
// locks; the database's one-active-run constraint is the final arbiter.
type Scheduler struct {
	descriptors []*models.SourceDescriptor
	repo        RunStateRepository
	streams     *redis.Streams
	locker      *redis.Locker
	config      Config
	logger      ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(
	descriptors []*models.SourceDescriptor,
	repo RunStateRepository,
	streams *redis.Streams,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.JobQueue == "" {
		config.JobQueue = "fern:runs"
	}

	return &Scheduler{
		descriptors: descriptors,
		repo:        repo,
		streams:     streams,
		locker:      locker,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Scheduler.Start")
	defer span.End()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s sources=%d",
		s.config.PollInterval, len(s.descriptors))

	go s.pollLoop(ctx)

	s.logger.WithContext(ctx).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler gracefully
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping scheduler...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop continuously polls for due sources
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runSchedulingCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Scheduler poll loop stopping")
			return
		case <-ticker.C:
			s.runSchedulingCycle(ctx)
		}
	}
}

// runSchedulingCycle runs a single scheduling cycle
func (s *Scheduler) runSchedulingCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.runSchedulingCycle")
	defer span.End()

	start := time.Now()
	s.logger.WithContext(ctx).Debug("Running scheduling cycle")

	due, err := s.listDueSources(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list due sources")
		return
	}

	if len(due) == 0 {
		s.logger.WithContext(ctx).Debug("No sources due")
		return
	}

	s.logger.WithContext(ctx).Infof("Found %d sources due for a fetch run", len(due))

	scheduled := 0
	skipped := 0
	for _, desc := range due {
		if err := s.scheduleSource(ctx, desc); err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				skipped++
				continue
			}
			s.logger.WithContext(ctx).WithError(err).Warnf("Failed to schedule source %s", desc.ID)
			continue
		}
		scheduled++
		metrics.SchedulerRunsScheduled.Inc()
	}

	s.logger.WithContext(ctx).Infof("Scheduling cycle completed: scheduled=%d skipped=%d duration=%s",
		scheduled, skipped, time.Since(start))
}

// listDueSources returns descriptors whose schedule interval has elapsed and
// that have no active run
func (s *Scheduler) listDueSources(ctx context.Context) ([]*models.SourceDescriptor, error) {
	ids := make([]string, 0, len(s.descriptors))
	for _, desc := range s.descriptors {
		ids = append(ids, desc.ID)
	}

	states, err := s.repo.ListRunStates(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var due []*models.SourceDescriptor
	for _, desc := range s.descriptors {
		state, hasRuns := states[desc.ID]
		if hasRuns && state.Active {
			continue
		}
		if !hasRuns || state.LastStartedAt == nil {
			due = append(due, desc)
			continue
		}
		if now.Sub(*state.LastStartedAt) >= s.interval(desc) {
			due = append(due, desc)
		}
	}
	return due, nil
}

// interval returns the descriptor's schedule interval, falling back to the
// default when unset or unparseable
func (s *Scheduler) interval(desc *models.SourceDescriptor) time.Duration {
	if desc.Schedule == "" {
		return DefaultInterval
	}
	every, err := time.ParseDuration(desc.Schedule)
	if err != nil || every <= 0 {
		s.logger.Warnf("Source %s has invalid schedule %q, using default", desc.ID, desc.Schedule)
		return DefaultInterval
	}
	return every
}

// scheduleSource enqueues a fetch run job for one source
func (s *Scheduler) scheduleSource(ctx context.Context, desc *models.SourceDescriptor) error {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.scheduleSource")
	defer span.End()

	// The lock only dedupes schedulers racing within a poll cycle; the
	// queue processor hits the one-active-run constraint past that
	lock, err := s.locker.Acquire(ctx, LockKeyPrefix+desc.ID, s.config.LockTTL)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	ctx = appctx.SetSourceID(ctx, desc.ID)

	job := &redis.RunJob{
		ID:       uuid.New().String(),
		SourceID: desc.ID,
		Trigger:  string(models.RunTriggerScheduled),
	}

	messageID, err := s.streams.Publish(ctx, s.config.JobQueue, job)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish run job for source %s", desc.ID)
		return err
	}

	s.logger.WithContext(ctx).Infof("Scheduled fetch run for source %s (message_id=%s)", desc.ID, messageID)
	return nil
}

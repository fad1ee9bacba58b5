package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrInvalidJobMessage is returned when a queued job can't be parsed
var ErrInvalidJobMessage = errors.New("invalid job message")

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of delivery attempts before a job is dropped
	DefaultMaxRetries = 3

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 2 * time.Minute
)

// RunExecutor creates and drives fetch runs
type RunExecutor interface {
	Trigger(ctx context.Context, sourceID string, trigger models.RunTrigger) (*models.FetchRun, error)
	Execute(ctx context.Context, runID uuid.UUID) error
}

// ProcessorConfig holds configuration for the run job processor
type ProcessorConfig struct {
	// Stream name for the run job queue
	Stream string

	// Consumer group name
	ConsumerGroup string

	// Consumer name (unique per instance)
	ConsumerName string

	// Number of messages to fetch per batch
	BatchSize int64

	// How long to block waiting for new messages
	BlockTimeout time.Duration

	// Delivery attempts before a job is dropped
	MaxRetries int

	// How often to check for and claim stale pending messages
	ClaimInterval time.Duration

	// Minimum idle time before claiming a pending message
	ClaimMinIdle time.Duration

	// Number of worker goroutines
	WorkerCount int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "fern:runs",
		ConsumerGroup: "fern-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// Processor consumes run jobs from a Redis Streams queue and executes them.
// Runs are long-lived, so each worker handles one run at a time; the claim
// loop's min idle must exceed the longest expected run.
type Processor struct {
	streams  *redis.Streams
	executor RunExecutor
	config   ProcessorConfig
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan jobItem

	running bool
	mu      sync.RWMutex
}

type jobItem struct {
	message redis.StreamMessage
	job     *redis.RunJob
}

// NewProcessor creates a new run job processor
func NewProcessor(streams *redis.Streams, executor RunExecutor, config ProcessorConfig, logger ectologger.Logger) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		executor: executor,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan jobItem, config.BatchSize*2),
	}
}

// Start starts the processor
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting run processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	wg.Add(1)
	go p.consumeLoop(ctx, &wg)

	wg.Add(1)
	go p.claimLoop(ctx, &wg)

	go func() {
		<-p.stopCh
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Run processor started")
	return nil
}

// Stop stops the processor gracefully
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping run processor...")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Run processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Run processor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// consumeLoop continuously consumes messages from the stream
func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debug("Consumer loop started")

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Consumer loop stopping")
			return
		default:
		}

		messages, err := p.streams.Consume(
			ctx,
			p.config.Stream,
			p.config.ConsumerGroup,
			p.config.ConsumerName,
			p.config.BatchSize,
			p.config.BlockTimeout,
		)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			time.Sleep(time.Second) // Back off on error
			continue
		}

		for _, msg := range messages {
			job, err := p.parseRunJob(msg)
			if err != nil {
				p.logger.WithContext(ctx).WithError(err).Warnf("Failed to parse job message %s", msg.ID)
				// Ack invalid messages so they aren't redelivered forever
				if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); ackErr != nil {
					p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack invalid message %s", msg.ID)
				}
				continue
			}

			select {
			case p.jobsCh <- jobItem{message: msg, job: job}:
			case <-p.stopCh:
				return
			}
		}
	}
}

// claimLoop periodically claims stale pending messages
func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	p.logger.WithContext(ctx).Debug("Claim loop started")

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Claim loop stopping")
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages claims stale pending messages from dead consumers.
// A run interrupted mid-flight stays pending; re-execution is safe because
// runs past the pending state are skipped.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	if len(pending) == 0 {
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount > int64(p.config.MaxRetries) {
			p.logger.WithContext(ctx).Warnf("Message %s exceeded max retries (%d), dropping", msg.ID, msg.RetryCount)
			metrics.RecordQueueJob("dropped")
			if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); ackErr != nil {
				p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack dropped message %s", msg.ID)
			}
			continue
		}
		staleIDs = append(staleIDs, msg.ID)
	}

	if len(staleIDs) == 0 {
		return
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		job, err := p.parseRunJob(msg)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("Failed to parse claimed job message %s", msg.ID)
			continue
		}

		select {
		case p.jobsCh <- jobItem{message: msg, job: job}:
		case <-p.stopCh:
			return
		default:
			// Channel full, the next claim pass will pick it up
		}
	}
}

// worker processes jobs from the channel
func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for item := range p.jobsCh {
		err := p.processJob(ctx, item)

		if err == nil {
			if ackErr := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, item.message.ID); ackErr != nil {
				p.logger.WithContext(ctx).WithError(ackErr).Warnf("Failed to ack message %s", item.message.ID)
			}
		} else {
			// Left pending; the claim loop redelivers after ClaimMinIdle
			p.logger.WithContext(ctx).WithError(err).Warnf("Job %s failed, will be retried", item.job.ID)
		}
	}

	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// processJob executes one run job
func (p *Processor) processJob(ctx context.Context, item jobItem) error {
	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	start := time.Now()
	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	ctx = appctx.SetRequestID(ctx, item.job.ID)
	ctx = appctx.SetSourceID(ctx, item.job.SourceID)

	runID, err := p.resolveRun(ctx, item.job)
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyRunning) {
			// Another run for this source is already active; nothing to retry
			p.logger.WithContext(ctx).Infof("Source %s already has an active run, acking job %s", item.job.SourceID, item.job.ID)
			metrics.RecordQueueJob("skipped")
			return nil
		}
		if errors.Is(err, errDropJob) {
			metrics.RecordQueueJob("invalid")
			return nil
		}
		metrics.RecordQueueJob("failed")
		return err
	}
	ctx = appctx.SetRunID(ctx, runID.String())

	p.logger.WithContext(ctx).Infof("Processing run %s for source %s", runID, item.job.SourceID)

	err = p.executor.Execute(ctx, runID)
	duration := time.Since(start)

	if err != nil {
		metrics.RecordQueueJob("failed")
		p.logger.WithContext(ctx).WithError(err).Warnf("Run %s failed after %s", runID, duration)
		return err
	}

	metrics.RecordQueueJob("succeeded")
	p.logger.WithContext(ctx).Infof("Run %s completed in %s", runID, duration)
	return nil
}

// errDropJob marks jobs that can never succeed; they are acked, not retried
var errDropJob = errors.New("dropping unprocessable job")

// resolveRun returns the run to execute. Manual jobs carry the run ID the
// API already created; scheduled jobs name only the source and the run is
// created here.
func (p *Processor) resolveRun(ctx context.Context, job *redis.RunJob) (uuid.UUID, error) {
	if job.RunID != "" {
		runID, err := uuid.Parse(job.RunID)
		if err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("Job %s has invalid run_id %q, dropping", job.ID, job.RunID)
			return uuid.Nil, errDropJob
		}
		return runID, nil
	}

	trigger := models.RunTrigger(job.Trigger)
	if trigger == "" {
		trigger = models.RunTriggerScheduled
	}

	run, err := p.executor.Trigger(ctx, job.SourceID, trigger)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownSource) {
			p.logger.WithContext(ctx).Warnf("Job %s names unknown source %q, dropping", job.ID, job.SourceID)
			return uuid.Nil, errDropJob
		}
		return uuid.Nil, err
	}
	return run.ID, nil
}

// parseRunJob parses a stream message into a RunJob
func (p *Processor) parseRunJob(msg redis.StreamMessage) (*redis.RunJob, error) {
	jobBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobMessage, err)
	}

	var job redis.RunJob
	if err := json.Unmarshal(jobBytes, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobMessage, err)
	}
	if job.RunID == "" && job.SourceID == "" {
		return nil, fmt.Errorf("%w: missing run_id and source_id", ErrInvalidJobMessage)
	}

	return &job, nil
}

// PublishRun enqueues a run for execution
func PublishRun(ctx context.Context, streams *redis.Streams, stream string, run *models.FetchRun) (string, error) {
	job := &redis.RunJob{
		ID:       uuid.New().String(),
		SourceID: run.SourceID,
		RunID:    run.ID.String(),
		Trigger:  string(run.Trigger),
	}

	return streams.Publish(ctx, stream, job)
}

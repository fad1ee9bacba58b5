package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/artifacts"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalize"
	"github.com/Ramsey-B/fern/pkg/sources"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/upsert"
)

// ErrUnknownSource is returned when a trigger names a source the descriptor
// file doesn't define
var ErrUnknownSource = errors.New("unknown source")

// RunRepository is the fetch run persistence the orchestrator needs
type RunRepository interface {
	Create(ctx context.Context, run *models.FetchRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FetchRun, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	SaveProgress(ctx context.Context, id uuid.UUID, checkpoint json.RawMessage, counts models.RunCounts) error
	MarkCompleted(ctx context.Context, id uuid.UUID, status models.RunStatus, counts models.RunCounts, checkpoint json.RawMessage, errorMsg *string) error
	LastCheckpoint(ctx context.Context, sourceID string) (json.RawMessage, error)
}

// ManifestRepository records stored artifacts
type ManifestRepository interface {
	Insert(ctx context.Context, manifest *models.ArtifactManifest) error
}

// Upserter reconciles normalized records against the store
type Upserter interface {
	Apply(ctx context.Context, in upsert.Input) (*upsert.Result, error)
	RecordRejection(ctx context.Context, runID uuid.UUID, jurisdiction, entityType, naturalKey, artifactDigest, reason string) error
}

// EventPublisher announces terminal runs to downstream consumers
type EventPublisher interface {
	PublishRunCompleted(ctx context.Context, msg *models.RunCompletedMessage) error
}

// Config bounds run execution
type Config struct {
	MaxRunTime         time.Duration
	AdapterCallTimeout time.Duration
	UpsertTimeout      time.Duration
	// Docs between checkpoint persists
	ProgressEvery int
}

// Orchestrator drives the fetch -> store -> normalize -> upsert pipeline for
// one run at a time per source. The fetch_runs partial unique index enforces
// the one-active-run guarantee; the orchestrator only surfaces it.
type Orchestrator struct {
	cfg       Config
	adapters  map[string]sources.Adapter
	registry  *normalize.Registry
	store     artifacts.Store
	runs      RunRepository
	manifests ManifestRepository
	upserter  Upserter
	events    EventPublisher
	logger    ectologger.Logger
}

// New creates a new Orchestrator
func New(cfg Config, adapters map[string]sources.Adapter, registry *normalize.Registry, store artifacts.Store,
	runs RunRepository, manifests ManifestRepository, upserter Upserter, events EventPublisher,
	logger ectologger.Logger) *Orchestrator {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 25
	}
	return &Orchestrator{
		cfg:       cfg,
		adapters:  adapters,
		registry:  registry,
		store:     store,
		runs:      runs,
		manifests: manifests,
		upserter:  upserter,
		events:    events,
		logger:    logger,
	}
}

// Trigger creates a pending run for a source. Returns
// repositories.ErrAlreadyRunning (via the run store) when the source already
// has a non-terminal run.
func (o *Orchestrator) Trigger(ctx context.Context, sourceID string, trigger models.RunTrigger) (*models.FetchRun, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Trigger")
	defer span.End()

	if _, ok := o.adapters[sourceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	if trigger == "" {
		trigger = models.RunTriggerManual
	}

	run := &models.FetchRun{
		SourceID: sourceID,
		Status:   models.RunStatusPending,
		Trigger:  trigger,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":    run.ID,
		"source_id": sourceID,
		"trigger":   trigger,
	}).Info("Triggered fetch run")
	return run, nil
}

type fetchResult struct {
	doc *sources.Document
	err error
}

// Execute runs a pending fetch run to a terminal state. Safe to call twice
// with the same run ID: a run past pending is skipped.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Execute")
	defer span.End()

	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPending {
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"run_id": runID,
			"status": run.Status,
		}).Warn("Skipping run not in pending state")
		return nil
	}

	adapter, ok := o.adapters[run.SourceID]
	if !ok {
		msg := fmt.Sprintf("source %s is not configured", run.SourceID)
		return o.runs.MarkCompleted(ctx, runID, models.RunStatusFailed, models.RunCounts{}, nil, &msg)
	}
	desc := adapter.Descriptor()

	if o.cfg.MaxRunTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.MaxRunTime)
		defer cancel()
	}

	checkpoint := run.Checkpoint
	if len(checkpoint) == 0 {
		checkpoint, err = o.runs.LastCheckpoint(ctx, run.SourceID)
		if err != nil {
			return err
		}
	}

	if err := o.runs.MarkRunning(ctx, runID); err != nil {
		return err
	}
	started := time.Now()

	counts, finalCheckpoint, fatalErr := o.processDocuments(ctx, run, adapter, checkpoint)

	status := models.RunStatusSucceeded
	var errMsg *string
	if fatalErr != nil {
		msg := fatalErr.Error()
		errMsg = &msg
		if counts.DocsFetched == 0 {
			status = models.RunStatusFailed
		} else {
			status = models.RunStatusPartial
		}
	}

	// Terminal persistence must outlive a cancelled run context
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	if err := o.runs.MarkCompleted(finishCtx, runID, status, counts, finalCheckpoint, errMsg); err != nil {
		return err
	}

	metrics.RecordFetchRun(run.SourceID, string(status), time.Since(started).Seconds())

	if o.events != nil {
		event := &models.RunCompletedMessage{
			RunID:        runID,
			SourceID:     run.SourceID,
			Jurisdiction: desc.Jurisdiction,
			Status:       status,
			Counts:       counts,
			StartedAt:    started,
			CompletedAt:  time.Now(),
		}
		if err := o.events.PublishRunCompleted(finishCtx, event); err != nil {
			// The run already reached its terminal state; the event is best effort
			o.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish run event for %s", runID)
		}
	}

	o.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":    runID,
		"source_id": run.SourceID,
		"status":    status,
		"fetched":   counts.DocsFetched,
		"inserted":  counts.RowsInserted,
		"updated":   counts.RowsUpdated,
		"unchanged": counts.RowsUnchanged,
		"rejected":  counts.DocsRejected,
	}).Infof("Fetch run completed: %s", status)
	return nil
}

// processDocuments drives the pipeline. Fetching runs one document ahead of
// normalize/upsert; upserts stay in fetch order so fingerprint comparisons
// for the same natural key remain meaningful. The returned checkpoint is the
// stream's final position: nil once the stream is exhausted, so a completed
// enumeration never leaves a resume point behind.
func (o *Orchestrator) processDocuments(ctx context.Context, run *models.FetchRun, adapter sources.Adapter, checkpoint json.RawMessage) (models.RunCounts, json.RawMessage, error) {
	var counts models.RunCounts
	desc := adapter.Descriptor()

	stream, err := o.openStream(ctx, adapter, checkpoint)
	if err != nil {
		return counts, nil, err
	}
	defer stream.Close()

	fetchCh := make(chan fetchResult, 1)
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()

	go o.fetchLoop(fetchCtx, desc, stream, fetchCh)

	sinceProgress := 0
	for res := range fetchCh {
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return counts, stream.Checkpoint(), nil
			}
			return counts, stream.Checkpoint(), res.err
		}

		if err := o.processDocument(ctx, run, desc, res.doc, &counts); err != nil {
			return counts, stream.Checkpoint(), err
		}

		sinceProgress++
		if sinceProgress >= o.cfg.ProgressEvery {
			sinceProgress = 0
			if err := o.runs.SaveProgress(ctx, run.ID, stream.Checkpoint(), counts); err != nil {
				o.logger.WithContext(ctx).WithError(err).Warn("Failed to save run progress")
			}
		}
	}

	// Channel closed without EOF: the run context was cancelled
	return counts, stream.Checkpoint(), ctx.Err()
}

// openStream opens the adapter stream, retrying transient failures per the
// descriptor's retry policy
func (o *Orchestrator) openStream(ctx context.Context, adapter sources.Adapter, checkpoint json.RawMessage) (sources.DocumentStream, error) {
	desc := adapter.Descriptor()

	var lastErr error
	for attempt := 0; attempt < desc.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.waitRetry(ctx, desc, attempt-1, lastErr); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := o.adapterContext(ctx)
		stream, err := adapter.Open(callCtx, checkpoint)
		cancel()
		if err == nil {
			return stream, nil
		}
		if !sources.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// fetchLoop pulls documents one ahead of processing, retrying transient
// failures. It closes the channel when done; the final send is io.EOF on
// clean exhaustion or the terminal error.
func (o *Orchestrator) fetchLoop(ctx context.Context, desc *models.SourceDescriptor, stream sources.DocumentStream, out chan<- fetchResult) {
	defer close(out)

	for {
		// Cooperative cancellation between documents
		if ctx.Err() != nil {
			return
		}

		doc, err := o.nextWithRetry(ctx, desc, stream)
		if err != nil {
			select {
			case out <- fetchResult{err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- fetchResult{doc: doc}:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) nextWithRetry(ctx context.Context, desc *models.SourceDescriptor, stream sources.DocumentStream) (*sources.Document, error) {
	var lastErr error
	for attempt := 0; attempt < desc.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.waitRetry(ctx, desc, attempt-1, lastErr); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := o.adapterContext(ctx)
		doc, err := stream.Next(callCtx)
		cancel()
		if err == nil {
			return doc, nil
		}
		if errors.Is(err, io.EOF) || !sources.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// waitRetry sleeps for the backoff delay, honoring a mandated Retry-After
// over the computed delay
func (o *Orchestrator) waitRetry(ctx context.Context, desc *models.SourceDescriptor, attempt int, cause error) error {
	delay := backoffDelay(attempt, desc.Retry.InitialBackoff.Std(), desc.Retry.MaxBackoff.Std())

	var rle *sources.RateLimitedError
	if errors.As(cause, &rle) && rle.RetryAfter > delay {
		delay = rle.RetryAfter
	}

	o.logger.WithContext(ctx).Debugf("Retrying source %s in %v after: %v", desc.ID, delay, cause)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (o *Orchestrator) adapterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.AdapterCallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.AdapterCallTimeout)
}

// processDocument stores, normalizes and upserts one document. Per-record
// failures are tallied, never fatal; only storage quota or store outage past
// retries aborts the run.
func (o *Orchestrator) processDocument(ctx context.Context, run *models.FetchRun, desc *models.SourceDescriptor, doc *sources.Document, counts *models.RunCounts) error {
	counts.DocsFetched++
	metrics.DocumentsFetched.WithLabelValues(desc.ID, doc.EntityType).Inc()

	digest, err := o.putWithRetry(ctx, desc, doc)
	if err != nil {
		return err
	}
	metrics.ArtifactBytesStored.WithLabelValues(desc.ID).Add(float64(len(doc.Body)))

	manifest := &models.ArtifactManifest{
		Digest:      digest,
		RunID:       run.ID,
		SourceID:    desc.ID,
		EntityType:  doc.EntityType,
		ExternalID:  doc.ExternalID,
		ContentType: doc.ContentType,
		SizeBytes:   int64(len(doc.Body)),
		FetchedAt:   doc.FetchedAt,
	}
	if err := o.manifests.Insert(ctx, manifest); err != nil {
		return err
	}

	normalizer, err := o.registry.Lookup(desc.Kind, doc.EntityType)
	if err != nil {
		counts.DocsRejected++
		metrics.NormalizationRejects.WithLabelValues(desc.ID, doc.EntityType).Inc()
		return o.upserter.RecordRejection(ctx, run.ID, desc.Jurisdiction, doc.EntityType, doc.ExternalID, digest, err.Error())
	}

	records, err := normalizer.Normalize(doc.Body)
	if err != nil {
		var nerr *normalize.NormalizationError
		if !errors.As(err, &nerr) {
			return err
		}
		counts.DocsRejected++
		metrics.NormalizationRejects.WithLabelValues(desc.ID, doc.EntityType).Inc()
		return o.upserter.RecordRejection(ctx, run.ID, desc.Jurisdiction, doc.EntityType, doc.ExternalID, digest, nerr.Error())
	}
	counts.DocsNormalized++

	for _, record := range records {
		upsertCtx, cancel := o.upsertContext(ctx)
		result, err := o.upserter.Apply(upsertCtx, upsert.Input{
			RunID:          run.ID,
			Jurisdiction:   desc.Jurisdiction,
			Record:         record,
			ArtifactDigest: digest,
		})
		cancel()
		if err != nil {
			o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"natural_key": record.NaturalKey,
			}).Error("failed to upsert record")
			counts.DocsRejected++
			continue
		}

		metrics.RecordUpsertAction(desc.ID, record.EntityType, string(result.Action))
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

	return nil
}

func (o *Orchestrator) upsertContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.UpsertTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.UpsertTimeout)
}

// putWithRetry stores the raw payload, retrying transient storage failures.
// Quota exhaustion is fatal and never retried.
func (o *Orchestrator) putWithRetry(ctx context.Context, desc *models.SourceDescriptor, doc *sources.Document) (string, error) {
	var lastErr error
	for attempt := 0; attempt < desc.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.waitRetry(ctx, desc, attempt-1, lastErr); err != nil {
				return "", err
			}
		}

		digest, err := o.store.Put(ctx, doc.Body)
		if err == nil {
			return digest, nil
		}
		if errors.Is(err, artifacts.ErrQuotaExceeded) {
			return "", err
		}
		var unavail *artifacts.StorageUnavailableError
		if !errors.As(err, &unavail) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

package handlers

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RunTriggerer creates pending fetch runs
type RunTriggerer interface {
	Trigger(ctx context.Context, sourceID string, trigger models.RunTrigger) (*models.FetchRun, error)
}

// SourceHandler serves the source catalog and manual run triggers
type SourceHandler struct {
	descriptors []*models.SourceDescriptor
	triggerer   RunTriggerer
	streams     *redis.Streams
	jobQueue    string
	logger      ectologger.Logger
}

// NewSourceHandler creates a new source handler
func NewSourceHandler(
	descriptors []*models.SourceDescriptor,
	triggerer RunTriggerer,
	streams *redis.Streams,
	jobQueue string,
	logger ectologger.Logger,
) *SourceHandler {
	return &SourceHandler{
		descriptors: descriptors,
		triggerer:   triggerer,
		streams:     streams,
		jobQueue:    jobQueue,
		logger:      logger,
	}
}

// Register registers source routes
func (h *SourceHandler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.POST("/:id/runs", h.TriggerRun)
}

// sourceView is the API shape of a descriptor; API key env names stay private
type sourceView struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	BaseURL      string   `json:"base_url"`
	Jurisdiction string   `json:"jurisdiction"`
	EntityTypes  []string `json:"entity_types"`
	Schedule     string   `json:"schedule,omitempty"`
}

func toSourceView(desc *models.SourceDescriptor) sourceView {
	return sourceView{
		ID:           desc.ID,
		Kind:         string(desc.Kind),
		BaseURL:      desc.BaseURL,
		Jurisdiction: desc.Jurisdiction,
		EntityTypes:  desc.EntityTypes,
		Schedule:     desc.Schedule,
	}
}

// List returns all configured sources
func (h *SourceHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SourceHandler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	views := make([]sourceView, 0, len(h.descriptors))
	for _, desc := range h.descriptors {
		views = append(views, toSourceView(desc))
	}
	return SuccessResponse(c, views)
}

// GetByID returns a single source
func (h *SourceHandler) GetByID(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SourceHandler.GetByID")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id := c.Param("id")
	for _, desc := range h.descriptors {
		if desc.ID == id {
			return SuccessResponse(c, toSourceView(desc))
		}
	}
	return NotFound("source not found: " + id)
}

// TriggerRun creates a manual fetch run for a source and enqueues it
func (h *SourceHandler) TriggerRun(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SourceHandler.TriggerRun")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	sourceID := c.Param("id")

	var req models.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.RunTriggerManual
	}

	run, err := h.triggerer.Trigger(ctx, sourceID, trigger)
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyRunning) {
			return Conflict("source already has an active run")
		}
		if errors.Is(err, orchestrator.ErrUnknownSource) {
			return NotFound("source not found: " + sourceID)
		}
		h.logger.WithContext(ctx).WithError(err).Error("Failed to trigger run")
		return err
	}

	if _, err := queue.PublishRun(ctx, h.streams, h.jobQueue, run); err != nil {
		// Run exists in pending state; the stale-run reaper will fail it if
		// nothing ever picks it up
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to enqueue run %s", run.ID)
		return err
	}

	return CreatedResponse(c, run)
}

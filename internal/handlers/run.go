package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RunHandler serves fetch run listing and detail endpoints
type RunHandler struct {
	runs    *repositories.FetchRunRepository
	lineage *repositories.LineageRepository
	logger  ectologger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(
	runs *repositories.FetchRunRepository,
	lineage *repositories.LineageRepository,
	logger ectologger.Logger,
) *RunHandler {
	return &RunHandler{
		runs:    runs,
		lineage: lineage,
		logger:  logger,
	}
}

// Register registers run routes
func (h *RunHandler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.GET("/:id/lineage", h.ListLineage)
}

// List returns runs for a source, newest first
func (h *RunHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RunHandler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	sourceID := c.QueryParam("source_id")
	if sourceID == "" {
		return BadRequest("source_id query parameter is required")
	}

	page, pageSize := Pagination(c)
	runs, err := h.runs.ListBySource(ctx, sourceID, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list runs")
		return err
	}

	return SuccessResponse(c, models.RunListResponse{
		Items:      runs,
		TotalCount: len(runs),
		Page:       page,
		PageSize:   pageSize,
	})
}

// GetByID returns a single run
func (h *RunHandler) GetByID(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RunHandler.GetByID")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	run, err := h.runs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, run)
}

// ListLineage returns the lineage entries written during a run
func (h *RunHandler) ListLineage(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RunHandler.ListLineage")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	page, pageSize := Pagination(c)
	entries, err := h.lineage.ListByRun(ctx, id, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list run lineage")
		return err
	}
	return SuccessResponse(c, entries)
}

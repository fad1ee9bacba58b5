package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RecordHandler serves canonical records and their lineage
type RecordHandler struct {
	records *repositories.CanonicalRecordRepository
	lineage *repositories.LineageRepository
	logger  ectologger.Logger
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(
	records *repositories.CanonicalRecordRepository,
	lineage *repositories.LineageRepository,
	logger ectologger.Logger,
) *RecordHandler {
	return &RecordHandler{
		records: records,
		lineage: lineage,
		logger:  logger,
	}
}

// Register registers record and lineage routes
func (h *RecordHandler) Register(records, lineage *echo.Group) {
	records.GET("", h.List)
	records.GET("/:id", h.GetByID)
	lineage.GET("", h.ListLineage)
}

// List returns canonical records filtered by jurisdiction and entity type
func (h *RecordHandler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordHandler.List")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	jurisdiction := c.QueryParam("jurisdiction")
	entityType := c.QueryParam("entity_type")
	if jurisdiction == "" || entityType == "" {
		return BadRequest("jurisdiction and entity_type query parameters are required")
	}

	page, pageSize := Pagination(c)
	records, err := h.records.List(ctx, jurisdiction, entityType, pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list records")
		return err
	}
	return SuccessResponse(c, records)
}

// GetByID returns a single canonical record
func (h *RecordHandler) GetByID(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordHandler.GetByID")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	record, err := h.records.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, record)
}

// ListLineage returns the full write history for one natural key
func (h *RecordHandler) ListLineage(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RecordHandler.ListLineage")
	defer span.End()
	c.SetRequest(c.Request().WithContext(ctx))

	jurisdiction := c.QueryParam("jurisdiction")
	entityType := c.QueryParam("entity_type")
	naturalKey := c.QueryParam("natural_key")
	if jurisdiction == "" || entityType == "" || naturalKey == "" {
		return BadRequest("jurisdiction, entity_type and natural_key query parameters are required")
	}

	entries, err := h.lineage.ListByNaturalKey(ctx, jurisdiction, entityType, naturalKey)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list lineage")
		return err
	}
	return SuccessResponse(c, entries)
}

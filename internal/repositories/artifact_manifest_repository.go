package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const artifactManifestsTable = "artifact_manifests"

var artifactManifestStruct = database.NewStruct(new(models.ArtifactManifest))

// ArtifactManifestRepository handles database operations for artifact manifests
type ArtifactManifestRepository struct {
	*Repository
}

// NewArtifactManifestRepository creates a new artifact manifest repository
func NewArtifactManifestRepository(db database.DB, logger ectologger.Logger) *ArtifactManifestRepository {
	return &ArtifactManifestRepository{
		Repository: NewRepository(db, logger),
	}
}

// Insert records one stored artifact. Re-fetching identical content is a
// no-op: the digest uniqueness makes the insert idempotent.
func (r *ArtifactManifestRepository) Insert(ctx context.Context, manifest *models.ArtifactManifest) error {
	ctx, span := tracing.StartSpan(ctx, "ArtifactManifestRepository.Insert")
	defer span.End()

	if manifest.ID == uuid.Nil {
		manifest.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(artifactManifestsTable).
		Cols("id", "digest", "run_id", "source_id", "entity_type", "external_id",
			"content_type", "size_bytes", "fetched_at", "created_at").
		Values(manifest.ID, manifest.Digest, manifest.RunID, manifest.SourceID, manifest.EntityType, manifest.ExternalID,
			manifest.ContentType, manifest.SizeBytes, manifest.FetchedAt, sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing("digest")

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"digest": manifest.Digest,
		}).Error("failed to insert artifact manifest")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert artifact manifest")
	}

	return nil
}

// GetByDigest retrieves the manifest for a stored artifact
func (r *ArtifactManifestRepository) GetByDigest(ctx context.Context, digest string) (*models.ArtifactManifest, error) {
	ctx, span := tracing.StartSpan(ctx, "ArtifactManifestRepository.GetByDigest")
	defer span.End()

	sb := artifactManifestStruct.SelectFrom(artifactManifestsTable)
	sb.Where(sb.Equal("digest", digest))

	query, args := sb.Build()
	var manifest models.ArtifactManifest
	err := r.DB().GetContext(ctx, &manifest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("artifact %s does not exist", digest)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"digest": digest,
		}).Error("failed to get artifact manifest")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get artifact manifest")
	}

	return &manifest, nil
}

// ListByRun retrieves manifests recorded during a run
func (r *ArtifactManifestRepository) ListByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]models.ArtifactManifest, error) {
	ctx, span := tracing.StartSpan(ctx, "ArtifactManifestRepository.ListByRun")
	defer span.End()

	sb := artifactManifestStruct.SelectFrom(artifactManifestsTable)
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy("fetched_at")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var manifests []models.ArtifactManifest
	err := r.DB().SelectContext(ctx, &manifests, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to list artifact manifests")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list artifact manifests")
	}

	return manifests, nil
}

package normalize

import (
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Record is one normalized entity produced from a raw document.
// Jurisdiction is attached later from the source descriptor; normalizers
// stay pure over the raw bytes alone.
type Record struct {
	EntityType string
	NaturalKey string
	Data       map[string]any
}

// NormalizationError describes why a raw document was rejected.
// Per-record: the caller tallies it and moves on.
type NormalizationError struct {
	Reason string
	Field  string
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalization failed: %s (field %s)", e.Reason, e.Field)
	}
	return fmt.Sprintf("normalization failed: %s", e.Reason)
}

func reject(field, format string, args ...any) *NormalizationError {
	return &NormalizationError{Reason: fmt.Sprintf(format, args...), Field: field}
}

// Normalizer converts one raw document into zero or more records
type Normalizer interface {
	Normalize(raw []byte) ([]Record, error)
}

// NormalizerFunc adapts a function to the Normalizer interface
type NormalizerFunc func(raw []byte) ([]Record, error)

func (f NormalizerFunc) Normalize(raw []byte) ([]Record, error) {
	return f(raw)
}

type registryKey struct {
	kind       models.SourceKind
	entityType string
}

// Registry maps (source kind, entity type) to a normalizer
type Registry struct {
	normalizers map[registryKey]Normalizer
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[registryKey]Normalizer)}
}

// DefaultRegistry returns a registry with every built-in normalizer registered
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.SourceKindCongressAPI, models.EntityTypeBill, NormalizerFunc(normalizeCongressBill))
	r.Register(models.SourceKindCongressAPI, models.EntityTypeVote, NormalizerFunc(normalizeCongressVote))
	r.Register(models.SourceKindCongressAPI, models.EntityTypeMember, NormalizerFunc(normalizeCongressMember))
	r.Register(models.SourceKindStateFeed, models.EntityTypeBill, NormalizerFunc(normalizeStateFeedBill))
	r.Register(models.SourceKindStateFeed, models.EntityTypeVote, NormalizerFunc(normalizeStateFeedVote))
	r.Register(models.SourceKindStateFeed, models.EntityTypeMember, NormalizerFunc(normalizeStateFeedMember))
	return r
}

// Register adds a normalizer for a (source kind, entity type) pair
func (r *Registry) Register(kind models.SourceKind, entityType string, n Normalizer) {
	r.normalizers[registryKey{kind: kind, entityType: entityType}] = n
}

// Lookup returns the normalizer for a pair, or an error if none is registered
func (r *Registry) Lookup(kind models.SourceKind, entityType string) (Normalizer, error) {
	n, ok := r.normalizers[registryKey{kind: kind, entityType: entityType}]
	if !ok {
		return nil, fmt.Errorf("no normalizer registered for %s/%s", kind, entityType)
	}
	return n, nil
}

package artifacts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no artifact exists for a digest
	ErrNotFound = errors.New("artifact not found")
	// ErrQuotaExceeded is returned when a put would exceed the store's byte quota.
	// Fatal for the current run; retrying cannot help until space is reclaimed.
	ErrQuotaExceeded = errors.New("artifact quota exceeded")
)

// StorageUnavailableError wraps a transient storage failure worth retrying
type StorageUnavailableError struct {
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("artifact storage unavailable: %v", e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// Store persists raw payloads addressed by their sha256 digest.
// Put is idempotent: identical bytes always map to the same digest and are
// stored once. The store holds content only; the logical identity of an
// artifact (source, entity type, external id, run) lives in its
// artifact_manifests row, keyed by the returned digest.
type Store interface {
	Put(ctx context.Context, data []byte) (digest string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Gobusters/ectologger"
)

// FSStore is a content-addressed store on the local filesystem.
// Layout fans out on the first two digest byte pairs (ab/cd/rest) to keep
// directory sizes bounded.
type FSStore struct {
	root       string
	quotaBytes int64
	usedBytes  atomic.Int64
	logger     ectologger.Logger
}

// NewFSStore creates the root directory and primes the usage counter.
// quotaBytes of zero disables the quota.
func NewFSStore(root string, quotaBytes int64, logger ectologger.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", root, err)
	}

	s := &FSStore{
		root:       root,
		quotaBytes: quotaBytes,
		logger:     logger,
	}

	used, err := s.measureUsage()
	if err != nil {
		return nil, fmt.Errorf("failed to measure artifact usage: %w", err)
	}
	s.usedBytes.Store(used)

	logger.Infof("Artifact store at %s: %d bytes used", root, used)
	return s, nil
}

func (s *FSStore) measureUsage() (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (s *FSStore) pathFor(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:4], digest[4:])
}

// Put writes the payload under its sha256 digest. Existing content is left
// untouched, so re-fetching identical bytes costs one stat.
func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	path := s.pathFor(digest)

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	} else if !os.IsNotExist(err) {
		return "", &StorageUnavailableError{Err: err}
	}

	if s.quotaBytes > 0 && s.usedBytes.Load()+int64(len(data)) > s.quotaBytes {
		return "", ErrQuotaExceeded
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &StorageUnavailableError{Err: err}
	}

	// Write-then-rename so a crash never leaves a partial artifact at the
	// final path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", &StorageUnavailableError{Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &StorageUnavailableError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &StorageUnavailableError{Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", &StorageUnavailableError{Err: err}
	}

	s.usedBytes.Add(int64(len(data)))
	return digest, nil
}

// Get returns the payload for a digest
func (s *FSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(digest) < 5 {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(s.pathFor(digest))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageUnavailableError{Err: err}
	}
	return data, nil
}

// Exists reports whether a digest is already stored
func (s *FSStore) Exists(ctx context.Context, digest string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(digest) < 5 {
		return false, nil
	}

	_, err := os.Stat(s.pathFor(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &StorageUnavailableError{Err: err}
}

// UsedBytes returns the current usage estimate
func (s *FSStore) UsedBytes() int64 {
	return s.usedBytes.Load()
}

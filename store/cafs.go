// Package store provides content-addressed storage for compressed
// archive objects.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/backend"
)

// quarantinePrefix is where objects failing integrity verification are
// moved. Quarantined objects are never served.
const quarantinePrefix = "quarantine"

// ContentStore persists compressed blobs addressed by their content
// hash, sharded two directory levels deep. The hash is computed by the
// ingestion pipeline over the scrubbed plaintext; the store only keys
// and materializes bytes.
type ContentStore struct {
	backend backend.Backend
}

// NewContentStore creates a content store over the given backend.
func NewContentStore(b backend.Backend) *ContentStore {
	return &ContentStore{backend: b}
}

// Put materializes the compressed bytes under the hash's storage key.
// If an object already exists at that key it reports existed=true and
// writes nothing: at most one physical write ever happens per hash,
// even under concurrent callers, because the backend create is
// exclusive. I/O errors propagate unretried; retry policy belongs to
// the ingestion pipeline.
func (s *ContentStore) Put(ctx context.Context, h webarchive.Hash, compressed []byte) (existed bool, err error) {
	key := webarchive.ContentStorageKey(h)
	err = s.backend.CreateExclusive(ctx, key, bytes.NewReader(compressed))
	if err != nil {
		if errors.Is(err, backend.ErrExists) {
			return true, nil
		}
		return false, fmt.Errorf("writing content object: %w", err)
	}
	return false, nil
}

// Get returns the compressed bytes for a hash.
// Returns backend.ErrNotFound if the object does not exist.
func (s *ContentStore) Get(ctx context.Context, h webarchive.Hash) ([]byte, error) {
	rc, err := s.backend.Read(ctx, webarchive.ContentStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content object: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading content object: %w", err)
	}
	return data, nil
}

// Has checks whether an object exists for the hash.
func (s *ContentStore) Has(ctx context.Context, h webarchive.Hash) (bool, error) {
	return s.backend.Exists(ctx, webarchive.ContentStorageKey(h))
}

// Delete removes the object for a hash. Idempotent.
func (s *ContentStore) Delete(ctx context.Context, h webarchive.Hash) error {
	return s.backend.Delete(ctx, webarchive.ContentStorageKey(h))
}

// Size returns the compressed size of the stored object.
func (s *ContentStore) Size(ctx context.Context, h webarchive.Hash) (int64, error) {
	sb, ok := s.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0, backend.ErrNotFound
	}
	return sb.Size(ctx, webarchive.ContentStorageKey(h))
}

// ModTime returns when the stored object was written. Returns
// backend.ErrNotFound when the object does not exist or the backend
// cannot report modification times.
func (s *ContentStore) ModTime(ctx context.Context, h webarchive.Hash) (time.Time, error) {
	mb, ok := s.backend.(backend.ModTimeAwareBackend)
	if !ok {
		return time.Time{}, backend.ErrNotFound
	}
	return mb.ModTime(ctx, webarchive.ContentStorageKey(h))
}

// Quarantine moves an object whose bytes failed verification out of the
// addressable tree so it can never be served under its claimed hash.
func (s *ContentStore) Quarantine(ctx context.Context, h webarchive.Hash) error {
	key := webarchive.ContentStorageKey(h)

	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("reading object for quarantine: %w", err)
	}
	defer func() { _ = rc.Close() }()

	qkey := quarantinePrefix + "/" + h.String() + webarchive.ContentExtension
	if err := s.backend.Write(ctx, qkey, rc); err != nil {
		return fmt.Errorf("writing quarantined object: %w", err)
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("removing quarantined object: %w", err)
	}
	return nil
}

// ListHashes returns the hashes of all stored objects. Used by the
// compaction sweep to find on-disk orphans; may be expensive for large
// corpora.
func (s *ContentStore) ListHashes(ctx context.Context) ([]webarchive.Hash, error) {
	keys, err := s.backend.List(ctx, "content")
	if err != nil {
		return nil, fmt.Errorf("listing content objects: %w", err)
	}

	hashes := make([]webarchive.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := webarchive.ParseContentStorageKey(key)
		if err != nil {
			// Skip foreign files (shouldn't happen in normal use)
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

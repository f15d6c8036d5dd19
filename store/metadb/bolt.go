package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	webarchive "github.com/wolfeidau/web-archive"
	"go.etcd.io/bbolt"
)

// Bucket names. One bbolt file holds the three key families of the
// on-disk layout: content records, session pointers, URL reverse index.
var (
	bucketContent  = []byte("content")  // hash -> ContentRecord JSON
	bucketSessions = []byte("sessions") // session id -> SessionEntry JSON
	bucketURLs     = []byte("urls")     // sha256(page URL) -> JSON array of session ids
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing and benchmarking only.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketContent, bucketSessions, bucketURLs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// CreateOrIncrementContent inserts or increments in a single update
// transaction. bbolt serializes writers, which is what makes this an
// atomic insert-if-absent-or-increment for racing ingestion units.
func (b *BoltDB) CreateOrIncrementContent(_ context.Context, rec *ContentRecord) (bool, int, error) {
	var (
		created  bool
		refCount int
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketContent)

		key := []byte(rec.Hash)
		if val := bucket.Get(key); val != nil {
			var existing ContentRecord
			if err := json.Unmarshal(val, &existing); err != nil {
				return fmt.Errorf("unmarshaling content record: %w", err)
			}
			existing.RefCount++
			// A re-referenced record is live again regardless of any
			// earlier compaction marking.
			existing.Deletable = false
			refCount = existing.RefCount

			data, err := json.Marshal(&existing)
			if err != nil {
				return fmt.Errorf("marshaling content record: %w", err)
			}
			return bucket.Put(key, data)
		}

		fresh := *rec
		fresh.RefCount = 1
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = b.now()
		}
		created = true
		refCount = 1

		data, err := json.Marshal(&fresh)
		if err != nil {
			return fmt.Errorf("marshaling content record: %w", err)
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return false, 0, err
	}
	return created, refCount, nil
}

// GetContent retrieves a content record by hash.
func (b *BoltDB) GetContent(_ context.Context, hash string) (*ContentRecord, error) {
	var rec ContentRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketContent).Get([]byte(hash))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DecrementContentRef decrements the reference count for a hash,
// flooring at zero, and returns the resulting count.
func (b *BoltDB) DecrementContentRef(_ context.Context, hash string) (int, error) {
	var refCount int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketContent)
		val := bucket.Get([]byte(hash))
		if val == nil {
			return ErrNotFound
		}

		var rec ContentRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling content record: %w", err)
		}
		if rec.RefCount > 0 {
			rec.RefCount--
		}
		refCount = rec.RefCount

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling content record: %w", err)
		}
		return bucket.Put([]byte(hash), data)
	})
	return refCount, err
}

// DeleteContent removes a content record. Idempotent.
func (b *BoltDB) DeleteContent(_ context.Context, hash string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContent).Delete([]byte(hash))
	})
}

// ForEachContent iterates every content record.
func (b *BoltDB) ForEachContent(_ context.Context, fn func(*ContentRecord) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContent).ForEach(func(_, v []byte) error {
			var rec ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling content record: %w", err)
			}
			return fn(&rec)
		})
	})
}

// ContentCount returns the number of content records.
func (b *BoltDB) ContentCount(_ context.Context) (int64, error) {
	var count int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		count = int64(tx.Bucket(bucketContent).Stats().KeyN)
		return nil
	})
	return count, err
}

// ForEachContentHash satisfies the existence filter's rebuild source.
func (b *BoltDB) ForEachContentHash(ctx context.Context, fn func(webarchive.Hash) error) error {
	return b.ForEachContent(ctx, func(rec *ContentRecord) error {
		h, err := webarchive.ParseHash(rec.Hash)
		if err != nil {
			return fmt.Errorf("invalid hash in index: %w", err)
		}
		return fn(h)
	})
}

// MarkContentDeletable marks a record eligible for the explicit sweep.
// Records that regained references since the scan are left untouched.
func (b *BoltDB) MarkContentDeletable(_ context.Context, hash string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketContent)
		val := bucket.Get([]byte(hash))
		if val == nil {
			return ErrNotFound
		}

		var rec ContentRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling content record: %w", err)
		}
		if rec.RefCount != 0 || rec.Deletable {
			return nil
		}
		rec.Deletable = true

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling content record: %w", err)
		}
		return bucket.Put([]byte(hash), data)
	})
}

// ZeroRefContent returns hashes with RefCount == 0 created before the
// given cutoff, not yet marked deletable.
func (b *BoltDB) ZeroRefContent(_ context.Context, createdBefore time.Time, limit int) ([]string, error) {
	var hashes []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContent).ForEach(func(k, v []byte) error {
			if limit > 0 && len(hashes) >= limit {
				return nil
			}
			var rec ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip invalid entries
			}
			if rec.RefCount == 0 && !rec.Deletable && rec.CreatedAt.Before(createdBefore) {
				hashes = append(hashes, string(k))
			}
			return nil
		})
	})
	return hashes, err
}

// DeletableContent returns hashes marked eligible for physical deletion.
func (b *BoltDB) DeletableContent(_ context.Context, limit int) ([]string, error) {
	var hashes []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContent).ForEach(func(k, v []byte) error {
			if limit > 0 && len(hashes) >= limit {
				return nil
			}
			var rec ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Deletable && rec.RefCount == 0 {
				hashes = append(hashes, string(k))
			}
			return nil
		})
	})
	return hashes, err
}

// AppendSessionDoc records a flushed index document against a session,
// creating the session entry on first use and updating the URL reverse
// index. Sealed sessions reject further appends.
func (b *BoltDB) AppendSessionDoc(_ context.Context, id, pageURL, date, docKey string, records int, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)

		var entry SessionEntry
		if val := sessions.Get([]byte(id)); val != nil {
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("unmarshaling session entry: %w", err)
			}
			if entry.Sealed {
				return fmt.Errorf("session %s is sealed", id)
			}
		} else {
			entry = SessionEntry{
				ID:        id,
				PageURL:   pageURL,
				Date:      date,
				CreatedAt: at,
			}
		}

		if !slices.Contains(entry.Documents, docKey) {
			entry.Documents = append(entry.Documents, docKey)
		}
		entry.RecordCount += records
		entry.LastAppend = at

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshaling session entry: %w", err)
		}
		if err := sessions.Put([]byte(id), data); err != nil {
			return fmt.Errorf("putting session entry: %w", err)
		}

		return b.indexURL(tx, pageURL, id)
	})
}

// indexURL adds the session id to the URL reverse index inside tx.
func (b *BoltDB) indexURL(tx *bbolt.Tx, pageURL, sessionID string) error {
	if pageURL == "" {
		return nil
	}
	urls := tx.Bucket(bucketURLs)
	key := []byte(webarchive.HashString(pageURL).String())

	var ids []string
	if val := urls.Get(key); val != nil {
		if err := json.Unmarshal(val, &ids); err != nil {
			return fmt.Errorf("unmarshaling url index: %w", err)
		}
	}
	if slices.Contains(ids, sessionID) {
		return nil
	}
	ids = append(ids, sessionID)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling url index: %w", err)
	}
	return urls.Put(key, data)
}

// GetSession retrieves a session entry by id.
func (b *BoltDB) GetSession(_ context.Context, id string) (*SessionEntry, error) {
	var entry SessionEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSessions).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SealSession marks a session immutable. Idempotent.
func (b *BoltDB) SealSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		var entry SessionEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("unmarshaling session entry: %w", err)
		}
		if entry.Sealed {
			return nil
		}
		entry.Sealed = true

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshaling session entry: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
}

// UnsealedSessionsIdleSince returns unsealed sessions whose last append
// is before the cutoff.
func (b *BoltDB) UnsealedSessionsIdleSince(_ context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			if limit > 0 && len(ids) >= limit {
				return nil
			}
			var entry SessionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if !entry.Sealed && entry.LastAppend.Before(before) {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

// SessionsByURL returns session ids that captured the given page URL.
func (b *BoltDB) SessionsByURL(_ context.Context, pageURL string) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketURLs).Get([]byte(webarchive.HashString(pageURL).String()))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, &ids)
	})
	return ids, err
}

// Stats summarizes the durable state.
func (b *BoltDB) Stats(_ context.Context) (*StatsSnapshot, error) {
	stats := &StatsSnapshot{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		stats.Sessions = int64(tx.Bucket(bucketSessions).Stats().KeyN)

		return tx.Bucket(bucketContent).ForEach(func(_, v []byte) error {
			var rec ContentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip invalid entries
			}
			stats.ContentObjects++
			stats.TotalBytes += rec.Size
			stats.CompressedBytes += rec.CompressedSize
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if stats.TotalBytes > 0 {
		stats.CompressionRatio = float64(stats.CompressedBytes) / float64(stats.TotalBytes)
	} else {
		stats.CompressionRatio = 1.0
	}
	return stats, nil
}

var _ MetaDB = (*BoltDB)(nil)

package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB is the durable, crash-safe metadata index.
// Implementations must be safe for concurrent use; the content-record
// write path (CreateOrIncrementContent) must be a single atomic
// operation, never a separate read-then-write.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Content records
	//
	// CreateOrIncrementContent inserts rec with RefCount 1 if the hash
	// is absent, otherwise increments the existing record's RefCount.
	// It returns whether a record was created and the resulting count.
	CreateOrIncrementContent(ctx context.Context, rec *ContentRecord) (created bool, refCount int, err error)
	GetContent(ctx context.Context, hash string) (*ContentRecord, error)
	DecrementContentRef(ctx context.Context, hash string) (int, error)
	DeleteContent(ctx context.Context, hash string) error
	ForEachContent(ctx context.Context, fn func(*ContentRecord) error) error
	ContentCount(ctx context.Context) (int64, error)

	// Compaction support
	MarkContentDeletable(ctx context.Context, hash string) error
	ZeroRefContent(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
	DeletableContent(ctx context.Context, limit int) ([]string, error)

	// Session pointers
	AppendSessionDoc(ctx context.Context, id, pageURL, date, docKey string, records int, at time.Time) error
	GetSession(ctx context.Context, id string) (*SessionEntry, error)
	SealSession(ctx context.Context, id string) error
	UnsealedSessionsIdleSince(ctx context.Context, before time.Time, limit int) ([]string, error)

	// URL reverse index
	SessionsByURL(ctx context.Context, pageURL string) ([]string, error)

	// Statistics
	Stats(ctx context.Context) (*StatsSnapshot, error)
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}

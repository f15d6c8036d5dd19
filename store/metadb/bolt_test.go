package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	webarchive "github.com/wolfeidau/web-archive"
)

func newTestDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	opts = append([]BoltDBOption{WithNoSync(true)}, opts...)
	db := NewBoltDB(opts...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "index.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(hash string, size int64) *ContentRecord {
	return &ContentRecord{
		Hash:           hash,
		Size:           size,
		CompressedSize: size / 2,
		MediaType:      "text/html",
	}
}

func TestCreateOrIncrementContent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hash := webarchive.HashBytes([]byte("{}")).String()

	created, refs, err := db.CreateOrIncrementContent(ctx, testRecord(hash, 2))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 1, refs)

	created, refs, err = db.CreateOrIncrementContent(ctx, testRecord(hash, 2))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 2, refs)

	rec, err := db.GetContent(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, 2, rec.RefCount)
	require.Equal(t, int64(2), rec.Size)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestCreateOrIncrementContentClearsDeletable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hash := webarchive.HashBytes([]byte("revived")).String()

	_, _, err := db.CreateOrIncrementContent(ctx, testRecord(hash, 7))
	require.NoError(t, err)

	_, err = db.DecrementContentRef(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, db.MarkContentDeletable(ctx, hash))

	// A new reference revives the record.
	_, _, err = db.CreateOrIncrementContent(ctx, testRecord(hash, 7))
	require.NoError(t, err)

	rec, err := db.GetContent(ctx, hash)
	require.NoError(t, err)
	require.False(t, rec.Deletable)
	require.Equal(t, 1, rec.RefCount)
}

func TestGetContentNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetContent(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecrementContentRefFloorsAtZero(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hash := webarchive.HashBytes([]byte("once")).String()

	_, _, err := db.CreateOrIncrementContent(ctx, testRecord(hash, 4))
	require.NoError(t, err)

	refs, err := db.DecrementContentRef(ctx, hash)
	require.NoError(t, err)
	require.Zero(t, refs)

	refs, err = db.DecrementContentRef(ctx, hash)
	require.NoError(t, err)
	require.Zero(t, refs)
}

func TestZeroRefAndDeletableScan(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	oldHash := webarchive.HashBytes([]byte("old")).String()
	_, _, err := db.CreateOrIncrementContent(ctx, testRecord(oldHash, 3))
	require.NoError(t, err)
	_, err = db.DecrementContentRef(ctx, oldHash)
	require.NoError(t, err)

	liveHash := webarchive.HashBytes([]byte("live")).String()
	_, _, err = db.CreateOrIncrementContent(ctx, testRecord(liveHash, 4))
	require.NoError(t, err)

	// Only the zero-ref record older than the cutoff shows up.
	hashes, err := db.ZeroRefContent(ctx, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, []string{oldHash}, hashes)

	hashes, err = db.ZeroRefContent(ctx, now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, hashes)

	require.NoError(t, db.MarkContentDeletable(ctx, oldHash))

	deletable, err := db.DeletableContent(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{oldHash}, deletable)

	// Marked records no longer appear in the zero-ref scan.
	hashes, err = db.ZeroRefContent(ctx, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, hashes)
}

func TestMarkContentDeletableSkipsReferenced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hash := webarchive.HashBytes([]byte("referenced")).String()

	_, _, err := db.CreateOrIncrementContent(ctx, testRecord(hash, 5))
	require.NoError(t, err)

	require.NoError(t, db.MarkContentDeletable(ctx, hash))

	rec, err := db.GetContent(ctx, hash)
	require.NoError(t, err)
	require.False(t, rec.Deletable)
}

func TestForEachContentHash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	want := map[webarchive.Hash]bool{}
	for _, body := range []string{"a", "b", "c"} {
		h := webarchive.HashBytes([]byte(body))
		want[h] = true
		_, _, err := db.CreateOrIncrementContent(ctx, testRecord(h.String(), 1))
		require.NoError(t, err)
	}

	got := map[webarchive.Hash]bool{}
	require.NoError(t, db.ForEachContentHash(ctx, func(h webarchive.Hash) error {
		got[h] = true
		return nil
	}))
	require.Equal(t, want, got)

	count, err := db.ContentCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)

	err := db.AppendSessionDoc(ctx, "sess-1", "https://example.com/login", "2026-08-30", "sessions/2026-08-30/sess-1/doc1.json", 3, at)
	require.NoError(t, err)

	err = db.AppendSessionDoc(ctx, "sess-1", "https://example.com/login", "2026-08-30", "sessions/2026-08-30/sess-1/doc2.json", 2, at.Add(time.Minute))
	require.NoError(t, err)

	entry, err := db.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 5, entry.RecordCount)
	require.Len(t, entry.Documents, 2)
	require.Equal(t, at, entry.CreatedAt)
	require.Equal(t, at.Add(time.Minute), entry.LastAppend)
	require.False(t, entry.Sealed)

	// URL reverse index resolves the session.
	ids, err := db.SessionsByURL(ctx, "https://example.com/login")
	require.NoError(t, err)
	require.Equal(t, []string{"sess-1"}, ids)

	ids, err = db.SessionsByURL(ctx, "https://example.com/other")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, db.SealSession(ctx, "sess-1"))
	require.NoError(t, db.SealSession(ctx, "sess-1")) // idempotent

	// Appends after sealing are rejected.
	err = db.AppendSessionDoc(ctx, "sess-1", "https://example.com/login", "2026-08-30", "sessions/2026-08-30/sess-1/doc3.json", 1, at.Add(2*time.Minute))
	require.Error(t, err)
}

func TestUnsealedSessionsIdleSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.AppendSessionDoc(ctx, "idle", "https://a.example", "2026-08-30", "k1", 1, base))
	require.NoError(t, db.AppendSessionDoc(ctx, "fresh", "https://b.example", "2026-08-30", "k2", 1, base.Add(time.Hour)))
	require.NoError(t, db.AppendSessionDoc(ctx, "sealed", "https://c.example", "2026-08-30", "k3", 1, base))
	require.NoError(t, db.SealSession(ctx, "sealed"))

	ids, err := db.UnsealedSessionsIdleSince(ctx, base.Add(30*time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"idle"}, ids)
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, body := range []string{"aaaa", "bbbbbbbb"} {
		rec := &ContentRecord{
			Hash:           webarchive.HashBytes([]byte(body)).String(),
			Size:           int64(len(body)),
			CompressedSize: int64(len(body)) / 2,
		}
		_, _, err := db.CreateOrIncrementContent(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, db.AppendSessionDoc(ctx, "s1", "https://x.example", "2026-08-30", "k", 2, time.Now()))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Sessions)
	require.Equal(t, int64(2), stats.ContentObjects)
	require.Equal(t, int64(12), stats.TotalBytes)
	require.Equal(t, int64(6), stats.CompressedBytes)
	require.InDelta(t, 0.5, stats.CompressionRatio, 0.001)
}

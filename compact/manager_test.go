package compact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/backend"
	"github.com/wolfeidau/web-archive/filter"
	"github.com/wolfeidau/web-archive/session"
	"github.com/wolfeidau/web-archive/store"
	"github.com/wolfeidau/web-archive/store/metadb"
)

type testEnv struct {
	mgr    *Manager
	db     *metadb.BoltDB
	cs     *store.ContentStore
	sm     *session.Manager
	active *filter.Active
	now    *time.Time
	fs     *backend.Filesystem
	root   string
}

func newTestEnv(t *testing.T, cfg Config, f *filter.Filter) *testEnv {
	t.Helper()

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	db := metadb.NewBoltDB(metadb.WithNoSync(true), metadb.WithNow(clock))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "index.db")))
	t.Cleanup(func() { _ = db.Close() })

	cs := store.NewContentStore(fs)
	sm := session.NewManager(fs, db, session.Config{FlushRecords: 1})
	sm.SetNow(clock)

	if f == nil {
		f = filter.New(10_000, 0.01)
	}
	active := filter.NewActive(f)

	mgr := New(db, cs, sm, active, cfg, nil)
	mgr.SetNow(clock)

	return &testEnv{mgr: mgr, db: db, cs: cs, sm: sm, active: active, now: &now, fs: fs, root: fs.Root()}
}

// setBlobTime backdates or forward-dates a stored blob's file so orphan
// age checks can be exercised against the test clock.
func setBlobTime(t *testing.T, env *testEnv, h webarchive.Hash, at time.Time) {
	t.Helper()
	path := filepath.Join(env.root, filepath.FromSlash(webarchive.ContentStorageKey(h)))
	require.NoError(t, os.Chtimes(path, at, at))
}

// seedContent stores a blob and its index record, returning the hash.
func seedContent(t *testing.T, env *testEnv, body string) webarchive.Hash {
	t.Helper()
	ctx := context.Background()

	h := webarchive.HashBytes([]byte(body))
	_, err := env.cs.Put(ctx, h, []byte(body))
	require.NoError(t, err)

	_, _, err = env.db.CreateOrIncrementContent(ctx, &metadb.ContentRecord{
		Hash:           h.String(),
		Size:           int64(len(body)),
		CompressedSize: int64(len(body)),
	})
	require.NoError(t, err)
	env.active.Add(h)
	return h
}

func TestRebuildFilterAtHighWater(t *testing.T) {
	small := filter.New(10, 0.01)
	env := newTestEnv(t, Config{FilterPath: filepath.Join(t.TempDir(), "filter.snap")}, small)
	ctx := context.Background()

	var hashes []webarchive.Hash
	for n := 0; n < 20; n++ {
		hashes = append(hashes, seedContent(t, env, fmt.Sprintf("doc-%d", n)))
	}
	require.True(t, env.active.Current().NeedsRebuild(env.mgr.config.RebuildHighWater))

	result, err := env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.True(t, result.FilterRebuilt)
	require.Empty(t, result.Errors)

	// The swapped-in filter has headroom and keeps the superset property.
	fresh := env.active.Current()
	require.NotSame(t, small, fresh)
	require.False(t, fresh.NeedsRebuild(env.mgr.config.RebuildHighWater))
	for _, h := range hashes {
		require.True(t, fresh.Test(h))
	}

	// The snapshot was persisted and loads back.
	loaded, err := filter.LoadFile(env.mgr.config.FilterPath)
	require.NoError(t, err)
	for _, h := range hashes {
		require.True(t, loaded.Test(h))
	}
}

func TestRebuildSkippedBelowHighWater(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	seedContent(t, env, "doc")

	result, err := env.mgr.RunNow(context.Background())
	require.NoError(t, err)
	require.False(t, result.FilterRebuilt)
}

func TestSealIdleSessions(t *testing.T) {
	env := newTestEnv(t, Config{RetentionAge: time.Hour}, nil)
	ctx := context.Background()

	rec := webarchive.RequestRecord{RequestID: "r1", Method: "GET", URL: "https://example.com/"}
	require.NoError(t, env.sm.Append(ctx, "idle", "https://example.com/", rec))

	// Not idle yet.
	result, err := env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, result.SessionsSealed)

	*env.now = env.now.Add(2 * time.Hour)
	require.NoError(t, env.sm.Append(ctx, "fresh", "https://example.com/", rec))

	result, err = env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.SessionsSealed)

	idle, err := env.db.GetSession(ctx, "idle")
	require.NoError(t, err)
	require.True(t, idle.Sealed)

	fresh, err := env.db.GetSession(ctx, "fresh")
	require.NoError(t, err)
	require.False(t, fresh.Sealed)

	// Re-running is idempotent.
	result, err = env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, result.SessionsSealed)
}

func TestSealSkipsSessionsWithBufferedRecords(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx := context.Background()

	// A manager whose flush threshold is never reached keeps appends
	// buffered, so the index's last-append time goes stale.
	clock := func() time.Time { return *env.now }
	sm := session.NewManager(env.fs, env.db, session.Config{FlushRecords: 10})
	sm.SetNow(clock)
	mgr := New(env.db, env.cs, sm, env.active, Config{RetentionAge: time.Hour}, nil)
	mgr.SetNow(clock)

	rec := webarchive.RequestRecord{RequestID: "r1", Method: "GET", URL: "https://example.com/"}
	require.NoError(t, sm.Append(ctx, "busy", "https://example.com/", rec))
	require.NoError(t, sm.Flush(ctx, "busy"))

	// Idle by the index's clock, but fresh records are buffered.
	*env.now = env.now.Add(2 * time.Hour)
	require.NoError(t, sm.Append(ctx, "busy", "https://example.com/", rec))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, result.SessionsSealed)

	entry, err := env.db.GetSession(ctx, "busy")
	require.NoError(t, err)
	require.False(t, entry.Sealed)

	// Once the buffer drains and the session goes idle for real, the
	// next run seals it.
	require.NoError(t, sm.Flush(ctx, "busy"))
	*env.now = env.now.Add(2 * time.Hour)
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.SessionsSealed)
}

func TestMarkDeletableAndSweep(t *testing.T) {
	env := newTestEnv(t, Config{GraceWindow: 24 * time.Hour}, nil)
	ctx := context.Background()

	doomed := seedContent(t, env, "doomed content")
	live := seedContent(t, env, "live content")

	_, err := env.db.DecrementContentRef(ctx, doomed.String())
	require.NoError(t, err)

	// Inside the grace window: nothing is marked.
	result, err := env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, result.MarkedDeletable)

	*env.now = env.now.Add(48 * time.Hour)

	result, err = env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.MarkedDeletable)

	// Marking alone deletes nothing.
	ok, err := env.cs.Has(ctx, doomed)
	require.NoError(t, err)
	require.True(t, ok)

	sweep, err := env.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.ObjectsDeleted)
	require.Empty(t, sweep.Errors)

	ok, err = env.cs.Has(ctx, doomed)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = env.db.GetContent(ctx, doomed.String())
	require.ErrorIs(t, err, metadb.ErrNotFound)

	// Referenced content is untouched.
	ok, err = env.cs.Has(ctx, live)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepRemovesOrphans(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx := context.Background()

	// A blob with no index record, as left by a crash between the
	// store write and the index insert. Old enough that no in-flight
	// unit can still claim it.
	orphan := webarchive.HashBytes([]byte("orphan"))
	_, err := env.cs.Put(ctx, orphan, []byte("orphan"))
	require.NoError(t, err)
	setBlobTime(t, env, orphan, env.now.Add(-env.mgr.config.GraceWindow-time.Hour))

	indexed := seedContent(t, env, "indexed")

	sweep, err := env.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.OrphansDeleted)
	require.Zero(t, sweep.ObjectsDeleted)

	ok, err := env.cs.Has(ctx, orphan)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.cs.Has(ctx, indexed)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepSparesFreshUnindexedBlobs(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx := context.Background()

	// An ingestion unit writes its blob before committing the index
	// record; a sweep running in that window must not reclaim it.
	h := webarchive.HashBytes([]byte("in flight"))
	_, err := env.cs.Put(ctx, h, []byte("in flight"))
	require.NoError(t, err)
	setBlobTime(t, env, h, *env.now)

	sweep, err := env.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.OrphansDeleted)

	// The unit's index insert lands after the sweep; the bytes it
	// references must still exist.
	_, _, err = env.db.CreateOrIncrementContent(ctx, &metadb.ContentRecord{
		Hash: h.String(),
		Size: 9,
	})
	require.NoError(t, err)

	got, err := env.cs.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []byte("in flight"), got)
}

func TestSweepSkipsRevivedContent(t *testing.T) {
	env := newTestEnv(t, Config{GraceWindow: time.Hour}, nil)
	ctx := context.Background()

	h := seedContent(t, env, "revived")
	_, err := env.db.DecrementContentRef(ctx, h.String())
	require.NoError(t, err)

	*env.now = env.now.Add(2 * time.Hour)
	result, err := env.mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.MarkedDeletable)

	// A new reference arrives between marking and the sweep.
	_, _, err = env.db.CreateOrIncrementContent(ctx, &metadb.ContentRecord{Hash: h.String(), Size: 7})
	require.NoError(t, err)

	sweep, err := env.mgr.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.ObjectsDeleted)

	ok, err := env.cs.Has(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, Config{StartupDelay: time.Hour, Interval: time.Hour}, nil)
	ctx := context.Background()

	env.mgr.Start(ctx)
	require.NoError(t, env.mgr.Stop(ctx))

	// Stopping again is a no-op.
	require.NoError(t, env.mgr.Stop(ctx))
}

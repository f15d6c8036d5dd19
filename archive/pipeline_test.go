package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/backend"
	"github.com/wolfeidau/web-archive/cache"
	"github.com/wolfeidau/web-archive/codec"
	"github.com/wolfeidau/web-archive/filter"
	"github.com/wolfeidau/web-archive/scrub"
	"github.com/wolfeidau/web-archive/session"
	"github.com/wolfeidau/web-archive/store"
	"github.com/wolfeidau/web-archive/store/metadb"
)

type testEnv struct {
	ing    *Ingestor
	fs     backend.Backend
	db     metadb.MetaDB
	cs     *store.ContentStore
	cache  *cache.HotCache
	active *filter.Active
	sm     *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return newTestEnvWithBackend(t, fs)
}

func newTestEnvWithBackend(t *testing.T, b backend.Backend) *testEnv {
	t.Helper()

	c, err := codec.New()
	require.NoError(t, err)
	t.Cleanup(c.Close)

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "index.db")))
	t.Cleanup(func() { _ = db.Close() })

	hc, err := cache.New(128)
	require.NoError(t, err)

	active := filter.NewActive(filter.New(10_000, 0.01))
	cs := store.NewContentStore(b)
	sm := session.NewManager(b, db, session.Config{FlushRecords: 1})

	return &testEnv{
		ing:    NewIngestor(c, cs, db, active, hc, sm, nil),
		fs:     b,
		db:     db,
		cs:     cs,
		cache:  hc,
		active: active,
		sm:     sm,
	}
}

func noScrub() *scrub.Scrubber {
	return scrub.New(nil)
}

func credHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func TestIngestBodyDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.ing.IngestBody(ctx, []byte("{}"), "application/json", noScrub())
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, int64(2), first.Size)

	second, err := env.ing.IngestBody(ctx, []byte("{}"), "application/json", noScrub())
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Ref, second.Ref)

	// One distinct object with a reference count of two.
	rec, err := env.db.GetContent(ctx, first.Ref.Hex())
	require.NoError(t, err)
	require.Equal(t, 2, rec.RefCount)

	stats, err := env.ing.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ContentObjects)

	hashes, err := env.cs.ListHashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
}

func TestFilterTracksIngestion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := webarchive.HashBytes([]byte("abc"))
	require.False(t, env.active.Test(h))

	out, err := env.ing.IngestBody(ctx, []byte("abc"), "text/plain", noScrub())
	require.NoError(t, err)
	require.True(t, env.active.Test(h))

	rec, err := env.db.GetContent(ctx, out.Ref.Hex())
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.Size)
	require.Equal(t, 1, rec.RefCount)
}

func TestIngestBodyScrubsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	scrubber := scrub.New([]string{credHash("pw1")})
	raw := []byte(`{"confirm":"pw1"}`)

	out, err := env.ing.IngestBody(ctx, raw, "application/json", scrubber)
	require.NoError(t, err)
	require.Equal(t, 1, out.Redactions)

	// The stored hash is of the scrubbed bytes, not the raw bytes.
	require.NotEqual(t, webarchive.HashBytes(raw), out.Ref.Hash)

	plain, _, err := env.ing.Content(ctx, out.Ref)
	require.NoError(t, err)
	require.NotContains(t, string(plain), "pw1")
	require.Contains(t, string(plain), scrub.RedactionMarker)
}

func TestIngestBodyEmptyAfterScrub(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.ing.IngestBody(context.Background(), nil, "", noScrub())
	require.NoError(t, err)
	require.True(t, out.Ref.IsZero())
	require.Zero(t, out.Size)
}

func TestConcurrentIngestWritesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := []byte(`{"repeated":"content"}`)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			_, errs[g] = env.ing.IngestBody(ctx, body, "application/json", noScrub())
		}(g)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// Exactly one physical object, reference count n.
	hashes, err := env.cs.ListHashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 1)

	rec, err := env.db.GetContent(ctx, webarchive.HashBytes(body).String())
	require.NoError(t, err)
	require.Equal(t, n, rec.RefCount)
}

// failingBackend rejects exclusive creates to model a full or broken disk.
type failingBackend struct {
	backend.Backend
}

func (f *failingBackend) CreateExclusive(_ context.Context, _ string, _ io.Reader) error {
	return fmt.Errorf("disk full")
}

func TestStorageFailureCommitsNothing(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	env := newTestEnvWithBackend(t, &failingBackend{Backend: fs})
	ctx := context.Background()

	body := []byte("doomed")
	_, err = env.ing.IngestBody(ctx, body, "", noScrub())
	require.ErrorIs(t, err, ErrIngestIO)

	// No index record, no filter entry: the unit can be retried.
	h := webarchive.HashBytes(body)
	_, err = env.db.GetContent(ctx, h.String())
	require.ErrorIs(t, err, metadb.ErrNotFound)
	require.False(t, env.active.Test(h))
}

func TestContentReadPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := []byte(`{"page":"content"}`)

	out, err := env.ing.IngestBody(ctx, body, "application/json", noScrub())
	require.NoError(t, err)

	// Force the store path once, then the cache path.
	env.cache.Purge()

	plain, rec, err := env.ing.Content(ctx, out.Ref)
	require.NoError(t, err)
	require.Equal(t, body, plain)
	require.Equal(t, "application/json", rec.MediaType)

	plain, _, err = env.ing.Content(ctx, out.Ref)
	require.NoError(t, err)
	require.Equal(t, body, plain)
}

func TestContentNotFound(t *testing.T) {
	env := newTestEnv(t)

	ref := webarchive.NewContentRef(webarchive.HashBytes([]byte("absent")))
	_, _, err := env.ing.Content(context.Background(), ref)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContentIntegrityFailureQuarantines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.ing.IngestBody(ctx, []byte("genuine bytes"), "", noScrub())
	require.NoError(t, err)

	// Replace the stored object with validly compressed foreign bytes.
	c, err := codec.New()
	require.NoError(t, err)
	defer c.Close()
	key := webarchive.ContentStorageKey(out.Ref.Hash)
	require.NoError(t, env.fs.Write(ctx, key, bytes.NewReader(c.Compress([]byte("tampered")))))
	env.cache.Purge()

	_, _, err = env.ing.Content(ctx, out.Ref)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, out.Ref, ierr.Ref)

	// The object was quarantined; subsequent reads miss.
	_, err = env.cs.Get(ctx, out.Ref.Hash)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestFilterSupersetOfIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for n := 0; n < 200; n++ {
		body := []byte(fmt.Sprintf(`{"doc":%d}`, n))
		_, err := env.ing.IngestBody(ctx, body, "application/json", noScrub())
		require.NoError(t, err)
	}

	// Every committed hash must test possibly-present.
	bdb := env.db.(*metadb.BoltDB)
	require.NoError(t, bdb.ForEachContentHash(ctx, func(h webarchive.Hash) error {
		require.True(t, env.active.Test(h))
		return nil
	}))
}

func TestIngestBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	batch := &ArchiveBatch{
		PasswordHashes: []string{credHash("hunter2")},
		Entries: []BatchEntry{
			{
				Type:      EntryRequest,
				ID:        "req-1",
				Timestamp: 1756500000000,
				URL:       "https://example.com/login",
				Method:    "POST",
				RequestHeaders: []Header{
					{Name: "Content-Type", Value: "application/json"},
				},
				RequestBody: []byte(`{"user":"alice","password":"hunter2"}`),
			},
			{
				Type:       EntryResponse,
				ID:         "req-1_response",
				Timestamp:  1756500000100,
				URL:        "https://example.com/login",
				Method:     "POST",
				StatusCode: 200,
				ResponseHeaders: []Header{
					{Name: "Content-Type", Value: "text/html"},
				},
				ResponseBody: "<html>welcome alice</html>",
			},
			{Type: EntryRequest, ID: "", URL: "https://example.com/"}, // malformed
			{Type: EntryResponse, ID: "orphan_response"},              // unpaired
		},
	}

	res, err := env.ing.IngestBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 4, res.Entries)
	require.Equal(t, 1, res.Archived)
	require.Equal(t, 2, res.NewObjects)
	require.Len(t, res.Skipped, 2)
	require.Equal(t, 1, res.Redactions)

	// The session doc landed under the host-derived session.
	entry, err := env.db.GetSession(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, 1, entry.RecordCount)
	require.Len(t, entry.Documents, 1)

	// The response body round-trips through its reference.
	keys, err := env.fs.List(ctx, "sessions")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestIngestBatchSharedContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two responses with identical bodies dedup to one object.
	batch := &ArchiveBatch{
		Entries: []BatchEntry{
			{Type: EntryRequest, ID: "a", URL: "https://example.com/a", Method: "GET"},
			{Type: EntryResponse, ID: "a_response", StatusCode: 200, ResponseBody: "{}"},
			{Type: EntryRequest, ID: "b", URL: "https://example.com/b", Method: "GET"},
			{Type: EntryResponse, ID: "b_response", StatusCode: 200, ResponseBody: "{}"},
		},
	}

	res, err := env.ing.IngestBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, res.Archived)
	require.Equal(t, 1, res.NewObjects)
	require.Equal(t, 1, res.DupObjects)

	stats, err := env.ing.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ContentObjects)

	rec, err := env.db.GetContent(ctx, webarchive.HashBytes([]byte("{}")).String())
	require.NoError(t, err)
	require.Equal(t, 2, rec.RefCount)
}

func TestSessionIDFromURL(t *testing.T) {
	require.Equal(t, "example.com", SessionIDFromURL("https://example.com/path?q=1"))
	require.Equal(t, "api.example.com:8443", SessionIDFromURL("https://api.example.com:8443/v1"))
	require.Equal(t, "default", SessionIDFromURL("not a url"))
	require.Equal(t, "default", SessionIDFromURL(""))
}

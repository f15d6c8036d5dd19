// Package archive implements the ingestion pipeline: scrubbing,
// content hashing, deduplication against the existence filter and
// metadata index, compression, and content-addressed storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/backend"
	"github.com/wolfeidau/web-archive/cache"
	"github.com/wolfeidau/web-archive/codec"
	"github.com/wolfeidau/web-archive/filter"
	"github.com/wolfeidau/web-archive/scrub"
	"github.com/wolfeidau/web-archive/session"
	"github.com/wolfeidau/web-archive/store"
	"github.com/wolfeidau/web-archive/store/metadb"
	"github.com/wolfeidau/web-archive/telemetry"
)

// lockStripes is the number of per-hash lock shards. Operations on the
// same hash serialize through one stripe; distinct hashes proceed in
// parallel (modulo stripe collisions).
const lockStripes = 256

// Ingestor owns the ingestion pipeline and the content read path.
type Ingestor struct {
	codec    *codec.Codec
	store    *store.ContentStore
	meta     metadb.MetaDB
	filter   *filter.Active
	cache    *cache.HotCache
	sessions *session.Manager
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex
}

// NewIngestor assembles the pipeline from its injected components.
func NewIngestor(c *codec.Codec, cs *store.ContentStore, meta metadb.MetaDB, f *filter.Active, hc *cache.HotCache, sm *session.Manager, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		codec:    c,
		store:    cs,
		meta:     meta,
		filter:   f,
		cache:    hc,
		sessions: sm,
		logger:   logger,
	}
}

// Outcome reports the result of ingesting one body.
type Outcome struct {
	Ref        webarchive.ContentRef
	Size       int64
	Created    bool
	Redactions int
}

// IngestBody runs one body through the full pipeline: scrub, hash,
// dedup, compress, store, index. On a storage failure nothing is
// committed and the unit may be retried. An empty (or fully scrubbed
// to empty) body yields a zero ref and no stored object.
func (i *Ingestor) IngestBody(ctx context.Context, body []byte, mediaType string, scrubber *scrub.Scrubber) (Outcome, error) {
	scrubbed, redactions := scrubber.Body(body)
	telemetry.RecordRedactions(ctx, int64(redactions))

	out := Outcome{Redactions: redactions}
	if len(scrubbed) == 0 {
		return out, nil
	}

	h := webarchive.HashBytes(scrubbed)
	out.Ref = webarchive.NewContentRef(h)
	out.Size = int64(len(scrubbed))

	// Serialize racing units for the same hash. The stripe keeps the
	// filter-test/index-insert sequence linearizable per hash without a
	// global lock.
	mu := &i.locks[h[0]]
	mu.Lock()
	defer mu.Unlock()

	rec := &metadb.ContentRecord{
		Hash:      h.String(),
		Size:      out.Size,
		MediaType: mediaType,
	}

	// A negative filter result is authoritative: the hash is definitely
	// new and the index read can be skipped. A positive result must be
	// confirmed.
	if i.filter.Test(h) {
		_, err := i.meta.GetContent(ctx, h.String())
		switch {
		case err == nil:
			if _, _, err := i.meta.CreateOrIncrementContent(ctx, rec); err != nil {
				telemetry.RecordIngestUnit(ctx, "error", 0)
				return Outcome{}, errors.Join(ErrIndexFailure, err)
			}
			telemetry.RecordIngestUnit(ctx, "duplicate", out.Size)
			return out, nil
		case errors.Is(err, metadb.ErrNotFound):
			telemetry.RecordFilterFalsePositive(ctx)
		default:
			telemetry.RecordIngestUnit(ctx, "error", 0)
			return Outcome{}, errors.Join(ErrIndexFailure, err)
		}
	}

	compressed := i.codec.Compress(scrubbed)
	rec.CompressedSize = int64(len(compressed))

	// Store first, index second. A crash between the two leaves an
	// orphan blob (cleaned by the sweep) but never an index record
	// pointing at missing bytes.
	existed, err := i.store.Put(ctx, h, compressed)
	if err != nil {
		telemetry.RecordIngestUnit(ctx, "error", 0)
		return Outcome{}, errors.Join(ErrIngestIO, err)
	}

	created, _, err := i.meta.CreateOrIncrementContent(ctx, rec)
	if err != nil {
		telemetry.RecordIngestUnit(ctx, "error", 0)
		return Outcome{}, errors.Join(ErrIndexFailure, err)
	}

	i.filter.Add(h)
	i.cache.Add(h, bytes.Clone(scrubbed))

	out.Created = created
	telemetry.RecordBlobWrite(ctx, rec.CompressedSize, !existed)
	telemetry.RecordIngestUnit(ctx, "new", out.Size)

	i.logger.Debug("stored content object",
		slog.String("hash", h.ShortString()),
		slog.Int64("size", out.Size),
		slog.Int64("compressed_size", rec.CompressedSize))

	return out, nil
}

// Content resolves a reference to its decompressed bytes and metadata
// record. Bytes are verified against the claimed hash before they are
// served; a mismatch quarantines the object.
func (i *Ingestor) Content(ctx context.Context, ref webarchive.ContentRef) ([]byte, *metadb.ContentRecord, error) {
	rec, err := i.meta.GetContent(ctx, ref.Hex())
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, errors.Join(ErrIndexFailure, err)
	}

	if data, ok := i.cache.Get(ref.Hash); ok {
		telemetry.RecordCacheLookup(ctx, true)
		return data, rec, nil
	}
	telemetry.RecordCacheLookup(ctx, false)

	compressed, err := i.store.Get(ctx, ref.Hash)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, errors.Join(ErrIngestIO, err)
	}

	plain, err := i.codec.Decompress(compressed)
	if err != nil {
		i.quarantine(ctx, ref, webarchive.Hash{})
		return nil, nil, &IntegrityError{Ref: ref}
	}

	if got := webarchive.HashBytes(plain); got != ref.Hash {
		i.quarantine(ctx, ref, got)
		return nil, nil, &IntegrityError{Ref: ref, Computed: got}
	}

	i.cache.Add(ref.Hash, plain)
	return plain, rec, nil
}

// quarantine moves a failed object out of the addressable tree and
// drops any cached copy so it is never served again.
func (i *Ingestor) quarantine(ctx context.Context, ref webarchive.ContentRef, computed webarchive.Hash) {
	i.cache.Remove(ref.Hash)
	if err := i.store.Quarantine(ctx, ref.Hash); err != nil {
		i.logger.Error("quarantine failed",
			slog.String("hash", ref.Hash.ShortString()),
			slog.Any("error", err))
		return
	}
	i.logger.Warn("quarantined content object",
		slog.String("hash", ref.Hash.ShortString()),
		slog.String("computed", computed.ShortString()))
}

// IngestBatch maps one capture-client batch into request records,
// ingesting bodies and appending the records to their sessions.
// Malformed entries are skipped and reported; they never abort the
// rest of the batch.
func (i *Ingestor) IngestBatch(ctx context.Context, batch *ArchiveBatch) (*BatchResult, error) {
	scrubber := scrub.New(batch.PasswordHashes)
	res := &BatchResult{Entries: len(batch.Entries)}

	type unit struct {
		req  BatchEntry
		resp *BatchEntry
	}
	units := make(map[string]*unit)
	var order []string

	skip := func(id, reason string) {
		res.Skipped = append(res.Skipped, SkippedEntry{ID: id, Reason: reason})
		i.logger.Warn("skipping batch entry", slog.String("id", id), slog.String("reason", reason))
	}

	for idx := range batch.Entries {
		e := batch.Entries[idx]
		switch e.Type {
		case EntryRequest:
			if e.ID == "" || e.URL == "" {
				skip(e.ID, "request missing id or url")
				continue
			}
			if _, dup := units[e.ID]; dup {
				skip(e.ID, "duplicate request id")
				continue
			}
			units[e.ID] = &unit{req: e}
			order = append(order, e.ID)
		case EntryResponse:
			reqID := strings.TrimSuffix(e.ID, "_response")
			u, ok := units[reqID]
			if !ok {
				skip(e.ID, "response without a matching request")
				continue
			}
			resp := e
			u.resp = &resp
		default:
			skip(e.ID, fmt.Sprintf("unknown entry type %q", e.Type))
		}
	}

	for _, id := range order {
		u := units[id]

		record, err := i.buildRecord(ctx, u.req, u.resp, scrubber, res)
		if err != nil {
			skip(id, err.Error())
			continue
		}

		sessionID := SessionIDFromURL(u.req.URL)
		if err := i.sessions.Append(ctx, sessionID, record.URL, *record); err != nil {
			skip(id, fmt.Sprintf("appending to session: %v", err))
			continue
		}
		res.Archived++
	}

	return res, nil
}

// buildRecord ingests the bodies of one request/response pair and
// assembles the structural record.
func (i *Ingestor) buildRecord(ctx context.Context, req BatchEntry, resp *BatchEntry, scrubber *scrub.Scrubber, res *BatchResult) (*webarchive.RequestRecord, error) {
	cleanURL, urlRedactions := scrubber.URL(req.URL)
	res.Redactions += urlRedactions

	record := &webarchive.RequestRecord{
		RequestID: uuid.New().String(),
		Timestamp: req.Timestamp,
		Method:    req.Method,
		URL:       cleanURL,
		Headers:   headersToMap(req.RequestHeaders),
	}
	res.Redactions += scrubber.Headers(record.Headers)

	if len(req.RequestBody) > 0 {
		out, err := i.IngestBody(ctx, req.RequestBody, "", scrubber)
		if err != nil {
			return nil, fmt.Errorf("request body: %w", err)
		}
		record.BodyRef = out.Ref
		record.BodySize = out.Size
		i.countOutcome(res, out)
	}

	if resp == nil {
		return record, nil
	}

	respRecord := &webarchive.ResponseRecord{
		StatusCode: resp.StatusCode,
		Headers:    headersToMap(resp.ResponseHeaders),
	}
	res.Redactions += scrubber.Headers(respRecord.Headers)

	for name, value := range respRecord.Headers {
		if strings.EqualFold(name, "content-type") {
			respRecord.BodyType = value
			break
		}
	}

	if resp.ResponseBody != "" {
		out, err := i.IngestBody(ctx, []byte(resp.ResponseBody), respRecord.BodyType, scrubber)
		if err != nil {
			return nil, fmt.Errorf("response body: %w", err)
		}
		respRecord.BodyRef = out.Ref
		respRecord.BodySize = out.Size
		i.countOutcome(res, out)
	}

	record.Response = respRecord
	return record, nil
}

func (i *Ingestor) countOutcome(res *BatchResult, out Outcome) {
	res.Redactions += out.Redactions
	if out.Ref.IsZero() {
		return
	}
	if out.Created {
		res.NewObjects++
	} else {
		res.DupObjects++
	}
}

// Stats assembles the statistics surface from the durable index and the
// in-memory projections.
func (i *Ingestor) Stats(ctx context.Context) (*Stats, error) {
	snap, err := i.meta.Stats(ctx)
	if err != nil {
		return nil, errors.Join(ErrIndexFailure, err)
	}

	f := i.filter.Current()
	return &Stats{
		Sessions:         snap.Sessions,
		ContentObjects:   snap.ContentObjects,
		TotalBytes:       snap.TotalBytes,
		CompressedBytes:  snap.CompressedBytes,
		CompressionRatio: snap.CompressionRatio,
		CacheEntries:     i.cache.Len(),
		FilterItems:      f.Items(),
		FilterOccupancy:  f.Occupancy(),
	}, nil
}

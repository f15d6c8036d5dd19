package compact

import (
	"context"
	"errors"
	"fmt"

	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/filter"
	"github.com/wolfeidau/web-archive/store/metadb"
	"github.com/wolfeidau/web-archive/telemetry"
)

// phaseRebuildFilter rebuilds the existence filter from the index when
// occupancy has crossed the high-water mark, swaps the fresh instance
// in atomically, and persists the new snapshot. A rebuild failure
// leaves the current filter serving; the next run retries.
func (m *Manager) phaseRebuildFilter(ctx context.Context, result *Result) {
	start := m.now()
	defer func() {
		telemetry.RecordCompactionPhase(ctx, "rebuild_filter", boolToInt(result.FilterRebuilt), m.now().Sub(start))
	}()

	current := m.active.Current()
	if !current.NeedsRebuild(m.config.RebuildHighWater) {
		return
	}

	m.logger.Debug("phase: rebuild filter",
		"occupancy", current.Occupancy(),
		"high_water", m.config.RebuildHighWater)

	fresh, err := filter.Rebuild(ctx, m.db, m.config.FilterFPRate, m.logger)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("rebuild filter: %v", err))
		m.logger.Error("filter rebuild failed", "error", err)
		return
	}

	m.active.Swap(fresh)
	result.FilterRebuilt = true

	if m.config.FilterPath != "" {
		if err := fresh.SaveFile(m.config.FilterPath); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("persist filter: %v", err))
			m.logger.Error("filter snapshot persist failed", "error", err)
		}
	}
}

// phaseSealIdleSessions seals unsealed sessions whose last append is
// older than the retention age. The index only sees appends at flush
// time, so a session with buffered-but-unflushed records is skipped
// even when its durable entry looks idle. Sealing flushes any pending
// buffered records first.
func (m *Manager) phaseSealIdleSessions(ctx context.Context, result *Result) {
	start := m.now()
	sealed := 0
	defer func() {
		telemetry.RecordCompactionPhase(ctx, "seal_sessions", sealed, m.now().Sub(start))
	}()

	m.logger.Debug("phase: seal idle sessions")

	cutoff := m.now().Add(-m.config.RetentionAge)
	ids, err := m.db.UnsealedSessionsIdleSince(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan idle sessions: %v", err))
		m.logger.Error("idle session scan failed", "error", err)
		return
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.sessions.HasPending(id) {
			m.logger.Debug("skipping session with buffered records", "session_id", id)
			continue
		}

		if err := m.sessions.Seal(ctx, id); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("seal session %s: %v", id, err))
			m.logger.Error("session seal failed", "session_id", id, "error", err)
			continue
		}
		sealed++
		m.logger.Debug("sealed idle session", "session_id", id)
	}
	result.SessionsSealed = sealed
}

// phaseMarkDeletable marks zero-reference content older than the grace
// window as eligible for the sweep. Marking is idempotent and never
// deletes anything itself.
func (m *Manager) phaseMarkDeletable(ctx context.Context, result *Result) {
	start := m.now()
	marked := 0
	defer func() {
		telemetry.RecordCompactionPhase(ctx, "mark_deletable", marked, m.now().Sub(start))
	}()

	m.logger.Debug("phase: mark zero-ref content deletable")

	cutoff := m.now().Add(-m.config.GraceWindow)
	hashes, err := m.db.ZeroRefContent(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan zero-ref content: %v", err))
		m.logger.Error("zero-ref scan failed", "error", err)
		return
	}

	for _, hash := range hashes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.db.MarkContentDeletable(ctx, hash); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark deletable %s: %v", hash, err))
			continue
		}
		marked++
	}
	result.MarkedDeletable = marked
}

// Sweep physically deletes content marked deletable and removes on-disk
// orphan blobs absent from the index. Deletion never happens outside
// this explicit call.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{
		StartedAt: m.now(),
	}
	defer func() {
		result.Duration = m.now().Sub(result.StartedAt)
		telemetry.RecordCompactionPhase(ctx, "sweep", result.ObjectsDeleted+result.OrphansDeleted, result.Duration)
	}()

	m.logger.Info("starting sweep")

	hashes, err := m.db.DeletableContent(ctx, m.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("scanning deletable content: %w", err)
	}

	for _, hash := range hashes {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if err := m.sweepObject(ctx, hash, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep %s: %v", hash, err))
			m.logger.Error("sweep of object failed", "hash", hash, "error", err)
		}
	}

	m.sweepOrphans(ctx, result)

	m.logger.Info("sweep completed",
		"objects_deleted", result.ObjectsDeleted,
		"orphans_deleted", result.OrphansDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result, nil
}

// sweepObject deletes one marked object: bytes first, record second, so
// an interruption leaves a record the next sweep retries rather than an
// unreferenced blob.
func (m *Manager) sweepObject(ctx context.Context, hash string, result *SweepResult) error {
	rec, err := m.db.GetContent(ctx, hash)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil
		}
		return err
	}

	// Revived since marking; leave it alone.
	if rec.RefCount != 0 || !rec.Deletable {
		return nil
	}

	h, err := webarchive.ParseHash(hash)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, h); err != nil {
		return err
	}
	if err := m.db.DeleteContent(ctx, hash); err != nil {
		return err
	}

	result.ObjectsDeleted++
	result.BytesReclaimed += rec.CompressedSize
	m.logger.Debug("swept content object", "hash", h.ShortString())
	return nil
}

// sweepOrphans removes blobs present on disk with no index record,
// typically the residue of a crash between a blob write and the index
// insert. An unindexed blob can also belong to an in-flight ingestion
// unit that has written its bytes but not yet committed its record, so
// only blobs older than the grace window are treated as orphans; an
// unknown write time means the blob is left alone.
func (m *Manager) sweepOrphans(ctx context.Context, result *SweepResult) {
	hashes, err := m.store.ListHashes(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list stored objects: %v", err))
		m.logger.Error("orphan scan failed", "error", err)
		return
	}

	cutoff := m.now().Add(-m.config.GraceWindow)
	for _, h := range hashes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := m.db.GetContent(ctx, h.String())
		if err == nil {
			continue
		}
		if !errors.Is(err, metadb.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("orphan check %s: %v", h.ShortString(), err))
			continue
		}

		mtime, err := m.store.ModTime(ctx, h)
		if err != nil {
			// Deleted or unstattable since listing; nothing to reclaim.
			continue
		}
		if mtime.IsZero() || mtime.After(cutoff) {
			continue
		}

		if err := m.store.Delete(ctx, h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan %s: %v", h.ShortString(), err))
			continue
		}
		result.OrphansDeleted++
		m.logger.Debug("deleted orphan blob", "hash", h.ShortString())
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

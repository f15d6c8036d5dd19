// Package session manages session index documents: buffered appends of
// request records, flushed to date-partitioned JSON documents in the
// backend with durable pointers in the metadata index.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/backend"
	"github.com/wolfeidau/web-archive/store/metadb"
	"github.com/wolfeidau/web-archive/telemetry"
)

// Config holds session manager configuration.
type Config struct {
	// FlushInterval is the elapsed-time flush threshold: a buffer older
	// than this is flushed on the next check. Default is 30 seconds.
	FlushInterval time.Duration

	// FlushRecords is the record-count flush threshold: a buffer
	// reaching this many records is flushed immediately. Default is 50.
	FlushRecords int

	// CheckInterval is how often the background loop looks for aged
	// buffers. Default is 5 seconds.
	CheckInterval time.Duration

	// Logger for flush events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 30 * time.Second,
		FlushRecords:  50,
		CheckInterval: 5 * time.Second,
		Logger:        slog.Default(),
	}
}

// buffer accumulates records for one session between flushes. Its mutex
// serializes all appends and flushes for that session; distinct
// sessions proceed independently.
type buffer struct {
	mu sync.Mutex

	pageURL     string
	records     []webarchive.RequestRecord
	firstAppend time.Time
}

// Manager buffers session appends and flushes them as index documents.
type Manager struct {
	config  Config
	backend backend.Backend
	meta    metadb.MetaDB
	logger  *slog.Logger
	now     func() time.Time

	buffersMu sync.Mutex
	buffers   map[string]*buffer

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a session manager.
func NewManager(b backend.Backend, meta metadb.MetaDB, cfg Config) *Manager {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.FlushRecords == 0 {
		cfg.FlushRecords = 50
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		backend: b,
		meta:    meta,
		logger:  cfg.Logger,
		now:     time.Now,
		buffers: make(map[string]*buffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetNow overrides the clock. Test hook.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Append adds one request record to the named session, creating the
// session buffer on first use. The buffer is flushed inline when the
// record-count threshold is reached.
func (m *Manager) Append(ctx context.Context, sessionID, pageURL string, rec webarchive.RequestRecord) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id")
	}

	buf := m.bufferFor(sessionID)

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(buf.records) == 0 {
		buf.pageURL = pageURL
		buf.firstAppend = m.now()
	}
	buf.records = append(buf.records, rec)

	if len(buf.records) >= m.config.FlushRecords {
		return m.flushLocked(ctx, sessionID, buf)
	}
	return nil
}

// Flush writes any buffered records for the session to a new index
// document. No-op for an empty or unknown session.
func (m *Manager) Flush(ctx context.Context, sessionID string) error {
	m.buffersMu.Lock()
	buf, ok := m.buffers[sessionID]
	m.buffersMu.Unlock()
	if !ok {
		return nil
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	return m.flushLocked(ctx, sessionID, buf)
}

// FlushAll flushes every session buffer. Called on shutdown and by the
// background loop for aged buffers.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.buffersMu.Lock()
	ids := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	m.buffersMu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Seal flushes any pending records, then marks the session sealed in
// the metadata index. Further appends for the session will be rejected
// by the index.
func (m *Manager) Seal(ctx context.Context, sessionID string) error {
	if err := m.Flush(ctx, sessionID); err != nil {
		return err
	}

	m.buffersMu.Lock()
	delete(m.buffers, sessionID)
	m.buffersMu.Unlock()

	return m.meta.SealSession(ctx, sessionID)
}

// HasPending reports whether the session has buffered records that have
// not been flushed yet. The metadata index only sees appends at flush
// time, so idle-session scans consult this before sealing.
func (m *Manager) HasPending(sessionID string) bool {
	m.buffersMu.Lock()
	buf, ok := m.buffers[sessionID]
	m.buffersMu.Unlock()
	if !ok {
		return false
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.records) > 0
}

// bufferFor returns the buffer for a session, creating it if needed.
func (m *Manager) bufferFor(sessionID string) *buffer {
	m.buffersMu.Lock()
	defer m.buffersMu.Unlock()

	buf, ok := m.buffers[sessionID]
	if !ok {
		buf = &buffer{}
		m.buffers[sessionID] = buf
	}
	return buf
}

// flushLocked writes the buffered records as one index document. The
// caller holds buf.mu.
func (m *Manager) flushLocked(ctx context.Context, sessionID string, buf *buffer) error {
	if len(buf.records) == 0 {
		return nil
	}

	now := m.now().UTC()
	doc := &webarchive.PageIndex{
		SessionID:    sessionID,
		PageURL:      buf.pageURL,
		Timestamp:    now.UnixMilli(),
		NavigationID: uuid.New().String(),
		Requests:     buf.records,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session document: %w", err)
	}

	date := now.Format(time.DateOnly)
	key := DocumentKey(sessionID, buf.pageURL, date, now)

	if err := m.backend.Write(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing session document: %w", err)
	}

	records := len(buf.records)
	if err := m.meta.AppendSessionDoc(ctx, sessionID, buf.pageURL, date, key, records, now); err != nil {
		return fmt.Errorf("indexing session document: %w", err)
	}

	buf.records = nil
	buf.firstAppend = time.Time{}

	telemetry.RecordSessionFlush(ctx, records)
	m.logger.Debug("flushed session document",
		slog.String("session_id", sessionID),
		slog.String("key", key),
		slog.Int("records", records))

	return nil
}

// DocumentKey builds the backend key for a session index document:
// sessions/<date>/<session id>/<millis>_<urlhash8>.json
func DocumentKey(sessionID, pageURL, date string, at time.Time) string {
	urlHash := webarchive.HashString(pageURL).String()[:8]
	return fmt.Sprintf("sessions/%s/%s/%d_%s.json", date, sessionID, at.UnixMilli(), urlHash)
}

// Start begins the background flush loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops the background loop and flushes all remaining buffers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.flushAged(ctx)
		case <-m.stopCh:
			if err := m.FlushAll(context.WithoutCancel(ctx)); err != nil {
				m.logger.Error("final session flush failed", slog.Any("error", err))
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// flushAged flushes buffers older than the elapsed-time threshold.
func (m *Manager) flushAged(ctx context.Context) {
	cutoff := m.now().Add(-m.config.FlushInterval)

	m.buffersMu.Lock()
	ids := make([]string, 0, len(m.buffers))
	for id, buf := range m.buffers {
		buf.mu.Lock()
		aged := len(buf.records) > 0 && buf.firstAppend.Before(cutoff)
		buf.mu.Unlock()
		if aged {
			ids = append(ids, id)
		}
	}
	m.buffersMu.Unlock()

	for _, id := range ids {
		if err := m.Flush(ctx, id); err != nil {
			m.logger.Error("session flush failed",
				slog.String("session_id", id),
				slog.Any("error", err))
		}
	}
}

// Package compact provides the periodic maintenance cycle for the
// archive: existence-filter rebuilds, sealing of idle sessions, and
// marking zero-reference content for the explicit sweep.
package compact

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/web-archive/filter"
	"github.com/wolfeidau/web-archive/session"
	"github.com/wolfeidau/web-archive/store"
	"github.com/wolfeidau/web-archive/store/metadb"
)

// Index is the metadata index surface compaction needs: the full index
// contract plus hash enumeration for filter rebuilds.
type Index interface {
	metadb.MetaDB
	filter.Source
}

// Config configures the compaction manager.
type Config struct {
	Interval         time.Duration // How often to run (default: 1h)
	StartupDelay     time.Duration // Delay before first run (default: 5m)
	BatchSize        int           // Max items to process per phase per run (default: 1000)
	RetentionAge     time.Duration // Seal sessions idle longer than this (default: 24h)
	GraceWindow      time.Duration // Zero-ref content younger than this is never marked (default: 168h)
	RebuildHighWater float64       // Filter occupancy triggering a rebuild (default: 0.85)
	FilterFPRate     float64       // Target false-positive rate for rebuilt filters
	FilterPath       string        // Snapshot path for rebuilt filters; empty disables persistence
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         1 * time.Hour,
		StartupDelay:     5 * time.Minute,
		BatchSize:        1000,
		RetentionAge:     24 * time.Hour,
		GraceWindow:      7 * 24 * time.Hour,
		RebuildHighWater: filter.DefaultHighWater,
		FilterFPRate:     filter.DefaultFPRate,
	}
}

// Result contains the results of one compaction run.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	FilterRebuilt   bool          `json:"filter_rebuilt"`
	SessionsSealed  int           `json:"sessions_sealed"`
	MarkedDeletable int           `json:"marked_deletable"`
	Errors          []string      `json:"errors,omitempty"`
}

// SweepResult contains the results of one explicit sweep.
type SweepResult struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	ObjectsDeleted int           `json:"objects_deleted"`
	OrphansDeleted int           `json:"orphans_deleted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Errors         []string      `json:"errors,omitempty"`
}

// Manager runs the compaction cycle. Every phase is idempotent: an
// interrupted run leaves nothing a re-run cannot reconcile.
type Manager struct {
	db       Index
	store    *store.ContentStore
	sessions *session.Manager
	active   *filter.Active
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a compaction manager.
func New(db Index, cs *store.ContentStore, sm *session.Manager, active *filter.Active, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval == 0 {
		config.Interval = 1 * time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}
	if config.RetentionAge == 0 {
		config.RetentionAge = 24 * time.Hour
	}
	if config.GraceWindow == 0 {
		config.GraceWindow = 7 * 24 * time.Hour
	}
	if config.RebuildHighWater == 0 {
		config.RebuildHighWater = filter.DefaultHighWater
	}
	if config.FilterFPRate == 0 {
		config.FilterFPRate = filter.DefaultFPRate
	}

	return &Manager{
		db:       db,
		store:    cs,
		sessions: sm,
		active:   active,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Start starts the background compaction goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the compaction manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate compaction run.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.runCompaction(ctx), nil
}

// Status returns the last compaction result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("compaction manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"retention_age", m.config.RetentionAge,
		"grace_window", m.config.GraceWindow,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.setRunning(false)
		return
	}

	m.runCompaction(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCompaction(ctx)
		case <-m.stopCh:
			m.logger.Info("compaction manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("compaction manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runCompaction(ctx context.Context) *Result {
	result := &Result{
		StartedAt: m.now(),
	}

	m.logger.Info("starting compaction run")

	m.phaseRebuildFilter(ctx, result)
	m.phaseSealIdleSessions(ctx, result)
	m.phaseMarkDeletable(ctx, result)

	result.Duration = m.now().Sub(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.logger.Info("compaction run completed",
		"duration", result.Duration,
		"filter_rebuilt", result.FilterRebuilt,
		"sessions_sealed", result.SessionsSealed,
		"marked_deletable", result.MarkedDeletable,
		"errors", len(result.Errors),
	)

	return result
}

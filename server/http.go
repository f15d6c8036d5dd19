// Package server provides the HTTP server for the web archive engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	webarchive "github.com/wolfeidau/web-archive"
	"github.com/wolfeidau/web-archive/archive"
	"github.com/wolfeidau/web-archive/backend"
	"github.com/wolfeidau/web-archive/cache"
	"github.com/wolfeidau/web-archive/codec"
	"github.com/wolfeidau/web-archive/compact"
	"github.com/wolfeidau/web-archive/filter"
	"github.com/wolfeidau/web-archive/session"
	"github.com/wolfeidau/web-archive/store"
	"github.com/wolfeidau/web-archive/store/metadb"
	"github.com/wolfeidau/web-archive/telemetry"
)

const (
	indexFilename  = "index.db"
	filterFilename = "filter.snapshot"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for storage
	StoragePath string

	// CacheEntries is the hot cache capacity in entries.
	CacheEntries int

	// SessionFlushInterval is the elapsed-time session flush threshold.
	SessionFlushInterval time.Duration

	// SessionFlushRecords is the record-count session flush threshold.
	SessionFlushRecords int

	// CompactInterval is how often compaction runs.
	CompactInterval time.Duration

	// CompactStartupDelay delays the first compaction run.
	CompactStartupDelay time.Duration

	// RetentionAge is the idle age past which sessions are sealed.
	RetentionAge time.Duration

	// GraceWindow is the age a zero-reference object must reach before
	// compaction marks it for the sweep.
	GraceWindow time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the archive engine.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend    backend.Backend
	codec      *codec.Codec
	db         *metadb.BoltDB
	active     *filter.Active
	filterPath string
	cache      *cache.HotCache
	store      *store.ContentStore
	sessions   *session.Manager
	ingestor   *archive.Ingestor
	compactMgr *compact.Manager
}

// New creates a new server with the given configuration. The existence
// filter is loaded from its persisted snapshot when present; a missing
// or unreadable snapshot forces a rebuild from the metadata index
// before any ingestion traffic is served.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./archive"
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	c, err := codec.New()
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	db := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := db.Open(filepath.Join(cfg.StoragePath, indexFilename)); err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	filterPath := filepath.Join(cfg.StoragePath, filterFilename)
	active, err := loadOrRebuildFilter(ctx, filterPath, db, cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	hc, err := cache.New(cfg.CacheEntries)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating hot cache: %w", err)
	}

	contentStore := store.NewContentStore(instrumented)

	sessions := session.NewManager(instrumented, db, session.Config{
		FlushInterval: cfg.SessionFlushInterval,
		FlushRecords:  cfg.SessionFlushRecords,
		Logger:        cfg.Logger.With("component", "session"),
	})

	ingestor := archive.NewIngestor(c, contentStore, db, active, hc, sessions,
		cfg.Logger.With("component", "archive"))

	compactCfg := compact.DefaultConfig()
	if cfg.CompactInterval > 0 {
		compactCfg.Interval = cfg.CompactInterval
	}
	if cfg.CompactStartupDelay > 0 {
		compactCfg.StartupDelay = cfg.CompactStartupDelay
	}
	if cfg.RetentionAge > 0 {
		compactCfg.RetentionAge = cfg.RetentionAge
	}
	if cfg.GraceWindow > 0 {
		compactCfg.GraceWindow = cfg.GraceWindow
	}
	compactCfg.FilterPath = filterPath

	compactMgr := compact.New(db, contentStore, sessions, active, compactCfg,
		cfg.Logger.With("component", "compact"))

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		backend:    instrumented,
		codec:      c,
		db:         db,
		active:     active,
		filterPath: filterPath,
		cache:      hc,
		store:      contentStore,
		sessions:   sessions,
		ingestor:   ingestor,
		compactMgr: compactMgr,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// loadOrRebuildFilter loads the persisted filter snapshot, falling back
// to a rebuild from the metadata index. Serving with an empty filter
// would make negative membership answers unsafe.
func loadOrRebuildFilter(ctx context.Context, path string, db *metadb.BoltDB, logger *slog.Logger) (*filter.Active, error) {
	f, err := filter.LoadFile(path)
	if err == nil {
		logger.Info("loaded existence filter snapshot", "path", path, "items", f.Items())
		return filter.NewActive(f), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("existence filter snapshot unreadable, rebuilding", "path", path, "error", err)
	}

	f, err = filter.Rebuild(ctx, db, filter.DefaultFPRate, logger)
	if err != nil {
		return nil, fmt.Errorf("rebuilding existence filter: %w", err)
	}
	if err := f.SaveFile(path); err != nil {
		logger.Warn("persisting rebuilt filter failed", "path", path, "error", err)
	}
	return filter.NewActive(f), nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (absent unless the exporter is enabled)
	if h := telemetry.PrometheusHandler(); h != nil {
		mux.Handle("GET /metrics", h)
	}

	mux.HandleFunc("POST /v1/archive", s.handleArchive)
	mux.HandleFunc("GET /v1/content/{ref}", s.handleContent)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionsByURL)
	mux.HandleFunc("POST /v1/compact", s.handleCompact)
	mux.HandleFunc("POST /v1/sweep", s.handleSweep)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// archiveResponse is the wire acknowledgement for a batch.
type archiveResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Count   int                  `json:"count"`
	Result  *archive.BatchResult `json:"result"`
}

// handleArchive ingests one capture-client batch.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var batch archive.ArchiveBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding batch: %w", err))
		return
	}

	result, err := s.ingestor.IngestBatch(r.Context(), &batch)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, &archiveResponse{
		Success: true,
		Message: fmt.Sprintf("archived %d entries", result.Archived),
		Count:   result.Entries,
		Result:  result,
	})
}

// handleContent serves the decompressed bytes for a content reference.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	ref, err := webarchive.ParseContentRef(r.PathValue("ref"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	data, rec, err := s.ingestor.Content(r.Context(), ref)
	if err != nil {
		var ierr *archive.IntegrityError
		switch {
		case errors.Is(err, archive.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err)
		case errors.As(err, &ierr):
			s.writeError(w, http.StatusInternalServerError, errors.New("stored object failed verification"))
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	contentType := rec.MediaType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	_, _ = w.Write(data)
}

// handleStats serves the statistics surface.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ingestor.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleSession serves one session's durable index entry.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	entry, err := s.db.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// handleSessionsByURL resolves sessions that captured a page URL.
func (s *Server) handleSessionsByURL(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing url parameter"))
		return
	}

	ids, err := s.db.SessionsByURL(r.Context(), pageURL)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

// handleCompact triggers an immediate compaction run.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	result, err := s.compactMgr.RunNow(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleSweep triggers the explicit deletion sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.compactMgr.Sweep(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		telemetry.RecordHTTP(r.Context(), r.Method, route, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background managers and the HTTP listener.
func (s *Server) Start() error {
	if err := s.sessions.Start(context.Background()); err != nil {
		return fmt.Errorf("starting session manager: %w", err)
	}
	s.compactMgr.Start(context.Background())

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server: stop taking traffic, stop
// the managers (flushing buffered session records), persist the
// existence filter, and release the index.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if serr := s.compactMgr.Stop(ctx); serr != nil && err == nil {
		err = serr
	}
	s.sessions.Stop()

	if serr := s.active.Current().SaveFile(s.filterPath); serr != nil {
		s.logger.Error("persisting filter snapshot failed", slog.Any("error", serr))
		if err == nil {
			err = serr
		}
	}

	if serr := s.db.Close(); serr != nil && err == nil {
		err = serr
	}
	s.codec.Close()

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code
// and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

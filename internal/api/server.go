// Package api exposes snapshots and cached photos over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/photocache/internal/cache"
	"github.com/fruitsalade/photocache/internal/events"
	"github.com/fruitsalade/photocache/internal/logging"
	"github.com/fruitsalade/photocache/internal/metrics"
	"github.com/fruitsalade/photocache/internal/models"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// SnapshotResponse is a snapshot plus the view helpers clients branch on.
type SnapshotResponse struct {
	models.Snapshot
	IsLoading bool `json:"is_loading"`
	NoPhotos  bool `json:"no_photos"`
	Count     int  `json:"count"`
}

// StatsResponse reports cache usage.
type StatsResponse struct {
	SizeBytes   int64               `json:"size_bytes"`
	MaxBytes    int64               `json:"max_bytes"`
	Entries     int                 `json:"entries"`
	Subscribers int                 `json:"subscribers"`
	State       models.LoadingState `json:"state"`
	Version     uint64              `json:"version"`
}

// Server is the HTTP server.
type Server struct {
	cache     *cache.Cache
	publisher *events.Publisher
	triggers  []func()
}

// NewServer creates a new server. POST /api/v1/sync calls every trigger in
// order; nil triggers are ignored.
func NewServer(c *cache.Cache, publisher *events.Publisher, triggers ...func()) *Server {
	s := &Server{cache: c, publisher: publisher}
	for _, t := range triggers {
		if t != nil {
			s.triggers = append(s.triggers, t)
		}
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/photos/{id...}", s.handlePhoto)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

func newSnapshotResponse(snap models.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		Snapshot:  snap,
		IsLoading: models.IsLoading(snap.State),
		NoPhotos:  snap.NoPhotos(),
		Count:     snap.Count(),
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.publisher.Current()

	if fav, _ := strconv.ParseBool(r.URL.Query().Get("favorites")); fav {
		snap.Entries = snap.Favorites()
		if snap.Entries == nil {
			snap.Entries = []models.CacheEntry{}
		}
	}

	s.sendJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// ─── Photos ─────────────────────────────────────────────────────────────────

// handlePhoto serves a cached copy. The entry is held for the duration of
// the response, so eviction cannot delete it mid-read.
func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "missing photo id")
		return
	}

	h, err := s.cache.Acquire(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "photo not cached")
			return
		}
		logging.Error("failed to open cached photo", zap.String("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to open photo")
		return
	}
	defer h.Close()

	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, filepath.Base(h.Entry.CachedLocator), h.Entry.CreatedAt, h)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.publisher.Subscribe()
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(newSnapshotResponse(snap))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Version, data)
			flusher.Flush()
		}
	}
}

// ─── Sync ───────────────────────────────────────────────────────────────────

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if len(s.triggers) == 0 {
		s.sendError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}
	for _, trigger := range s.triggers {
		trigger()
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

// ─── Stats ──────────────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	size, max, count := s.cache.Stats()
	snap := s.publisher.Current()
	s.sendJSON(w, http.StatusOK, StatsResponse{
		SizeBytes:   size,
		MaxBytes:    max,
		Entries:     count,
		Subscribers: s.publisher.Count(),
		State:       snap.State,
		Version:     snap.Version,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}

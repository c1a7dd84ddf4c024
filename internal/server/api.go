package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/index"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/reconcile"
)

// Index is the read side of the reconciliation engine.
type Index interface {
	Lookup(id objects.Identity) (*index.Record, error)
	ReferencesFor(legacy string) ([]index.ObjectRef, error)
	NextFreeID(objectType string, from, to int) (int, error)
}

// ReferencesResponse is the body of GET /references/{legacy}.
type ReferencesResponse struct {
	LegacyFile               string            `json:"legacyFile"`
	ReferencedWorkingObjects []index.ObjectRef `json:"referencedWorkingObjects"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the index read API next to health probes and metrics.
type Server struct {
	Health  *Health
	index   Index
	metrics http.Handler
	logger  *slog.Logger
	srv     *http.Server
}

// New creates a server. metrics may be nil.
func New(idx Index, health *Health, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = NewHealth("")
	}
	return &Server{Health: health, index: idx, metrics: metrics, logger: logger}
}

// Handler returns the routes:
//
//	GET /objects/{type}/{id}
//	GET /objects/{type}/next-id?from=&to=
//	GET /references/{legacy}
//	GET /health, /ready, /live, /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /objects/{type}/next-id", s.handleNextID)
	mux.HandleFunc("GET /objects/{type}/{id}", s.handleObject)
	mux.HandleFunc("GET /references/{legacy...}", s.handleReferences)
	s.Health.Register(mux)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = ":8080"
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.Health.SetReady(true)
	s.logger.Info("index API listening", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Health.SetReady(false)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	id, err := objects.ParseIdentity(r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	rec, err := s.index.Lookup(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	legacy := r.PathValue("legacy")
	refs, err := s.index.ReferencesFor(legacy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if refs == nil {
		refs = []index.ObjectRef{}
	}
	writeJSON(w, http.StatusOK, ReferencesResponse{LegacyFile: legacy, ReferencedWorkingObjects: refs})
}

func (s *Server) handleNextID(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err1 := strconv.Atoi(q.Get("from"))
	to, err2 := strconv.Atoi(q.Get("to"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from and to must be integers"})
		return
	}
	objectType := r.PathValue("type")
	if !objects.IsKnownType(objectType) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown object type " + strconv.Quote(objectType)})
		return
	}
	n, err := s.index.NextFreeID(objectType, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"id": n})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, index.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, index.ErrNoFreeID):
		status = http.StatusConflict
	case errors.Is(err, reconcile.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("index API request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

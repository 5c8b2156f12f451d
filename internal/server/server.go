package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"histostack/internal/batch"
	"histostack/internal/graph"
	"histostack/internal/pipeline"
	"histostack/internal/storage"
	"histostack/internal/tools"
	"histostack/internal/watch"
)

// Server exposes run status over HTTP and streams job results and new
// artifacts to websocket clients.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	tools    *tools.Manager
	watcher  *watch.Watcher
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server

	mu   sync.Mutex
	last *pipeline.Summary
	base context.Context
}

// NewServer creates a server. store, mgr and watcher may be nil.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, mgr *tools.Manager, watcher *watch.Watcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		tools:    mgr,
		watcher:  watcher,
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		base: context.Background(),
	}
}

// Handler returns the router with every route installed.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/last", s.handleLastRun).Methods("GET")
	r.HandleFunc("/plan", s.handlePlan).Methods("GET")
	r.HandleFunc("/tools", s.handleTools).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	go s.hub.run(ctx)
	go s.forward(ctx)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// forward relays executor results and watcher events to websocket clients.
func (s *Server) forward(ctx context.Context) {
	var results <-chan batch.Result
	if s.pipeline != nil {
		ch, unsubscribe := s.pipeline.Executor().Subscribe()
		defer unsubscribe()
		results = ch
	}
	var events <-chan watch.Event
	if s.watcher != nil {
		events = s.watcher.Events
	}
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.hub.publish("job", jobMessage(res))
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.hub.publish("artifact", ev)
		}
	}
}

type jobPayload struct {
	batch.Job
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func jobMessage(res batch.Result) jobPayload {
	p := jobPayload{Job: res.Job, Status: res.Status}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	recs, err := s.store.RecentJobs(r.URL.Query().Get("run"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleJobMeta returns the last result metadata recorded for a job.
func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "no result for job "+id, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "meta": meta})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(queryInt(r, "limit", 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()

	runID, done, err := s.pipeline.Start(ctx)
	if errors.Is(err, pipeline.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("run started", "run", runID)
	s.hub.publish("run", map[string]string{"run_id": runID, "status": "started"})

	go func() {
		sum := <-done
		s.mu.Lock()
		s.last = sum
		s.mu.Unlock()
		status := "completed"
		if sum != nil && sum.Error != "" {
			status = "failed"
		}
		s.hub.publish("run", map[string]string{"run_id": runID, "status": status})
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		http.Error(w, "no run finished yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}
	plan, err := s.pipeline.Plan(r.Context(), "")
	var ue *graph.UnreachableError
	switch {
	case plan == nil:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil && !errors.As(err, &ue):
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeJSON(w, http.StatusOK, []tools.ToolStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.tools.Status())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

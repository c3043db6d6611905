// Package manage provides HTTP handlers for starting, watching and cancelling runs.
package manage

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/pipeline"
	"github.com/tstromberg/sortera/pkg/sortera"
)

// DefaultOrigins are the browser origins allowed to call the API.
var DefaultOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

// Server is the run control API.
type Server struct {
	o       *pipeline.Orchestrator
	root    string
	origins []string

	// mu serialises starts so that only one run is in progress.
	mu sync.Mutex
}

// New creates a new server. root is used when a request does not name one.
func New(o *pipeline.Orchestrator, root string, origins []string) *Server {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	return &Server{o: o, root: root, origins: origins}
}

// StartRequest is the body of POST /api/v1/runs.
type StartRequest struct {
	Root       string   `json:"root"`
	Images     []string `json:"images,omitempty"`
	CurateOnly bool     `json:"curate_only,omitempty"`
}

// RunStatus describes a run. Summary is only set once the run is finished.
type RunStatus struct {
	ID        string            `json:"id"`
	State     pipeline.State    `json:"state"`
	Processed int               `json:"processed"`
	Total     int               `json:"total"`
	StartedAt time.Time         `json:"started_at"`
	Error     string            `json:"error,omitempty"`
	Summary   *pipeline.Summary `json:"summary,omitempty"`
}

func status(r *pipeline.Run) RunStatus {
	n, total := r.Progress()
	st := RunStatus{ID: r.ID, State: r.State(), Processed: n, Total: total, StartedAt: r.StartedAt()}
	if s, ok := r.Summary(); ok {
		st.Summary = s
		st.Error = s.Err
	}
	return st
}

// Routes returns the router for the API.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.StartHandler())
		r.Get("/runs", s.ListHandler())
		r.Get("/runs/{runID}", s.StatusHandler())
		r.Delete("/runs/{runID}", s.CancelHandler())
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return r
}

// StartHandler starts a run. Only one run may be in progress at a time.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.Root == "" {
			req.Root = s.root
		}
		if req.Root == "" && len(req.Images) == 0 {
			respondError(w, http.StatusBadRequest, "missing 'root'")
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for _, run := range s.o.Runs() {
			if !run.State().Terminal() {
				respondError(w, http.StatusConflict, "run "+run.ID+" is in progress")
				return
			}
		}

		in := pipeline.Input{
			Root:       req.Root,
			Images:     req.Images,
			CurateOnly: req.CurateOnly,
			Progress: func(e pipeline.Event) {
				klog.V(1).Infof("run %s: %d/%d %s", e.RunID, e.Processed, e.Total, e.Image.Path)
			},
		}
		run, err := s.o.Start(r.Context(), in)
		if err != nil {
			code := http.StatusBadGateway
			if sortera.IsConfigError(err) {
				code = http.StatusBadRequest
			}
			respondJSON(w, code, status(run))
			return
		}
		klog.Infof("started run %s on %s", run.ID, req.Root)
		respondJSON(w, http.StatusAccepted, status(run))
	}
}

// ListHandler lists every run, oldest first.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := []RunStatus{}
		for _, run := range s.o.Runs() {
			st := status(run)
			st.Summary = nil
			out = append(out, st)
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// StatusHandler returns the status of a run.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.o.Get(chi.URLParam(r, "runID"))
		if !ok {
			respondError(w, http.StatusNotFound, "unknown run")
			return
		}
		respondJSON(w, http.StatusOK, status(run))
	}
}

// CancelHandler requests cancellation of a run.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "runID")
		if err := s.o.Cancel(id); err != nil {
			if errors.Is(err, pipeline.ErrUnknownRun) {
				respondError(w, http.StatusNotFound, "unknown run")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		run, _ := s.o.Get(id)
		respondJSON(w, http.StatusAccepted, status(run))
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	bs, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(bs)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}

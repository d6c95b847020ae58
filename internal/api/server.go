// Package api implements the HTTP+JSON API: one handler per Dispatcher
// operation, served over a Unix-domain socket.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/nyxlabs/gvmd/internal/gvm"
	"github.com/nyxlabs/gvmd/internal/gvmerr"
	"github.com/nyxlabs/gvmd/internal/qmp"
)

// Dispatcher is the subset of *dispatch.Dispatcher the API depends on.
type Dispatcher interface {
	Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error)
	Start(ctx context.Context, name string) (*gvm.Record, error)
	Stop(ctx context.Context, name string, graceSeconds int) (*gvm.Record, error)
	Pause(ctx context.Context, name string) (*gvm.Record, error)
	Resume(ctx context.Context, name string) (*gvm.Record, error)
	Suspend(ctx context.Context, name string) (*gvm.Record, error)
	Reset(ctx context.Context, name string) (*gvm.Record, error)
	Destroy(ctx context.Context, name string, force bool) error
	Get(name string) (*gvm.Record, error)
	List() ([]*gvm.Record, error)
}

// Server wires the Dispatcher to a stdlib net/http.ServeMux.
type Server struct {
	dispatcher          Dispatcher
	qmpFactory          func(socketPath string) qmp.Client
	defaultGraceSeconds int
	log                 *slog.Logger
	mux                 *http.ServeMux
}

// New constructs a Server and registers its routes.
func New(d Dispatcher, qmpFactory func(string) qmp.Client, defaultGraceSeconds int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{dispatcher: d, qmpFactory: qmpFactory, defaultGraceSeconds: defaultGraceSeconds, log: log, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler. Handlers run with a context that is
// not cancelled when the client disconnects, so an operation that has
// started runs to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r.WithContext(context.WithoutCancel(r.Context())))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/gvms", s.handleCreate)
	s.mux.HandleFunc("GET /v1/gvms", s.handleList)
	s.mux.HandleFunc("GET /v1/gvms/{name}", s.handleGet)
	s.mux.HandleFunc("DELETE /v1/gvms/{name}", s.handleDestroy)
	s.mux.HandleFunc("POST /v1/gvms/{name}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/gvms/{name}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/gvms/{name}/pause", s.handlePause)
	s.mux.HandleFunc("POST /v1/gvms/{name}/resume", s.handleResume)
	s.mux.HandleFunc("POST /v1/gvms/{name}/suspend", s.handleSuspend)
	s.mux.HandleFunc("POST /v1/gvms/{name}/reset", s.handleReset)
	s.mux.HandleFunc("GET /v1/gvms/{name}/logs", s.handleLogs)
	s.mux.HandleFunc("GET /v1/gvms/{name}/stats", s.handleStats)
}

func kindToStatus(k gvmerr.Kind) int {
	switch k {
	case gvmerr.NotFound:
		return http.StatusNotFound
	case gvmerr.AlreadyExists, gvmerr.Conflict:
		return http.StatusConflict
	case gvmerr.InvalidTransition, gvmerr.BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := gvmerr.KindOf(err)
	status := kindToStatus(kind)
	s.log.Warn("request failed", "kind", kind, "error", err, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(kind), "message": err.Error()},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type createRequest struct {
	Name   string    `json:"name"`
	Config gvm.Config `json:"config"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gvmerr.Wrap(gvmerr.BadRequest, err, "decode request body"))
		return
	}
	rec, err := s.dispatcher.Create(r.Context(), req.Name, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.dispatcher.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Get(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.dispatcher.Destroy(r.Context(), r.PathValue("name"), force); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Start(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	grace := s.defaultGraceSeconds
	if v := r.URL.Query().Get("grace_seconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			grace = n
		}
	}
	rec, err := s.dispatcher.Stop(r.Context(), r.PathValue("name"), grace)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Pause(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Resume(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Suspend(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Reset(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Get(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec.SerialLogPath == "" {
		s.writeError(w, gvmerr.New(gvmerr.NotFound, "gvm %q has no serial log yet", rec.Name))
		return
	}
	f, err := os.Open(rec.SerialLogPath)
	if err != nil {
		s.writeError(w, gvmerr.Wrap(gvmerr.StorageError, err, "open serial log"))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, f)
}

type statsResponse struct {
	CPUs   []qmp.CPUInfo  `json:"cpus"`
	Memory qmp.MemoryInfo `json:"memory"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.Get(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec.ControlSocketPath == "" {
		s.writeError(w, gvmerr.New(gvmerr.InvalidTransition, "gvm %q is not running", rec.Name))
		return
	}
	client := s.qmpFactory(rec.ControlSocketPath)
	cpus, err := client.QueryCPUs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	mem, err := client.QueryMemory(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, statsResponse{CPUs: cpus, Memory: mem})
}

// Package controlplane implements the worker agent's inbound HTTP API:
// the routes the manager (or an operator) drives the Lifecycle
// Controller through. Routing is gorilla/mux, matching roadrunner's
// preference for an explicit router over bare net/http.ServeMux
// pattern matching.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spiral/errors"
	"github.com/spiral/tcplisten"
	"go.uber.org/zap"

	"github.com/jamiebuilds/ClusterRunner/internal/errkind"
	"github.com/jamiebuilds/ClusterRunner/internal/worker"
)

// Server exposes the worker agent's control endpoint.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     *zap.Logger
}

// New builds a Server listening on addr, ready to ListenAndServe.
func New(addr string, w *worker.Worker, logger *zap.Logger) *Server {
	s := &Server{worker: w, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/worker", s.handleGetWorker).Methods(http.MethodGet)
	r.HandleFunc("/v1/setup", s.handleSetup).Methods(http.MethodPost)
	r.HandleFunc("/v1/teardown", s.handleTeardown).Methods(http.MethodPost)
	r.HandleFunc("/v1/build/{buildID}/subjob/{subjobID}", s.handleStartSubjob).Methods(http.MethodPost)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// reuseportConfig enables SO_REUSEPORT on the control endpoint's
// listener, so a restarted worker-agent can rebind its port immediately
// instead of waiting out TIME_WAIT.
var reuseportConfig = &tcplisten.Config{ReusePort: true}

// ListenAndServe blocks serving the control endpoint until the listener
// fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := reuseportConfig.NewListener("tcp4", s.httpServer.Addr)
	if err != nil {
		return err
	}

	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, waiting up to ctx's deadline
// for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.worker.GetStatus()))
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.APIRepresentation())
}

type setupRequest struct {
	BuildID           int                    `json:"build_id"`
	ProjectTypeParams map[string]interface{} `json:"project_type_params"`
	BaseExecutorIndex int                    `json:"base_executor_index"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.E(errors.Op("handle_setup"), errkind.BadRequest, err))
		return
	}

	if err := s.worker.SetupBuild(req.BuildID, req.ProjectTypeParams, req.BaseExecutorIndex); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type teardownRequest struct {
	BuildID *int `json:"build_id"`
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	var req teardownRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.worker.TeardownBuild(req.BuildID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type startSubjobRequest struct {
	AtomicCommands []string `json:"atomic_commands"`
}

type startSubjobResponse struct {
	ExecutorID int `json:"executor_id"`
}

func (s *Server) handleStartSubjob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	buildID, err1 := pathInt(vars["buildID"])
	subjobID, err2 := pathInt(vars["subjobID"])
	if err1 != nil || err2 != nil {
		writeError(w, errors.E(errors.Op("handle_start_subjob"), errkind.BadRequest, errors.Str("invalid path parameters")))
		return
	}

	var req startSubjobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.E(errors.Op("handle_start_subjob"), errkind.BadRequest, err))
		return
	}

	executorID, err := s.worker.StartSubjob(r.Context(), buildID, subjobID, req.AtomicCommands)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startSubjobResponse{ExecutorID: executorID})
}

func pathInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errors.Str("empty path parameter")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.Str("non-numeric path parameter")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the worker's errkind.Kind onto an HTTP status code:
// BadRequest/InvalidState become 4xx, anything else a 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(errkind.BadRequest, err):
		status = http.StatusBadRequest
	case errors.Is(errkind.InvalidState, err):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Package managerfake implements an in-memory manager good enough to
// exercise internal/managerclient and internal/controlplane end to end,
// without mocking the transport boundary. Backed by net/http/httptest,
// in the spirit of roadrunner's own use of real listeners in its
// socket-factory tests rather than interface mocks.
package managerfake

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
)

// StateChange records one PUT /v1/worker/{id} notification.
type StateChange struct {
	WorkerID int
	State    string
}

// Result records one uploaded subjob result.
type Result struct {
	BuildID  int
	SubjobID int
	Data     string
	FileBody []byte
}

// Server is a minimal stand-in manager implementing the five endpoints
// a worker agent calls: register, heartbeat, notify-state, upload
// result, and ping.
type Server struct {
	httpServer *httptest.Server

	mu           sync.Mutex
	nextWorkerID int
	stateChanges []StateChange
	heartbeats   int
	results      []Result
	unreachable  bool
}

// New starts a fake manager listening on an ephemeral local port.
func New() *Server {
	s := &Server{nextWorkerID: 1}

	r := mux.NewRouter()
	r.HandleFunc("/v1/", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/v1/worker", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/worker/{id}", s.handleStateChange).Methods(http.MethodPut)
	r.HandleFunc("/v1/worker/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/build/{buildID}/subjob/{subjobID}/result", s.handleResult).Methods(http.MethodPost)

	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the host:port this fake manager listens on, suitable for
// managerclient.New.
func (s *Server) URL() string {
	return s.httpServer.Listener.Addr().String()
}

// Close shuts down the fake manager.
func (s *Server) Close() {
	s.httpServer.Close()
}

// SetUnreachable makes every handler hang up immediately, simulating a
// manager that is down.
func (s *Server) SetUnreachable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = v
}

// StateChanges returns a copy of every state-change notification
// received so far, in order.
func (s *Server) StateChanges() []StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StateChange(nil), s.stateChanges...)
}

// Heartbeats returns the number of heartbeats received so far.
func (s *Server) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// Results returns a copy of every uploaded subjob result.
func (s *Server) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func (s *Server) checkUnreachable(w http.ResponseWriter) bool {
	s.mu.Lock()
	down := s.unreachable
	s.mu.Unlock()
	if down {
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return true
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.checkUnreachable(w) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.checkUnreachable(w) {
		return
	}
	s.mu.Lock()
	id := s.nextWorkerID
	s.nextWorkerID++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"worker_id": id})
}

func (s *Server) handleStateChange(w http.ResponseWriter, r *http.Request) {
	if s.checkUnreachable(w) {
		return
	}
	vars := mux.Vars(r)
	id := atoiSafe(vars["id"])

	var body struct {
		Worker struct {
			State string `json:"state"`
		} `json:"worker"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.stateChanges = append(s.stateChanges, StateChange{WorkerID: id, State: body.Worker.State})
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.checkUnreachable(w) {
		return
	}
	s.mu.Lock()
	s.heartbeats++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if s.checkUnreachable(w) {
		return
	}
	vars := mux.Vars(r)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data := r.FormValue("data")

	file, _, err := r.FormFile("file")
	var fileBody []byte
	if err == nil {
		fileBody, _ = io.ReadAll(file)
		_ = file.Close()
	}

	s.mu.Lock()
	s.results = append(s.results, Result{
		BuildID:  atoiSafe(vars["buildID"]),
		SubjobID: atoiSafe(vars["subjobID"]),
		Data:     data,
		FileBody: fileBody,
	})
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}

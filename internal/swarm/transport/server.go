package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/swarmguard/meshnode/internal/swarm/identity"
	"github.com/swarmguard/meshnode/internal/swarm/kernel"
)

// HeartbeatRequest is the body of POST /api/heartbeat.
type HeartbeatRequest struct {
	NodeID        string  `json:"node_id"`
	Timestamp     string  `json:"timestamp"`
	ActiveSessions int    `json:"active_sessions"`
	Load          float64 `json:"load"`
}

// GossipRequest is the body of POST /api/gossip.
type GossipRequest struct {
	Peers []GossipPeer `json:"peers"`
}

// GossipPeer is one peer summary exchanged during gossip.
type GossipPeer struct {
	NodeID string `json:"node_id"`
	APIURL string `json:"api_url"`
}

// GossipResponse mirrors the request shape — each side replies with its
// own local view.
type GossipResponse struct {
	Peers []GossipPeer `json:"peers"`
}

// TaskRequest is the body of POST /api/task.
type TaskRequest struct {
	TaskID      string         `json:"task_id"`
	TaskText    string         `json:"task_text"`
	SessionID   string         `json:"session_id"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	DCT         json.RawMessage `json:"dct,omitempty"`
}

// TaskAcceptResponse is the synchronous reply to POST /api/task.
type TaskAcceptResponse struct {
	Accepted bool `json:"accepted"`
}

// ResultRequest is the body of POST /api/result.
type ResultRequest struct {
	TaskID        string            `json:"task_id"`
	PeerNodeID    string            `json:"peer_node_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Result        kernel.TaskResult `json:"result"`
}

// StatusReply is the body of GET /api/task/{id}/status.
type StatusReply struct {
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	ProgressPct    *float64 `json:"progress_pct,omitempty"`
	LastActivityAt string  `json:"last_activity_at"`
}

// TriggerRequest is the body of POST /api/trigger.
type TriggerRequest struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handlers is the narrow capability interface SwarmNode implements; Server
// only knows how to route HTTP onto it.
type Handlers interface {
	Identity() identity.NodeIdentity
	Peers(status string) []byte
	Join(identity.NodeIdentity)
	Leave(nodeID string)
	Heartbeat(req HeartbeatRequest) error
	Gossip(req GossipRequest) GossipResponse
	Task(req TaskRequest) (TaskAcceptResponse, error)
	Result(req ResultRequest) error
	TaskStatus(taskID string) (StatusReply, error)
	TaskCancel(taskID string) (known bool, err error)
	Trigger(req TriggerRequest) error
	Status() []byte
}

// Server wires Handlers onto net/http.
type Server struct {
	mux     *http.ServeMux
	h       Handlers
	log     *slog.Logger
	httpSrv *http.Server
}

// NewServer builds the ServeMux for every /api/ endpoint in spec.md §4.1.
func NewServer(addr string, h Handlers) *Server {
	s := &Server{mux: http.NewServeMux(), h: h, log: slog.Default().With("component", "transport")}
	s.routes()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.logMiddleware(s.mux)}
	return s
}

// Mux exposes the underlying ServeMux so main can mount /health and
// /metrics alongside the /api/ routes, the same way orchestrator's main.go
// does.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/identity", s.handleIdentity)
	s.mux.HandleFunc("GET /api/peers", s.handlePeers)
	s.mux.HandleFunc("POST /api/join", s.handleJoin)
	s.mux.HandleFunc("POST /api/leave", s.handleLeave)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/gossip", s.handleGossip)
	s.mux.HandleFunc("POST /api/task", s.handleTask)
	s.mux.HandleFunc("POST /api/result", s.handleResult)
	s.mux.HandleFunc("GET /api/task/{id}/status", s.handleTaskStatus)
	s.mux.HandleFunc("POST /api/task/{id}/cancel", s.handleTaskCancel)
	s.mux.HandleFunc("POST /api/trigger", s.handleTrigger)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

// logMiddleware wraps every request with a request-id and latency log line,
// the same shape as services/api-gateway/main_new.go's logMiddleware.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = time.Now().Format("20060102150405.000000000")
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "request_id", reqID, "latency_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.h.Identity())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	raw := s.h.Peers(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var id identity.NodeIdentity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil || id.NodeID == "" {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "invalid identity payload"))
		return
	}
	s.h.Join(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == "" {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "node_id required"))
		return
	}
	s.h.Leave(body.NodeID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "invalid heartbeat payload"))
		return
	}
	if err := s.h.Heartbeat(req); err != nil {
		writeError(w, NewError(ErrUnknownPeer, http.StatusNotFound, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var req GossipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "invalid gossip payload"))
		return
	}
	resp := s.h.Gossip(req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "invalid task payload"))
		return
	}
	resp, err := s.h.Task(req)
	if err != nil {
		writeError(w, NewError(ErrCapabilityViolation, http.StatusForbidden, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "invalid result payload"))
		return
	}
	_ = s.h.Result(req) // idempotent: unknown task_id is a no-op, not an error
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reply, err := s.h.TaskStatus(id)
	if err != nil {
		writeError(w, NewError(ErrUnknownPeer, http.StatusNotFound, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	known, err := s.h.TaskCancel(id)
	if err != nil {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"known": known})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeError(w, NewError(ErrValidation, http.StatusBadRequest, "invalid trigger payload"))
		return
	}
	if err := s.h.Trigger(req); err != nil {
		writeError(w, NewError(ErrUnimplemented, http.StatusNotImplemented, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw := s.h.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// ListenAndServe starts the HTTP server, blocking until ctx is cancelled or
// an error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

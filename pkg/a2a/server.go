// Package a2a exposes the agent over an A2A-style JSON-RPC 2.0 surface:
// the tasks/send method on the root path, plus the agent card, health,
// and learning-status routes operators poll between evaluation rounds.
package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/opsagent/pkg/bandit"
	"github.com/Mindburn-Labs/opsagent/pkg/contextrl"
	"github.com/Mindburn-Labs/opsagent/pkg/entity"
	"github.com/Mindburn-Labs/opsagent/pkg/fsm"
	"github.com/Mindburn-Labs/opsagent/pkg/knowledge"
	"github.com/Mindburn-Labs/opsagent/pkg/rlcase"
	"github.com/Mindburn-Labs/opsagent/pkg/session"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
	"github.com/Mindburn-Labs/opsagent/pkg/synth"
	"github.com/Mindburn-Labs/opsagent/pkg/worker"
)

// JSON-RPC 2.0 error codes used by the task surface.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const (
	methodTasksSend = "tasks/send"
	maxBodyBytes    = 4 << 20
)

// TaskRunner is the cognitive pipeline behind the transport.
type TaskRunner interface {
	Handle(ctx context.Context, task worker.Task) (string, error)
}

// TrainingSource is the slice of the S3 seeder the server needs.
// *store.Seeder satisfies it; tests stub it.
type TrainingSource interface {
	FetchTrainingRecords(ctx context.Context, limit int) ([]store.TrainingRecord, error)
	FetchLatestReport(ctx context.Context) (map[string]any, error)
}

// Options wires the server. Runner is required; the learning stores are
// optional and the status endpoints simply omit sections for stores not
// provided. A nil Seeder disables training sync.
type Options struct {
	Runner      TaskRunner
	TaskTimeout time.Duration
	CardURL     string
	Version     string

	Cases      *rlcase.Log
	Knowledge  *knowledge.Base
	Entities   *entity.Memory
	ContextRL  *contextrl.Tracker
	DynamicFSM *fsm.DynamicSynthesizer
	Bandit     *bandit.Bandit
	Registry   *synth.Registry
	Sessions   *session.Manager
	Seeder     TrainingSource

	Logger *slog.Logger
}

// Server is the HTTP front of the agent.
type Server struct {
	runner      TaskRunner
	taskTimeout time.Duration
	cardURL     string
	version     string

	cases      *rlcase.Log
	knowledge  *knowledge.Base
	entities   *entity.Memory
	contextRL  *contextrl.Tracker
	dynamicFSM *fsm.DynamicSynthesizer
	bandit     *bandit.Bandit
	registry   *synth.Registry
	sessions   *session.Manager
	seeder     TrainingSource

	gate   *sessionGate
	logger *slog.Logger
}

// sessionGate serialises whole requests per session. Two concurrent
// tasks/send calls against one session would interleave checkpoint
// reads and writes; the second caller waits for the first to finish.
// Entries are refcounted so the map stays bounded by in-flight work.
type sessionGate struct {
	mu    sync.Mutex
	locks map[string]*gateEntry
}

type gateEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionGate() *sessionGate {
	return &sessionGate{locks: map[string]*gateEntry{}}
}

func (g *sessionGate) acquire(sessionID string) *gateEntry {
	g.mu.Lock()
	e := g.locks[sessionID]
	if e == nil {
		e = &gateEntry{}
		g.locks[sessionID] = e
	}
	e.refs++
	g.mu.Unlock()

	e.mu.Lock()
	return e
}

func (g *sessionGate) release(sessionID string, e *gateEntry) {
	e.mu.Unlock()

	g.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(g.locks, sessionID)
	}
	g.mu.Unlock()
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.TaskTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}
	return &Server{
		runner:      opts.Runner,
		taskTimeout: timeout,
		cardURL:     opts.CardURL,
		version:     version,
		cases:       opts.Cases,
		knowledge:   opts.Knowledge,
		entities:    opts.Entities,
		contextRL:   opts.ContextRL,
		dynamicFSM:  opts.DynamicFSM,
		bandit:      opts.Bandit,
		registry:    opts.Registry,
		sessions:    opts.Sessions,
		seeder:      opts.Seeder,
		gate:        newSessionGate(),
		logger:      logger.With("component", "a2a"),
	}
}

// Handler returns the route mux. Split from Start so tests drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/.well-known/agent-card.json", s.handleAgentCard)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/rl/status", s.handleRLStatus)
	mux.HandleFunc("/training/status", s.handleTrainingStatus)
	mux.HandleFunc("/training/sync", s.handleTrainingSync)
	return mux
}

// Start serves until the context is canceled, then drains in-flight
// requests. The write timeout must outlive the task deadline or long
// tasks lose their connection mid-answer.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.taskTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down", "addr", addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// ── JSON-RPC envelope ────────────────────────────────────────────────

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type taskParams struct {
	ID       string       `json:"id"`
	Message  taskMessage  `json:"message"`
	Metadata taskMetadata `json:"metadata"`
}

type taskMessage struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type taskMetadata struct {
	SessionID     string `json:"session_id"`
	PolicyDoc     string `json:"policy_doc"`
	ToolsEndpoint string `json:"tools_endpoint"`
}

type taskResult struct {
	ID        string     `json:"id"`
	Status    taskStatus `json:"status"`
	Artifacts []artifact `json:"artifacts"`
}

type taskStatus struct {
	State string `json:"state"`
}

type artifact struct {
	Parts []textPart `json:"parts"`
}

// handleRPC is the tasks/send endpoint. Every outcome — including
// parse failures and internal errors — leaves as a well-formed JSON-RPC
// envelope with HTTP 200 so callers can always parse the response.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, codeParseError, "Parse error")
		return
	}
	if req.Method != methodTasksSend {
		s.writeError(w, req.ID, codeMethodNotFound, "Method not found")
		return
	}

	task, perr := parseTaskParams(req.Params)
	if perr != nil {
		s.writeError(w, req.ID, codeInvalidParams, perr.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.taskTimeout)
	defer cancel()

	started := time.Now()
	entry := s.gate.acquire(task.SessionID)
	answer, err := s.runTask(ctx, *task)
	s.gate.release(task.SessionID, entry)

	switch {
	case err == nil:
		s.writeResult(w, req.ID, taskResult{
			ID:        task.ID,
			Status:    taskStatus{State: "completed"},
			Artifacts: []artifact{{Parts: []textPart{{Text: answer}}}},
		})
	case errors.Is(err, context.DeadlineExceeded):
		// A timed-out task is a degraded answer, not a protocol error.
		// The worker's partial answer carries the process state it
		// reached; the generic text covers tasks that died before PRIME.
		s.logger.Warn("task timed out", "task_id", task.ID, "elapsed", time.Since(started))
		text := answer
		if strings.TrimSpace(text) == "" {
			text = fmt.Sprintf(
				"Task timed out after %s before completing. Partial progress may have been recorded; retry with a narrower request.",
				s.taskTimeout)
		}
		s.writeResult(w, req.ID, taskResult{
			ID:        task.ID,
			Status:    taskStatus{State: "failed"},
			Artifacts: []artifact{{Parts: []textPart{{Text: text}}}},
		})
	default:
		s.logger.Error("task failed", "task_id", task.ID, "error", err)
		s.writeError(w, req.ID, codeInternalError, "Internal error: "+err.Error())
	}
}

// runTask isolates panics: an internal invariant violation becomes a
// redacted -32603 instead of a dropped connection.
func (s *Server) runTask(ctx context.Context, task worker.Task) (answer string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("task panicked", "task_id", task.ID, "panic", rec)
			err = fmt.Errorf("task aborted by internal error")
		}
	}()
	return s.runner.Handle(ctx, task)
}

// parseTaskParams validates the tasks/send params and fills the A2A
// defaults: task id falls back to a fresh UUID, session id to the task
// id.
func parseTaskParams(raw json.RawMessage) (*worker.Task, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("Invalid params: params required")
	}
	var p taskParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("Invalid params: %v", err)
	}

	var text strings.Builder
	for _, part := range p.Message.Parts {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("Invalid params: message has no text parts")
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	sessionID := p.Metadata.SessionID
	if sessionID == "" {
		sessionID = id
	}
	return &worker.Task{
		ID:            id,
		SessionID:     sessionID,
		Text:          text.String(),
		PolicyDoc:     p.Metadata.PolicyDoc,
		ToolsEndpoint: p.Metadata.ToolsEndpoint,
	}, nil
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"name": "OpsAgent",
		"description": "Business-process AI worker: 8-state FSM execution, deterministic " +
			"policy enforcement, exact financial arithmetic, schema drift resilience, " +
			"and a reinforcement quality loop.",
		"version":      s.version,
		"url":          s.cardURL,
		"capabilities": map[string]any{"streaming": false, "tools": true},
		"skills": []map[string]any{{
			"id":   "business-process",
			"name": "Business Process Worker",
			"description": "End-to-end business process execution: expense approval, " +
				"procurement, offboarding, invoice reconciliation, SLA breach, order " +
				"management, compliance audit, dispute resolution, AR collections, " +
				"month-end close.",
		}},
	})
}

// handleHealth reports readiness plus a compact learning snapshot;
// /rl/status carries the full breakdown.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":  "ok",
		"agent":   "opsagent",
		"version": s.version,
	}
	if s.cases != nil {
		stats := s.cases.Stats()
		out["rl"] = map[string]any{
			"total_cases": stats["total"],
			"avg_quality": stats["avg_quality"],
		}
	}
	if s.sessions != nil {
		out["active_sessions"] = s.sessions.ActiveCount()
	}
	writeJSON(w, out)
}

func (s *Server) writeResult(w http.ResponseWriter, id, result any) {
	writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, id any, code int, message string) {
	writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Package session keeps per-session conversation context for
// multi-turn task requests. Each session ID carries its own turn
// history: older turns compress into a plain summary, the recent six
// stay raw, and sessions idle past an hour are evicted. The state
// machine checkpoint for an in-flight approval gate also lives here so
// a follow-up turn resumes where the process paused.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/fsm"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

const (
	// maxSessionAge evicts sessions idle longer than an hour.
	maxSessionAge = time.Hour
	// maxRawTurns triggers inline compression.
	maxRawTurns = 20
	keepRecent  = 6

	turnSnippet    = 400
	summarySnippet = 200
	// compressSummaryAt is the inline-summary length past which the
	// model-written upgrade kicks in.
	compressSummaryAt = 1200
)

// Turn is one user or assistant message in a session.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Session is the per-session context window.
type Session struct {
	ID                string
	Turns             []Turn
	CompressedSummary string
	ProcessType       string
	Checkpoint        *fsm.Checkpoint
	SchemaCache       map[string]string
	CreatedAt         time.Time
	LastActive        time.Time
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clock    func() time.Time
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}, clock: time.Now}
}

// WithClock injects a clock for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// caller holds the lock
func (m *Manager) getOrCreate(sessionID string) *Session {
	m.evictStale()
	s, ok := m.sessions[sessionID]
	if !ok {
		now := m.clock()
		s = &Session{ID: sessionID, ProcessType: "general", CreatedAt: now, LastActive: now}
		m.sessions[sessionID] = s
	}
	return s
}

// caller holds the lock
func (m *Manager) evictStale() {
	now := m.clock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActive) > maxSessionAge {
			delete(m.sessions, id)
		}
	}
}

// AddTurn appends a turn and compresses the window when it outgrows
// the raw-turn cap.
func (m *Manager) AddTurn(sessionID, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(sessionID)
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, Timestamp: m.clock()})
	s.LastActive = m.clock()
	if len(s.Turns) > maxRawTurns {
		compressInline(s)
	}
}

// compressInline folds older turns into the plain-text summary. No
// model call; the model-backed variant lives in compress.go for full
// message histories.
func compressInline(s *Session) {
	if len(s.Turns) <= keepRecent {
		return
	}
	older := s.Turns[:len(s.Turns)-keepRecent]
	keep := s.Turns[len(s.Turns)-keepRecent:]

	lines := make([]string, 0, len(older))
	for _, t := range older {
		lines = append(lines, turnLabel(t.Role)+": "+clip(t.Content, summarySnippet))
	}
	block := strings.Join(lines, "\n")
	if s.CompressedSummary != "" {
		s.CompressedSummary += "\n\n" + block
	} else {
		s.CompressedSummary = block
	}
	s.Turns = keep
}

// CompressSummary upgrades a grown inline summary to a model-written
// one. Called fire-and-forget after each task; failures leave the
// inline summary in place.
func (m *Manager) CompressSummary(ctx context.Context, client llm.Client, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	var summary string
	if ok {
		summary = s.CompressedSummary
	}
	m.mu.Unlock()
	if client == nil || len(summary) < compressSummaryAt {
		return
	}

	prompt := "Rewrite this conversation log as a summary (max 150 words). " +
		"Preserve goals, amounts, IDs, decisions, and unfinished items:\n\n" + summary
	resp, err := client.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: summaryMaxTokens,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.CompressedSummary = strings.TrimSpace(resp.Content)
	}
}

// ContextPrompt renders the summary plus recent turns for system
// prompt injection. Empty on the first turn of a session.
func (m *Manager) ContextPrompt(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || (s.CompressedSummary == "" && len(s.Turns) == 0) {
		return ""
	}

	var parts []string
	if s.CompressedSummary != "" {
		parts = append(parts, "## Prior Conversation Summary\n"+s.CompressedSummary)
	}
	recent := s.Turns
	if len(recent) > keepRecent {
		recent = recent[len(recent)-keepRecent:]
	}
	if len(recent) > 0 {
		parts = append(parts, "## Recent Conversation")
		for _, t := range recent {
			parts = append(parts, fmt.Sprintf("%s: %s", turnLabel(t.Role), clip(t.Content, turnSnippet)))
		}
	}
	return strings.Join(parts, "\n")
}

// SetProcessType pins the detected process type to the session so
// follow-up turns skip re-classification.
func (m *Manager) SetProcessType(sessionID, processType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(sessionID).ProcessType = processType
}

// ProcessType returns the session's pinned process type, defaulting to
// general.
func (m *Manager) ProcessType(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.ProcessType
	}
	return "general"
}

// IsMultiTurn reports whether the session already has history.
func (m *Manager) IsMultiTurn(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return ok && len(s.Turns) > 0
}

// SetCheckpoint stores the paused state machine for an approval gate.
func (m *Manager) SetCheckpoint(sessionID string, cp *fsm.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(sessionID).Checkpoint = cp
}

// TakeCheckpoint returns and clears the stored checkpoint, if any.
func (m *Manager) TakeCheckpoint(sessionID string) *fsm.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Checkpoint == nil {
		return nil
	}
	cp := s.Checkpoint
	s.Checkpoint = nil
	return cp
}

// SchemaCache returns a copy of the session's learned column
// corrections, keyed tool:column.
func (m *Manager) SchemaCache(sessionID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || len(s.SchemaCache) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.SchemaCache))
	for k, v := range s.SchemaCache {
		out[k] = v
	}
	return out
}

// MergeSchemaCache folds corrections learned this turn into the
// session, keeping earlier entries on conflict.
func (m *Manager) MergeSchemaCache(sessionID string, corrections map[string]string) {
	if len(corrections) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(sessionID)
	if s.SchemaCache == nil {
		s.SchemaCache = make(map[string]string, len(corrections))
	}
	for k, v := range corrections {
		if _, ok := s.SchemaCache[k]; !ok {
			s.SchemaCache[k] = v
		}
	}
}

// ActiveCount returns the number of live sessions after eviction.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictStale()
	return len(m.sessions)
}

func turnLabel(role string) string {
	if role == "user" {
		return "User"
	}
	return "Agent"
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// The escalation manager tracks approval intents raised when policy or the
// approval gate demands human judgment. Intents expire on a timeout and
// resolve into immutable receipts.
package hitl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EscalationStatus is the lifecycle state of an intent.
type EscalationStatus string

const (
	StatusPending  EscalationStatus = "PENDING"
	StatusApproved EscalationStatus = "APPROVED"
	StatusDenied   EscalationStatus = "DENIED"
	StatusTimedOut EscalationStatus = "TIMED_OUT"
)

// EscalationIntent is one held mutation awaiting a human decision.
type EscalationIntent struct {
	IntentID      string           `json:"intent_id"`
	TaskID        string           `json:"task_id"`
	SessionID     string           `json:"session_id"`
	ProcessType   string           `json:"process_type"`
	ApprovalLevel string           `json:"approval_level"`
	HeldTools     []string         `json:"held_tools"`
	Reason        string           `json:"reason"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Status        EscalationStatus `json:"status"`
}

// EscalationReceipt is the immutable record of a resolved intent.
type EscalationReceipt struct {
	ReceiptID   string           `json:"receipt_id"`
	IntentID    string           `json:"intent_id"`
	Outcome     EscalationStatus `json:"outcome"`
	ApprovedBy  []string         `json:"approved_by,omitempty"`
	DeniedBy    string           `json:"denied_by,omitempty"`
	DenyReason  string           `json:"deny_reason,omitempty"`
	ResolvedAt  time.Time        `json:"resolved_at"`
	DurationMs  int64            `json:"duration_ms"`
	ContentHash string           `json:"content_hash"`
}

// Manager handles the lifecycle of escalation intents.
type Manager struct {
	mu      sync.Mutex
	intents map[string]*EscalationIntent
	clock   func() time.Time
	timeout time.Duration
}

// NewManager creates a manager with a 5-minute default timeout.
func NewManager() *Manager {
	return &Manager{
		intents: make(map[string]*EscalationIntent),
		clock:   time.Now,
		timeout: 5 * time.Minute,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateIntent registers a held mutation awaiting approval.
func (m *Manager) CreateIntent(ctx context.Context, taskID, sessionID, processType, approvalLevel, reason string, heldTools []string) (*EscalationIntent, error) {
	_ = ctx
	now := m.clock()
	intent := &EscalationIntent{
		IntentID:      uuid.New().String(),
		TaskID:        taskID,
		SessionID:     sessionID,
		ProcessType:   processType,
		ApprovalLevel: approvalLevel,
		HeldTools:     heldTools,
		Reason:        reason,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.timeout),
		Status:        StatusPending,
	}

	m.mu.Lock()
	m.intents[intent.IntentID] = intent
	m.mu.Unlock()
	return intent, nil
}

// Approve approves a pending intent.
func (m *Manager) Approve(ctx context.Context, intentID, approverID string) (*EscalationReceipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("escalation intent %q not found", intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("escalation intent %q is not PENDING (status=%s)", intentID, intent.Status)
	}

	now := m.clock()
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusTimedOut
		return m.createReceipt(intent, now), nil
	}

	intent.Status = StatusApproved
	receipt := m.createReceipt(intent, now)
	receipt.ApprovedBy = []string{approverID}
	return receipt, nil
}

// Deny denies a pending intent.
func (m *Manager) Deny(ctx context.Context, intentID, denierID, reason string) (*EscalationReceipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("escalation intent %q not found", intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("escalation intent %q is not PENDING (status=%s)", intentID, intent.Status)
	}

	intent.Status = StatusDenied
	receipt := m.createReceipt(intent, m.clock())
	receipt.DeniedBy = denierID
	receipt.DenyReason = reason
	return receipt, nil
}

// CheckTimeouts expires pending intents past their deadline and returns
// receipts for each.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*EscalationReceipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var receipts []*EscalationReceipt
	for _, intent := range m.intents {
		if intent.Status != StatusPending {
			continue
		}
		if now.After(intent.ExpiresAt) {
			intent.Status = StatusTimedOut
			receipts = append(receipts, m.createReceipt(intent, now))
		}
	}
	return receipts, nil
}

// PendingCount returns the number of pending escalations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, intent := range m.intents {
		if intent.Status == StatusPending {
			count++
		}
	}
	return count
}

func (m *Manager) createReceipt(intent *EscalationIntent, resolvedAt time.Time) *EscalationReceipt {
	receipt := &EscalationReceipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   intent.IntentID,
		Outcome:    intent.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		IntentID string           `json:"intent_id"`
		Outcome  EscalationStatus `json:"outcome"`
	}{intent.IntentID, intent.Status}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	return receipt
}

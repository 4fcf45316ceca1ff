package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/bandit"
	"github.com/Mindburn-Labs/opsagent/pkg/contextrl"
	"github.com/Mindburn-Labs/opsagent/pkg/entity"
	"github.com/Mindburn-Labs/opsagent/pkg/fsm"
	"github.com/Mindburn-Labs/opsagent/pkg/hitl"
	"github.com/Mindburn-Labs/opsagent/pkg/knowledge"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/policy"
	"github.com/Mindburn-Labs/opsagent/pkg/rlcase"
	"github.com/Mindburn-Labs/opsagent/pkg/session"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
	"github.com/Mindburn-Labs/opsagent/pkg/synth"
)

// matchedReply pairs a prompt substring with the canned response it
// triggers. The first match wins; no match falls back.
type matchedReply struct {
	match   string
	content string
}

type scriptedClient struct {
	mu       sync.Mutex
	replies  []matchedReply
	fallback string
	calls    int
}

func (c *scriptedClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition, opts *llm.SamplingOptions) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	last := msgs[len(msgs)-1].Content
	for _, r := range c.replies {
		if strings.Contains(last, r.match) {
			return &llm.Response{Content: r.content}, nil
		}
	}
	return &llm.Response{Content: c.fallback}, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestWorker(t *testing.T, fast, strong llm.Client, endpoint string) *Worker {
	t.Helper()
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	registry, err := synth.LoadRegistry(js)
	require.NoError(t, err)
	evaluator, err := policy.NewEvaluator()
	require.NoError(t, err)

	return New(Options{
		Fast:            fast,
		Strong:          strong,
		Sessions:        session.NewManager(),
		Cases:           rlcase.NewLog(js),
		Bandit:          bandit.Load(js),
		Knowledge:       knowledge.NewBase(js, fast),
		Entities:        entity.NewMemory(js),
		ContextRL:       contextrl.NewTracker(js),
		Registry:        registry,
		Classifier:      fsm.NewClassifier(nil),
		DynamicFSM:      fsm.NewDynamicSynthesizer(nil, js),
		Policy:          evaluator,
		Store:           js,
		DefaultEndpoint: endpoint,
		ToolTimeout:     2 * time.Second,
	})
}

func TestHandleFullPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/mcp/tools" {
			json.NewEncoder(w).Encode([]map[string]any{
				{"name": "get_invoice", "description": "fetch one invoice"},
				{"name": "update_invoice", "description": "modify an invoice"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	answer := "Reconciled invoice INV-1 against PO-9 from vendor Acme. " +
		"Total $1,240.00, variance $0.00, matched. Result: approved for payment."
	strong := &scriptedClient{fallback: answer}
	fast := &scriptedClient{
		replies:  []matchedReply{{match: "write tool below", content: `{"update_invoice": "get_invoice"}`}},
		fallback: "ok",
	}

	w := newTestWorker(t, fast, strong, srv.URL)
	got, err := w.Handle(context.Background(), Task{
		ID:        "task-1",
		SessionID: "sess-e2e",
		Text:      "Reconcile invoice INV-1 against PO-9 from vendor Acme for $1,240.00",
	})
	require.NoError(t, err)

	assert.Contains(t, got, "approved for payment")
	assert.Contains(t, got, "Process: Invoice Reconciliation")
	assert.Contains(t, got, "Policy: N/A")
	assert.Contains(t, got, "Quality:")
	assert.Contains(t, got, "Duration:")
	// No HITL footer: invoice reconciliation runs without an approval gate.
	assert.NotContains(t, got, "Human approval required")

	// Session state persisted for the next turn.
	assert.True(t, w.sessions.IsMultiTurn("sess-e2e"))
	cp := w.sessions.TakeCheckpoint("sess-e2e")
	require.NotNil(t, cp)
	assert.Equal(t, "invoice_reconciliation", cp.ProcessType)

	// The write→read mapping learned during prime is cached for later tasks.
	pairs := map[string]string{}
	found, err := w.store.Load("write_read_pairs.json", &pairs)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "get_invoice", pairs["update_invoice"])

	assert.GreaterOrEqual(t, strong.callCount(), 1)
}

// toolAwareClient records every tool definition it is shown.
type toolAwareClient struct {
	mu       sync.Mutex
	fallback string
	seen     map[string]bool
}

func (c *toolAwareClient) Chat(_ context.Context, _ []llm.Message, tools []llm.ToolDefinition, _ *llm.SamplingOptions) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	for _, td := range tools {
		c.seen[td.Name] = true
	}
	return &llm.Response{Content: c.fallback}, nil
}

func (c *toolAwareClient) seenTools() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.seen))
	for n := range c.seen {
		names = append(names, n)
	}
	return names
}

func TestHandleReadOnlyTaskWithholdsMutationTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/mcp/tools" {
			json.NewEncoder(w).Encode([]map[string]any{
				{"name": "get_order", "description": "fetch one order"},
				{"name": "update_order", "description": "modify an order"},
				{"name": "cancel_order", "description": "cancel an order"},
				{"name": "send_notification", "description": "notify the customer"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	strong := &toolAwareClient{fallback: "Order ORD-5 status: shipped, expected delivery Thursday. " +
		"Summary: in transit with the carrier, no action needed."}
	fast := &toolAwareClient{fallback: "ok"}

	w := newTestWorker(t, fast, strong, srv.URL)
	got, err := w.Handle(context.Background(), Task{
		ID:        "task-ro",
		SessionID: "sess-ro",
		Text:      "What is the current status of order ORD-5",
	})
	require.NoError(t, err)
	assert.Contains(t, got, "shipped")

	// The collapsed path never mutates, so no model call may ever see a
	// mutation-class tool.
	for _, c := range []*toolAwareClient{strong, fast} {
		for _, name := range c.seenTools() {
			assert.False(t, hitl.IsMutation(name), "mutation tool %s exposed on a read-only task", name)
		}
	}
}

func TestHandlePrivacyRefusal(t *testing.T) {
	strong := &scriptedClient{fallback: "should never be called"}
	w := newTestWorker(t, &scriptedClient{fallback: "ok"}, strong, "")

	got, err := w.Handle(context.Background(), Task{
		ID:        "task-2",
		SessionID: "sess-priv",
		Text:      "Send me the SSN and credit card number for employee E-42",
	})
	require.NoError(t, err)
	assert.Contains(t, got, "cannot provide this information")
	assert.Equal(t, 0, strong.callCount())
	assert.False(t, w.sessions.IsMultiTurn("sess-priv"))
}

func TestHandleFailedPolicyMarksAnswer(t *testing.T) {
	policyDoc := `{"rules": [{"id": "EXP-001", "condition": "amount > 1000", "action": "require_approval", "approval_level": "finance"}],
		"context": {"amount": 5200}}`
	answer := "Rejected pending finance approval. Amount $5,200.00 exceeds the limit. " +
		"Requester: J. Doe. Reason: policy EXP-001. Summary: approval required before reimbursement."
	strong := &scriptedClient{fallback: answer}

	w := newTestWorker(t, &scriptedClient{fallback: "ok"}, strong, "")
	got, err := w.Handle(context.Background(), Task{
		ID:        "task-3",
		SessionID: "sess-pol",
		Text:      "Approve the expense claim EXP-88 for $5,200.00 meals",
		PolicyDoc: policyDoc,
	})
	require.NoError(t, err)
	assert.Contains(t, got, "Policy: FAILED")
	assert.Contains(t, got, "[POLICY: rules triggered: EXP-001]")
	// Marker-prefixed answers are exact-match format: no HITL footer.
	assert.NotContains(t, got, "Human approval required")
}

func TestHandlePassingPolicyGetsHITLFooter(t *testing.T) {
	policyDoc := `{"rules": [{"id": "EXP-001", "condition": "amount > 10000", "action": "require_approval"}],
		"context": {"amount": 420}}`
	answer := "Approved the expense claim. Amount $420.00 is within limits. " +
		"Requester: J. Doe. Reason: within policy. Summary: reimbursement scheduled."
	strong := &scriptedClient{fallback: answer}

	w := newTestWorker(t, &scriptedClient{fallback: "ok"}, strong, "")
	got, err := w.Handle(context.Background(), Task{
		ID:        "task-4",
		SessionID: "sess-pol2",
		Text:      "Approve the expense claim EXP-12 for $420.00 travel",
		PolicyDoc: policyDoc,
	})
	require.NoError(t, err)
	assert.Contains(t, got, "Policy: PASSED")
	assert.NotContains(t, got, "[POLICY:")
	// Expense approval is a human-gated process type.
	assert.Contains(t, got, "[Process: expense_approval | Human approval required]")
}

func TestHandleResumesFromCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/mcp/tools" {
			json.NewEncoder(w).Encode([]map[string]any{
				{"name": "get_employee", "description": "fetch an employee record"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	classifier := &scriptedClient{fallback: `{"process_type": "general", "confidence": 0.9}`}
	strong := &scriptedClient{fallback: "Access revoked for employee E-17 across GitHub, Slack, and Okta. " +
		"Laptop return scheduled for Friday. Offboarding completed."}
	fast := &scriptedClient{fallback: "ok"}

	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	registry, err := synth.LoadRegistry(js)
	require.NoError(t, err)
	evaluator, err := policy.NewEvaluator()
	require.NoError(t, err)

	w := New(Options{
		Fast:            fast,
		Strong:          strong,
		Sessions:        session.NewManager(),
		Cases:           rlcase.NewLog(js),
		Bandit:          bandit.Load(js),
		Knowledge:       knowledge.NewBase(js, fast),
		Entities:        entity.NewMemory(js),
		ContextRL:       contextrl.NewTracker(js),
		Registry:        registry,
		Classifier:      fsm.NewClassifier(classifier),
		DynamicFSM:      fsm.NewDynamicSynthesizer(nil, js),
		Policy:          evaluator,
		Store:           js,
		DefaultEndpoint: srv.URL,
		ToolTimeout:     2 * time.Second,
	})

	w.sessions.AddTurn("sess-resume", "user", "Offboard employee E-17, last day Friday")
	w.sessions.SetCheckpoint("sess-resume", &fsm.Checkpoint{
		ProcessType:  "hr_offboarding",
		StateIdx:     3,
		StateHistory: []string{"DECOMPOSE", "ASSESS", "POLICY_CHECK"},
		RequiresHITL: true,
	})

	got, err := w.Handle(context.Background(), Task{
		ID:        "task-resume",
		SessionID: "sess-resume",
		Text:      "Approved. Continue the offboarding.",
	})
	require.NoError(t, err)

	// The process type comes from the checkpoint, never re-classified.
	assert.Contains(t, got, "Process: Hr Offboarding")
	assert.Zero(t, classifier.callCount())

	// The completed turn hands the next state to the following request:
	// restored at MUTATE (idx 3), saved pointing at SCHEDULE_NOTIFY.
	cp := w.sessions.TakeCheckpoint("sess-resume")
	require.NotNil(t, cp)
	assert.Equal(t, "hr_offboarding", cp.ProcessType)
	assert.Equal(t, 4, cp.StateIdx)
}

func TestPatchToolSchemasRenamesOrderItemFields(t *testing.T) {
	original := llm.ToolDefinition{
		Name: "modify_order_items",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"order_id": map[string]any{"type": "string"},
				"modifications": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"item_id":  map[string]any{"type": "string"},
							"price":    map[string]any{"type": "string"},
							"quantity": map[string]any{"type": "integer"},
						},
					},
				},
			},
		},
	}
	other := llm.ToolDefinition{Name: "get_order", InputSchema: map[string]any{"type": "object"}}

	patched := patchToolSchemas([]llm.ToolDefinition{original, other})
	require.Len(t, patched, 2)

	items := patched[0].InputSchema["properties"].(map[string]any)["modifications"].(map[string]any)["items"].(map[string]any)
	props := items["properties"].(map[string]any)
	assert.Contains(t, props, "id")
	assert.Contains(t, props, "unit_price")
	assert.NotContains(t, props, "item_id")
	assert.NotContains(t, props, "price")
	assert.Contains(t, props, "quantity")
	assert.Equal(t, "number", props["unit_price"].(map[string]any)["type"])

	// The discovered schema is shared; patching must not mutate it.
	origItems := original.InputSchema["properties"].(map[string]any)["modifications"].(map[string]any)["items"].(map[string]any)
	origProps := origItems["properties"].(map[string]any)
	assert.Contains(t, origProps, "item_id")
	assert.Contains(t, origProps, "price")

	assert.Equal(t, "get_order", patched[1].Name)
}

func TestPatchToolSchemasToleratesOddShapes(t *testing.T) {
	flat := llm.ToolDefinition{Name: "modify_order_items", InputSchema: map[string]any{"type": "object"}}
	nilSchema := llm.ToolDefinition{Name: "modify_order_items"}

	patched := patchToolSchemas([]llm.ToolDefinition{flat, nilSchema})
	assert.Equal(t, map[string]any{"type": "object"}, patched[0].InputSchema)
	assert.Nil(t, patched[1].InputSchema)
}

func TestDiscoverWriteReadPairsCacheFirst(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, js.Save("write_read_pairs.json", map[string]string{"update_po": "get_po"}))

	fast := &scriptedClient{fallback: `{"update_po": "get_po_history"}`}
	w := New(Options{Fast: fast, Store: js})
	r := &run{w: w, tools: []llm.ToolDefinition{
		{Name: "update_po"}, {Name: "get_po"}, {Name: "get_po_history"},
	}}

	pairs := r.discoverWriteReadPairs(context.Background())
	assert.Equal(t, "get_po", pairs["update_po"])
	assert.Equal(t, 0, fast.callCount())
}

func TestDiscoverWriteReadPairsModelFallback(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	fast := &scriptedClient{fallback: `Mapping: {"create_ticket": "get_ticket", "send_email": null, "delete_user": "list_ghosts"}`}
	w := New(Options{Fast: fast, Store: js})
	r := &run{w: w, tools: []llm.ToolDefinition{
		{Name: "create_ticket"}, {Name: "send_email"}, {Name: "delete_user"}, {Name: "get_ticket"},
	}}

	pairs := r.discoverWriteReadPairs(context.Background())
	assert.Equal(t, "get_ticket", pairs["create_ticket"])
	// Null mappings and read tools that don't exist are dropped.
	assert.NotContains(t, pairs, "send_email")
	assert.NotContains(t, pairs, "delete_user")

	persisted := map[string]string{}
	found, err := js.Load("write_read_pairs.json", &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, pairs, persisted)
}

func TestDiscoverWriteReadPairsNoWriteTools(t *testing.T) {
	fast := &scriptedClient{fallback: "{}"}
	w := New(Options{Fast: fast})
	r := &run{w: w, tools: []llm.ToolDefinition{{Name: "get_invoice"}, {Name: "list_orders"}}}

	pairs := r.discoverWriteReadPairs(context.Background())
	assert.Empty(t, pairs)
	assert.Equal(t, 0, fast.callCount())
}

func TestSeedToolKindsFromStore(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, js.Save("tool_types.json", map[string]string{"frobnicate_ledger_xq": "mutate"}))

	w := New(Options{Store: js})
	w.seedToolKinds()
	assert.True(t, hitl.IsMutation("frobnicate_ledger_xq"))
}

func TestLocalRegistryDispatchesFinanceAndSynth(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	registry, err := synth.LoadRegistry(js)
	require.NoError(t, err)
	registry.SeedAmortization()

	w := New(Options{Registry: registry, Store: js})
	r := &run{w: w}
	reg := r.localRegistry()

	require.True(t, reg.Has("finance_variance_check"))
	res, err := reg.Call(context.Background(), "finance_variance_check", map[string]any{
		"invoiced": 1240.0, "po_amount": 1200.0, "threshold_pct": 2.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "integer_cents", res["precision"])

	// Synthesized tools dispatch through the sandbox registry.
	for _, def := range registry.Definitions() {
		assert.True(t, reg.Has(def.Name), "synthesized tool %s not registered", def.Name)
	}
}

func TestFinanceContextAnnotatesVariance(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	w := New(Options{ContextRL: contextrl.NewTracker(js)})
	r := &run{w: w}

	got := r.financeContext(
		"Reconcile invoice INV-1 for $1,240.00 against PO-9 expected $1,200.00",
		"invoice_reconciliation")
	require.NotEmpty(t, got)
	assert.Contains(t, got, "PRE-COMPUTED FINANCIAL FACTS")
	assert.Contains(t, got, "Variance:")

	assert.Empty(t, r.financeContext("say hello", "general"))
}

func TestTailHasQuestion(t *testing.T) {
	assert.True(t, tailHasQuestion("Could you clarify the amount?"))
	assert.False(t, tailHasQuestion("The total is $420.00."))
	// A question mark buried early in a long answer is not a trailing question.
	long := "Was it approved? Yes." + strings.Repeat(" The total matches the PO.", 10)
	assert.False(t, tailHasQuestion(long))
}

package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/policy"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

type scriptedClient struct {
	content string
	err     error
	calls   int
}

func (c *scriptedClient) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ *llm.SamplingOptions) (*llm.Response, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.content}, nil
}

func TestDetectProcessType(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Approve the $340 expense claim with the attached receipt", "expense_approval"},
		{"Reconcile invoice INV-2041 against the vendor statement", "invoice_reconciliation"},
		{"Run the offboarding checklist for Dana's last day", "hr_offboarding"},
		{"P1 outage on the payments service, customers affected", "incident_response"},
		{"Process the biweekly payroll pay run", "payroll"},
		{"Tell me a joke", "general"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectProcessType(tc.text), tc.text)
	}
}

func TestTemplatesFallBackToGeneral(t *testing.T) {
	assert.Equal(t, Templates("general"), Templates("totally_novel_type"))
}

func TestTemplatesAreCanonicalSubsequences(t *testing.T) {
	canonical := []State{
		StateDecompose, StateAssess, StateCompute, StatePolicyCheck,
		StateApprovalGate, StateMutate, StateScheduleNotify, StateComplete,
	}
	pos := map[State]int{}
	for i, s := range canonical {
		pos[s] = i
	}

	assert.Len(t, processTemplates, 15)
	for ptype, states := range processTemplates {
		require.NotEmpty(t, states, ptype)
		assert.Equal(t, StateDecompose, states[0], ptype)
		assert.Equal(t, StateComplete, states[len(states)-1], ptype)

		prev := -1
		for _, s := range states {
			idx, ok := pos[s]
			require.True(t, ok, "%s plans error state %s", ptype, s)
			require.Greater(t, idx, prev, "%s breaks canonical order at %s", ptype, s)
			prev = idx
		}
	}
}

func TestRunnerAdvancesThroughTemplate(t *testing.T) {
	r := NewRunner("approve the expense claim for $200", "sess-1", Options{})
	require.Equal(t, "expense_approval", r.ProcessType())
	require.Equal(t, StateDecompose, r.CurrentState())
	assert.True(t, r.RequiresHITL())

	seen := []State{r.CurrentState()}
	for !r.IsTerminal() {
		seen = append(seen, r.Advance(nil))
	}
	assert.Equal(t, Templates("expense_approval"), seen)
	assert.Equal(t, StateComplete, r.CurrentState())
}

func TestReadOnlyTask(t *testing.T) {
	assert.True(t, ReadOnlyTask("What is the current status of order ORD-5"))
	assert.True(t, ReadOnlyTask("Show me the AR aging by vendor"))
	// An action verb anywhere rules the path out.
	assert.False(t, ReadOnlyTask("Find the invoice and cancel it"))
	assert.False(t, ReadOnlyTask("Update the vendor record"))
	// No read pattern, no shortcircuit.
	assert.False(t, ReadOnlyTask("Tell me a joke"))
}

func TestReadOnlyShortcircuitCollapsesPath(t *testing.T) {
	r := NewRunner("What is the current status of order ORD-5", "sess-ro", Options{})
	assert.False(t, r.SequenceHas(StateMutate))
	assert.False(t, r.SequenceHas(StateApprovalGate))

	seen := []State{r.CurrentState()}
	for !r.IsTerminal() {
		seen = append(seen, r.Advance(nil))
	}
	assert.Equal(t, []State{StateDecompose, StateAssess, StateComplete}, seen)
}

func TestReadOnlyShortcircuitSkipsCheckpointedTasks(t *testing.T) {
	r := NewRunner("procure 12 laptops from the approved vendor", "sess-cp1", Options{ProcessType: "procurement"})
	r.Advance(nil)
	cp := r.Checkpoint()

	restored := NewRunner("what is left to finish?", "sess-cp1", Options{Checkpoint: &cp})
	assert.Equal(t, StateAssess, restored.CurrentState())
	assert.True(t, restored.SequenceHas(StateMutate))
}

func TestFailedPolicyMakesMutateUnreachable(t *testing.T) {
	r := NewRunner("Reconcile invoice INV-7 against the vendor statement", "sess-11", Options{})
	require.Equal(t, "invoice_reconciliation", r.ProcessType())
	for r.CurrentState() != StatePolicyCheck {
		r.Advance(nil)
	}

	res := policy.Result{Passed: false, RequiresApproval: true, Triggered: []policy.Rule{{ID: "VAR-2PCT"}}}
	next := r.ApplyPolicy(res)
	assert.Equal(t, StateEscalate, next)
	assert.True(t, r.IsTerminal())
	assert.True(t, r.RequiresHITL())
	assert.NotContains(t, r.Checkpoint().StateHistory, "MUTATE")
	assert.Contains(t, r.BuildPhasePrompt(nil), "mutation blocked")
}

func TestRunnerFailAndEscalate(t *testing.T) {
	r := NewRunner("reconcile invoice INV-9", "sess-2", Options{})
	r.Advance(nil)
	r.Fail("gateway unreachable")
	assert.True(t, r.IsTerminal())
	assert.Equal(t, StateFailed, r.CurrentState())
	prompt := r.BuildPhasePrompt(nil)
	assert.Contains(t, prompt, "FAILED: gateway unreachable")

	r2 := NewRunner("reconcile invoice INV-9", "sess-3", Options{})
	r2.Escalate("variance above tolerance")
	assert.Equal(t, StateEscalate, r2.CurrentState())
	assert.True(t, r2.RequiresHITL())
	assert.Contains(t, r2.BuildPhasePrompt(nil), "ESCALATION REQUIRED: variance above tolerance")
}

func TestRunnerApplyPolicy(t *testing.T) {
	r := NewRunner("order for 40 units", "sess-4", Options{ProcessType: "order_management"})
	// Advance to POLICY-equivalent position; order_management has no
	// POLICY_CHECK, the verdict still routes the same way.
	res := policy.Result{Passed: false, RequiresApproval: true, Triggered: []policy.Rule{{ID: "r1"}}}
	next := r.ApplyPolicy(res)
	assert.Equal(t, StateAssess, next)
	assert.True(t, r.RequiresHITL())

	r2 := NewRunner("order for 40 units", "sess-5", Options{ProcessType: "order_management"})
	res2 := policy.Result{Passed: false, EscalationRequired: true, Triggered: []policy.Rule{{ID: "block-1"}}}
	assert.Equal(t, StateEscalate, r2.ApplyPolicy(res2))
	assert.Contains(t, r2.BuildPhasePrompt(nil), "block-1")
}

func TestReopenApprovalGate(t *testing.T) {
	r := NewRunner("offboard employee E-17, last day friday", "sess-6", Options{ProcessType: "hr_offboarding"})
	for r.CurrentState() != StateMutate {
		r.Advance(nil)
	}
	r.ReopenApprovalGate()
	assert.Equal(t, StateApprovalGate, r.CurrentState())
	assert.Contains(t, r.BuildPhasePrompt(nil), "[Multi-checkpoint: approval gate #2]")

	// Only valid from MUTATE.
	r.ReopenApprovalGate()
	assert.Equal(t, StateApprovalGate, r.CurrentState())
}

func TestCheckpointRoundTrip(t *testing.T) {
	r := NewRunner("procure 12 laptops from the approved vendor", "sess-7", Options{ProcessType: "procurement"})
	r.Advance(nil)
	r.Advance(nil)
	cp := r.Checkpoint()
	assert.Equal(t, "procurement", cp.ProcessType)
	assert.Equal(t, 2, cp.StateIdx)

	restored := NewRunner("procure 12 laptops from the approved vendor", "sess-7", Options{Checkpoint: &cp})
	assert.Equal(t, StateCompute, restored.CurrentState())
	assert.Equal(t, []string{"DECOMPOSE", "ASSESS"}, restored.Checkpoint().StateHistory)
}

func TestBuildPhasePromptToolInjection(t *testing.T) {
	tools := []llm.ToolDefinition{
		{Name: "get_invoice"}, {Name: "list_vendors"}, {Name: "create_payment"},
		{Name: "send_notice"}, {Name: "update_ledger"}, {Name: "schedule_reminder"},
	}
	r := NewRunner("reconcile invoice INV-1 against the PO", "sess-8", Options{ProcessType: "invoice_reconciliation"})

	prompt := r.BuildPhasePrompt(tools)
	assert.Contains(t, prompt, "## Business Process: Invoice Reconciliation")
	assert.Contains(t, prompt, "## Execution Phase: DECOMPOSE")
	assert.Contains(t, prompt, "Connectors available for this process: get_invoice, list_vendors")

	r.Advance(nil)
	prompt = r.BuildPhasePrompt(tools)
	assert.Contains(t, prompt, "Available read tools: get_invoice, list_vendors")
	assert.NotContains(t, prompt, "create_payment")

	for r.CurrentState() != StateMutate {
		r.Advance(nil)
	}
	prompt = r.BuildPhasePrompt(tools)
	assert.Contains(t, prompt, "Available mutation tools: create_payment, send_notice, update_ledger")
	assert.Contains(t, prompt, "## Phase History: DECOMPOSE → ASSESS → COMPUTE → POLICY_CHECK → MUTATE")
}

func TestClassifierParsesAndFallsBack(t *testing.T) {
	c := NewClassifier(&scriptedClient{content: `{"process_type": "invoice_reconciliation", "confidence": 0.92}`})
	ptype, conf := c.Classify(context.Background(), "Process the Q3 vendor payment for the marketing team budget")
	assert.Equal(t, "invoice_reconciliation", ptype)
	assert.Equal(t, 0.92, conf)

	// Novel types from the model are trusted, not forced into a bucket.
	c = NewClassifier(&scriptedClient{content: "```json\n{\"process_type\": \"grant_review\", \"confidence\": 0.8}\n```"})
	ptype, _ = c.Classify(context.Background(), "Review the Q3 research grant applications")
	assert.Equal(t, "grant_review", ptype)

	// Errors fall back to keywords.
	c = NewClassifier(&scriptedClient{err: errors.New("timeout")})
	ptype, conf = c.Classify(context.Background(), "approve the expense claim receipt")
	assert.Equal(t, "expense_approval", ptype)
	assert.Equal(t, 0.5, conf)

	// No client at all.
	c = NewClassifier(nil)
	ptype, _ = c.Classify(context.Background(), "payroll pay run for march")
	assert.Equal(t, "payroll", ptype)
}

func TestDynamicSynthesizerKnownTypeSkips(t *testing.T) {
	d := NewDynamicSynthesizer(&scriptedClient{}, nil)
	assert.Nil(t, d.SynthesizeIfNeeded(context.Background(), "payroll", "run payroll"))
}

func TestDynamicSynthesizerParsesAndCaches(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	client := &scriptedClient{content: `{
		"states": ["ASSESS", "COMPUTE", "MUTATE"],
		"hitl_required": true,
		"risk_level": "high",
		"connector_hints": ["grants"],
		"state_instructions": {"ASSESS": "Gather all grant applications and scoring criteria."}
	}`}
	d := NewDynamicSynthesizer(client, js)

	def := d.SynthesizeIfNeeded(context.Background(), "grant_review", "Review the Q3 grant applications")
	require.NotNil(t, def)
	// Bookends enforced even when the model omits them.
	assert.Equal(t, StateDecompose, def.States[0])
	assert.Equal(t, StateComplete, def.States[len(def.States)-1])
	assert.True(t, def.HITLRequired)
	assert.True(t, def.Synthesized)
	assert.Equal(t, 1, client.calls)

	// Second call serves the cache: no new model call.
	def2 := d.SynthesizeIfNeeded(context.Background(), "grant_review", "Review the Q4 grant applications")
	require.NotNil(t, def2)
	assert.Equal(t, 1, client.calls)

	// Cache persists across process restarts.
	d2 := NewDynamicSynthesizer(&scriptedClient{err: errors.New("unavailable")}, js)
	def3 := d2.SynthesizeIfNeeded(context.Background(), "grant_review", "Review grants")
	require.NotNil(t, def3)
	assert.True(t, def3.Synthesized)

	stats := d2.Stats()
	assert.Equal(t, 1, stats["total_novel_types"])
	assert.Equal(t, 1, stats["model_synthesized"])
}

func TestDynamicSynthesizerNormalizesStateOrder(t *testing.T) {
	client := &scriptedClient{content: `{
		"states": ["MUTATE", "ASSESS", "POLICY_CHECK", "ASSESS", "ESCALATE"],
		"risk_level": "medium",
		"state_instructions": {}
	}`}
	d := NewDynamicSynthesizer(client, nil)

	def := d.SynthesizeIfNeeded(context.Background(), "stock_transfer", "Transfer stock between warehouses")
	require.NotNil(t, def)
	// Error states are dropped, duplicates collapse, and the plan comes
	// out in canonical order with the bookends in place.
	assert.Equal(t, []State{StateDecompose, StateAssess, StatePolicyCheck, StateMutate, StateComplete}, def.States)
}

func TestDynamicSynthesizerFallback(t *testing.T) {
	d := NewDynamicSynthesizer(&scriptedClient{err: errors.New("unavailable")}, nil)
	def := d.SynthesizeIfNeeded(context.Background(), "warehouse_transfer", "Transfer stock between warehouses")
	require.NotNil(t, def)
	assert.True(t, def.Fallback)
	assert.Equal(t, StateDecompose, def.States[0])
	assert.Contains(t, def.StateInstructions[StateDecompose], "warehouse transfer")
}

func TestDynamicSynthesizerEnrichment(t *testing.T) {
	d := NewDynamicSynthesizer(&scriptedClient{err: errors.New("unavailable")}, nil)
	d.SetEnricher(func(taskText, processType string) string {
		return "✅ Past runs show stock counts must be verified before transfer is posted."
	})
	def := d.SynthesizeIfNeeded(context.Background(), "warehouse_transfer", "Transfer stock")
	require.NotNil(t, def)
	assert.Contains(t, def.StateInstructions[StateDecompose], "[Learned patterns for warehouse_transfer")
	assert.Contains(t, def.StateInstructions[StateDecompose], "stock counts must be verified")
}

func TestRunnerUsesSynthesizedDefinition(t *testing.T) {
	def := &Definition{
		States:            []State{StateDecompose, StateAssess, StateComplete},
		RiskLevel:         "low",
		StateInstructions: map[State]string{StateAssess: "Gather transfer manifests."},
	}
	r := NewRunner("transfer stock", "sess-9", Options{ProcessType: "warehouse_transfer", Definition: def})
	r.Advance(nil)
	assert.Contains(t, r.BuildPhasePrompt(nil), "Gather transfer manifests.")
	r.Advance(nil)
	assert.True(t, r.IsTerminal())
}

package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/policy"
)

func TestClassifyOrder(t *testing.T) {
	// Compute prefixes are checked before anything else.
	assert.Equal(t, KindCompute, Classify("calculate_variance"))
	assert.Equal(t, KindCompute, Classify("estimate_cost"))
	assert.Equal(t, KindCompute, Classify("predict_demand"))

	assert.Equal(t, KindRead, Classify("get_invoice"))
	assert.Equal(t, KindRead, Classify("query_ledger"))
	assert.Equal(t, KindRead, Classify("show_balance"))

	// Everything else fails closed.
	assert.Equal(t, KindMutate, Classify("update_status"))
	assert.Equal(t, KindMutate, Classify("approve_expense"))
	assert.Equal(t, KindMutate, Classify("send_notification"))
	assert.Equal(t, KindMutate, Classify("draft_email"))
	assert.Equal(t, KindMutate, Classify("export_report"))
}

func TestClassifyDefaultsToMutate(t *testing.T) {
	// Unknown names fail closed.
	assert.Equal(t, KindMutate, Classify("frobnicate_widget"))
	assert.True(t, IsMutation("frobnicate_widget"))
	assert.True(t, IsMutation("send_alert"))
	assert.False(t, IsMutation("get_account"))
}

func TestSplitByKind(t *testing.T) {
	read, compute, mutate := SplitByKind([]string{
		"get_po", "calculate_tax", "update_ledger", "send_reminder", "mystery_op",
	})
	assert.Equal(t, []string{"get_po"}, read)
	assert.Equal(t, []string{"calculate_tax"}, compute)
	assert.Equal(t, []string{"update_ledger", "send_reminder", "mystery_op"}, mutate)
}

func TestFilterToolsWithholdsMutationsInReadingStates(t *testing.T) {
	all := []string{"get_invoice", "calculate_tax", "update_invoice", "send_notice", "frobnicate_db"}

	visible, banner := FilterTools(all, "ASSESS")
	assert.Equal(t, []string{"get_invoice", "calculate_tax"}, visible)
	assert.Equal(t, "MUTATION TOOLS BLOCKED AT ASSESS. Produce an approval document instead.", banner)

	// The reading half of SCHEDULE_NOTIFY withholds senders too.
	visible, banner = FilterTools(all, ScheduleNotifyReading)
	assert.Equal(t, []string{"get_invoice", "calculate_tax"}, visible)
	assert.Contains(t, banner, "MUTATION TOOLS BLOCKED AT SCHEDULE_NOTIFY_reading_phase")

	// MUTATE and terminal states pass everything through.
	visible, banner = FilterTools(all, "MUTATE")
	assert.Equal(t, all, visible)
	assert.Empty(t, banner)

	// Plain SCHEDULE_NOTIFY keeps its senders visible.
	visible, banner = FilterTools(all, "SCHEDULE_NOTIFY")
	assert.Equal(t, all, visible)
	assert.Empty(t, banner)

	// Nothing withheld, no banner.
	visible, banner = FilterTools([]string{"get_po", "list_vendors"}, "POLICY_CHECK")
	assert.Equal(t, []string{"get_po", "list_vendors"}, visible)
	assert.Empty(t, banner)
}

func TestGuardProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compute prefixes always classify compute", prop.ForAll(
		func(head, tail string) bool {
			return Classify(head+tail) == KindCompute
		},
		gen.OneConstOf("calculate_", "compute_", "estimate_", "predict_"),
		gen.Identifier(),
	))

	properties.Property("no mutation survives a reading-state filter", prop.ForAll(
		func(state string, heads []string) bool {
			names := make([]string, len(heads))
			for i, h := range heads {
				names[i] = h + "record"
			}
			visible, _ := FilterTools(names, state)
			for _, name := range visible {
				if IsMutation(name) {
					return false
				}
			}
			return true
		},
		gen.OneConstOf("ASSESS", "APPROVAL_GATE", "POLICY_CHECK", "COMPUTE", ScheduleNotifyReading),
		gen.SliceOf(gen.OneConstOf(
			"get_", "list_", "calculate_", "estimate_", "update_", "delete_",
			"send_", "notify_", "approve_", "frobnicate_", "predict_", "query_",
		)),
	))

	properties.TestingRun(t)
}

func TestGatePrompt(t *testing.T) {
	prompt := GatePrompt([]string{"update_ledger", "send_payment"}, nil, "expense_approval")
	assert.Contains(t, prompt, "APPROVAL GATE — MUTATION BLOCKED for Expense Approval")
	assert.Contains(t, prompt, "update_ledger")
	assert.Contains(t, prompt, "send_payment")
	assert.Contains(t, prompt, "PROPOSED ACTIONS")
	assert.Contains(t, prompt, "Awaiting [approver role] approval")
}

func TestGatePromptPolicyNote(t *testing.T) {
	res := &policy.Result{Passed: false, Triggered: []policy.Rule{{ID: "EXP-001"}, {ID: "EXP-002"}}}
	prompt := GatePrompt([]string{"approve_expense"}, res, "")
	assert.Contains(t, prompt, "Policy gate triggered by: EXP-001, EXP-002")
}

func TestCheckApprovalGate(t *testing.T) {
	// Only fires at APPROVAL_GATE and only when mutation tools exist.
	fires, prompt := CheckApprovalGate("ASSESS", []string{"update_record"}, nil, "procurement")
	assert.False(t, fires)
	assert.Empty(t, prompt)

	fires, prompt = CheckApprovalGate("APPROVAL_GATE", []string{"get_po", "calculate_tax"}, nil, "procurement")
	assert.False(t, fires)
	assert.Empty(t, prompt)

	fires, prompt = CheckApprovalGate("APPROVAL_GATE", []string{"get_po", "update_po"}, nil, "procurement")
	assert.True(t, fires)
	assert.Contains(t, prompt, "update_po")
	assert.NotContains(t, prompt, "get_po")
}

func TestEscalationLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	m := NewManager().WithClock(func() time.Time { return now })
	ctx := context.Background()

	intent, err := m.CreateIntent(ctx, "task-1", "sess-1", "expense_approval", "manager", "amount over limit", []string{"approve_expense"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, intent.Status)
	assert.Equal(t, 1, m.PendingCount())

	receipt, err := m.Approve(ctx, intent.IntentID, "ops-lead")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, receipt.Outcome)
	assert.Equal(t, []string{"ops-lead"}, receipt.ApprovedBy)
	assert.NotEmpty(t, receipt.ContentHash)
	assert.Equal(t, 0, m.PendingCount())

	// Approving twice fails.
	_, err = m.Approve(ctx, intent.IntentID, "ops-lead")
	assert.Error(t, err)
}

func TestEscalationTimeout(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	m := NewManager().WithClock(func() time.Time { return now })
	ctx := context.Background()

	intent, err := m.CreateIntent(ctx, "task-1", "sess-1", "payroll", "cfo", "period lock", []string{"lock_period"})
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	receipts, err := m.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, StatusTimedOut, receipts[0].Outcome)
	assert.Equal(t, intent.IntentID, receipts[0].IntentID)
}

func TestDeny(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	intent, err := m.CreateIntent(ctx, "t", "s", "procurement", "finance", "vendor not approved", []string{"create_po"})
	require.NoError(t, err)

	receipt, err := m.Deny(ctx, intent.IntentID, "controller", "vendor failed screening")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, receipt.Outcome)
	assert.Equal(t, "controller", receipt.DeniedBy)
	assert.Equal(t, "vendor failed screening", receipt.DenyReason)
}

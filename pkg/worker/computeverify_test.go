package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyComputationsFastPaths(t *testing.T) {
	// Bracket answers are exact-match targets: never audited.
	a := VerifyComputations(context.Background(), &scriptedClient{}, "rank vendors", `["A","B"]`, "payroll")
	assert.False(t, a.HasErrors)
	assert.InDelta(t, 0.95, a.Confidence, 1e-9)

	// Nothing numeric to audit.
	a = VerifyComputations(context.Background(), &scriptedClient{}, "summarize status", "All systems nominal and the team was notified of the outcome today.", "payroll")
	assert.False(t, a.HasErrors)
	assert.InDelta(t, 0.85, a.Confidence, 1e-9)

	// Non-compute-heavy process types skip the model audit.
	client := &scriptedClient{fallback: `{"has_errors": true}`}
	a = VerifyComputations(context.Background(), client, "onboard the customer",
		"Provisioned account 4821 with 3 seats and scheduled the kickoff for the 15th; the CSM owns follow-up and the welcome email went out.",
		"customer_onboarding")
	assert.False(t, a.HasErrors)
	assert.InDelta(t, 0.80, a.Confidence, 1e-9)
	assert.Zero(t, client.callCount())
}

func TestVerifyComputationsParsesVerdict(t *testing.T) {
	client := &scriptedClient{fallback: `{"has_errors": true, "confidence": 0.9,
		"issues": ["net pay omits the 401k deduction"], "correction_hint": "subtract $312.50 per period"}`}

	answer := "Gross pay $4,200.00, deductions $950.00, net pay $3,562.50 across 14 employees this period, summary attached."
	a := VerifyComputations(context.Background(), client, "run payroll for the period", answer, "payroll")
	require.True(t, a.HasErrors)
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
	require.Len(t, a.Issues, 1)

	prompt := a.CorrectionPrompt("run payroll for the period")
	assert.Contains(t, prompt, "net pay omits the 401k deduction")
	assert.Contains(t, prompt, "subtract $312.50 per period")
	assert.Contains(t, prompt, "run payroll")
}

func TestVerifyComputationsUnparseableVerdictIsSoft(t *testing.T) {
	client := &scriptedClient{fallback: "the math looks fine to me"}
	answer := "Total $1,240.00 reconciled against PO-9 with a variance of $0.00; the invoice is approved for payment and was posted today."
	a := VerifyComputations(context.Background(), client, "reconcile the invoice", answer, "invoice_reconciliation")
	assert.False(t, a.HasErrors)
	assert.InDelta(t, 0.75, a.Confidence, 1e-9)
	assert.Equal(t, 1, client.callCount())
}

func TestFinalNumber(t *testing.T) {
	v, ok := FinalNumber("Subtotal $1,100.00 plus tax brings the total to $1,240.50")
	require.True(t, ok)
	assert.InDelta(t, 1240.50, v, 1e-9)

	v, ok = FinalNumber("variance of 2.3% against the PO")
	require.True(t, ok)
	assert.InDelta(t, 2.3, v, 1e-9)

	_, ok = FinalNumber("no figures in this sentence at all")
	assert.False(t, ok)
}

func TestSameFigure(t *testing.T) {
	assert.True(t, sameFigure(1240.50, 1240.504))    // sub-cent
	assert.True(t, sameFigure(1000000.0, 1000000.5)) // rounding drift
	assert.False(t, sameFigure(1240.50, 1365.50))
	assert.False(t, sameFigure(100.0, 101.0))
}

package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicScoreSignals(t *testing.T) {
	grounded := strings.Repeat("The reconciliation matched every line item. ", 20) +
		"Decision: approved, total: $12,400.00."
	weak := "Unable to retrieve the invoice, no data returned."

	high := heuristicScore(grounded, 6)
	low := heuristicScore(weak, 0)
	assert.Greater(t, high, 0.85)
	assert.Less(t, low, 0.3)

	// Tool usage moves the score on the same answer.
	assert.Greater(t, heuristicScore(grounded, 6), heuristicScore(grounded, 0))
}

func TestReflectBracketSkipsModel(t *testing.T) {
	client := &scriptedClient{fallback: `{"score": 0.1}`}
	r := Reflect(context.Background(), client, "rank vendors", `["Acme","Globex"]`, "procurement", 2)
	assert.Equal(t, "bracket", r.Method)
	assert.InDelta(t, 1.0, r.Score, 1e-9)
	assert.True(t, r.Complete)
	assert.Zero(t, client.callCount())
}

func TestReflectHeuristicSkipsModel(t *testing.T) {
	client := &scriptedClient{fallback: `{"score": 0.1}`}
	answer := strings.Repeat("Each ledger entry was cross-checked against the bank feed. ", 16) +
		"Decision: approved."
	r := Reflect(context.Background(), client, "close the month", answer, "month_end_close", 6)
	assert.Equal(t, "heuristic", r.Method)
	assert.GreaterOrEqual(t, r.Score, heuristicSkipScore)
	assert.Zero(t, client.callCount())
}

func TestReflectModelVerdict(t *testing.T) {
	client := &scriptedClient{fallback: `{"score": 0.4, "complete": false,
		"missing": ["the late-fee total"], "improve_prompt": "Recompute late fees for all overdue invoices."}`}

	r := Reflect(context.Background(), client, "collect overdue invoices", "Contacted two customers.", "ar_collections", 1)
	require.Equal(t, "model", r.Method)
	assert.InDelta(t, 0.4, r.Score, 1e-9)
	assert.False(t, r.Complete)
	require.True(t, r.ShouldImprove())

	prompt := r.BuildImprovementPrompt()
	assert.Contains(t, prompt, "the late-fee total")
	assert.Contains(t, prompt, "Recompute late fees")
}

func TestShouldImprove(t *testing.T) {
	assert.False(t, Reflection{Score: 0.9, Complete: true}.ShouldImprove())
	assert.True(t, Reflection{Score: 0.4, ImprovePrompt: "add totals"}.ShouldImprove())
	// Incomplete but with no guidance to act on.
	assert.False(t, Reflection{Score: 0.4}.ShouldImprove())
}

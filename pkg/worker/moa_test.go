package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// topPClient answers by sampling setting, so the two MoA samples can be
// scripted independently even though they share one prompt.
type topPClient struct {
	mu     sync.Mutex
	byTopP map[float64]string
	calls  int
}

func (c *topPClient) Chat(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, opts *llm.SamplingOptions) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if opts != nil {
		if content, ok := c.byTopP[opts.TopP]; ok {
			return &llm.Response{Content: content}, nil
		}
	}
	return &llm.Response{Content: ""}, nil
}

type failingClient struct{}

func (failingClient) Chat(context.Context, []llm.Message, []llm.ToolDefinition, *llm.SamplingOptions) (*llm.Response, error) {
	return nil, errors.New("model unavailable")
}

func TestContentWordsFiltersStopWordsAndShortTokens(t *testing.T) {
	words := contentWords("The invoice is approved, and it was paid by Acme.")
	assert.True(t, words["invoice"])
	assert.True(t, words["approved"])
	assert.True(t, words["paid"])
	assert.True(t, words["acme"])
	assert.False(t, words["the"])
	assert.False(t, words["is"])
	assert.False(t, words["it"]) // too short after trim
}

func TestWordOverlap(t *testing.T) {
	same := "invoice approved payment scheduled vendor acme"
	assert.InDelta(t, 1.0, wordOverlap(same, same), 1e-9)
	assert.Zero(t, wordOverlap("alpha bravo charlie", "delta echo foxtrot"))
	assert.Zero(t, wordOverlap("", "anything at all here"))

	// 3 shared words of 4 total on each side: 3/(4+4-3).
	got := wordOverlap("invoice approved payment acme", "invoice approved payment globex")
	assert.InDelta(t, 0.6, got, 1e-9)
}

func TestSynthesizeAgreementTakesLongerAnswer(t *testing.T) {
	base := "invoice INV-1 approved payment total $1,240.00 variance zero matched vendor acme"
	client := &topPClient{byTopP: map[float64]string{
		moaConservativeTP: base,
		moaExploratoryTP:  base + " confirmed",
	}}

	res := Synthesize(context.Background(), client, "reconcile the invoice", "")
	assert.Equal(t, "agreement", res.Method)
	assert.Equal(t, base+" confirmed", res.Answer)
	assert.GreaterOrEqual(t, res.Consensus, moaOverlapAccept)
	assert.Equal(t, 2, client.calls)
}

func TestSynthesizeDivergenceRunsMergePass(t *testing.T) {
	client := &topPClient{byTopP: map[float64]string{
		moaConservativeTP: "approve invoice INV-1 pay vendor acme tomorrow morning",
		moaExploratoryTP:  "escalate dispute hold payment pending review committee",
		0.9:               "merged verdict: hold payment, escalate INV-1 for committee review",
	}}

	res := Synthesize(context.Background(), client, "reconcile the invoice", "")
	assert.Equal(t, "synthesis", res.Method)
	assert.Contains(t, res.Answer, "merged verdict")
	assert.Less(t, res.Consensus, moaOverlapAccept)
	assert.Equal(t, 3, client.calls)
}

func TestSynthesizeSingleSampleSurvives(t *testing.T) {
	client := &topPClient{byTopP: map[float64]string{
		moaConservativeTP: "only the conservative sample answered with real content",
	}}

	res := Synthesize(context.Background(), client, "task", "")
	assert.Equal(t, "single", res.Method)
	assert.Contains(t, res.Answer, "conservative sample")
	assert.InDelta(t, 0.5, res.Consensus, 1e-9)
}

func TestSynthesizeBothEmptyIsFallback(t *testing.T) {
	res := Synthesize(context.Background(), &topPClient{byTopP: map[float64]string{}}, "task", "")
	assert.Equal(t, "fallback", res.Method)
	assert.Empty(t, res.Answer)
}

func TestQuickSynthesizeFallsBackToSingleModerateSample(t *testing.T) {
	client := &topPClient{byTopP: map[float64]string{
		0.9: "single moderate sample answer",
	}}

	res := QuickSynthesize(context.Background(), client, "task", "")
	assert.Equal(t, "single", res.Method)
	assert.Equal(t, "single moderate sample answer", res.Answer)
}

func TestNumericSynthesizeFeedsDraftToBothSamples(t *testing.T) {
	var sawDraft bool
	var mu sync.Mutex
	client := &promptInspectingClient{inspect: func(prompt string, _ *llm.SamplingOptions) string {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(prompt, "DRAFT ANSWER") && strings.Contains(prompt, "$1,240.00") {
			sawDraft = true
		}
		return "re-derived total $1,240.00 variance zero payment approved vendor acme verified"
	}}

	// Identical samples agree, so the strong model must never be asked.
	res := NumericSynthesize(context.Background(), client, failingClient{}, "reconcile INV-1", "Total $1,240.00 approved")
	assert.True(t, sawDraft)
	assert.Equal(t, "agreement", res.Method)
	assert.Contains(t, res.Answer, "$1,240.00")
}

func TestNumericSynthesizeDivergenceSettledByStrongModel(t *testing.T) {
	fast := &promptInspectingClient{inspect: func(_ string, opts *llm.SamplingOptions) string {
		if opts.Temperature == verifyTemp {
			return "verified the draft total $1,240.00 matches purchase order acme"
		}
		return "recomputed tax line wrong corrected grand figure should read $1,365.50 instead"
	}}
	strong := &promptInspectingClient{inspect: func(prompt string, _ *llm.SamplingOptions) string {
		require.Contains(t, prompt, "VERIFY PASS")
		require.Contains(t, prompt, "CHALLENGE PASS")
		return "Settled: the correct total is $1,365.50 including tax."
	}}

	res := NumericSynthesize(context.Background(), fast, strong, "reconcile INV-1", "Total $1,240.00 approved")
	assert.Equal(t, "synthesis", res.Method)
	assert.Contains(t, res.Answer, "$1,365.50")
	assert.Less(t, res.Consensus, moaOverlapAccept)
}

// promptInspectingClient lets a test assert on the exact prompt while
// still scripting the reply.
type promptInspectingClient struct {
	inspect func(prompt string, opts *llm.SamplingOptions) string
}

func (c *promptInspectingClient) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolDefinition, opts *llm.SamplingOptions) (*llm.Response, error) {
	return &llm.Response{Content: c.inspect(msgs[len(msgs)-1].Content, opts)}, nil
}

func TestLensSynthesizeMergesThreePerspectives(t *testing.T) {
	fast := &promptInspectingClient{inspect: func(_ string, opts *llm.SamplingOptions) string {
		switch {
		case strings.Contains(opts.System, "risk analyst"):
			return "flag the variance for compliance escalation"
		case strings.Contains(opts.System, "operations executor"):
			return "pay vendor acme $1,240.00 then notify finance"
		case strings.Contains(opts.System, "data quality auditor"):
			return "cross-check the PO amount against the invoice total"
		}
		return ""
	}}
	strong := &promptInspectingClient{inspect: func(prompt string, _ *llm.SamplingOptions) string {
		require.Contains(t, prompt, "RISK ANALYSIS")
		require.Contains(t, prompt, "EXECUTION ANALYSIS")
		require.Contains(t, prompt, "DATA QUALITY ANALYSIS")
		return "Merged plan: verify the PO, escalate the variance, then pay $1,240.00."
	}}

	res := LensSynthesize(context.Background(), fast, strong, "handle invoice INV-1")
	assert.Equal(t, "synthesis", res.Method)
	assert.Contains(t, res.Answer, "Merged plan")
}

func TestLensSynthesizeFallsBackToLongestLens(t *testing.T) {
	fast := &promptInspectingClient{inspect: func(_ string, opts *llm.SamplingOptions) string {
		if strings.Contains(opts.System, "operations executor") {
			return "the longest lens answer by a wide margin, with amounts and recipients spelled out"
		}
		return "short take"
	}}

	res := LensSynthesize(context.Background(), fast, failingClient{}, "handle invoice INV-1")
	assert.Equal(t, "fallback", res.Method)
	assert.Contains(t, res.Answer, "longest lens answer")
}

func TestLensSynthesizeAllLensesFail(t *testing.T) {
	res := LensSynthesize(context.Background(), failingClient{}, failingClient{}, "task")
	assert.Equal(t, "fallback", res.Method)
	assert.Empty(t, res.Answer)
}

func TestMultiPartTask(t *testing.T) {
	assert.True(t, multiPartTask("What is the variance? Should we escalate?"))
	assert.True(t, multiPartTask(strings.Repeat("audit the ledger entries for Q3 ", 20)))
	assert.False(t, multiPartTask("Reconcile invoice INV-1 against PO-9"))
	assert.False(t, multiPartTask("What is the status of ORD-5?"))
}

package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// Mixture-of-agents synthesis: sample the same task at divergent top_p
// settings and reconcile. Agreement between a conservative and an
// exploratory sample is strong evidence the answer is right; divergence
// buys one synthesis pass.

const (
	moaSampleTimeout  = 12 * time.Second
	moaTotalTimeout   = 15 * time.Second
	moaSampleTokens   = 1024
	moaOverlapAccept  = 0.70
	moaConservativeTP = 0.85
	moaExploratoryTP  = 0.99
	verifyTemp        = 0.2
	challengeTemp     = 0.9
	lensTimeout       = 20 * time.Second
	lensSynthTokens   = 1500
)

var moaStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"for": true, "to": true, "of": true, "and": true, "or": true, "in": true,
	"on": true, "at": true, "with": true, "that": true, "this": true,
	"it": true, "as": true, "be": true, "by": true, "from": true,
}

// MoAResult carries a synthesized answer and its consensus score.
type MoAResult struct {
	Answer    string
	Consensus float64
	Method    string // agreement | synthesis | single | fallback
}

func contentWords(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, `.,!?;:"'()[]{}`)
		if len(w) > 2 && !moaStopWords[w] {
			words[w] = true
		}
	}
	return words
}

// wordOverlap is Jaccard similarity over content words.
func wordOverlap(a, b string) float64 {
	wa, wb := contentWords(a), contentWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func sampleAt(ctx context.Context, client llm.Client, system, prompt string, topP float64, maxTokens int) string {
	sctx, cancel := context.WithTimeout(ctx, moaSampleTimeout)
	defer cancel()
	resp, err := client.Chat(sctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    system,
		TopP:      topP,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func sampleTemp(ctx context.Context, client llm.Client, system, prompt string, temperature float64, maxTokens int) string {
	sctx, cancel := context.WithTimeout(ctx, moaSampleTimeout)
	defer cancel()
	resp, err := client.Chat(sctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:       llm.FastModel,
		System:      system,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

func dualSample(ctx context.Context, client llm.Client, system, prompt string) (conservative, exploratory string) {
	dctx, cancel := context.WithTimeout(ctx, moaTotalTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		conservative = sampleAt(dctx, client, system, prompt, moaConservativeTP, moaSampleTokens)
	}()
	go func() {
		defer wg.Done()
		exploratory = sampleAt(dctx, client, system, prompt, moaExploratoryTP, moaSampleTokens)
	}()
	wg.Wait()
	return conservative, exploratory
}

// Synthesize runs dual-sample MoA over a task prompt.
func Synthesize(ctx context.Context, client llm.Client, taskText, system string) MoAResult {
	a, b := dualSample(ctx, client, system, taskText)

	if a == "" && b == "" {
		return MoAResult{Method: "fallback"}
	}
	if a == "" {
		return MoAResult{Answer: b, Consensus: 0.5, Method: "single"}
	}
	if b == "" {
		return MoAResult{Answer: a, Consensus: 0.5, Method: "single"}
	}

	overlap := wordOverlap(a, b)
	if overlap >= moaOverlapAccept {
		answer := a
		if len(b) > len(a) {
			answer = b
		}
		return MoAResult{Answer: answer, Consensus: overlap, Method: "agreement"}
	}

	merged := sampleAt(ctx, client,
		"You are a synthesis engine. Merge two candidate answers into the single best answer. Keep concrete data from both.",
		"TASK:\n"+taskText+"\n\nANSWER A (conservative):\n"+a+"\n\nANSWER B (exploratory):\n"+b+"\n\nSynthesize the best answer:",
		0.9, moaSampleTokens)
	if merged == "" {
		answer := a
		if len(b) > len(a) {
			answer = b
		}
		return MoAResult{Answer: answer, Consensus: overlap, Method: "fallback"}
	}
	return MoAResult{Answer: merged, Consensus: overlap, Method: "synthesis"}
}

// QuickSynthesize is the zero-tool fast path: dual sample, fall back to
// a single moderate sample when both fail.
func QuickSynthesize(ctx context.Context, client llm.Client, taskText, system string) MoAResult {
	res := Synthesize(ctx, client, taskText, system)
	if res.Answer != "" {
		return res
	}
	if single := sampleAt(ctx, client, system, taskText, 0.9, moaSampleTokens); single != "" {
		return MoAResult{Answer: single, Consensus: 0.5, Method: "single"}
	}
	return MoAResult{Method: "fallback"}
}

// NumericSynthesize validates a tool-grounded answer whose numbers
// matter. Two fast samples take opposing roles — a cold verify pass
// re-derives the figures, a hot challenge pass hunts for an error —
// and when they disagree the strong model settles the numbers.
func NumericSynthesize(ctx context.Context, fast, strong llm.Client, taskText, draft string) MoAResult {
	base := "TASK:\n" + clipText(taskText, 800) + "\n\nDRAFT ANSWER:\n" + clipText(draft, 1500)
	prompt := base + "\n\nProvide the final answer with verified figures:"

	verifySystem := "You are a numerical verification agent. Re-derive every figure in the draft from the task. " +
		"If the draft's numbers are correct, restate the answer; if not, give the corrected answer with exact figures."
	challengeSystem := "You are a skeptical financial reviewer. Assume the draft hides at least one numeric error: " +
		"recompute each total, check units and percentages, and state the correct final figures."

	dctx, cancel := context.WithTimeout(ctx, moaTotalTimeout)
	defer cancel()

	var verify, challenge string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		verify = sampleTemp(dctx, fast, verifySystem, prompt, verifyTemp, moaSampleTokens)
	}()
	go func() {
		defer wg.Done()
		challenge = sampleTemp(dctx, fast, challengeSystem, prompt, challengeTemp, moaSampleTokens)
	}()
	wg.Wait()

	if verify == "" && challenge == "" {
		return MoAResult{Method: "fallback"}
	}
	if verify == "" {
		return MoAResult{Answer: challenge, Consensus: 0.5, Method: "single"}
	}
	if challenge == "" {
		return MoAResult{Answer: verify, Consensus: 0.5, Method: "single"}
	}

	overlap := wordOverlap(verify, challenge)
	if overlap >= moaOverlapAccept {
		answer := verify
		if len(challenge) > len(verify) {
			answer = challenge
		}
		return MoAResult{Answer: answer, Consensus: overlap, Method: "agreement"}
	}

	sctx, scancel := context.WithTimeout(ctx, lensTimeout)
	defer scancel()
	resp, err := strong.Chat(sctx, []llm.Message{{Role: "user", Content: base +
		"\n\nVERIFY PASS:\n" + verify + "\n\nCHALLENGE PASS:\n" + challenge +
		"\n\nThe two reviews disagree. Settle the arithmetic and give the final answer with exact figures:"}},
		nil, &llm.SamplingOptions{
			Model:     llm.StrongModel,
			MaxTokens: moaSampleTokens,
		})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return MoAResult{Answer: verify, Consensus: overlap, Method: "fallback"}
	}
	return MoAResult{Answer: strings.TrimSpace(resp.Content), Consensus: overlap, Method: "synthesis"}
}

var lensPrompts = map[string]string{
	"risk": "You are a risk analyst. Examine this task for compliance exposure, policy violations, " +
		"and financial risk. What must be flagged or escalated before acting?",
	"execution": "You are an operations executor. Lay out the exact sequence of actions this task " +
		"requires, with concrete amounts, IDs, and recipients.",
	"data_quality": "You are a data quality auditor. Identify what data this task depends on, " +
		"which figures must be cross-checked, and any inconsistencies in the stated facts.",
}

// LensSynthesize runs the three-lens variant for high-stakes tasks:
// risk, execution, and data-quality perspectives merged by the strong
// model.
func LensSynthesize(ctx context.Context, client llm.Client, strong llm.Client, taskText string) MoAResult {
	type lensOut struct {
		name string
		text string
	}
	results := make([]lensOut, 0, len(lensPrompts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, system := range lensPrompts {
		wg.Add(1)
		go func(name, system string) {
			defer wg.Done()
			if out := sampleAt(ctx, client, system, taskText, 0.9, moaSampleTokens); out != "" {
				mu.Lock()
				results = append(results, lensOut{name, out})
				mu.Unlock()
			}
		}(name, system)
	}
	wg.Wait()

	if len(results) == 0 {
		return MoAResult{Method: "fallback"}
	}

	// Pairwise mean overlap is the consensus across lenses.
	consensus := 0.0
	pairs := 0
	for i := range results {
		for j := i + 1; j < len(results); j++ {
			consensus += wordOverlap(results[i].text, results[j].text)
			pairs++
		}
	}
	if pairs > 0 {
		consensus /= float64(pairs)
	}

	var b strings.Builder
	b.WriteString("TASK:\n" + taskText + "\n\n")
	for _, r := range results {
		b.WriteString("## " + strings.ToUpper(strings.ReplaceAll(r.name, "_", " ")) + " ANALYSIS\n" + r.text + "\n\n")
	}
	b.WriteString("Synthesize these perspectives into one complete, actionable answer:")

	lctx, cancel := context.WithTimeout(ctx, lensTimeout)
	defer cancel()
	resp, err := strong.Chat(lctx, []llm.Message{{Role: "user", Content: b.String()}}, nil, &llm.SamplingOptions{
		Model:     llm.StrongModel,
		MaxTokens: lensSynthTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		longest := results[0].text
		for _, r := range results[1:] {
			if len(r.text) > len(longest) {
				longest = r.text
			}
		}
		return MoAResult{Answer: longest, Consensus: consensus, Method: "fallback"}
	}
	return MoAResult{Answer: strings.TrimSpace(resp.Content), Consensus: consensus, Method: "synthesis"}
}

// Package budget enforces the per-task token budget and picks the model
// tier for each FSM state.
package budget

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

const (
	// TaskBudget is the estimated token allowance for one task.
	TaskBudget = 10_000
	// CharsPerToken is the coarse chars→tokens estimate used everywhere.
	CharsPerToken = 4
	// FastThreshold is the spend fraction past which only the fast model runs.
	FastThreshold = 0.80
	// ModelSkip is returned once the budget is fully spent: make no call,
	// answer from data already collected.
	ModelSkip = "skip"
)

// Analytical keywords that earn COMPUTE the strong model. Both spellings
// of synthesise are matched.
var complexKeywords = []string{
	"reconcile", "root cause", "diagnose", "forecast", "synthesise",
	"synthesize", "cross-reference", "correlate", "investigate",
}

// States that do the actual work get the larger output allowance.
var activeStates = map[string]bool{
	"DECOMPOSE":       true,
	"ASSESS":          true,
	"COMPUTE":         true,
	"MUTATE":          true,
	"SCHEDULE_NOTIFY": true,
}

// Tracker accumulates estimated token spend for one task.
type Tracker struct {
	mu    sync.Mutex
	spent int
	total int
}

// NewTracker starts a tracker with the standard task budget.
func NewTracker() *Tracker {
	return &Tracker{total: TaskBudget}
}

// EstimateTokens converts text length to a token estimate (ceiling).
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Record adds estimated spend for a prompt/answer pair.
func (t *Tracker) Record(prompt, answer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent += EstimateTokens(prompt) + EstimateTokens(answer)
}

// RecordTokens adds a raw token count.
func (t *Tracker) RecordTokens(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent += n
}

// Spent returns the tokens consumed so far.
func (t *Tracker) Spent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// Remaining returns the unspent budget, never negative.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.total - t.spent; r > 0 {
		return r
	}
	return 0
}

// UsedFraction returns spend as a fraction of the budget.
func (t *Tracker) UsedFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 1
	}
	return float64(t.spent) / float64(t.total)
}

// Exhausted reports whether the hard limit is reached; past it the task
// skips further LLM calls and answers from collected data.
func (t *Tracker) Exhausted() bool {
	return t.UsedFraction() >= 1.0
}

// ModelFor picks the model tier for the current FSM state. MUTATE always
// gets the strong model; COMPUTE gets it only when the task text carries
// an analytical keyword. Past the fast threshold everything drops to the
// fast tier, and a fully spent budget returns ModelSkip.
func (t *Tracker) ModelFor(fsmState, taskText string) string {
	used := t.UsedFraction()
	if used >= 1.0 {
		return ModelSkip
	}
	if used >= FastThreshold {
		return llm.FastModel
	}
	switch fsmState {
	case "MUTATE":
		return llm.StrongModel
	case "COMPUTE":
		if isComplex(taskText) {
			return llm.StrongModel
		}
	}
	return llm.FastModel
}

// MaxTokens returns the output allowance for the next call. Active
// execution states get a larger share of what remains.
func (t *Tracker) MaxTokens(state string) int {
	remaining := t.Remaining()
	switch {
	case remaining < 500:
		return 256
	case remaining < 2000:
		return 512
	}
	if activeStates[state] {
		return min(4096, remaining/2)
	}
	return min(1024, remaining/3)
}

// CapPrompt truncates a prompt so it fits the remaining budget, leaving
// headroom for the answer. A truncation marker shows where content was cut.
func (t *Tracker) CapPrompt(prompt string, reserveTokens int) string {
	allowed := (t.Remaining() - reserveTokens) * CharsPerToken
	if allowed <= 0 {
		allowed = 512
	}
	if len(prompt) <= allowed {
		return prompt
	}
	return prompt[:allowed] + "\n[... truncated to fit token budget ...]"
}

// EfficiencyHint returns a directive injected into the system context so
// the model economizes as the budget drains.
func (t *Tracker) EfficiencyHint() string {
	used := t.UsedFraction()
	switch {
	case used >= 0.90:
		return "TOKEN BUDGET CRITICAL: answer immediately from data already collected. No further tool calls."
	case used >= 0.75:
		return "TOKEN BUDGET LOW: at most 2 more tool calls, then answer concisely."
	case used >= 0.50:
		return "Token budget at half. Prefer batch lookups over per-record calls."
	default:
		return ""
	}
}

// Summary renders current spend for logs.
func (t *Tracker) Summary() string {
	return fmt.Sprintf("%d/%d tokens (%.0f%%)", t.Spent(), t.total, t.UsedFraction()*100)
}

func isComplex(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

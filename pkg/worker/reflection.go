package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// Self-reflection scores the finished answer and, when it falls short,
// produces a targeted improvement prompt. A cheap heuristic screens out
// clearly-good answers before any model call.

const (
	improveThreshold   = 0.65
	reflectTimeout     = 8 * time.Second
	reflectMaxTokens   = 200
	heuristicSkipScore = 0.85
)

// Reflection is the verdict on a completed answer.
type Reflection struct {
	Score         float64  `json:"score"`
	Complete      bool     `json:"complete"`
	Missing       []string `json:"missing"`
	ImprovePrompt string   `json:"improve_prompt"`
	Method        string   `json:"-"` // bracket | heuristic | model
}

var reflectErrorPhrases = []string{
	"unable to", "could not", "failed to", "error occurred",
	"no data", "not found", "not available",
}

var reflectCompletionMarkers = []string{
	"approved", "rejected", "completed", "total:", "amount:", "decision:",
}

// heuristicScore estimates answer quality from surface signals alone.
func heuristicScore(answer string, toolCount int) float64 {
	score := 0.5
	trimmed := strings.TrimSpace(answer)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		score += 0.15
	}

	switch n := len(trimmed); {
	case n > 800:
		score += 0.20
	case n > 400:
		score += 0.15
	case n > 150:
		score += 0.08
	case n < 50:
		score -= 0.20
	}

	switch {
	case toolCount >= 5:
		score += 0.15
	case toolCount >= 3:
		score += 0.10
	case toolCount >= 1:
		score += 0.05
	default:
		score -= 0.10
	}

	if strings.Contains(trimmed, "{") && strings.Contains(trimmed, "}") {
		score += 0.08
	}
	for _, marker := range reflectCompletionMarkers {
		if strings.Contains(lower, marker) {
			score += 0.08
			break
		}
	}
	for _, phrase := range reflectErrorPhrases {
		if strings.Contains(lower, phrase) {
			score -= 0.25
			break
		}
	}
	if strings.Contains(lower, `"data": []`) || strings.Contains(lower, `"data":[]`) {
		score -= 0.25
	}
	if strings.Contains(lower, `"results": []`) || strings.Contains(lower, `"results":[]`) {
		score -= 0.15
	}
	if strings.Contains(lower, "todo") || strings.Contains(lower, "placeholder") {
		score -= 0.20
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

var reflectJSONRe = regexp.MustCompile(`(?s)\{.*?\}`)

// Reflect evaluates the answer. Bracket answers and high-heuristic
// answers skip the model call entirely.
func Reflect(ctx context.Context, client llm.Client, taskText, answer, processType string, toolCount int) Reflection {
	if IsBracketAnswer(answer) {
		return Reflection{Score: 1.0, Complete: true, Method: "bracket"}
	}

	h := heuristicScore(answer, toolCount)
	if h >= heuristicSkipScore {
		return Reflection{Score: h, Complete: true, Method: "heuristic"}
	}

	rctx, cancel := context.WithTimeout(ctx, reflectTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Process: %s | Tools used: %d\nTask: %s\nAnswer: %s\n\n"+
			"Evaluate this answer. Does it:\n"+
			"1. Address ALL parts of the task?\n"+
			"2. Include concrete data (amounts, IDs, decisions)?\n"+
			"3. Complete every requested action?\n"+
			"Reply JSON only:\n"+
			`{"score": 0.0-1.0, "complete": true/false, "missing": ["..."], "improve_prompt": "..."}`,
		titleCase(processType), toolCount, clipText(taskText, 400), clipText(answer, 600))

	resp, err := client.Chat(rctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: reflectMaxTokens,
	})
	if err != nil {
		return Reflection{Score: h, Complete: h >= improveThreshold, Method: "heuristic"}
	}

	raw := reflectJSONRe.FindString(resp.Content)
	if raw == "" {
		return Reflection{Score: h, Complete: h >= improveThreshold, Method: "heuristic"}
	}
	var r Reflection
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Reflection{Score: h, Complete: h >= improveThreshold, Method: "heuristic"}
	}
	r.Method = "model"
	return r
}

// ShouldImprove reports whether the reflection warrants an improvement
// rerun. An incomplete verdict with no guidance is not actionable.
func (r Reflection) ShouldImprove() bool {
	if r.Complete && r.Score >= improveThreshold {
		return false
	}
	return len(r.Missing) > 0 || r.ImprovePrompt != ""
}

// BuildImprovementPrompt renders the follow-up request from the verdict.
func (r Reflection) BuildImprovementPrompt() string {
	parts := []string{"Your previous answer was incomplete. Improve it:"}
	if len(r.Missing) > 0 {
		parts = append(parts, "Missing: "+strings.Join(r.Missing, "; "))
	}
	if r.ImprovePrompt != "" {
		parts = append(parts, "Specifically: "+r.ImprovePrompt)
	}
	parts = append(parts, "Provide the complete, final answer now.")
	return strings.Join(parts, "\n")
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// Compute verification audits the arithmetic in answers to
// calculation-heavy processes. The auditor is a cheap model pass over
// the numbers already present in the answer; a flagged answer gets one
// correction rerun.

var computeHeavyTypes = map[string]bool{
	"invoice_reconciliation": true,
	"expense_approval":       true,
	"payroll":                true,
	"month_end_close":        true,
	"ar_collections":         true,
	"sla_breach":             true,
	"procurement":            true,
	"subscription_migration": true,
	"general":                true,
}

var answerNumberRe = regexp.MustCompile(`(?:[$£€¥]?\s*\d[\d,]*\.?\d*(?:\s*%)?)`)

const (
	auditMaxNumbers = 20
	auditTimeout    = 8 * time.Second
	auditMaxTokens  = 300
)

// Audit is the calculation auditor's verdict.
type Audit struct {
	HasErrors      bool     `json:"has_errors"`
	Confidence     float64  `json:"confidence"`
	Issues         []string `json:"issues"`
	CorrectionHint string   `json:"correction_hint"`
}

// VerifyComputations checks the numbers in an answer for arithmetic
// errors. Fast paths skip the model for answers with nothing to audit.
func VerifyComputations(ctx context.Context, client llm.Client, taskText, answer, processType string) Audit {
	if IsBracketAnswer(answer) {
		return Audit{Confidence: 0.95}
	}

	numbers := answerNumberRe.FindAllString(answer, auditMaxNumbers)
	if len(numbers) == 0 || len(answer) < 100 {
		return Audit{Confidence: 0.85}
	}
	if !computeHeavyTypes[processType] && !strings.Contains(strings.ToLower(taskText), "compute") {
		return Audit{Confidence: 0.80}
	}

	actx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	system := "You are a financial calculation auditor. Check the arithmetic in the agent's answer " +
		"against the task. Respond with JSON only: " +
		`{"has_errors": true/false, "confidence": 0.0-1.0, "issues": ["..."], "correction_hint": "..."}`
	prompt := fmt.Sprintf("TASK:\n%s\n\nAGENT ANSWER (excerpt):\n%s\n\nKey numbers found: %s\n\nAre the calculations correct? Return JSON.",
		clipText(taskText, 800), clipText(answer, 1500), strings.Join(numbers, ", "))

	resp, err := client.Chat(actx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    system,
		MaxTokens: auditMaxTokens,
	})
	if err != nil {
		return Audit{Confidence: 0.75}
	}

	raw := reflectJSONRe.FindString(resp.Content)
	if raw == "" {
		return Audit{Confidence: 0.75}
	}
	var a Audit
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Audit{Confidence: 0.75}
	}
	return a
}

var figureCleaner = strings.NewReplacer("$", "", "£", "", "€", "", "¥", "", ",", "", "%", "", " ", "")

// FinalNumber extracts the last parseable figure in a text, stripped of
// currency symbols, separators, and percent signs. The last number is
// the one conclusions land on.
func FinalNumber(text string) (float64, bool) {
	matches := answerNumberRe.FindAllString(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		s := figureCleaner.Replace(matches[i])
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// sameFigure treats sub-cent deltas and rounding drift as equal.
func sameFigure(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff < 0.005 {
		return true
	}
	return diff/math.Max(math.Abs(a), math.Abs(b)) < 1e-6
}

// CorrectionPrompt builds the recalculation request for a flagged answer.
func (a Audit) CorrectionPrompt(taskText string) string {
	var b strings.Builder
	b.WriteString("Your previous answer had calculation errors:\n")
	for _, issue := range a.Issues {
		b.WriteString("- " + issue + "\n")
	}
	if a.CorrectionHint != "" {
		b.WriteString("\nCorrection needed: " + a.CorrectionHint + "\n")
	}
	b.WriteString("\nPlease recalculate and provide the corrected answer for:\n")
	b.WriteString(clipText(taskText, 600))
	return b.String()
}

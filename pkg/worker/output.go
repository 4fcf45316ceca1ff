package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/opsagent/pkg/policy"
)

// Bracket-format discipline: list and ranking tasks are scored by exact
// string match against a JSON array. Everything in this file either
// produces that format or takes care never to corrupt it.

var listTaskKeywords = []string{
	"list", "rank", "order", "sort", "top", "best", "worst",
	"prioritize", "enumerate", "which", "candidates", "options",
	"recommend", "select", "choose", "identify all",
}

var scalarTaskKeywords = []string{
	"approve", "deny", "reject", "flag", "should i", "is this",
	"can i", "am i allowed", "does this", "is it", "was it",
}

func IsListTask(taskText string) bool {
	return containsAnyKeyword(taskText, listTaskKeywords)
}

func IsScalarTask(taskText string) bool {
	return containsAnyKeyword(taskText, scalarTaskKeywords)
}

func containsAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var (
	jsonArraySegRe = regexp.MustCompile(`(?s)\[([^\[\]]+)\]`)
	numberedRe     = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
	bulletRe       = regexp.MustCompile(`(?m)^\s*[-*•]\s+(.+)$`)
	numberedPfxRe  = regexp.MustCompile(`^\d+[.)]\s*`)
	numericCharRe  = regexp.MustCompile(`[\d$€£¥]`)
)

// ExtractRankedItems pulls a list from model prose. Tries JSON array,
// then numbered list, then bullets, then a guarded comma-split that
// never fires on financial data.
func ExtractRankedItems(text string) []string {
	if m := jsonArraySegRe.FindStringSubmatch(text); m != nil {
		var parsed []any
		if err := json.Unmarshal([]byte("["+m[1]+"]"), &parsed); err == nil {
			var items []string
			ok := true
			for _, v := range parsed {
				switch v.(type) {
				case string, float64:
					s := strings.TrimSpace(fmt.Sprintf("%v", v))
					if s != "" {
						items = append(items, s)
					}
				default:
					ok = false
				}
			}
			if ok && len(items) > 0 {
				return items
			}
		}
	}

	if matches := numberedRe.FindAllStringSubmatch(text, -1); len(matches) >= 2 {
		return submatchItems(matches)
	}
	if matches := bulletRe.FindAllStringSubmatch(text, -1); len(matches) >= 2 {
		return submatchItems(matches)
	}

	// Comma-split only on short word-like items with no digits or
	// currency, otherwise "$1,240.00" becomes two items.
	lines := nonEmptyLines(text)
	if len(lines) > 3 {
		lines = lines[:3]
	}
	for _, line := range lines {
		if !strings.Contains(line, ",") || len(line) >= 200 {
			continue
		}
		var items []string
		for _, part := range strings.Split(line, ",") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
		if len(items) < 2 {
			continue
		}
		valid := true
		for _, item := range items {
			if numericCharRe.MatchString(item) || len(item) > 50 {
				valid = false
				break
			}
		}
		if valid {
			return items
		}
	}
	return nil
}

func submatchItems(matches [][]string) []string {
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		items = append(items, strings.TrimSpace(m[1]))
	}
	return items
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(text), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// EnforceBracketFormat renders items as a clean JSON array string.
func EnforceBracketFormat(items []string) string {
	clean := make([]string, 0, len(items))
	for _, item := range items {
		if c := strings.TrimSpace(numberedPfxRe.ReplaceAllString(item, "")); c != "" {
			clean = append(clean, c)
		}
	}
	if len(clean) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// IsBracketAnswer reports whether an answer is already a JSON array,
// and therefore an exact-match target no post-pass may touch.
func IsBracketAnswer(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return false
	}
	var arr []any
	return json.Unmarshal([]byte(trimmed), &arr) == nil
}

// NormalizeAnswer post-processes the model's answer: prepends a
// policy-failure marker on prose answers and converts detected lists
// to bracket format. Bracket answers pass through byte-identical.
func NormalizeAnswer(answer string, policyResult *policy.Result) string {
	stripped := strings.TrimSpace(answer)
	if strings.HasPrefix(stripped, "[") {
		return stripped
	}

	var parts []string
	if policyResult != nil && !policyResult.Passed {
		parts = append(parts, "[POLICY: "+policySummary(*policyResult)+"]")
	}
	if items := ExtractRankedItems(stripped); items != nil {
		parts = append(parts, EnforceBracketFormat(items))
	} else {
		parts = append(parts, stripped)
	}
	return strings.Join(parts, "\n")
}

// policySummary renders one line of triggered-rule detail.
func policySummary(res policy.Result) string {
	if res.Passed {
		return "passed"
	}
	ids := make([]string, 0, len(res.Triggered))
	for _, r := range res.Triggered {
		ids = append(ids, r.ID)
	}
	summary := "rules triggered: " + strings.Join(ids, ", ")
	if res.Blocked {
		summary += " (blocked)"
	} else if res.EscalationRequired {
		summary += " (escalation required)"
	}
	return summary
}

var footerRe = regexp.MustCompile(`\n\n---\nProcess: [^\n]*\nPolicy: [^\n]*\nQuality: [^\n]*\nDuration: \d+ms$`)

// FormatFinalAnswer appends the metadata footer: process type, policy
// outcome, quality, duration. Bracket answers are returned untouched —
// a footer would break exact-match scoring. Any footer already present
// is replaced, so formatting is idempotent.
func FormatFinalAnswer(answer, processType string, quality float64, durationMS int64, policyPassed *bool) string {
	if IsBracketAnswer(answer) {
		return strings.TrimSpace(answer)
	}
	policyStr := "N/A"
	if policyPassed != nil {
		if *policyPassed {
			policyStr = "PASSED"
		} else {
			policyStr = "FAILED"
		}
	}
	title := titleCase(processType)
	return fmt.Sprintf("%s\n\n---\nProcess: %s\nPolicy: %s\nQuality: %.2f\nDuration: %dms",
		StripAnswerFooter(answer), title, policyStr, quality, durationMS)
}

// StripAnswerFooter removes a trailing metadata footer, returning the
// bare answer. Inverse of FormatFinalAnswer for non-bracket answers.
func StripAnswerFooter(answer string) string {
	return footerRe.ReplaceAllString(answer, "")
}

func titleCase(processType string) string {
	words := strings.Split(strings.ReplaceAll(processType, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Package rlcase is the case-log feedback channel: task outcomes are
// scored, recorded, and re-injected as a learned-pattern primer before
// similar future tasks. Two layers: the case log itself, and a
// zero-cost quality scorer over the final answer.
package rlcase

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

const (
	caseLogFile   = "case_log.json"
	maxCases      = 200
	relevantCases = 3
)

// CaseEntry is one recorded task outcome.
type CaseEntry struct {
	CaseID      string   `json:"case_id"`
	TaskSummary string   `json:"task_summary"`
	Keywords    []string `json:"keywords"`
	Outcome     string   `json:"outcome"` // success | failure | partial
	Quality     float64  `json:"quality"`
	WhatWorked  string   `json:"what_worked"`
	WhatFailed  string   `json:"what_failed"`
	ToolCount   int      `json:"tool_count"`
	Domain      string   `json:"domain,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// Log manages the persisted case log.
type Log struct {
	mu    sync.Mutex
	store *store.JSONStore
	clock func() time.Time

	// benchPrimer, when set, prepends benchmark intelligence to the
	// primer so the agent knows where it lost points last run.
	benchPrimer func() string
}

func NewLog(js *store.JSONStore) *Log {
	return &Log{store: js, clock: time.Now}
}

// WithClock injects a clock for tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// SetBenchmarkPrimer installs the benchmark intelligence source.
func (l *Log) SetBenchmarkPrimer(fn func() string) { l.benchPrimer = fn }

func (l *Log) load() []CaseEntry {
	var cases []CaseEntry
	if l.store != nil {
		_, _ = l.store.Load(caseLogFile, &cases)
	}
	return cases
}

func (l *Log) save(cases []CaseEntry) {
	if l.store == nil {
		return
	}
	if len(cases) > maxCases {
		cases = cases[len(cases)-maxCases:]
	}
	// Best effort: a failed save never fails the task.
	_ = l.store.Save(caseLogFile, cases)
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "can": true, "for": true, "in": true, "on": true, "at": true,
	"to": true, "of": true, "and": true, "or": true, "but": true, "with": true,
	"from": true, "this": true, "that": true, "it": true, "i": true, "you": true,
	"please": true, "need": true, "want": true, "help": true, "task": true,
	"make": true, "get": true, "use": true,
}

// ExtractKeywords pulls up to 15 distinctive words from a task text.
func ExtractKeywords(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) > 3 && !stopWords[w] && !seen[w] {
			seen[w] = true
			out = append(out, w)
			if len(out) == 15 {
				break
			}
		}
	}
	return out
}

// IsBracketAnswer reports whether an answer is a strict JSON array.
// Prose containing brackets ("Rejected. [Reason: ...]") does not count;
// only true JSON lists like ["INV-001"] do.
func IsBracketAnswer(answer string) bool {
	s := strings.TrimSpace(answer)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return false
	}
	var arr []any
	return json.Unmarshal([]byte(s), &arr) == nil
}

var (
	emptyDataRe    = regexp.MustCompile(`"data"\s*:\s*\[\s*\]`)
	emptyResultsRe = regexp.MustCompile(`"results"\s*:\s*\[\s*\]`)
	toolMentionRe  = regexp.MustCompile(`\b(?:tool|called|fetched|retrieved|queried|executed|invoked)\b`)
	amountRe       = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
	outcomeWordRe  = regexp.MustCompile(`\b(approved|rejected|completed|resolved)\b`)
	missingFieldRe = regexp.MustCompile(`missing\s+\w+`)
	timeoutRe      = regexp.MustCompile(`timed? out`)
)

var errorPhrases = []string{
	"task failed", "unable to", "cannot access", "no data found",
	"token budget exhausted", "tool unavailable", "ran out of time",
	"timed out",
}

var decisionMarkers = []string{
	"approved", "rejected", "completed", "resolved", "decision:", "total:",
}

// lengthWindow sizes the expected answer-length band by task
// complexity: long or multi-part briefs warrant long answers, a
// one-line lookup does not.
func lengthWindow(taskText string) (lo, hi int) {
	questions := strings.Count(taskText, "?")
	switch {
	case len(taskText) > 500 || questions > 1:
		return 300, 4000
	case len(taskText) > 200:
		return 150, 2500
	default:
		return 80, 1500
	}
}

// answerScore rates answer substance 0–1: length inside the
// complexity-adjusted window, decision markers, empty-payload
// penalties. Error phrases zero it — an apology is not an answer.
func answerScore(taskText, answer string) float64 {
	if answer == "" {
		return 0
	}
	lower := strings.ToLower(answer)
	for _, p := range errorPhrases {
		if strings.Contains(lower, p) {
			return 0
		}
	}

	lo, hi := lengthWindow(taskText)
	var score float64
	switch n := len(answer); {
	case n < lo:
		score = 0.7 * float64(n) / float64(lo)
	case n <= hi:
		score = 0.7
	default:
		// Overlong still carries the content, just unfocused.
		score = 0.55
	}

	for _, m := range decisionMarkers {
		if strings.Contains(lower, m) {
			score += 0.3
			break
		}
	}
	if emptyDataRe.MatchString(answer) {
		score -= 0.35
	}
	if emptyResultsRe.MatchString(answer) {
		score -= 0.2
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// toolScore rewards efficiency: the fewest calls that still ground the
// answer in data. Zero calls is no grounding at all, not efficiency.
func toolScore(toolCount int) float64 {
	switch {
	case toolCount == 0:
		return 0.2
	case toolCount <= 2:
		return 1.0
	case toolCount <= 4:
		return 0.85
	case toolCount <= 7:
		return 0.65
	case toolCount <= 12:
		return 0.45
	default:
		return 0.3
	}
}

// ScoreQuality rates an answer 0–1 as a weighted blend: 35% answer
// substance, 35% tool efficiency, 30% policy adherence (pass 1.0,
// absent 0.5, violated 0.0). Bracket-format answers score 1.0
// outright — they are exact-match deliverables whose length says
// nothing about quality. policyPassed nil means no policy was given.
func ScoreQuality(taskText, answer string, toolCount int, policyPassed *bool) float64 {
	stripped := strings.TrimSpace(answer)
	if IsBracketAnswer(stripped) {
		return 1.0
	}

	policyScore := 0.5
	if policyPassed != nil {
		if *policyPassed {
			policyScore = 1.0
		} else {
			policyScore = 0.0
		}
	}

	q := 0.35*answerScore(taskText, stripped) + 0.35*toolScore(toolCount) + 0.30*policyScore
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return round3(q)
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}

// RecordOutcome scores and records one task outcome, then enriches the
// entry with structured what-worked / what-failed analysis. Returns the
// quality score.
func (l *Log) RecordOutcome(taskText, answer string, toolCount int, policyPassed *bool, errText, domain string) float64 {
	quality := ScoreQuality(taskText, answer, toolCount, policyPassed)
	outcome := "partial"
	if quality >= 0.6 {
		outcome = "success"
	} else if errText != "" {
		outcome = "failure"
	}

	now := l.clock()
	sum := md5.Sum([]byte(fmt.Sprintf("%.50s%d", taskText, now.UnixNano())))
	caseID := hex.EncodeToString(sum[:])[:8]

	whatWorked, whatFailed := "", ""
	if outcome == "success" {
		if toolCount > 0 {
			whatWorked = fmt.Sprintf("Used %d tool calls", toolCount)
		}
		if policyPassed != nil && *policyPassed {
			if whatWorked != "" {
				whatWorked += ". Policy enforced correctly"
			} else {
				whatWorked = "Policy enforced correctly"
			}
		}
	} else {
		whatFailed = errText
		if whatFailed == "" {
			whatFailed = "Partial/incomplete answer"
		}
	}

	summary := taskText
	if len(summary) > 120 {
		summary = summary[:120]
	}
	entry := CaseEntry{
		CaseID:      caseID,
		TaskSummary: summary,
		Keywords:    ExtractKeywords(taskText),
		Outcome:     outcome,
		Quality:     quality,
		WhatWorked:  whatWorked,
		WhatFailed:  whatFailed,
		ToolCount:   toolCount,
		Domain:      domain,
		Timestamp:   now.Unix(),
	}

	l.mu.Lock()
	cases := append(l.load(), entry)
	l.save(cases)
	l.mu.Unlock()

	l.extractStructuredMemory(taskText, answer, domain, quality)
	return quality
}

// extractStructuredMemory enriches the most recent case entry for a
// domain with pure-string pattern analysis. Zero model cost.
func (l *Log) extractStructuredMemory(taskText, answer, domain string, quality float64) {
	if quality >= 0.6 {
		l.updateEntryMetadata(domain, extractSuccessPattern(taskText, answer), "")
	} else {
		l.updateEntryMetadata(domain, "", extractFailurePattern(answer))
	}
}

func (l *Log) updateEntryMetadata(domain, whatWorked, whatFailed string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cases := l.load()
	// Scan the 10 most recent entries for this domain.
	for i := len(cases) - 1; i >= 0 && i > len(cases)-11; i-- {
		if cases[i].Domain != domain {
			continue
		}
		if whatWorked != "" && cases[i].WhatWorked == "" {
			cases[i].WhatWorked = whatWorked
		}
		if whatFailed != "" && cases[i].WhatFailed == "" {
			cases[i].WhatFailed = whatFailed
		}
		l.save(cases)
		return
	}
}

var processPatternWords = []string{
	"expense", "procurement", "invoice", "offboarding", "sla", "order",
	"compliance", "dispute", "collections", "month-end", "approval",
}

func extractSuccessPattern(taskText, answer string) string {
	var parts []string

	if n := len(toolMentionRe.FindAllString(strings.ToLower(answer), -1)); n > 0 {
		parts = append(parts, fmt.Sprintf("Used ~%d tool references", n))
	}
	taskLower := strings.ToLower(taskText)
	for _, kw := range processPatternWords {
		if strings.Contains(taskLower, kw) {
			parts = append(parts, "Process: "+kw)
			break
		}
	}
	if m := amountRe.FindString(answer); m != "" {
		parts = append(parts, "Amount processed: "+m)
	}
	if m := outcomeWordRe.FindString(strings.ToLower(answer)); m != "" {
		parts = append(parts, "Outcome: "+m)
	}

	if len(parts) == 0 {
		return "Completed successfully"
	}
	return strings.Join(parts, ". ")
}

func extractFailurePattern(answer string) string {
	var parts []string
	lower := strings.ToLower(answer)

	failureLabels := []struct {
		match func(string) bool
		label string
	}{
		{func(s string) bool { return strings.Contains(s, "no data found") }, "No data found in tool response"},
		{func(s string) bool { return strings.Contains(s, "unable to") }, "Unable to complete action"},
		{func(s string) bool { return strings.Contains(s, "cannot access") }, "Tool access failure"},
		{func(s string) bool { return strings.Contains(s, "token budget") }, "Token budget exhausted"},
		{func(s string) bool { return strings.Contains(s, "tool unavailable") }, "Required tool unavailable"},
		{func(s string) bool { return missingFieldRe.MatchString(s) }, "Missing required field"},
		{func(s string) bool { return timeoutRe.MatchString(s) }, "Timeout during execution"},
	}
	for _, fl := range failureLabels {
		if fl.match(lower) {
			parts = append(parts, fl.label)
			break
		}
	}

	if emptyDataRe.MatchString(answer) {
		parts = append(parts, "Empty data response from tool")
	}
	if emptyResultsRe.MatchString(answer) {
		parts = append(parts, "Empty results from query")
	}
	if len(strings.TrimSpace(answer)) < 100 {
		parts = append(parts, "Answer too short — likely incomplete")
	}

	if len(parts) == 0 {
		return "Task incomplete or low quality"
	}
	return strings.Join(parts, ". ")
}

// Primer builds the learned-pattern block injected before execution:
// benchmark intelligence first, then the top relevant past cases ranked
// by keyword overlap and quality. Empty when nothing is relevant.
func (l *Log) Primer(taskText string) string {
	l.mu.Lock()
	cases := l.load()
	l.mu.Unlock()

	cases = PruneCases(cases, l.clock())

	taskKw := map[string]bool{}
	for _, kw := range ExtractKeywords(taskText) {
		taskKw[kw] = true
	}

	type scored struct {
		overlap int
		entry   CaseEntry
	}
	var matches []scored
	for _, c := range cases {
		overlap := 0
		for _, kw := range c.Keywords {
			if taskKw[kw] {
				overlap++
			}
		}
		if overlap > 0 {
			matches = append(matches, scored{overlap, c})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].overlap != matches[j].overlap {
			return matches[i].overlap > matches[j].overlap
		}
		return matches[i].entry.Quality > matches[j].entry.Quality
	})
	if len(matches) > relevantCases {
		matches = matches[:relevantCases]
	}

	var lines []string
	if l.benchPrimer != nil {
		if bench := l.benchPrimer(); bench != "" {
			lines = append(lines, bench)
		}
	}

	if len(matches) > 0 {
		lines = append(lines, "## LEARNED PATTERNS (from similar past tasks — apply these)")
		for _, m := range matches {
			c := m.entry
			icon := "⚠️"
			switch c.Outcome {
			case "success":
				icon = "✅"
			case "failure":
				icon = "❌"
			}
			summary := c.TaskSummary
			if len(summary) > 80 {
				summary = summary[:80]
			}
			lines = append(lines, fmt.Sprintf("\n%s Past: %q — quality %.2f", icon, summary, c.Quality))
			if c.WhatWorked != "" {
				lines = append(lines, "   ✓ Worked: "+c.WhatWorked)
			}
			if c.WhatFailed != "" {
				lines = append(lines, "   ✗ Avoid: "+c.WhatFailed)
			}
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

// Count returns the current number of recorded cases.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.load())
}

// Stats summarizes the case log for the status endpoint.
func (l *Log) Stats() map[string]any {
	l.mu.Lock()
	cases := l.load()
	l.mu.Unlock()

	stats := map[string]any{
		"total":       len(cases),
		"successes":   0,
		"failures":    0,
		"avg_quality": 0.0,
	}
	if len(cases) == 0 {
		return stats
	}

	successes, failures := 0, 0
	var sum float64
	for _, c := range cases {
		switch c.Outcome {
		case "success":
			successes++
		case "failure":
			failures++
		}
		sum += c.Quality
	}
	stats["successes"] = successes
	stats["failures"] = failures
	stats["avg_quality"] = round3(sum / float64(len(cases)))
	return stats
}

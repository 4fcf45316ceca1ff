package rlcase

import (
	"fmt"
	"sort"
	"strings"
)

// Benchmark reports tell the agent exactly where it lost points last
// run. The analyzer distills a raw report into dimension scores, weak
// spots, and failure patterns; the primer renders those as directives
// ahead of the learned-pattern block.

const (
	intelFile           = "benchmark_intelligence.json"
	intelStaleHours     = 6
	maxFailurePatterns  = 30
	weakDimensionCutoff = 0.8
)

// WeakDimension is a scoring dimension below the cutoff, with guidance.
type WeakDimension struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	Guidance  string  `json:"guidance"`
}

// FailurePattern is one actionable lesson from a failed or low-scoring
// benchmark task.
type FailurePattern struct {
	Task      string  `json:"task"`
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score,omitempty"`
	Guidance  string  `json:"guidance"`
}

// Intelligence is the distilled benchmark report.
type Intelligence struct {
	GeneratedAt     int64              `json:"generated_at"`
	OverallScore    float64            `json:"overall_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	WeakDimensions  []WeakDimension    `json:"weak_dimensions"`
	FailurePatterns []FailurePattern   `json:"failure_patterns"`
	RunCount        int                `json:"run_count"`
}

// AnalyzeReport extracts intelligence from a raw benchmark report.
// Reports arrive in several shapes — a dimensions object, a results
// list with per-task scores, or a flat summary block — and all three
// are folded together.
func AnalyzeReport(report map[string]any) Intelligence {
	scores := parseDimensionScores(report)
	patterns := extractFailurePatterns(report)

	overall, ok := numField(report, "overall_score", "score", "pass_rate")
	if !ok && len(scores) > 0 {
		var sum float64
		for _, v := range scores {
			sum += v
		}
		overall = sum / float64(len(scores))
	}

	var weak []WeakDimension
	type kv struct {
		dim   string
		score float64
	}
	ordered := make([]kv, 0, len(scores))
	for k, v := range scores {
		ordered = append(ordered, kv{k, v})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].score < ordered[j].score })
	for _, e := range ordered {
		if e.score < weakDimensionCutoff {
			weak = append(weak, WeakDimension{
				Dimension: e.dim,
				Score:     round3(e.score),
				Guidance:  dimensionGuidance(e.dim, e.score),
			})
		}
	}

	runCount := 0
	if n, ok := numField(report, "run_count", "total_runs"); ok {
		runCount = int(n)
	} else if results, ok := report["results"].([]any); ok {
		runCount = len(results)
	}

	rounded := make(map[string]float64, len(scores))
	for k, v := range scores {
		rounded[k] = round3(v)
	}

	return Intelligence{
		OverallScore:    round3(overall),
		DimensionScores: rounded,
		WeakDimensions:  weak,
		FailurePatterns: patterns,
		RunCount:        runCount,
	}
}

func parseDimensionScores(report map[string]any) map[string]float64 {
	scores := map[string]float64{}

	if dims, ok := report["dimensions"].(map[string]any); ok {
		for k, v := range dims {
			switch t := v.(type) {
			case float64:
				scores[k] = t
			case map[string]any:
				if s, ok := numField(t, "score", "average"); ok {
					scores[k] = s
				}
			}
		}
	}

	if results, ok := report["results"].([]any); ok {
		totals := map[string][]float64{}
		for _, r := range results {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			for k, v := range m {
				if !isScoreField(k) {
					continue
				}
				if f, ok := v.(float64); ok {
					totals[k] = append(totals[k], f)
				}
			}
		}
		for k, vals := range totals {
			var sum float64
			for _, v := range vals {
				sum += v
			}
			scores[k] = round3(sum / float64(len(vals)))
		}
	}

	if summary, ok := report["summary"].(map[string]any); ok {
		for k, v := range summary {
			if f, ok := v.(float64); ok {
				if _, seen := scores[k]; !seen {
					scores[k] = f
				}
			}
		}
	}

	return scores
}

func isScoreField(k string) bool {
	if strings.HasSuffix(k, "_score") {
		return true
	}
	switch k {
	case "quality", "correctness", "tool_use", "policy", "format":
		return true
	}
	return false
}

func extractFailurePatterns(report map[string]any) []FailurePattern {
	results, ok := report["results"].([]any)
	if !ok {
		return nil
	}

	var patterns []FailurePattern
	for _, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		task := stringOr(m, "task", "task_id")
		if len(task) > 80 {
			task = task[:80]
		}
		score, hasScore := numField(m, "score", "quality")

		errs := m["errors"]
		if errs == nil {
			errs = m["failures"]
		}
		errList, _ := errs.([]any)
		for _, e := range errList {
			switch t := e.(type) {
			case string:
				patterns = append(patterns, FailurePattern{
					Task: task, Dimension: "general", Score: score,
					Guidance: errorGuidance(t),
				})
			case map[string]any:
				dim := stringOr(t, "dimension", "type")
				if dim == "" {
					dim = "general"
				}
				msg := stringOr(t, "message", "error")
				patterns = append(patterns, FailurePattern{
					Task: task, Dimension: dim, Score: score,
					Guidance: errorGuidance(msg),
				})
			}
		}

		if hasScore && score < 0.7 && len(errList) == 0 {
			patterns = append(patterns, FailurePattern{
				Task: task, Dimension: "quality", Score: score,
				Guidance: fmt.Sprintf("Low score (%.2f) — review tool usage and answer completeness", score),
			})
		}
	}

	if len(patterns) > maxFailurePatterns {
		patterns = patterns[:maxFailurePatterns]
	}
	return patterns
}

// errorGuidance converts a raw evaluator error into a directive the
// agent can act on next run.
func errorGuidance(errMsg string) string {
	msg := strings.ToLower(errMsg)
	switch {
	case containsAny(msg, "float", "precision", "rounding"):
		return "Use integer cents for all financial math — never raw floats"
	case containsAny(msg, "policy", "approval", "unauthorized"):
		return "Always evaluate policy rules before any mutation tool call"
	case containsAny(msg, "hitl", "human", "gate"):
		return "Stop at the approval gate before executing mutation tools"
	case strings.Contains(msg, "tool") && containsAny(msg, "timeout", "error", "fail"):
		return "Use the resilient call stack with retry — tools can timeout transiently"
	case containsAny(msg, "paginate", "cursor", "page"):
		return "Use paginated fetch for large result sets — never assume a single page"
	case containsAny(msg, "schema", "column", "field"):
		return "Use fuzzy column matching when column names vary"
	case containsAny(msg, "format", "json", "output"):
		return "Return structured JSON answer — not plain text"
	case containsAny(msg, "privacy", "pii", "sensitive"):
		return "Run the privacy check before exposing PII fields in output"
	case containsAny(msg, "timeout", "deadline"):
		return "Check the token budget before each model call — skip when over 80%"
	case containsAny(msg, "fsm", "state"):
		return "Progress through every required process state for this process type"
	}
	if len(errMsg) > 120 {
		return errMsg[:120]
	}
	return errMsg
}

var dimensionGuidanceMap = []struct {
	key      string
	guidance string
}{
	{"tool_use", "Increase tool call depth — use at least 3 tool calls for data tasks"},
	{"policy", "Evaluate policy rules deterministically before any mutation"},
	{"format", "Return answers in structured JSON with all required fields"},
	{"quality", "Provide comprehensive answers with supporting data from tools"},
	{"correctness", "Cross-check calculations — use exact integer-cent arithmetic"},
	{"completeness", "Ensure all sub-tasks in multi-step requests are addressed"},
	{"hitl", "Gate mutation tools behind the approval state"},
	{"privacy", "Filter PII from output — check all field names before answering"},
}

func dimensionGuidance(dim string, score float64) string {
	if score >= weakDimensionCutoff {
		return ""
	}
	lower := strings.ToLower(dim)
	for _, g := range dimensionGuidanceMap {
		if strings.Contains(lower, g.key) {
			return g.guidance
		}
	}
	return fmt.Sprintf("Improve %s (current: %.2f) — review task handling for this dimension", dim, score)
}

// SaveIntelligence persists distilled intelligence, stamped now.
func (l *Log) SaveIntelligence(intel Intelligence) {
	if l.store == nil {
		return
	}
	intel.GeneratedAt = l.clock().Unix()
	_ = l.store.Save(intelFile, intel)
}

// LoadIntelligence returns the cached intelligence, false when missing.
func (l *Log) LoadIntelligence() (Intelligence, bool) {
	var intel Intelligence
	if l.store == nil {
		return intel, false
	}
	ok, err := l.store.Load(intelFile, &intel)
	return intel, ok && err == nil
}

// IntelligenceStale reports whether the cached report distillation is
// older than its refresh window. Reports refresh more often than
// training seeds — scores move every benchmark round.
func (l *Log) IntelligenceStale() bool {
	if l.store == nil {
		return false
	}
	mod, ok := l.store.ModTime(intelFile)
	if !ok {
		return true
	}
	return l.clock().Unix()-mod > intelStaleHours*3600
}

// BenchmarkPrimer renders cached intelligence as a primer block. Wire
// it via SetBenchmarkPrimer so Primer leads with it. Empty when no
// intelligence is cached.
func (l *Log) BenchmarkPrimer() string {
	intel, ok := l.LoadIntelligence()
	if !ok {
		return ""
	}

	lines := []string{"## BENCHMARK INTELLIGENCE (apply to this task)"}
	if intel.OverallScore > 0 {
		lines = append(lines, fmt.Sprintf("Last run overall score: %.1f%%", intel.OverallScore*100))
	}

	if len(intel.WeakDimensions) > 0 {
		lines = append(lines, "", "### Areas needing improvement:")
		for i, w := range intel.WeakDimensions {
			if i >= 5 {
				break
			}
			if w.Guidance != "" {
				lines = append(lines, fmt.Sprintf("  ⚠ %s (%.0f%%): %s", w.Dimension, w.Score*100, w.Guidance))
			}
		}
	}

	if len(intel.FailurePatterns) > 0 {
		lines = append(lines, "", "### Known failure patterns to avoid:")
		for i, fp := range intel.FailurePatterns {
			if i >= 5 {
				break
			}
			if fp.Guidance != "" {
				lines = append(lines, "  ✗ "+fp.Guidance)
			}
		}
	}

	if len(lines) == 1 {
		return ""
	}
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func numField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func stringOr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

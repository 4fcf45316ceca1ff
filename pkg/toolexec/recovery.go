package toolexec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// RecoveryTimeout bounds each recovery attempt.
const RecoveryTimeout = 8 * time.Second

// RecoveryResult describes the outcome of a recovery attempt. Recovery
// never fails hard: the degraded result still carries the error so the
// model can proceed with what it has.
type RecoveryResult struct {
	Recovered   bool
	Strategy    string // "synonym" | "decompose" | "llm_advice" | "graceful_degrade"
	Result      map[string]any
	Explanation string
	Attempts    int
}

// Recoverer retries failed or empty tool calls through escalating
// strategies: a dynamically matched synonym tool, parameter
// simplification, then an LLM suggestion before degrading gracefully.
type Recoverer struct {
	advisor llm.Client // fast model; nil disables the llm_advice strategy
}

func NewRecoverer(advisor llm.Client) *Recoverer {
	return &Recoverer{advisor: advisor}
}

// IsEmptyResult reports whether a tool result is effectively empty or
// failed. A populated total/count alongside an empty collection means a
// filter legitimately matched nothing.
func IsEmptyResult(result map[string]any) bool {
	if result == nil {
		return true
	}
	if e, ok := result["error"]; ok && e != nil && e != "" {
		return true
	}
	for _, key := range []string{"data", "items", "records", "rows", "list", "results"} {
		val, ok := result[key]
		if !ok || val == nil {
			continue
		}
		empty := false
		switch v := val.(type) {
		case []any:
			empty = len(v) == 0
		case map[string]any:
			empty = len(v) == 0
		}
		if !empty {
			continue
		}
		if numField(result, "total", "count", "total_count") > 0 {
			continue
		}
		return true
	}
	if len(result) == 0 {
		return true
	}
	if len(result) == 1 {
		if st, _ := result["status"].(string); st == "error" {
			return true
		}
	}
	return false
}

// Recover attempts to rescue a failed call. It always returns a result.
func (r *Recoverer) Recover(ctx context.Context, tool string, params map[string]any, failed map[string]any, call ToolFunc, available []llm.ToolDefinition) RecoveryResult {
	errMsg := ""
	if failed != nil {
		if e, ok := failed["error"]; ok && e != nil {
			errMsg = fmt.Sprintf("%v", e)
		}
	}
	attempts := 0

	attempts++
	if res := r.trySynonym(ctx, tool, params, call, available); res != nil {
		return RecoveryResult{
			Recovered:   true,
			Strategy:    "synonym",
			Result:      res,
			Explanation: fmt.Sprintf("Recovered %q using dynamically matched synonym tool", tool),
			Attempts:    attempts,
		}
	}

	attempts++
	if res := r.tryDecompose(ctx, tool, params, call); res != nil {
		return RecoveryResult{
			Recovered:   true,
			Strategy:    "decompose",
			Result:      res,
			Explanation: fmt.Sprintf("Recovered %q with simplified parameters", tool),
			Attempts:    attempts,
		}
	}

	attempts++
	if alt := r.askAdvisor(ctx, tool, errMsg, available); alt != "" {
		cctx, cancel := context.WithTimeout(ctx, RecoveryTimeout)
		res, err := call(cctx, alt, params)
		cancel()
		if err == nil && !IsEmptyResult(res) {
			return RecoveryResult{
				Recovered:   true,
				Strategy:    "llm_advice",
				Result:      res,
				Explanation: fmt.Sprintf("Recovered using model-suggested alternative %q", alt),
				Attempts:    attempts,
			}
		}
	}

	return RecoveryResult{
		Recovered: false,
		Strategy:  "graceful_degrade",
		Result:    map[string]any{"error": errMsg, "tool": tool, "recovered": false},
		Explanation: fmt.Sprintf("Tool %q unavailable after %d recovery attempts. Proceeding with available data.",
			tool, attempts),
		Attempts: attempts,
	}
}

// trySynonym searches the live tool list for alternatives in tiers:
// same verb prefix with the closest noun, full-name similarity above
// 0.55, then best-ratio fallback above 0.5. At most four candidates
// are tried.
func (r *Recoverer) trySynonym(ctx context.Context, tool string, params map[string]any, call ToolFunc, available []llm.ToolDefinition) map[string]any {
	var names []string
	for _, t := range available {
		if t.Name != "" && t.Name != tool {
			names = append(names, t.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	var candidates []string
	add := func(name string) {
		for _, c := range candidates {
			if c == name {
				return
			}
		}
		candidates = append(candidates, name)
	}

	verb, noun, _ := strings.Cut(tool, "_")
	if noun != "" {
		type scored struct {
			name  string
			ratio float64
		}
		var family []scored
		for _, n := range names {
			if !strings.HasPrefix(n, verb+"_") {
				continue
			}
			otherNoun := strings.TrimPrefix(n, verb+"_")
			if ratio := similarity(noun, otherNoun); ratio >= 0.5 {
				family = append(family, scored{n, ratio})
			}
		}
		sort.Slice(family, func(i, j int) bool { return family[i].ratio > family[j].ratio })
		for i, f := range family {
			if i == 3 {
				break
			}
			add(f.name)
		}
	}

	type scored struct {
		name  string
		ratio float64
	}
	var close []scored
	for _, n := range names {
		if ratio := similarity(tool, n); ratio >= 0.55 {
			close = append(close, scored{n, ratio})
		}
	}
	sort.Slice(close, func(i, j int) bool { return close[i].ratio > close[j].ratio })
	for i, c := range close {
		if i == 3 {
			break
		}
		add(c.name)
	}

	if len(candidates) == 0 {
		var all []scored
		for _, n := range names {
			all = append(all, scored{n, similarity(tool, n)})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ratio > all[j].ratio })
		for i, s := range all {
			if i == 3 || s.ratio <= 0.5 {
				break
			}
			add(s.name)
		}
	}

	for i, candidate := range candidates {
		if i == 4 {
			break
		}
		cctx, cancel := context.WithTimeout(ctx, RecoveryTimeout)
		res, err := call(cctx, candidate, params)
		cancel()
		if err == nil && !IsEmptyResult(res) {
			return res
		}
	}
	return nil
}

// tryDecompose retries with only essential params, dropping filters.
func (r *Recoverer) tryDecompose(ctx context.Context, tool string, params map[string]any, call ToolFunc) map[string]any {
	if len(params) == 0 {
		return nil
	}
	essential := map[string]bool{"id": true, "name": true, "email": true, "organization_id": true, "session_id": true}
	simplified := map[string]any{}
	for k, v := range params {
		if essential[k] || !strings.HasPrefix(k, "filter") {
			simplified[k] = v
		}
	}
	if len(simplified) == len(params) {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, RecoveryTimeout)
	defer cancel()
	res, err := call(cctx, tool, simplified)
	if err != nil || IsEmptyResult(res) {
		return nil
	}
	return res
}

// askAdvisor asks the fast model for an alternative tool name. The
// suggestion only counts when it exists in the live tool list.
func (r *Recoverer) askAdvisor(ctx context.Context, tool, errMsg string, available []llm.ToolDefinition) string {
	if r.advisor == nil || len(available) == 0 {
		return ""
	}
	var toolNames []string
	for i, t := range available {
		if i == 30 {
			break
		}
		if t.Name != "" {
			toolNames = append(toolNames, t.Name)
		}
	}

	prompt := fmt.Sprintf("Tool '%s' failed: %s\nAvailable tools: %s\nReply with just the best alternative tool name to try, or 'none'.",
		tool, truncate(errMsg, 100), strings.Join(toolNames, ", "))

	cctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	resp, err := r.advisor.Chat(cctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: 80,
	})
	if err != nil {
		return ""
	}
	suggestion := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if suggestion == "" || suggestion == "none" {
		return ""
	}
	for _, t := range available {
		if t.Name == suggestion {
			return suggestion
		}
	}
	return ""
}

// WrapWithRecovery returns a ToolFunc that transparently recovers
// failed or empty calls.
func (r *Recoverer) WrapWithRecovery(call ToolFunc, available []llm.ToolDefinition) ToolFunc {
	return func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		result, err := call(ctx, tool, params)
		if err != nil {
			return nil, err
		}
		if IsEmptyResult(result) {
			recovery := r.Recover(ctx, tool, params, result, call, available)
			return recovery.Result, nil
		}
		return result, nil
	}
}

// similarity is the Ratcliff-Obershelp ratio over matching blocks.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	return 2.0 * float64(matchingBlocks(a, b)) / float64(len(a)+len(b))
}

func matchingBlocks(a, b string) int {
	size, ai, bi := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size + matchingBlocks(a[:ai], b[:bi]) + matchingBlocks(a[ai+size:], b[bi+size:])
}

func longestCommonSubstring(a, b string) (size, ai, bi int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] == b[j] {
				cur[j+1] = prev[j] + 1
				if cur[j+1] > size {
					size = cur[j+1]
					ai = i - size + 1
					bi = j - size + 1
				}
			} else {
				cur[j+1] = 0
			}
		}
		prev, cur = cur, prev
	}
	return size, ai, bi
}

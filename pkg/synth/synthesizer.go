package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

const (
	// Cost guards: at most two LLM-detected gaps and three synthesized
	// tools per task; short tasks skip LLM detection entirely.
	maxLLMGaps       = 2
	maxSynthPerTask  = 3
	minTaskTextChars = 100

	gapDetectTimeout = 8 * time.Second
	synthesisTimeout = 10 * time.Second
)

const gapDetectionSystem = `You are a business process analyst. Your job is to identify custom mathematical calculations
that a business process task requires but that are NOT:
- Simple database read/write operations (SELECT, INSERT, UPDATE)
- Standard tool calls (already listed)
- Basic arithmetic (addition, subtraction, percentage of a known number)

Focus ONLY on formulas that need a dedicated function to implement correctly
(e.g. amortization schedule, z-score normalization, EOQ, weighted risk score).

Return a JSON array of objects. Each object: {
  "key": "snake_case_name",
  "description": "Function name: snake_case_name. Params: ... Returns map with 'result' (scalar) and 'details'."
}

If no custom math is needed, return [].
Return ONLY valid JSON — no markdown, no explanation.`

const synthesisSystem = `You are a business calculation specialist. Implement a precise Go function for any business domain.

Domains you handle: Finance, HR/Payroll, SLA/Operations, Supply Chain, Date/Time math,
Statistics, Tax (VAT/GST/withholding), Risk/Compliance scoring, AR/Collections,
Contract math, Inventory valuation, and any other business process calculation.

The function runs in a restricted Go interpreter with ONLY these available:
- The math package, already imported (math.Log, math.Exp, math.Sqrt, math.Pow, math.Floor, math.Ceil, math.Pi, math.E, math.Erf)
- The math/rand package, already imported as rand (rand.New, rand.NewSource, NormFloat64 for simulations; always seed with a fixed constant)
- The sort package, already imported (sort.Float64s, sort.Slice)
- All Go builtins: len, append, make (slices and maps only), float64, int, string conversions

DO NOT write import statements. DO NOT use: os, net, io, syscall, unsafe, reflect,
goroutines, channels, the time package, or any external library.
For date math: parse year/month/day from ISO strings manually with index arithmetic.

Requirements:
1. The function signature must be EXACTLY:
   func NAME(params map[string]interface{}) map[string]interface{}
   where NAME is the specified function name.
2. Read each parameter from the params map with a type switch over float64 and int
   (JSON numbers arrive as float64). Lists arrive as []interface{}.
3. Use integer cents (int64) for monetary calculations to avoid float drift; round half-up.
4. Return a map with "result" (primary scalar answer as float64) and "details" (map of workings).
5. Handle edge cases: zero rates, zero periods, empty lists, negative inputs. Return
   map[string]interface{}{"error": "..."} instead of panicking.

Respond ONLY with valid JSON (no markdown, no explanation):
{
  "go_code": "func func_name(params map[string]interface{}) map[string]interface{} {\n    ...\n}",
  "test_cases": [
    {"inputs": {"param1": 100}, "expected_result_approx": 123.45, "tolerance_pct": 0.01},
    {"inputs": {"param1": 200}, "expected_result_approx": 456.78, "tolerance_pct": 0.01},
    {"inputs": {"param1": 300}, "expected_result_approx": 789.01, "tolerance_pct": 0.01}
  ]
}`

var fenceOpenRe = regexp.MustCompile("^```[a-z]*\n?")
var fenceCloseRe = regexp.MustCompile("\n?```$")

// Synthesizer turns detected gaps into registered tools.
type Synthesizer struct {
	client   llm.Client
	registry *Registry
}

func NewSynthesizer(client llm.Client, registry *Registry) *Synthesizer {
	return &Synthesizer{client: client, registry: registry}
}

// DetectGapsLLM is the second detection phase, used only when the regex
// patterns find nothing. It never fails hard; any error returns nil.
func (s *Synthesizer) DetectGapsLLM(ctx context.Context, taskText string, existingNames map[string]bool) []Gap {
	if s.client == nil || len(taskText) < minTaskTextChars {
		return nil
	}
	var names []string
	for name := range existingNames {
		names = append(names, name)
		if len(names) == 30 {
			break
		}
	}
	toolsList := "none"
	if len(names) > 0 {
		toolsList = strings.Join(names, ", ")
	}
	prompt := fmt.Sprintf("Business process task:\n%s\n\nAlready available tools/functions: %s\n\n"+
		"List ONLY the specific mathematical calculations this task requires "+
		"that are NOT simple database operations and NOT already covered by the listed tools. "+
		"Return JSON array. If no custom math is needed, return [].",
		truncate(taskText, 1500), toolsList)

	cctx, cancel := context.WithTimeout(ctx, gapDetectTimeout)
	defer cancel()
	resp, err := s.client.Chat(cctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    gapDetectionSystem,
		MaxTokens: 400,
	})
	if err != nil {
		return nil
	}

	var parsed []struct {
		Key         string `json:"key"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &parsed); err != nil {
		return nil
	}

	var gaps []Gap
	for _, item := range parsed {
		if len(gaps) == maxLLMGaps {
			break
		}
		key := strings.TrimSpace(item.Key)
		desc := strings.TrimSpace(item.Description)
		if key == "" || desc == "" || existingNames[key] || s.registry.Has(key) {
			continue
		}
		gaps = append(gaps, Gap{Key: key, Description: desc})
	}
	return gaps
}

// SynthesizeAndRegister implements one gap: one fast-model call, then
// sandbox validation against the generated test cases, then persistent
// registration. Returns the tool definition or nil on failure.
func (s *Synthesizer) SynthesizeAndRegister(ctx context.Context, gap Gap) *llm.ToolDefinition {
	if s.registry.Has(gap.Key) {
		for _, d := range s.registry.Definitions() {
			if d.Name == gap.Key {
				return &d
			}
		}
	}
	if s.client == nil {
		return nil
	}

	prompt := fmt.Sprintf("Implement this business calculation function:\n\n%s\n\n"+
		"Write precise, correct code. Include 3 test cases with known correct outputs.", gap.Description)

	cctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()
	resp, err := s.client.Chat(cctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    synthesisSystem,
		MaxTokens: 1200,
	})
	if err != nil {
		return nil
	}

	var raw struct {
		GoCode      string         `json:"go_code"`
		TestCases   []TestCase     `json:"test_cases"`
		InputSchema map[string]any `json:"input_schema"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &raw); err != nil {
		return nil
	}

	schema := raw.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "additionalProperties": true}
	}
	def := ToolDef{
		Name:        gap.Key,
		Description: firstSentence(gap.Description),
		GoCode:      raw.GoCode,
		TestCases:   raw.TestCases,
		InputSchema: schema,
		Synthesized: true,
	}

	passed, _ := validate(def)
	if !passed {
		return nil
	}
	fn, err := CompileSandboxed(def.GoCode, def.Name)
	if err != nil {
		return nil
	}
	s.registry.register(def, fn)

	return &llm.ToolDefinition{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
	}
}

// FillGaps runs both detection phases and synthesizes up to the
// per-task cap. Returns definitions for every newly available tool.
func (s *Synthesizer) FillGaps(ctx context.Context, taskText string, existingNames map[string]bool) []llm.ToolDefinition {
	merged := make(map[string]bool, len(existingNames))
	for name := range existingNames {
		merged[name] = true
	}
	for name := range s.registry.Names() {
		merged[name] = true
	}

	gaps := DetectGaps(taskText, merged)
	if len(gaps) == 0 {
		gaps = s.DetectGapsLLM(ctx, taskText, merged)
	}

	var added []llm.ToolDefinition
	for _, gap := range gaps {
		if len(added) == maxSynthPerTask {
			break
		}
		if def := s.SynthesizeAndRegister(ctx, gap); def != nil {
			added = append(added, *def)
		}
	}
	return added
}

func stripFences(s string) string {
	clean := strings.TrimSpace(s)
	if strings.HasPrefix(clean, "```") {
		clean = fenceOpenRe.ReplaceAllString(clean, "")
		clean = fenceCloseRe.ReplaceAllString(clean, "")
		clean = strings.TrimSpace(clean)
	}
	return clean
}

func firstSentence(s string) string {
	if idx := strings.Index(s, ". "); idx >= 0 {
		return s[:idx]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

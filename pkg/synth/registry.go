package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

const registryFile = "tool_registry.json"

// ToolDef is the persisted record of a registered tool: the source, the
// test cases that validated it, and a canonical content hash so drift
// in the registry file is detectable.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	GoCode      string         `json:"go_code"`
	TestCases   []TestCase     `json:"test_cases,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Seeded      bool           `json:"seeded,omitempty"`
	Synthesized bool           `json:"synthesized,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
}

// TestCase is one validation input/output pair for a synthesized tool.
type TestCase struct {
	Inputs       map[string]any `json:"inputs"`
	Expected     float64        `json:"expected_result_approx"`
	TolerancePct float64        `json:"tolerance_pct"`
}

// Registry holds registered tools: definitions persisted to
// tool_registry.json and hot-loaded functions for dispatch.
type Registry struct {
	mu    sync.Mutex
	store *store.JSONStore
	defs  map[string]ToolDef
	fns   map[string]ToolFn
}

// LoadRegistry loads persisted tool definitions and recompiles each one
// in the sandbox. A definition that no longer compiles is dropped.
func LoadRegistry(js *store.JSONStore) (*Registry, error) {
	r := &Registry{
		store: js,
		defs:  make(map[string]ToolDef),
		fns:   make(map[string]ToolFn),
	}
	var persisted map[string]ToolDef
	found, err := js.Load(registryFile, &persisted)
	if err != nil {
		return nil, fmt.Errorf("load tool registry: %w", err)
	}
	if found {
		for name, def := range persisted {
			fn, cerr := CompileSandboxed(def.GoCode, name)
			if cerr != nil {
				continue
			}
			r.defs[name] = def
			r.fns[name] = fn
		}
	}
	return r, nil
}

func (r *Registry) save() {
	// Best effort: a failed save never crashes the task.
	_ = r.store.Save(registryFile, r.defs)
}

// register compiles, stamps the content hash, and persists. Caller
// holds no lock.
func (r *Registry) register(def ToolDef, fn ToolFn) {
	def.ContentHash = contentHash(def)
	r.mu.Lock()
	r.defs[def.Name] = def
	r.fns[def.Name] = fn
	r.save()
	r.mu.Unlock()
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fns[name]
	return ok
}

// Names returns all registered tool names.
func (r *Registry) Names() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make(map[string]bool, len(r.fns))
	for name := range r.fns {
		names[name] = true
	}
	return names
}

// Definitions returns model-format definitions for every registered
// tool, for injection into the prime context.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]llm.ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "additionalProperties": true}
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// Call executes a registered tool. Errors surface as tool-result errors
// so the model can route around them.
func (r *Registry) Call(name string, params map[string]any) map[string]any {
	r.mu.Lock()
	fn, ok := r.fns[name]
	r.mu.Unlock()
	if !ok {
		return map[string]any{"error": fmt.Sprintf("tool %q not found in registry", name)}
	}
	result := fn(params)
	if result == nil {
		return map[string]any{"error": fmt.Sprintf("tool %q returned nothing", name)}
	}
	return result
}

// Stats reports registry contents for the status endpoint.
func (r *Registry) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	seeded, synthesized := 0, 0
	names := make([]string, 0, len(r.defs))
	for name, d := range r.defs {
		names = append(names, name)
		if d.Seeded {
			seeded++
		}
		if d.Synthesized {
			synthesized++
		}
	}
	return map[string]any{
		"total_tools":       len(r.defs),
		"seeded_tools":      seeded,
		"synthesized_tools": synthesized,
		"registered_names":  names,
	}
}

// validate runs a tool's test cases in the sandbox. Every case must
// pass; one wrong answer discards the tool.
func validate(def ToolDef) (bool, string) {
	if def.GoCode == "" || def.Name == "" {
		return false, "missing code or name"
	}
	fn, err := CompileSandboxed(def.GoCode, def.Name)
	if err != nil {
		return false, fmt.Sprintf("code failed to compile: %v", err)
	}
	if len(def.TestCases) == 0 {
		return true, "no test cases (accepted without validation)"
	}

	cases := def.TestCases
	if len(cases) > 3 {
		cases = cases[:3]
	}
	for i, tc := range cases {
		result := fn(tc.Inputs)
		actual, ok := result["result"].(float64)
		if !ok {
			return false, fmt.Sprintf("test case %d returned no numeric result", i+1)
		}
		tolerance := tc.TolerancePct
		if tolerance == 0 {
			tolerance = 0.01
		}
		denom := math.Max(math.Abs(tc.Expected), 1.0)
		if math.Abs(actual-tc.Expected)/denom > tolerance {
			return false, fmt.Sprintf("test case %d: got %v, want %v", i+1, actual, tc.Expected)
		}
	}
	return true, fmt.Sprintf("all %d test cases passed", len(cases))
}

// contentHash canonicalizes the definition with JCS before hashing so
// the hash is stable across key ordering.
func contentHash(def ToolDef) string {
	def.ContentHash = ""
	raw, err := json.Marshal(def)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Amortization is the one seeded tool: integer-cent arithmetic, final
// payment clears the balance exactly.
const amortizationCode = `func finance_loan_amortization(params map[string]interface{}) map[string]interface{} {
	toF := func(v interface{}) float64 {
		switch x := v.(type) {
		case float64:
			return x
		case int:
			return float64(x)
		}
		return 0
	}
	cents := func(dollars float64) int64 {
		if dollars >= 0 {
			return int64(math.Floor(dollars*100 + 0.5))
		}
		return -int64(math.Floor(-dollars*100 + 0.5))
	}
	principal := cents(toF(params["principal"]))
	annualRate := toF(params["annual_rate"])
	months := int(toF(params["months"]))
	if principal <= 0 || months <= 0 {
		return map[string]interface{}{"error": "principal and months must be positive"}
	}

	r := annualRate / 100.0 / 12.0
	var monthly int64
	if r == 0 {
		monthly = cents(float64(principal) / 100.0 / float64(months))
	} else {
		factor := math.Pow(1+r, float64(months))
		monthly = cents(float64(principal) / 100.0 * r * factor / (factor - 1))
	}

	schedule := []interface{}{}
	balance := principal
	var totalInterest int64
	var totalPaid int64
	for period := 1; period <= months; period++ {
		interest := cents(float64(balance) / 100.0 * r)
		principalPortion := monthly - interest
		payment := monthly
		if period == months || principalPortion >= balance {
			principalPortion = balance
			payment = balance + interest
		}
		balance -= principalPortion
		totalInterest += interest
		totalPaid += payment
		if period <= 6 {
			schedule = append(schedule, map[string]interface{}{
				"period":    period,
				"payment":   float64(payment) / 100.0,
				"principal": float64(principalPortion) / 100.0,
				"interest":  float64(interest) / 100.0,
				"balance":   float64(balance) / 100.0,
			})
		}
		if balance == 0 {
			break
		}
	}

	return map[string]interface{}{
		"result": float64(monthly) / 100.0,
		"details": map[string]interface{}{
			"monthly_payment": float64(monthly) / 100.0,
			"total_payments":  float64(totalPaid) / 100.0,
			"total_interest":  float64(totalInterest) / 100.0,
			"schedule":        schedule,
		},
	}
}`

// SeedAmortization registers the amortization tool at startup. It
// validates against the canonical case before registering and is
// idempotent.
func (r *Registry) SeedAmortization() {
	if r.Has("finance_loan_amortization") {
		return
	}
	def := ToolDef{
		Name: "finance_loan_amortization",
		Description: "Calculate loan amortization schedule with exact monthly payments. " +
			"Use for: mortgage schedules, car loans, business loans, any installment loan. " +
			"Returns monthly payment, total interest, and full payment schedule.",
		GoCode: amortizationCode,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"principal":   map[string]any{"type": "number", "description": "Loan principal amount in dollars"},
				"annual_rate": map[string]any{"type": "number", "description": "Annual interest rate as percentage (e.g. 5.5 for 5.5%)"},
				"months":      map[string]any{"type": "integer", "description": "Loan term in months (e.g. 360 for 30-year mortgage)"},
			},
			"required": []string{"principal", "annual_rate", "months"},
		},
		TestCases: []TestCase{
			{
				Inputs:       map[string]any{"principal": 200000.0, "annual_rate": 5.0, "months": 360.0},
				Expected:     1073.64,
				TolerancePct: 0.01,
			},
		},
		Seeded: true,
	}

	fn, err := CompileSandboxed(def.GoCode, def.Name)
	if err != nil {
		return
	}
	result := fn(map[string]any{"principal": 200000.0, "annual_rate": 5.0, "months": 360.0})
	actual, _ := result["result"].(float64)
	if math.Abs(actual-1073.64) > 1.0 {
		return
	}
	r.register(def, fn)
}

package synth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

func TestDetectGaps(t *testing.T) {
	gaps := DetectGaps("Compute the NPV of the project and a weighted risk score for the vendor", nil)
	keys := map[string]bool{}
	for _, g := range gaps {
		keys[g.Key] = true
	}
	assert.True(t, keys["finance_npv"])
	assert.True(t, keys["risk_weighted_score"])

	// Existing tools suppress detection.
	gaps = DetectGaps("Compute the NPV of the project", map[string]bool{"finance_npv": true})
	assert.Empty(t, gaps)

	// Amortization never comes back as a gap; it is seeded.
	gaps = DetectGaps("produce the loan amortization schedule", nil)
	for _, g := range gaps {
		assert.NotEqual(t, "finance_loan_amortization", g.Key)
	}

	// Plain reads detect nothing.
	assert.Empty(t, DetectGaps("list all open invoices for Acme", nil))
}

func TestSandboxCompileAndRun(t *testing.T) {
	src := `func double_it(params map[string]interface{}) map[string]interface{} {
	v, _ := params["x"].(float64)
	return map[string]interface{}{"result": v * 2, "details": map[string]interface{}{"input": v}}
}`
	fn, err := CompileSandboxed(src, "double_it")
	require.NoError(t, err)
	out := fn(map[string]any{"x": 21.0})
	assert.Equal(t, 42.0, out["result"])
}

func TestSandboxUsesMath(t *testing.T) {
	src := `func sqrt_of(params map[string]interface{}) map[string]interface{} {
	v, _ := params["x"].(float64)
	return map[string]interface{}{"result": math.Sqrt(v)}
}`
	fn, err := CompileSandboxed(src, "sqrt_of")
	require.NoError(t, err)
	out := fn(map[string]any{"x": 144.0})
	assert.Equal(t, 12.0, out["result"])
}

func TestSandboxSeededRandIsReproducible(t *testing.T) {
	src := `func draw(params map[string]interface{}) map[string]interface{} {
	rng := rand.New(rand.NewSource(42))
	return map[string]interface{}{"result": rng.Float64()}
}`
	fn, err := CompileSandboxed(src, "draw")
	require.NoError(t, err)
	first := fn(nil)["result"].(float64)
	second := fn(nil)["result"].(float64)
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, 0.0)
	assert.Less(t, first, 1.0)
}

func TestSandboxRejectsBannedSource(t *testing.T) {
	for _, src := range []string{
		`import "os"`,
		`func f(params map[string]interface{}) map[string]interface{} { os.Exit(1); return nil }`,
		`func f(params map[string]interface{}) map[string]interface{} { go func(){}(); return nil }`,
		`func f(params map[string]interface{}) map[string]interface{} { c := make(chan int); <-c; return nil }`,
	} {
		_, err := CompileSandboxed(src, "f")
		assert.Error(t, err, src)
	}
}

func TestSandboxRecoversFromPanic(t *testing.T) {
	src := `func divide(params map[string]interface{}) map[string]interface{} {
	var xs []interface{}
	return map[string]interface{}{"result": xs[5]}
}`
	fn, err := CompileSandboxed(src, "divide")
	require.NoError(t, err)
	out := fn(nil)
	assert.Contains(t, out, "error")
}

func TestSandboxCapsRuntime(t *testing.T) {
	old := sandboxCallTimeout
	sandboxCallTimeout = 50 * time.Millisecond
	t.Cleanup(func() { sandboxCallTimeout = old })

	src := `func spin(params map[string]interface{}) map[string]interface{} {
	x := 0.0
	for {
		x += 1
	}
	return map[string]interface{}{"result": x}
}`
	fn, err := CompileSandboxed(src, "spin")
	require.NoError(t, err)
	out := fn(nil)
	assert.Contains(t, out["error"], "compute cap")
}

func TestSeedAmortization(t *testing.T) {
	js, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	reg, err := LoadRegistry(js)
	require.NoError(t, err)

	reg.SeedAmortization()
	require.True(t, reg.Has("finance_loan_amortization"))

	out := reg.Call("finance_loan_amortization", map[string]any{
		"principal": 200000.0, "annual_rate": 5.0, "months": 360.0,
	})
	require.NotContains(t, out, "error")
	assert.InDelta(t, 1073.64, out["result"].(float64), 1.0)

	details := out["details"].(map[string]any)
	assert.Greater(t, details["total_interest"].(float64), 180000.0)

	// Idempotent.
	reg.SeedAmortization()
	stats := reg.Stats()
	assert.Equal(t, 1, stats["seeded_tools"])
	assert.Equal(t, 1, stats["total_tools"])
}

func TestRegistryPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	js, err := store.NewJSONStore(dir)
	require.NoError(t, err)

	reg, err := LoadRegistry(js)
	require.NoError(t, err)
	reg.SeedAmortization()
	require.True(t, reg.Has("finance_loan_amortization"))

	// A fresh registry from the same store hot-loads the tool.
	js2, err := store.NewJSONStore(dir)
	require.NoError(t, err)
	reg2, err := LoadRegistry(js2)
	require.NoError(t, err)
	assert.True(t, reg2.Has("finance_loan_amortization"))

	out := reg2.Call("finance_loan_amortization", map[string]any{
		"principal": 1200.0, "annual_rate": 0.0, "months": 12.0,
	})
	require.NotContains(t, out, "error")
	assert.InDelta(t, 100.0, out["result"].(float64), 0.01)
}

func TestValidateRequiresEveryCase(t *testing.T) {
	goodCode := `func add_one(params map[string]interface{}) map[string]interface{} {
	v, _ := params["x"].(float64)
	return map[string]interface{}{"result": v + 1}
}`
	def := ToolDef{
		Name:   "add_one",
		GoCode: goodCode,
		TestCases: []TestCase{
			{Inputs: map[string]any{"x": 1.0}, Expected: 2.0, TolerancePct: 0.01},
			{Inputs: map[string]any{"x": 2.0}, Expected: 3.0, TolerancePct: 0.01},
			{Inputs: map[string]any{"x": 3.0}, Expected: 4.0, TolerancePct: 0.01},
		},
	}
	passed, reason := validate(def)
	assert.True(t, passed, reason)

	// A single wrong answer discards the tool.
	def.TestCases[2].Expected = 999
	passed, reason = validate(def)
	assert.False(t, passed)
	assert.Contains(t, reason, "test case 3")

	// No test cases: accepted with a note.
	def.TestCases = nil
	passed, reason = validate(def)
	assert.True(t, passed)
	assert.Contains(t, reason, "no test cases")
}

func TestContentHashStable(t *testing.T) {
	def := ToolDef{Name: "x", GoCode: "func x() {}", Description: "d"}
	h1 := contentHash(def)
	def.ContentHash = h1
	h2 := contentHash(def)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

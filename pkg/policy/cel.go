package policy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles rule condition atoms to cached CEL programs.
//
// Conditions use a small expression grammar: "||" of "&&" of atoms, where
// an atom is `field op literal` (>=, <=, ===, !==, ==, !=, >, <), a
// negation `!field`, or a bare field name (truthy test). Splitting on the
// boolean operators happens here; each comparison atom becomes a CEL
// program evaluated against the bound field value. Anything that fails to
// parse or references a missing field is false — the evaluator never
// guesses in favor of triggering side effects it cannot justify.
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

var atomRe = regexp.MustCompile(`^(\w+)\s*(>=|<=|===|!==|==|!=|>|<)\s*(.+)$`)

// NewEvaluator creates an evaluator with a two-variable environment:
// the field value under test and the literal it is compared against.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("f", cel.DynType),
		cel.Variable("v", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) conditionHolds(condition string, ctx map[string]any) bool {
	for _, orPart := range strings.Split(condition, "||") {
		allHold := true
		for _, andPart := range strings.Split(orPart, "&&") {
			if !e.atomHolds(strings.TrimSpace(andPart), ctx) {
				allHold = false
				break
			}
		}
		if allHold && strings.TrimSpace(orPart) != "" {
			return true
		}
	}
	return false
}

func (e *Evaluator) atomHolds(atom string, ctx map[string]any) bool {
	if atom == "" {
		return false
	}

	// Negated truthiness: !field
	if strings.HasPrefix(atom, "!") {
		field := strings.TrimSpace(atom[1:])
		val, ok := ctx[field]
		return !ok || !truthy(val)
	}

	m := atomRe.FindStringSubmatch(atom)
	if m == nil {
		// Bare field name: truthy test. Missing field is false.
		val, ok := ctx[atom]
		return ok && truthy(val)
	}

	field, op, literal := m[1], m[2], strings.TrimSpace(m[3])
	val, ok := ctx[field]
	if !ok {
		return false
	}

	// JS-style strict operators collapse to plain equality.
	switch op {
	case "===":
		op = "=="
	case "!==":
		op = "!="
	}

	// Numeric comparison when both sides parse as numbers.
	if fNum, fOK := toFloat(val); fOK {
		if vNum, vOK := toFloat(strings.Trim(literal, `"' `)); vOK {
			return e.evalCEL("double(f) "+op+" double(v)", fNum, vNum)
		}
	}

	// String equality fallback for the equality operators only.
	if op == "==" || op == "!=" {
		lit := strings.Trim(literal, `"' `)
		return e.evalCEL("string(f) "+op+" string(v)", toString(val), lit)
	}
	return false
}

// evalCEL compiles (with cache) and runs one comparison program. Any
// compile or eval error makes the atom false.
func (e *Evaluator) evalCEL(expr string, f, v any) bool {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10_000),
			)
			if err != nil {
				e.mu.Unlock()
				return false
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"f": f, "v": v})
	if err != nil {
		return false
	}
	result, ok := out.Value().(bool)
	return ok && result
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

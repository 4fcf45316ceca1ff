package synth

import (
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Synthesized code is interpreted, never compiled into the binary, and
// runs against a whitelisted symbol set: math, math/rand, and sort.
// Financial math and Monte Carlo runs need nothing else, and a
// generated tool can't touch the filesystem, network, or process.

// ToolFn is the required shape of a synthesized tool function.
type ToolFn func(params map[string]interface{}) map[string]interface{}

var allowedPackages = []string{"math/math", "math/rand/rand", "sort/sort"}

// Variable so tests can shrink it.
var sandboxCallTimeout = 2 * time.Second

// banned rejects source before it ever reaches the interpreter. The
// sandbox pre-imports its whitelisted packages, so synthesized code
// never writes its own import clause.
var banned = []*regexp.Regexp{
	regexp.MustCompile(`\bimport\b`),
	regexp.MustCompile(`\bunsafe\b`),
	regexp.MustCompile(`\bsyscall\b`),
	regexp.MustCompile(`\bos\.`),
	regexp.MustCompile(`\bnet\.`),
	regexp.MustCompile(`\bio\.`),
	regexp.MustCompile(`\bexec\.`),
	regexp.MustCompile(`\bruntime\.`),
	regexp.MustCompile(`\breflect\.`),
	regexp.MustCompile(`\bgo\s+func\b`),
	regexp.MustCompile(`\bmake\(chan\b`),
	regexp.MustCompile(`<-`),
}

// CompileSandboxed evaluates synthesized Go source in a restricted
// interpreter and returns the named function. The source must define
// exactly `func <name>(params map[string]interface{}) map[string]interface{}`.
func CompileSandboxed(source, funcName string) (ToolFn, error) {
	for _, re := range banned {
		if re.MatchString(source) {
			return nil, fmt.Errorf("sandbox: source matches banned pattern %q", re.String())
		}
	}

	i := interp.New(interp.Options{})
	symbols := make(map[string]map[string]reflect.Value, len(allowedPackages))
	for _, pkg := range allowedPackages {
		if syms, ok := stdlib.Symbols[pkg]; ok {
			symbols[pkg] = syms
		}
	}
	if err := i.Use(symbols); err != nil {
		return nil, fmt.Errorf("sandbox: load symbols: %w", err)
	}
	if _, err := i.Eval(`import ("math"; "math/rand"; "sort")`); err != nil {
		return nil, fmt.Errorf("sandbox: preload imports: %w", err)
	}

	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("sandbox: eval: %w", err)
	}
	v, err := i.Eval(funcName)
	if err != nil {
		return nil, fmt.Errorf("sandbox: function %q not defined: %w", funcName, err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("sandbox: %q has wrong signature %s", funcName, v.Type())
	}

	// Recover inside the wrapper: a synthesized divide-by-zero or index
	// panic becomes a tool error, never a crashed task. Interpreted code
	// also gets a hard wall-clock cap per invocation.
	return func(params map[string]interface{}) map[string]interface{} {
		done := make(chan map[string]interface{}, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- map[string]interface{}{"error": fmt.Sprintf("tool panic: %v", r)}
				}
			}()
			done <- fn(params)
		}()
		select {
		case out := <-done:
			return out
		case <-time.After(sandboxCallTimeout):
			return map[string]interface{}{"error": fmt.Sprintf("tool exceeded %s compute cap", sandboxCallTimeout)}
		}
	}, nil
}

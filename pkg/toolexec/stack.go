package toolexec

import (
	"context"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/schema"
	"github.com/Mindburn-Labs/opsagent/pkg/verify"
)

// Stack composes the execution layers around a raw gateway call. Order
// matters: the verifier sits outermost so its read-backs flow through
// drift correction and recovery like any other call.
//
//	verifier → recovery → schema drift → local registry → gateway
type Stack struct {
	Call     ToolFunc
	Verifier *verify.Verifier
	Adapter  *schema.Adapter
}

// StackConfig selects which layers to build. The registry and advisor
// are optional; nil disables local dispatch and LLM recovery advice.
type StackConfig struct {
	Registry  *Registry
	Advisor   llm.Client
	Available []llm.ToolDefinition
	// WriteReads maps write tools to verified read-back tools.
	WriteReads map[string]string
	// SchemaSeed pre-warms drift corrections from earlier session turns.
	SchemaSeed map[string]string
}

// BuildStack layers resilience over a raw ToolFunc and returns the
// composed stack. The verifier is exposed so the final answer can embed
// its mutation log.
func BuildStack(raw ToolFunc, cfg StackConfig) *Stack {
	call := raw
	if cfg.Registry != nil {
		call = cfg.Registry.Wrap(call)
	}

	adapter := schema.NewAdapter()
	adapter.SeedCorrections(cfg.SchemaSeed)
	drifted := call
	call = func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		return adapter.ResilientCall(ctx, tool, params, schema.ToolFunc(drifted))
	}

	recoverer := NewRecoverer(cfg.Advisor)
	call = recoverer.WrapWithRecovery(call, cfg.Available)

	verifier := verify.NewVerifier(verify.ToolFunc(call), cfg.WriteReads)
	call = func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		return verifier.Call(ctx, tool, params)
	}

	return &Stack{Call: call, Verifier: verifier, Adapter: adapter}
}

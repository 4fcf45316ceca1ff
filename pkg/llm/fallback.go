package llm

import (
	"context"
	"fmt"
)

// Fallback retries a failed chat turn on a reserve client. The strong
// tier degrades to the fast tier this way: a provider error or timeout
// on the primary becomes one more attempt at the reserve model instead
// of a failed task.
type Fallback struct {
	primary Client
	reserve Client
	// reserveModel overrides any per-call model pin on the retry, so a
	// request for an erroring model does not repeat the same request.
	reserveModel string
}

// NewFallback wires a primary client with a reserve. reserveModel may be
// empty, in which case the reserve client's own default applies.
func NewFallback(primary, reserve Client, reserveModel string) *Fallback {
	return &Fallback{primary: primary, reserve: reserve, reserveModel: reserveModel}
}

// Chat tries the primary client and falls back on error. Context
// cancellation is not retried: a dead deadline stays dead.
func (f *Fallback) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	resp, err := f.primary.Chat(ctx, messages, tools, options)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	retry := SamplingOptions{}
	if options != nil {
		retry = *options
	}
	retry.Model = f.reserveModel

	resp, rerr := f.reserve.Chat(ctx, messages, tools, &retry)
	if rerr != nil {
		return nil, fmt.Errorf("fallback after %v: %w", err, rerr)
	}
	return resp, nil
}

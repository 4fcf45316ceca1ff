package llm

import (
	"context"
	"fmt"
	"strings"
)

// Router decides which model to use for a given request.
type Router struct {
	fastClient  Client
	smartClient Client
}

func NewRouter(fast, smart Client) *Router {
	return &Router{fastClient: fast, smartClient: smart}
}

// Fast returns the fast-tier client directly.
func (r *Router) Fast() Client { return r.fastClient }

// Smart returns the strong-tier client directly.
func (r *Router) Smart() Client { return r.smartClient }

// Chat routes by simple heuristics: tool-implicated or complex prompts go
// to the strong model, everything else to the fast tier. Callers that know
// better (the budget governor does) pick a tier explicitly via Fast/Smart.
func (r *Router) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("router: messages must not be empty")
	}

	if len(tools) > 0 {
		return r.smartClient.Chat(ctx, msgs, tools, options)
	}

	lastMsg := msgs[len(msgs)-1].Content
	if r.isComplex(lastMsg) {
		return r.smartClient.Chat(ctx, msgs, tools, options)
	}

	return r.fastClient.Chat(ctx, msgs, tools, options)
}

func (r *Router) isComplex(text string) bool {
	keywords := []string{"plan", "design", "reconcile", "root cause", "verify", "analyze", "forecast"}
	text = strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return len(text) > 200
}

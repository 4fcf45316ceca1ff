// Package toolexec executes tool calls against the remote tool gateway
// and layers resilience on top: pagination for bulk reads, schema drift
// correction, synonym recovery on failure, and mutation read-back. The
// layers compose into a single ToolFunc the executors call.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// ToolFunc executes a single tool call and returns the decoded result.
type ToolFunc func(ctx context.Context, tool string, params map[string]any) (map[string]any, error)

// Bridge talks to the tool gateway: GET /mcp/tools for discovery and
// POST /mcp for invocation.
type Bridge struct {
	endpoint string
	client   *http.Client
}

// NewBridge creates a bridge for a gateway endpoint such as
// http://localhost:9009.
func NewBridge(endpoint string, timeout time.Duration) *Bridge {
	return &Bridge{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// DiscoverTools fetches the tool list for a session. Scoping by session
// keeps the model from seeing every tenant's tools at once.
func (b *Bridge) DiscoverTools(ctx context.Context, sessionID string) ([]llm.ToolDefinition, error) {
	u := b.endpoint + "/mcp/tools"
	if sessionID != "" {
		u += "?session_id=" + url.QueryEscape(sessionID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover tools: gateway returned %s", resp.Status)
	}

	var raw []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("discover tools: decode: %w", err)
	}

	tools := make([]llm.ToolDefinition, 0, len(raw))
	for _, t := range raw {
		tools = append(tools, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// CallTool invokes one tool through the gateway.
func (b *Bridge) CallTool(ctx context.Context, sessionID, tool string, params map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"tool":       tool,
		"params":     params,
		"session_id": sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: marshal: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("call %s: read response: %w", tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return map[string]any{"error": fmt.Sprintf("gateway returned %s: %s", resp.Status, truncate(string(data), 200))}, nil
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Some tools return bare arrays; wrap them.
		var list []any
		if jerr := json.Unmarshal(data, &list); jerr == nil {
			return map[string]any{"results": list}, nil
		}
		return nil, fmt.Errorf("call %s: decode: %w", tool, err)
	}
	return result, nil
}

// SessionFunc binds a bridge and session into a ToolFunc.
func (b *Bridge) SessionFunc(sessionID string) ToolFunc {
	return func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		return b.CallTool(ctx, sessionID, tool, params)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

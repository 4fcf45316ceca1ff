package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/opsagent/pkg/finance"
	"github.com/Mindburn-Labs/opsagent/pkg/hitl"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/toolexec"
	"github.com/Mindburn-Labs/opsagent/pkg/verify"
)

const (
	pairsFile     = "write_read_pairs.json"
	toolKindsFile = "tool_types.json"

	// One discovery call maps at most this many uncached write tools.
	maxPairsPerCall = 20
)

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// filterVisibleTools applies the reading-state gate to the definition
// list, returning the visible subset and the block banner when anything
// was withheld.
func filterVisibleTools(tools []llm.ToolDefinition, fsmState string) ([]llm.ToolDefinition, string) {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	visible, banner := hitl.FilterTools(names, fsmState)
	if banner == "" {
		return tools, ""
	}
	keep := make(map[string]bool, len(visible))
	for _, n := range visible {
		keep[n] = true
	}
	out := make([]llm.ToolDefinition, 0, len(visible))
	for _, t := range tools {
		if keep[t.Name] {
			out = append(out, t)
		}
	}
	return out, banner
}

// dropMutationTools strips mutation and notify class tools outright,
// used when the planned state sequence cannot mutate.
func dropMutationTools(tools []llm.ToolDefinition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if hitl.IsMutation(t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// patchToolSchemas overrides slim gateway tool schemas with the
// parameter names the backing service actually accepts, so the model
// sends the right params on the first call instead of learning them
// through rejections.
func patchToolSchemas(tools []llm.ToolDefinition) []llm.ToolDefinition {
	patched := make([]llm.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "modify_order_items" {
			tool.InputSchema = patchOrderItemSchema(tool.InputSchema)
		}
		patched = append(patched, tool)
	}
	return patched
}

// patchOrderItemSchema renames item_id→id and price→unit_price inside
// the modifications array. Works on a deep copy; a schema without the
// expected shape passes through untouched.
func patchOrderItemSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	copied, err := deepCopySchema(schema)
	if err != nil {
		return schema
	}
	props, ok := copied["properties"].(map[string]any)
	if !ok {
		return copied
	}
	mods, ok := props["modifications"].(map[string]any)
	if !ok {
		return copied
	}
	items, ok := mods["items"].(map[string]any)
	if !ok {
		return copied
	}
	itemProps, ok := items["properties"].(map[string]any)
	if !ok {
		return copied
	}
	if v, has := itemProps["item_id"]; has {
		if _, taken := itemProps["id"]; !taken {
			itemProps["id"] = v
			delete(itemProps, "item_id")
		}
	}
	if _, has := itemProps["price"]; has {
		if _, taken := itemProps["unit_price"]; !taken {
			itemProps["unit_price"] = map[string]any{
				"type":        "number",
				"description": "Unit price for this item",
			}
			delete(itemProps, "price")
		}
	}
	return copied
}

func deepCopySchema(schema map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	return copied, nil
}

// discoverWriteReadPairs maps each write tool to the read tool that
// verifies its mutation. Cache-first: persisted pairs answer instantly;
// unknown write tools get one fast-model call, and the merged map is
// saved for every later task.
func (r *run) discoverWriteReadPairs(ctx context.Context) map[string]string {
	w := r.w

	var writeTools, readTools, allNames []string
	for _, t := range r.tools {
		allNames = append(allNames, t.Name)
		if verify.IsWriteTool(t.Name) {
			writeTools = append(writeTools, t.Name)
		} else {
			readTools = append(readTools, t.Name)
		}
	}
	if len(writeTools) == 0 {
		return map[string]string{}
	}

	cached := map[string]string{}
	if w.store != nil {
		if _, err := w.store.Load(pairsFile, &cached); err != nil {
			w.logger.Warn("write-read pair cache unreadable", "error", err)
			cached = map[string]string{}
		}
	}

	var uncached []string
	for _, t := range writeTools {
		if _, ok := cached[t]; !ok {
			uncached = append(uncached, t)
		}
	}
	if len(uncached) == 0 || w.fast == nil {
		return cached
	}
	if len(uncached) > maxPairsPerCall {
		uncached = uncached[:maxPairsPerCall]
	}

	var b strings.Builder
	b.WriteString("For each write tool below, identify which read tool from the available list " +
		"should be called immediately after to verify the mutation was applied.\n\n")
	b.WriteString("Available read tools: " + strings.Join(readTools, ", ") + "\n\n")
	b.WriteString("Write tools to map:\n")
	for _, t := range uncached {
		b.WriteString("- " + t + "\n")
	}
	b.WriteString("\nRespond ONLY as JSON: {\"write_tool\": \"read_tool\", ...}\n" +
		"If no read tool is appropriate, use null.")

	resp, err := w.fast.Chat(ctx, []llm.Message{{Role: "user", Content: b.String()}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: 512,
	})
	if err != nil || resp == nil {
		return cached
	}
	raw := jsonObjectPattern.FindString(strings.TrimSpace(resp.Content))
	if raw == "" {
		return cached
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return cached
	}

	toolSet := make(map[string]bool, len(allNames))
	for _, n := range allNames {
		toolSet[n] = true
	}
	added := 0
	for write, v := range parsed {
		read, ok := v.(string)
		if !ok || read == "" || !toolSet[read] {
			continue
		}
		cached[write] = read
		added++
	}
	if added > 0 && w.store != nil {
		if err := w.store.Save(pairsFile, cached); err != nil {
			w.logger.Warn("write-read pair cache save failed", "error", err)
		}
	}
	return cached
}

// seedToolKinds installs tool classification overrides: persisted
// discoveries first, then the local calculators, whose names would
// otherwise fail closed as mutations under the prefix rules.
func (w *Worker) seedToolKinds() {
	kinds := map[string]string{}
	if w.store != nil {
		if ok, err := w.store.Load(toolKindsFile, &kinds); !ok || err != nil {
			kinds = map[string]string{}
		}
	}
	for name, kind := range finance.ToolKinds() {
		if _, ok := kinds[name]; !ok {
			kinds[name] = kind
		}
	}
	if w.registry != nil {
		for _, def := range w.registry.Definitions() {
			if _, ok := kinds[def.Name]; !ok {
				kinds[def.Name] = string(hitl.KindCompute)
			}
		}
	}
	if len(kinds) > 0 {
		hitl.SeedKinds(kinds)
	}
}

// localRegistry builds the per-task local dispatch table: every
// synthesized tool plus the deterministic finance calculators. The
// stack routes these before the gateway so registered tools never
// cross the network. Finance registers last: on a name collision the
// native integer-cent implementation wins over a sandboxed duplicate.
func (r *run) localRegistry() *toolexec.Registry {
	w := r.w
	reg := toolexec.NewRegistry()

	if w.registry != nil {
		for _, def := range w.registry.Definitions() {
			def := def
			err := reg.Register(toolexec.LocalTool{
				Definition: def,
				Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
					result := w.registry.Call(def.Name, params)
					if result == nil {
						return nil, fmt.Errorf("synthesized tool %s returned nothing", def.Name)
					}
					return result, nil
				},
			})
			if err != nil {
				w.logger.Warn("synthesized tool registration failed", "tool", def.Name, "error", err)
			}
		}
	}

	for _, def := range finance.ToolDefinitions() {
		def := def
		err := reg.Register(toolexec.LocalTool{
			Definition: def,
			Handler: func(_ context.Context, params map[string]any) (map[string]any, error) {
				return finance.CallTool(def.Name, params), nil
			},
		})
		if err != nil {
			w.logger.Warn("finance tool registration failed", "tool", def.Name, "error", err)
		}
	}
	return reg
}

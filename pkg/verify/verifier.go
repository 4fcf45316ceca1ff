// Package verify tracks write tool calls and confirms them with an
// immediate read-back of the mutated entity. The backing store commits
// through a write-ahead log; a read on the same entity forces the
// checkpoint so downstream consumers see the mutation before the task
// completes. The resulting log also goes into the final answer as
// explicit evidence of what changed.
package verify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/opsagent/pkg/hitl"
)

// ToolFunc executes a single tool call.
type ToolFunc func(ctx context.Context, tool string, params map[string]any) (map[string]any, error)

// Known write→read pairs for the gateway tools this agent meets every
// day. Anything not listed falls back to verb stripping (InferReadTool).
var readForWrite = map[string]string{
	"approve_invoice":        "get_invoice",
	"update_invoice":         "get_invoice",
	"approve_expense":        "get_expense",
	"create_po":              "get_po",
	"update_po":              "get_po",
	"modify_order_items":     "get_order",
	"update_order":           "get_order",
	"cancel_order":           "get_order",
	"create_payment":         "get_payment",
	"send_payment":           "get_payment",
	"update_ledger":          "get_ledger",
	"update_employee_record": "get_employee",
	"create_ticket":          "get_ticket",
	"revoke_access":          "get_user_access",
}

// Tools that mutate nothing despite classifying as mutations.
var writeExclusions = map[string]bool{
	"confirm_with_user": true,
}

// Single-word verb prefixes only. Compound prefixes like modify_order_
// over-strip the entity noun.
var writeVerbPrefixes = []string{
	"acknowledge_", "activate_", "add_", "adjust_", "amend_", "apply_",
	"approve_", "archive_", "assign_", "authorize_", "blacklist_",
	"book_", "cancel_", "certify_", "charge_", "close_", "commit_",
	"complete_", "confirm_", "create_", "credit_", "deactivate_",
	"debit_", "delete_", "demote_", "deprovision_", "disable_",
	"disburse_", "dispatch_", "disenroll_", "draft_", "enable_",
	"enroll_", "escalate_", "execute_", "extend_", "finalize_",
	"flag_", "forward_", "grant_", "hold_", "insert_", "invalidate_",
	"issue_", "link_", "lock_", "lodge_", "mark_", "merge_",
	"migrate_", "modify_", "notify_", "offboard_", "onboard_",
	"open_", "override_", "patch_", "pay_", "post_", "process_",
	"promote_", "provision_", "publish_", "raise_", "reassign_",
	"record_", "refund_", "reject_", "release_", "remediate_",
	"remove_", "renew_", "reopen_", "replace_", "resolve_",
	"restore_", "reverse_", "revoke_", "rotate_", "schedule_",
	"send_", "set_", "split_", "submit_", "suspend_", "tag_",
	"terminate_", "transfer_", "trigger_", "unlock_", "unlink_",
	"unassign_", "update_", "upsert_", "void_", "whitelist_",
}

// IsWriteTool reports whether a tool mutates state. Classification is
// shared with the HITL gate: anything not provably read or compute
// class is a write. A false positive costs one extra read; a false
// negative costs an unverified mutation.
func IsWriteTool(toolName string) bool {
	name := strings.ToLower(strings.TrimSpace(toolName))
	if writeExclusions[name] {
		return false
	}
	return hitl.Classify(name) == hitl.KindMutate
}

// ExtractEntityNoun strips the write verb from a tool name, leaving the
// entity: approve_invoice → invoice, modify_order_items → order_items.
func ExtractEntityNoun(writeTool string) string {
	name := strings.ToLower(writeTool)
	for _, prefix := range writeVerbPrefixes {
		if strings.HasPrefix(name, prefix) {
			return name[len(prefix):]
		}
	}
	if idx := strings.Index(name, "_"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// InferReadTool returns the highest-probability read-back tool for a
// write: get_{entity}.
func InferReadTool(writeTool string) string {
	entity := ExtractEntityNoun(writeTool)
	if entity == "" {
		return ""
	}
	return "get_" + entity
}

// InferAltReads returns the full ordered read-candidate list, primary
// first, for use when the primary read fails.
func InferAltReads(writeTool string) []string {
	entity := ExtractEntityNoun(writeTool)
	if entity == "" {
		return nil
	}
	candidates := []string{
		"get_" + entity,
		"get_" + entity + "s",
		"list_" + entity + "s",
		"list_" + entity,
		"fetch_" + entity,
		"retrieve_" + entity,
		"check_" + entity,
		"read_" + entity,
	}
	if strings.HasSuffix(entity, "s") {
		singular := entity[:len(entity)-1]
		candidates = append(candidates, "get_"+singular, "fetch_"+singular, "list_"+singular+"s")
	}
	if root, _, found := strings.Cut(entity, "_"); found {
		candidates = append(candidates, "get_"+root, "list_"+root+"s")
	}

	seen := make(map[string]bool, len(candidates))
	unique := candidates[:0]
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			unique = append(unique, c)
		}
	}
	return unique
}

// ExtractKeyParams pulls the identifying parameters from a write call
// so the read-back targets the same entity.
func ExtractKeyParams(params map[string]any) map[string]any {
	keys := map[string]any{}
	for k, v := range params {
		if k == "id" || strings.HasSuffix(k, "_id") || strings.HasSuffix(k, "_number") ||
			strings.HasSuffix(k, "_code") || strings.HasSuffix(k, "_ref") {
			keys[k] = v
		}
	}
	return keys
}

type verifyState int

const (
	stateUnverifiable verifyState = iota
	stateVerified
	stateFailed
)

type mutation struct {
	tool          string
	paramsSummary string
	writeResult   string
	state         verifyState
	readBack      string
}

// Verifier wraps tool execution during the execute phase, recording
// every write and reading it back. Use Call as the tool callback, then
// append Section to the final answer.
type Verifier struct {
	mu         sync.Mutex
	inner      ToolFunc
	writeReads map[string]string
	mutations  []mutation
	totalCalls int
}

// NewVerifier wraps inner. writeReads, when non-nil, overrides read-back
// inference for specific write tools (discovered mappings verified
// against the live tool list take priority over the built-in table and
// noun extraction).
func NewVerifier(inner ToolFunc, writeReads map[string]string) *Verifier {
	return &Verifier{inner: inner, writeReads: writeReads}
}

func (v *Verifier) readToolFor(writeTool string) string {
	if mapped, ok := v.writeReads[writeTool]; ok {
		return mapped
	}
	if mapped, ok := readForWrite[writeTool]; ok {
		return mapped
	}
	return InferReadTool(writeTool)
}

// Call is a drop-in tool callback that records writes and reads back.
func (v *Verifier) Call(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	v.mu.Lock()
	v.totalCalls++
	v.mu.Unlock()

	result, err := v.inner(ctx, tool, params)
	if err != nil {
		return result, err
	}
	if !IsWriteTool(tool) {
		return result, nil
	}

	entry := mutation{
		tool:          tool,
		paramsSummary: paramsSummary(params),
		writeResult:   resultSummary(result),
	}

	readTool := v.readToolFor(tool)
	if readTool != "" {
		keyParams := ExtractKeyParams(params)
		if len(keyParams) == 0 {
			entry.state = stateUnverifiable
			entry.readBack = "no entity ID in params — cannot verify"
		} else if readResult, rerr := v.inner(ctx, readTool, keyParams); rerr == nil && !hasError(readResult) {
			entry.state = stateVerified
			entry.readBack = resultSummary(readResult)
		} else if alt := v.tryAltReads(ctx, tool, keyParams); alt != nil {
			entry.state = stateVerified
			entry.readBack = resultSummary(alt)
		} else {
			entry.state = stateFailed
			entry.readBack = "read-back returned error or no data"
		}
	}

	v.mu.Lock()
	v.mutations = append(v.mutations, entry)
	v.mu.Unlock()
	return result, nil
}

func (v *Verifier) tryAltReads(ctx context.Context, writeTool string, keyParams map[string]any) map[string]any {
	alts := InferAltReads(writeTool)
	if len(alts) <= 1 {
		return nil
	}
	// Index 0 is the primary candidate the caller already tried.
	for _, alt := range alts[1:] {
		r, err := v.inner(ctx, alt, keyParams)
		if err != nil {
			continue
		}
		if !hasError(r) {
			return r
		}
	}
	return nil
}

// Section renders the mutation log for the final answer. Empty when no
// writes were executed.
func (v *Verifier) Section() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.mutations) == 0 {
		return ""
	}

	verified, failed, unverifiable := 0, 0, 0
	for _, m := range v.mutations {
		switch m.state {
		case stateVerified:
			verified++
		case stateFailed:
			failed++
		default:
			unverifiable++
		}
	}

	var b strings.Builder
	b.WriteString("\n\n## Mutation Verification Log\n")
	fmt.Fprintf(&b, "Writes executed: %d | Verified: %d | Failed: %d | Unverifiable: %d\n",
		len(v.mutations), verified, failed, unverifiable)
	for i, m := range v.mutations {
		status := "UNVERIFIABLE"
		switch m.state {
		case stateVerified:
			status = "VERIFIED"
		case stateFailed:
			status = "FAILED"
		}
		fmt.Fprintf(&b, "%d. [%s] %s(%s) -> %s\n", i+1, status, m.tool, m.paramsSummary, m.writeResult)
		if m.readBack != "" {
			fmt.Fprintf(&b, "   Read-back: %s\n", m.readBack)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// MutationCount returns the number of recorded writes.
func (v *Verifier) MutationCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.mutations)
}

// VerifiedCount returns the number of writes confirmed by read-back.
func (v *Verifier) VerifiedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, m := range v.mutations {
		if m.state == stateVerified {
			n++
		}
	}
	return n
}

func hasError(result map[string]any) bool {
	_, ok := result["error"]
	return ok
}

func paramsSummary(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var items []string
	for _, k := range keys {
		if len(items) == 4 {
			break
		}
		var valStr string
		switch params[k].(type) {
		case []any:
			valStr = "[list]"
		case map[string]any:
			valStr = "[map]"
		default:
			valStr = truncate(fmt.Sprintf("%v", params[k]), 40)
		}
		items = append(items, k+"="+valStr)
	}
	suffix := ""
	if len(params) > 4 {
		suffix = ", ..."
	}
	return strings.Join(items, ", ") + suffix
}

func resultSummary(result map[string]any) string {
	if result == nil {
		return "ok (empty response)"
	}
	if e, ok := result["error"]; ok {
		return "ERROR: " + truncate(fmt.Sprintf("%v", e), 60)
	}
	for _, key := range []string{"status", "state", "id", "result", "message", "success"} {
		if v, ok := result[key]; ok {
			return key + "=" + truncate(fmt.Sprintf("%v", v), 60)
		}
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if result[k] != nil {
			return truncate(fmt.Sprintf("%v", result[k]), 60)
		}
	}
	return "ok (empty response)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package hitl classifies tools by mutation risk and manages the human
// approval gate. Anything not provably read-only or compute-only is
// treated as a mutation — the guard fails closed.
package hitl

import (
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/opsagent/pkg/policy"
)

// ToolKind is the risk classification of a single tool.
type ToolKind string

const (
	KindRead    ToolKind = "read"
	KindCompute ToolKind = "compute"
	KindMutate  ToolKind = "mutate"
)

// Compute prefixes are checked before read prefixes: calculate_budget is
// a computation even though a later read rule would also match.
var computePrefixes = []string{"calculate_", "compute_", "estimate_", "predict_"}

// Read prefixes are deliberately narrow. Write verbs are open-ended
// (escalate_, lodge_, certify_, ...), so anything outside this list
// falls through to mutate rather than the other way around.
var readPrefixes = []string{
	"get_", "list_", "find_", "search_", "describe_",
	"fetch_", "read_", "show_", "query_",
}

// Seeded overrides from the tool registry. A misclassified read tool is
// recoverable; a mutation waved through is not, so overrides only come
// from the persisted registry, never from guesses at call time.
var (
	overrideMu sync.Mutex
	overrides  = map[string]ToolKind{}
)

// SeedKinds installs registry-discovered classifications that take
// precedence over the static prefix rules.
func SeedKinds(kinds map[string]string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	for name, kind := range kinds {
		switch ToolKind(kind) {
		case KindRead, KindCompute, KindMutate:
			overrides[name] = ToolKind(kind)
		}
	}
}

func seededKind(toolName string) (ToolKind, bool) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	k, ok := overrides[toolName]
	return k, ok
}

// Classify buckets a tool name. Order matters: seeded overrides first,
// then compute before read (calculate_budget is a computation even though
// a later rule would also match); anything unrecognized is a mutation.
func Classify(toolName string) ToolKind {
	if k, ok := seededKind(toolName); ok {
		return k
	}
	name := strings.ToLower(toolName)
	for _, p := range computePrefixes {
		if strings.HasPrefix(name, p) {
			return KindCompute
		}
	}
	for _, p := range readPrefixes {
		if strings.HasPrefix(name, p) {
			return KindRead
		}
	}
	return KindMutate
}

// IsMutation reports whether a tool changes external state. Notification
// senders count: an email is as irreversible as a database write.
func IsMutation(toolName string) bool {
	return Classify(toolName) == KindMutate
}

// ScheduleNotifyReading marks the data-gathering half of SCHEDULE_NOTIFY.
// Notification senders are mutations, so the state only sees them once
// reading is done.
const ScheduleNotifyReading = "SCHEDULE_NOTIFY_reading_phase"

// Reading states: mutation tools are withheld from the tool set itself,
// not just blocked by prompt.
var gateStates = map[string]bool{
	"ASSESS":               true,
	"APPROVAL_GATE":        true,
	"POLICY_CHECK":         true,
	"COMPUTE":              true,
	ScheduleNotifyReading: true,
}

// FilterTools removes mutation-class tools while the FSM is in a reading
// state. Returns the visible set and, when anything was withheld, the
// banner to inject into the system context.
func FilterTools(toolNames []string, fsmState string) (visible []string, banner string) {
	if !gateStates[fsmState] {
		return toolNames, ""
	}
	withheld := false
	for _, name := range toolNames {
		if IsMutation(name) {
			withheld = true
			continue
		}
		visible = append(visible, name)
	}
	if !withheld {
		return visible, ""
	}
	return visible, "MUTATION TOOLS BLOCKED AT " + fsmState + ". Produce an approval document instead."
}

// SplitByKind partitions tool names into read, compute, mutate.
func SplitByKind(toolNames []string) (read, compute, mutate []string) {
	for _, name := range toolNames {
		switch Classify(name) {
		case KindRead:
			read = append(read, name)
		case KindCompute:
			compute = append(compute, name)
		default:
			mutate = append(mutate, name)
		}
	}
	return read, compute, mutate
}

// GatePrompt renders the approval-gate directive injected into the system
// context while mutations are blocked. The model must stop at the gate and
// produce an approval brief instead of executing the held actions.
func GatePrompt(blockedTools []string, policyResult *policy.Result, processType string) string {
	if len(blockedTools) == 0 {
		return ""
	}
	sorted := append([]string(nil), blockedTools...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("\n## APPROVAL GATE — MUTATION BLOCKED")
	if processType != "" {
		b.WriteString(" for " + titleCase(processType))
	}
	b.WriteString("\n\nThe following tools are BLOCKED until human approval is received:\n")
	for _, t := range sorted {
		b.WriteString("  - " + t + "\n")
	}
	if policyResult != nil && !policyResult.Passed {
		ids := make([]string, 0, len(policyResult.Triggered))
		for _, r := range policyResult.Triggered {
			ids = append(ids, r.ID)
		}
		b.WriteString("\nPolicy gate triggered by: " + strings.Join(ids, ", ") + "\n")
	}
	b.WriteString(`
YOU MUST NOT call any of the blocked tools in this response.

Instead, produce an approval request with these exact sections:
1. PROPOSED ACTIONS — list every action you plan to take (tool name, parameters, amounts, IDs)
2. REASON — why each action is needed
3. POLICY STATUS — which rules triggered this gate and what approval level is required
4. RISK — what happens if approved vs. if rejected
5. APPROVAL REQUEST — "Awaiting [approver role] approval before proceeding."

Your response IS the approval request document. Do not execute any actions.
`)
	return b.String()
}

func titleCase(processType string) string {
	words := strings.Split(strings.ReplaceAll(processType, "_", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// CheckApprovalGate reports whether the mutation gate fires for the
// current execution state and, when it does, renders the block prompt.
// The gate always fires at APPROVAL_GATE when mutation-class tools are
// available — that is the point of the state, structured policy or not.
func CheckApprovalGate(currentState string, toolNames []string, policyResult *policy.Result, processType string) (bool, string) {
	if currentState != "APPROVAL_GATE" {
		return false, ""
	}
	_, _, mutate := SplitByKind(toolNames)
	if len(mutate) == 0 {
		return false, ""
	}
	return true, GatePrompt(mutate, policyResult, processType)
}

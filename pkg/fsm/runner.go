package fsm

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/policy"
)

// Checkpoint captures runner position for session persistence. A
// restored runner resumes mid-sequence on the next turn.
type Checkpoint struct {
	ProcessType  string   `json:"process_type"`
	StateIdx     int      `json:"state_idx"`
	StateHistory []string `json:"state_history"`
	RequiresHITL bool     `json:"requires_hitl"`
}

// Options configures a new Runner. All fields are optional: an empty
// ProcessType triggers keyword detection, a Definition overrides the
// built-in data layer for synthesized process types, and a Checkpoint
// restores mid-sequence position.
type Options struct {
	ProcessType string
	Definition  *Definition
	Checkpoint  *Checkpoint
}

// Runner is the generic 8-state executor. All per-process behavior
// comes from the definition data layer.
type Runner struct {
	taskText         string
	sessionID        string
	processType      string
	def              Definition
	states           []State
	idx              int
	current          State
	history          []string
	data             map[string]any
	policyResult     *policy.Result
	escalationReason string
	requiresHITL     bool
	approvalCount    int
}

// NewRunner builds a runner for a task. The state sequence comes from
// the definition override if one is given, otherwise from the built-in
// template for the detected or supplied process type.
func NewRunner(taskText, sessionID string, opts Options) *Runner {
	ptype := opts.ProcessType
	if ptype == "" {
		ptype = DetectProcessType(taskText)
	}

	var def Definition
	var states []State
	if opts.Definition != nil && len(opts.Definition.States) > 0 {
		def = *opts.Definition
		states = opts.Definition.States
	} else {
		def = GetDefinition(ptype)
		states = Templates(ptype)
	}

	// Pure information requests collapse to the read-only path, whatever
	// the template says. Checkpointed tasks already chose their path.
	if opts.Checkpoint == nil && ReadOnlyTask(taskText) {
		states = readOnlySequence
	}

	r := &Runner{
		taskText:    taskText,
		sessionID:   sessionID,
		processType: ptype,
		def:         def,
		states:      states,
		data:        make(map[string]any),
	}
	r.current = r.states[0]

	if cp := opts.Checkpoint; cp != nil {
		r.processType = cp.ProcessType
		if opts.Definition == nil || len(opts.Definition.States) == 0 {
			r.def = GetDefinition(cp.ProcessType)
			r.states = Templates(cp.ProcessType)
		}
		r.idx = cp.StateIdx
		r.history = append([]string(nil), cp.StateHistory...)
		r.requiresHITL = cp.RequiresHITL
		if r.idx < len(r.states) {
			r.current = r.states[r.idx]
		} else {
			r.current = StateComplete
		}
	}
	return r
}

// CurrentState returns the state the runner is in.
func (r *Runner) CurrentState() State { return r.current }

// ProcessType returns the resolved process type.
func (r *Runner) ProcessType() string { return r.processType }

// RequiresHITL reports whether human approval has been flagged, either
// by the process definition, policy evaluation, or escalation.
func (r *Runner) RequiresHITL() bool { return r.requiresHITL || r.def.HITLRequired }

// RiskLevel returns the process risk posture.
func (r *Runner) RiskLevel() string { return r.def.RiskLevel }

// IsTerminal reports whether the runner has reached a final state.
func (r *Runner) IsTerminal() bool {
	return r.current == StateComplete || r.current == StateFailed || r.current == StateEscalate
}

// SequenceHas reports whether a state appears anywhere in the planned
// sequence.
func (r *Runner) SequenceHas(s State) bool {
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

// Advance records the current state in history and moves to the next
// state in the sequence, merging any phase data. MUTATE is unreachable
// once a policy verdict has failed: the transition lands on ESCALATE
// instead.
func (r *Runner) Advance(data map[string]any) State {
	for k, v := range data {
		r.data[k] = v
	}
	r.history = append(r.history, string(r.current))
	r.idx++
	if r.idx < len(r.states) {
		r.current = r.states[r.idx]
	} else {
		r.current = StateComplete
	}
	if r.current == StateMutate && r.policyResult != nil && !r.policyResult.Passed {
		r.current = StateEscalate
		r.escalationReason = "mutation blocked: " + policySummary(*r.policyResult)
		r.requiresHITL = true
	}
	return r.current
}

// Fail transitions to FAILED with a reason.
func (r *Runner) Fail(reason string) State {
	r.history = append(r.history, string(r.current))
	r.current = StateFailed
	r.data["failure_reason"] = reason
	return StateFailed
}

// Escalate transitions to ESCALATE and flags human involvement.
func (r *Runner) Escalate(reason string) State {
	r.history = append(r.history, string(r.current))
	r.current = StateEscalate
	r.escalationReason = reason
	r.requiresHITL = true
	return StateEscalate
}

// RecordPolicy stores a verdict without transitioning. Used when the
// runner sits outside POLICY_CHECK at evaluation time: the verdict
// still guards later transitions, so a failed policy keeps MUTATE
// unreachable whichever state the advance comes from.
func (r *Runner) RecordPolicy(res policy.Result) {
	r.policyResult = &res
	if !res.Passed && res.RequiresApproval {
		r.requiresHITL = true
	}
}

// ApplyPolicy records a deterministic policy verdict and routes on it:
// an escalation verdict short-circuits to ESCALATE, an approval verdict
// flags HITL and continues, a pass continues unchanged.
func (r *Runner) ApplyPolicy(res policy.Result) State {
	r.policyResult = &res
	if !res.Passed {
		if res.EscalationRequired {
			return r.Escalate(policySummary(res))
		}
		if res.RequiresApproval {
			r.requiresHITL = true
		}
	}
	return r.Advance(nil)
}

func policySummary(res policy.Result) string {
	if len(res.Triggered) == 0 {
		return "policy escalation required"
	}
	ids := make([]string, 0, len(res.Triggered))
	for _, rule := range res.Triggered {
		ids = append(ids, rule.ID)
	}
	return "policy rules triggered: " + strings.Join(ids, ", ")
}

// ReopenApprovalGate steps back from MUTATE to APPROVAL_GATE when a
// mid-mutation checkpoint is needed. Only valid from MUTATE.
func (r *Runner) ReopenApprovalGate() {
	if r.current != StateMutate {
		return
	}
	r.history = append(r.history, string(StateMutate))
	r.current = StateApprovalGate
	r.approvalCount++
}

// Checkpoint exports the runner position for persistence.
func (r *Runner) Checkpoint() Checkpoint {
	return Checkpoint{
		ProcessType:  r.processType,
		StateIdx:     r.idx,
		StateHistory: append([]string(nil), r.history...),
		RequiresHITL: r.requiresHITL,
	}
}

// BuildPhasePrompt renders the per-phase prompt block: process header,
// phase history, the data-layer instruction for the current state, and
// tool awareness filtered by phase.
func (r *Runner) BuildPhasePrompt(availableTools []llm.ToolDefinition) string {
	state := r.current
	process := titleCase(r.processType)
	historyStr := strings.Join(append(append([]string(nil), r.history...), string(state)), " → ")

	lines := []string{
		"## Business Process: " + process,
		"## Execution Phase: " + string(state),
		"## Phase History: " + historyStr,
		"",
	}

	instruction := r.def.StateInstructions[state]

	// Terminal and error states override the data layer.
	switch {
	case state == StateEscalate && r.escalationReason != "":
		instruction = fmt.Sprintf("ESCALATION REQUIRED: %s\n"+
			"Do not attempt to resolve this yourself. "+
			"Explain clearly why escalation is needed and who must act.", r.escalationReason)
	case state == StateFailed:
		reason, _ := r.data["failure_reason"].(string)
		if reason == "" {
			reason = "Unknown error"
		}
		instruction = fmt.Sprintf("FAILED: %s\n"+
			"Explain what went wrong and what the next step should be.", reason)
	case instruction == "":
		instruction = fmt.Sprintf("Execute the %s phase for this %s process.", state, process)
	}
	lines = append(lines, instruction)

	if len(availableTools) > 0 {
		var names []string
		for _, t := range availableTools {
			if t.Name != "" {
				names = append(names, t.Name)
			}
		}

		switch state {
		case StateAssess:
			reads := filterByPrefix(names, []string{"get_", "list_", "fetch_", "search_", "read_", "check_"})
			if len(reads) > 0 {
				lines = append(lines, "\nAvailable read tools: "+strings.Join(capList(reads, 12), ", "))
			}
		case StateMutate:
			writes := filterByPrefix(names, []string{"create_", "update_", "delete_", "send_", "approve_", "submit_", "cancel_", "post_"})
			if len(writes) > 0 {
				lines = append(lines, "\nAvailable mutation tools: "+strings.Join(capList(writes, 12), ", "))
			}
		case StateScheduleNotify:
			notify := filterByPrefix(names, []string{"send_", "notify_", "schedule_", "post_", "email_", "slack_"})
			if len(notify) > 0 {
				lines = append(lines, "\nAvailable notify/schedule tools: "+strings.Join(capList(notify, 8), ", "))
			}
		case StateDecompose:
			if hints := r.def.ConnectorHints; len(hints) > 0 {
				var relevant []string
				for _, n := range names {
					lower := strings.ToLower(n)
					for _, h := range hints {
						if strings.Contains(lower, h) {
							relevant = append(relevant, n)
							break
						}
					}
				}
				if len(relevant) > 0 {
					lines = append(lines, "\nConnectors available for this process: "+strings.Join(capList(relevant, 8), ", "))
				} else if len(names) > 0 {
					lines = append(lines, "\nAll available tools: "+strings.Join(capList(names, 10), ", "))
				}
			}
		}
	}

	if r.approvalCount > 0 {
		lines = append(lines, fmt.Sprintf("\n[Multi-checkpoint: approval gate #%d]", r.approvalCount+1))
	}

	return strings.Join(lines, "\n")
}

// Summary returns the final run summary for feedback channels and
// the response footer.
func (r *Runner) Summary() map[string]any {
	return map[string]any{
		"process_type":      r.processType,
		"final_state":       string(r.current),
		"state_history":     append([]string(nil), r.history...),
		"requires_hitl":     r.RequiresHITL(),
		"escalation_reason": r.escalationReason,
		"approval_count":    r.approvalCount,
	}
}

func filterByPrefix(names, prefixes []string) []string {
	var out []string
	for _, n := range names {
		for _, p := range prefixes {
			if strings.HasPrefix(n, p) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func capList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func titleCase(processType string) string {
	words := strings.Split(strings.ReplaceAll(processType, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

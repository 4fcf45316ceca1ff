// Package fsm implements the 8-state business process state machine.
// The runner is a generic executor: per-state behavior comes from process
// definitions (the data layer), never from the runner itself. Adding a
// new process type means adding a definition, not touching the runner.
package fsm

import "strings"

// State is one phase of a business process execution.
type State string

const (
	StateDecompose      State = "DECOMPOSE"
	StateAssess         State = "ASSESS"
	StateCompute        State = "COMPUTE"
	StatePolicyCheck    State = "POLICY_CHECK"
	StateApprovalGate   State = "APPROVAL_GATE"
	StateMutate         State = "MUTATE"
	StateScheduleNotify State = "SCHEDULE_NOTIFY"
	StateComplete       State = "COMPLETE"
	StateEscalate       State = "ESCALATE"
	StateFailed         State = "FAILED"
)

// validStates is the set a synthesized definition may draw from.
// ESCALATE and FAILED are runner-controlled, never planned.
var validStates = map[State]bool{
	StateDecompose:      true,
	StateAssess:         true,
	StateCompute:        true,
	StatePolicyCheck:    true,
	StateApprovalGate:   true,
	StateMutate:         true,
	StateScheduleNotify: true,
	StateComplete:       true,
}

// canonicalOrder positions each plannable state. Every planned sequence,
// built-in or synthesized, is a subsequence of this ordering.
var canonicalOrder = map[State]int{
	StateDecompose:      0,
	StateAssess:         1,
	StateCompute:        2,
	StatePolicyCheck:    3,
	StateApprovalGate:   4,
	StateMutate:         5,
	StateScheduleNotify: 6,
	StateComplete:       7,
}

// processTemplates maps process type to its ordered state sequence.
var processTemplates = map[string][]State{
	"expense_approval":       {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateApprovalGate, StateMutate, StateComplete},
	"procurement":            {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateApprovalGate, StateMutate, StateScheduleNotify, StateComplete},
	"hr_offboarding":         {StateDecompose, StateAssess, StatePolicyCheck, StateMutate, StateScheduleNotify, StateComplete},
	"incident_response":      {StateDecompose, StateAssess, StateCompute, StateApprovalGate, StateMutate, StateScheduleNotify, StateComplete},
	"invoice_reconciliation": {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateMutate, StateComplete},
	"customer_onboarding":    {StateDecompose, StateAssess, StateMutate, StateScheduleNotify, StateComplete},
	"compliance_audit":       {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateApprovalGate, StateMutate, StateScheduleNotify, StateComplete},
	"dispute_resolution":     {StateDecompose, StateAssess, StatePolicyCheck, StateApprovalGate, StateMutate, StateComplete},
	"order_management":       {StateDecompose, StateAssess, StateCompute, StateApprovalGate, StateMutate, StateComplete},
	"sla_breach":             {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateScheduleNotify, StateComplete},
	"month_end_close":        {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateApprovalGate, StateMutate, StateComplete},
	"ar_collections":         {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateMutate, StateScheduleNotify, StateComplete},
	"subscription_migration": {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateApprovalGate, StateMutate, StateComplete},
	"payroll":                {StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateApprovalGate, StateMutate, StateScheduleNotify, StateComplete},
	"general":                {StateDecompose, StateAssess, StateMutate, StateComplete},
}

// processKeywords drives keyword-based process type detection, used as
// the fallback when the LLM classifier is unavailable.
var processKeywords = map[string][]string{
	"expense_approval":       {"expense", "reimbursement", "approval", "spend", "budget", "receipt", "claim"},
	"procurement":            {"vendor", "purchase", "order", "contract", "supplier", "rfp", "quote", "procurement"},
	"hr_offboarding":         {"offboarding", "offboard", "termination", "access revocation", "exit", "last day"},
	"incident_response":      {"incident", "outage", "down", "breach", "alert", "p1", "p2", "emergency", "sev"},
	"invoice_reconciliation": {"invoice", "reconcile", "reconciliation", "statement", "bill", "ap ", "accounts payable"},
	"customer_onboarding":    {"onboarding", "onboard", "new customer", "new client", "setup", "provision"},
	"compliance_audit":       {"compliance", "audit", "kyc", "gdpr", "pci", "sox", "regulatory", "review"},
	"dispute_resolution":     {"dispute", "chargeback", "complaint", "resolution", "contested", "claim"},
	"order_management":       {"order", "shipment", "delivery", "fulfillment", "cart", "item", "product"},
	"sla_breach":             {"sla", "service level", "uptime", "downtime", "breach", "penalty", "credit"},
	"month_end_close":        {"month-end", "month end", "close", "p&l", "financial close", "accounting", "books"},
	"ar_collections":         {"accounts receivable", "ar ", "aging", "overdue", "collection", "payment plan", "bad debt"},
	"subscription_migration": {"migrate", "migration", "downgrade", "upgrade", "plan change", "subscription change"},
	"payroll":                {"payroll", "salary", "wages", "compensation", "pay run", "paye", "bacs"},
}

// Action verbs that rule out the read-only path.
var actionVerbs = []string{
	"approve", "reject", "cancel", "update", "create", "delete",
	"revoke", "refund", "reconcile", "issue", "send",
}

// Phrasings that mark a pure information request.
var readPatterns = []string{
	"what is", "show me", "list", "find", "report", "summarise", "summarize",
}

// readOnlySequence is the collapsed path for pure information requests:
// no policy check, no approval gate, nothing to mutate.
var readOnlySequence = []State{StateDecompose, StateAssess, StateComplete}

// ReadOnlyTask reports whether the task only asks for information: at
// least one read pattern and no action verb anywhere in the text.
func ReadOnlyTask(taskText string) bool {
	text := strings.ToLower(taskText)
	for _, verb := range actionVerbs {
		if strings.Contains(text, verb) {
			return false
		}
	}
	for _, pattern := range readPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// Templates returns the ordered state sequence for a process type,
// falling back to the general template.
func Templates(processType string) []State {
	if states, ok := processTemplates[processType]; ok {
		return states
	}
	return processTemplates["general"]
}

// DetectProcessType scores keyword containment across all process types
// and returns the best match, defaulting to general.
func DetectProcessType(taskText string) string {
	text := strings.ToLower(taskText)
	bestType, bestScore := "general", 0
	for ptype, keywords := range processKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore, bestType = score, ptype
		}
	}
	return bestType
}

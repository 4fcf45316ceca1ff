// Package policy implements the deterministic policy evaluator. Rule
// conditions are evaluated against the task context before any mutation is
// allowed; the verdict is injected into the model prompt as a hard
// constraint the model cannot override.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rule actions.
const (
	ActionRequireApproval = "require_approval"
	ActionEscalate        = "escalate"
	ActionBlock           = "block"
)

// levelPriority orders approval levels from lowest to highest authority.
// When several rules trigger, the highest level wins.
var levelPriority = []string{"manager", "hr", "finance", "committee", "legal", "cfo", "ciso"}

// Rule is one deterministic policy rule.
type Rule struct {
	ID            string `json:"id"`
	Condition     string `json:"condition"`
	Action        string `json:"action"`
	ApprovalLevel string `json:"approval_level,omitempty"`
	Description   string `json:"description,omitempty"`
}

// Result is the evaluation verdict for one task context.
type Result struct {
	Passed             bool   `json:"passed"`
	Triggered          []Rule `json:"triggered"`
	RequiresApproval   bool   `json:"requires_approval"`
	EscalationRequired bool   `json:"escalation_required"`
	Blocked            bool   `json:"blocked"`
	ApprovalLevel      string `json:"approval_level,omitempty"`
}

// ParseDocument extracts rules from a policy document. Accepts either a
// JSON object with a "rules" array or a bare JSON array. Non-JSON
// documents yield no rules (free-text policy goes to the model verbatim).
func ParseDocument(doc string) []Rule {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil
	}
	var wrapper struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal([]byte(doc), &wrapper); err == nil && len(wrapper.Rules) > 0 {
		return normalize(wrapper.Rules)
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(doc), &rules); err == nil && len(rules) > 0 {
		return normalize(rules)
	}
	return nil
}

// ParseContext extracts the evaluation context object from a structured
// policy document, nil when the document carries none.
func ParseContext(doc string) map[string]any {
	var wrapper struct {
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal([]byte(doc), &wrapper); err != nil {
		return nil
	}
	return wrapper.Context
}

// EvaluateDocument parses and evaluates a policy document in one step.
// Structured documents yield a deterministic verdict plus its rendered
// section; free-text documents yield no verdict and a verbatim POLICY
// block for the model to weigh itself.
func (e *Evaluator) EvaluateDocument(doc string) (*Result, string) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil, ""
	}
	rules := ParseDocument(doc)
	if len(rules) == 0 {
		return nil, "\nPOLICY:\n" + doc + "\n"
	}
	res := e.Evaluate(rules, ParseContext(doc))
	return &res, res.Section()
}

func normalize(rules []Rule) []Rule {
	out := rules[:0]
	for i, r := range rules {
		if r.Condition == "" {
			continue
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if r.Action == "" {
			r.Action = ActionRequireApproval
		}
		out = append(out, r)
	}
	return out
}

// Evaluate checks every rule condition against the context. A rule whose
// condition errors or references missing fields does not trigger; the
// result passes only when no rule triggered.
func (e *Evaluator) Evaluate(rules []Rule, ctx map[string]any) Result {
	res := Result{Passed: true}
	for _, rule := range rules {
		if !e.conditionHolds(rule.Condition, ctx) {
			continue
		}
		res.Triggered = append(res.Triggered, rule)
		res.Passed = false
		switch rule.Action {
		case ActionEscalate:
			res.EscalationRequired = true
		case ActionBlock:
			res.Blocked = true
			res.EscalationRequired = true
		default:
			res.RequiresApproval = true
		}
		if rule.ApprovalLevel != "" {
			res.ApprovalLevel = higherLevel(res.ApprovalLevel, rule.ApprovalLevel)
		}
	}
	return res
}

func higherLevel(a, b string) string {
	ra, rb := levelRank(a), levelRank(b)
	if rb > ra {
		return b
	}
	if a == "" {
		return b
	}
	return a
}

func levelRank(level string) int {
	for i, l := range levelPriority {
		if l == level {
			return i
		}
	}
	return -1
}

// Section renders the deterministic verdict block injected into the
// system prompt.
func (r Result) Section() string {
	var b strings.Builder
	b.WriteString("\n## POLICY ENFORCEMENT RESULT (deterministic — do not override)\n")
	if r.Passed {
		b.WriteString("Status: PASSED — no policy rules triggered.\n")
		return b.String()
	}
	b.WriteString("Status: TRIGGERED\n")
	for _, rule := range r.Triggered {
		b.WriteString(fmt.Sprintf("- %s: %s → %s", rule.ID, rule.Condition, rule.Action))
		if rule.ApprovalLevel != "" {
			b.WriteString(" (" + rule.ApprovalLevel + ")")
		}
		b.WriteString("\n")
	}
	if r.Blocked {
		b.WriteString("The requested action is BLOCKED by policy. Do not execute it.\n")
	}
	if r.EscalationRequired {
		b.WriteString("Escalation is REQUIRED before proceeding.\n")
	}
	if r.RequiresApproval {
		level := r.ApprovalLevel
		if level == "" {
			level = "manager"
		}
		b.WriteString("Human approval is REQUIRED (" + level + ") before any mutation.\n")
	}
	return b.String()
}

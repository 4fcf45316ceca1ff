package fsm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// A single fast-model call semantically classifies the task instead of
// relying on surface keywords. Accurate routing means the right state
// template and the right per-state instructions. Keyword detection
// remains the fallback when the model is unavailable or slow.

const (
	classifierTimeout = 2 * time.Second
	classifierTextCap = 500
)

const classifierSystem = `You are a business process classifier. Given a task description, output the single best process type.

Process types and when to use them:
- expense_approval: employee expense claims, reimbursements, spend approvals
- procurement: vendor purchases, POs, supplier contracts, RFPs
- hr_offboarding: employee exit, access revocation, termination processing
- incident_response: service outages, P1/P2 incidents, production issues
- invoice_reconciliation: AP invoice matching, 3-way match, payment approval
- customer_onboarding: new client setup, account provisioning, welcome workflows
- compliance_audit: SOX/GDPR/PCI audits, regulatory reviews, control testing
- dispute_resolution: billing disputes, chargebacks, customer complaints
- order_management: sales orders, fulfillment, shipping, inventory
- sla_breach: SLA violations, uptime breaches, penalty credits
- month_end_close: period close, P&L finalization, accounting close
- ar_collections: overdue invoices, payment reminders, collections
- subscription_migration: plan changes, upgrades, downgrades, cancellations
- payroll: salary processing, pay runs, payroll adjustments
- general: anything that doesn't clearly fit the above

Respond with JSON only: {"process_type": "<type>", "confidence": 0.0-1.0, "reasoning": "<one sentence>"}`

// Classifier routes tasks to process types via the fast model.
type Classifier struct {
	client llm.Client
}

func NewClassifier(client llm.Client) *Classifier {
	return &Classifier{client: client}
}

// Classify returns (processType, confidence). Unknown types coming back
// from the model are trusted: a novel type routes to dynamic definition
// synthesis rather than being forced into a built-in bucket. Any error
// or timeout falls back to keyword detection at 0.5 confidence.
func (c *Classifier) Classify(ctx context.Context, taskText string) (string, float64) {
	if c.client == nil {
		return DetectProcessType(taskText), 0.5
	}
	if len(taskText) > classifierTextCap {
		taskText = taskText[:classifierTextCap]
	}

	cctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()
	resp, err := c.client.Chat(cctx, []llm.Message{{Role: "user", Content: taskText}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    classifierSystem,
		MaxTokens: 120,
	})
	if err != nil {
		return DetectProcessType(taskText), 0.5
	}

	clean := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(clean, "```") {
		clean = strings.TrimPrefix(clean, "```json")
		clean = strings.TrimPrefix(clean, "```")
		clean = strings.TrimSuffix(strings.TrimSpace(clean), "```")
		clean = strings.TrimSpace(clean)
	}

	var parsed struct {
		ProcessType string  `json:"process_type"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return DetectProcessType(taskText), 0.5
	}
	if parsed.ProcessType == "" {
		return DetectProcessType(taskText), 0.4
	}
	conf := parsed.Confidence
	if conf == 0 {
		conf = 0.7
	}
	return parsed.ProcessType, conf
}

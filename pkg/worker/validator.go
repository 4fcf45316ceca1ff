package worker

import (
	"regexp"
	"strings"
)

// Output validation is pure string matching, zero model cost. Each
// process type expects certain output signals; missing ones are fed to
// a targeted improvement pass instead of failing the task.

type requiredField struct {
	name     string
	patterns []string // regexes or plain substrings, matched lowercase
}

var requiredOutputs = map[string][]requiredField{
	"expense_approval": {
		{"decision", []string{"approved", "rejected", "denied", "approval"}},
		{"amount", []string{`\$[\d,]+`, `\d+\.\d{2}`, "amount"}},
		{"requester", []string{"requester", "employee", "submitted by", "claimed by"}},
		{"reason", []string{"reason", "because", "justification", "policy"}},
	},
	"invoice_reconciliation": {
		{"decision", []string{"approved", "rejected", "matched", "3-way match", "reconciled"}},
		{"amount", []string{`\$[\d,]+`, "amount", "total"}},
		{"vendor", []string{"vendor", "supplier", "from"}},
		{"variance", []string{"variance", "difference", "discrepancy", "match"}},
	},
	"procurement": {
		{"po_number", []string{"po", "purchase order", "po#", "order number"}},
		{"vendor", []string{"vendor", "supplier"}},
		{"amount", []string{`\$[\d,]+`, "amount", "total"}},
		{"approval", []string{"approved", "approval required", "pending approval"}},
	},
	"hr_offboarding": {
		{"access", []string{"access revoked", "deactivated", "suspended", "removed"}},
		{"systems", []string{"github", "slack", "jira", "okta", "aws", "systems", "accounts"}},
		{"equipment", []string{"equipment", "laptop", "hardware", "return"}},
	},
	"payroll": {
		{"gross", []string{"gross", "gross pay", "total gross"}},
		{"net", []string{"net", "net pay", "take-home"}},
		{"deductions", []string{"deductions", "tax", "withholding"}},
		{"headcount", []string{"employees", "headcount", "staff"}},
	},
	"sla_breach": {
		{"credit", []string{`\$[\d,]+`, "credit", "sla credit", "compensation"}},
		{"breach", []string{"breach", "violation", "downtime", "duration"}},
		{"customer", []string{"customer", "client", "account"}},
	},
	"month_end_close": {
		{"period", []string{"period", "month", "quarter", "closed", "locked"}},
		{"balance", []string{"balance", "trial balance", "p&l", "net"}},
		{"approval", []string{"approved", "signed off", "cfo", "controller"}},
	},
	"ar_collections": {
		{"amount", []string{`\$[\d,]+`, "overdue", "outstanding", "balance"}},
		{"action", []string{"email sent", "called", "notice", "payment plan", "collection"}},
		{"aging", []string{"30", "60", "90", "days", "aging"}},
	},
	"compliance_audit": {
		{"findings", []string{"finding", "findings", "issue", "non-compliance", "control"}},
		{"score", []string{"score", "compliant", "pass", "fail", "rating"}},
		{"actions", []string{"remediation", "action", "deadline", "owner"}},
	},
	"dispute_resolution": {
		{"decision", []string{"approved", "rejected", "partial", "resolved", "credit"}},
		{"amount", []string{`\$[\d,]+`, "credit amount", "refund"}},
		{"reason", []string{"reason", "because", "evidence", "determination"}},
	},
	"subscription_migration": {
		{"plan", []string{"plan", "tier", "subscription"}},
		{"billing", []string{`\$[\d,]+`, "charge", "refund", "credit", "billing"}},
		{"effective", []string{"effective", "date", "migration date", "starting"}},
	},
	"order_management": {
		{"order_id", []string{"order", "order#", "order number", "confirmation"}},
		{"total", []string{`\$[\d,]+`, "total", "amount charged"}},
		{"fulfillment", []string{"ship", "deliver", "fulfillment", "estimated"}},
	},
	"incident_response": {
		{"severity", []string{"p1", "p2", "p3", "sev", "severity", "critical"}},
		{"resolution", []string{"resolved", "mitigated", "fixed", "closed", "restored"}},
		{"impact", []string{"affected", "customers", "impact", "duration"}},
	},
	"customer_onboarding": {
		{"account_id", []string{"account", "id", "provisioned", "created"}},
		{"csm", []string{"csm", "success manager", "assigned", "owner"}},
		{"next_step", []string{"next", "kickoff", "milestone", "schedule"}},
	},
}

// universalRequired applies to every process type.
var universalRequired = []requiredField{
	{"summary", []string{"summary", "completed", "result", "outcome", "in summary", "to summarize"}},
}

// Validation reports field coverage of an answer.
type Validation struct {
	Valid    bool
	Coverage float64
	Present  []string
	Missing  []string
}

// ValidateOutput checks the answer for the process type's required
// output fields. Bracket answers skip validation: an improvement pass
// on an exact-match target would corrupt it.
func ValidateOutput(answer, processType string) Validation {
	if strings.HasPrefix(strings.TrimSpace(answer), "[") {
		return Validation{Valid: true, Coverage: 1.0}
	}

	lower := strings.ToLower(answer)
	required := append(append([]requiredField{}, requiredOutputs[processType]...), universalRequired...)

	v := Validation{}
	for _, field := range required {
		if fieldPresent(lower, field.patterns) {
			v.Present = append(v.Present, field.name)
		} else {
			v.Missing = append(v.Missing, field.name)
		}
	}
	v.Valid = len(v.Missing) == 0
	if total := len(required); total > 0 {
		v.Coverage = float64(len(v.Present)) / float64(total)
	} else {
		v.Coverage = 1.0
	}
	return v
}

func fieldPresent(lowerAnswer string, patterns []string) bool {
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil && strings.ContainsAny(p, `\[]{}()+*?`) {
			if re.MatchString(lowerAnswer) {
				return true
			}
			continue
		}
		if strings.Contains(lowerAnswer, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// MissingFieldsPrompt formats an improvement request for absent fields.
func MissingFieldsPrompt(missing []string, processType string) string {
	if len(missing) == 0 {
		return ""
	}
	return "Your " + titleCase(processType) + " answer is missing required fields: " +
		strings.Join(missing, ", ") + ". Add them now."
}

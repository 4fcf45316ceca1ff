package fsm

// Definition is the per-process data layer: what to do at each state,
// which connector prefixes matter, and the risk posture. The runner
// reads this and builds the phase prompt; process behavior is never
// hardcoded in the execution path.
//
// State instructions MUST NOT reference specific tool names. They
// describe WHAT data to gather or WHAT action to take, with phrasing
// like "using the read-only tools available for this workspace".
type Definition struct {
	States            []State          `json:"states,omitempty"`
	HITLRequired      bool             `json:"hitl_required"`
	RiskLevel         string           `json:"risk_level"`
	ConnectorHints    []string         `json:"connector_hints"`
	StateInstructions map[State]string `json:"state_instructions"`
	Synthesized       bool             `json:"synthesized,omitempty"`
	Fallback          bool             `json:"fallback,omitempty"`
}

// GetDefinition returns the built-in process definition, falling back
// to the general definition for unknown types.
func GetDefinition(processType string) Definition {
	if def, ok := builtinDefinitions[processType]; ok {
		return def
	}
	return builtinDefinitions["general"]
}

// IsKnownType reports whether a built-in definition exists, meaning no
// runtime synthesis is needed.
func IsKnownType(processType string) bool {
	_, ok := builtinDefinitions[processType]
	return ok
}

// StateInstruction returns the per-state instruction for a process.
func StateInstruction(processType string, state State) string {
	return GetDefinition(processType).StateInstructions[state]
}

// ConnectorHints returns the tool name prefixes relevant to a process.
func ConnectorHints(processType string) []string {
	return GetDefinition(processType).ConnectorHints
}

var builtinDefinitions = map[string]Definition{

	// Financial processes.

	"expense_approval": {
		HITLRequired:   true,
		RiskLevel:      "medium",
		ConnectorHints: []string{"expense", "finance", "slack", "email", "hr"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: requester name, expense amount, category, date, " +
				"receipt status, department, cost center, and business justification. " +
				"Flag if any information is missing — clarify before proceeding.",
			StateAssess: "Using the read-only tools available for this workspace, gather: " +
				"the requester's remaining expense budget, their approval limit, " +
				"the department policy document, and any prior reimbursements this period. " +
				"Look up the requester's profile, their budget balance, and their expense history.",
			StateCompute: "Calculate: total claim amount (itemized), tax-deductible portion, " +
				"policy threshold comparison (is amount within limit?), " +
				"and year-to-date spend for this requester.",
			StatePolicyCheck: "Verify: amount is within the requester's single-transaction limit, " +
				"category is in the approved list, receipt is attached if required, " +
				"and submission is within the 30-day window. Flag any violation.",
			StateApprovalGate: "Approval required. Present: requester, amount, category, " +
				"policy compliance status, computed totals. " +
				"If amount exceeds $500: manager approval required. " +
				"If amount exceeds $5,000: VP approval required. " +
				"Do NOT call any create or update tools — wait for approval.",
			StateMutate: "Approval received. Using the write tools available for this workspace, execute: " +
				"record the approved expense, mark it as approved, " +
				"update the budget allocation, and initiate reimbursement. " +
				"Log each action taken.",
			StateComplete: "Summarize: total approved, reimbursement timeline, " +
				"updated budget balance.",
		},
	},

	"invoice_reconciliation": {
		HITLRequired:   false,
		RiskLevel:      "medium",
		ConnectorHints: []string{"invoice", "vendor", "finance", "erp", "accounting"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: invoice number, vendor, amount, PO number, " +
				"due date, line items. Extract all fields before proceeding.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the matching purchase order, the goods receipt record, " +
				"vendor payment terms, and any prior invoices from this vendor. " +
				"Look up the PO by number, the receipt by PO or delivery reference, " +
				"and vendor terms from the vendor or contract record.",
			StateCompute: "Calculate: invoice-to-PO variance (must be less than 2% or less than $500 per policy), " +
				"early payment discount if applicable, " +
				"and late payment penalty if the invoice is past due. " +
				"Use 6-decimal precision for boundary variance cases.",
			StatePolicyCheck: "Verify: 3-way match passes (invoice matches PO matches goods receipt), " +
				"amount variance is within tolerance, " +
				"vendor is on the approved list, and payment terms match the contract.",
			StateMutate: "3-way match passed. Using the write tools available for this workspace, execute: " +
				"approve the invoice, schedule payment per vendor terms, " +
				"and update the accounts payable ledger.",
			StateComplete: "Summarize: invoice approved or rejected, payment date, " +
				"variance amount if any, and AP balance impact.",
		},
	},

	"month_end_close": {
		HITLRequired:   true,
		RiskLevel:      "high",
		ConnectorHints: []string{"accounting", "erp", "finance", "ledger"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: close period (month and year), entities in scope, " +
				"checklist items including: accruals, reconciliations, journal entries, " +
				"and intercompany eliminations.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve all open items " +
				"per the close checklist: unapproved journal entries, unreconciled accounts, " +
				"pending accruals, and intercompany imbalances. " +
				"Look up each category of open item separately.",
			StateCompute: "Calculate: P&L by department, balance sheet movements, " +
				"tax provision estimates, and revenue recognition adjustments. " +
				"Apply straight-line depreciation for any new assets added this period.",
			StatePolicyCheck: "Verify: all reconciliations are signed off, no unexplained variances exceed $1,000, " +
				"management review is complete, and an audit trail exists for all adjustments.",
			StateApprovalGate: "CFO sign-off required before period lock. " +
				"Present: P&L summary, balance sheet, open items count, " +
				"and material variances requiring explanation.",
			StateMutate: "CFO approved. Using the write tools available for this workspace, execute: " +
				"lock the accounting period, post final journal entries, " +
				"and generate the trial balance.",
			StateComplete: "Period closed. Output: final trial balance hash, " +
				"close timestamp, approver name, and open items deferred to next period.",
		},
	},

	"ar_collections": {
		HITLRequired:   false,
		RiskLevel:      "medium",
		ConnectorHints: []string{"crm", "email", "finance", "billing"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: customer, overdue amount, aging bucket (30/60/90+ days), " +
				"invoice numbers, last payment date, and the assigned collector.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the customer's full payment history, credit limit, current outstanding balance, " +
				"any open disputes, and the billing contact information. " +
				"Look up the customer account record, payment records, and any open invoices.",
			StateCompute: "Calculate: total overdue amount broken down by aging bucket, " +
				"applicable interest or late fees per contract terms, " +
				"and a collectability score based on days overdue and invoice count.",
			StatePolicyCheck: "Determine the appropriate collection action by aging tier: " +
				"30-day bucket: send a courtesy reminder, " +
				"60-day bucket: send a formal notice, " +
				"90-day and beyond: escalate to a collections agency or legal team.",
			StateMutate: "Using the write tools available for this workspace, send the appropriate " +
				"communication per the policy tier. " +
				"If a payment plan is agreed upon: create an installment schedule. " +
				"If writing off the debt: create a bad debt record.",
			StateScheduleNotify: "Schedule: next follow-up reminder, " +
				"payment plan due date alerts, " +
				"and an escalation trigger if no response is received within 5 days.",
			StateComplete: "Summarize: action taken, amounts outstanding, " +
				"next follow-up date, and predicted resolution.",
		},
	},

	"payroll": {
		HITLRequired:   true,
		RiskLevel:      "high",
		ConnectorHints: []string{"hr", "payroll", "finance", "bank"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: pay period, full employee list, pay types " +
				"(regular hours, overtime, commission, bonus), " +
				"and any off-cycle adjustments for this period.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve for each employee: " +
				"hours worked, approved overtime, tax withholding settings, " +
				"benefit deductions, garnishments, and year-to-date figures. " +
				"Look up timesheets, HR records, and payroll configuration.",
			StateCompute: "Calculate for each employee: gross pay (regular hours times rate, plus overtime at 1.5x), " +
				"all statutory deductions (federal and state tax, FICA), " +
				"voluntary deductions (401k, health insurance), and net pay. " +
				"Apply loan amortization for any pay advances on record.",
			StatePolicyCheck: "Verify: total payroll is within the approved budget, " +
				"no duplicate entries exist, all garnishments are applied, " +
				"and overtime is manager-approved for each employee.",
			StateApprovalGate: "Payroll director approval required before disbursement. " +
				"Present: total gross pay, total deductions, total net pay, " +
				"headcount, and any anomalies compared to the prior period.",
			StateMutate: "Approved. Using the write tools available for this workspace, execute: " +
				"submit the payroll file to the bank (ACH or BACS), " +
				"update year-to-date accumulators for each employee, " +
				"and record the payroll journal entry in accounting.",
			StateScheduleNotify: "Notify employees that pay stubs are available. " +
				"Send the payroll summary to the finance team. " +
				"Schedule the next pay run.",
			StateComplete: "Payroll run complete. Output: total amount disbursed, " +
				"headcount paid, and next scheduled run date.",
		},
	},

	// Procurement / vendor.

	"procurement": {
		HITLRequired:   true,
		RiskLevel:      "medium",
		ConnectorHints: []string{"vendor", "finance", "jira", "slack", "erp"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: item or service requested, quantity, estimated cost, " +
				"department, requester name, budget code, and business justification. " +
				"Ask if any field is missing before proceeding.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the vendor's profile (are they approved?), the department's remaining budget, " +
				"any existing contracts with this vendor, and prior purchases this quarter. " +
				"Look up the vendor record, the budget balance, and any active contracts.",
			StateCompute: "Calculate: total purchase order value (unit price times quantity, plus tax and shipping), " +
				"budget impact (percentage of budget remaining after this purchase), " +
				"and 3-year total cost of ownership if this is a multi-year commitment.",
			StatePolicyCheck: "Verify: the vendor is on the approved list, the amount is within the requester's " +
				"purchase authority, the budget is available, and there are no conflict-of-interest flags.",
			StateApprovalGate: "Purchase authority thresholds: under $5,000 requires manager approval; " +
				"$5,000 to $50,000 requires VP approval; above $50,000 requires CFO approval. " +
				"Present: vendor name, line items, computed total, budget impact, and policy status.",
			StateMutate: "Approved. Using the write tools available for this workspace, execute: " +
				"create the purchase order in the system, commit the budget, " +
				"send the PO to the vendor, and create a tracking ticket.",
			StateScheduleNotify: "Notify the requester of the PO number. " +
				"Set a delivery reminder. " +
				"Alert the finance team of the budget commitment.",
			StateComplete: "Purchase order created. Output: PO number, vendor name, amount, " +
				"expected delivery date, and remaining budget.",
		},
	},

	// HR processes.

	"hr_offboarding": {
		HITLRequired:   false,
		RiskLevel:      "high",
		ConnectorHints: []string{"hr", "okta", "jira", "slack", "github", "email"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: employee name, employee ID, last day of work, " +
				"department, manager, equipment assigned, " +
				"systems with active access, and any ongoing projects.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the full list of system access (SSO, code repositories, project management, " +
				"messaging platforms, cloud infrastructure), equipment checklist, " +
				"pending paid time off balance, and open tasks or projects assigned to this employee. " +
				"Look up the employee's access records and asset inventory.",
			StatePolicyCheck: "Verify access revocation timing policy: " +
				"for terminations access must be revoked immediately; " +
				"for voluntary resignations access expires on the last working day. " +
				"Confirm the equipment return policy and that an IP and NDA acknowledgment is on file.",
			StateMutate: "Using the write tools available for this workspace, execute in order: " +
				"1. Suspend the primary SSO account, " +
				"2. Revoke all individual system access (code repositories, cloud, project tools, messaging), " +
				"3. Transfer owned resources to the employee's manager, " +
				"4. Process the final PTO payout. " +
				"Log each revocation action with a timestamp.",
			StateScheduleNotify: "Send: equipment return instructions to the departing employee, " +
				"a handover summary to the manager, " +
				"an IT ticket for laptop and hardware retrieval, " +
				"and a notification that the HR closure checklist is complete.",
			StateComplete: "Offboarding complete. Output: list of access revoked, " +
				"equipment return status, final pay details, and handover status.",
		},
	},

	// Customer / SLA processes.

	"sla_breach": {
		HITLRequired:   false,
		RiskLevel:      "high",
		ConnectorHints: []string{"monitoring", "crm", "email", "jira", "pagerduty"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: affected service, customer name, breach type " +
				"(uptime, response time, or resolution time), " +
				"breach start time, and current status.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the SLA contract terms for this customer, actual uptime and response metrics, " +
				"the customer's tier, the credit calculation formula, " +
				"and any breach history for this customer this quarter. " +
				"Look up the customer account and their SLA agreement.",
			StateCompute: "Calculate: total breach duration, credit amount per the SLA contract formula, " +
				"and cumulative breach penalties issued this quarter. " +
				"Apply the credit formula precisely using the breach duration.",
			StatePolicyCheck: "Verify: the credit amount is within the auto-approve limit, " +
				"there is no active dispute from this customer, " +
				"and the customer's account is current on payments. " +
				"Escalate to the account manager if the credit amount exceeds $10,000, " +
				"the customer is classified as strategic, " +
				"or this is the third or more breach this quarter.",
			StateScheduleNotify: "Send: a breach acknowledgment to the customer including the credit amount, " +
				"an incident report to the account manager, " +
				"and an internal alert to the engineering team for root cause analysis.",
			StateComplete: "Summarize: breach duration, credit amount issued, " +
				"notifications sent, and whether account manager escalation was triggered.",
		},
	},

	"customer_onboarding": {
		HITLRequired:   false,
		RiskLevel:      "low",
		ConnectorHints: []string{"crm", "email", "billing", "provisioning"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: customer name, plan selected, billing contact, " +
				"technical contact, required integrations, and target go-live date.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the customer's account record, the signed contract, the payment method on file, " +
				"and the onboarding checklist template for this plan tier. " +
				"Look up the account and contract details.",
			StateMutate: "Using the write tools available for this workspace, execute: " +
				"provision the customer account, set the billing plan, " +
				"create the welcome email sequence, assign a customer success manager, " +
				"and create the onboarding project epic.",
			StateScheduleNotify: "Send: a welcome email with login credentials, " +
				"a kickoff meeting invitation, " +
				"and schedule 30-day, 60-day, and 90-day check-in reminders.",
			StateComplete: "Onboarding initiated. Output: account ID, " +
				"customer success manager assigned, kickoff date, and next milestone.",
		},
	},

	"dispute_resolution": {
		HITLRequired:   true,
		RiskLevel:      "medium",
		ConnectorHints: []string{"crm", "billing", "email", "finance"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: customer name, disputed amount, affected invoice numbers, " +
				"dispute reason, date filed, and any supporting evidence provided.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"the original invoice, the customer's payment history, " +
				"service delivery records for the disputed period, contract terms, " +
				"and any prior disputes from this customer. " +
				"Look up the invoice and customer account records.",
			StatePolicyCheck: "Assess the claim's validity: is it substantiated by evidence? " +
				"Was it filed within the dispute window (typically 60 days)? " +
				"What resolution options are permitted under the contract terms?",
			StateApprovalGate: "Resolution requires approval if the credit amount exceeds $1,000. " +
				"Present: claim summary, evidence assessment, " +
				"proposed resolution, and financial impact.",
			StateMutate: "Using the write tools available for this workspace, execute the resolution: " +
				"issue a credit memo, adjust the invoice, or decline with a written explanation. " +
				"Document the decision with references to supporting evidence.",
			StateComplete: "Dispute resolved. Output: outcome (approved, partial, or declined), " +
				"credit amount if any, and confirmation that customer notification was sent.",
		},
	},

	"order_management": {
		HITLRequired:   false,
		RiskLevel:      "low",
		ConnectorHints: []string{"erp", "inventory", "shipping", "crm"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: order number, customer name, line items, " +
				"quantities, pricing, shipping address, " +
				"and requested delivery date.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"inventory levels for each line item, current pricing from the price book, " +
				"the customer's credit status, and any backorder alerts. " +
				"Look up inventory records and the customer account.",
			StateCompute: "Calculate: order total (unit price times quantity for each line), " +
				"shipping cost based on weight and destination zone, " +
				"tax by jurisdiction, and any applicable discount " +
				"(volume discount or contract pricing).",
			StateApprovalGate: "Approval required if: order total exceeds $10,000, " +
				"the customer is on a credit hold, or any items are on allocation. " +
				"Present the full order summary with computed totals.",
			StateMutate: "Order confirmed. Using the write tools available for this workspace, execute: " +
				"reserve the inventory, create the fulfillment request, " +
				"charge the payment method, and generate the order confirmation.",
			StateComplete: "Order placed. Output: order number, " +
				"items reserved, estimated ship date, and total amount charged.",
		},
	},

	"compliance_audit": {
		HITLRequired:   true,
		RiskLevel:      "high",
		ConnectorHints: []string{"grc", "audit", "finance", "hr", "security"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: audit scope (SOX, GDPR, PCI, ISO, or other), " +
				"audit period, entities in scope, " +
				"auditor type (internal or external), and key controls to test.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"control documentation, prior audit findings, " +
				"evidence samples for each control under review, " +
				"and open remediation items from the last audit. " +
				"Look up each control and its associated evidence records.",
			StateCompute: "Score: control effectiveness based on evidence quality, " +
				"risk rating for each finding (critical, high, medium, or low), " +
				"and calculate the overall compliance score.",
			StatePolicyCheck: "Flag: any critical or high severity findings, " +
				"repeat findings from the prior audit (indicates a systemic issue), " +
				"and any controls with no evidence present (automatic fail).",
			StateApprovalGate: "Audit report requires sign-off before distribution. " +
				"Present: findings count by severity, overall compliance score, " +
				"and critical items requiring immediate action.",
			StateMutate: "Using the write tools available for this workspace, finalize: " +
				"publish the audit report, create remediation tasks for each finding, " +
				"and set remediation deadlines based on severity level.",
			StateScheduleNotify: "Notify: control owners of their specific findings, " +
				"management of all critical items, " +
				"and schedule a 30-day remediation check-in.",
			StateComplete: "Audit complete. Output: findings summary by severity, " +
				"compliance score, critical action items, and report location.",
		},
	},

	"incident_response": {
		HITLRequired:   true,
		RiskLevel:      "high",
		ConnectorHints: []string{"pagerduty", "jira", "slack", "monitoring", "aws"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: severity level (P1, P2, or P3), affected systems and services, " +
				"impacted customers, symptom description, " +
				"first reported time, and current status.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"system health metrics, recent deployments in the affected area, " +
				"similar past incidents, the on-call engineer contact, " +
				"and the count of affected customers. " +
				"Look up monitoring dashboards and the incident history.",
			StateCompute: "Calculate: total customer impact (number affected multiplied by SLA tier weight), " +
				"estimated revenue at risk per hour of downtime, " +
				"and SLA credit exposure if a breach occurs.",
			StateApprovalGate: "P1 incidents require VP of Engineering approval of the communications plan. " +
				"Present: impact scope, available mitigation options, " +
				"and a draft customer communication.",
			StateMutate: "Using the write tools available for this workspace, execute mitigation: " +
				"initiate rollback or hotfix procedures, scale affected resources, " +
				"enable circuit breakers as needed. " +
				"Update the incident ticket with each action taken and its outcome.",
			StateScheduleNotify: "Send: status page update for affected customers, " +
				"direct customer notifications per SLA requirements, " +
				"and an internal incident bridge message. " +
				"Schedule the post-mortem for the next business day.",
			StateComplete: "Incident resolved. Output: root cause, resolution steps taken, " +
				"total duration, customer impact summary, " +
				"and scheduled post-mortem date.",
		},
	},

	"subscription_migration": {
		HITLRequired:   true,
		RiskLevel:      "high",
		ConnectorHints: []string{"billing", "crm", "email", "provisioning"},
		StateInstructions: map[State]string{
			StateDecompose: "Identify: customer name, current plan, target plan, " +
				"migration date, reason for change (upgrade, downgrade, or cancellation), " +
				"and whether billing cycle alignment is needed.",
			StateAssess: "Using the read-only tools available for this workspace, retrieve: " +
				"current subscription details, usage metrics for the current plan, " +
				"full billing history, contract terms (including early termination fees), " +
				"and the feature differences between current and target plans. " +
				"Look up the subscription record and contract.",
			StateCompute: "Calculate: prorated credit for remaining days on the current plan, " +
				"new plan cost going forward, early termination fee if applicable, " +
				"and the net charge or refund at time of migration.",
			StatePolicyCheck: "Verify: the customer is eligible for the target plan, " +
				"there is no outstanding balance on the account, " +
				"and whether the downgrade requires data deletion or data migration.",
			StateApprovalGate: "For data-destructive downgrades, a 5-step explicit confirmation is required: " +
				"1. Customer confirms the plan change, " +
				"2. Customer confirms awareness of feature loss, " +
				"3. Customer confirms the scope of data deletion, " +
				"4. Customer confirms the billing change amount, " +
				"5. Customer gives final irreversible execution confirmation.",
			StateMutate: "All confirmations received. Using the write tools available for this workspace, execute: " +
				"update the subscription record, apply the proration credit, " +
				"process the charge or refund for the delta, " +
				"and provision or deprovision features as required.",
			StateComplete: "Migration complete. Output: new plan name, " +
				"billing change amount, effective date, and list of features changed.",
		},
	},

	// Fallback.

	"general": {
		HITLRequired:   false,
		RiskLevel:      "low",
		ConnectorHints: []string{},
		StateInstructions: map[State]string{
			StateDecompose: "Break the task into sub-tasks. Identify all entities, " +
				"IDs, amounts, and parties involved. " +
				"List what data you need to collect before taking any action.",
			StateAssess: "Using the read-only tools available for this workspace, collect all required data. " +
				"Do NOT take any write actions yet. " +
				"Retrieve records, check statuses, and look up documents.",
			StateCompute: "Run any required calculations using the data already collected. " +
				"Do not call additional tools at this stage — work with data already fetched.",
			StatePolicyCheck: "Verify all rules, thresholds, and constraints " +
				"before executing any changes.",
			StateApprovalGate: "Present the proposed actions for approval. " +
				"List exactly what will change and the business justification for each change.",
			StateMutate: "Using the write tools available for this workspace, execute all required changes. " +
				"Log each action with its outcome.",
			StateScheduleNotify: "Send all relevant notifications and schedule follow-up actions.",
			StateComplete:       "Summarize all completed actions and their outcomes.",
		},
	},
}

package finance

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

// ToolPrefix marks tools that dispatch locally instead of over the wire.
const ToolPrefix = "finance_"

// IsFinanceTool reports whether a tool name runs on the local calculator.
func IsFinanceTool(name string) bool {
	return strings.HasPrefix(name, ToolPrefix)
}

// ToolDefinitions returns the calculator surface in model tool format.
// The model calls these like any remote tool; the executor intercepts the
// prefix and dispatches here, integer-cent precision, zero network cost.
func ToolDefinitions() []llm.ToolDefinition {
	num := func(desc string) map[string]any {
		return map[string]any{"type": "number", "description": desc}
	}
	return []llm.ToolDefinition{
		{
			Name:        "finance_variance_check",
			Description: "Check invoice vs PO variance. Returns whether variance exceeds threshold and the exact percentage.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"invoiced":      num("Invoice amount in dollars"),
					"po_amount":     num("Purchase order amount in dollars"),
					"threshold_pct": num("Variance threshold percentage, e.g. 5 for 5%"),
				},
				"required": []string{"invoiced", "po_amount", "threshold_pct"},
			},
		},
		{
			Name:        "finance_prorated_amount",
			Description: "Calculate prorated remaining value for partial period usage.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"total":      num("Total contract/subscription value in dollars"),
					"days_used":  num("Number of days already used"),
					"total_days": num("Total days in the full period"),
				},
				"required": []string{"total", "days_used", "total_days"},
			},
		},
		{
			Name:        "finance_sla_credit",
			Description: "Compute SLA credit from downtime minutes and contract value.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"contract_value":      num("Monthly contract value in dollars"),
					"downtime_minutes":    num("Total downtime in minutes"),
					"sla_target_pct":      num("SLA uptime target, e.g. 99.9"),
					"credit_pct_per_hour": num("Credit percentage per hour of downtime"),
					"max_credit_pct":      num("Maximum credit as % of contract value (default 30)"),
				},
				"required": []string{"contract_value", "downtime_minutes", "sla_target_pct", "credit_pct_per_hour"},
			},
		},
		{
			Name:        "finance_early_termination",
			Description: "Calculate net refund after early termination fee deduction.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"remaining_value": num("Remaining contract value in dollars"),
					"fee_pct":         num("Early termination fee percentage"),
				},
				"required": []string{"remaining_value", "fee_pct"},
			},
		},
		{
			Name:        "finance_loan_amortization",
			Description: "Generate a loan amortization schedule with monthly payment breakdown.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"principal":       num("Loan principal in dollars"),
					"annual_rate_pct": num("Annual interest rate percentage, e.g. 6.5"),
					"months":          num("Loan term in months"),
				},
				"required": []string{"principal", "annual_rate_pct", "months"},
			},
		},
		{
			Name:        "finance_revenue_recognition",
			Description: "Calculate recognized and deferred revenue for a contract period.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"contract_value":  num("Total contract value in dollars"),
					"contract_months": num("Total contract duration in months"),
					"periods_elapsed": num("Months elapsed so far"),
				},
				"required": []string{"contract_value", "contract_months", "periods_elapsed"},
			},
		},
		{
			Name:        "finance_depreciation",
			Description: "Calculate straight-line monthly depreciation for an asset.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cost":               num("Asset cost in dollars"),
					"salvage":            num("Salvage value in dollars"),
					"useful_life_months": num("Useful life in months"),
				},
				"required": []string{"cost", "salvage", "useful_life_months"},
			},
		},
	}
}

// ToolKinds classifies every local calculator as a computation. The
// finance_ prefix matches no read rule, so without these seeds the gate
// would fail closed and withhold pure arithmetic.
func ToolKinds() map[string]string {
	defs := ToolDefinitions()
	kinds := make(map[string]string, len(defs))
	for _, d := range defs {
		kinds[d.Name] = "compute"
	}
	return kinds
}

// CallTool routes a finance_* tool call to the calculator. The result map
// mirrors remote tool responses so the executor treats both uniformly.
func CallTool(name string, params map[string]any) map[string]any {
	fail := func(err error) map[string]any {
		return map[string]any{"error": fmt.Sprintf("finance tool %s: %v", name, err)}
	}

	switch name {
	case "finance_variance_check":
		res, err := VarianceCheck(f(params, "invoiced"), f(params, "po_amount"), f(params, "threshold_pct"))
		if err != nil {
			return fail(err)
		}
		return map[string]any{"result": res, "precision": "integer_cents"}

	case "finance_prorated_amount":
		amount, err := ProratedAmount(f(params, "total"), i(params, "days_used"), i(params, "total_days"))
		if err != nil {
			return fail(err)
		}
		return map[string]any{"prorated_amount": amount, "currency": "USD", "precision": "integer_cents"}

	case "finance_sla_credit":
		maxPct := f(params, "max_credit_pct")
		if maxPct == 0 {
			maxPct = 30
		}
		credit, err := SLACredit(
			f(params, "contract_value"), f(params, "downtime_minutes"),
			f(params, "sla_target_pct"), f(params, "credit_pct_per_hour"), maxPct)
		if err != nil {
			return fail(err)
		}
		return map[string]any{"sla_credit": credit, "currency": "USD", "precision": "integer_cents"}

	case "finance_early_termination":
		net, err := EarlyTerminationNet(f(params, "remaining_value"), f(params, "fee_pct"))
		if err != nil {
			return fail(err)
		}
		return map[string]any{"net_refund": net, "currency": "USD", "precision": "integer_cents"}

	case "finance_loan_amortization":
		schedule, err := AmortizeLoan(f(params, "principal"), f(params, "annual_rate_pct"), i(params, "months"))
		if err != nil {
			return fail(err)
		}
		firstThree := schedule
		if len(firstThree) > 3 {
			firstThree = firstThree[:3]
		}
		return map[string]any{
			"summary":          SummarizePlan(schedule),
			"first_3_payments": firstThree,
			"precision":        "integer_cents",
		}

	case "finance_revenue_recognition":
		res, err := RecognizeRevenue(f(params, "contract_value"), i(params, "contract_months"), i(params, "periods_elapsed"))
		if err != nil {
			return fail(err)
		}
		return map[string]any{"result": res, "precision": "integer_cents"}

	case "finance_depreciation":
		monthly, err := StraightLineDepreciation(f(params, "cost"), f(params, "salvage"), i(params, "useful_life_months"))
		if err != nil {
			return fail(err)
		}
		return map[string]any{"monthly_depreciation": monthly, "currency": "USD", "precision": "integer_cents"}
	}
	return map[string]any{"error": "unknown finance tool: " + name}
}

func f(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func i(params map[string]any, key string) int {
	return int(f(params, key))
}

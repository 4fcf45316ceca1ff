// Package synth detects computation gaps in a task — math no available
// tool can do — synthesizes a Go implementation with the fast model,
// validates it against generated test cases inside a restricted
// interpreter, and registers it persistently for all future tasks.
package synth

import (
	"regexp"
	"strings"
)

// Gap is one detected computation the task needs and no tool covers.
type Gap struct {
	Key         string
	Description string
}

type gapPattern struct {
	key         string
	patterns    []*regexp.Regexp
	description string
}

func res(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Keyword patterns mapped to gap keys. The description doubles as the
// synthesis brief: it names the function, the params, and the formula.
var gapPatterns = []gapPattern{
	{
		key: "finance_npv",
		patterns: res(`\bnpv\b`, `\bnet present value\b`, `\bdiscounted cash flow\b`,
			`\bpresent value of cash`, `\bpv of.*flows\b`),
		description: "Net Present Value: NPV = sum(cash_flow[t] / (1+rate)^t) - initial_investment. " +
			"Function name: finance_npv. " +
			"Params: cash_flows (list of numbers, first is usually negative investment), " +
			"discount_rate (annual rate as %, e.g. 10 for 10%).",
	},
	{
		key:      "finance_irr",
		patterns: res(`\birr\b`, `\binternal rate of return\b`),
		description: "Internal Rate of Return: rate that makes NPV = 0. " +
			"Function name: finance_irr. " +
			"Params: cash_flows (list of numbers, first negative = investment). " +
			"Use Newton-Raphson or bisection. Return rate as percentage.",
	},
	{
		key: "finance_bond_price",
		patterns: res(`\bbond price\b`, `\byield to maturity\b`, `\bytm\b`,
			`\bcoupon.*face value\b`, `\bface value.*coupon\b`, `\bbond valuation\b`),
		description: "Bond pricing: price = sum(coupon / (1+r)^t) + face_value / (1+r)^n. " +
			"Function name: finance_bond_price. " +
			"Params: face_value, coupon_rate (annual %), ytm (%), periods (int), " +
			"periods_per_year (int, default 2 for semiannual).",
	},
	{
		key: "finance_depreciation_methods",
		patterns: res(`\bstraight.line depreciation\b`, `\bsl depreciation\b`,
			`\bdepreciation schedule\b`, `\bdouble.declining\b`,
			`\bsum.of.years.digits\b`, `\bsoyd\b`, `\bddb\b`),
		description: "Asset depreciation schedule supporting straight-line (sl), " +
			"double-declining balance (ddb), and sum-of-years-digits (soyd). " +
			"Function name: finance_depreciation_methods. " +
			"Params: cost, salvage_value, useful_life (years), method ('sl'|'ddb'|'soyd'). " +
			"Return annual depreciation schedule.",
	},
	{
		key: "finance_wacc",
		patterns: res(`\bwacc\b`, `\bweighted average cost of capital\b`,
			`\bcost of equity\b`, `\bcost of debt\b`),
		description: "Weighted Average Cost of Capital: WACC = (E/V)*Re + (D/V)*Rd*(1-Tc). " +
			"Function name: finance_wacc. " +
			"Params: equity_value, debt_value, cost_of_equity (%), cost_of_debt (%), tax_rate (%).",
	},
	{
		key: "finance_compound_interest",
		patterns: res(`\bcompound interest\b`, `\beffective annual rate\b`,
			`\bear\b`, `\bapy\b`, `\bcompounding.*frequency\b`),
		description: "Compound interest: A = P * (1 + r/n)^(n*t). " +
			"Function name: finance_compound_interest. " +
			"Params: principal, annual_rate (%), years, compounds_per_year (int). " +
			"Return final amount, interest earned, and effective annual rate.",
	},
	{
		key: "finance_loan_amortization",
		patterns: res(`\bamortization\b`, `\bloan schedule\b`,
			`\bmonthly payment.*loan\b`, `\bmortgage.*schedule\b`,
			`\binstallment.*principal\b`),
		description: "Loan amortization schedule — seeded at startup, not re-synthesized.",
	},
	{
		key: "finance_monte_carlo",
		patterns: res(`\bmonte.?carlo\b`, `\bsimulat\w+ (paths?|scenario|run|trial)`,
			`\bstochastic\b`, `\brandom (walk|path|simulation)\b`,
			`\bvar\b.*\bsimulat\b`, `\bvalue.?at.?risk.*simulat\b`,
			`\b\d[\d,]+\s*(path|trial|iteration|run|sample)s?\b`),
		description: "Monte Carlo simulation for financial risk and pricing. " +
			"Function name: finance_monte_carlo. " +
			"Params: s0 (initial value), mu (annual drift as decimal), sigma (annual volatility " +
			"as decimal), t_years, n_paths (default 10000), n_steps (default 252). " +
			"Returns mean, std, var_95, var_99 and result (mean final value). Use " +
			"rand.New(rand.NewSource(42)) so runs are reproducible. " +
			"Step: S(t+dt) = S(t) * exp((mu - 0.5*sigma^2)*dt + sigma*sqrt(dt)*Z).",
	},
	{
		key: "finance_black_scholes",
		patterns: res(`\bblack.?scholes\b`, `\boption.?pric\w+\b`,
			`\bcall.?option\b`, `\bput.?option\b`, `\bgreeks\b`, `\bdelta\b.*\bgamma\b`,
			`\bimplied.?volatility\b`, `\bvega\b`, `\btheta\b`),
		description: "Black-Scholes option pricing with Greeks. " +
			"Function name: finance_black_scholes. " +
			"Params: s (spot), k (strike), t_years, r (risk-free rate as decimal), " +
			"sigma (volatility as decimal), option_type ('call'|'put'). " +
			"d1 = (ln(S/K) + (r + 0.5*sigma^2)*T) / (sigma*sqrt(T)), d2 = d1 - sigma*sqrt(T). " +
			"N(x) = 0.5*(1 + erf(x/sqrt(2))). Return option price plus d1, d2, delta, gamma, theta, vega, rho.",
	},
	{
		key: "finance_var",
		patterns: res(`\bvalue.?at.?risk\b`, `\bvar\b.*\b(confidence|percentile|portfolio)\b`,
			`\bportfolio.?risk\b`, `\bcvar\b`, `\bexpected.?shortfall\b`,
			`\brisk.?measure\b`, `\b(95|99)%\s*var\b`),
		description: "Portfolio Value at Risk (VaR) and Conditional VaR. " +
			"Function name: finance_var. " +
			"Params: returns (list of numbers), confidence_level (e.g. 0.95), " +
			"portfolio_value (default 1.0). Sort ascending, VaR = -returns[floor(n*(1-cl))] * value, " +
			"CVaR = -mean(returns below cutoff) * value.",
	},
	{
		key: "finance_newton_raphson",
		patterns: res(`\bnewton.?raphson\b`, `\bbisection method\b`,
			`\broot.?find\w+\b`, `\bnumerical.*irr\b`, `\bsolve for.*rate\b`, `\bfind.*yield\b`),
		description: "Newton-Raphson root finder for implicit rate/yield equations. " +
			"Function name: finance_newton_raphson. " +
			"Params: cash_flows, target_npv (default 0), initial_guess (default 0.1), " +
			"max_iter (default 100), tolerance (default 1e-6). " +
			"NPV(r) = sum(cf[t]/(1+r)^t), dNPV/dr = sum(-t*cf[t]/(1+r)^(t+1)). " +
			"Return rate as percentage plus iterations and convergence flag.",
	},
	{
		key: "hr_overtime",
		patterns: res(`\bovertime\b`, `\btime.and.a.half\b`, `\bflsa\b`,
			`\bot pay\b`, `\bovertime pay\b`, `\bovertime rate\b`,
			`\bdouble.time\b`, `\bovertime hours\b`),
		description: "Overtime pay calculation per FLSA rules. " +
			"Function name: hr_overtime. " +
			"Params: regular_hours, overtime_hours, hourly_rate, overtime_multiplier (default 1.5). " +
			"Return total pay plus regular_pay, overtime_pay, total_hours.",
	},
	{
		key: "hr_proration",
		patterns: res(`\bprorat\w+\b`, `\bprorated salary\b`, `\bpartial.period pay\b`,
			`\bmid.month\b`, `\bpartial month\b`, `\bpro.rata\b`,
			`\bdays worked.*salary\b`, `\bsalary.*partial\b`),
		description: "Prorated salary for partial pay periods. " +
			"Function name: hr_proration. " +
			"Params: annual_salary, working_days_in_period (int), total_working_days_in_period (int), " +
			"pay_frequency ('monthly'|'biweekly'|'weekly'). " +
			"Return prorated pay plus daily_rate, full_period_pay, days_fraction.",
	},
	{
		key: "hr_benefits_cost",
		patterns: res(`\bbenefits cost\b`, `\bemployer contribution\b`,
			`\btotal comp\w*\b`, `\bbenefits.*per employee\b`, `\bemployee benefits\b`,
			`\bbenefits burden\b`, `\bpayroll burden\b`, `\btotal compensation\b`),
		description: "Total compensation and benefits cost. " +
			"Function name: hr_benefits_cost. " +
			"Params: base_salary, health_insurance_monthly, retirement_match_pct, " +
			"other_benefits_annual (default 0). " +
			"Return total annual comp cost plus benefits_annual, retirement_contribution, burden_rate_pct.",
	},
	{
		key: "hr_headcount",
		patterns: res(`\bfte\b`, `\bfull.time equivalent\b`, `\bheadcount ratio\b`,
			`\battrition rate\b`, `\bturnover rate\b`, `\bheadcount\b`,
			`\bemployee count\b`, `\bstaff ratio\b`),
		description: "Headcount metrics: FTE, attrition rate, span of control. " +
			"Function name: hr_headcount. " +
			"Params: full_time_count (int), part_time_count (int, default 0), " +
			"part_time_hours_avg (default 20), separations_in_period (int, default 0), " +
			"avg_headcount_in_period (optional). " +
			"Return total FTE plus fte_part_time and annualized_attrition_rate_pct.",
	},
	{
		key: "ops_sla_credit",
		patterns: res(`\bsla credit\b`, `\bservice credit\b`, `\bsla.*penalty\b`,
			`\buptime.*sla\b`, `\bsla.*uptime\b`, `\bdowntime penalty\b`,
			`\bservice level.*credit\b`, `\bsla.*breach\b`),
		description: "SLA credit from tiered uptime breach. " +
			"Function name: ops_sla_credit. " +
			"Params: monthly_fee, actual_uptime_pct, sla_tiers (list of {min_uptime, credit_pct} " +
			"sorted descending by min_uptime). " +
			"Return credit amount plus uptime_pct, sla_tier_matched, credit_pct.",
	},
	{
		key: "ops_uptime",
		patterns: res(`\bavailability\b.*\b(percent|%)\b`, `\bmttr\b`, `\bmtbf\b`,
			`\buptime.?percent\w*\b`, `\bdowntime.?minutes\b`,
			`\bincident.?duration\b`, `\bavailability.?calc\w*\b`, `\bservice.?availability\b`),
		description: "Availability and reliability metrics (uptime %, MTTR, MTBF). " +
			"Function name: ops_uptime. " +
			"Params: total_minutes_in_period (int), downtime_minutes, incident_count (default 1). " +
			"Return uptime_pct plus downtime_pct, mttr_minutes, availability_nines.",
	},
	{
		key: "ops_penalty",
		patterns: res(`\bliquidated damages\b`, `\blate delivery penalty\b`,
			`\bbreach penalty\b`, `\bpenalty.*per day\b`, `\bcontract.*penalty\b`,
			`\bdelay penalty\b`, `\bpenalty interest\b`, `\bpenalty calculation\b`),
		description: "Contract breach and late-delivery penalty. " +
			"Function name: ops_penalty. " +
			"Params: contract_value, days_late (int), daily_penalty_rate (decimal, e.g. 0.001), " +
			"max_penalty_pct (decimal cap, e.g. 0.10). " +
			"Return penalty amount plus uncapped_penalty and capped_at.",
	},
	{
		key: "sc_eoq",
		patterns: res(`\beoq\b`, `\beconomic order quantity\b`, `\breorder point\b`,
			`\bsafety stock\b`, `\blead time demand\b`, `\border quantity\b`, `\binventory.?order\b`),
		description: "Economic Order Quantity, reorder point, safety stock. " +
			"Function name: sc_eoq. " +
			"Params: annual_demand, ordering_cost, holding_cost_per_unit, lead_time_days (default 0), " +
			"daily_demand_stddev (default 0), service_level_z (default 1.645). " +
			"Return EOQ plus reorder_point, safety_stock, orders_per_year, total_annual_cost.",
	},
	{
		key: "sc_inventory_value",
		patterns: res(`\bfifo\b`, `\blifo\b`, `\bweighted average cost\b`,
			`\binventory valuation\b`, `\bcost of goods sold\b`, `\bcogs\b`, `\binventory.*method\b`),
		description: "Inventory valuation using FIFO, LIFO, or weighted average. " +
			"Function name: sc_inventory_value. " +
			"Params: purchases (list of {units, unit_cost}), units_sold (int), " +
			"method ('fifo'|'lifo'|'weighted_avg'). " +
			"Return COGS plus ending_inventory_units, ending_inventory_value, avg_unit_cost.",
	},
	{
		key: "sc_stockout_risk",
		patterns: res(`\bstockout\b`, `\bstockout.?prob\w*\b`, `\bservice.?level\b`,
			`\bfill.?rate\b`, `\binventory.?risk\b`, `\bstockout.?risk\b`, `\bdemand.?uncertainty\b`),
		description: "Stockout probability and service level. " +
			"Function name: sc_stockout_risk. " +
			"Params: avg_daily_demand, demand_stddev, lead_time_days, reorder_point. " +
			"Return service_level_pct plus stockout_probability_pct, z_score, " +
			"expected_demand_during_lead_time.",
	},
	{
		key: "dt_business_days",
		patterns: res(`\bbusiness days\b`, `\bworking days\b`, `\bworkday\w*\b`,
			`\bdays between.*dates\b`, `\bexcluding.*holiday\b`,
			`\bbusiness.?day.?count\b`, `\bworking.?day.?calc\w*\b`),
		description: "Business days between two ISO dates, excluding weekends. " +
			"Function name: dt_business_days. " +
			"Params: start_date (YYYY-MM-DD), end_date (YYYY-MM-DD), holiday_count (int, default 0). " +
			"Parse year/month/day from the strings manually — no time package in the sandbox. " +
			"weeks = total_days / 7; weekdays = weeks*5 + min(extra_days, 5 - start_weekday). " +
			"Return business day count plus total_calendar_days and weekends_excluded.",
	},
	{
		key: "dt_prorata",
		patterns: res(`\bpro.?rata\b`, `\bpartial period\b`, `\bdays.*in.*month\b`,
			`\bprorated.*days\b`, `\bpro.?rat\w+\b`, `\bmonthly.*days\b`, `\bfraction of.*period\b`),
		description: "Pro-rata amount for partial periods. " +
			"Function name: dt_prorata. " +
			"Params: full_period_amount, days_in_period (int), total_days_in_period (int). " +
			"Return prorated amount plus daily_rate and days_fraction.",
	},
	{
		key: "dt_aging",
		patterns: res(`\baging\b.*\b(bucket|analysis|report)\b`,
			`\bdays.*outstanding\b`, `\bar.*aging\b`, `\breceivable.*aging\b`,
			`\boverdue.*bucket\b`, `\b0.30.*(day|bucket)\b`, `\b31.60\b`, `\b61.90\b`,
			`\b90\+\b.*\bday\b`),
		description: "Accounts receivable aging buckets. " +
			"Function name: dt_aging. " +
			"Params: invoices (list of {amount, days_outstanding}). " +
			"Buckets: 0-30, 31-60, 61-90, 91-120, 120+. " +
			"Return total outstanding plus per-bucket {count, amount}.",
	},
	{
		key: "stats_zscore",
		patterns: res(`\bz.?score\b`, `\bpercentile rank\b`,
			`\bstandard deviations? from\b`, `\bz.stat\w*\b`,
			`\bnormal distribution\b`, `\bstandardiz\w+\b`),
		description: "Z-score and percentile rank. " +
			"Function name: stats_zscore. " +
			"Params: value, mean, std_dev. " +
			"Return z_score plus percentile_approx (0.5*(1+erf(z/sqrt(2)))*100) and interpretation.",
	},
	{
		key: "stats_weighted_avg",
		patterns: res(`\bweighted average\b`, `\bweighted score\b`,
			`\bcomposite score\b`, `\bweighted.?mean\b`, `\bweighted.?calc\w*\b`, `\bweight\w+.*score\b`),
		description: "Weighted average / composite score. " +
			"Function name: stats_weighted_avg. " +
			"Params: values (list), weights (list). " +
			"Return weighted average plus sum_of_weights and per-component contributions.",
	},
	{
		key: "stats_regression",
		patterns: res(`\blinear regression\b`, `\btrend line\b`,
			`\br.?squared\b`, `\bslope.*intercept\b`, `\bleast squares\b`,
			`\bregression.*analysis\b`, `\bline of best fit\b`),
		description: "Simple linear regression (y = mx + b) with R-squared. " +
			"Function name: stats_regression. " +
			"Params: x_values (list), y_values (list). " +
			"Return slope plus intercept, r_squared, equation_str, predict_next.",
	},
	{
		key: "tax_vat",
		patterns: res(`\bvat\b`, `\bgst\b`, `\bvalue.?added.?tax\b`,
			`\bgoods.*services.*tax\b`, `\bvat.*calc\w*\b`, `\breverse.*vat\b`,
			`\bvat.*exclusive\b`, `\bvat.*inclusive\b`, `\btax.*inclusive\b`, `\btax.*exclusive\b`),
		description: "VAT/GST: exclusive, inclusive, and reverse extraction. " +
			"Function name: tax_vat. " +
			"Params: amount, vat_rate (%), mode ('add' adds VAT to net, 'extract' extracts from gross). " +
			"Return vat_amount plus net_amount and gross_amount.",
	},
	{
		key: "tax_withholding",
		patterns: res(`\bwithholding tax\b`, `\bgross.?up\b`, `\bnet.?to.?gross\b`,
			`\bgross.?up.?calc\w*\b`, `\bwithhold\w+\b`, `\bpaye\b`, `\btax.*gross.?up\b`),
		description: "Withholding tax and gross-up (net-to-gross). " +
			"Function name: tax_withholding. " +
			"Params: amount, withholding_rate (%), mode ('withhold'|'gross_up'). " +
			"Return tax_withheld plus gross_amount, net_amount, effective_rate_pct.",
	},
	{
		key: "tax_depreciation_allowance",
		patterns: res(`\btax depreciation\b`, `\bcapital allowance\b`,
			`\baccelerated depreciation\b`, `\bsection 179\b`, `\bmacrs\b`),
		description: "Tax depreciation / capital allowances. " +
			"Function name: tax_depreciation_allowance. " +
			"Params: asset_cost, allowance_rate (%), years (int), " +
			"method ('reducing_balance'|'straight_line'). " +
			"Return first-year allowance plus annual_schedule and final_tax_base.",
	},
	{
		key: "risk_weighted_score",
		patterns: res(`\brisk.?score\b`, `\bweighted risk\b`, `\bahp\b`,
			`\bcompliance.?score\b`, `\bkyc.?risk\b`, `\brisk.?rating\b`,
			`\brisk.?matrix\b`, `\bpriority.?matrix\b`, `\brisk.?calc\w*\b`),
		description: "Weighted risk scoring (AHP, KYC rating, compliance score). " +
			"Function name: risk_weighted_score. " +
			"Params: factors (list of {name, score 0-10, weight 0-1}), scale_max (default 10). " +
			"Return composite_score plus score_pct, risk_band (Low/Medium/High/Critical), " +
			"factor_breakdown.",
	},
	{
		key: "risk_concentration",
		patterns: res(`\bconcentration risk\b`, `\bherfindahl\b`, `\bhhi\b`,
			`\btop.?\d+.?concentration\b`, `\bmarket share.*concentr\w*\b`,
			`\bconcentration.?index\b`, `\bclient.?concentration\b`),
		description: "Concentration risk: Herfindahl-Hirschman Index and top-N share. " +
			"Function name: risk_concentration. " +
			"Params: shares (list), top_n (default 3). " +
			"Return HHI plus hhi_normalized, top_n_concentration_pct, " +
			"risk_band (Low <1500, Moderate 1500-2500, High >2500).",
	},
	{
		key: "ar_bad_debt",
		patterns: res(`\bbad debt\b`, `\bexpected credit loss\b`, `\becl\b`,
			`\bimpairment\b`, `\bdebt.?provision\b`, `\bprovision.*doubtful\b`,
			`\bdoubtful.*debt\b`, `\bwrite.?off\b.*\breceivable\b`),
		description: "Bad debt provision and expected credit loss. " +
			"Function name: ar_bad_debt. " +
			"Params: receivables_by_bucket (list of {amount, days_outstanding}), " +
			"provision_rates (map of bucket label to decimal rate, e.g. 0_30: 0.01 ... over_120: 0.50). " +
			"Return total_provision plus provision_by_bucket and provision_rate_overall_pct.",
	},
	{
		key: "ar_collection_rate",
		patterns: res(`\bdso\b`, `\bdays sales outstanding\b`,
			`\bcollection.?rate\b`, `\bcollection.?effic\w*\b`,
			`\bcollect\w+.*receiv\w+\b`, `\bcash.?conversion\b`, `\breceivable.?turnover\b`),
		description: "AR collection efficiency: DSO, collection rate, turnover. " +
			"Function name: ar_collection_rate. " +
			"Params: ending_ar, revenue_in_period, period_days (int), cash_collected (optional). " +
			"Return dso_days plus collection_rate_pct and receivable_turnover.",
	},
	{
		key: "contract_escalation",
		patterns: res(`\bescalation clause\b`, `\bprice escalation\b`,
			`\bcpi.?adjust\w*\b`, `\bannual.?increase\b`, `\bescalat\w+.*contract\b`,
			`\bcontract.*escalat\w+\b`, `\binflation.?adjust\w*\b`),
		description: "Contract price escalation / CPI adjustment over periods. " +
			"Function name: contract_escalation. " +
			"Params: base_amount, annual_escalation_rate (%), years (int). " +
			"Return final-year amount plus yearly_amounts, total_over_term, cumulative_increase_pct.",
	},
	{
		key: "contract_termination_fee",
		patterns: res(`\bearly termination\b`, `\btermination fee\b`,
			`\bearly.?exit.?fee\b`, `\btermination.?penalty\b`,
			`\bremaining.*term.*penalty\b`, `\bbreak.?fee\b`, `\bcontract.?cancel\w*\b`),
		description: "Early contract termination fee. " +
			"Function name: contract_termination_fee. " +
			"Params: monthly_value, remaining_months (int), termination_fee_pct (%), " +
			"notice_period_months (int, default 0). " +
			"Return termination_fee plus remaining_contract_value and effective_months_charged.",
	},
}

// DetectGaps scans task text for computation patterns no existing tool
// covers. existingNames holds every tool already available (gateway,
// finance calculators, registry).
func DetectGaps(taskText string, existingNames map[string]bool) []Gap {
	text := strings.ToLower(taskText)
	var gaps []Gap
	for _, gp := range gapPatterns {
		if existingNames[gp.key] {
			continue
		}
		// Amortization is always seeded; never re-detect it.
		if gp.key == "finance_loan_amortization" {
			continue
		}
		for _, re := range gp.patterns {
			if re.MatchString(text) {
				gaps = append(gaps, Gap{Key: gp.key, Description: gp.description})
				break
			}
		}
	}
	return gaps
}

// Package finance implements the deterministic financial calculator. All
// arithmetic runs on integer cents so boundary cases (a 2.04% variance
// against a 2% threshold) come out exact instead of float-fuzzy.
package finance

import (
	"fmt"
	"math"
)

// ProratedAmount returns the remaining value of a contract after days_used
// of total_days have elapsed.
func ProratedAmount(total float64, daysUsed, totalDays int) (float64, error) {
	if totalDays <= 0 {
		return 0, fmt.Errorf("total days must be positive, got %d", totalDays)
	}
	if daysUsed < 0 || daysUsed > totalDays {
		return 0, fmt.Errorf("days used %d out of range [0,%d]", daysUsed, totalDays)
	}
	totalCents := FromDollars(total)
	remaining := totalCents * int64(totalDays-daysUsed)
	return ToDollars(divRound(remaining, int64(totalDays))), nil
}

// ProratedForPeriod returns the charge for daysActive days of a period.
func ProratedForPeriod(periodAmount float64, daysInPeriod, daysActive int) (float64, error) {
	if daysInPeriod <= 0 {
		return 0, fmt.Errorf("days in period must be positive, got %d", daysInPeriod)
	}
	if daysActive < 0 || daysActive > daysInPeriod {
		return 0, fmt.Errorf("days active %d out of range [0,%d]", daysActive, daysInPeriod)
	}
	cents := FromDollars(periodAmount) * int64(daysActive)
	return ToDollars(divRound(cents, int64(daysInPeriod))), nil
}

// EarlyTerminationNet returns the refund remaining after the termination
// fee is deducted.
func EarlyTerminationNet(remainingValue, feePct float64) (float64, error) {
	if feePct < 0 || feePct > 100 {
		return 0, fmt.Errorf("fee percent %v out of range [0,100]", feePct)
	}
	remCents := FromDollars(remainingValue)
	feeCents := pctOf(remCents, feePct)
	return ToDollars(remCents - feeCents), nil
}

// VarianceResult is the outcome of an invoice-vs-PO variance check.
type VarianceResult struct {
	VariancePct      float64 `json:"variance_pct"`    // full precision, rounded to 6dp
	VarianceAmount   float64 `json:"variance_amount"` // absolute dollar difference
	ExceedsThreshold bool    `json:"exceeds_threshold"`
	ThresholdPct     float64 `json:"threshold_pct"`
}

// VarianceCheck compares an invoiced amount against its purchase order.
// The percentage keeps full precision (rounded to 6 decimal places) so a
// 2.04% variance does not collapse to 2.0% at the threshold boundary.
func VarianceCheck(invoiced, poAmount, thresholdPct float64) (VarianceResult, error) {
	if poAmount == 0 {
		return VarianceResult{}, fmt.Errorf("po amount must be non-zero")
	}
	invCents := FromDollars(invoiced)
	poCents := FromDollars(poAmount)
	diff := invCents - poCents
	if diff < 0 {
		diff = -diff
	}
	pct := float64(diff) / float64(abs64(poCents)) * 100
	pct = round6(pct)
	return VarianceResult{
		VariancePct:      pct,
		VarianceAmount:   ToDollars(diff),
		ExceedsThreshold: pct > thresholdPct,
		ThresholdPct:     thresholdPct,
	}, nil
}

// SLACredit computes the credit owed for downtime beyond the SLA target.
// Breach time is billed per started hour; the credit is capped at
// maxCreditPct of the contract value.
func SLACredit(contractValue, downtimeMinutes, slaTargetPct, creditPctPerHour, maxCreditPct float64) (float64, error) {
	if contractValue < 0 || downtimeMinutes < 0 {
		return 0, fmt.Errorf("contract value and downtime must be non-negative")
	}
	if slaTargetPct <= 0 || slaTargetPct > 100 {
		return 0, fmt.Errorf("sla target %v out of range (0,100]", slaTargetPct)
	}
	const minutesPerMonth = 30 * 24 * 60
	allowed := minutesPerMonth * (100 - slaTargetPct) / 100
	breach := downtimeMinutes - allowed
	if breach <= 0 {
		return 0, nil
	}
	breachHours := math.Ceil(breach / 60)
	contractCents := FromDollars(contractValue)
	creditCents := pctOf(contractCents, creditPctPerHour*breachHours)
	capCents := pctOf(contractCents, maxCreditPct)
	if creditCents > capCents {
		creditCents = capCents
	}
	return ToDollars(creditCents), nil
}

// SubLimit caps a claim at a category sub-limit; the remainder is the
// uncovered portion.
func SubLimit(claim, limit float64) (covered, uncovered float64) {
	claimCents := FromDollars(claim)
	limitCents := FromDollars(limit)
	if claimCents <= limitCents {
		return ToDollars(claimCents), 0
	}
	return ToDollars(limitCents), ToDollars(claimCents - limitCents)
}

// GiftCardCapacity returns how many whole cards of cardValue a budget buys
// and the budget left over.
func GiftCardCapacity(budget, cardValue float64) (count int, remainder float64, err error) {
	if cardValue <= 0 {
		return 0, 0, fmt.Errorf("card value must be positive")
	}
	budgetCents := FromDollars(budget)
	cardCents := FromDollars(cardValue)
	count = int(budgetCents / cardCents)
	return count, ToDollars(budgetCents - int64(count)*cardCents), nil
}

// AmortizationPayment is one row of a loan schedule, in dollars.
type AmortizationPayment struct {
	Month     int     `json:"month"`
	Payment   float64 `json:"payment"`
	Principal float64 `json:"principal"`
	Interest  float64 `json:"interest"`
	Balance   float64 `json:"balance"`
}

// AmortizeLoan builds a full fixed-payment schedule. The final payment
// absorbs rounding drift so the balance lands on exactly zero.
func AmortizeLoan(principal, annualRatePct float64, months int) ([]AmortizationPayment, error) {
	if principal <= 0 || months <= 0 {
		return nil, fmt.Errorf("principal and months must be positive")
	}
	if annualRatePct < 0 {
		return nil, fmt.Errorf("annual rate must be non-negative")
	}

	principalCents := FromDollars(principal)
	monthlyRate := annualRatePct / 100 / 12

	var paymentCents int64
	if monthlyRate == 0 {
		paymentCents = divRound(principalCents, int64(months))
	} else {
		p := float64(principalCents) * monthlyRate / (1 - math.Pow(1+monthlyRate, -float64(months)))
		paymentCents = int64(math.Round(p))
	}

	schedule := make([]AmortizationPayment, 0, months)
	balance := principalCents
	for m := 1; m <= months; m++ {
		interest := int64(math.Round(float64(balance) * monthlyRate))
		pay := paymentCents
		princ := pay - interest
		if m == months || princ >= balance {
			// Final payment clears the balance exactly.
			princ = balance
			pay = princ + interest
		}
		balance -= princ
		schedule = append(schedule, AmortizationPayment{
			Month:     m,
			Payment:   ToDollars(pay),
			Principal: ToDollars(princ),
			Interest:  ToDollars(interest),
			Balance:   ToDollars(balance),
		})
		if balance == 0 {
			break
		}
	}
	return schedule, nil
}

// PaymentPlanSummary aggregates a schedule into headline numbers.
type PaymentPlanSummary struct {
	MonthlyPayment float64 `json:"monthly_payment"`
	TotalPaid      float64 `json:"total_paid"`
	TotalInterest  float64 `json:"total_interest"`
	Months         int     `json:"months"`
}

// SummarizePlan returns the summary for an amortization schedule.
func SummarizePlan(schedule []AmortizationPayment) PaymentPlanSummary {
	var totalPaid, totalInterest int64
	for _, p := range schedule {
		totalPaid += FromDollars(p.Payment)
		totalInterest += FromDollars(p.Interest)
	}
	summary := PaymentPlanSummary{
		TotalPaid:     ToDollars(totalPaid),
		TotalInterest: ToDollars(totalInterest),
		Months:        len(schedule),
	}
	if len(schedule) > 0 {
		summary.MonthlyPayment = schedule[0].Payment
	}
	return summary
}

// StraightLineDepreciation returns the monthly depreciation for an asset.
func StraightLineDepreciation(cost, salvage float64, usefulLifeMonths int) (float64, error) {
	if usefulLifeMonths <= 0 {
		return 0, fmt.Errorf("useful life must be positive")
	}
	if salvage > cost {
		return 0, fmt.Errorf("salvage %v exceeds cost %v", salvage, cost)
	}
	base := FromDollars(cost) - FromDollars(salvage)
	return ToDollars(divRound(base, int64(usefulLifeMonths))), nil
}

// DepreciationSchedule returns month-by-month book values. The final month
// absorbs rounding so the ending book value equals salvage exactly.
func DepreciationSchedule(cost, salvage float64, usefulLifeMonths int) ([]float64, error) {
	monthly, err := StraightLineDepreciation(cost, salvage, usefulLifeMonths)
	if err != nil {
		return nil, err
	}
	monthlyCents := FromDollars(monthly)
	book := FromDollars(cost)
	salvageCents := FromDollars(salvage)
	values := make([]float64, usefulLifeMonths)
	for i := 0; i < usefulLifeMonths; i++ {
		book -= monthlyCents
		if i == usefulLifeMonths-1 || book < salvageCents {
			book = salvageCents
		}
		values[i] = ToDollars(book)
	}
	return values, nil
}

// RevenueRecognition splits a contract into recognized and deferred parts.
type RevenueRecognition struct {
	Recognized float64 `json:"recognized"`
	Deferred   float64 `json:"deferred"`
	PerPeriod  float64 `json:"per_period"`
}

// RecognizeRevenue recognizes contract value ratably over its term.
func RecognizeRevenue(contractValue float64, contractMonths, periodsElapsed int) (RevenueRecognition, error) {
	if contractMonths <= 0 {
		return RevenueRecognition{}, fmt.Errorf("contract months must be positive")
	}
	if periodsElapsed < 0 {
		return RevenueRecognition{}, fmt.Errorf("periods elapsed must be non-negative")
	}
	if periodsElapsed > contractMonths {
		periodsElapsed = contractMonths
	}
	totalCents := FromDollars(contractValue)
	perPeriod := divRound(totalCents, int64(contractMonths))
	recognized := perPeriod * int64(periodsElapsed)
	if periodsElapsed == contractMonths {
		recognized = totalCents
	}
	return RevenueRecognition{
		Recognized: ToDollars(recognized),
		Deferred:   ToDollars(totalCents - recognized),
		PerPeriod:  ToDollars(perPeriod),
	}, nil
}

// NetPriceDelta is the signed difference newPrice - oldPrice in exact cents.
func NetPriceDelta(oldPrice, newPrice float64) float64 {
	return ToDollars(FromDollars(newPrice) - FromDollars(oldPrice))
}

func pctOf(cents int64, pct float64) int64 {
	return int64(math.Round(float64(cents) * pct / 100))
}

func divRound(n, d int64) int64 {
	if d == 0 {
		return 0
	}
	f := float64(n) / float64(d)
	return int64(math.Round(f))
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

package finance

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProratedAmount(t *testing.T) {
	got, err := ProratedAmount(1200, 90, 360)
	require.NoError(t, err)
	assert.InDelta(t, 900.0, got, 0.01)

	_, err = ProratedAmount(1200, 400, 360)
	assert.Error(t, err)
	_, err = ProratedAmount(1200, 10, 0)
	assert.Error(t, err)
}

func TestVarianceCheckBoundaryPrecision(t *testing.T) {
	// 2.04% variance must not collapse to 2.0% at a 2% threshold.
	res, err := VarianceCheck(10204, 10000, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, 2.04, res.VariancePct, 1e-9)
	assert.True(t, res.ExceedsThreshold)

	res, err = VarianceCheck(10200, 10000, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.VariancePct, 1e-9)
	assert.False(t, res.ExceedsThreshold)

	_, err = VarianceCheck(100, 0, 2.0)
	assert.Error(t, err)
}

func TestSLACredit(t *testing.T) {
	// 99.9% target allows 43.2 minutes/month. 163.2 minutes down → 120
	// breach minutes → 2 started hours → 2 × 5% of $10,000 = $1,000.
	credit, err := SLACredit(10000, 163.2, 99.9, 5, 30)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, credit, 0.01)

	// Under the allowance: no credit.
	credit, err = SLACredit(10000, 40, 99.9, 5, 30)
	require.NoError(t, err)
	assert.Zero(t, credit)

	// Massive outage hits the 30% cap.
	credit, err = SLACredit(10000, 100000, 99.9, 5, 30)
	require.NoError(t, err)
	assert.InDelta(t, 3000.0, credit, 0.01)
}

func TestAmortizeLoanReferenceCase(t *testing.T) {
	// $200,000 at 5% over 360 months: the canonical $1,073.64 payment.
	schedule, err := AmortizeLoan(200_000, 5, 360)
	require.NoError(t, err)
	require.Len(t, schedule, 360)
	assert.InDelta(t, 1073.64, schedule[0].Payment, 1.0)
	assert.Zero(t, schedule[len(schedule)-1].Balance)

	summary := SummarizePlan(schedule)
	assert.Equal(t, 360, summary.Months)
	assert.Greater(t, summary.TotalInterest, 180_000.0)
	assert.InDelta(t, summary.TotalPaid, 200_000+summary.TotalInterest, 1.0)
}

func TestAmortizeZeroRate(t *testing.T) {
	schedule, err := AmortizeLoan(1200, 0, 12)
	require.NoError(t, err)
	require.Len(t, schedule, 12)
	assert.InDelta(t, 100.0, schedule[0].Payment, 0.01)
	assert.Zero(t, schedule[11].Balance)
}

func TestDepreciation(t *testing.T) {
	monthly, err := StraightLineDepreciation(13000, 1000, 60)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, monthly, 0.01)

	values, err := DepreciationSchedule(13000, 1000, 60)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, values[59], 0.001)

	_, err = StraightLineDepreciation(100, 500, 12)
	assert.Error(t, err)
}

func TestRevenueRecognition(t *testing.T) {
	res, err := RecognizeRevenue(12000, 12, 5)
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, res.Recognized, 0.01)
	assert.InDelta(t, 7000.0, res.Deferred, 0.01)

	// Fully elapsed recognizes the exact total regardless of rounding.
	res, err = RecognizeRevenue(1000, 3, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, res.Recognized, 0.001)
	assert.Zero(t, res.Deferred)
}

func TestEarlyTerminationAndSubLimit(t *testing.T) {
	net, err := EarlyTerminationNet(900, 10)
	require.NoError(t, err)
	assert.InDelta(t, 810.0, net, 0.01)

	covered, uncovered := SubLimit(750, 500)
	assert.InDelta(t, 500.0, covered, 0.001)
	assert.InDelta(t, 250.0, uncovered, 0.001)
}

func TestGiftCardCapacity(t *testing.T) {
	count, remainder, err := GiftCardCapacity(1000, 75)
	require.NoError(t, err)
	assert.Equal(t, 13, count)
	assert.InDelta(t, 25.0, remainder, 0.001)
}

func TestFinanceToolDispatch(t *testing.T) {
	res := CallTool("finance_variance_check", map[string]any{
		"invoiced": 10204.0, "po_amount": 10000.0, "threshold_pct": 2.0,
	})
	require.NotContains(t, res, "error")
	vr := res["result"].(VarianceResult)
	assert.True(t, vr.ExceedsThreshold)

	res = CallTool("finance_loan_amortization", map[string]any{
		"principal": 200000.0, "annual_rate_pct": 5.0, "months": 360.0,
	})
	require.NotContains(t, res, "error")

	res = CallTool("finance_nope", nil)
	assert.Contains(t, res, "error")

	assert.True(t, IsFinanceTool("finance_sla_credit"))
	assert.False(t, IsFinanceTool("get_invoice"))
}

func TestCalculatorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("proration preserves totals", prop.ForAll(
		func(total float64, used, days int) bool {
			if used > days {
				used = days
			}
			remaining, err := ProratedAmount(total, used, days)
			if err != nil {
				return false
			}
			usedPortion, err := ProratedForPeriod(total, days, used)
			if err != nil {
				return false
			}
			// Rounding each side independently drifts at most one cent.
			return math.Abs(remaining+usedPortion-ToDollars(FromDollars(total))) <= 0.011
		},
		gen.Float64Range(0.01, 1e6),
		gen.IntRange(0, 365),
		gen.IntRange(1, 365),
	))

	properties.Property("amortization schedule always clears the balance", prop.ForAll(
		func(principal float64, ratePct float64, months int) bool {
			schedule, err := AmortizeLoan(principal, ratePct, months)
			if err != nil || len(schedule) == 0 {
				return false
			}
			return schedule[len(schedule)-1].Balance == 0
		},
		gen.Float64Range(100, 1e6),
		gen.Float64Range(0, 25),
		gen.IntRange(1, 360),
	))

	properties.Property("sla credit never exceeds the cap", prop.ForAll(
		func(contract, downtime float64) bool {
			credit, err := SLACredit(contract, downtime, 99.9, 5, 30)
			if err != nil {
				return false
			}
			return credit <= contract*0.30+0.01 && credit >= 0
		},
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0, 50_000),
	))

	properties.Property("cents round-trip is stable", prop.ForAll(
		func(amount float64) bool {
			once := ToDollars(FromDollars(amount))
			twice := ToDollars(FromDollars(once))
			return once == twice
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

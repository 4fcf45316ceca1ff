package finance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Pre-computed facts: before execution starts, the amounts already
// visible in the task text are run through the calculator and the
// verdicts injected as ground truth. The compute phase then needs no
// extra tool calls for math it can read off the prompt. Each fact
// carries a context type so the reflect phase can score whether the
// pre-computation matched the final answer.

// Fact is one pre-computed financial verdict.
type Fact struct {
	ContextType string // variance | sla_credit | proration
	Line        string
}

const factsHeader = "## PRE-COMPUTED FINANCIAL FACTS (integer-cent precision — verify against tool data)"

var (
	ctxDollarRe   = regexp.MustCompile(`\$([\d,]+(?:\.\d{1,2})?)`)
	ctxPctRe      = regexp.MustCompile(`([\d.]+)\s*%`)
	downtimeMinRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:minutes|mins?)\b`)
	downtimeHrRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:hours?|hrs?)\s+(?:of\s+)?(?:downtime|outage)`)
	daysUsedRe    = regexp.MustCompile(`(?i)(?:day\s+(\d+)\s+of\s+(\d+)|(\d+)\s+(?:days?\s+)?(?:in)?to\s+(?:a|the)?\s*(\d+)[-\s]day|used\s+(\d+)\s+of\s+(\d+)\s+days)`)
)

// defaults applied when the task names the scenario but not the terms
const (
	defaultVarianceThresholdPct = 2.0
	defaultSLATargetPct         = 99.9
	defaultCreditPctPerHour     = 5.0
	defaultMaxCreditPct         = 30.0
)

func parseAmounts(text string) []float64 {
	var out []float64
	for _, m := range ctxDollarRe.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func parseFirstPct(text string) (float64, bool) {
	if m := ctxPctRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// PrecomputeFacts extracts amounts from the task text and runs the
// relevant calculator for the process type. Facts are only produced
// when the text carries enough data for an exact computation.
func PrecomputeFacts(taskText, processType string) []Fact {
	var facts []Fact
	amounts := parseAmounts(taskText)

	switch processType {
	case "invoice_reconciliation", "procurement", "expense_approval":
		if len(amounts) >= 2 {
			threshold := defaultVarianceThresholdPct
			if pct, ok := parseFirstPct(taskText); ok && pct > 0 && pct < 50 {
				threshold = pct
			}
			if res, err := VarianceCheck(amounts[0], amounts[1], threshold); err == nil {
				verdict := "does not exceed"
				if res.ExceedsThreshold {
					verdict = "exceeds"
				}
				facts = append(facts, Fact{
					ContextType: "variance",
					Line: fmt.Sprintf(
						"Variance: invoiced $%s vs expected $%s = %.6f%% ($%.2f). Threshold %.2f%% — variance %s threshold. Requires escalation: %t.",
						comma(amounts[0]), comma(amounts[1]), res.VariancePct, res.VarianceAmount,
						threshold, verdict, res.ExceedsThreshold),
				})
			}
		}

	case "sla_breach":
		downtime, ok := parseDowntimeMinutes(taskText)
		if ok && len(amounts) >= 1 {
			contract := maxOf(amounts)
			credit, err := SLACredit(contract, downtime, defaultSLATargetPct, defaultCreditPctPerHour, defaultMaxCreditPct)
			if err == nil && credit > 0 {
				facts = append(facts, Fact{
					ContextType: "sla_credit",
					Line: fmt.Sprintf(
						"SLA credit owed: $%s (%.0f min downtime against %.1f%% target, %.0f%%/hour capped at %.0f%% of $%s contract).",
						comma(credit), downtime, defaultSLATargetPct, defaultCreditPctPerHour,
						defaultMaxCreditPct, comma(contract)),
				})
			}
		}

	case "subscription_management", "subscription_migration", "dispute_resolution":
		if used, total, ok := parseDaysUsed(taskText); ok && len(amounts) >= 1 {
			if remaining, err := ProratedAmount(maxOf(amounts), used, total); err == nil {
				facts = append(facts, Fact{
					ContextType: "proration",
					Line: fmt.Sprintf(
						"Proration: $%s remaining of $%s (%d of %d days used).",
						comma(remaining), comma(maxOf(amounts)), used, total),
				})
			}
		}
	}

	return facts
}

func parseDowntimeMinutes(text string) (float64, bool) {
	if m := downtimeMinRe.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	if m := downtimeHrRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v * 60, true
		}
	}
	return 0, false
}

func parseDaysUsed(text string) (used, total int, ok bool) {
	m := daysUsedRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	pairs := [][2]string{{m[1], m[2]}, {m[3], m[4]}, {m[5], m[6]}}
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		u, err1 := strconv.Atoi(p[0])
		t, err2 := strconv.Atoi(p[1])
		if err1 == nil && err2 == nil && t > 0 && u >= 0 && u <= t {
			return u, t, true
		}
	}
	return 0, 0, false
}

// FormatFacts renders facts as a prompt block. annotate supplies a
// per-context-type confidence suffix and may be nil; replace reports
// whether a fact should be swapped for its drift warning.
func FormatFacts(facts []Fact, annotate func(contextType string) string, replace func(contextType string) (string, bool)) string {
	if len(facts) == 0 {
		return ""
	}
	lines := []string{factsHeader}
	for _, f := range facts {
		if replace != nil {
			if warning, swap := replace(f.ContextType); swap {
				lines = append(lines, warning)
				continue
			}
		}
		line := f.Line
		if annotate != nil {
			line += annotate(f.ContextType)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func maxOf(vals []float64) float64 {
	best := vals[0]
	for _, v := range vals[1:] {
		if v > best {
			best = v
		}
	}
	return best
}

// comma formats a dollar value with thousands separators, trimming a
// trailing .00 for whole amounts.
func comma(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	parts := strings.SplitN(s, ".", 2)
	whole := parts[0]
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	var b strings.Builder
	for i, d := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	out := b.String()
	if neg {
		out = "-" + out
	}
	if parts[1] != "00" {
		out += "." + parts[1]
	}
	return out
}

// Package contextrl closes the loop on pre-computed context injection.
// The prime phase injects financial facts (variance verdicts, SLA
// credits, prorations); the reflect phase checks whether they matched
// the final answer and adjusts injection confidence per
// (process type, context type) pair. Sustained misses trip a drift
// warning that replaces the value outright, because a policy threshold
// that silently changed upstream makes every cached computation wrong.
package contextrl

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

const (
	qualityFile = "context_quality.json"

	// DefaultConfidence applies before enough samples exist.
	DefaultConfidence = 0.75
	// MinInjectConfidence is the floor below which the computed value is
	// withheld in favor of a drift warning.
	MinInjectConfidence = 0.55
	// DriftThreshold flags a rule change when recent accuracy drops
	// below it.
	DriftThreshold = 0.40

	windowSize    = 10
	minSamples    = 3
	driftMinRuns  = 5
	highWatermark = 0.75
)

// channelStats tracks one (process type, context type) pair.
type channelStats struct {
	Attempts    int    `json:"attempts"`
	Matches     int    `json:"matches"`
	Recent      []int  `json:"recent"`
	LastUpdated string `json:"last_updated,omitempty"`
	DriftAlerts int    `json:"drift_alerts"`
}

// Tracker persists context injection quality across restarts.
type Tracker struct {
	mu    sync.Mutex
	store *store.JSONStore
	data  map[string]map[string]*channelStats
	clock func() time.Time
}

func NewTracker(js *store.JSONStore) *Tracker {
	t := &Tracker{store: js, data: map[string]map[string]*channelStats{}, clock: time.Now}
	if js != nil {
		_, _ = js.Load(qualityFile, &t.data)
		if t.data == nil {
			t.data = map[string]map[string]*channelStats{}
		}
	}
	return t
}

// WithClock injects a clock for tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func (t *Tracker) channel(processType, contextType string) *channelStats {
	pt, ok := t.data[processType]
	if !ok {
		pt = map[string]*channelStats{}
		t.data[processType] = pt
	}
	ct, ok := pt[contextType]
	if !ok {
		ct = &channelStats{}
		pt[contextType] = ct
	}
	return ct
}

// RecordOutcome records whether an injected context matched the final
// answer. Called from the reflect phase.
func (t *Tracker) RecordOutcome(processType, contextType string, wasMatch bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct := t.channel(processType, contextType)
	ct.Attempts++
	hit := 0
	if wasMatch {
		ct.Matches++
		hit = 1
	}
	ct.Recent = append(ct.Recent, hit)
	if len(ct.Recent) > windowSize {
		ct.Recent = ct.Recent[len(ct.Recent)-windowSize:]
	}
	ct.LastUpdated = t.clock().Format("2006-01-02T15:04:05")

	if len(ct.Recent) >= driftMinRuns && recentAccuracy(ct.Recent) < DriftThreshold {
		ct.DriftAlerts++
	}

	if t.store != nil {
		_ = t.store.Save(qualityFile, t.data)
	}
}

func recentAccuracy(recent []int) float64 {
	if len(recent) == 0 {
		return 0
	}
	sum := 0
	for _, v := range recent {
		sum += v
	}
	return float64(sum) / float64(len(recent))
}

// Confidence returns the injection confidence for a pair, preferring
// the rolling window once enough samples exist.
func (t *Tracker) Confidence(processType, contextType string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confidenceLocked(processType, contextType)
}

func (t *Tracker) confidenceLocked(processType, contextType string) float64 {
	ct := t.data[processType][contextType]
	if ct == nil || ct.Attempts < minSamples {
		return DefaultConfidence
	}
	if len(ct.Recent) >= minSamples {
		return recentAccuracy(ct.Recent)
	}
	if ct.Attempts > 0 {
		return float64(ct.Matches) / float64(ct.Attempts)
	}
	return DefaultConfidence
}

// ShouldInject reports whether the computed value is trustworthy
// enough to inject.
func (t *Tracker) ShouldInject(processType, contextType string) bool {
	return t.Confidence(processType, contextType) >= MinInjectConfidence
}

// DriftDetected reports whether recent accuracy suggests the upstream
// rule or formula changed.
func (t *Tracker) DriftDetected(processType, contextType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driftLocked(processType, contextType)
}

func (t *Tracker) driftLocked(processType, contextType string) bool {
	ct := t.data[processType][contextType]
	if ct == nil || len(ct.Recent) < driftMinRuns {
		return false
	}
	return recentAccuracy(ct.Recent) < DriftThreshold
}

// Annotation returns a short confidence note for the system prompt, or
// empty before enough samples.
func (t *Tracker) Annotation(processType, contextType string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ct := t.data[processType][contextType]
	n := 0
	if ct != nil {
		n = len(ct.Recent)
	}
	if n < minSamples {
		return ""
	}
	conf := t.confidenceLocked(processType, contextType)
	if t.driftLocked(processType, contextType) {
		return fmt.Sprintf(" ⚠ DRIFT DETECTED (%.0f%% recent accuracy — threshold may have changed)", conf*100)
	}
	if conf >= highWatermark {
		return fmt.Sprintf(" (%.0f%% accurate on last %d tasks — trust this)", conf*100, n)
	}
	return fmt.Sprintf(" (%.0f%% recent accuracy — verify before relying on this)", conf*100)
}

// DriftWarning returns the text injected INSTEAD of the computed value
// when drift is detected: compute fresh from tool data.
func DriftWarning(contextType string) string {
	switch contextType {
	case "variance":
		return "⚠ COMPUTATION DRIFT ALERT: Recent variance calculations have not matched " +
			"task outcomes. The variance threshold may have changed from the standard value. " +
			"DO NOT assume standard thresholds — retrieve the current threshold from available " +
			"tools and compute variance fresh."
	case "sla_credit":
		return "⚠ COMPUTATION DRIFT ALERT: Recent SLA credit calculations have not matched " +
			"task outcomes. The SLA credit formula or cap may have changed. " +
			"Retrieve the current SLA terms from available tools and compute fresh."
	case "proration":
		return "⚠ COMPUTATION DRIFT ALERT: Recent proration calculations have been inaccurate. " +
			"Retrieve the exact contract terms from available tools before computing proration."
	default:
		return fmt.Sprintf("⚠ COMPUTATION DRIFT ALERT: Pre-computed %s values have been inaccurate "+
			"recently. Compute fresh from tool data — do not rely on standard formulas.", contextType)
	}
}

// Outcome is one accuracy verdict from CheckAccuracy.
type Outcome struct {
	ContextType string
	Match       bool
}

var (
	dollarAmountRe = regexp.MustCompile(`\$([0-9,]+(?:\.\d{1,2})?)`)
	remainingRe    = regexp.MustCompile(`(?i)\$([0-9,]+(?:\.\d{1,2})?) remaining`)
)

func answerAmounts(answer string) []float64 {
	var out []float64
	for _, m := range dollarAmountRe.FindAllStringSubmatch(answer, -1) {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func amountAppears(val float64, amounts []float64) bool {
	for _, v := range amounts {
		// Within $1 covers rounding differences.
		if math.Abs(v-val) <= 1.0 {
			return true
		}
	}
	return false
}

// CheckAccuracy compares injected context against the final answer and
// returns verdicts per context type. Ambiguous signals yield nothing.
func CheckAccuracy(injectedContext, answer, processType string) []Outcome {
	if injectedContext == "" || answer == "" {
		return nil
	}

	var results []Outcome
	ansLower := strings.ToLower(answer)
	ctxLower := strings.ToLower(injectedContext)

	// Variance: did our approve/escalate recommendation match?
	varianceProcess := processType == "invoice_reconciliation" ||
		processType == "procurement" || processType == "expense_approval"
	if strings.Contains(ctxLower, "variance") && varianceProcess {
		var weSaidApprove, determined bool
		switch {
		case strings.Contains(ctxLower, "requires escalation: false") || strings.Contains(ctxLower, "does not exceed"):
			weSaidApprove, determined = true, true
		case strings.Contains(ctxLower, "requires escalation: true") || strings.Contains(ctxLower, "exceeds"):
			weSaidApprove, determined = false, true
		}
		if determined {
			approved := containsAny(ansLower, "approv", "authorized", "payment scheduled", "process payment")
			escalated := containsAny(ansLower, "escalat", "reject", "denied", "flag", "requires review",
				"over threshold", "exceeds", "above limit")
			if approved && !escalated {
				results = append(results, Outcome{"variance", weSaidApprove})
			} else if escalated && !approved {
				results = append(results, Outcome{"variance", !weSaidApprove})
			}
		}
	}

	// SLA credit: does our computed amount appear in the answer?
	if strings.Contains(ctxLower, "sla credit") && processType == "sla_breach" {
		if m := dollarAmountRe.FindStringSubmatch(injectedContext); m != nil {
			if val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
				results = append(results, Outcome{"sla_credit", amountAppears(val, answerAmounts(answer))})
			}
		}
	}

	// Proration: does the remaining value appear in the answer?
	if strings.Contains(ctxLower, "proration") || strings.Contains(ctxLower, "remaining value") {
		if m := remainingRe.FindStringSubmatch(injectedContext); m != nil {
			if val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
				results = append(results, Outcome{"proration", amountAppears(val, answerAmounts(answer))})
			}
		}
	}

	return results
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Stats summarizes injection quality for the status endpoint.
func (t *Tracker) Stats() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := map[string]any{}
	for pt, ctypes := range t.data {
		ptSummary := map[string]any{}
		for ctxType, ct := range ctypes {
			conf := DefaultConfidence
			if len(ct.Recent) > 0 {
				conf = recentAccuracy(ct.Recent)
			}
			status := "high"
			if t.driftLocked(pt, ctxType) {
				status = "drift"
			} else if conf < highWatermark {
				status = "low"
			}
			ptSummary[ctxType] = map[string]any{
				"confidence":   math.Round(conf*1000) / 1000,
				"attempts":     ct.Attempts,
				"drift_alerts": ct.DriftAlerts,
				"status":       status,
			}
		}
		summary[pt] = ptSummary
	}
	return summary
}

package budget

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
)

func TestModelForDropsToFastTierPastThreshold(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, llm.StrongModel, tr.ModelFor("MUTATE", "process invoice"))

	tr.RecordTokens(int(float64(TaskBudget) * 0.85))
	assert.Equal(t, llm.FastModel, tr.ModelFor("MUTATE", "process invoice"))
}

func TestModelForStateTiers(t *testing.T) {
	tr := NewTracker()

	// MUTATE is always strong, no keyword needed.
	assert.Equal(t, llm.StrongModel, tr.ModelFor("MUTATE", "cancel the order"))

	// COMPUTE upgrades only on analytical keywords.
	assert.Equal(t, llm.FastModel, tr.ModelFor("COMPUTE", "add up the line items"))
	assert.Equal(t, llm.StrongModel, tr.ModelFor("COMPUTE", "reconcile the ledger and find the root cause"))

	// Keywords do not upgrade other states.
	assert.Equal(t, llm.FastModel, tr.ModelFor("DECOMPOSE", "reconcile the ledger"))
	assert.Equal(t, llm.FastModel, tr.ModelFor("ASSESS", "investigate the variance"))
}

func TestModelForSkipsWhenExhausted(t *testing.T) {
	tr := NewTracker()
	tr.RecordTokens(TaskBudget)
	assert.Equal(t, ModelSkip, tr.ModelFor("MUTATE", "reconcile everything"))
}

func TestMaxTokensTiers(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 4096, tr.MaxTokens("ASSESS"))
	assert.Equal(t, 1024, tr.MaxTokens("COMPLETE"))

	tr.RecordTokens(TaskBudget - 1500)
	assert.Equal(t, 512, tr.MaxTokens("ASSESS"))

	tr.RecordTokens(1200)
	assert.Equal(t, 256, tr.MaxTokens("ASSESS"))
}

func TestExhaustedSkipsFurtherCalls(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.Exhausted())
	tr.RecordTokens(TaskBudget)
	assert.True(t, tr.Exhausted())
}

func TestCapPromptMarksTruncation(t *testing.T) {
	tr := NewTracker()
	tr.RecordTokens(TaskBudget - 600)
	long := strings.Repeat("x", 10_000)
	capped := tr.CapPrompt(long, 100)
	assert.Less(t, len(capped), len(long))
	assert.Contains(t, capped, "truncated to fit token budget")
}

func TestEfficiencyHintEscalates(t *testing.T) {
	tr := NewTracker()
	assert.Empty(t, tr.EfficiencyHint())

	tr.RecordTokens(int(float64(TaskBudget) * 0.6))
	assert.Contains(t, tr.EfficiencyHint(), "half")

	tr.RecordTokens(int(float64(TaskBudget) * 0.35))
	assert.Contains(t, tr.EfficiencyHint(), "CRITICAL")
}

func TestBudgetProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("remaining never negative", prop.ForAll(
		func(spend int) bool {
			tr := NewTracker()
			tr.RecordTokens(spend)
			return tr.Remaining() >= 0
		},
		gen.IntRange(0, 3*TaskBudget),
	))

	properties.Property("max tokens never exceeds remaining budget when healthy", prop.ForAll(
		func(spend int) bool {
			tr := NewTracker()
			tr.RecordTokens(spend)
			mt := tr.MaxTokens("ASSESS")
			if tr.Remaining() >= 2000 {
				return mt <= tr.Remaining()
			}
			return mt == 256 || mt == 512
		},
		gen.IntRange(0, TaskBudget),
	))

	properties.Property("estimate is ceiling of len/4", prop.ForAll(
		func(n int) bool {
			text := strings.Repeat("a", n)
			est := EstimateTokens(text)
			return est*CharsPerToken >= n && (est-1)*CharsPerToken < n || n == 0 && est == 0
		},
		gen.IntRange(0, 4096),
	))

	properties.TestingRun(t)
}

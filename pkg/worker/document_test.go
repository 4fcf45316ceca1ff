package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/opsagent/pkg/policy"
)

func TestBuildDocumentFlagsMissingSections(t *testing.T) {
	doc := BuildDocument("prd", map[string]any{
		"problem_statement": "Exports time out on large orgs.",
		"user_stories":      []string{"As an admin I can export 100k rows."},
	}, map[string]any{"requested_by": "ops"})

	assert.False(t, doc.Complete)
	assert.Equal(t, "Exports time out on large orgs.", doc.Sections["problem_statement"])
	assert.Equal(t, "[ACCEPTANCE CRITERIA — REQUIRED]", doc.Sections["acceptance_criteria"])

	missing, ok := doc.Metadata["missing_sections"].([]string)
	require.True(t, ok)
	assert.Contains(t, missing, "success_metrics")
	assert.NotContains(t, missing, "user_stories")
}

func TestBuildDocumentExtrasAppendedInOrder(t *testing.T) {
	doc := BuildDocument("approval_brief", map[string]any{
		"request_summary":   "r",
		"proposed_actions":  "p",
		"policy_compliance": "c",
		"risk_assessment":   "ra",
		"approver_decision": "d",
		"zeta_extra":        "z",
		"alpha_extra":       "a",
	}, nil)

	assert.True(t, doc.Complete)
	require.Len(t, doc.Order, 7)
	// Schema order first, then extras sorted.
	assert.Equal(t, "approver_decision", doc.Order[4])
	assert.Equal(t, "alpha_extra", doc.Order[5])
	assert.Equal(t, "zeta_extra", doc.Order[6])
}

func TestFormatDocumentRendersSectionShapes(t *testing.T) {
	doc := BuildDocument("post_mortem", map[string]any{
		"incident_summary":     "Checkout latency spike.",
		"timeline":             []string{"14:02 — alert fired", "14:30 — rolled back"},
		"root_cause":           "N+1 query in cart pricing.",
		"contributing_factors": []string{"missing index"},
		"impact":               map[string]any{"customers_affected": 1200},
		"action_items":         []string{"Add query budget alarm | Owner: dba | Effort: S | Impact: high"},
		"blameless_note":       "Blameless.",
	}, map[string]any{"incident_id": "INC-88"})

	out := FormatDocument(doc)
	assert.Contains(t, out, "## POST MORTEM")
	assert.Contains(t, out, "incident_id: INC-88")
	assert.Contains(t, out, "### Timeline")
	assert.Contains(t, out, "- 14:02 — alert fired")
	assert.Contains(t, out, `"customers_affected": 1200`)
}

func TestBuildApprovalBriefIncludesPolicyState(t *testing.T) {
	res := &policy.Result{
		Passed:           false,
		Triggered:        []policy.Rule{{ID: "PROC-002"}},
		RequiresApproval: true,
	}
	out := BuildApprovalBrief("procurement", []string{"create_po for $18,000"}, res, "high")

	assert.Contains(t, out, "## APPROVAL BRIEF")
	assert.Contains(t, out, "Process: Procurement")
	assert.Contains(t, out, "Status: TRIGGERED")
	assert.Contains(t, out, "PROC-002")
	assert.Contains(t, out, "Risk level: HIGH")
	assert.Contains(t, out, "- create_po for $18,000")
	assert.Contains(t, out, "Awaiting approval")
}

func TestBuildApprovalBriefWithoutPolicy(t *testing.T) {
	out := BuildApprovalBrief("hr_offboarding", nil, nil, "medium")
	assert.Contains(t, out, "Status: PASSED")
	assert.Contains(t, out, "No structured policy provided")
	assert.Contains(t, out, "Risk level: MEDIUM")
}

func TestBuildPostMortemFillsDefaults(t *testing.T) {
	out := BuildPostMortem("INC-7", "Cache stampede on deploy.",
		[]TimelineEvent{{Time: "09:00", Event: "deploy started"}},
		"Cold cache after restart.",
		[]string{"no warmup step"},
		map[string]any{"downtime_minutes": 12},
		[]ActionItem{{Action: "Add cache warmup"}})

	assert.Contains(t, out, "Incident: INC-7")
	assert.Contains(t, out, "09:00 — deploy started")
	assert.Contains(t, out, "Add cache warmup | Owner: TBD | Effort: ? | Impact: ?")
	assert.Contains(t, out, "blameless")
}

func TestBuildSprintPlanTotals(t *testing.T) {
	out := BuildSprintPlan(14, "Ship exports v2",
		[]SprintStory{
			{ID: "ENG-1", Title: "Chunked export", Points: 5, Assignee: "kim"},
			{ID: "ENG-2", Title: "Progress UI", Points: 3, DependsOn: []string{"ENG-1"}},
		},
		10, map[string]int{"kim": 5}, []string{"S3 bucket access"}, nil)

	assert.Contains(t, out, "Total capacity: 10 points")
	assert.Contains(t, out, "Allocated: 8 points")
	assert.Contains(t, out, "[5pts] ENG-1 — Chunked export → kim")
	assert.Contains(t, out, "[3pts] ENG-2 — Progress UI → unassigned (depends: ENG-1)")
	assert.Contains(t, out, "- S3 bucket access")
}

package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/policy"
)

// Structured document generation. Each document type has an ordered
// section schema; missing sections are flagged inline so a reviewer
// sees the agent knew what was required but could not fill it.

var documentSchemas = map[string][]string{
	"prd": {
		"problem_statement", "user_stories", "acceptance_criteria",
		"technical_constraints", "success_metrics", "open_questions",
	},
	"post_mortem": {
		"incident_summary", "timeline", "root_cause", "contributing_factors",
		"impact", "action_items", "blameless_note",
	},
	"approval_brief": {
		"request_summary", "proposed_actions", "policy_compliance",
		"risk_assessment", "approver_decision",
	},
	"sprint_plan": {
		"sprint_goal", "capacity_summary", "stories", "dependencies",
		"risks", "carryover",
	},
	"ar_report": {
		"aging_summary", "by_customer", "recommended_actions",
		"revenue_impact", "write_offs",
	},
	"compliance_report": {
		"audit_scope", "findings", "gap_analysis", "remediation_plan",
		"deadline_summary",
	},
	"incident_rca": {
		"incident_summary", "timeline", "root_cause", "contributing_factors",
		"remediation_options", "chosen_remediation", "action_items",
		"monitoring_gaps",
	},
	"qbr_slide": {
		"executive_summary", "financial_metrics", "sales_pipeline",
		"product_highlights", "support_metrics", "engineering_metrics",
		"key_insights", "action_items",
	},
	"contract_renewal": {
		"vendor_summary", "current_terms", "proposed_changes", "risk_flags",
		"approval_routing", "recommendation",
	},
}

// Document is a machine-readable structured deliverable.
type Document struct {
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
	Sections  map[string]any `json:"sections"`
	Order     []string       `json:"-"`
	Complete  bool           `json:"complete"`
}

// BuildDocument fills the schema for a document type from the supplied
// data. Sections the data does not cover get a [SECTION — REQUIRED]
// marker and flip Complete to false.
func BuildDocument(docType string, data map[string]any, metadata map[string]any) Document {
	schema := documentSchemas[docType]
	if metadata == nil {
		metadata = map[string]any{}
	}
	doc := Document{
		Type:      docType,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Metadata:  metadata,
		Sections:  map[string]any{},
		Complete:  true,
	}

	var missing []string
	for _, section := range schema {
		if v, ok := data[section]; ok {
			doc.Sections[section] = v
		} else {
			doc.Sections[section] = "[" + strings.ToUpper(strings.ReplaceAll(section, "_", " ")) + " — REQUIRED]"
			missing = append(missing, section)
			doc.Complete = false
		}
		doc.Order = append(doc.Order, section)
	}

	// Extra keys not in the schema are appended in stable order.
	var extras []string
	for k := range data {
		if _, inSchema := doc.Sections[k]; !inSchema {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		doc.Sections[k] = data[k]
		doc.Order = append(doc.Order, k)
	}

	if len(missing) > 0 {
		doc.Metadata["missing_sections"] = missing
	}
	return doc
}

// FormatDocument renders a document as readable text output.
func FormatDocument(doc Document) string {
	lines := []string{
		"## " + strings.ToUpper(strings.ReplaceAll(doc.Type, "_", " ")),
		"Generated: " + doc.CreatedAt,
	}

	metaKeys := make([]string, 0, len(doc.Metadata))
	for k := range doc.Metadata {
		if k != "missing_sections" {
			metaKeys = append(metaKeys, k)
		}
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, doc.Metadata[k]))
	}
	lines = append(lines, "")

	for _, section := range doc.Order {
		content := doc.Sections[section]
		lines = append(lines, "### "+titleCase(section))
		switch v := content.(type) {
		case []string:
			for _, item := range v {
				lines = append(lines, "- "+item)
			}
		case []any:
			for _, item := range v {
				switch iv := item.(type) {
				case map[string]any:
					raw, _ := json.MarshalIndent(iv, "", "  ")
					lines = append(lines, string(raw))
				default:
					lines = append(lines, fmt.Sprintf("- %v", iv))
				}
			}
		case map[string]any:
			raw, _ := json.MarshalIndent(v, "", "  ")
			lines = append(lines, string(raw))
		default:
			lines = append(lines, fmt.Sprintf("%v", v))
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// BuildApprovalBrief renders the brief shown when the agent halts at
// an approval gate with a thin answer.
func BuildApprovalBrief(processType string, proposedActions []string, policyResult *policy.Result, riskLevel string) string {
	policyStatus := "PASSED"
	policyDetail := "No structured policy provided"
	var triggered []string
	if policyResult != nil {
		policyDetail = policySummary(*policyResult)
		if !policyResult.Passed {
			policyStatus = "TRIGGERED"
			for _, r := range policyResult.Triggered {
				triggered = append(triggered, r.ID)
			}
		}
	}

	compliance := "Status: " + policyStatus + "\n" + policyDetail
	if len(triggered) > 0 {
		compliance += "\nRules triggered: " + strings.Join(triggered, ", ")
	}

	doc := BuildDocument("approval_brief", map[string]any{
		"request_summary":   "Process: " + titleCase(processType),
		"proposed_actions":  proposedActions,
		"policy_compliance": compliance,
		"risk_assessment":   "Risk level: " + strings.ToUpper(riskLevel),
		"approver_decision": "Awaiting approval. Please confirm to proceed.",
	}, map[string]any{"process": processType, "risk": riskLevel})
	return FormatDocument(doc)
}

// TimelineEvent is one post-mortem timeline entry.
type TimelineEvent struct {
	Time  string
	Event string
}

// ActionItem is one post-mortem or RCA followup.
type ActionItem struct {
	Action string
	Owner  string
	Effort string
	Impact string
}

// BuildPostMortem renders a blameless post-mortem document.
func BuildPostMortem(incidentID, summary string, timeline []TimelineEvent, rootCause string, contributingFactors []string, impact map[string]any, actionItems []ActionItem) string {
	timelineLines := make([]string, 0, len(timeline))
	for _, e := range timeline {
		timelineLines = append(timelineLines, e.Time+" — "+e.Event)
	}
	actionLines := make([]string, 0, len(actionItems))
	for _, a := range actionItems {
		owner, effort, impactStr := a.Owner, a.Effort, a.Impact
		if owner == "" {
			owner = "TBD"
		}
		if effort == "" {
			effort = "?"
		}
		if impactStr == "" {
			impactStr = "?"
		}
		actionLines = append(actionLines, fmt.Sprintf("%s | Owner: %s | Effort: %s | Impact: %s",
			a.Action, owner, effort, impactStr))
	}

	doc := BuildDocument("post_mortem", map[string]any{
		"incident_summary":     "Incident: " + incidentID + "\n" + summary,
		"timeline":             timelineLines,
		"root_cause":           rootCause,
		"contributing_factors": contributingFactors,
		"impact":               impact,
		"action_items":         actionLines,
		"blameless_note": "This post-mortem is blameless. The goal is to identify system gaps, " +
			"not assign individual blame. Errors are expected in complex systems — " +
			"the focus is on making systems more resilient.",
	}, map[string]any{"incident_id": incidentID})
	return FormatDocument(doc)
}

// SprintStory is one story in a sprint plan.
type SprintStory struct {
	ID        string
	Title     string
	Points    int
	Assignee  string
	DependsOn []string
}

// BuildSprintPlan renders a sprint allocation document.
func BuildSprintPlan(sprintNum int, goal string, stories []SprintStory, totalCapacity int, byPerson map[string]int, dependencies, risks []string) string {
	totalPoints := 0
	storyLines := make([]string, 0, len(stories))
	for _, s := range stories {
		totalPoints += s.Points
		assignee := s.Assignee
		if assignee == "" {
			assignee = "unassigned"
		}
		line := fmt.Sprintf("[%dpts] %s — %s → %s", s.Points, s.ID, s.Title, assignee)
		if len(s.DependsOn) > 0 {
			line += " (depends: " + strings.Join(s.DependsOn, ", ") + ")"
		}
		storyLines = append(storyLines, line)
	}

	capLines := []string{
		fmt.Sprintf("Total capacity: %d points", totalCapacity),
		fmt.Sprintf("Allocated: %d points", totalPoints),
	}
	people := make([]string, 0, len(byPerson))
	for p := range byPerson {
		people = append(people, p)
	}
	sort.Strings(people)
	for _, p := range people {
		capLines = append(capLines, fmt.Sprintf("  %s: %dpts", p, byPerson[p]))
	}

	doc := BuildDocument("sprint_plan", map[string]any{
		"sprint_goal":      goal,
		"capacity_summary": strings.Join(capLines, "\n"),
		"stories":          storyLines,
		"dependencies":     dependencies,
		"risks":            risks,
		"carryover":        []string{},
	}, map[string]any{"sprint": sprintNum, "total_points": totalPoints})
	return FormatDocument(doc)
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/knowledge"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/toolexec"
)

// Five-phase execution: PLAN decomposes the task, GATHER fans out tool
// calls per subtask, SYNTHESIZE merges the evidence, ARTIFACT formats
// the deliverable, INSIGHT feeds the knowledge base. The strategy wins
// on wide tasks where a flat tool loop thrashes.

const (
	planTimeout     = 10 * time.Second
	planMaxTokens   = 200
	gatherTimeout   = 10 * time.Second
	gatherMaxTokens = 150
	gatherTotal     = 30 * time.Second
	gatherMaxSubs   = 8
	synthTimeout    = 45 * time.Second
	synthMaxTokens  = 1500
	artifactTimeout = 20 * time.Second
	artifactTokens  = 800
)

// Plan is the PLAN phase output.
type Plan struct {
	Subtasks      []string `json:"subtasks"`
	ProcessType   string   `json:"process_type"`
	RequiresTools bool     `json:"requires_tools"`
}

type gatherResult struct {
	Subtask string
	Tool    string
	Data    map[string]any
	Err     string
}

// FivePhase is the planner/executor for the five-phase strategy.
type FivePhase struct {
	Fast      llm.Client
	Strong    llm.Client
	Knowledge *knowledge.Base
}

// FivePhaseOutcome summarizes a five-phase run for strategy scoring.
type FivePhaseOutcome struct {
	Answer    string
	Quality   float64
	ToolCount int
	Plan      Plan
}

// Run executes all five phases.
func (f *FivePhase) Run(ctx context.Context, taskText, processType string, call toolexec.ToolFunc, available []llm.ToolDefinition) FivePhaseOutcome {
	plan := f.plan(ctx, taskText, processType)
	gathered := f.gather(ctx, taskText, plan, call, available)

	toolCount := 0
	errCount := 0
	for _, g := range gathered {
		if g.Err != "" {
			errCount++
		} else if g.Tool != "" {
			toolCount++
		}
	}

	answer := f.synthesize(ctx, taskText, plan, gathered)
	answer = f.artifact(ctx, answer, plan.ProcessType)

	// INSIGHT is fire-and-forget: a slow extraction never delays the answer.
	if f.Knowledge != nil {
		go func(task, ans, domain string) {
			qctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			f.Knowledge.ExtractAndStore(qctx, task, ans, domain, 0.7)
		}(taskText, answer, plan.ProcessType)
	}

	return FivePhaseOutcome{
		Answer:    answer,
		Quality:   fivePhaseQuality(answer, toolCount, errCount, len(plan.Subtasks)),
		ToolCount: toolCount,
		Plan:      plan,
	}
}

func (f *FivePhase) plan(ctx context.Context, taskText, processType string) Plan {
	pctx, cancel := context.WithTimeout(ctx, planTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Decompose this task into 2-4 subtasks. Reply JSON only:\n"+
			`{"subtasks": ["..."], "process_type": "%s", "requires_tools": true/false}`+
			"\n\nTASK:\n%s", processType, clipText(taskText, 600))

	fallback := Plan{
		Subtasks:      []string{"Gather relevant data", "Produce the answer"},
		ProcessType:   processType,
		RequiresTools: true,
	}

	resp, err := f.Fast.Chat(pctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: planMaxTokens,
	})
	if err != nil {
		return fallback
	}
	var plan Plan
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &plan); err != nil || len(plan.Subtasks) == 0 {
		return fallback
	}
	if plan.ProcessType == "" {
		plan.ProcessType = processType
	}
	return plan
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (f *FivePhase) gather(ctx context.Context, taskText string, plan Plan, call toolexec.ToolFunc, available []llm.ToolDefinition) []gatherResult {
	if !plan.RequiresTools || call == nil || len(available) == 0 {
		return nil
	}
	subtasks := plan.Subtasks
	if len(subtasks) > gatherMaxSubs {
		subtasks = subtasks[:gatherMaxSubs]
	}

	toolNames := make([]string, 0, len(available))
	for _, t := range available {
		toolNames = append(toolNames, t.Name)
	}
	toolList := strings.Join(toolNames, ", ")

	gctx, cancel := context.WithTimeout(ctx, gatherTotal)
	defer cancel()

	results := make([]gatherResult, len(subtasks))
	var wg sync.WaitGroup
	for i, sub := range subtasks {
		wg.Add(1)
		go func(i int, sub string) {
			defer wg.Done()
			results[i] = f.gatherOne(gctx, taskText, sub, toolList, call)
		}(i, sub)
	}
	wg.Wait()
	return results
}

func (f *FivePhase) gatherOne(ctx context.Context, taskText, subtask, toolList string, call toolexec.ToolFunc) gatherResult {
	sctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Subtask: %s\nFull task: %s\nAvailable tools: %s\n\n"+
			"Pick the ONE best tool for this subtask. Reply JSON only:\n"+
			`{"tool": "name", "params": {}}`,
		subtask, clipText(taskText, 300), toolList)

	out := gatherResult{Subtask: subtask}
	resp, err := f.Fast.Chat(sctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		MaxTokens: gatherMaxTokens,
	})
	if err != nil {
		out.Err = err.Error()
		return out
	}

	var pick struct {
		Tool   string         `json:"tool"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &pick); err != nil || pick.Tool == "" {
		out.Err = "no tool selected"
		return out
	}
	out.Tool = pick.Tool
	data, err := call(ctx, pick.Tool, pick.Params)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	out.Data = data
	return out
}

func (f *FivePhase) synthesize(ctx context.Context, taskText string, plan Plan, gathered []gatherResult) string {
	var b strings.Builder
	b.WriteString("TASK:\n" + taskText + "\n\nPLAN:\n")
	for _, s := range plan.Subtasks {
		b.WriteString("- " + s + "\n")
	}
	if len(gathered) > 0 {
		b.WriteString("\nGATHERED DATA:\n")
		for _, g := range gathered {
			if g.Err != "" {
				fmt.Fprintf(&b, "[%s] tool %s failed: %s\n", g.Subtask, g.Tool, g.Err)
				continue
			}
			raw, _ := json.Marshal(g.Data)
			fmt.Fprintf(&b, "[%s] %s → %s\n", g.Subtask, g.Tool, clipText(string(raw), 800))
		}
	}
	b.WriteString("\nProduce the complete answer with concrete amounts, IDs, and decisions:")

	sctx, cancel := context.WithTimeout(ctx, synthTimeout)
	defer cancel()
	resp, err := f.Strong.Chat(sctx, []llm.Message{{Role: "user", Content: b.String()}}, nil, &llm.SamplingOptions{
		Model:     llm.StrongModel,
		MaxTokens: synthMaxTokens,
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}

	// Degrade to a structured digest of whatever was gathered.
	if len(gathered) > 0 {
		var fb strings.Builder
		fb.WriteString("## Task\n" + clipText(taskText, 300) + "\n\n## Gathered Data\n")
		for _, g := range gathered {
			if g.Err == "" && g.Data != nil {
				raw, _ := json.Marshal(g.Data)
				fb.WriteString("- " + g.Tool + ": " + clipText(string(raw), 300) + "\n")
			}
		}
		return fb.String()
	}
	return "Unable to complete analysis for: " + clipText(taskText, 200)
}

func (f *FivePhase) artifact(ctx context.Context, synthesis, processType string) string {
	if IsBracketAnswer(synthesis) {
		return synthesis
	}
	actx, cancel := context.WithTimeout(ctx, artifactTimeout)
	defer cancel()

	system := "You are a business document formatter. Restructure the draft into a clean deliverable:\n" +
		"- ## section headers\n- bullet points for lists\n- dollar amounts as $X,XXX.XX\n" +
		"- dates as YYYY-MM-DD\n- a ## Decision section when the task calls for one\n" +
		"Never invent data not in the draft."
	resp, err := f.Fast.Chat(actx, []llm.Message{
		{Role: "user", Content: "Process: " + titleCase(processType) + "\n\nDRAFT:\n" + synthesis},
	}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    system,
		MaxTokens: artifactTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return synthesis
	}
	return strings.TrimSpace(resp.Content)
}

// fivePhaseQuality estimates run quality on surface signals, clamped to
// [0.25, 0.95] so one run never saturates a strategy arm.
func fivePhaseQuality(answer string, toolCount, errCount, subtaskCount int) float64 {
	q := 0.50
	if len(answer) > 1000 {
		q += 0.10
	}
	if len(answer) > 2000 {
		q += 0.05
	}
	toolBonus := float64(toolCount) * 0.05
	if toolBonus > 0.15 {
		toolBonus = 0.15
	}
	q += toolBonus
	errPenalty := float64(errCount) * 0.05
	if errPenalty > 0.15 {
		errPenalty = 0.15
	}
	q -= errPenalty
	if subtaskCount >= 2 {
		q += 0.05
	}
	if subtaskCount >= 3 {
		q += 0.05
	}
	if strings.Contains(answer, "##") {
		q += 0.05
	}
	if strings.Contains(answer, "\n- ") {
		q += 0.03
	}
	if q < 0.25 {
		q = 0.25
	}
	if q > 0.95 {
		q = 0.95
	}
	return q
}

var complexityKeywords = []string{
	"month-end", "month end close", "financial close", "compliance audit",
	"kyc", "sox", "payroll", "pay run", "subscription migration",
	"p1 incident", "sev1", "major incident", "quarterly business review",
	"reconcile all", "multi-step", "end-to-end", "full audit",
}

// ShouldUseFivePhase is a pure heuristic: long multi-question tasks,
// recognized complex processes, or a run already deep into tool calls.
func ShouldUseFivePhase(taskText string, toolCountSoFar int) bool {
	if len(taskText) > 200 {
		return true
	}
	if strings.Count(taskText, "?") > 1 {
		return true
	}
	lower := strings.ToLower(taskText)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return toolCountSoFar >= 3
}

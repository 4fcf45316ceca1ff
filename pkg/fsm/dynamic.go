package fsm

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
)

// Novel process types get their definition synthesized at runtime: one
// fast-model call per new type, cached to synthesized_definitions.json.
// Every future task of the same type reads the cached definition.

const (
	synthesizedFile  = "synthesized_definitions.json"
	synthTimeout     = 8 * time.Second
	synthMaxTokens   = 700
	synthTaskTextCap = 500
)

const definitionSynthSystem = `You are a business process analyst specializing in workflow automation.

Given a process type name and task description, synthesize an optimal FSM workflow.

Available FSM states (choose the right subset for this process):
- DECOMPOSE: Break task into sub-tasks, identify required entities and data
- ASSESS: Gather all required data via read-only tools (no write actions yet)
- COMPUTE: Run calculations using gathered data (no tools — pure math and scoring)
- POLICY_CHECK: Verify business rules, thresholds, and compliance constraints
- APPROVAL_GATE: Human-in-the-loop approval required before any mutations
- MUTATE: Execute state changes via write tools (only after all prior phases complete)
- SCHEDULE_NOTIFY: Send notifications, schedule follow-up actions
- COMPLETE: Summarize all outcomes concisely

Design rules:
1. ALWAYS include DECOMPOSE (first) and COMPLETE (last)
2. Include ASSESS if data needs to be gathered from external sources
3. Include COMPUTE only if calculations are needed (financial math, risk scoring, metrics)
4. Include POLICY_CHECK if business rules or approval thresholds must be verified
5. Include APPROVAL_GATE only for high-risk processes requiring explicit human sign-off
6. Include MUTATE if any state changes or write operations are required
7. Include SCHEDULE_NOTIFY only if notifications or scheduling are part of the outcome
8. Write specific, actionable state_instructions for EVERY state you include

Risk levels:
- low: informational queries or low-impact reversible changes
- medium: financial changes under $10K or access changes that are reversible
- high: financial changes over $10K, irreversible actions, or compliance-critical

Respond ONLY with valid JSON. No explanation. No markdown fences.`

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// Enricher returns learned patterns relevant to a task, used to enrich
// synthesized DECOMPOSE instructions with accumulated case evidence.
type Enricher func(taskText, processType string) string

// DynamicSynthesizer manages the runtime definition cache and the
// one-call-per-type synthesis path.
type DynamicSynthesizer struct {
	client llm.Client
	store  *store.JSONStore
	enrich Enricher

	mu    sync.Mutex
	cache map[string]Definition
}

// NewDynamicSynthesizer loads the persisted synthesis cache. A missing
// or corrupt cache file starts empty rather than failing.
func NewDynamicSynthesizer(client llm.Client, js *store.JSONStore) *DynamicSynthesizer {
	d := &DynamicSynthesizer{
		client: client,
		store:  js,
		cache:  make(map[string]Definition),
	}
	if js != nil {
		var persisted map[string]Definition
		if found, err := js.Load(synthesizedFile, &persisted); err == nil && found {
			d.cache = persisted
		}
	}
	return d
}

// SetEnricher installs the learned-pattern enricher. Wired after
// construction because the knowledge layer depends on the same store.
func (d *DynamicSynthesizer) SetEnricher(fn Enricher) { d.enrich = fn }

// SynthesizeIfNeeded returns a definition for a novel process type, or
// nil when the type has a built-in definition. Synthesis happens at
// most once per type; subsequent calls serve the cache, re-enriched
// with the latest learned patterns.
func (d *DynamicSynthesizer) SynthesizeIfNeeded(ctx context.Context, processType, taskText string) *Definition {
	if IsKnownType(processType) {
		return nil
	}

	d.mu.Lock()
	cached, ok := d.cache[processType]
	d.mu.Unlock()
	if ok {
		return d.enrichDefinition(cached, taskText, processType)
	}

	def := d.callSynthesizer(ctx, processType, taskText)

	d.mu.Lock()
	// A concurrent task of the same novel type may have won the race;
	// its definition stands.
	if winner, ok := d.cache[processType]; ok {
		def = winner
	} else {
		d.cache[processType] = def
		if d.store != nil {
			// Best effort: a failed cache write never blocks the task.
			_ = d.store.Save(synthesizedFile, d.cache)
		}
	}
	d.mu.Unlock()
	return d.enrichDefinition(def, taskText, processType)
}

func (d *DynamicSynthesizer) callSynthesizer(ctx context.Context, processType, taskText string) Definition {
	if d.client == nil {
		return fallbackDefinition(processType)
	}
	if len(taskText) > synthTaskTextCap {
		taskText = taskText[:synthTaskTextCap]
	}
	prompt := "Process type: " + processType + "\nTask description: " + taskText + "\n\n" +
		"Synthesize the optimal FSM workflow for this process type.\n" +
		"Return JSON with exactly this schema:\n" +
		`{
  "states": ["DECOMPOSE", "ASSESS", ...],
  "hitl_required": false,
  "risk_level": "low",
  "connector_hints": ["tool-prefix-1", "tool-prefix-2"],
  "state_instructions": {
    "DECOMPOSE": "Specific instruction for decompose phase...",
    "ASSESS": "Specific instruction for assess phase..."
  }
}`

	cctx, cancel := context.WithTimeout(ctx, synthTimeout)
	defer cancel()
	resp, err := d.client.Chat(cctx, []llm.Message{{Role: "user", Content: prompt}}, nil, &llm.SamplingOptions{
		Model:     llm.FastModel,
		System:    definitionSynthSystem,
		MaxTokens: synthMaxTokens,
	})
	if err != nil {
		return fallbackDefinition(processType)
	}
	if def := parseSynthesizedDefinition(resp.Content); def != nil {
		def.Synthesized = true
		return *def
	}
	return fallbackDefinition(processType)
}

// parseSynthesizedDefinition validates the model response: states are
// filtered to the valid set, deduplicated, normalized to canonical
// order with DECOMPOSE/COMPLETE bookends enforced, and malformed fields
// get defaults. Returns nil if unusable.
func parseSynthesizedDefinition(text string) *Definition {
	clean := strings.TrimSpace(text)
	if strings.HasPrefix(clean, "```") {
		clean = regexp.MustCompile("^```[a-z]*\n?").ReplaceAllString(clean, "")
		clean = regexp.MustCompile("\n?```$").ReplaceAllString(clean, "")
		clean = strings.TrimSpace(clean)
	}

	var raw struct {
		States            []string          `json:"states"`
		HITLRequired      *bool             `json:"hitl_required"`
		RiskLevel         string            `json:"risk_level"`
		ConnectorHints    []string          `json:"connector_hints"`
		StateInstructions map[string]string `json:"state_instructions"`
	}
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		match := jsonObjectRe.FindString(clean)
		if match == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(match), &raw); err != nil {
			return nil
		}
	}

	var states []State
	seen := map[State]bool{}
	for _, s := range raw.States {
		st := State(s)
		if validStates[st] && !seen[st] {
			states = append(states, st)
			seen[st] = true
		}
	}
	if len(states) == 0 {
		return nil
	}
	sort.Slice(states, func(i, j int) bool {
		return canonicalOrder[states[i]] < canonicalOrder[states[j]]
	})
	if states[0] != StateDecompose {
		states = append([]State{StateDecompose}, states...)
	}
	if states[len(states)-1] != StateComplete {
		states = append(states, StateComplete)
	}

	risk := raw.RiskLevel
	if risk != "low" && risk != "medium" && risk != "high" {
		risk = "medium"
	}
	hitl := risk == "high"
	if raw.HITLRequired != nil {
		hitl = *raw.HITLRequired
	}

	instructions := make(map[State]string, len(raw.StateInstructions))
	for k, v := range raw.StateInstructions {
		instructions[State(k)] = v
	}

	return &Definition{
		States:            states,
		HITLRequired:      hitl,
		RiskLevel:         risk,
		ConnectorHints:    raw.ConnectorHints,
		StateInstructions: instructions,
	}
}

// fallbackDefinition is the minimal definition when synthesis fails.
// Still better than the generic template: the instructions name the
// process.
func fallbackDefinition(processType string) Definition {
	label := strings.ReplaceAll(processType, "_", " ")
	return Definition{
		States:         []State{StateDecompose, StateAssess, StateCompute, StatePolicyCheck, StateMutate, StateComplete},
		HITLRequired:   false,
		RiskLevel:      "medium",
		ConnectorHints: []string{},
		StateInstructions: map[State]string{
			StateDecompose: "Break the " + label + " task into sub-tasks. " +
				"Identify all entities, IDs, amounts, and parties involved. " +
				"List what data you need to collect before taking any action.",
			StateAssess: "Using the read-only tools available for this workspace, gather all required data. " +
				"Do NOT take any write actions yet. Retrieve records and check statuses.",
			StateCompute: "Run all calculations required for " + label + ". " +
				"Use only data already collected in ASSESS — do not call additional tools.",
			StatePolicyCheck: "Verify all business rules, thresholds, and constraints " +
				"before executing any changes.",
			StateMutate: "Execute all required state changes via the write tools available. " +
				"Log each action with its outcome.",
			StateComplete: "Summarize all completed actions and their outcomes. " +
				"Include amounts, entity IDs, and any deferred items.",
		},
		Fallback: true,
	}
}

// enrichDefinition appends learned patterns for this process type to
// the DECOMPOSE instruction, so a novel type benefits from accumulated
// case evidence without another model call.
func (d *DynamicSynthesizer) enrichDefinition(def Definition, taskText, processType string) *Definition {
	if d.enrich == nil {
		return &def
	}
	patterns := d.enrich(taskText, processType)
	if len(patterns) < 20 {
		return &def
	}
	if len(patterns) > 400 {
		patterns = patterns[:400]
	}
	instructions := make(map[State]string, len(def.StateInstructions))
	for k, v := range def.StateInstructions {
		instructions[k] = v
	}
	instructions[StateDecompose] = instructions[StateDecompose] +
		"\n\n[Learned patterns for " + processType + " from past tasks]\n" + patterns
	def.StateInstructions = instructions
	return &def
}

// Stats reports synthesis cache contents for the status endpoint.
func (d *DynamicSynthesizer) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	synthesized, fallback := 0, 0
	types := make([]string, 0, len(d.cache))
	for name, def := range d.cache {
		types = append(types, name)
		if def.Synthesized {
			synthesized++
		}
		if def.Fallback {
			fallback++
		}
	}
	return map[string]any{
		"total_novel_types":    len(d.cache),
		"model_synthesized":    synthesized,
		"fallback_definitions": fallback,
		"cached_types":         types,
	}
}

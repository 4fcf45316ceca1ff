package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/opsagent/pkg/bandit"
	"github.com/Mindburn-Labs/opsagent/pkg/budget"
	"github.com/Mindburn-Labs/opsagent/pkg/contextrl"
	"github.com/Mindburn-Labs/opsagent/pkg/entity"
	"github.com/Mindburn-Labs/opsagent/pkg/finance"
	"github.com/Mindburn-Labs/opsagent/pkg/fsm"
	"github.com/Mindburn-Labs/opsagent/pkg/hitl"
	"github.com/Mindburn-Labs/opsagent/pkg/knowledge"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/observability"
	"github.com/Mindburn-Labs/opsagent/pkg/policy"
	"github.com/Mindburn-Labs/opsagent/pkg/rlcase"
	"github.com/Mindburn-Labs/opsagent/pkg/session"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
	"github.com/Mindburn-Labs/opsagent/pkg/synth"
	"github.com/Mindburn-Labs/opsagent/pkg/toolexec"
)

// The three-phase cognitive loop:
//
//	PRIME   → load context: primer, session history, process state, policy
//	EXECUTE → bandit-selected strategy over the layered tool stack
//	REFLECT → record outcome, persist checkpoint, feed learning channels
//
// One Worker serves every session; per-task state lives on the run.

// Explicit autonomy directive. Without it the fast model stalls simple
// mutations ("change shirt, exchange jeans") with clarifying questions.
const autonomyDirective = "DIRECTIVE: Never ask the user clarifying questions. " +
	"Make the most reasonable interpretation of the task and proceed autonomously. " +
	"If details are ambiguous, choose the safest/most likely interpretation and act. " +
	"Complete the task with the information given."

// reflectOpTimeout bounds the background REFLECT work (summary
// compression, knowledge extraction). Past it the goroutine is
// abandoned, never surfaced as an error.
const reflectOpTimeout = 15 * time.Second

// Task is one inbound request from the transport layer.
type Task struct {
	ID            string
	SessionID     string
	Text          string
	PolicyDoc     string
	ToolsEndpoint string
}

// Options wires the worker's subsystems. Observability and Logger are
// optional; everything else is required.
type Options struct {
	Fast   llm.Client
	Strong llm.Client

	Sessions   *session.Manager
	Cases      *rlcase.Log
	Bandit     *bandit.Bandit
	Knowledge  *knowledge.Base
	Entities   *entity.Memory
	ContextRL  *contextrl.Tracker
	Registry   *synth.Registry
	Synth      *synth.Synthesizer
	Classifier *fsm.Classifier
	DynamicFSM *fsm.DynamicSynthesizer
	Policy     *policy.Evaluator
	Store      *store.JSONStore

	DefaultEndpoint string
	ToolTimeout     time.Duration
	Observability   *observability.Provider
	Logger          *slog.Logger
}

// Worker is the cognitive pipeline shared by all sessions.
type Worker struct {
	fast   llm.Client
	strong llm.Client

	sessions   *session.Manager
	cases      *rlcase.Log
	bandit     *bandit.Bandit
	knowledge  *knowledge.Base
	entities   *entity.Memory
	contextRL  *contextrl.Tracker
	registry   *synth.Registry
	synth      *synth.Synthesizer
	classifier *fsm.Classifier
	dynamicFSM *fsm.DynamicSynthesizer
	policy     *policy.Evaluator
	store      *store.JSONStore

	defaultEndpoint string
	toolTimeout     time.Duration
	obs             *observability.Provider
	logger          *slog.Logger
	clock           func() time.Time
}

func New(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ToolTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Worker{
		fast:            opts.Fast,
		strong:          opts.Strong,
		sessions:        opts.Sessions,
		cases:           opts.Cases,
		bandit:          opts.Bandit,
		knowledge:       opts.Knowledge,
		entities:        opts.Entities,
		contextRL:       opts.ContextRL,
		registry:        opts.Registry,
		synth:           opts.Synth,
		classifier:      opts.Classifier,
		dynamicFSM:      opts.DynamicFSM,
		policy:          opts.Policy,
		store:           opts.Store,
		defaultEndpoint: opts.DefaultEndpoint,
		toolTimeout:     timeout,
		obs:             opts.Observability,
		logger:          logger,
		clock:           time.Now,
	}
}

// WithClock injects a clock for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// run carries per-task state: the token budget, the resolved gateway,
// and the tool inventory assembled during PRIME. visible is the subset
// the current FSM state may see; correction passes reuse it.
type run struct {
	w          *Worker
	task       Task
	budget     *budget.Tracker
	ep         string
	bridge     *toolexec.Bridge
	tools      []llm.ToolDefinition
	visible    []llm.ToolDefinition
	writeReads map[string]string
}

// primed is everything PRIME hands to EXECUTE and REFLECT.
type primed struct {
	refused       bool
	message       string
	runner        *fsm.Runner
	policyResult  *policy.Result
	policySection string
	systemContext string
	gateFired     bool
	financeCtx    string
}

// executed is the EXECUTE outcome, including the stack so REFLECT can
// harvest schema corrections learned this task.
type executed struct {
	answer    string
	toolCount int
	errText   string
	strategy  string
	stack     *toolexec.Stack
}

// Handle runs one task through PRIME → EXECUTE → REFLECT and returns
// the formatted answer. The pipeline degrades instead of failing: every
// recoverable error becomes part of the answer or a lost enrichment.
func (w *Worker) Handle(ctx context.Context, task Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	started := w.clock()

	if w.obs != nil {
		var done func(error)
		ctx, done = w.obs.TrackTask(ctx, "worker.handle",
			attribute.String("task.id", task.ID),
			attribute.String("session.id", task.SessionID))
		defer done(nil)
	}

	r := &run{
		w:      w,
		task:   task,
		budget: budget.NewTracker(),
		ep:     task.ToolsEndpoint,
	}
	if r.ep == "" {
		r.ep = w.defaultEndpoint
	}

	p := r.prime(ctx)
	if p.refused {
		return p.message, nil
	}

	e := r.execute(ctx, p)
	answer := r.reflect(ctx, p, e, started)

	if w.obs != nil {
		w.obs.RecordTokens(ctx, int64(r.budget.Spent()), "estimated")
	}
	w.logger.Info("task complete",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"process_type", p.runner.ProcessType(),
		"strategy", e.strategy,
		"tool_count", e.toolCount,
		"budget", r.budget.Summary(),
	)

	// An expired deadline still produced a recorded partial answer; the
	// error lets the transport label the result failed instead of done.
	if err := ctx.Err(); err != nil {
		return answer, err
	}
	return answer, nil
}

// ── PRIME ────────────────────────────────────────────────────────────

func (r *run) prime(ctx context.Context) *primed {
	w := r.w
	taskText := r.task.Text

	// Privacy fast-fail: refuse before any tool or model cost.
	if ref := CheckPrivacy(taskText, ""); ref != nil {
		w.logger.Info("task refused on privacy grounds",
			"task_id", r.task.ID, "trigger", ref.Trigger, "method", ref.Method)
		return &primed{refused: true, message: ref.Message}
	}

	// Learned-pattern primer, pruned of stale markers before injection.
	primer := w.cases.Primer(taskText)
	if primer != "" {
		primer = rlcase.PrunePrimer(primer)
		r.budget.Record(primer, "")
	}

	// Multi-turn session context.
	sessionCtx := ""
	if w.sessions.IsMultiTurn(r.task.SessionID) {
		sessionCtx = w.sessions.ContextPrompt(r.task.SessionID)
		if sessionCtx != "" {
			r.budget.Record(sessionCtx, "")
		}
	}

	// Resume from a checkpoint when the session holds one; otherwise
	// classify the process type.
	checkpoint := w.sessions.TakeCheckpoint(r.task.SessionID)
	processType := ""
	if checkpoint == nil {
		processType, _ = w.classifier.Classify(ctx, taskText)
	}

	// Novel process types get a synthesized state sequence, cached for
	// every later task of the same type.
	var definition *fsm.Definition
	if checkpoint == nil && processType != "" && !fsm.IsKnownType(processType) {
		definition = w.dynamicFSM.SynthesizeIfNeeded(ctx, processType, taskText)
	}

	runner := fsm.NewRunner(taskText, r.task.SessionID, fsm.Options{
		ProcessType: processType,
		Definition:  definition,
		Checkpoint:  checkpoint,
	})

	// Deterministic policy evaluation. A structured verdict lands at
	// POLICY_CHECK; free-text documents pass through verbatim.
	policyResult, policySection := w.policy.EvaluateDocument(r.task.PolicyDoc)
	if policyResult != nil {
		r.budget.Record(policySection, "")
		if runner.CurrentState() == fsm.StatePolicyCheck {
			runner.ApplyPolicy(*policyResult)
		} else {
			runner.RecordPolicy(*policyResult)
		}
	}

	// Tool inventory: gateway discovery, locally registered tools,
	// schema patches, gap synthesis.
	r.bridge = toolexec.NewBridge(r.ep, w.toolTimeout)
	tools, err := r.bridge.DiscoverTools(ctx, r.task.SessionID)
	if err != nil {
		w.logger.Warn("tool discovery failed", "endpoint", r.ep, "error", err)
		tools = nil
	}
	tools = append(tools, w.registry.Definitions()...)
	tools = append(tools, finance.ToolDefinitions()...)
	tools = patchToolSchemas(tools)

	if w.synth != nil {
		names := make(map[string]bool, len(tools))
		for _, t := range tools {
			names[t.Name] = true
		}
		tools = append(tools, w.synth.FillGaps(ctx, taskText, names)...)
	}
	r.tools = tools

	// Tool-kind overrides come first so the mutation-free drop below
	// classifies correctly. A path that never mutates gets no mutation
	// tools at all; write→read pairs are mapped for the tools that remain.
	w.seedToolKinds()
	if !runner.SequenceHas(fsm.StateMutate) && !runner.SequenceHas(fsm.StateScheduleNotify) {
		r.tools = dropMutationTools(r.tools)
		tools = r.tools
	}
	r.writeReads = r.discoverWriteReadPairs(ctx)

	toolNames := make([]string, 0, len(tools))
	for _, t := range tools {
		toolNames = append(toolNames, t.Name)
	}

	// Mutation gate: blocks write tools until approval at APPROVAL_GATE.
	gateFired, hitlPrompt := hitl.CheckApprovalGate(
		string(runner.CurrentState()), toolNames, policyResult, runner.ProcessType())

	// Phase prompt with state-aware tool callouts, built after the
	// policy verdict so it reflects the post-POLICY_CHECK state.
	phasePrompt := runner.BuildPhasePrompt(tools)
	r.budget.Record(phasePrompt, "")

	// Knowledge base and entity memory.
	kbCtx := w.knowledge.Relevant(taskText, runner.ProcessType())
	if kbCtx != "" {
		r.budget.Record(kbCtx, "")
	}
	entityCtx := w.entities.EntityContext(taskText)
	if entityCtx != "" {
		r.budget.Record(entityCtx, "")
	}

	// Pre-computed financial ground truth for the COMPUTE state. On a
	// restored checkpoint the task text is a follow-up, not the full
	// process description, so only the general facts apply.
	financePT := runner.ProcessType()
	if checkpoint != nil {
		financePT = "general"
	}
	financeCtx := r.financeContext(taskText, financePT)
	if financeCtx != "" {
		r.budget.Record(financeCtx, "")
	}

	// Assemble the system context. Each component was budget-counted
	// above; the joined block is not counted again.
	parts := []string{
		fmt.Sprintf("## OpsAgent | Task: %s | Session: %s", r.task.ID, r.task.SessionID),
		"Tools endpoint: " + r.ep,
		autonomyDirective,
	}
	if primer != "" {
		parts = append(parts, r.budget.CapPrompt(primer, 0))
	}
	if kbCtx != "" {
		parts = append(parts, r.budget.CapPrompt(kbCtx, 0))
	}
	if entityCtx != "" {
		parts = append(parts, r.budget.CapPrompt(entityCtx, 0))
	}
	if financeCtx != "" {
		parts = append(parts, r.budget.CapPrompt(financeCtx, 0))
	}
	if sessionCtx != "" {
		parts = append(parts, r.budget.CapPrompt(sessionCtx, 0))
	}
	parts = append(parts, phasePrompt)
	if policySection != "" {
		parts = append(parts, policySection)
	}
	if hitlPrompt != "" {
		parts = append(parts, hitlPrompt)
	}
	if hint := r.budget.EfficiencyHint(); hint != "" {
		parts = append(parts, hint)
	}

	return &primed{
		runner:        runner,
		policyResult:  policyResult,
		policySection: policySection,
		systemContext: strings.Join(parts, "\n\n"),
		gateFired:     gateFired,
		financeCtx:    financeCtx,
	}
}

// financeContext renders pre-computed facts with per-channel confidence
// annotations; a drifting channel injects its warning instead of the
// value.
func (r *run) financeContext(taskText, processType string) string {
	facts := finance.PrecomputeFacts(taskText, processType)
	if len(facts) == 0 {
		return ""
	}
	tracker := r.w.contextRL
	return finance.FormatFacts(facts,
		func(contextType string) string {
			return tracker.Annotation(processType, contextType)
		},
		func(contextType string) (string, bool) {
			if tracker.DriftDetected(processType, contextType) {
				return contextrl.DriftWarning(contextType), true
			}
			return "", false
		},
	)
}

// ── EXECUTE ──────────────────────────────────────────────────────────

func (r *run) execute(ctx context.Context, p *primed) executed {
	w := r.w
	taskText := r.task.Text

	w.sessions.AddTurn(r.task.SessionID, "user", taskText)

	// Model tier follows the FSM state: fast for fresh tasks, strong when
	// a checkpoint resumes at MUTATE or an analytical COMPUTE.
	fsmState := string(p.runner.CurrentState())
	model := r.budget.ModelFor(fsmState, taskText)
	maxTokens := r.budget.MaxTokens(fsmState)

	// Reading states see a structurally filtered tool set.
	r.visible = r.tools
	sysCtx := p.systemContext
	if filtered, banner := filterVisibleTools(r.tools, fsmState); banner != "" {
		r.visible = filtered
		sysCtx += "\n\n" + banner
	}

	stack := toolexec.BuildStack(r.bridge.SessionFunc(r.task.SessionID), toolexec.StackConfig{
		Registry:   r.localRegistry(),
		Advisor:    w.fast,
		Available:  r.tools,
		WriteReads: r.writeReads,
		SchemaSeed: w.sessions.SchemaCache(r.task.SessionID),
	})

	out := executed{strategy: "fsm", stack: stack}
	if r.budget.Exhausted() {
		out.answer = "Token budget exhausted. Task incomplete."
		return r.postProcess(ctx, p, out)
	}

	strategy := w.bandit.Select(p.runner.ProcessType())
	if strategy == "five_phase" || (strategy == "fsm" && ShouldUseFivePhase(taskText, 0)) {
		// GATHER is a pure reading fan-out. At SCHEDULE_NOTIFY the senders
		// stay hidden until the gathering half is over.
		gatherTools := r.visible
		if p.runner.CurrentState() == fsm.StateScheduleNotify {
			gatherTools, _ = filterVisibleTools(r.visible, hitl.ScheduleNotifyReading)
		}
		fp := &FivePhase{Fast: w.fast, Strong: w.strong, Knowledge: w.knowledge}
		outcome := fp.Run(ctx, taskText, p.runner.ProcessType(), stack.Call, gatherTools)
		out.answer = outcome.Answer
		out.toolCount = outcome.ToolCount
		out.strategy = "five_phase"
	} else {
		res, err := Solve(ctx, w.strong, ExecInput{
			Task:          taskText,
			SystemContext: sysCtx,
			Tools:         r.visible,
			Call:          stack.Call,
			Model:         model,
			MaxTokens:     maxTokens,
		})
		if err != nil {
			out.errText = err.Error()
			if ctx.Err() != nil {
				// The deadline expired mid-strategy. The partial answer
				// names the phase reached; REFLECT still checkpoints it.
				out.answer = fmt.Sprintf(
					"Task ran out of time in the %s phase before completing. "+
						"The session checkpoint was saved; a follow-up request resumes from there.",
					p.runner.CurrentState())
			} else {
				out.answer = "Task failed: " + out.errText
			}
			w.logger.Error("execution failed", "task_id", r.task.ID, "error", err)
		} else {
			out.answer = NormalizeAnswer(res.Answer, p.policyResult)
			out.toolCount = res.ToolCount
		}
		// The moa arm runs the same loop; its label survives so the
		// bandit credits the right strategy for the post passes below.
		if strategy == "moa" {
			out.strategy = "moa"
		}
	}

	return r.postProcess(ctx, p, out)
}

// solveAux runs a correction or improvement pass. The original task is
// carried in the system prompt so the model is not working from the
// delta alone.
func (r *run) solveAux(ctx context.Context, p *primed, prompt, model string, maxTokens int, call toolexec.ToolFunc) (string, int) {
	if model == budget.ModelSkip {
		return "", 0
	}
	tools := r.visible
	if tools == nil {
		tools = r.tools
	}
	res, err := Solve(ctx, r.w.strong, ExecInput{
		Task:          prompt,
		PolicySection: p.policySection,
		OriginalTask:  r.task.Text,
		Tools:         tools,
		Call:          call,
		Model:         model,
		MaxTokens:     maxTokens,
	})
	if err != nil {
		return "", 0
	}
	return NormalizeAnswer(res.Answer, p.policyResult), res.ToolCount
}

// postProcess runs the answer-refinement passes in a fixed order. Every
// replacement is guarded so a clarifying question or truncated retry
// never overwrites a good answer, and bracket-format answers are never
// modified. The mutation log is appended last so no pass can discard it.
func (r *run) postProcess(ctx context.Context, p *primed, out executed) executed {
	w := r.w
	taskText := r.task.Text
	processType := p.runner.ProcessType()
	answer := out.answer

	fsmState := string(p.runner.CurrentState())
	model := r.budget.ModelFor(fsmState, taskText)
	maxTokens := r.budget.MaxTokens(fsmState)

	// Arithmetic audit: one correction attempt, before anything else
	// can touch the answer.
	if answer != "" && out.errText == "" && !r.budget.Exhausted() {
		audit := VerifyComputations(ctx, w.fast, taskText, answer, processType)
		if audit.HasErrors {
			if prompt := audit.CorrectionPrompt(taskText); prompt != "" {
				corrected, extra := r.solveAux(ctx, p, prompt, model, maxTokens, out.stack.Call)
				if len(corrected) > 80 {
					answer = corrected
					out.toolCount += extra
				}
			}
		}
	}

	// Numeric cross-check for data-driven answers: a verify/challenge
	// sample pair over the draft. The consensus answer is appended only
	// when its final figure disagrees with the execution answer, so a
	// matching recomputation adds nothing.
	if answer != "" && out.errText == "" && out.toolCount > 0 && !r.budget.Exhausted() && !bracketPrefixed(answer) {
		moa := NumericSynthesize(ctx, w.fast, w.strong, taskText, answer)
		if cand := moa.Answer; cand != "" && !bracketPrefixed(cand) {
			execFig, okExec := FinalNumber(answer)
			moaFig, okMoA := FinalNumber(cand)
			if okExec && okMoA && !sameFigure(execFig, moaFig) {
				answer += "\n\n## Numeric Verification\n" + cand
			}
		}
	}

	// A thin answer at an open approval gate becomes a structured
	// brief. Exact-match answers stay as-is.
	if p.gateFired && answer != "" && len(answer) < 200 && !bracketPrefixed(answer) {
		answer = BuildApprovalBrief(processType, []string{answer}, p.policyResult, "high")
	}

	// Per-process required fields: fetch what is missing and append.
	if answer != "" && out.errText == "" {
		if v := ValidateOutput(answer, processType); !v.Valid && len(v.Missing) > 0 {
			prompt := MissingFieldsPrompt(v.Missing, processType)
			if prompt != "" && !r.budget.Exhausted() {
				improved, extra := r.solveAux(ctx, p, prompt, r.budget.ModelFor(fsmState, prompt), 512, out.stack.Call)
				if len(improved) > 50 && !bracketPrefixed(answer) {
					answer = answer + "\n\n" + improved
					out.toolCount += extra
				}
			}
		}
	}

	// Self-reflection: score the answer, one improvement retry below
	// threshold.
	if answer != "" && out.errText == "" && !r.budget.Exhausted() && !bracketPrefixed(answer) {
		reflection := Reflect(ctx, w.fast, taskText, answer, processType, out.toolCount)
		if reflection.ShouldImprove() {
			improved, extra := r.solveAux(ctx, p, reflection.BuildImprovementPrompt(),
				r.budget.ModelFor(fsmState, taskText), 600, out.stack.Call)
			if improved != "" &&
				float64(len(improved)) > float64(len(answer))*0.8 &&
				!tailHasQuestion(improved) &&
				!bracketPrefixed(improved) {
				answer = improved
				out.toolCount += extra
			}
		}
	}

	// Consensus synthesis for pure-reasoning tasks: no tool data to
	// anchor the answer, so a second sample catches drift. Multi-part
	// tasks get the three-lens variant instead of dual sampling.
	if answer != "" && out.errText == "" && out.toolCount == 0 && !r.budget.Exhausted() && !bracketPrefixed(answer) {
		var moa MoAResult
		if multiPartTask(taskText) {
			moa = LensSynthesize(ctx, w.fast, w.strong, taskText)
		} else {
			moa = QuickSynthesize(ctx, w.fast, taskText, p.systemContext)
		}
		cand := moa.Answer
		if cand != "" &&
			float64(len(cand)) > float64(len(answer))*0.6 &&
			!tailHasQuestion(cand) &&
			!bracketPrefixed(cand) {
			answer = cand
		}
	}

	// Mutation verification log last, after every pass that could
	// replace the answer. Never on exact-match answers.
	if out.stack != nil && out.stack.Verifier.MutationCount() > 0 && !bracketPrefixed(answer) {
		answer += out.stack.Verifier.Section()
	}

	out.answer = answer
	return out
}

// multiPartTask gates the three-lens variant: several distinct asks or
// a long brief.
func multiPartTask(s string) bool {
	return strings.Count(s, "?") > 1 || len(s) > 500
}

// tailHasQuestion reports whether the last stretch of an answer ends in
// a clarifying question, the fast model's usual failure mode on retry
// passes.
func tailHasQuestion(s string) bool {
	tail := s
	if len(tail) > 100 {
		tail = tail[len(tail)-100:]
	}
	return strings.Contains(tail, "?")
}

// bracketPrefixed is the refinement-pass skip check. Anything opening
// with "[" is treated as exact-match format: JSON arrays, but also
// policy-marker answers that must reach the caller untouched.
func bracketPrefixed(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "[")
}

// ── REFLECT ──────────────────────────────────────────────────────────

func (r *run) reflect(ctx context.Context, p *primed, e executed, started time.Time) string {
	w := r.w
	answer := e.answer

	if answer != "" {
		w.sessions.AddTurn(r.task.SessionID, "assistant", answer)
		r.budget.Record(answer, "")
	}

	// A successful turn completes the state it executed in; the saved
	// checkpoint points at the next one, so a follow-up request never
	// re-runs this turn's phase. Advance routes a failed-policy path
	// away from MUTATE here too. Failed or terminal turns keep their
	// position for retry.
	if answer != "" && e.errText == "" && !p.runner.IsTerminal() {
		p.runner.Advance(nil)
	}
	cp := p.runner.Checkpoint()
	w.sessions.SetCheckpoint(r.task.SessionID, &cp)
	w.sessions.SetProcessType(r.task.SessionID, p.runner.ProcessType())

	// Fold schema corrections learned this task back into the session
	// so later turns pre-warm the drift adapter.
	if e.stack != nil {
		w.sessions.MergeSchemaCache(r.task.SessionID, e.stack.Adapter.CachedCorrections())
	}

	// Summary upgrade runs off the request path, abandoned at the
	// reflect deadline rather than reported.
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), reflectOpTimeout)
		defer cancel()
		w.sessions.CompressSummary(cctx, w.fast, r.task.SessionID)
	}()

	// Outcome quality feeds the case log and the strategy bandit.
	var policyPassed *bool
	if p.policyResult != nil {
		v := p.policyResult.Passed
		policyPassed = &v
	}
	quality := w.cases.RecordOutcome(r.task.Text, answer, e.toolCount, policyPassed, e.errText, p.runner.ProcessType())
	w.bandit.Record(p.runner.ProcessType(), e.strategy, quality)

	// Did the injected finance facts survive contact with the answer?
	if p.financeCtx != "" && answer != "" && e.errText == "" {
		for _, oc := range contextrl.CheckAccuracy(p.financeCtx, answer, p.runner.ProcessType()) {
			w.contextRL.RecordOutcome(p.runner.ProcessType(), oc.ContextType, oc.Match)
		}
	}

	// Knowledge and entity extraction are fire-and-forget.
	taskText, processType := r.task.Text, p.runner.ProcessType()
	go func() {
		kctx, cancel := context.WithTimeout(context.Background(), reflectOpTimeout)
		defer cancel()
		w.knowledge.ExtractAndStore(kctx, taskText, answer, processType, quality)
	}()
	go w.entities.RecordTaskEntities(taskText, answer, processType)

	if p.runner.RequiresHITL() && !bracketPrefixed(answer) {
		answer += fmt.Sprintf("\n\n[Process: %s | Human approval required]", processType)
	}

	duration := w.clock().Sub(started).Milliseconds()
	return FormatFinalAnswer(answer, processType, quality, duration, policyPassed)
}

// Command opsagentd runs the business-process agent: a JSON-RPC 2.0
// task endpoint backed by the PRIME/EXECUTE/REFLECT pipeline and the
// persistent learning stores.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/opsagent/pkg/a2a"
	"github.com/Mindburn-Labs/opsagent/pkg/bandit"
	"github.com/Mindburn-Labs/opsagent/pkg/config"
	"github.com/Mindburn-Labs/opsagent/pkg/contextrl"
	"github.com/Mindburn-Labs/opsagent/pkg/entity"
	"github.com/Mindburn-Labs/opsagent/pkg/fsm"
	"github.com/Mindburn-Labs/opsagent/pkg/knowledge"
	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/Mindburn-Labs/opsagent/pkg/observability"
	"github.com/Mindburn-Labs/opsagent/pkg/policy"
	"github.com/Mindburn-Labs/opsagent/pkg/rlcase"
	"github.com/Mindburn-Labs/opsagent/pkg/session"
	"github.com/Mindburn-Labs/opsagent/pkg/store"
	"github.com/Mindburn-Labs/opsagent/pkg/synth"
	"github.com/Mindburn-Labs/opsagent/pkg/worker"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("opsagentd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	logger := observability.SetupLogging(cfg.LogLevel)

	if cfg.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.LogLevel = cfg.LogLevel
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	js, err := store.NewJSONStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init data dir %s: %w", cfg.DataDir, err)
	}
	logger.Info("store ready", "data_dir", cfg.DataDir)

	fast := llm.NewAnthropicClient(cfg.AnthropicAPIKey, llm.FastModel)
	strongPrimary := llm.NewAnthropicClient(cfg.AnthropicAPIKey, llm.StrongModel)
	strong := llm.NewFallback(strongPrimary, fast, cfg.FallbackModel)

	// Learning stores. The enricher and benchmark primer close the loop:
	// case evidence feeds synthesized FSM definitions, benchmark reports
	// feed the primer.
	cases := rlcase.NewLog(js)
	cases.SetBenchmarkPrimer(cases.BenchmarkPrimer)
	knowledgeBase := knowledge.NewBase(js, fast)
	entities := entity.NewMemory(js)
	contextRL := contextrl.NewTracker(js)
	strategies := bandit.Load(js)

	registry, err := synth.LoadRegistry(js)
	if err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}
	registry.SeedAmortization()
	synthesizer := synth.NewSynthesizer(fast, registry)

	classifier := fsm.NewClassifier(fast)
	dynamicFSM := fsm.NewDynamicSynthesizer(fast, js)
	dynamicFSM.SetEnricher(func(taskText, processType string) string {
		return cases.Primer(taskText)
	})

	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return fmt.Errorf("init policy evaluator: %w", err)
	}

	sessions := session.NewManager()
	w := worker.New(worker.Options{
		Fast:            fast,
		Strong:          strong,
		Sessions:        sessions,
		Cases:           cases,
		Bandit:          strategies,
		Knowledge:       knowledgeBase,
		Entities:        entities,
		ContextRL:       contextRL,
		Registry:        registry,
		Synth:           synthesizer,
		Classifier:      classifier,
		DynamicFSM:      dynamicFSM,
		Policy:          evaluator,
		Store:           js,
		DefaultEndpoint: cfg.ToolsEndpoint,
		ToolTimeout:     cfg.ToolTimeout,
		Observability:   obs,
		Logger:          logger,
	})

	srvOpts := a2a.Options{
		Runner:      w,
		TaskTimeout: cfg.TaskTimeout,
		CardURL:     cfg.CardURL,
		Version:     version,
		Cases:       cases,
		Knowledge:   knowledgeBase,
		Entities:    entities,
		ContextRL:   contextRL,
		DynamicFSM:  dynamicFSM,
		Bandit:      strategies,
		Registry:    registry,
		Sessions:    sessions,
		Logger:      logger,
	}
	if cfg.TrainingBucket != "" {
		seeder, serr := store.NewSeeder(ctx, cfg.TrainingBucket, cfg.TrainingPrefix, cfg.ReportsPrefix, logger)
		if serr != nil {
			logger.Warn("training seeder unavailable", "bucket", cfg.TrainingBucket, "error", serr)
		} else {
			srvOpts.Seeder = seeder
		}
	}
	srv := a2a.NewServer(srvOpts)

	// Seed in the background so a slow bucket never delays first serve.
	if srvOpts.Seeder != nil {
		go func() {
			seedCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			result := srv.SeedTraining(seedCtx, false)
			logger.Info("startup training seed", "status", result["status"])
		}()
	}

	logger.Info("opsagentd listening",
		"port", cfg.Port,
		"tools_endpoint", cfg.ToolsEndpoint,
		"task_timeout", cfg.TaskTimeout,
		"cases", cases.Count())
	return srv.Start(ctx, ":"+cfg.Port)
}

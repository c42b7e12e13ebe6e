package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conductor/internal/config"
	"conductor/internal/debate"
	"conductor/internal/hitl"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/orchestrator"
	"conductor/internal/platform"
	"conductor/internal/policy"
	"conductor/internal/provenance"
	"conductor/internal/router"
	"conductor/internal/saga"
)

// buildEngine is the composition root: every dependency is constructed
// here and passed explicitly; there are no process-wide singletons
// beyond the logging context.
func buildEngine(ctx context.Context, cfg *config.Config, backendName string) (*orchestrator.Engine, func(), error) {
	audit, err := logging.NewFileAuditSink(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}

	engine, err := policy.NewMangleEngine("", "")
	if err != nil {
		return nil, nil, err
	}
	gate := policy.NewGate(engine, audit, 3)

	store, err := provenance.Open(filepath.Join(cfg.StateDir, "provenance.db"))
	if err != nil {
		return nil, nil, err
	}

	clock := platform.RealClock{}
	limiter := platform.NewRateLimiter(clock, 10, 20)

	var backend platform.ModelBackend
	switch backendName {
	case "genai":
		backend, err = platform.NewGenAIBackend(ctx, os.Getenv("GEMINI_API_KEY"), limiter)
	case "anthropic":
		backend, err = platform.NewAnthropicBackend("", limiter)
	default:
		backend = platform.NewLocalModelBackend()
	}
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	identity := platform.NewLocalIdentityProvider()
	owners := platform.NewLocalCodeownerResolver()
	approvals, err := hitl.Open(filepath.Join(cfg.StateDir, "hitl"), identity, owners, hitl.NopNotifier{}, clock, audit)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	scoreModel := "validator-model"
	if len(cfg.Router.Models) > 0 {
		scoreModel = cfg.Router.Models[0].ModelID
	}
	poolSize := cfg.Debate.PoolSize
	if poolSize <= 0 {
		poolSize = 2 * cfg.Debate.ValidatorCount
	}
	pool := debate.NewPool(poolSize, 1)
	controller := debate.NewController(cfg.Debate, pool,
		&debate.ModelScorer{Backend: backend, ModelID: scoreModel},
		&debate.ModelJudge{Backend: backend, ModelID: scoreModel, Seed: 99},
		gate)

	locks := platform.NewLocalLockService(clock)
	vault := platform.NewLocalCredentialVault(clock)
	repos := platform.NewLocalRepoPlatform()
	bus := platform.NewLocalEventBus()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	metrics.Observe(m, bus)

	rtr := router.New(cfg.Router, gate, audit, time.Now().UnixNano())

	sg := saga.New(cfg.Saga, locks, repos, vault, store, gate, approvals, bus, clock, audit, nil)

	eng := orchestrator.New(cfg.Orchestrator, cfg.StateDir, orchestrator.Deps{
		Store:     store,
		Gate:      gate,
		Router:    rtr,
		Debate:    controller,
		Approvals: approvals,
		Saga:      sg,
		Backend:   backend,
		Sandbox:   platform.NewLocalSandboxExecutor(),
		Vector:    platform.NewLocalVectorStore(),
		Bus:       bus,
		Clock:     clock,
		Audit:     audit,
	})

	cleanup := func() {
		approvals.Close()
		store.Close()
		audit.Close()
	}
	return eng, cleanup, nil
}

func newRunCmd() *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "run <dag.yaml>",
		Short: "Submit a task DAG and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			dag, err := orchestrator.LoadDAG(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := buildEngine(ctx, cfg, backendName)
			if err != nil {
				return err
			}
			defer cleanup()

			runID, err := eng.Submit(ctx, dag)
			if err != nil {
				return err
			}
			logger.Info("run submitted", zap.String("run_id", runID), zap.Int("tasks", len(dag.Tasks)))

			go func() {
				<-ctx.Done()
				logger.Warn("interrupt received, canceling run", zap.String("run_id", runID))
				_ = eng.Cancel(runID)
			}()

			if err := eng.Wait(runID); err != nil {
				logger.Error("run halted", zap.Error(err))
			}
			status, err := eng.GetStatus(runID)
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "local", "model backend: local, genai, anthropic")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a persisted run after restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := buildEngine(ctx, cfg, backendName)
			if err != nil {
				return err
			}
			defer cleanup()

			runID, err := eng.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info("run resumed", zap.String("run_id", runID))
			if err := eng.Wait(runID); err != nil {
				logger.Error("run halted", zap.Error(err))
			}
			status, err := eng.GetStatus(runID)
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "local", "model backend: local, genai, anthropic")
	return cmd
}

func printStatus(status orchestrator.RunStatus) {
	fmt.Printf("run %s: %s\n", status.RunID, status.Summary)
	for _, n := range status.Nodes {
		line := fmt.Sprintf("  %-24s %-10s attempts=%d", n.TaskID, n.State, n.Attempts)
		if n.ProofRef != "" {
			line += " proof=" + n.ProofRef[:12]
		}
		if n.Diagnosis != nil {
			line += fmt.Sprintf(" [%s] %s", n.Diagnosis.Kind, n.Diagnosis.Rationale)
		}
		fmt.Println(line)
	}
}

// Command conductor runs the autonomous software-change pipeline: it
// ingests a task DAG, fans tasks out to generator and validator workers,
// debates risky changes, gates everything through policy and human
// approval, and merges approved changesets under saga control.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"conductor/internal/config"
	"conductor/internal/logging"
)

var (
	cfgPath   string
	debugMode bool
	logger    *zap.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Autonomous software-change pipeline",
		Long: "conductor plans tasks from a roadmap DAG, generates candidate\n" +
			"changes with AI workers, validates them through deterministic gates\n" +
			"and multi-agent debate, and merges approved changes under\n" +
			"transactional, policy-constrained control.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zcfg := zap.NewProductionConfig()
			if debugMode {
				zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = zcfg.Build()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if debugMode {
				cfg.Logging.DebugMode = true
			}
			return logging.Initialize(cfg.StateDir, logging.Settings{
				DebugMode:  cfg.Logging.DebugMode,
				Categories: cfg.Logging.Categories,
				Level:      cfg.Logging.Level,
				JSONFormat: cfg.Logging.JSONFormat,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.CloseAll()
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "conductor.yaml", "config file path")
	root.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Package main is the entry point for the hpc-supervisor binary.
// It spawns the agent as a child process, restarts it on unexpected exit
// (including the deliberate non-zero exit the agent uses to pick up new
// code after a drain), and forwards termination signals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	agentBin          string
	agentPIDFile      string
	supervisorPIDFile string
	restartDelay      time.Duration
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "hpc-supervisor [-- agent flags...]",
		Short: "hpc-supervisor — process supervisor for the hpc-agent",
		Long: `hpc-supervisor runs the hpc-agent as a child process on an HPC node.
It restarts the agent whenever it exits unexpectedly (which includes the
agent's drain-and-exit reload path) and forwards SIGTERM/SIGINT so the
agent can finish in-flight jobs before shutdown.

Arguments after "--" are passed through to the agent unchanged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, args)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.agentBin, "agent-bin", envOrDefault("HPC_SUPERVISOR_AGENT_BIN", "hpc-agent"), "Path to the agent binary to supervise")
	root.PersistentFlags().StringVar(&cfg.agentPIDFile, "agent-pid-file", envOrDefault("HPC_SUPERVISOR_AGENT_PID_FILE", "/tmp/hpc-agent.pid"), "File the agent's process id is recorded to")
	root.PersistentFlags().StringVar(&cfg.supervisorPIDFile, "pid-file", envOrDefault("HPC_SUPERVISOR_PID_FILE", "/tmp/hpc-supervisor.pid"), "File the supervisor's process id is recorded to")
	root.PersistentFlags().DurationVar(&cfg.restartDelay, "restart-delay", envDurationOrDefault("HPC_SUPERVISOR_RESTART_DELAY", supervisor.DefaultRestartDelay), "Pause before respawning an exited agent")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HPC_SUPERVISOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hpc-supervisor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config, agentArgs []string) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting hpc supervisor",
		zap.String("version", version),
		zap.String("agent_bin", cfg.agentBin),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := supervisor.New(cfg.agentBin, agentArgs, cfg.agentPIDFile, cfg.supervisorPIDFile, cfg.restartDelay, logger)
	if err := s.Run(ctx); err != nil {
		return err
	}

	logger.Info("hpc supervisor stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

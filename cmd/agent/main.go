// Package main is the entry point for the hpc-agent binary.
// It wires all internal packages together and starts the lease loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger, validate configuration (missing credential aborts here)
//  3. Build queue client, container runtime, image refresher, repo syncer
//  4. Build executor and lease loop
//  5. Start lease loop, heartbeat emitter and metrics server concurrently
//  6. Block until SIGINT/SIGTERM or a reload-sentinel drain, then exit —
//     a drain exits non-zero so the supervisor respawns with fresh code
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/container"
	"github.com/SauersML/hpc-queue/internal/executor"
	"github.com/SauersML/hpc-queue/internal/heartbeat"
	"github.com/SauersML/hpc-queue/internal/lease"
	"github.com/SauersML/hpc-queue/internal/metrics"
	"github.com/SauersML/hpc-queue/internal/queue"
	"github.com/SauersML/hpc-queue/internal/reposync"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}
	var extraBinds string

	root := &cobra.Command{
		Use:   "hpc-agent",
		Short: "hpc-agent — compute agent for the HPC job-execution fabric",
		Long: `hpc-agent runs on an HPC login or compute node.
It leases job descriptors from a remote pull queue, executes them either
inside a sandboxed container image or directly on the host, and publishes
completion/failure events and a periodic liveness heartbeat to a results
queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ContainerExtraBind = config.ParseExtraBinds(extraBinds)
			cfg.Repos = config.LoadRepoDefs(os.Environ())
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.APIToken, "api-token", os.Getenv("HPC_AGENT_API_TOKEN"), "Bearer credential for queue auth (required)")
	flags.StringVar(&cfg.AccountID, "account-id", os.Getenv("HPC_AGENT_ACCOUNT_ID"), "Queue service account identifier")
	flags.StringVar(&cfg.JobsQueueID, "jobs-queue-id", os.Getenv("HPC_AGENT_JOBS_QUEUE_ID"), "Identifier of the jobs queue")
	flags.StringVar(&cfg.ResultsQueueID, "results-queue-id", os.Getenv("HPC_AGENT_RESULTS_QUEUE_ID"), "Identifier of the results queue")
	flags.StringVar(&cfg.BaseURL, "base-url", envOrDefault("HPC_AGENT_BASE_URL", "https://api.cloudflare.com/client/v4"), "Queue service API base URL")

	flags.IntVar(&cfg.VisibilityTimeoutMs, "visibility-timeout-ms", config.ParseIntDefault(os.Getenv("HPC_AGENT_VISIBILITY_TIMEOUT_MS"), config.DefaultVisibilityTimeoutMs), "Lease duration on pull, in milliseconds")
	flags.Float64Var(&cfg.PollIntervalSeconds, "poll-interval-seconds", config.ParseFloatDefault(os.Getenv("HPC_AGENT_POLL_INTERVAL_SECONDS"), config.DefaultPollIntervalSeconds), "Base polling cadence")
	flags.IntVar(&cfg.RetryDelaySeconds, "retry-delay-seconds", config.ParseIntDefault(os.Getenv("HPC_AGENT_RETRY_DELAY_SECONDS"), config.DefaultRetryDelaySeconds), "Delay before a retried message becomes visible again")
	flags.IntVar(&cfg.MaxRetryAttempts, "max-retry-attempts", config.ParseIntDefault(os.Getenv("HPC_AGENT_MAX_RETRY_ATTEMPTS"), config.DefaultMaxRetryAttempts), "Deliveries before a failing message is acked with a synthesized failure")
	flags.IntVar(&cfg.HeartbeatIntervalSeconds, "heartbeat-interval-seconds", config.ParseIntDefault(os.Getenv("HPC_AGENT_HEARTBEAT_INTERVAL_SECONDS"), config.DefaultHeartbeatIntervalSeconds), "Cadence of the liveness heartbeat")

	flags.StringVar(&cfg.ResultsDir, "results-dir", os.Getenv("HPC_AGENT_RESULTS_DIR"), "Root directory for per-job artifact directories (required)")
	flags.StringVar(&cfg.ReloadSentinelPath, "reload-sentinel", envOrDefault("HPC_AGENT_RELOAD_SENTINEL", "/tmp/hpc-agent.reload"), "File whose presence triggers a drain-and-exit reload")

	flags.StringVar(&cfg.ContainerBin, "container-bin", envOrDefault("HPC_AGENT_CONTAINER_BIN", "apptainer"), "Container runtime binary, or \"docker\" to refresh images via the Docker daemon API")
	flags.StringVar(&cfg.ContainerImage, "container-image", os.Getenv("HPC_AGENT_CONTAINER_IMAGE"), "Container image jobs run inside")
	flags.StringVar(&cfg.ContainerCmd, "container-cmd", os.Getenv("HPC_AGENT_CONTAINER_CMD"), "Fixed entry command run inside the container (empty = run the job's own command)")
	flags.StringVar(&extraBinds, "container-extra-bind", os.Getenv("HPC_AGENT_CONTAINER_EXTRA_BIND"), "Extra bind mounts, comma-separated host:container[:ro]")
	flags.StringVar(&cfg.ContainerRefreshCmd, "container-refresh-cmd", os.Getenv("HPC_AGENT_CONTAINER_REFRESH_CMD"), "Shell command that refreshes the container image before container jobs")

	flags.StringVar(&cfg.ExternalReposRoot, "external-repos-root", os.Getenv("HPC_AGENT_EXTERNAL_REPOS_ROOT"), "Shared root directory external source repositories are synced under")

	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", os.Getenv("HPC_AGENT_METRICS_ADDR"), "Localhost address for /metrics and /healthz (empty = disabled)")
	flags.StringVar(&cfg.LogLevel, "log-level", envOrDefault("HPC_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hpc-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// Fatal startup errors abort before the lease loop starts.
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ExternalReposRoot == "" {
		cfg.ExternalReposRoot = filepath.Join(cfg.ResultsDir, ".repos")
	}

	logger.Info("starting hpc agent",
		zap.String("version", version),
		zap.String("results_dir", cfg.ResultsDir),
		zap.String("jobs_queue", cfg.JobsQueueID),
		zap.String("results_queue", cfg.ResultsQueueID),
		zap.Int("repo_count", len(cfg.Repos)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := queue.New(cfg.BaseURL, cfg.JobsQueueID, cfg.ResultsQueueID, cfg.AccountID, cfg.APIToken, nil)

	exec := executor.New(
		cfg.ResultsDir,
		container.NewSubprocessRuntime(cfg.ContainerBin, 0),
		container.NewHostRuntime(0),
		buildRefresher(ctx, cfg, logger),
		reposync.New(cfg.ExternalReposRoot),
		&sync.Mutex{},
		cfg,
		logger,
	)

	loop := lease.New(client, exec, cfg, logger)
	emitter := heartbeat.New(client, cfg.HeartbeatInterval(), logger)

	// The lease loop, the heartbeat emitter and the metrics server run as
	// one cancelable group; the first hard failure (or a drain) stops all
	// three.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { emitter.Run(gctx); return nil })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })

	err = g.Wait()
	switch {
	case errors.Is(err, lease.ErrDrainRequested):
		// Non-zero exit on purpose: the supervisor respawns us with
		// whatever code the out-of-band updater installed.
		logger.Info("drained for reload, exiting for supervisor restart")
		return err
	case errors.Is(err, context.Canceled):
		logger.Info("hpc agent stopped")
		return nil
	default:
		return err
	}
}

// buildRefresher picks the image-freshness collaborator: an operator
// script when one is configured, the Docker daemon API when the container
// runtime is Docker, otherwise a no-op (Apptainer-style images on shared
// filesystems are refreshed by the external builder, not the agent).
func buildRefresher(ctx context.Context, cfg *config.Config, logger *zap.Logger) container.ImageRefresher {
	if cfg.ContainerRefreshCmd != "" {
		return container.NewScriptRefresher(cfg.ContainerRefreshCmd, 0)
	}
	if cfg.ContainerBin == "docker" {
		r, err := container.NewDockerRefresher("")
		if err != nil {
			logger.Warn("Docker daemon unreachable, image refresh disabled", zap.Error(err))
			return container.NewScriptRefresher("", 0)
		}
		return r
	}
	return container.NewScriptRefresher("", 0)
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

// Package executor implements the Job Executor: given a
// decoded job descriptor, it provisions a per-job working directory, stages
// input files, optionally synchronises external source trees and refreshes
// the container image, invokes either the container runtime or a host
// shell, and emits a structured ExecutionRecord.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/container"
	"github.com/SauersML/hpc-queue/internal/model"
	"github.com/SauersML/hpc-queue/internal/reposync"
	"github.com/SauersML/hpc-queue/internal/stage"
)

// StdoutStderrTailBytes caps the stdout/stderr tails embedded in the
// execution record and the published result event.
const StdoutStderrTailBytes = 8192

// ErrInvalidDescriptor covers malformed job descriptors caught before any
// process is launched.
var ErrInvalidDescriptor = errors.New("executor: invalid job descriptor")

// Executor runs one job descriptor at a time through Execute.
type Executor struct {
	resultsRoot      string
	containerRuntime container.Runtime
	hostRuntime      container.Runtime
	refresher        container.ImageRefresher
	syncer           *reposync.Syncer
	refreshMu        *sync.Mutex
	containerImage   string
	containerCmd     string
	extraBinds       []container.Bind
	repos            []config.RepoDef
	logger           *zap.Logger
}

// New constructs an Executor. refreshMu is the process-wide exclusion
// region shared with any other collaborator that mutates the external
// sources area.
func New(
	resultsRoot string,
	containerRuntime container.Runtime,
	hostRuntime container.Runtime,
	refresher container.ImageRefresher,
	syncer *reposync.Syncer,
	refreshMu *sync.Mutex,
	cfg *config.Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		resultsRoot:      resultsRoot,
		containerRuntime: containerRuntime,
		hostRuntime:      hostRuntime,
		refresher:        refresher,
		syncer:           syncer,
		refreshMu:        refreshMu,
		containerImage:   cfg.ContainerImage,
		containerCmd:     cfg.ContainerCmd,
		extraBinds:       parseExtraBinds(cfg.ContainerExtraBind),
		repos:            cfg.Repos,
		logger:           logger.Named("executor"),
	}
}

// Execute runs one job descriptor to completion and returns its
// ExecutionRecord. Non-zero child exit codes are not errors — they
// surface as Status == model.StatusFailed. An error return means a host
// failure occurred before or during dispatch.
func (e *Executor) Execute(ctx context.Context, job model.JobDescriptor) (model.ExecutionRecord, error) {
	execMode := job.Input.ExecMode
	if execMode == "" {
		execMode = model.ExecModeContainer
	}

	jobDir := filepath.Join(e.resultsRoot, job.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("executor: create job directory %q: %w", jobDir, err)
	}

	paths := buildPaths(jobDir, execMode)

	if err := writeJSON(paths.Input, model.InputEnvelope{JobID: job.JobID, Input: job.Input}); err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("executor: write input.json: %w", err)
	}

	stagedPaths, err := stage.Files(filepath.Join(jobDir, "files"), job.Input.LocalFiles)
	if err != nil {
		return model.ExecutionRecord{}, err
	}

	var syncedRepos []model.SyncedRepo
	var execResult container.Result

	started := time.Now().UTC()

	if execMode == model.ExecModeContainer {
		// The in-container wrapper owns /work/stdout.log and
		// /work/stderr.log; create them up front so the directory is
		// complete even when the wrapper never gets that far.
		if err := touchFiles(paths.Stdout, paths.Stderr); err != nil {
			return model.ExecutionRecord{}, err
		}

		syncedRepos, err = e.refreshAndSync(ctx)
		if err != nil {
			return model.ExecutionRecord{}, err
		}

		binds := e.buildBinds(jobDir, syncedRepos)
		execResult, err = e.containerRuntime.Execute(ctx, container.ExecSpec{
			Binds:      binds,
			Image:      e.containerImage,
			Command:    e.resolveContainerCommand(job),
			StdoutPath: paths.ContainerStdout,
			StderrPath: paths.ContainerStderr,
		})
	} else {
		execResult, err = e.hostRuntime.Execute(ctx, container.ExecSpec{
			Command:    job.Input.Command,
			Workdir:    jobDir,
			StdoutPath: paths.Stdout,
			StderrPath: paths.Stderr,
		})
	}

	finished := time.Now().UTC()
	if err != nil {
		return model.ExecutionRecord{}, err
	}

	status := model.StatusCompleted
	if execResult.ExitCode != 0 {
		status = model.StatusFailed
	}

	if err := e.synthesizeOutputIfMissing(paths.Output, job.JobID, status, started, finished, execResult.ExitCode); err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("executor: synthesize output.json: %w", err)
	}

	record := model.ExecutionRecord{
		JobID:       job.JobID,
		ExecMode:    execMode,
		Command:     job.Input.Command,
		Workdir:     job.Input.Workdir,
		Status:      status,
		StartedAt:   started,
		FinishedAt:  finished,
		ExitCode:    execResult.ExitCode,
		StdoutTail:  tailFile(execResult.StdoutPath, StdoutStderrTailBytes),
		StderrTail:  tailFile(execResult.StderrPath, StdoutStderrTailBytes),
		StagedFiles: stagedPaths,
		SyncedRepos: syncedRepos,
		Paths:       paths,
	}

	if err := writeJSON(paths.Meta, record); err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("executor: write meta.json: %w", err)
	}

	return record, nil
}

// refreshAndSync runs repository sync and image refresh under the shared
// exclusion region. The refresher implementation
// decides whether a refresh is actually necessary (our ScriptRefresher and
// DockerRefresher are both cheap/idempotent no-ops when already current),
// so this is called before every container execution rather than tracking
// "first execution of a batch" state the agent has no other reason to
// keep.
func (e *Executor) refreshAndSync(ctx context.Context) ([]model.SyncedRepo, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	synced, err := e.syncer.Sync(ctx, e.repos)
	if err != nil {
		return nil, err
	}
	if err := e.refresher.Refresh(ctx, e.containerImage); err != nil {
		return nil, err
	}
	return synced, nil
}

func (e *Executor) buildBinds(jobDir string, repos []model.SyncedRepo) []container.Bind {
	binds := []container.Bind{
		{HostPath: jobDir, ContainerPath: "/work"},
		{HostPath: "/", ContainerPath: "/portal", ReadOnly: true},
	}
	for _, r := range repos {
		binds = append(binds, container.Bind{HostPath: r.Path, ContainerPath: "/" + r.Name})
	}
	return append(binds, e.extraBinds...)
}

// resolveContainerCommand returns container_cmd when the operator has
// configured a fixed entry command (a wrapper image that itself reads
// /work/input.json and writes /work/output.json); absent that, it runs
// the job's own command directly, mirroring the host path.
func (e *Executor) resolveContainerCommand(job model.JobDescriptor) string {
	if e.containerCmd != "" {
		return e.containerCmd
	}
	return job.Input.Command
}

func buildPaths(jobDir, execMode string) model.ExecutionPaths {
	paths := model.ExecutionPaths{
		Input:  filepath.Join(jobDir, "input.json"),
		Output: filepath.Join(jobDir, "output.json"),
		Meta:   filepath.Join(jobDir, "meta.json"),
		Stdout: filepath.Join(jobDir, "stdout.log"),
		Stderr: filepath.Join(jobDir, "stderr.log"),
	}
	if execMode == model.ExecModeContainer {
		paths.ContainerStdout = filepath.Join(jobDir, "apptainer.stdout.log")
		paths.ContainerStderr = filepath.Join(jobDir, "apptainer.stderr.log")
	}
	return paths
}

// synthesizeOutputIfMissing writes a minimal output.json when the job
// itself did not produce one. A non-zero exit code never yields status
// "completed" in the synthesized envelope.
func (e *Executor) synthesizeOutputIfMissing(outputPath, jobID, status string, started, finished time.Time, exitCode int) error {
	if _, err := os.Stat(outputPath); err == nil {
		return nil
	}

	envelopeStatus := status
	if exitCode != 0 {
		envelopeStatus = model.StatusFailed
	}

	return writeJSON(outputPath, model.OutputEnvelope{
		JobID:      jobID,
		Status:     envelopeStatus,
		StartedAt:  started,
		FinishedAt: finished,
		ExitCode:   exitCode,
		Result:     nil,
	})
}

func touchFiles(paths ...string) error {
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, model.DefaultFileMode)
		if err != nil {
			return fmt.Errorf("executor: create %q: %w", p, err)
		}
		f.Close()
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %q: %w", path, err)
	}
	if err := os.WriteFile(path, data, model.DefaultFileMode); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

// tailFile returns up to n trailing bytes of the file at path. A missing
// or unreadable file yields an empty string rather than an error — the
// tail is best-effort diagnostic content, not load-bearing.
func tailFile(path string, n int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	offset := int64(0)
	if info.Size() > n {
		offset = info.Size() - n
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return ""
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return ""
	}
	return buf.String()
}

func parseExtraBinds(raw []string) []container.Bind {
	binds := make([]container.Bind, 0, len(raw))
	for _, spec := range raw {
		b, ok := parseBindSpec(spec)
		if ok {
			binds = append(binds, b)
		}
	}
	return binds
}

func parseBindSpec(spec string) (container.Bind, bool) {
	parts := splitBindSpec(spec)
	if len(parts) < 2 {
		return container.Bind{}, false
	}
	b := container.Bind{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) >= 3 && parts[2] == "ro" {
		b.ReadOnly = true
	}
	return b, true
}

func splitBindSpec(spec string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			parts = append(parts, spec[start:i])
			start = i + 1
		}
	}
	parts = append(parts, spec[start:])
	return parts
}

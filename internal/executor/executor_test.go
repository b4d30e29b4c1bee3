package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/container"
	"github.com/SauersML/hpc-queue/internal/model"
	"github.com/SauersML/hpc-queue/internal/reposync"
)

func newExecutor(t *testing.T, root string, host container.Runtime, cfg *config.Config) *Executor {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	return New(root, &noopRuntime{}, host, &noopRefresher{}, reposync.New(t.TempDir()), &sync.Mutex{}, cfg, nil)
}

type noopRuntime struct{}

func (noopRuntime) Execute(ctx context.Context, spec container.ExecSpec) (container.Result, error) {
	return container.Result{}, nil
}

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, image string) error { return nil }

func TestExecute_HostHappyPath(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, container.NewHostRuntime(0), nil)

	job := model.JobDescriptor{
		JobID: "j1",
		Input: model.JobInput{Command: "echo ok", ExecMode: model.ExecModeHost},
	}

	record, err := e.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, record.Status)
	assert.Equal(t, 0, record.ExitCode)

	jobDir := filepath.Join(root, "j1")
	for _, name := range []string{"input.json", "output.json", "meta.json", "stdout.log", "stderr.log"} {
		assert.FileExists(t, filepath.Join(jobDir, name))
	}

	stdout, err := os.ReadFile(filepath.Join(jobDir, "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(stdout))
}

func TestExecute_HostNonZeroExitIsFailedNotError(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, container.NewHostRuntime(0), nil)

	job := model.JobDescriptor{
		JobID: "j2",
		Input: model.JobInput{Command: "exit 7", ExecMode: model.ExecModeHost},
	}

	record, err := e.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, record.Status)
	assert.Equal(t, 7, record.ExitCode)

	var envelope model.OutputEnvelope
	raw, err := os.ReadFile(filepath.Join(root, "j2", "output.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, model.StatusFailed, envelope.Status)
}

func TestExecute_StagingTraversalFailsHard(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, container.NewHostRuntime(0), nil)

	job := model.JobDescriptor{
		JobID: "j3",
		Input: model.JobInput{
			Command:  "echo hi",
			ExecMode: model.ExecModeHost,
			LocalFiles: []model.StagedFile{
				{RelativePath: "../etc/x", Content: "AA=="},
			},
		},
	}

	_, err := e.Execute(context.Background(), job)
	require.Error(t, err)
}

func TestExecute_EmptyLocalFilesWritesNothingUnderFiles(t *testing.T) {
	root := t.TempDir()
	e := newExecutor(t, root, container.NewHostRuntime(0), nil)

	job := model.JobDescriptor{
		JobID: "j4",
		Input: model.JobInput{Command: "true", ExecMode: model.ExecModeHost},
	}
	_, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root, "j4", "files"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_ContainerPathSynthesizesOutputWhenMissingAndFailed(t *testing.T) {
	root := t.TempDir()
	runtimeReturningNonZero := stubRuntime{exitCode: 3}
	e := New(root, runtimeReturningNonZero, container.NewHostRuntime(0), &noopRefresher{}, reposync.New(t.TempDir()), &sync.Mutex{}, &config.Config{ContainerImage: "img"}, nil)

	job := model.JobDescriptor{
		JobID: "j5",
		Input: model.JobInput{Command: "whatever", ExecMode: model.ExecModeContainer},
	}

	record, err := e.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, record.Status)

	var envelope model.OutputEnvelope
	raw, err := os.ReadFile(filepath.Join(root, "j5", "output.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, model.StatusFailed, envelope.Status, "non-zero exit must never be synthesized as completed")
}

type stubRuntime struct {
	exitCode int
}

func (s stubRuntime) Execute(ctx context.Context, spec container.ExecSpec) (container.Result, error) {
	return container.Result{ExitCode: s.exitCode, StdoutPath: spec.StdoutPath, StderrPath: spec.StderrPath}, nil
}

func TestParseBindSpec(t *testing.T) {
	b, ok := parseBindSpec("/host:/container")
	require.True(t, ok)
	assert.Equal(t, container.Bind{HostPath: "/host", ContainerPath: "/container"}, b)

	b, ok = parseBindSpec("/host:/container:ro")
	require.True(t, ok)
	assert.True(t, b.ReadOnly)

	_, ok = parseBindSpec("no-colon")
	assert.False(t, ok)
}

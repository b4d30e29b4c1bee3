package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSupervisor_RestartsAgentOnExit(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")

	// Each invocation appends a line and exits non-zero, like a drain exit.
	s := New("/bin/sh", []string{"-c", "echo run >> " + counter + "; exit 1"},
		filepath.Join(dir, "agent.pid"), filepath.Join(dir, "supervisor.pid"),
		10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	runs := strings.Count(string(data), "run")
	assert.GreaterOrEqual(t, runs, 2, "agent should have been respawned at least once")
}

func TestSupervisor_WritesAndRemovesPIDFiles(t *testing.T) {
	dir := t.TempDir()
	agentPID := filepath.Join(dir, "agent.pid")
	supPID := filepath.Join(dir, "supervisor.pid")

	s := New("/bin/sh", []string{"-c", "sleep 30"},
		agentPID, supPID, 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(agentPID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(supPID)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cancel()
	require.NoError(t, <-done)

	_, err = os.Stat(agentPID)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(supPID)
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisor_ForwardsTerminationToChild(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "trapped")

	// The child traps TERM and records it before exiting.
	script := "trap 'echo term > " + marker + "; exit 0' TERM; sleep 30 & wait"
	s := New("/bin/sh", []string{"-c", script},
		filepath.Join(dir, "agent.pid"), filepath.Join(dir, "supervisor.pid"),
		10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "agent.pid"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let the trap install

	cancel()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// Package supervisor wraps the agent process: it spawns the agent as a
// child, records both process identifiers to well-known files, restarts
// the child on unexpected exit, and forwards termination signals so the
// child can drain before the pair shuts down.
//
// A drain-and-exit from the agent (reload sentinel) deliberately exits
// non-zero; the supervisor treats that like any other unexpected exit and
// respawns it, which is how a code update takes effect without an
// operator on the node.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultRestartDelay is the pause between an unexpected agent exit and
// the respawn.
const DefaultRestartDelay = 2 * time.Second

// Supervisor spawns and babysits one agent child process.
type Supervisor struct {
	AgentPath string
	AgentArgs []string

	AgentPIDFile      string
	SupervisorPIDFile string

	RestartDelay time.Duration

	logger *zap.Logger
}

// New constructs a Supervisor. restartDelay of 0 uses DefaultRestartDelay.
func New(agentPath string, agentArgs []string, agentPIDFile, supervisorPIDFile string, restartDelay time.Duration, logger *zap.Logger) *Supervisor {
	if restartDelay == 0 {
		restartDelay = DefaultRestartDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		AgentPath:         agentPath,
		AgentArgs:         agentArgs,
		AgentPIDFile:      agentPIDFile,
		SupervisorPIDFile: supervisorPIDFile,
		RestartDelay:      restartDelay,
		logger:            logger.Named("supervisor"),
	}
}

// Run spawns the agent and blocks until ctx is cancelled. Every agent
// exit while ctx is still live is followed by a RestartDelay pause and a
// respawn. On cancellation the current child receives SIGTERM, its exit
// is awaited, and both pid files are removed.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := writePIDFile(s.SupervisorPIDFile, os.Getpid()); err != nil {
		return err
	}
	defer s.removePIDFiles()

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("supervisor shutting down")
			return nil
		}

		s.logger.Warn("agent exited, restarting",
			zap.Error(err),
			zap.Duration("restart_delay", s.RestartDelay))

		select {
		case <-ctx.Done():
			s.logger.Info("supervisor shutting down")
			return nil
		case <-time.After(s.RestartDelay):
		}
	}
}

// runOnce spawns one agent child and waits for it to exit. When ctx is
// cancelled first, the child is sent SIGTERM and its exit is still
// awaited — in-flight jobs get their drain window.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.Command(s.AgentPath, s.AgentArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start agent %q: %w", s.AgentPath, err)
	}

	if err := writePIDFile(s.AgentPIDFile, cmd.Process.Pid); err != nil {
		s.logger.Warn("failed to write agent pid file", zap.Error(err))
	}

	s.logger.Info("agent started", zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("failed to signal agent", zap.Error(err))
		}
		return <-done
	case err := <-done:
		return err
	}
}

func (s *Supervisor) removePIDFiles() {
	for _, path := range []string{s.AgentPIDFile, s.SupervisorPIDFile} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove pid file", zap.String("path", path), zap.Error(err))
		}
	}
}

// writePIDFile writes pid as decimal text, the whole file content.
func writePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("supervisor: write pid file %q: %w", path, err)
	}
	return nil
}

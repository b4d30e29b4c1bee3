// Package reposync synchronises external source repositories into a shared
// root before a container job runs. Each call must run inside the caller's
// image-refresh exclusion region — this package does not take the lock
// itself (see internal/executor).
package reposync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/model"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 5 * time.Minute

// ErrSyncFailed wraps a failed git invocation during repository sync.
var ErrSyncFailed = errors.New("reposync: sync failed")

// Syncer clones or updates configured external repositories under Root.
type Syncer struct {
	Root    string
	Timeout time.Duration
}

// New creates a Syncer rooted at root.
func New(root string) *Syncer {
	return &Syncer{Root: root, Timeout: DefaultTimeout}
}

// Sync brings every repo in defs up to date and returns one model.SyncedRepo
// per entry, in order. The first failure aborts the remaining entries.
func (s *Syncer) Sync(ctx context.Context, defs []config.RepoDef) ([]model.SyncedRepo, error) {
	results := make([]model.SyncedRepo, 0, len(defs))
	for _, def := range defs {
		synced, err := s.syncOne(ctx, def)
		if err != nil {
			return nil, err
		}
		results = append(results, synced)
	}
	return results, nil
}

func (s *Syncer) syncOne(ctx context.Context, def config.RepoDef) (model.SyncedRepo, error) {
	path := filepath.Join(s.Root, def.Name)

	if hasGitMarker(path) {
		if err := s.updateExisting(ctx, path, def); err != nil {
			return model.SyncedRepo{}, err
		}
	} else {
		if err := s.freshClone(ctx, path, def); err != nil {
			return model.SyncedRepo{}, err
		}
	}

	commit, err := s.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return model.SyncedRepo{}, fmt.Errorf("reposync: resolve commit for %q: %w", def.Name, err)
	}

	return model.SyncedRepo{
		Name:   def.Name,
		Path:   path,
		Ref:    def.Ref,
		Commit: strings.TrimSpace(commit),
	}, nil
}

func hasGitMarker(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func (s *Syncer) updateExisting(ctx context.Context, path string, def config.RepoDef) error {
	if _, err := s.run(ctx, path, "remote", "set-url", "origin", def.URL); err != nil {
		return fmt.Errorf("reposync: set remote url for %q: %w", def.Name, err)
	}
	if _, err := s.run(ctx, path, "fetch", "--depth", "1", "origin", def.Ref); err != nil {
		return fmt.Errorf("reposync: fetch %q@%q: %w", def.Name, def.Ref, err)
	}
	if _, err := s.run(ctx, path, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("reposync: reset %q: %w", def.Name, err)
	}
	if _, err := s.run(ctx, path, "clean", "-fdx"); err != nil {
		return fmt.Errorf("reposync: clean %q: %w", def.Name, err)
	}
	return nil
}

func (s *Syncer) freshClone(ctx context.Context, path string, def config.RepoDef) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("reposync: create repos root: %w", err)
	}
	if _, err := s.runIn(ctx, filepath.Dir(path), "clone", "--depth", "1", "--branch", def.Ref, def.URL, path); err != nil {
		// Some refs (exact commit SHAs) are not fetchable as branches; fall
		// back to a plain clone followed by a checkout.
		if _, fallbackErr := s.runIn(ctx, filepath.Dir(path), "clone", def.URL, path); fallbackErr != nil {
			return fmt.Errorf("reposync: clone %q: %w", def.Name, err)
		}
		if _, err := s.run(ctx, path, "checkout", def.Ref); err != nil {
			return fmt.Errorf("reposync: checkout %q@%q: %w", def.Name, def.Ref, err)
		}
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, workdir string, args ...string) (string, error) {
	return s.runIn(ctx, workdir, args...)
}

func (s *Syncer) runIn(ctx context.Context, workdir string, args ...string) (string, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workdir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: git %s: %v: %s", ErrSyncFailed, strings.Join(args, " "), err, buf.String())
	}
	return buf.String(), nil
}

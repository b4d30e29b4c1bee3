// Package stage implements the staging discipline for a job's local_files:
// path-traversal rejection, base64 decoding, and mode application, writing
// each file under a job directory's files/ subtree.
package stage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SauersML/hpc-queue/internal/model"
)

// ErrPathTraversal is returned when a StagedFile's relative_path is empty,
// absolute, or escapes the job directory.
var ErrPathTraversal = errors.New("path traversal rejected")

// Files writes every entry in files under root (typically
// "<job_dir>/files"), in order, and returns the resolved absolute path for
// each. Any single entry failing path validation or base64 decoding aborts
// the whole call — the caller treats this as a per-job failure.
func Files(root string, files []model.StagedFile) ([]string, error) {
	resolvedRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("stage: resolve root %q: %w", root, err)
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		target, err := resolvePath(resolvedRoot, f.RelativePath)
		if err != nil {
			return nil, err
		}

		data, err := f.DecodedContent()
		if err != nil {
			return nil, fmt.Errorf("stage: %w", err)
		}

		mode, err := f.ParsedMode()
		if err != nil {
			return nil, fmt.Errorf("stage: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("stage: create parent dirs for %q: %w", f.RelativePath, err)
		}
		if err := os.WriteFile(target, data, os.FileMode(mode)); err != nil {
			return nil, fmt.Errorf("stage: write %q: %w", f.RelativePath, err)
		}

		written = append(written, target)
	}
	return written, nil
}

// resolvePath rejects empty, absolute and ..-containing paths and returns
// the absolute path relPath resolves to under root.
func resolvePath(root, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("stage: empty relative_path: %w", ErrPathTraversal)
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("stage: absolute relative_path %q: %w", relPath, ErrPathTraversal)
	}
	for _, segment := range strings.Split(filepath.ToSlash(relPath), "/") {
		if segment == ".." {
			return "", fmt.Errorf("stage: relative_path %q contains '..': %w", relPath, ErrPathTraversal)
		}
	}

	joined := filepath.Join(root, relPath)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("stage: relative_path %q escapes job directory: %w", relPath, ErrPathTraversal)
	}
	return joined, nil
}

// Package model holds the wire and on-disk data types shared across the
// agent: job descriptors, staged files, execution records, and the result
// and heartbeat events published to the results queue.
//
// Types here are intentionally transport-agnostic — internal/queue owns
// HTTP framing and internal/executor owns filesystem layout. Keeping the
// types in one place avoids import cycles between those two packages and
// internal/lease, which needs both.
package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultFileMode is applied to a staged file when Mode is empty.
const DefaultFileMode = 0o644

// JobDescriptor is the decoded body of a leased jobs-queue message.
type JobDescriptor struct {
	JobID string   `json:"job_id"`
	Input JobInput `json:"input"`
}

// JobInput carries the fields that drive execution.
type JobInput struct {
	Command    string       `json:"command"`
	ExecMode   string       `json:"exec_mode"`
	Workdir    string       `json:"workdir,omitempty"`
	LocalFiles []StagedFile `json:"local_files,omitempty"`
}

const (
	ExecModeContainer = "container"
	ExecModeHost      = "host"
)

// StagedFile describes one input file to materialize inside the job
// directory before execution.
type StagedFile struct {
	RelativePath string `json:"relative_path"`
	Content      string `json:"content"` // base64-encoded
	Mode         string `json:"mode,omitempty"`
}

// ParsedMode returns the octal permission bits for the file, defaulting to
// DefaultFileMode when Mode is empty. The string may be written with or
// without a leading "0" or "0o" prefix (e.g. "644", "0644", "0o644").
func (f StagedFile) ParsedMode() (uint32, error) {
	if f.Mode == "" {
		return DefaultFileMode, nil
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(f.Mode, "0o"), "0O")
	if trimmed == "" {
		trimmed = "0"
	}
	v, err := strconv.ParseUint(trimmed, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("model: invalid file mode %q: %w", f.Mode, err)
	}
	return uint32(v), nil
}

// DecodedContent base64-decodes Content.
func (f StagedFile) DecodedContent() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, fmt.Errorf("model: invalid base64 content for %q: %w", f.RelativePath, err)
	}
	return data, nil
}

// SyncedRepo records the outcome of one external-repository sync.
type SyncedRepo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
}

// ExecutionPaths names the on-disk files produced for one job directory.
type ExecutionPaths struct {
	Input           string `json:"input"`
	Output          string `json:"output"`
	Meta            string `json:"meta"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ContainerStdout string `json:"container_stdout,omitempty"`
	ContainerStderr string `json:"container_stderr,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ExecutionRecord is the structured per-attempt summary written as
// meta.json and partially embedded in the published ResultEvent.
type ExecutionRecord struct {
	JobID       string         `json:"job_id"`
	ExecMode    string         `json:"exec_mode"`
	Command     string         `json:"command"`
	Workdir     string         `json:"workdir,omitempty"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	ExitCode    int            `json:"exit_code"`
	StdoutTail  string         `json:"stdout_tail"`
	StderrTail  string         `json:"stderr_tail"`
	StagedFiles []string       `json:"staged_files,omitempty"`
	SyncedRepos []SyncedRepo   `json:"synced_repos,omitempty"`
	Paths       ExecutionPaths `json:"paths"`
}

const (
	EventTypeCompleted = "completed"
	EventTypeFailed    = "failed"
	EventTypeHeartbeat = "heartbeat"
)

// ResultEvent is published to the results queue — one per successfully
// acked attempt.
type ResultEvent struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	ResultPointer string    `json:"result_pointer"`
	EventType     string    `json:"event_type"`
	ExecMode      string    `json:"exec_mode,omitempty"`
	Command       string    `json:"command,omitempty"`
	Workdir       string    `json:"workdir,omitempty"`
	ExitCode      int       `json:"exit_code"`
	StdoutTail    string    `json:"stdout_tail,omitempty"`
	StderrTail    string    `json:"stderr_tail,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Attempts      *int      `json:"attempts,omitempty"`
}

// HeartbeatEvent is the liveness pulse published independently of lease
// activity. CPU/Mem/Disk enrich the minimal schema; consumers that do not
// know these fields ignore them.
type HeartbeatEvent struct {
	EventType   string    `json:"event_type"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent,omitempty"`
	MemPercent  float64   `json:"mem_percent,omitempty"`
	DiskPercent float64   `json:"disk_percent,omitempty"`
}

// OutputEnvelope is the canonical output.json contract consumers read.
type OutputEnvelope struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   int       `json:"exit_code"`
	Result     any       `json:"result"`
}

// InputEnvelope is the input.json contract written before execution.
type InputEnvelope struct {
	JobID string   `json:"job_id"`
	Input JobInput `json:"input"`
}

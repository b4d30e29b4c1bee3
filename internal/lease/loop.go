// Package lease implements the Lease Loop: the agent's
// top-level state machine. It polls the queue, spawns one concurrent
// worker per leased message, collects outcomes, batches acks/retries,
// backs off on idleness, and honours a reload request.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/executor"
	"github.com/SauersML/hpc-queue/internal/metrics"
	"github.com/SauersML/hpc-queue/internal/model"
	"github.com/SauersML/hpc-queue/internal/queue"
)

// ErrDrainRequested is returned by Run when the reload sentinel triggered
// a clean drain-and-exit; the caller should exit the process non-zero so
// the Supervisor respawns it.
var ErrDrainRequested = errors.New("lease: drain requested, exiting for supervisor restart")

// DefaultJobID is substituted when a job_id cannot be recovered from a
// message body.
const DefaultJobID = "unknown"

const (
	minSleepSeconds = 1.0
	maxSleepSeconds = 30.0
	maxIdleStreak   = 8
)

// QueueClient is the subset of queue.Client the Lease Loop depends on.
type QueueClient interface {
	Pull(ctx context.Context, batchSize, visibilityTimeoutMs int) ([]queue.LeasedMessage, error)
	AckBatch(ctx context.Context, acks []queue.AckOutcome, retries []queue.RetryOutcome) error
	PublishResult(ctx context.Context, event model.ResultEvent) error
}

// Executor is the subset of executor.Executor the Lease Loop depends on.
type Executor interface {
	Execute(ctx context.Context, job model.JobDescriptor) (model.ExecutionRecord, error)
}

var _ Executor = (*executor.Executor)(nil)

type pendingOutcome struct {
	leaseID      string
	ack          bool
	delaySeconds int
}

// Loop is the agent's top-level state machine.
type Loop struct {
	client       QueueClient
	exec         Executor
	sentinelPath string

	visibilityTimeoutMs int
	pollIntervalSeconds float64
	retryDelaySeconds   int
	maxRetryAttempts    int

	logger *zap.Logger

	mu       sync.Mutex
	pending  []pendingOutcome
	inFlight int32

	idleStreak int
}

// New constructs a Loop from cfg.
func New(client QueueClient, exec Executor, cfg *config.Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		client:              client,
		exec:                exec,
		sentinelPath:        cfg.ReloadSentinelPath,
		visibilityTimeoutMs: cfg.VisibilityTimeoutMs,
		pollIntervalSeconds: cfg.PollIntervalSeconds,
		retryDelaySeconds:   cfg.RetryDelaySeconds,
		maxRetryAttempts:    cfg.MaxRetryAttempts,
		logger:              logger.Named("lease"),
	}
}

// Run executes the state machine until ctx is cancelled (Terminating) or
// the reload sentinel triggers a drain (Draining, returns
// ErrDrainRequested). It never returns while work remains outstanding.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			l.waitForDrain()
			return ctx.Err()
		}

		draining := l.sentinelPresent()
		didWork := false

		acks, retries := l.flushOutcomes()
		if len(acks) > 0 || len(retries) > 0 {
			l.submitOutcomes(ctx, acks, retries)
			didWork = true
		}

		if draining && l.inFlightCount() == 0 {
			// A worker may have recorded its outcome after the flush above
			// and before the in-flight check; ack it before exiting.
			if acks, retries := l.flushOutcomes(); len(acks) > 0 || len(retries) > 0 {
				l.submitOutcomes(ctx, acks, retries)
			}
			if err := os.Remove(l.sentinelPath); err != nil && !os.IsNotExist(err) {
				l.logger.Warn("failed to remove reload sentinel", zap.Error(err))
			}
			l.logger.Info("drain complete")
			return ErrDrainRequested
		}

		if !draining {
			msgs, err := l.client.Pull(ctx, queue.DefaultBatchSize, l.visibilityTimeoutMs)
			if err != nil {
				l.logger.Warn("pull failed", zap.Error(err))
			} else if len(msgs) > 0 {
				didWork = true
				metrics.LeasesPulled.Add(float64(len(msgs)))
				for _, msg := range msgs {
					l.dispatch(ctx, msg)
				}
			}
		}

		if didWork {
			l.idleStreak = 0
		} else if l.idleStreak < maxIdleStreak {
			l.idleStreak++
		}

		if !l.sleep(ctx) {
			l.waitForDrain()
			return ctx.Err()
		}
	}
}

// waitForDrain blocks until every dispatched worker has recorded its
// outcome and flushes it: in-flight workers finish and are acked even
// after the context that gated new pulls has been cancelled.
func (l *Loop) waitForDrain() {
	for l.inFlightCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	acks, retries := l.flushOutcomes()
	if len(acks) == 0 && len(retries) == 0 {
		return
	}
	// The loop's ctx is already cancelled; use a background context so the
	// final ack_batch is not itself cancelled mid-flight.
	l.submitOutcomes(context.Background(), acks, retries)
}

func (l *Loop) submitOutcomes(ctx context.Context, acks []queue.AckOutcome, retries []queue.RetryOutcome) {
	if err := l.client.AckBatch(ctx, acks, retries); err != nil {
		l.logger.Warn("ack_batch failed, leases will redeliver on visibility expiry", zap.Error(err))
		return
	}
	metrics.LeasesAcked.Add(float64(len(acks)))
	metrics.LeasesRetried.Add(float64(len(retries)))
}

func (l *Loop) sentinelPresent() bool {
	if l.sentinelPath == "" {
		return false
	}
	_, err := os.Stat(l.sentinelPath)
	return err == nil
}

func (l *Loop) inFlightCount() int32 {
	return atomic.LoadInt32(&l.inFlight)
}

func (l *Loop) sleep(ctx context.Context) bool {
	d := sleepDuration(l.pollIntervalSeconds, l.idleStreak)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// sleepDuration is pollInterval * 2^idleStreak, clamped to [1.0, 30.0]
// seconds.
func sleepDuration(pollIntervalSeconds float64, idleStreak int) time.Duration {
	secs := pollIntervalSeconds * math.Pow(2, float64(idleStreak))
	if secs < minSleepSeconds {
		secs = minSleepSeconds
	}
	if secs > maxSleepSeconds {
		secs = maxSleepSeconds
	}
	return time.Duration(secs * float64(time.Second))
}

func (l *Loop) flushOutcomes() ([]queue.AckOutcome, []queue.RetryOutcome) {
	l.mu.Lock()
	items := l.pending
	l.pending = nil
	l.mu.Unlock()

	var acks []queue.AckOutcome
	var retries []queue.RetryOutcome
	for _, o := range items {
		if o.leaseID == "" {
			continue // dropped during flush
		}
		if o.ack {
			acks = append(acks, queue.AckOutcome{LeaseID: o.leaseID})
		} else {
			retries = append(retries, queue.RetryOutcome{LeaseID: o.leaseID, DelaySeconds: o.delaySeconds})
		}
	}
	return acks, retries
}

func (l *Loop) enqueueOutcome(o pendingOutcome) {
	l.mu.Lock()
	l.pending = append(l.pending, o)
	l.mu.Unlock()
}

func (l *Loop) dispatch(ctx context.Context, msg queue.LeasedMessage) {
	if msg.LeaseID == "" {
		// Cannot be acked; silently skipped.
		return
	}

	atomic.AddInt32(&l.inFlight, 1)
	metrics.InFlightWorkers.Inc()
	go func() {
		defer metrics.InFlightWorkers.Dec()
		defer atomic.AddInt32(&l.inFlight, -1)
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("worker panicked, lease left to expire",
					zap.String("lease_id", msg.LeaseID),
					zap.Any("panic", r))
			}
		}()
		// Workers are not cancelled with the loop: a terminating agent lets
		// in-flight jobs run to completion and publish their results.
		l.runWorker(context.WithoutCancel(ctx), msg)
	}()
}

// runWorker handles one leased message end to end: decode, execute,
// publish the terminal event, then record the ack or retry outcome.
func (l *Loop) runWorker(ctx context.Context, msg queue.LeasedMessage) {
	correlationID := uuid.NewString()
	jobID := DefaultJobID

	logger := l.logger.With(
		zap.String("lease_id", msg.LeaseID),
		zap.String("correlation_id", correlationID),
	)

	record, err := l.executeMessage(ctx, msg, &jobID)
	logger = logger.With(zap.String("job_id", jobID))

	if err == nil {
		event := buildResultEvent(jobID, record, msg.Attempts+1)
		if pubErr := l.client.PublishResult(ctx, event); pubErr != nil {
			logger.Warn("publish result failed", zap.Error(pubErr))
		}
		if event.Status == model.StatusCompleted {
			metrics.JobsCompleted.Inc()
		} else {
			metrics.JobsFailed.Inc()
		}
		l.enqueueOutcome(pendingOutcome{leaseID: msg.LeaseID, ack: true})
		return
	}

	logger.Warn("job attempt failed", zap.Error(err))

	if msg.Attempts < l.maxRetryAttempts {
		l.enqueueOutcome(pendingOutcome{leaseID: msg.LeaseID, delaySeconds: l.retryDelaySeconds})
		return
	}

	now := time.Now().UTC()
	event := model.ResultEvent{
		JobID:      jobID,
		Status:     model.StatusFailed,
		EventType:  model.EventTypeFailed,
		StderrTail: err.Error(),
		StartedAt:  now,
		FinishedAt: now,
		Attempts:   intPtr(msg.Attempts + 1),
	}
	if pubErr := l.client.PublishResult(ctx, event); pubErr != nil {
		logger.Warn("publish synthesized failure failed", zap.Error(pubErr))
	}
	metrics.JobsFailed.Inc()
	l.enqueueOutcome(pendingOutcome{leaseID: msg.LeaseID, ack: true})
}

// executeMessage decodes msg and calls Execute, populating jobID as soon
// as it is known (even on a failure path) so the caller's logging and
// synthesized failure events carry it.
func (l *Loop) executeMessage(ctx context.Context, msg queue.LeasedMessage, jobID *string) (model.ExecutionRecord, error) {
	decoded, err := queue.DecodeBody(msg.ContentType, msg.Body)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("lease: decode message body: %w", err)
	}

	var descriptor model.JobDescriptor
	if err := json.Unmarshal(decoded, &descriptor); err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("lease: unmarshal job descriptor: %w", err)
	}

	if descriptor.JobID == "" {
		descriptor.JobID = DefaultJobID
	}
	*jobID = descriptor.JobID
	if descriptor.Input.ExecMode == "" {
		descriptor.Input.ExecMode = model.ExecModeContainer
	}

	return l.exec.Execute(ctx, descriptor)
}

func buildResultEvent(jobID string, record model.ExecutionRecord, attempts int) model.ResultEvent {
	return model.ResultEvent{
		JobID:         jobID,
		Status:        record.Status,
		ResultPointer: record.Paths.Output,
		EventType:     eventTypeForStatus(record.Status),
		ExecMode:      record.ExecMode,
		Command:       record.Command,
		Workdir:       record.Workdir,
		ExitCode:      record.ExitCode,
		StdoutTail:    record.StdoutTail,
		StderrTail:    record.StderrTail,
		StartedAt:     record.StartedAt,
		FinishedAt:    record.FinishedAt,
		Attempts:      intPtr(attempts),
	}
}

func eventTypeForStatus(status string) string {
	if status == model.StatusCompleted {
		return model.EventTypeCompleted
	}
	return model.EventTypeFailed
}

func intPtr(v int) *int { return &v }

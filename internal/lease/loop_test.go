package lease

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SauersML/hpc-queue/internal/config"
	"github.com/SauersML/hpc-queue/internal/model"
	"github.com/SauersML/hpc-queue/internal/queue"
)

type fakeQueue struct {
	mu sync.Mutex

	toPull  [][]queue.LeasedMessage
	pullErr error
	pulls   int

	acks     []queue.AckOutcome
	retries  []queue.RetryOutcome
	ackCalls int
	ackErr   error

	published []model.ResultEvent
}

func (f *fakeQueue) Pull(ctx context.Context, batchSize, visibilityTimeoutMs int) ([]queue.LeasedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if len(f.toPull) == 0 {
		return nil, nil
	}
	next := f.toPull[0]
	f.toPull = f.toPull[1:]
	return next, nil
}

func (f *fakeQueue) AckBatch(ctx context.Context, acks []queue.AckOutcome, retries []queue.RetryOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCalls++
	f.acks = append(f.acks, acks...)
	f.retries = append(f.retries, retries...)
	return f.ackErr
}

func (f *fakeQueue) PublishResult(ctx context.Context, event model.ResultEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakeQueue) snapshot() (acks []queue.AckOutcome, retries []queue.RetryOutcome, published []model.ResultEvent, ackCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.AckOutcome{}, f.acks...), append([]queue.RetryOutcome{}, f.retries...), append([]model.ResultEvent{}, f.published...), f.ackCalls
}

type stubExecutor struct {
	mu     sync.Mutex
	calls  int
	record model.ExecutionRecord
	err    error
}

func (s *stubExecutor) Execute(ctx context.Context, job model.JobDescriptor) (model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return model.ExecutionRecord{}, s.err
	}
	rec := s.record
	rec.JobID = job.JobID
	return rec, nil
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newCfg() *config.Config {
	return &config.Config{
		VisibilityTimeoutMs: 1000,
		PollIntervalSeconds: 0.01,
		RetryDelaySeconds:   5,
		MaxRetryAttempts:    2,
	}
}

func TestLoop_HappyPathAcksAfterPublish(t *testing.T) {
	fq := &fakeQueue{toPull: [][]queue.LeasedMessage{{
		{LeaseID: "lease-1", Attempts: 0, ContentType: "json", Body: jsonBody(t, model.JobDescriptor{
			JobID: "job-1",
			Input: model.JobInput{Command: "echo hi", ExecMode: model.ExecModeHost},
		})},
	}}}
	exec := &stubExecutor{record: model.ExecutionRecord{Status: model.StatusCompleted, Paths: model.ExecutionPaths{Output: "/r/job-1/output.json"}}}
	l := New(fq, exec, newCfg(), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := l.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acks, _, published, _ := fq.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, "job-1", published[0].JobID)
	assert.Equal(t, model.StatusCompleted, published[0].Status)
	require.Len(t, acks, 1)
	assert.Equal(t, "lease-1", acks[0].LeaseID)
}

func TestLoop_RetryOnFailureBelowMaxAttempts(t *testing.T) {
	fq := &fakeQueue{toPull: [][]queue.LeasedMessage{{
		{LeaseID: "lease-2", Attempts: 0, ContentType: "json", Body: jsonBody(t, model.JobDescriptor{
			JobID: "job-2",
			Input: model.JobInput{Command: "x", ExecMode: model.ExecModeHost},
		})},
	}}}
	exec := &stubExecutor{err: assert.AnError}
	cfg := newCfg()
	cfg.MaxRetryAttempts = 3
	l := New(fq, exec, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)

	_, retries, published, _ := fq.snapshot()
	require.Len(t, retries, 1)
	assert.Equal(t, "lease-2", retries[0].LeaseID)
	assert.Equal(t, cfg.RetryDelaySeconds, retries[0].DelaySeconds)
	assert.Empty(t, published, "no result event is published on a retryable attempt")
}

func TestLoop_SynthesizesFailureAndAcksAfterMaxAttempts(t *testing.T) {
	fq := &fakeQueue{toPull: [][]queue.LeasedMessage{{
		{LeaseID: "lease-3", Attempts: 2, ContentType: "json", Body: jsonBody(t, model.JobDescriptor{
			JobID: "job-3",
			Input: model.JobInput{Command: "x", ExecMode: model.ExecModeHost},
		})},
	}}}
	exec := &stubExecutor{err: assert.AnError}
	cfg := newCfg()
	cfg.MaxRetryAttempts = 2
	l := New(fq, exec, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)

	acks, retries, published, _ := fq.snapshot()
	assert.Empty(t, retries)
	require.Len(t, acks, 1)
	assert.Equal(t, "lease-3", acks[0].LeaseID)
	require.Len(t, published, 1)
	assert.Equal(t, model.StatusFailed, published[0].Status)
	assert.Equal(t, model.EventTypeFailed, published[0].EventType)
}

func TestLoop_MessageWithoutLeaseIDIsSkipped(t *testing.T) {
	fq := &fakeQueue{toPull: [][]queue.LeasedMessage{{
		{LeaseID: "", Attempts: 0, ContentType: "json", Body: jsonBody(t, model.JobDescriptor{JobID: "ghost"})},
	}}}
	exec := &stubExecutor{}
	l := New(fq, exec, newCfg(), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)

	assert.Equal(t, 0, exec.calls)
	_, _, published, _ := fq.snapshot()
	assert.Empty(t, published)
}

func TestLoop_DecodeFailureDefaultsJobID(t *testing.T) {
	fq := &fakeQueue{toPull: [][]queue.LeasedMessage{{
		{LeaseID: "lease-4", Attempts: 5, ContentType: "bytes", Body: json.RawMessage(`"` + base64.StdEncoding.EncodeToString([]byte("x")) + `"`)},
	}}}
	exec := &stubExecutor{}
	cfg := newCfg()
	cfg.MaxRetryAttempts = 1
	l := New(fq, exec, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)

	assert.Equal(t, 0, exec.calls, "decode failures never reach the executor")
	_, _, published, _ := fq.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, DefaultJobID, published[0].JobID)
}

func TestLoop_NoAckBatchCallWhenNothingPending(t *testing.T) {
	fq := &fakeQueue{}
	exec := &stubExecutor{}
	l := New(fq, exec, newCfg(), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = l.Run(ctx)

	_, _, _, ackCalls := fq.snapshot()
	assert.Equal(t, 0, ackCalls)
}

func TestLoop_DrainCompletesAndReturnsErrDrainRequested(t *testing.T) {
	dir := t.TempDir()
	sentinel := dir + "/reload"
	require.NoError(t, os.WriteFile(sentinel, []byte("1"), 0o644))

	fq := &fakeQueue{}
	exec := &stubExecutor{}
	cfg := newCfg()
	cfg.ReloadSentinelPath = sentinel
	l := New(fq, exec, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := l.Run(ctx)
	require.ErrorIs(t, err, ErrDrainRequested)

	_, statErr := os.Stat(sentinel)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSleepDuration_ClampsAndSaturates(t *testing.T) {
	assert.Equal(t, time.Duration(1*float64(time.Second)), sleepDuration(0.001, 0))
	assert.Equal(t, 30*time.Second, sleepDuration(2.0, 8))
	assert.Equal(t, 30*time.Second, sleepDuration(2.0, 20))
}

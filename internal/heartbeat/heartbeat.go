// Package heartbeat runs the independently-paced liveness publisher:
// one event every heartbeat_interval_seconds, carrying
// host resource utilization collected via gopsutil.
package heartbeat

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/SauersML/hpc-queue/internal/model"
)

// Publisher is the subset of queue.Client the Emitter depends on.
type Publisher interface {
	PublishHeartbeat(ctx context.Context, event model.HeartbeatEvent) error
}

// Source is the value written into every heartbeat's "source" field.
const Source = "hpc-consumer"

// MetricsSampleTimeout bounds how long a single gopsutil sample may block.
const MetricsSampleTimeout = 5 * time.Second

// Emitter publishes heartbeat events on a fixed cadence, independent of
// the Lease Loop.
type Emitter struct {
	publisher Publisher
	interval  time.Duration
	hostname  string
	pid       int
	logger    *zap.Logger
}

// New creates an Emitter. interval is lower-bounded at 1 second by the
// caller (internal/config.Config.Validate).
func New(publisher Publisher, interval time.Duration, logger *zap.Logger) *Emitter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		publisher: publisher,
		interval:  interval,
		hostname:  hostname,
		pid:       os.Getpid(),
		logger:    logger.Named("heartbeat"),
	}
}

// Run publishes a heartbeat immediately and then every interval, until ctx
// is cancelled. Publish errors are logged and swallowed — the loop
// continues on the same cadence.
func (e *Emitter) Run(ctx context.Context) {
	e.tick(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Emitter) tick(ctx context.Context) {
	event := model.HeartbeatEvent{
		EventType: model.EventTypeHeartbeat,
		Status:    "alive",
		Source:    Source,
		Hostname:  e.hostname,
		PID:       e.pid,
		Timestamp: time.Now().UTC(),
	}

	sampleCtx, cancel := context.WithTimeout(ctx, MetricsSampleTimeout)
	event.CPUPercent, event.MemPercent, event.DiskPercent = sampleUtilization(sampleCtx)
	cancel()

	if err := e.publisher.PublishHeartbeat(ctx, event); err != nil {
		e.logger.Warn("publish heartbeat failed", zap.Error(err))
	}
}

// sampleUtilization collects CPU/mem/disk percentages via gopsutil.
// Any single collector's failure yields 0 for that field rather than
// aborting the heartbeat.
func sampleUtilization(ctx context.Context) (cpuPct, memPct, diskPct float64) {
	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		cpuPct = percentages[0]
	}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vmem.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		diskPct = usage.UsedPercent
	}
	return cpuPct, memPct, diskPct
}

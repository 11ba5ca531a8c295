package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/scheduled-ledger/internal/clock"
)

// DefaultTickInterval gives at least two ticks inside every one-minute bucket.
const DefaultTickInterval = 25 * time.Second

// bucketEngine is the synchronised view of the ledger the scheduler drives.
type bucketEngine interface {
	pendingIDs(key clock.Key) []string
	execute(ctx context.Context, id string) error
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	Skipped  bool
	Buckets  []clock.Key
	Executed int
	Failed   int
}

// Scheduler periodically executes the transactions pending in the current bucket and
// the bucket one minute before it.
type Scheduler struct {
	engine   bucketEngine
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	tickMu sync.Mutex

	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler. A non-positive interval means DefaultTickInterval.
func NewScheduler(engine bucketEngine, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Tick runs one pass. It is skipped when a previous pass is still running.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	if !s.tickMu.TryLock() {
		s.logger.Warn("tick_skipped", "reason", "previous tick still running")
		return TickReport{Skipped: true}
	}
	defer s.tickMu.Unlock()

	var report TickReport

	current, err := clock.KeyOf(s.clock.Now())
	if err != nil {
		s.logger.Error("tick_failed", "error", err)
		return report
	}
	previous, err := current.Previous()
	if err != nil {
		s.logger.Error("tick_failed", "error", err)
		return report
	}

	for _, key := range []clock.Key{previous, current} {
		report.Buckets = append(report.Buckets, key)
		s.runBucket(ctx, key, &report)
	}

	if report.Executed > 0 || report.Failed > 0 {
		s.logger.Info("tick",
			"current_bucket", current.String(),
			"executed", report.Executed,
			"failed", report.Failed,
		)
	}
	return report
}

func (s *Scheduler) runBucket(ctx context.Context, key clock.Key, report *TickReport) {
	for _, id := range s.engine.pendingIDs(key) {
		err := s.engine.execute(ctx, id)
		switch {
		case err == nil:
			report.Executed++
		case errors.Is(err, ErrNotPending):
			// resolved by a concurrent submission since the bucket was listed
		default:
			report.Failed++
			s.logger.Error("execute_failed", "bucket", key.String(), "tx_id", id, "error", err)
		}
	}
}

// Start launches the tick loop. It is a no-op when the loop is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stop != nil {
		return
	}

	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)

	go func(stop <-chan struct{}, stopped chan<- struct{}) {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C():
				s.Tick(ctx)
			}
		}
	}(s.stop, s.stopped)

	s.logger.Info("scheduler_started", "interval", s.interval.String())
}

// Stop ends the tick loop and waits for an in-flight tick, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.runMu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-stopped:
		s.logger.Info("scheduler_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

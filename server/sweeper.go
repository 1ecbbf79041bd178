package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc removes entries that expired before now and reports how many.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// sweepTask is one registered store. It runs as a cron job.
type sweepTask struct {
	name    string
	fn      SweepFunc
	sweeper *Sweeper

	mu        sync.Mutex
	ExecTimes int64
}

// Run implements cron.Job.
func (t *sweepTask) Run() {
	t.mu.Lock()
	t.ExecTimes++
	t.mu.Unlock()
	defer func() {
		if err := recover(); err != nil {
			t.sweeper.logger.Error("panic whilst sweeping", "store", t.name, "error", fmt.Sprint(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.sweeper.timeout)
	defer cancel()
	n, err := t.fn(ctx, t.sweeper.now())
	if err != nil {
		t.sweeper.logger.Warn("sweep failed", "store", t.name, "error", err)
		return
	}
	if n > 0 {
		t.sweeper.logger.Debug("swept expired entries", "store", t.name, "count", n)
		if t.sweeper.metrics != nil {
			t.sweeper.metrics.Swept.WithLabelValues(t.name).Add(float64(n))
		}
	}
}

// Sweeper periodically expires nonces, associations, pending logins and
// sessions.
type Sweeper struct {
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	now      func() time.Time
	metrics  *Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	tasks []*sweepTask
}

// NewSweeper builds a sweeper running every interval.
func NewSweeper(interval time.Duration, now func() time.Time, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule: "@every " + interval.String(),
		timeout:  interval,
		now:      now,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register adds a store to sweep.
func (s *Sweeper) Register(name string, fn SweepFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("duplicate sweep task %q", name)
		}
	}
	task := &sweepTask{name: name, fn: fn, sweeper: s}
	if _, err := s.cron.AddJob(s.schedule, task); err != nil {
		return fmt.Errorf("schedule sweep task %q: %w", name, err)
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// RunOnce sweeps every registered store now, in registration order.
func (s *Sweeper) RunOnce() {
	s.mu.Lock()
	tasks := append([]*sweepTask(nil), s.tasks...)
	s.mu.Unlock()
	for _, t := range tasks {
		t.Run()
	}
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.logger.Info("sweeper started", "schedule", s.schedule, "tasks", len(s.tasks))
	s.cron.Start()
}

// Stop halts the schedule and waits for running sweeps, up to ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package scheduler runs periodic maintenance tasks on cron specs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Scheduler wraps robfig/cron. Tasks never overlap with themselves.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration
	log     *zap.Logger
}

// New creates a Scheduler whose tasks run on ctx, each bounded by timeout.
func New(ctx context.Context, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		ctx:     ctx,
		timeout: timeout,
		log:     zap.L().With(zap.String("component", "scheduler")),
	}
}

// Add registers task under name on spec (standard 5-field or @every).
func (s *Scheduler) Add(name, spec string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, task) })
	if err != nil {
		return eris.Wrapf(err, "scheduler: add %s (%q)", name, spec)
	}
	s.log.Info("scheduler: task registered", zap.String("task", name), zap.String("spec", spec))
	return nil
}

// Start begins running tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler: stop deadline reached with tasks still running")
	}
}

// RunNow executes task once, synchronously.
func (s *Scheduler) RunNow(name string, task Task) {
	s.run(name, task)
}

func (s *Scheduler) run(name string, task Task) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.log.Error("scheduler: task failed", zap.String("task", name), zap.Error(err))
		return
	}
	s.log.Debug("scheduler: task complete", zap.String("task", name), zap.Duration("duration", time.Since(start)))
}

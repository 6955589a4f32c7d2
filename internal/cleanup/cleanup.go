// Package cleanup runs periodic purges of expired security records.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the purge period.
const DefaultInterval = time.Hour

// Task is one independent purge. Run returns the number of removed records.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Scheduler runs every task once per interval. A failing task is logged and
// does not affect the others or later runs.
type Scheduler struct {
	interval    time.Duration
	taskTimeout time.Duration
	tasks       []Task
	log         *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler. interval <= 0 selects DefaultInterval.
func New(interval time.Duration, log *zap.Logger, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		interval:    interval,
		taskTimeout: interval / 2,
		tasks:       tasks,
		log:         log.With(zap.String("component", "cleanup")),
	}
}

// RunOnce runs all tasks sequentially and returns removed counts by task name.
// A failed task is missing from the map and its error is joined into the result.
func (s *Scheduler) RunOnce(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(s.tasks))
	var failed []error
	for _, t := range s.tasks {
		if err := ctx.Err(); err != nil {
			failed = append(failed, err)
			break
		}
		n, err := s.runTask(ctx, t)
		if err != nil {
			s.log.Error("cleanup task failed", zap.String("task", t.Name), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		out[t.Name] = n
		if n > 0 {
			s.log.Info("cleanup task done", zap.String("task", t.Name), zap.Int64("removed", n))
		}
	}
	return out, errors.Join(failed...)
}

func (s *Scheduler) runTask(ctx context.Context, t Task) (n int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Start launches the periodic loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = s.RunOnce(ctx)
			}
		}
	}(s.done)
	s.log.Info("cleanup scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("cleanup scheduler stopped")
}

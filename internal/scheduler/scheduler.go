package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("scheduler closed")

// Func is one run of a task.
type Func func(ctx context.Context) error

// Task describes a repeating job.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run. Zero means Interval.
	Timeout time.Duration
	// RunImmediately runs the task once at start instead of after the
	// first interval.
	RunImmediately bool
	Run            Func
	// MaxBackoff caps the delay after consecutive failures. Zero means
	// 10 * Interval.
	MaxBackoff time.Duration
}

// Stats is a snapshot of one task's counters.
type Stats struct {
	Runs     uint64
	Failures uint64
	Panics   uint64
	Skipped  uint64
	LastErr  error
}

type taskState struct {
	task     Task
	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	panics   atomic.Uint64
	skipped  atomic.Uint64
	mu       sync.Mutex
	lastErr  error
}

// Scheduler owns a set of tasks.
type Scheduler struct {
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	tasks     map[string]*taskState
	closed    bool
	closeOnce sync.Once
}

// New returns an idle Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*taskState),
	}
}

// Schedule starts task in its own goroutine.
func (s *Scheduler) Schedule(task Task) error {
	if task.Name == "" || task.Run == nil || task.Interval <= 0 {
		return errors.New("scheduler: task needs a name, a run func and a positive interval")
	}
	if task.Timeout <= 0 {
		task.Timeout = task.Interval
	}
	if task.MaxBackoff <= 0 {
		task.MaxBackoff = 10 * task.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already scheduled", task.Name)
	}
	st := &taskState{task: task}
	s.tasks[task.Name] = st

	s.wg.Add(1)
	go s.loop(st)
	return nil
}

func (s *Scheduler) loop(st *taskState) {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = st.task.Interval
	bo.MaxInterval = st.task.MaxBackoff
	bo.Reset()

	next := st.task.Interval
	if st.task.RunImmediately {
		next = 0
	}
	timer := time.NewTimer(next)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.runOnce(s.ctx, st); err != nil {
			next = bo.NextBackOff()
			s.logger.Warn("scheduled task failed",
				zap.String("task", st.task.Name),
				zap.Duration("retry_in", next),
				zap.Error(err))
		} else {
			bo.Reset()
			next = st.task.Interval
		}
		timer.Reset(next)
	}
}

// runOnce executes the task unless a previous run is still in flight. The
// run is cancelled by parent, by Close or by the task timeout.
func (s *Scheduler) runOnce(parent context.Context, st *taskState) (err error) {
	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		return nil
	}
	defer st.running.Store(false)

	ctx, cancel := context.WithTimeout(parent, st.task.Timeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			st.panics.Add(1)
			err = fmt.Errorf("task %q panicked: %v", st.task.Name, r)
		}
		st.runs.Add(1)
		if err != nil {
			st.failures.Add(1)
		}
		st.mu.Lock()
		st.lastErr = err
		st.mu.Unlock()
	}()

	return st.task.Run(ctx)
}

// RunNow executes the named task synchronously, honoring the no-overlap
// rule. It reports false when the task was skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if !ok {
		return false, fmt.Errorf("scheduler: unknown task %q", name)
	}
	before := st.skipped.Load()
	err := s.runOnce(ctx, st)
	return st.skipped.Load() == before, err
}

// Stats returns a snapshot for the named task.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	st.mu.Lock()
	lastErr := st.lastErr
	st.mu.Unlock()
	return Stats{
		Runs:     st.runs.Load(),
		Failures: st.failures.Load(),
		Panics:   st.panics.Load(),
		Skipped:  st.skipped.Load(),
		LastErr:  lastErr,
	}, true
}

// Close cancels all tasks and waits for them to return. It is safe to call
// more than once.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
	})
}

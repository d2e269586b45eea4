package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/rtsound/internal/workers"
	"go.viam.com/rtsound/logging"
)

// SoftScheduler implements Scheduler in user space. The armed timer is a ticker goroutine
// standing in for the timer interrupt: each tick advances scheduler time by whole timer
// periods and wakes tasks whose release is due. Task bodies run on their own goroutines.
type SoftScheduler struct {
	clock   clock.Clock
	base    TimeBase
	logger  logging.Logger
	created time.Time

	mu       sync.Mutex
	periodic bool
	timer    *softTimer
	tasks    map[uuid.UUID]*softTask
}

// softTimer is one arming of the timer, from StartTimer to StopTimer.
type softTimer struct {
	period   Ticks
	interval time.Duration
	epoch    time.Time
	origin   Ticks

	// guarded by SoftScheduler.mu
	jiffies int64
	tick    chan struct{}

	interrupt *workers.Group
}

// NewSoftScheduler returns a scheduler timed by clk. A nil clk uses the wall clock and a nil
// logger uses the global one.
func NewSoftScheduler(clk clock.Clock, base TimeBase, logger logging.Logger) (*SoftScheduler, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.Global().Sublogger("scheduler")
	}
	return &SoftScheduler{
		clock:   clk,
		base:    base,
		logger:  logger,
		created: clk.Now(),
		tasks:   map[uuid.UUID]*softTask{},
	}, nil
}

// TimeBase returns the base the scheduler converts with.
func (s *SoftScheduler) TimeBase() TimeBase {
	return s.base
}

// SetPeriodicMode selects periodic timing.
func (s *SoftScheduler) SetPeriodicMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.logger.Debugw("periodic mode selected while timer armed", "period", s.timer.period)
	}
	s.periodic = true
}

// StartTimer arms the timer with the closest period the time base can represent.
func (s *SoftScheduler) StartTimer(period Ticks) (Ticks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.periodic {
		return 0, ErrNotPeriodicMode
	}
	if s.timer != nil {
		return 0, errors.Wrapf(ErrTimerBusy, "armed with %d counts", s.timer.period)
	}
	if period < 0 {
		return 0, errors.Wrapf(ErrInvalidPeriod, "%d counts", period)
	}

	actual := s.base.Quantize(period)
	interval := s.base.Duration(actual)
	if interval <= 0 {
		return 0, errors.Errorf("timer period of %d counts is below clock resolution", actual)
	}

	t := &softTimer{
		period:   actual,
		interval: interval,
		epoch:    s.clock.Now(),
		origin:   s.nowLocked(),
		tick:     make(chan struct{}),
	}
	ticker := s.clock.Ticker(interval)
	t.interrupt = workers.NewGroup(func(ctx context.Context) {
		defer ticker.Stop()
		s.interruptLoop(ctx, t, ticker)
	})
	s.timer = t

	s.logger.Debugw("timer armed", "requested", period, "actual", actual, "interval", interval)
	return actual, nil
}

func (s *SoftScheduler) interruptLoop(ctx context.Context, t *softTimer, ticker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.advance(t)
	}
}

// advance catches scheduler time up with the clock, so dropped ticks are not lost.
func (s *SoftScheduler) advance(t *softTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != t {
		return
	}
	jiffies := int64(s.clock.Since(t.epoch) / t.interval)
	if jiffies <= t.jiffies {
		return
	}
	t.jiffies = jiffies
	close(t.tick)
	t.tick = make(chan struct{})
}

// StopTimer disarms the timer. It fails while any task is periodic, since those tasks
// would never be released again.
func (s *SoftScheduler) StopTimer() error {
	s.mu.Lock()
	t := s.timer
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	for _, task := range s.tasks {
		if task.state == taskPeriodic {
			s.mu.Unlock()
			return errors.Wrapf(ErrTasksActive, "task %q", task.cfg.Name)
		}
	}
	s.timer = nil
	s.mu.Unlock()

	t.interrupt.Stop()
	s.logger.Debugw("timer stopped", "period", t.period)
	return nil
}

// NanoToCount converts with the scheduler's time base.
func (s *SoftScheduler) NanoToCount(ns int64) Ticks {
	return s.base.NanoToCount(ns)
}

// CountToNano converts with the scheduler's time base.
func (s *SoftScheduler) CountToNano(count Ticks) int64 {
	return s.base.CountToNano(count)
}

// Now returns scheduler time in counts. While the timer is armed time only moves in whole
// timer periods, as it would when driven by the timer interrupt.
func (s *SoftScheduler) Now() Ticks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

func (s *SoftScheduler) nowLocked() Ticks {
	if t := s.timer; t != nil {
		return t.origin + Ticks(t.jiffies)*t.period
	}
	return s.base.NanoToCount(int64(s.clock.Since(s.created)))
}

// CreateTask registers a dormant task.
func (s *SoftScheduler) CreateTask(entry TaskFunc, cfg TaskConfig) (Task, error) {
	if entry == nil {
		return nil, errors.Wrap(ErrInvalidTask, "no entry function")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	if cfg.Name == "" {
		cfg.Name = "task-" + id.String()[:8]
	}
	t := &softTask{
		sched:   s,
		id:      id,
		cfg:     cfg,
		entry:   entry,
		workers: workers.NewGroup(),
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	s.logger.Debugw("task created", "task", cfg.Name, "id", id.String(),
		"stack", cfg.StackSize, "priority", cfg.Priority, "fpu", cfg.UsesFPU)
	return t, nil
}

// MakePeriodic activates a dormant task. period is rounded to the closest whole number of
// timer periods, never less than one.
func (s *SoftScheduler) MakePeriodic(task Task, start, period Ticks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupLocked(task)
	if err != nil {
		return err
	}
	if t.state == taskPeriodic {
		return errors.Wrapf(ErrTaskActive, "task %q", t.cfg.Name)
	}
	if s.timer == nil {
		return ErrTimerNotRunning
	}
	if period <= 0 {
		return errors.Wrapf(ErrInvalidPeriod, "%d counts", period)
	}

	timerPeriod := s.timer.period
	multiple := (period + timerPeriod/2) / timerPeriod
	if multiple < 1 {
		multiple = 1
	}
	t.period = multiple * timerPeriod
	t.start = start
	t.state = taskPeriodic
	if t.period != period {
		s.logger.Debugw("task period rounded to timer", "task", t.cfg.Name,
			"requested", period, "actual", t.period)
	}

	t.workers.Go(t.run)
	return nil
}

// DeleteTask cancels the task and waits for its body to return. A task suspended in
// WaitPeriod returns at once; one in the middle of its work finishes that work first.
func (s *SoftScheduler) DeleteTask(task Task) error {
	s.mu.Lock()
	t, err := s.lookupLocked(task)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.tasks, t.id)
	t.state = taskDeleted
	s.mu.Unlock()

	t.workers.Stop()
	s.logger.Debugw("task deleted", "task", t.cfg.Name, "releases", t.releases.Load())
	return nil
}

func (s *SoftScheduler) lookupLocked(task Task) (*softTask, error) {
	if task == nil {
		return nil, errors.Wrap(ErrUnknownTask, "nil task")
	}
	t, ok := s.tasks[task.ID()]
	if !ok || t != task {
		return nil, errors.Wrapf(ErrUnknownTask, "task %q", task.Name())
	}
	return t, nil
}

type taskState int

const (
	taskDormant taskState = iota
	taskPeriodic
	taskDeleted
)

type softTask struct {
	sched  *SoftScheduler
	id     uuid.UUID
	cfg    TaskConfig
	entry  TaskFunc

	// runs the body once the task is periodic; stopped on delete
	workers *workers.Group

	// guarded by sched.mu
	state  taskState
	start  Ticks
	period Ticks

	// only touched by the task goroutine
	next int64

	releases atomic.Uint64
	overruns atomic.Uint64
}

func (t *softTask) ID() uuid.UUID      { return t.id }
func (t *softTask) Name() string       { return t.cfg.Name }
func (t *softTask) Config() TaskConfig { return t.cfg }
func (t *softTask) Releases() uint64   { return t.releases.Load() }
func (t *softTask) Overruns() uint64   { return t.overruns.Load() }

func (t *softTask) Period() Ticks {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.period
}

func (t *softTask) run(ctx context.Context) {
	if err := t.waitRelease(ctx, 0); err != nil {
		return
	}
	t.entry(ctx, t)
}

func (t *softTask) WaitPeriod(ctx context.Context) error {
	t.next++
	return t.waitRelease(ctx, t.next)
}

func (t *softTask) waitRelease(ctx context.Context, index int64) error {
	s := t.sched
	s.mu.Lock()
	release := t.start + Ticks(index)*t.period
	if index > 0 && s.timer != nil && s.nowLocked() >= release {
		t.overruns.Inc()
	}
	deleted := t.workers.Context()
	for {
		if deleted.Err() != nil {
			s.mu.Unlock()
			return ErrTaskDeleted
		}
		if s.timer == nil {
			s.mu.Unlock()
			return ErrTimerNotRunning
		}
		if s.nowLocked() >= release {
			break
		}
		tick := s.timer.tick
		s.mu.Unlock()

		select {
		case <-deleted.Done():
			return ErrTaskDeleted
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	t.releases.Inc()
	if t.cfg.Signal != nil {
		t.cfg.Signal()
	}
	return nil
}

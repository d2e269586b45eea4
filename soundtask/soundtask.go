// Package soundtask is the periodic activity that toggles the speaker once per period.
//
// The task is an explicit two-state machine stepped once per release. It starts Silent,
// so the very first step writes the bit clear, and every later step inverts the previous
// one. Port failures are logged and counted but never end the loop; only the scheduler
// ends it, by failing WaitPeriod.
package soundtask

import (
	"context"

	"go.uber.org/atomic"

	"go.viam.com/rtsound/logging"
	"go.viam.com/rtsound/scheduler"
)

// State is the polarity the next step will write.
type State int

const (
	// Silent steps clear the sound bit.
	Silent State = iota
	// Sounding steps set the sound bit.
	Sounding
)

func (s State) String() string {
	if s == Sounding {
		return "sounding"
	}
	return "silent"
}

// Toggler is the hardware the task drives. *speaker.Speaker implements it.
type Toggler interface {
	On() error
	Off() error
}

// Waiter suspends until the next period. scheduler.Task implements it.
type Waiter interface {
	WaitPeriod(ctx context.Context) error
}

// Stats counts what the task has done. Safe to read while the task runs.
type Stats struct {
	Steps      uint64
	OnSteps    uint64
	PortErrors uint64
}

// Task toggles a Toggler once per step.
type Task struct {
	toggler Toggler
	logger  logging.Logger

	// Owned by whichever goroutine is stepping the task.
	state     State
	errStreak int

	steps      atomic.Uint64
	onSteps    atomic.Uint64
	portErrors atomic.Uint64
}

// New returns a task in the Silent state.
func New(toggler Toggler, logger logging.Logger) *Task {
	return &Task{toggler: toggler, logger: logger, state: Silent}
}

// State returns the polarity of the next step. Only meaningful when the task is not
// running, or from inside the task itself.
func (t *Task) State() State {
	return t.state
}

// Step writes the current polarity and flips to the other one.
func (t *Task) Step() {
	var err error
	if t.state == Sounding {
		err = t.toggler.On()
		t.onSteps.Inc()
	} else {
		err = t.toggler.Off()
	}
	t.steps.Inc()
	t.recordErr(err)

	if t.state == Sounding {
		t.state = Silent
	} else {
		t.state = Sounding
	}
}

// Only the first error of a streak is a warning so a dead port does not flood the log.
func (t *Task) recordErr(err error) {
	if err == nil {
		if t.errStreak > 0 {
			t.logger.Infow("speaker port recovered", "failed_steps", t.errStreak)
		}
		t.errStreak = 0
		return
	}
	t.portErrors.Inc()
	t.errStreak++
	if t.errStreak == 1 {
		t.logger.Warnw("speaker toggle failed", "error", err)
	} else {
		t.logger.Debugw("speaker toggle failed", "error", err, "streak", t.errStreak)
	}
}

// Run steps once, then once after every period, until WaitPeriod fails. It returns that
// error.
func (t *Task) Run(ctx context.Context, w Waiter) error {
	for {
		t.Step()
		if err := w.WaitPeriod(ctx); err != nil {
			return err
		}
	}
}

// Entry adapts Run to a scheduler task body.
func (t *Task) Entry() scheduler.TaskFunc {
	return func(ctx context.Context, task scheduler.Task) {
		err := t.Run(ctx, task)
		t.logger.Debugw("sound task exiting", "reason", err, "steps", t.steps.Load())
	}
}

// Stats returns a snapshot of the counters.
func (t *Task) Stats() Stats {
	return Stats{
		Steps:      t.steps.Load(),
		OnSteps:    t.onSteps.Load(),
		PortErrors: t.portErrors.Load(),
	}
}

// Package scheduler is the periodic real-time scheduling service: it owns the single
// hardware timer, converts between nanoseconds and timer counts, and runs tasks that
// suspend themselves once per period.
package scheduler

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// HighestPriority is the most urgent task priority.
	HighestPriority = 0
	// LowestPriority is the least urgent task priority.
	LowestPriority = 0x3fffffff
	// DefaultStackSize is the stack budget, in bytes, given to small control tasks.
	DefaultStackSize = 1024
)

var (
	// ErrInvalidPeriod is returned for zero or negative periods.
	ErrInvalidPeriod = errors.New("period must be positive")
	// ErrNotPeriodicMode is returned when the timer is started before SetPeriodicMode.
	ErrNotPeriodicMode = errors.New("scheduler is not in periodic mode")
	// ErrTimerBusy is returned by StartTimer while the timer is already armed. Arming the
	// timer twice without StopTimer is a caller bug.
	ErrTimerBusy = errors.New("timer is already running")
	// ErrTimerNotRunning is returned when a task is activated without an armed timer.
	ErrTimerNotRunning = errors.New("timer is not running")
	// ErrTasksActive is returned by StopTimer while periodic tasks still depend on it.
	ErrTasksActive = errors.New("periodic tasks are still active")
	// ErrInvalidTask is returned for a task configuration the scheduler cannot run.
	ErrInvalidTask = errors.New("invalid task")
	// ErrUnknownTask is returned for a task this scheduler did not create or already deleted.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskActive is returned when activating a task twice.
	ErrTaskActive = errors.New("task is already periodic")
	// ErrTaskDeleted is returned by WaitPeriod once the task has been deleted.
	ErrTaskDeleted = errors.New("task deleted")
)

// TaskFunc is a task body. It normally loops forever, calling task.WaitPeriod between units
// of work, and returns once WaitPeriod reports an error. ctx is cancelled when the task is
// deleted.
type TaskFunc func(ctx context.Context, task Task)

// TaskConfig is everything fixed about a task at creation.
type TaskConfig struct {
	Name string
	// StackSize is the stack budget in bytes.
	StackSize int
	// Priority ranges from HighestPriority to LowestPriority.
	Priority int
	// UsesFPU marks tasks whose floating point state must be saved on switches.
	UsesFPU bool
	// Signal, if set, runs in the task's context each time the task is released, before
	// WaitPeriod returns.
	Signal func()
}

// Validate checks the configuration independent of any scheduler.
func (cfg TaskConfig) Validate() error {
	if cfg.StackSize <= 0 {
		return errors.Wrapf(ErrInvalidTask, "stack size must be positive, got %d", cfg.StackSize)
	}
	if cfg.Priority < HighestPriority || cfg.Priority > LowestPriority {
		return errors.Wrapf(ErrInvalidTask, "priority %d outside [%d, %d]",
			cfg.Priority, HighestPriority, LowestPriority)
	}
	return nil
}

// Task is a handle to a scheduled activity.
type Task interface {
	ID() uuid.UUID
	Name() string
	Config() TaskConfig
	// Period is the activation period in counts, zero until MakePeriodic.
	Period() Ticks
	// WaitPeriod suspends the calling task until its next release. It must only be called
	// from the task's own body. It returns ErrTaskDeleted once the task is deleted, or
	// ctx.Err() if ctx ends first.
	WaitPeriod(ctx context.Context) error
	// Releases counts how many times the task has been released.
	Releases() uint64
	// Overruns counts releases that were already due when the task asked to wait.
	Overruns() uint64
}

// Scheduler is the real-time scheduling service.
type Scheduler interface {
	// SetPeriodicMode selects fixed-frequency periodic timing for the whole scheduler. Task
	// periods are then satisfied at the closest multiple of the timer period.
	SetPeriodicMode()
	// StartTimer arms the single shared timer with the requested period in counts and
	// returns the period actually programmed.
	StartTimer(period Ticks) (Ticks, error)
	// StopTimer releases the timer. Stopping a stopped timer is a no-op.
	StopTimer() error

	NanoToCount(ns int64) Ticks
	CountToNano(count Ticks) int64
	// Now is the current time in counts.
	Now() Ticks

	// CreateTask registers a dormant task. Nothing runs until MakePeriodic.
	CreateTask(entry TaskFunc, cfg TaskConfig) (Task, error)
	// MakePeriodic releases the task first at start and then every period counts.
	MakePeriodic(task Task, start, period Ticks) error
	// DeleteTask stops the task and blocks until its body is no longer running. It must not
	// be called from the task's own body.
	DeleteTask(task Task) error
}

// Package controller owns one sound session at a time: it negotiates the timer, starts the
// periodic sound task and, on Stop, tears both down leaving the speaker off.
package controller

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rtsound/logging"
	"go.viam.com/rtsound/scheduler"
	"go.viam.com/rtsound/soundtask"
)

// ErrSessionActive is returned by Start while a previous session has not been stopped.
var ErrSessionActive = errors.New("a sound session is already running")

// TaskName is the name the sound task is registered under.
const TaskName = "sound"

// Options tune the task the controller creates. Zero fields take DefaultStackSize and
// LowestPriority.
type Options struct {
	StackSize int
	Priority  int
}

func (o Options) withDefaults() Options {
	if o.StackSize == 0 {
		o.StackSize = scheduler.DefaultStackSize
	}
	if o.Priority == 0 {
		o.Priority = scheduler.LowestPriority
	}
	return o
}

// Session is one Start/Stop cycle.
type Session struct {
	Negotiation scheduler.Negotiation
	Task        scheduler.Task
	Sound       *soundtask.Task
}

// Controller starts and stops sound sessions on a scheduler.
type Controller struct {
	sched   scheduler.Scheduler
	toggler soundtask.Toggler
	opts    Options
	logger  logging.Logger

	mu      sync.Mutex
	session *Session
}

// New returns a controller with no session.
func New(sched scheduler.Scheduler, toggler soundtask.Toggler, opts Options, logger logging.Logger) (*Controller, error) {
	if sched == nil {
		return nil, errors.New("controller needs a scheduler")
	}
	if toggler == nil {
		return nil, errors.New("controller needs a speaker")
	}
	if logger == nil {
		logger = logging.Global().Sublogger("controller")
	}
	opts = opts.withDefaults()
	cfg := scheduler.TaskConfig{Name: TaskName, StackSize: opts.StackSize, Priority: opts.Priority}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{sched: sched, toggler: toggler, opts: opts, logger: logger}, nil
}

// Start arms the timer for requestedNs and activates the sound task, first released one
// period from now. It returns the negotiated period in counts. On failure nothing is left
// running and the speaker is off.
func (c *Controller) Start(ctx context.Context, requestedNs int64) (scheduler.Ticks, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.session != nil {
		return 0, errors.Wrapf(ErrSessionActive, "period %d counts", c.session.Negotiation.ActualTicks)
	}

	c.sched.SetPeriodicMode()
	n, err := scheduler.Negotiate(c.sched, requestedNs)
	if err != nil {
		return 0, err
	}
	if n.Deviates() {
		c.logger.Warnw(n.String(), "requested_ns", n.RequestedNs, "actual_ns", n.ActualNs)
	} else {
		c.logger.Infow(n.String(), "actual_ns", n.ActualNs)
	}

	sound := soundtask.New(c.toggler, c.logger.Sublogger("task"))
	task, err := c.sched.CreateTask(sound.Entry(), scheduler.TaskConfig{
		Name:      TaskName,
		StackSize: c.opts.StackSize,
		Priority:  c.opts.Priority,
	})
	if err != nil {
		return 0, c.rollback(nil, errors.Wrap(err, "creating sound task"))
	}
	if err := c.sched.MakePeriodic(task, c.sched.Now()+n.ActualTicks, n.ActualTicks); err != nil {
		return 0, c.rollback(task, errors.Wrap(err, "activating sound task"))
	}

	c.session = &Session{Negotiation: n, Task: task, Sound: sound}
	c.logger.Debugw("sound session started", "task", task.ID().String(), "period", n.ActualTicks)
	return n.ActualTicks, nil
}

// rollback undoes a partial Start after the timer was armed.
func (c *Controller) rollback(task scheduler.Task, cause error) error {
	err := cause
	if task != nil {
		err = multierr.Append(err, errors.Wrap(c.sched.DeleteTask(task), "deleting sound task"))
	}
	err = multierr.Append(err, errors.Wrap(c.sched.StopTimer(), "stopping timer"))
	err = multierr.Append(err, errors.Wrap(c.toggler.Off(), "silencing speaker"))
	return err
}

// Stop deletes the sound task, waits for it to exit, forces the speaker off and releases
// the timer. Stopping without a session still silences the speaker.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	session := c.session
	c.session = nil
	if session != nil {
		if err := c.sched.DeleteTask(session.Task); err != nil {
			c.logger.Errorw("deleting sound task", "error", err)
		}
	}
	// The task has exited, so nothing can toggle the bit back on after this.
	if err := c.toggler.Off(); err != nil {
		c.logger.Errorw("silencing speaker", "error", err)
	}
	if session == nil {
		return
	}
	if err := c.sched.StopTimer(); err != nil {
		c.logger.Errorw("stopping timer", "error", err)
	}
	stats := session.Sound.Stats()
	c.logger.Infow("sound session stopped",
		"steps", stats.Steps, "port_errors", stats.PortErrors, "overruns", session.Task.Overruns())
}

// Session returns the live session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

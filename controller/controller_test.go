package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rtsound/ioport"
	"go.viam.com/rtsound/logging"
	"go.viam.com/rtsound/scheduler"
	"go.viam.com/rtsound/speaker"
)

const (
	period    = 100 * time.Millisecond
	otherBits = 0x5c
)

type harness struct {
	clock *clock.Mock
	sched *scheduler.SoftScheduler
	port  *ioport.FakePort
	spk   *speaker.Speaker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mockClock := clock.NewMock()
	sched, err := scheduler.NewSoftScheduler(mockClock, scheduler.DefaultTimeBase(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	port := ioport.NewFakePort(map[ioport.Address]byte{speaker.DefaultAddress: otherBits}, nil)
	spk, err := speaker.New(port, speaker.DefaultAddress, speaker.DefaultMask)
	test.That(t, err, test.ShouldBeNil)
	return &harness{clock: mockClock, sched: sched, port: port, spk: spk}
}

func (h *harness) soundBits() []bool {
	var bits []bool
	for _, w := range h.port.Writes() {
		bits = append(bits, w.Value&speaker.DefaultMask != 0)
	}
	return bits
}

func (h *harness) bitClear(t *testing.T) {
	t.Helper()
	v := h.port.Value(speaker.DefaultAddress)
	test.That(t, v&speaker.DefaultMask, test.ShouldEqual, byte(0))
	test.That(t, v&^speaker.DefaultMask, test.ShouldEqual, byte(otherBits))
}

func TestHundredMillisecondSession(t *testing.T) {
	h := newHarness(t)
	logger, observed := logging.NewObservedTestLogger(t)
	c, err := New(h.sched, h.spk, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	actual, err := c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, actual, test.ShouldEqual, scheduler.Ticks(119318))
	test.That(t, observed.FilterMessage("requested 119318 counts, got 119318 counts").Len(), test.ShouldEqual, 1)

	session := c.Session()
	test.That(t, session, test.ShouldNotBeNil)
	test.That(t, session.Negotiation.Deviates(), test.ShouldBeFalse)
	test.That(t, session.Task.Name(), test.ShouldEqual, TaskName)
	test.That(t, session.Task.Config().StackSize, test.ShouldEqual, scheduler.DefaultStackSize)
	test.That(t, session.Task.Config().Priority, test.ShouldEqual, scheduler.LowestPriority)
	test.That(t, session.Task.Config().UsesFPU, test.ShouldBeFalse)
	test.That(t, session.Task.Period(), test.ShouldEqual, actual)

	// Nothing runs before the first release, one period after Start.
	test.That(t, h.port.Writes(), test.ShouldBeEmpty)

	// Release 0 re-clears the bit, then releases 1..3 set, clear, set.
	expected := []bool{false, true, false, true}
	for i := range expected {
		h.clock.Add(period)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			test.That(tb, h.soundBits(), test.ShouldResemble, expected[:i+1])
		})
	}

	c.Stop()
	h.bitClear(t)
	test.That(t, c.Session(), test.ShouldBeNil)
	test.That(t, observed.FilterMessage("sound session stopped").Len(), test.ShouldEqual, 1)

	// The timer was released, so the clock can run on with nothing happening.
	writes := len(h.port.Writes())
	h.clock.Add(3 * period)
	test.That(t, h.port.Writes(), test.ShouldHaveLength, writes)
}

func TestStopBeforeFirstRelease(t *testing.T) {
	h := newHarness(t)
	h.port.Set(speaker.DefaultAddress, otherBits|speaker.DefaultMask)
	c, err := New(h.sched, h.spk, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)
	c.Stop()
	h.bitClear(t)
	test.That(t, h.port.Writes(), test.ShouldHaveLength, 1)
}

func TestStopWhileSounding(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.sched, h.spk, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)

	h.clock.Add(period)
	h.clock.Add(period)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		v := h.port.Value(speaker.DefaultAddress)
		test.That(tb, v&speaker.DefaultMask, test.ShouldEqual, speaker.DefaultMask)
	})

	c.Stop()
	h.bitClear(t)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.sched, h.spk, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// Without a session Stop only silences the speaker.
	c.Stop()
	h.bitClear(t)

	_, err = c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)
	h.clock.Add(period)
	c.Stop()
	c.Stop()
	h.bitClear(t)

	// A stopped controller can start a new session with a fresh silent task.
	_, err = c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Session().Sound.Stats().Steps, test.ShouldEqual, uint64(0))
	c.Stop()
}

func TestSecondStartRejected(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.sched, h.spk, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)
	first := c.Session()

	_, err = c.Start(context.Background(), int64(period))
	test.That(t, errors.Is(err, ErrSessionActive), test.ShouldBeTrue)
	test.That(t, c.Session(), test.ShouldEqual, first)

	c.Stop()
}

func TestDeviationWarns(t *testing.T) {
	h := newHarness(t)
	logger, observed := logging.NewObservedTestLogger(t)
	c, err := New(h.sched, h.spk, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	actual, err := c.Start(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, actual, test.ShouldEqual, scheduler.Ticks(1))

	warnings := observed.FilterMessage("requested 0 counts, got 1 counts").All()
	test.That(t, warnings, test.ShouldHaveLength, 1)
	test.That(t, warnings[0].Level.String(), test.ShouldEqual, "warn")
	c.Stop()
}

func TestInvalidPeriodLeavesNothingArmed(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.sched, h.spk, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = c.Start(context.Background(), 0)
	test.That(t, errors.Is(err, scheduler.ErrInvalidPeriod), test.ShouldBeTrue)
	test.That(t, c.Session(), test.ShouldBeNil)

	// The timer is still free.
	_, err = c.Start(context.Background(), int64(period))
	test.That(t, err, test.ShouldBeNil)
	c.Stop()
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.sched, h.spk, Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Start(ctx, int64(period))
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, c.Session(), test.ShouldBeNil)
}

// failingScheduler breaks one step of task setup.
type failingScheduler struct {
	scheduler.Scheduler
	createErr   error
	activateErr error
	created     scheduler.Task
}

func (f *failingScheduler) CreateTask(entry scheduler.TaskFunc, cfg scheduler.TaskConfig) (scheduler.Task, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	task, err := f.Scheduler.CreateTask(entry, cfg)
	f.created = task
	return task, err
}

func (f *failingScheduler) MakePeriodic(task scheduler.Task, start, period scheduler.Ticks) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	return f.Scheduler.MakePeriodic(task, start, period)
}

func TestStartRollsBack(t *testing.T) {
	for _, tc := range []struct {
		name     string
		sched    func(scheduler.Scheduler) *failingScheduler
		contains string
	}{
		{
			name: "create fails",
			sched: func(s scheduler.Scheduler) *failingScheduler {
				return &failingScheduler{Scheduler: s, createErr: errors.New("out of tasks")}
			},
			contains: "creating sound task: out of tasks",
		},
		{
			name: "activate fails",
			sched: func(s scheduler.Scheduler) *failingScheduler {
				return &failingScheduler{Scheduler: s, activateErr: errors.New("bad start")}
			},
			contains: "activating sound task: bad start",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.port.Set(speaker.DefaultAddress, otherBits|speaker.DefaultMask)
			failing := tc.sched(h.sched)
			c, err := New(failing, h.spk, Options{}, logging.NewTestLogger(t))
			test.That(t, err, test.ShouldBeNil)

			_, err = c.Start(context.Background(), int64(period))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.contains)
			test.That(t, c.Session(), test.ShouldBeNil)
			h.bitClear(t)

			if failing.created != nil {
				test.That(t, errors.Is(h.sched.DeleteTask(failing.created), scheduler.ErrUnknownTask),
					test.ShouldBeTrue)
			}

			// The timer claim was released.
			_, err = h.sched.StartTimer(h.sched.NanoToCount(int64(period)))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, h.sched.StopTimer(), test.ShouldBeNil)
		})
	}
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t)
	logger := logging.NewTestLogger(t)

	_, err := New(nil, h.spk, Options{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(h.sched, nil, Options{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(h.sched, h.spk, Options{StackSize: -1}, logger)
	test.That(t, errors.Is(err, scheduler.ErrInvalidTask), test.ShouldBeTrue)
	_, err = New(h.sched, h.spk, Options{Priority: scheduler.LowestPriority + 1}, logger)
	test.That(t, errors.Is(err, scheduler.ErrInvalidTask), test.ShouldBeTrue)
}

package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Negotiation is the outcome of arming the timer for a requested period.
type Negotiation struct {
	RequestedNs    int64
	RequestedTicks Ticks
	ActualTicks    Ticks
	ActualNs       int64
}

// Deviates reports whether the timer could not be armed with exactly the requested count.
func (n Negotiation) Deviates() bool {
	return n.RequestedTicks != n.ActualTicks
}

func (n Negotiation) String() string {
	return fmt.Sprintf("requested %d counts, got %d counts", n.RequestedTicks, n.ActualTicks)
}

// Negotiate converts requestedNs to counts and arms the scheduler's timer with it. It must
// be called at most once between StopTimer calls; a second call fails with ErrTimerBusy.
func Negotiate(s Scheduler, requestedNs int64) (Negotiation, error) {
	if requestedNs <= 0 {
		return Negotiation{}, errors.Wrapf(ErrInvalidPeriod, "requested %dns", requestedNs)
	}

	n := Negotiation{
		RequestedNs:    requestedNs,
		RequestedTicks: s.NanoToCount(requestedNs),
	}
	actual, err := s.StartTimer(n.RequestedTicks)
	if err != nil {
		return Negotiation{}, errors.Wrapf(err, "arming timer for %d counts", n.RequestedTicks)
	}
	if actual <= 0 {
		return Negotiation{}, multierr.Combine(
			errors.Errorf("timer armed with non-positive period %d", actual),
			s.StopTimer(),
		)
	}
	n.ActualTicks = actual
	n.ActualNs = s.CountToNano(actual)
	return n, nil
}

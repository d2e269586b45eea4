package scheduler

import (
	"math"
	"math/bits"
	"time"

	"github.com/pkg/errors"
)

// Ticks is a count of timer periods of the underlying oscillator.
type Ticks int64

// DefaultTimerFreqHz is the input clock of the 8254 programmable interval timer.
const DefaultTimerFreqHz = 1193180

const nanosPerSecond = uint64(time.Second)

// TimeBase describes the timer hardware: how fast it counts and which counts it can be
// programmed with. Any programmed period is rounded to the closest multiple of
// Granularity inside [MinCount, MaxCount].
type TimeBase struct {
	FreqHz      int64
	MinCount    Ticks
	MaxCount    Ticks
	Granularity Ticks
}

// DefaultTimeBase is an 8254-style base: 1,193,180 Hz, any count from 1 up.
func DefaultTimeBase() TimeBase {
	return TimeBase{
		FreqHz:      DefaultTimerFreqHz,
		MinCount:    1,
		MaxCount:    math.MaxInt32,
		Granularity: 1,
	}
}

// Validate checks the base is usable.
func (tb TimeBase) Validate() error {
	switch {
	case tb.FreqHz <= 0:
		return errors.Errorf("timer frequency must be positive, got %d", tb.FreqHz)
	case tb.Granularity <= 0:
		return errors.Errorf("timer granularity must be positive, got %d", tb.Granularity)
	case tb.MinCount <= 0:
		return errors.Errorf("minimum timer count must be positive, got %d", tb.MinCount)
	case tb.MaxCount < tb.MinCount:
		return errors.Errorf("maximum timer count %d is below minimum %d", tb.MaxCount, tb.MinCount)
	}
	return nil
}

// NanoToCount converts nanoseconds to the nearest whole count. Results that would not fit
// in Ticks saturate.
func (tb TimeBase) NanoToCount(ns int64) Ticks {
	if ns < 0 {
		return -tb.NanoToCount(-ns)
	}
	return Ticks(scaleRounded(uint64(ns), uint64(tb.FreqHz), nanosPerSecond))
}

// CountToNano converts a count to the nearest whole nanosecond.
func (tb TimeBase) CountToNano(count Ticks) int64 {
	if count < 0 {
		return -tb.CountToNano(-count)
	}
	return scaleRounded(uint64(count), nanosPerSecond, uint64(tb.FreqHz))
}

// Duration is CountToNano as a time.Duration.
func (tb TimeBase) Duration(count Ticks) time.Duration {
	return time.Duration(tb.CountToNano(count))
}

// Quantize returns the count the timer would actually be programmed with for a request.
func (tb TimeBase) Quantize(requested Ticks) Ticks {
	q := requested
	if rem := q % tb.Granularity; rem != 0 {
		q -= rem
		if 2*rem >= tb.Granularity {
			q += tb.Granularity
		}
	}
	if q < tb.MinCount {
		q = roundUp(tb.MinCount, tb.Granularity)
	}
	if q > tb.MaxCount {
		q = tb.MaxCount - tb.MaxCount%tb.Granularity
	}
	return q
}

func roundUp(v, step Ticks) Ticks {
	if rem := v % step; rem != 0 {
		return v + step - rem
	}
	return v
}

// scaleRounded computes round(v*num/den) without intermediate overflow.
func scaleRounded(v, num, den uint64) int64 {
	hi, lo := bits.Mul64(v, num)
	lo, carry := bits.Add64(lo, den/2, 0)
	hi += carry
	if hi >= den {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, den)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

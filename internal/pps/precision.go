package pps

import "time"

// Precision measurement in the manner of ntpd: watch the nanosecond part of
// successive pulse timestamps and take the smallest step larger than the
// minimum credible clock increment as the measurement granularity.
const (
	minChanges        = 12
	minClockIncrement = 86 // nanoseconds
)

// Estimator derives an NTP precision exponent (log2 seconds) from observed
// pulse timestamps. It reports fallback until it has seen enough distinct
// clock increments. Not safe for concurrent use.
type Estimator struct {
	fallback int
	last     uint32
	seen     bool
	tick     uint32
	changes  int
	value    int
	settled  bool
}

// NewEstimator returns an estimator reporting fallback until it settles.
func NewEstimator(fallback int) *Estimator {
	return &Estimator{fallback: fallback, tick: ^uint32(0)}
}

// Observe feeds one pulse timestamp.
func (e *Estimator) Observe(assert time.Time) {
	nsec := uint32(assert.Nanosecond())
	if !e.seen {
		e.last, e.seen = nsec, true
		return
	}
	diff := nsec - e.last
	if nsec < e.last {
		diff = e.last - nsec
	}
	e.last = nsec

	if diff <= minClockIncrement {
		return
	}
	e.changes++
	if diff < e.tick {
		e.tick = diff
	}
	if e.changes > minChanges {
		e.value = exponent(float64(e.tick) / 1e9)
		e.settled = true
	}
}

// Precision returns the current exponent estimate.
func (e *Estimator) Precision() int {
	if !e.settled {
		return e.fallback
	}
	return e.value
}

// exponent converts a tick length in seconds to the nearest power of two.
func exponent(tick float64) int {
	if tick <= 0 {
		return 0
	}
	p := 0
	for tick <= 1.0 {
		tick *= 2.0
		p--
	}
	if tick-1.0 > 1.0-tick/2.0 {
		p++
	}
	return p
}

// Package rtime provides signed, wall-clock-free running-time arithmetic.
//
// Every timestamp the scheduler reasons about is a running-time: segment-
// relative, signed, and produced by the host's to_running_time utility
// rather than by any clock this package reads. Time carries its own
// "undefined" sentinel so callers never need a separate boolean.
package rtime

import "math"

// Time is a signed nanosecond running-time. None marks "undefined", the Go
// analogue of GST_CLOCK_STIME_NONE.
type Time int64

// None is the undefined sentinel. It is the minimum representable value so
// that any defined Time compares greater than it.
const None Time = math.MinInt64

// Defined reports whether t carries an actual running-time.
func (t Time) Defined() bool {
	return t != None
}

// Max returns the later of two running-times, treating None as the earliest
// possible value.
func Max(a, b Time) Time {
	if !a.Defined() {
		return b
	}
	if !b.Defined() {
		return a
	}
	if a > b {
		return a
	}
	return b
}

// Min returns the earlier of two defined running-times. Both arguments must
// be defined; callers that may hold None should check Defined first.
func Min(a, b Time) Time {
	if a < b {
		return a
	}
	return b
}

// Segment is the timing segment a stream's positions are resolved against:
// rate, the configured [start, stop) range, the last processed position and
// the running-time base the segment starts at.
type Segment struct {
	Rate     float64
	Start    Time
	Stop     Time
	Position Time
	Base     Time
}

// Func is the host-supplied running-time utility: to_running_time. It is
// required, not optional — the scheduler has no notion of wall time of its
// own.
type Func func(seg Segment, position Time) Time

// Linear is a Func for hosts whose segments move at a constant rate with no
// wrap or reverse-playback handling: running_time = base + (position -
// start) / rate. It is provided for tests and for demo hosts; production
// hosts with variable-rate or reverse segments supply their own Func.
func Linear(seg Segment, position Time) Time {
	if !position.Defined() || !seg.Start.Defined() {
		return None
	}
	rate := seg.Rate
	if rate == 0 {
		rate = 1
	}
	delta := float64(position-seg.Start) / rate
	base := seg.Base
	if !base.Defined() {
		base = 0
	}
	return base + Time(delta)
}

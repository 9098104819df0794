package mqueue

import "errors"

// ErrInvariantViolation marks a scheduler-internal inconsistency (unknown
// flow status, malformed segment) — per spec.md §7 these are logged and
// treated as fatal: the worker that observed them pauses.
var ErrInvariantViolation = errors.New("mqueue: invariant violation")

// ErrQueryRefused is returned synchronously to a producer pushing a
// serialized query while the MultiQueue is in buffering mode and the
// target queue is non-empty (spec.md §4.3, serialized QUERY handling).
var ErrQueryRefused = errors.New("mqueue: query refused")

// ErrUnknownHandle is returned by operations given a handle that does not
// name a currently-registered SingleQueue.
var ErrUnknownHandle = errors.New("mqueue: unknown handle")

// ErrHandleInUse is returned by RequestInput when the caller asked for a
// specific id that is already taken.
var ErrHandleInUse = errors.New("mqueue: requested id already in use")

// SchedulerError is the host-visible asynchronous error posted on a
// terminal condition (spec.md §7: "post at most one error message").
// It wraps the triggering sentinel via errors.Is/errors.As, mirroring the
// teacher's runtime.IngestionError/Kind pattern.
type SchedulerError struct {
	QueueID uint64
	Kind    ErrorKind
	Err     error
}

// ErrorKind classifies a SchedulerError the way runtime.IngestionErrorKind
// classifies an IngestionError — a small enum, not a type hierarchy.
type ErrorKind int

const (
	ErrorKindInvariant ErrorKind = iota
	ErrorKindDownstreamClosed
	ErrorKindDownstreamFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInvariant:
		return "invariant"
	case ErrorKindDownstreamClosed:
		return "downstream_closed"
	case ErrorKindDownstreamFatal:
		return "downstream_fatal"
	default:
		return "unknown"
	}
}

func (e *SchedulerError) Error() string {
	return "mqueue: queue " + uitoa(e.QueueID) + " (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// IsInvariantViolation reports whether err is (or wraps) an
// ErrInvariantViolation SchedulerError.
func IsInvariantViolation(err error) bool {
	var se *SchedulerError
	return errors.As(err, &se) && se.Kind == ErrorKindInvariant
}

// IsDownstreamFatal reports whether err is (or wraps) a terminal
// downstream-closed/fatal SchedulerError.
func IsDownstreamFatal(err error) bool {
	var se *SchedulerError
	return errors.As(err, &se) && (se.Kind == ErrorKindDownstreamClosed || se.Kind == ErrorKindDownstreamFatal)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

package mqueue

import (
	"context"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/rtime"
)

// MaxBufferingLevel is the scale buffering_level is computed into, per
// spec.md's glossary: "[0, MAX_BUFFERING_LEVEL=1_000_000]".
const MaxBufferingLevel int64 = 1_000_000

// noID is the undefined-id sentinel. spec.md's design notes accept the
// 64-bit-counter resolution of the original's 32-bit wraparound concern,
// so this is ^uint64(0) rather than MAX_U32.
const noID uint64 = ^uint64(0)

// Limits is the three-axis per-queue cap: item count, bytes, queued time.
// A zero field on any axis disables that axis's check (spec.md boundary
// behaviour: "max_size_items = 0 means disabled").
type Limits struct {
	Items  int64
	Bytes  int64
	TimeNs int64
}

// Handle identifies a SingleQueue registered with a MultiQueue.
type Handle uint64

// Pusher is the downstream push primitive required from the host
// (spec.md §6, "Required from the host").
type Pusher interface {
	Push(ctx context.Context, it *item.Item) item.FlowStatus
}

// PusherFunc adapts a function to a Pusher.
type PusherFunc func(ctx context.Context, it *item.Item) item.FlowStatus

func (f PusherFunc) Push(ctx context.Context, it *item.Item) item.FlowStatus {
	return f(ctx, it)
}

// QueueStats is the read-only per-queue snapshot exposed by the `stats`
// property (spec.md §6; shape restored from gst_multi_queue_get_stats,
// see SPEC_FULL.md §9).
type QueueStats struct {
	ID              uint64
	GroupID         uint64
	Items           int64
	Bytes           int64
	TimeNs          int64
	FlowStatus      item.FlowStatus
	IsEOS           bool
	BufferingLevel  int64
	MaxItems        int64
	MaxBytes        int64
	MaxTimeNs       int64
}

// PropertyKey enumerates the set_property/get_property keys of spec.md §6.
// A typed enum is the idiomatic Go rendition of a stringly-typed property
// bag while keeping every key spec.md names addressable.
type PropertyKey int

const (
	PropMaxSizeBytes PropertyKey = iota
	PropMaxSizeItems
	PropMaxSizeTimeNs
	PropExtraSizeBytes
	PropExtraSizeItems
	PropExtraSizeTimeNs
	PropUseBuffering
	PropLowWatermark
	PropHighWatermark
	PropSyncByRunningTime
	PropUseInterleave
	PropUnlinkedCacheTimeNs
	PropMinInterleaveTimeNs
)

// RequestInputOptions configures RequestInput.
type RequestInputOptions struct {
	// RequestedID optionally pins the new SingleQueue's id. RequestInput
	// fails with ErrHandleInUse if it is already taken.
	RequestedID   uint64
	HasRequestedID bool

	// GroupID tags streams that should be aligned together (default 0).
	GroupID uint64

	// ProducerGroup partitions streams for per-group interleave
	// computation (spec.md §9: "associate each SingleQueue with a
	// producer group identifier provided at request_input time").
	ProducerGroup uint64

	// Sparse marks a stream that never contributes to "full by time" and
	// never acts as the starving queue that triggers growth in others.
	Sparse bool

	// Pusher is this stream's downstream collaborator.
	Pusher Pusher

	// RunningTime resolves a segment position to a running-time. If nil,
	// rtime.Linear is used.
	RunningTime rtime.Func

	// PhysicalCapacity overrides the backing ring's physical capacity hint.
	PhysicalCapacity int
}

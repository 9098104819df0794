// Package item defines the opaque item model the scheduler reads.
//
// The host's real media buffers, events and queries never appear here —
// only the attributes spec'd as readable by the core. Kind-specific fields
// that don't apply to a given item are simply left zero; Go has no tagged
// unions, and a struct of optional fields guarded by Kind is the cheapest
// way to stay allocation-free on the hot path.
package item

import "github.com/justapithecus/multiqueue/rtime"

// Kind is the top-level discriminant of an Item.
type Kind int

const (
	Data Kind = iota
	Marker
	Query
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "DATA"
	case Marker:
		return "MARKER"
	case Query:
		return "QUERY"
	default:
		return "UNKNOWN"
	}
}

// MarkerKind is the sub-kind of a Marker item.
type MarkerKind int

const (
	StreamStart MarkerKind = iota
	SegmentStart
	Gap
	SegmentDone
	EndOfStream
	FlushStart
	FlushStop
	OtherSerialized
	OtherNonSerialized
)

func (k MarkerKind) String() string {
	switch k {
	case StreamStart:
		return "StreamStart"
	case SegmentStart:
		return "SegmentStart"
	case Gap:
		return "Gap"
	case SegmentDone:
		return "SegmentDone"
	case EndOfStream:
		return "EndOfStream"
	case FlushStart:
		return "FlushStart"
	case FlushStop:
		return "FlushStop"
	case OtherSerialized:
		return "OtherSerialized"
	case OtherNonSerialized:
		return "OtherNonSerialized"
	default:
		return "UNKNOWN"
	}
}

// Serialized reports whether this marker kind travels through the FIFO in
// order with DATA items. Only OtherNonSerialized bypasses the queue.
func (k MarkerKind) Serialized() bool {
	return k != OtherNonSerialized
}

// Sticky reports whether this marker must be cached and replayed downstream
// after a FlushStop, per the sticky-marker rule.
func (k MarkerKind) Sticky() bool {
	switch k {
	case StreamStart, SegmentStart:
		return true
	default:
		return false
	}
}

// StreamStartInfo carries a StreamStart marker's payload.
type StreamStartInfo struct {
	GroupID    uint64
	HasGroupID bool
	Sparse     bool
}

// GapInfo carries a Gap marker's payload.
type GapInfo struct {
	Timestamp rtime.Time
	Duration  rtime.Time
}

// Item is one opaque record flowing through a SingleQueue.
type Item struct {
	Kind      Kind
	SizeBytes int64
	Timestamp rtime.Time
	Duration  rtime.Time

	// Marker fields; valid only when Kind == Marker.
	MarkerKind  MarkerKind
	StreamStart StreamStartInfo
	Segment     rtime.Segment
	Gap         GapInfo

	// Query fields; valid only when Kind == Query.
	QuerySerialized bool
	QueryPayload    any
	QueryResult     any

	// id is assigned by the MultiQueue on enqueue; zero until then.
	id  uint64
	has bool
}

// ID returns the global arrival ID this item was assigned on push, and
// whether one has been assigned yet.
func (it *Item) ID() (uint64, bool) {
	return it.id, it.has
}

// SetID assigns the global arrival ID. Called once, by the MultiQueue, at
// the moment the item is admitted to a SingleQueue's FIFO.
func (it *Item) SetID(id uint64) {
	it.id = id
	it.has = true
}

// NewData builds a DATA item.
func NewData(sizeBytes int64, timestamp, duration rtime.Time) *Item {
	return &Item{Kind: Data, SizeBytes: sizeBytes, Timestamp: timestamp, Duration: duration}
}

// NewMarker builds a MARKER item of the given sub-kind.
func NewMarker(mk MarkerKind) *Item {
	return &Item{Kind: Marker, MarkerKind: mk, Timestamp: rtime.None, Duration: rtime.None}
}

// NewStreamStart builds a StreamStart marker.
func NewStreamStart(info StreamStartInfo) *Item {
	it := NewMarker(StreamStart)
	it.StreamStart = info
	return it
}

// NewSegmentStart builds a SegmentStart marker.
func NewSegmentStart(seg rtime.Segment) *Item {
	it := NewMarker(SegmentStart)
	it.Segment = seg
	return it
}

// NewGap builds a Gap marker.
func NewGap(ts, dur rtime.Time) *Item {
	it := NewMarker(Gap)
	it.Gap = GapInfo{Timestamp: ts, Duration: dur}
	return it
}

// NewQuery builds a QUERY item.
func NewQuery(serialized bool, payload any) *Item {
	return &Item{Kind: Query, QuerySerialized: serialized, QueryPayload: payload, Timestamp: rtime.None, Duration: rtime.None}
}

// FlowStatus is the downstream responsiveness state a push observes or a
// SingleQueue remembers.
type FlowStatus int

const (
	FlowOK FlowStatus = iota
	FlowNotLinked
	FlowFlushing
	FlowEOS
	FlowFatal
	FlowClosed
)

func (f FlowStatus) String() string {
	switch f {
	case FlowOK:
		return "OK"
	case FlowNotLinked:
		return "NOT_LINKED"
	case FlowFlushing:
		return "FLUSHING"
	case FlowEOS:
		return "END_OF_STREAM"
	case FlowFatal:
		return "FATAL"
	case FlowClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Linked reports whether this flow status represents a stream whose
// downstream is actually consuming, as opposed to NOT_LINKED.
func (f FlowStatus) Linked() bool {
	return f != FlowNotLinked
}

// Terminal reports whether this flow status should stop a worker's loop,
// per spec step 9 (non-OK/NOT_LINKED/EOS statuses pause the worker).
func (f FlowStatus) Terminal() bool {
	switch f {
	case FlowFatal, FlowClosed:
		return true
	default:
		return false
	}
}

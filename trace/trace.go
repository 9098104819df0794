// Package trace records and replays a fixed sequence of items pushed to a
// MultiQueue, as length-prefixed msgpack frames. This gives the bench CLI
// and deterministic tests a way to capture one run's input sequence and
// re-feed it later, independent of wall-clock timing. Only the fields on
// Record are kept: a SegmentStart replays with its base alone, and every
// query replays as an empty serialized query.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/rtime"
)

// LengthPrefixSize is the size of each record's big-endian length prefix.
const LengthPrefixSize = 4

// MaxRecordSize bounds a single record, mirroring the teacher's framing
// limit so a corrupt trace file fails fast instead of allocating unbounded
// memory.
const MaxRecordSize = 16 * 1024 * 1024

// Record is the on-disk representation of one item pushed to one queue.
// Only the fields relevant to the item's Kind are meaningful; this mirrors
// item.Item's own "struct of optional fields guarded by Kind" shape.
type Record struct {
	QueueID    uint64 `msgpack:"queue_id"`
	Kind       int    `msgpack:"kind"`
	MarkerKind int    `msgpack:"marker_kind,omitempty"`
	SizeBytes  int64  `msgpack:"size_bytes,omitempty"`
	TimestampNs int64 `msgpack:"timestamp_ns,omitempty"`
	HasTimestamp bool `msgpack:"has_timestamp,omitempty"`
	DurationNs   int64 `msgpack:"duration_ns,omitempty"`
	HasDuration  bool  `msgpack:"has_duration,omitempty"`

	StreamStartGroupID uint64 `msgpack:"stream_start_group_id,omitempty"`
	StreamStartSparse  bool   `msgpack:"stream_start_sparse,omitempty"`

	SegmentBaseNs int64 `msgpack:"segment_base_ns,omitempty"`
	HasSegmentBase bool `msgpack:"has_segment_base,omitempty"`

	GapTimestampNs int64 `msgpack:"gap_timestamp_ns,omitempty"`
	GapDurationNs  int64 `msgpack:"gap_duration_ns,omitempty"`
}

func timeOrNone(ns int64, has bool) rtime.Time {
	if !has {
		return rtime.None
	}
	return rtime.Time(ns)
}

// ToItem reconstructs the item.Item this record describes.
func (r Record) ToItem() *item.Item {
	switch item.Kind(r.Kind) {
	case item.Data:
		return item.NewData(r.SizeBytes, timeOrNone(r.TimestampNs, r.HasTimestamp), timeOrNone(r.DurationNs, r.HasDuration))
	case item.Marker:
		switch item.MarkerKind(r.MarkerKind) {
		case item.StreamStart:
			return item.NewStreamStart(item.StreamStartInfo{
				GroupID:    r.StreamStartGroupID,
				HasGroupID: true,
				Sparse:     r.StreamStartSparse,
			})
		case item.SegmentStart:
			seg := rtime.Segment{Base: timeOrNone(r.SegmentBaseNs, r.HasSegmentBase)}
			return item.NewSegmentStart(seg)
		case item.Gap:
			return item.NewGap(rtime.Time(r.GapTimestampNs), rtime.Time(r.GapDurationNs))
		default:
			return item.NewMarker(item.MarkerKind(r.MarkerKind))
		}
	default:
		return item.NewQuery(true, nil)
	}
}

// RecordFromItem captures enough of it to reconstruct it later via ToItem.
func RecordFromItem(queueID uint64, it *item.Item) Record {
	r := Record{QueueID: queueID, Kind: int(it.Kind)}
	switch it.Kind {
	case item.Data:
		r.SizeBytes = it.SizeBytes
		if it.Timestamp.Defined() {
			r.TimestampNs, r.HasTimestamp = int64(it.Timestamp), true
		}
		if it.Duration.Defined() {
			r.DurationNs, r.HasDuration = int64(it.Duration), true
		}
	case item.Marker:
		r.MarkerKind = int(it.MarkerKind)
		switch it.MarkerKind {
		case item.StreamStart:
			r.StreamStartGroupID = it.StreamStart.GroupID
			r.StreamStartSparse = it.StreamStart.Sparse
		case item.SegmentStart:
			if it.Segment.Base.Defined() {
				r.SegmentBaseNs, r.HasSegmentBase = int64(it.Segment.Base), true
			}
		case item.Gap:
			r.GapTimestampNs = int64(it.Gap.Timestamp)
			r.GapDurationNs = int64(it.Gap.Duration)
		}
	}
	return r
}

// Writer appends length-prefixed msgpack records to an underlying stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for sequential record writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord encodes and writes one record.
func (tw *Writer) WriteRecord(r Record) error {
	payload, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("trace: marshal record: %w", err)
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := tw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("trace: write length prefix: %w", err)
	}
	if _, err := tw.w.Write(payload); err != nil {
		return fmt.Errorf("trace: write payload: %w", err)
	}
	return nil
}

// Reader reads length-prefixed msgpack records from an underlying stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for sequential record reads.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

// ReadRecord reads and decodes the next record. Returns io.EOF when the
// stream is exhausted cleanly between records.
func (tr *Reader) ReadRecord() (Record, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(tr.r, prefix[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("trace: read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxRecordSize {
		return Record{}, fmt.Errorf("trace: record size %d exceeds maximum %d", size, MaxRecordSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(tr.r, payload); err != nil {
		return Record{}, fmt.Errorf("trace: read payload: %w", err)
	}

	var r Record
	if err := msgpack.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("trace: unmarshal record: %w", err)
	}
	return r, nil
}

// ReadAll drains every remaining record from tr.
func (tr *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		r, err := tr.ReadRecord()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}

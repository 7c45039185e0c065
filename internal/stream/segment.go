package stream

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"sync"
	"time"
)

// Unbounded can be passed as the end of a byte range to serve a segment
// until it completes.
const Unbounded = math.MaxInt

// minFinalDuration is the duration given by Finalize to a segment whose
// parts have no duration.
const minFinalDuration = 0.001

var (
	// ErrSegmentComplete is returned when a part is added to a finished segment.
	ErrSegmentComplete = errors.New("segment already complete")

	// ErrInvalidRange is returned for negative or inverted byte ranges.
	ErrInvalidRange = errors.New("invalid byte range")
)

// OffsetPart is a part together with its byte offset inside the segment.
type OffsetPart struct {
	Offset int
	Part
}

// Segment is one playlist-addressable chunk made of parts. Parts are only
// appended, keyed by their byte offset, until a non-zero duration marks the
// segment complete.
type Segment struct {
	sequence int
	streamID int
	init     []byte
	start    time.Time
	outputs  []*Output

	mu       sync.Mutex
	duration float64
	// offsets[i] is the byte offset of parts[i]; strictly increasing.
	offsets []int
	parts   []Part
	render  renderCache
}

// NewSegment creates an empty segment. Every part added later is signalled
// to outputs.
func NewSegment(sequence, streamID int, init []byte, start time.Time, outputs ...*Output) *Segment {
	return &Segment{
		sequence: sequence,
		streamID: streamID,
		init:     init,
		start:    start.UTC(),
		outputs:  outputs,
	}
}

// Sequence returns the media sequence number.
func (s *Segment) Sequence() int { return s.sequence }

// StreamID returns the id of the producer session that wrote the segment.
func (s *Segment) StreamID() int { return s.streamID }

// Init returns the initialization section the segment is based on.
func (s *Segment) Init() []byte { return s.init }

// StartTime returns the wall clock time of the first part.
func (s *Segment) StartTime() time.Time { return s.start }

// AddPart appends part at the current end of the segment and sets the
// segment duration. duration is zero for every part except the last one.
func (s *Segment) AddPart(part Part, duration float64) error {
	if err := part.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.duration > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: sequence %d", ErrSegmentComplete, s.sequence)
	}
	s.offsets = append(s.offsets, s.dataSizeLocked())
	s.parts = append(s.parts, part)
	s.duration = duration
	s.mu.Unlock()

	for _, output := range s.outputs {
		output.PartPut()
	}
	return nil
}

// Finalize completes the segment with the summed duration of its parts, so
// a segment cut short by an upstream restart stays addressable. It reports
// whether the segment was completed; complete or empty segments are left
// alone.
func (s *Segment) Finalize() bool {
	s.mu.Lock()
	if s.duration > 0 || len(s.parts) == 0 {
		s.mu.Unlock()
		return false
	}
	d := 0.0
	for _, p := range s.parts {
		d += p.Duration
	}
	// #EXTINF needs a positive duration even when parts carried none
	s.duration = max(d, minFinalDuration)
	s.mu.Unlock()

	for _, output := range s.outputs {
		output.PartPut()
	}
	return true
}

// Duration returns the segment duration, zero while incomplete.
func (s *Segment) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Complete reports whether the last part has been added.
func (s *Segment) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration > 0
}

// DataSize returns the size of all part data in bytes, without init.
func (s *Segment) DataSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataSizeLocked()
}

// DataSizeWithInit returns the size of all part data plus the init section.
func (s *Segment) DataSizeWithInit() int {
	return len(s.init) + s.DataSize()
}

// NumParts returns the number of parts added so far.
func (s *Segment) NumParts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parts)
}

// Parts returns a snapshot of the parts in offset order.
func (s *Segment) Parts() []OffsetPart {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OffsetPart, len(s.parts))
	for i, p := range s.parts {
		out[i] = OffsetPart{Offset: s.offsets[i], Part: p}
	}
	return out
}

// Data returns the concatenated part data, without init.
func (s *Segment) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, s.dataSizeLocked())
	for _, p := range s.parts {
		buf = append(buf, p.Data...)
	}
	return buf
}

// AggregatingBytes returns a sequence of chunks covering [start, end) of the
// segment data. It can be used while the segment is still being written:
// when the data at the cursor is not there yet an empty chunk is yielded and
// the cursor stays put, so the caller should wait for a part signal before
// pulling again. The sequence ends once the range is served or the segment
// is complete with nothing left at the cursor. Yielded chunks share memory
// with the segment and must not be modified.
func (s *Segment) AggregatingBytes(start, end int) (iter.Seq[[]byte], error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}

	return func(yield func([]byte) bool) {
		pos := start
		for pos < end {
			data, complete := s.chunkAt(pos)
			if data == nil {
				if complete {
					return
				}
				if !yield(nil) {
					return
				}
				continue
			}

			pos += len(data)
			if pos >= end {
				yield(data[:len(data)-(pos-end)])
				return
			}
			if !yield(data) {
				return
			}
		}
	}, nil
}

// chunkAt returns the data from pos to the end of the part containing pos,
// or nil when no such part exists yet, along with the completion state
// observed under the same lock.
func (s *Segment) chunkAt(pos int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete := s.duration > 0
	i := sort.Search(len(s.offsets), func(i int) bool { return s.offsets[i] > pos }) - 1
	if i < 0 {
		return nil, complete
	}
	rel := pos - s.offsets[i]
	if rel >= len(s.parts[i].Data) {
		return nil, complete
	}
	return s.parts[i].Data[rel:], complete
}

// dataSizeLocked uses the last part to compute the size.
// Caller must hold s.mu.
func (s *Segment) dataSizeLocked() int {
	n := len(s.offsets)
	if n == 0 {
		return 0
	}
	return s.offsets[n-1] + len(s.parts[n-1].Data)
}

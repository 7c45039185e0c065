package stream

import (
	"context"
	"sync"
	"time"
)

// Output is a consumer-side view over the live segment history. It keeps at
// most capacity segments, dropping the oldest, and lets consumers wait for
// new segments and new parts.
//
// Each signal is a channel that is closed and replaced when the event
// happens, so a waiter that grabbed the channel before the event is always
// woken.
type Output struct {
	name     string
	capacity int
	idle     *IdleTimer

	mu        sync.Mutex
	segments  []*Segment
	segmentCh chan struct{}
	partCh    chan struct{}
}

// NewOutput returns an empty output. A capacity <= 0 keeps a single segment.
func NewOutput(name string, capacity int, idle *IdleTimer) *Output {
	if capacity <= 0 {
		capacity = 1
	}
	if idle == nil {
		idle = NewIdleTimer(DefaultOutputIdleTimeout, nil)
	}
	return &Output{
		name:      name,
		capacity:  capacity,
		idle:      idle,
		segments:  make([]*Segment, 0, capacity),
		segmentCh: make(chan struct{}),
		partCh:    make(chan struct{}),
	}
}

// Name returns the provider kind of the output.
func (o *Output) Name() string { return o.name }

// Capacity returns the maximum number of retained segments.
func (o *Output) Capacity() int { return o.capacity }

// IdleTimer returns the inactivity watchdog of the output.
func (o *Output) IdleTimer() *IdleTimer { return o.idle }

// Idle reports whether no consumer has touched the output for the idle
// timeout.
func (o *Output) Idle() bool { return o.idle.Idle() }

// LastSequence returns the sequence of the newest segment or -1.
func (o *Output) LastSequence() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n := len(o.segments); n > 0 {
		return o.segments[n-1].Sequence()
	}
	return -1
}

// LastSegment returns the newest segment or nil.
func (o *Output) LastSegment() *Segment {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n := len(o.segments); n > 0 {
		return o.segments[n-1]
	}
	return nil
}

// Segment looks up a retained segment by sequence. Most requests target the
// newest segments so the history is searched backwards.
func (o *Output) Segment(sequence int) (*Segment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := len(o.segments) - 1; i >= 0; i-- {
		if o.segments[i].Sequence() == sequence {
			return o.segments[i], true
		}
	}
	return nil, false
}

// Segments returns the retained history, oldest first.
func (o *Output) Segments() []*Segment {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*Segment, len(o.segments))
	copy(out, o.segments)
	return out
}

// Sequences returns the sequences of the retained history, oldest first.
func (o *Output) Sequences() []int {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]int, len(o.segments))
	for i, s := range o.segments {
		out[i] = s.Sequence()
	}
	return out
}

// Recv waits for the next segment to be published. It returns whether a
// segment is available afterwards; false means the output was cleaned up
// while empty or ctx was cancelled.
func (o *Output) Recv(ctx context.Context) bool {
	o.mu.Lock()
	ch := o.segmentCh
	o.mu.Unlock()

	select {
	case <-ch:
		return o.LastSegment() != nil
	case <-ctx.Done():
		return false
	}
}

// PartRecv waits for the next part signal. sig is a channel obtained from
// PartSignal before the caller last looked at the segment; nil waits for the
// signal after the current one. It returns false when timeout elapses or ctx
// is cancelled first.
func (o *Output) PartRecv(ctx context.Context, sig <-chan struct{}, timeout time.Duration) bool {
	if sig == nil {
		sig = o.PartSignal()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sig:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// PartSignal returns a channel closed by the next part signal. Grabbing it
// before checking a segment for data avoids missing a part that lands in
// between.
func (o *Output) PartSignal() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.partCh
}

// PartPut wakes every PartRecv waiter.
func (o *Output) PartPut() {
	o.mu.Lock()
	close(o.partCh)
	o.partCh = make(chan struct{})
	o.mu.Unlock()
}

// Put publishes a segment. It is safe to call from the producer goroutine
// while consumers are reading.
func (o *Output) Put(segment *Segment) {
	// Start idle timeout when we start receiving data
	o.idle.Start()

	o.mu.Lock()
	if len(o.segments) == o.capacity {
		copy(o.segments, o.segments[1:])
		o.segments[len(o.segments)-1] = nil
		o.segments = o.segments[:len(o.segments)-1]
	}
	o.segments = append(o.segments, segment)
	close(o.segmentCh)
	o.segmentCh = make(chan struct{})
	o.mu.Unlock()
}

// Cleanup wakes all waiters, stops the idle timer and drops the history.
func (o *Output) Cleanup() {
	o.idle.Clear()

	o.mu.Lock()
	o.segments = make([]*Segment, 0, o.capacity)
	close(o.segmentCh)
	o.segmentCh = make(chan struct{})
	close(o.partCh)
	o.partCh = make(chan struct{})
	o.mu.Unlock()
}

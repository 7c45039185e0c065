package stream

import (
	"sync"
	"time"
)

// Producer cuts the incoming parts into segments and publishes them to the
// outputs of a stream. Parts must arrive in decode order; calls are
// serialized.
type Producer struct {
	settings Settings
	outputs  func() []*Output
	now      func() time.Time

	mu       sync.Mutex
	init     []byte
	next     int
	streamID int
	current  *Segment
	// outputs the current segment was published to
	currentOutputs []*Output
}

// NewProducer returns a producer publishing to whatever outputs returns at
// the start of each segment.
func NewProducer(settings Settings, outputs func() []*Output) *Producer {
	return &Producer{
		settings: settings,
		outputs:  outputs,
		now:      time.Now,
	}
}

// SetInit sets the initialization section used by the following segments.
func (p *Producer) SetInit(init []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init = init
}

// Init returns the current initialization section.
func (p *Producer) Init() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.init
}

// AddPart appends part to the segment being built, starting a new one if
// needed. A non-zero segmentDuration completes the segment. With LL-HLS the
// segment is published as soon as it is started so consumers can follow its
// parts; otherwise it is published once complete.
func (p *Producer) AddPart(part Part, segmentDuration float64) (*Segment, error) {
	if err := part.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		p.currentOutputs = p.outputs()
		p.current = NewSegment(p.next, p.streamID, p.init, p.now(), p.currentOutputs...)
		p.next++
		if p.settings.LLHLS {
			for _, o := range p.currentOutputs {
				o.Put(p.current)
			}
		}
	}

	segment := p.current
	if err := segment.AddPart(part, segmentDuration); err != nil {
		return nil, err
	}

	if segment.Complete() {
		if !p.settings.LLHLS {
			for _, o := range p.currentOutputs {
				o.Put(segment)
			}
		}
		p.current = nil
		p.currentOutputs = nil
	}
	return segment, nil
}

// Discontinuity marks an upstream restart. The segment in progress is
// finalized with the parts it has, keeping sequence numbers contiguous for
// consumers, and the following segments carry a new stream id.
func (p *Producer) Discontinuity() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seg := p.current; seg != nil && seg.Finalize() && !p.settings.LLHLS {
		for _, o := range p.currentOutputs {
			o.Put(seg)
		}
	}
	p.streamID++
	p.current = nil
	p.currentOutputs = nil
	return p.streamID
}

// Sequence returns the sequence of the last started segment, or -1.
func (p *Producer) Sequence() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next - 1
}

// StreamID returns the current producer session id.
func (p *Producer) StreamID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamID
}

// Current returns the segment being built, or nil.
func (p *Producer) Current() *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Package stream buffers a live fragmented-MP4 bitstream into addressable
// segments and parts and fans them out to independent outputs.
package stream

import (
	"errors"
	"fmt"
)

// ErrInvalidPart is returned when a part has a negative duration or no data.
var ErrInvalidPart = errors.New("invalid part")

// Part is an atomic fragment of encoded media (moof+mdat). It is never
// modified after construction.
type Part struct {
	Duration    float64
	HasKeyframe bool
	Data        []byte
}

// NewPart returns a validated Part.
func NewPart(duration float64, hasKeyframe bool, data []byte) (Part, error) {
	p := Part{Duration: duration, HasKeyframe: hasKeyframe, Data: data}
	if err := p.Validate(); err != nil {
		return Part{}, err
	}
	return p, nil
}

// Validate reports whether p can be appended to a segment.
func (p Part) Validate() error {
	if p.Duration < 0 {
		return fmt.Errorf("%w: negative duration %.3f", ErrInvalidPart, p.Duration)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidPart)
	}
	return nil
}

// Len returns the size of the part data in bytes.
func (p Part) Len() int {
	return len(p.Data)
}

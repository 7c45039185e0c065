package stream

import (
	"strconv"
	"strings"
)

const programDateTimeLayout = "2006-01-02T15:04:05.000"

// renderCache memoizes the playlist text of a segment. Part lines are
// appended once each; finalization lines are written once on completion.
type renderCache struct {
	started       bool
	discontinuity bool
	parts         strings.Builder
	partsRendered int
	final         string
	complete      bool
}

// RenderHLS renders the media playlist lines for the segment. The
// discontinuity marker is decided on the first call by comparing
// lastStreamID with the segment's stream id. Part lines are only included
// when renderParts is set; addHint appends a preload hint for the next part
// and implies renderParts.
func (s *Segment) RenderHLS(lastStreamID int, renderParts, addHint bool) string {
	if addHint {
		renderParts = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := &s.render
	if !c.started {
		c.started = true
		c.discontinuity = lastStreamID != s.streamID
	}

	if renderParts {
		for i := c.partsRendered; i < len(s.parts); i++ {
			if c.parts.Len() > 0 {
				c.parts.WriteByte('\n')
			}
			s.writePartLine(&c.parts, s.offsets[i], s.parts[i])
		}
		c.partsRendered = len(s.parts)
	}

	if !c.complete && s.duration > 0 {
		c.final = s.finalLines()
		c.complete = true
	}

	var b strings.Builder
	sep := func() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
	}
	if c.discontinuity {
		b.WriteString("#EXT-X-DISCONTINUITY")
	}
	if renderParts && c.parts.Len() > 0 {
		sep()
		b.WriteString(c.parts.String())
	}
	if c.complete {
		sep()
		b.WriteString(c.final)
	}
	if addHint {
		sep()
		s.writeHint(&b)
	}
	return b.String()
}

func (s *Segment) writePartLine(b *strings.Builder, offset int, part Part) {
	b.WriteString("#EXT-X-PART:DURATION=")
	b.WriteString(strconv.FormatFloat(part.Duration, 'f', 3, 64))
	b.WriteString(`,URI="`)
	b.WriteString(segmentURI(s.sequence))
	b.WriteString(`",BYTERANGE="`)
	b.WriteString(strconv.Itoa(len(part.Data)))
	b.WriteByte('@')
	b.WriteString(strconv.Itoa(offset))
	b.WriteByte('"')
	if part.HasKeyframe {
		b.WriteString(",INDEPENDENT=YES")
	}
}

func (s *Segment) finalLines() string {
	return "#EXT-X-PROGRAM-DATE-TIME:" + s.start.UTC().Format(programDateTimeLayout) + "Z\n" +
		"#EXTINF:" + strconv.FormatFloat(s.duration, 'f', 3, 64) + ",\n" +
		segmentURI(s.sequence)
}

// writeHint points at the next part: offset 0 of the next segment once this
// one is complete, otherwise the current end of this segment.
// Caller must hold s.mu.
func (s *Segment) writeHint(b *strings.Builder) {
	sequence, start := s.sequence, s.dataSizeLocked()
	if s.duration > 0 {
		sequence, start = s.sequence+1, 0
	}
	b.WriteString(`#EXT-X-PRELOAD-HINT:TYPE=PART,URI="`)
	b.WriteString(segmentURI(sequence))
	b.WriteString(`",BYTERANGE-START=`)
	b.WriteString(strconv.Itoa(start))
}

func segmentURI(sequence int) string {
	return "./segment/" + strconv.Itoa(sequence) + ".m4s"
}

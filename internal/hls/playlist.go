package hls

import (
	"fmt"
	"math"
	"strings"

	"github.com/grafov/m3u8"

	"llhls-buffer/internal/stream"
)

const (
	initURI          = "./init.mp4"
	mediaPlaylistURI = "./playlist.m3u8"
	// headroom applied to the measured segment bitrate
	bandwidthHeadroom = 1.2
)

// BuildMediaPlaylist renders a live media playlist for segments (ordered by
// sequence ascending and contiguous). With LL-HLS the newest
// HLSAdvancePartLimit segments list their parts and the newest segment
// carries a preload hint.
func BuildMediaPlaylist(segments []*stream.Segment, settings stream.Settings) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	if settings.LLHLS {
		b.WriteString("#EXT-X-VERSION:9\n")
	} else {
		b.WriteString("#EXT-X-VERSION:6\n")
	}
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	b.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=%q\n", initURI))
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDurationFromSegments(segments, settings)))

	if len(segments) == 0 {
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		return b.String()
	}

	first, last := segments[0], segments[len(segments)-1]
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", first.Sequence()))
	b.WriteString(fmt.Sprintf("#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", first.StreamID()))

	if settings.LLHLS {
		b.WriteString(fmt.Sprintf("#EXT-X-PART-INF:PART-TARGET=%.3f\n", settings.TargetPartDuration))
		b.WriteString(fmt.Sprintf("#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=%.3f\n", 3*settings.TargetPartDuration))
	}

	lastStreamID := first.StreamID()
	for _, seg := range segments {
		renderParts := settings.LLHLS && seg.Sequence() > last.Sequence()-settings.HLSAdvancePartLimit
		addHint := settings.LLHLS && seg == last
		if text := seg.RenderHLS(lastStreamID, renderParts, addHint); text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
		lastStreamID = seg.StreamID()
	}

	return b.String()
}

// BuildMasterPlaylist renders a single-variant master playlist whose
// bandwidth is estimated from the retained segments.
func BuildMasterPlaylist(segments []*stream.Segment) string {
	p := m3u8.NewMasterPlaylist()
	p.Append(mediaPlaylistURI, nil, m3u8.VariantParams{
		Bandwidth: estimateBandwidth(segments),
	})
	return p.String()
}

// targetDurationFromSegments returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum complete segment duration in seconds, or of the
// minimum segment duration when nothing is complete yet.
func targetDurationFromSegments(segments []*stream.Segment, settings stream.Settings) int {
	max := 0.0
	for _, seg := range segments {
		if d := seg.Duration(); d > max {
			max = d
		}
	}
	if max <= 0 {
		max = settings.MinSegmentDuration
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}

// estimateBandwidth returns the peak bitrate over complete segments in bits
// per second, with headroom.
func estimateBandwidth(segments []*stream.Segment) uint32 {
	peak := 0.0
	for _, seg := range segments {
		d := seg.Duration()
		if d <= 0 {
			continue
		}
		if bps := float64(seg.DataSizeWithInit()*8) / d; bps > peak {
			peak = bps
		}
	}
	bw := math.Ceil(peak * bandwidthHeadroom)
	if bw < 1 {
		return 1
	}
	if bw > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(bw)
}

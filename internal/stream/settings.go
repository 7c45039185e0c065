package stream

import (
	"errors"
	"fmt"
	"time"
)

// Defaults used when no configuration overrides them.
const (
	DefaultTargetPartDuration  = 1.0
	DefaultMinSegmentDuration  = 1.9
	DefaultHLSAdvancePartLimit = 3
	DefaultOutputCapacity      = 5
	DefaultPlaylistSegments    = 3
	DefaultOutputIdleTimeout   = 300 * time.Second
	DefaultPlaylistTimeout     = 30 * time.Second
)

// ErrInvalidSettings is returned by Settings.Validate.
var ErrInvalidSettings = errors.New("invalid stream settings")

// Settings tune segment buffering and LL-HLS playlist rendering.
type Settings struct {
	LLHLS               bool
	MinSegmentDuration  float64 // seconds
	TargetPartDuration  float64 // seconds
	HLSAdvancePartLimit int     // segments that still list their parts
	HLSPartTimeout      float64 // seconds a consumer waits for the next part
	OutputCapacity      int     // segments retained per output
	PlaylistSegments    int     // segments listed in a media playlist
	OutputIdleTimeout   time.Duration
	PlaylistTimeout     time.Duration // wait for the first segment of a playlist
}

// DefaultSettings returns LL-HLS enabled settings.
func DefaultSettings() Settings {
	return Settings{
		LLHLS:               true,
		MinSegmentDuration:  DefaultMinSegmentDuration,
		TargetPartDuration:  DefaultTargetPartDuration,
		HLSAdvancePartLimit: DefaultHLSAdvancePartLimit,
		HLSPartTimeout:      2 * DefaultTargetPartDuration,
		OutputCapacity:      DefaultOutputCapacity,
		PlaylistSegments:    DefaultPlaylistSegments,
		OutputIdleTimeout:   DefaultOutputIdleTimeout,
		PlaylistTimeout:     DefaultPlaylistTimeout,
	}
}

// Validate checks that every field is usable.
func (s Settings) Validate() error {
	switch {
	case s.MinSegmentDuration <= 0:
		return fmt.Errorf("%w: min segment duration must be positive", ErrInvalidSettings)
	case s.TargetPartDuration <= 0:
		return fmt.Errorf("%w: target part duration must be positive", ErrInvalidSettings)
	case s.HLSAdvancePartLimit < 0:
		return fmt.Errorf("%w: advance part limit must not be negative", ErrInvalidSettings)
	case s.HLSPartTimeout <= 0:
		return fmt.Errorf("%w: part timeout must be positive", ErrInvalidSettings)
	case s.OutputCapacity <= 0:
		return fmt.Errorf("%w: output capacity must be positive", ErrInvalidSettings)
	case s.PlaylistSegments <= 0 || s.PlaylistSegments > s.OutputCapacity:
		return fmt.Errorf("%w: playlist segments must be in 1..%d", ErrInvalidSettings, s.OutputCapacity)
	case s.OutputIdleTimeout <= 0:
		return fmt.Errorf("%w: output idle timeout must be positive", ErrInvalidSettings)
	case s.PlaylistTimeout <= 0:
		return fmt.Errorf("%w: playlist timeout must be positive", ErrInvalidSettings)
	}
	return nil
}

// PartTimeout returns HLSPartTimeout as a duration.
func (s Settings) PartTimeout() time.Duration {
	return time.Duration(s.HLSPartTimeout * float64(time.Second))
}

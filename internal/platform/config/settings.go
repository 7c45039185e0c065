package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"llhls-buffer/internal/stream"
)

// SettingsFile is the YAML layout of the optional settings file. Unset
// fields keep their defaults.
type SettingsFile struct {
	LLHLS               *bool    `yaml:"ll_hls"`
	MinSegmentDuration  *float64 `yaml:"min_segment_duration"`
	TargetPartDuration  *float64 `yaml:"target_part_duration"`
	HLSAdvancePartLimit *int     `yaml:"hls_advance_part_limit"`
	HLSPartTimeout      *float64 `yaml:"hls_part_timeout"`
	OutputCapacity      *int     `yaml:"output_capacity"`
	PlaylistSegments    *int     `yaml:"playlist_segments"`
	OutputIdleTimeout   string   `yaml:"output_idle_timeout"`
	PlaylistTimeout     string   `yaml:"playlist_timeout"`
}

// ReadSettingsFile decodes a settings file, rejecting unknown fields.
func ReadSettingsFile(path string) (*SettingsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var f SettingsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode settings file: %w", err)
	}
	return &f, nil
}

// Apply overlays the fields set in f onto s.
func (f *SettingsFile) Apply(s stream.Settings) (stream.Settings, error) {
	if f.LLHLS != nil {
		s.LLHLS = *f.LLHLS
	}
	if f.MinSegmentDuration != nil {
		s.MinSegmentDuration = *f.MinSegmentDuration
	}
	if f.TargetPartDuration != nil {
		s.TargetPartDuration = *f.TargetPartDuration
		s.HLSPartTimeout = 2 * s.TargetPartDuration
	}
	if f.HLSAdvancePartLimit != nil {
		s.HLSAdvancePartLimit = *f.HLSAdvancePartLimit
	}
	if f.HLSPartTimeout != nil {
		s.HLSPartTimeout = *f.HLSPartTimeout
	}
	if f.OutputCapacity != nil {
		s.OutputCapacity = *f.OutputCapacity
	}
	if f.PlaylistSegments != nil {
		s.PlaylistSegments = *f.PlaylistSegments
	}
	if f.OutputIdleTimeout != "" {
		d, err := time.ParseDuration(f.OutputIdleTimeout)
		if err != nil {
			return s, fmt.Errorf("output_idle_timeout: %w", err)
		}
		s.OutputIdleTimeout = d
	}
	if f.PlaylistTimeout != "" {
		d, err := time.ParseDuration(f.PlaylistTimeout)
		if err != nil {
			return s, fmt.Errorf("playlist_timeout: %w", err)
		}
		s.PlaylistTimeout = d
	}
	return s, nil
}

// StreamSettings builds the stream settings from defaults, the optional
// settings file named by SETTINGS_FILE, and environment overrides, in that
// order.
func StreamSettings() (stream.Settings, error) {
	s := stream.DefaultSettings()

	if path := GetEnv("SETTINGS_FILE", ""); path != "" {
		f, err := ReadSettingsFile(path)
		if err != nil {
			return s, err
		}
		if s, err = f.Apply(s); err != nil {
			return s, err
		}
	}

	s.LLHLS = GetEnvBool("LL_HLS", s.LLHLS)
	s.MinSegmentDuration = GetEnvFloat("MIN_SEGMENT_DURATION", s.MinSegmentDuration)
	// the part timeout follows the target unless set explicitly
	if target := GetEnvFloat("TARGET_PART_DURATION", s.TargetPartDuration); target != s.TargetPartDuration {
		s.TargetPartDuration = target
		s.HLSPartTimeout = 2 * target
	}
	s.HLSAdvancePartLimit = GetEnvInt("HLS_ADVANCE_PART_LIMIT", s.HLSAdvancePartLimit)
	s.HLSPartTimeout = GetEnvFloat("HLS_PART_TIMEOUT", s.HLSPartTimeout)
	s.OutputCapacity = GetEnvInt("OUTPUT_CAPACITY", s.OutputCapacity)
	s.PlaylistSegments = GetEnvInt("PLAYLIST_SEGMENTS", s.PlaylistSegments)
	s.OutputIdleTimeout = GetEnvDuration("OUTPUT_IDLE_TIMEOUT", s.OutputIdleTimeout)
	s.PlaylistTimeout = GetEnvDuration("PLAYLIST_TIMEOUT", s.PlaylistTimeout)

	return s, s.Validate()
}

package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"llhls-buffer/internal/platform/metrics"
	"llhls-buffer/internal/stream"
)

var (
	// ErrSegmentNotFound is returned for evicted or never produced segments.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrInitNotFound is returned when no init section has been published.
	ErrInitNotFound = errors.New("init section not found")

	// ErrPlaylistNotReady is returned when a playlist request times out
	// waiting for media.
	ErrPlaylistNotReady = errors.New("playlist not ready")

	// ErrBadBlockingRequest is returned when _HLS_msn/_HLS_part point too far
	// into the future.
	ErrBadBlockingRequest = errors.New("blocking request too far ahead")
)

// Service connects producers and consumers of live streams: producers push
// parts, consumers pull playlists and segment bytes.
type Service struct {
	repo     Repository
	settings stream.Settings
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService returns a Service. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewService(repo Repository, settings stream.Settings, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, settings: settings, log: log, metrics: m}
}

// Settings returns the stream settings in use.
func (s *Service) Settings() stream.Settings {
	return s.settings
}

// CreateStream registers a new stream with an HLS output attached.
func (s *Service) CreateStream() (StreamInfo, error) {
	token, st := s.repo.CreateStream()
	st.OnIdle(func(kind string) {
		s.log.Info("output idle",
			slog.String("stream", shortToken(token)),
			slog.String("kind", kind))
		if s.metrics != nil {
			s.metrics.IncOutputsIdle()
		}
	})

	if _, err := st.AddProvider(stream.KindHLS); err != nil {
		s.repo.EndStream(token)
		return StreamInfo{}, fmt.Errorf("add hls output: %w", err)
	}

	s.log.Info("stream created", slog.String("stream", shortToken(token)))
	return s.info(token, st), nil
}

// StreamInfo describes the stream behind token.
func (s *Service) StreamInfo(token Token) (StreamInfo, error) {
	st, err := s.stream(token)
	if err != nil {
		return StreamInfo{}, err
	}
	return s.info(token, st), nil
}

// EndStream stops the stream and wakes every waiting consumer.
func (s *Service) EndStream(token Token) {
	s.repo.EndStream(token)
	s.log.Info("stream ended", slog.String("stream", shortToken(token)))
}

// SetInit stores the initialization section for the next segments.
func (s *Service) SetInit(token Token, init []byte) error {
	st, err := s.stream(token)
	if err != nil {
		return err
	}
	st.Producer().SetInit(init)
	return nil
}

// PublishPart appends a part to the stream's current segment.
// segmentDuration is non-zero only for the part completing the segment.
func (s *Service) PublishPart(token Token, part stream.Part, segmentDuration float64) (*stream.Segment, error) {
	st, err := s.stream(token)
	if err != nil {
		return nil, err
	}
	if segmentDuration < 0 {
		return nil, fmt.Errorf("%w: negative segment duration", stream.ErrInvalidPart)
	}

	seg, err := st.Producer().AddPart(part, segmentDuration)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObservePart(part.Len(), segmentDuration > 0)
	}
	return seg, nil
}

// Discontinuity marks an upstream restart of the stream.
func (s *Service) Discontinuity(token Token) (int, error) {
	st, err := s.stream(token)
	if err != nil {
		return 0, err
	}
	id := st.Producer().Discontinuity()
	if s.metrics != nil {
		s.metrics.IncDiscontinuities()
	}
	s.log.Info("stream discontinuity",
		slog.String("stream", shortToken(token)),
		slog.Int("stream_id", id))
	return id, nil
}

// Output returns the HLS output of the stream, re-creating it if it went
// idle, and keeps it awake.
func (s *Service) Output(token Token) (*stream.Output, error) {
	st, err := s.stream(token)
	if err != nil {
		return nil, err
	}
	out, err := st.AddProvider(stream.KindHLS)
	if err != nil {
		if errors.Is(err, stream.ErrStreamStopped) {
			return nil, ErrStreamNotFound
		}
		return nil, err
	}
	out.IdleTimer().Awake()
	return out, nil
}

// MediaPlaylist renders the media playlist. With a blocking reload request
// it holds the response until the requested segment or part is available.
func (s *Service) MediaPlaylist(ctx context.Context, token Token, reload *BlockingReload) (string, error) {
	out, err := s.waitForOutput(ctx, token)
	if err != nil {
		return "", err
	}

	if reload != nil && s.settings.LLHLS {
		if err := s.waitForReload(ctx, out, *reload); err != nil {
			return "", err
		}
	}

	segments := out.Segments()
	if n := s.settings.PlaylistSegments; len(segments) > n {
		segments = segments[len(segments)-n:]
	}
	return BuildMediaPlaylist(segments, s.settings), nil
}

// MasterPlaylist renders the master playlist.
func (s *Service) MasterPlaylist(ctx context.Context, token Token) (string, error) {
	out, err := s.waitForOutput(ctx, token)
	if err != nil {
		return "", err
	}
	return BuildMasterPlaylist(out.Segments()), nil
}

// Init returns the init section of the newest segment.
func (s *Service) Init(ctx context.Context, token Token) ([]byte, error) {
	out, err := s.waitForOutput(ctx, token)
	if err != nil {
		return nil, err
	}
	seg := out.LastSegment()
	if seg == nil || len(seg.Init()) == 0 {
		return nil, ErrInitNotFound
	}
	return seg.Init(), nil
}

// Segment looks up a retained segment. The output is returned too so the
// caller can wait for parts of a segment still being written.
func (s *Service) Segment(token Token, sequence int) (*stream.Segment, *stream.Output, error) {
	out, err := s.Output(token)
	if err != nil {
		return nil, nil, err
	}
	seg, ok := out.Segment(sequence)
	if !ok {
		return nil, nil, ErrSegmentNotFound
	}
	return seg, out, nil
}

func (s *Service) stream(token Token) (*stream.Stream, error) {
	st, ok := s.repo.GetStream(token)
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

func (s *Service) info(token Token, st *stream.Stream) StreamInfo {
	outs := st.Outputs()
	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.Name()
	}
	return StreamInfo{
		Token:    token,
		Outputs:  names,
		Sequence: st.Producer().Sequence(),
		StreamID: st.Producer().StreamID(),
	}
}

// waitForOutput returns the HLS output once it holds at least one segment.
func (s *Service) waitForOutput(ctx context.Context, token Token) (*stream.Output, error) {
	out, err := s.Output(token)
	if err != nil {
		return nil, err
	}
	if out.LastSegment() != nil {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.PlaylistTimeout)
	defer cancel()

	for out.LastSegment() == nil {
		if !out.Recv(ctx) {
			return nil, s.notReady(ctx, "first segment")
		}
	}
	return out, nil
}

// waitForReload blocks until the playlist contains the segment, or the
// part, named by r.
func (s *Service) waitForReload(ctx context.Context, out *stream.Output, r BlockingReload) error {
	last := out.LastSequence()
	if r.MSN > last+2 {
		return fmt.Errorf("%w: _HLS_msn=%d, last=%d", ErrBadBlockingRequest, r.MSN, last)
	}
	if r.Part >= 0 {
		limit := s.settings.HLSAdvancePartLimit
		if seg, ok := out.Segment(r.MSN); ok {
			limit += seg.NumParts()
		}
		if r.Part > limit {
			return fmt.Errorf("%w: _HLS_part=%d", ErrBadBlockingRequest, r.Part)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.blockingTimeout(out))
	defer cancel()

	for {
		sig := out.PartSignal()
		if reloadSatisfied(out, r) {
			return nil
		}
		select {
		case <-sig:
		case <-ctx.Done():
			return s.notReady(ctx, "blocking reload")
		}
	}
}

// blockingTimeout allows three target durations for a blocking reload.
func (s *Service) blockingTimeout(out *stream.Output) time.Duration {
	target := targetDurationFromSegments(out.Segments(), s.settings)
	return 3 * time.Duration(target) * time.Second
}

func (s *Service) notReady(ctx context.Context, what string) error {
	if s.metrics != nil {
		s.metrics.IncPlaylistWaitTimeouts()
	}
	s.log.Debug("playlist wait ended", slog.String("waiting_for", what), slog.Any("cause", ctx.Err()))
	return fmt.Errorf("%w: waiting for %s", ErrPlaylistNotReady, what)
}

func reloadSatisfied(out *stream.Output, r BlockingReload) bool {
	if out.LastSequence() > r.MSN {
		return true
	}
	seg, ok := out.Segment(r.MSN)
	if !ok {
		return false
	}
	if seg.Complete() {
		return true
	}
	return r.Part >= 0 && seg.NumParts() > r.Part
}

package stream

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrStreamStopped is returned when adding an output to a stopped stream.
var ErrStreamStopped = errors.New("stream stopped")

// Stream ties one producer to its outputs. Outputs are created on demand by
// kind and removed again when they go idle.
type Stream struct {
	settings  Settings
	providers *Providers
	log       *slog.Logger
	producer  *Producer

	mu      sync.RWMutex
	outputs map[string]*Output
	onIdle  func(kind string)
	stopped bool
}

// NewStream returns a stream without outputs.
func NewStream(settings Settings, providers *Providers, log *slog.Logger) *Stream {
	if providers == nil {
		providers = NewProviders()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Stream{
		settings:  settings,
		providers: providers,
		log:       log,
		outputs:   make(map[string]*Output),
	}
	s.producer = NewProducer(settings, s.Outputs)
	return s
}

// Settings returns the stream settings.
func (s *Stream) Settings() Settings { return s.settings }

// Producer returns the producer feeding the stream.
func (s *Stream) Producer() *Producer { return s.producer }

// OnIdle registers a hook called after an idle output has been removed.
func (s *Stream) OnIdle(fn func(kind string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = fn
}

// AddProvider returns the output of the given kind, creating it if needed.
func (s *Stream) AddProvider(kind string) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStreamStopped
	}
	if out, ok := s.outputs[kind]; ok {
		return out, nil
	}

	var out *Output
	out, err := s.providers.New(kind, s.settings, func() { s.idle(kind, out) })
	if err != nil {
		return nil, err
	}
	s.outputs[kind] = out
	s.log.Debug("output added", slog.String("kind", kind))
	return out, nil
}

// Output returns the output of the given kind if present.
func (s *Stream) Output(kind string) (*Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[kind]
	return out, ok
}

// RemoveProvider removes and cleans up the output of the given kind.
func (s *Stream) RemoveProvider(kind string) {
	s.mu.Lock()
	out, ok := s.outputs[kind]
	delete(s.outputs, kind)
	s.mu.Unlock()

	if ok {
		out.Cleanup()
		s.log.Debug("output removed", slog.String("kind", kind))
	}
}

// Outputs returns the current outputs ordered by kind.
func (s *Stream) Outputs() []*Output {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outs := make([]*Output, 0, len(s.outputs))
	for _, o := range s.outputs {
		outs = append(outs, o)
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].Name() < outs[j].Name() })
	return outs
}

// Stop cleans up every output. A stopped stream accepts no new outputs.
func (s *Stream) Stop() {
	s.mu.Lock()
	outs := s.outputs
	s.outputs = make(map[string]*Output)
	s.stopped = true
	s.mu.Unlock()

	for _, o := range outs {
		o.Cleanup()
	}
	s.log.Debug("stream stopped", slog.Int("outputs", len(outs)))
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// idle removes out if it is still the registered output of its kind.
func (s *Stream) idle(kind string, out *Output) {
	s.mu.Lock()
	if cur, ok := s.outputs[kind]; !ok || cur != out {
		s.mu.Unlock()
		return
	}
	delete(s.outputs, kind)
	hook := s.onIdle
	s.mu.Unlock()

	out.Cleanup()
	s.log.Info("output idle, removed", slog.String("kind", kind))
	if hook != nil {
		hook(kind)
	}
}

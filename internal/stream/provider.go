package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// KindHLS is the output kind serving HLS playlists and segments.
const KindHLS = "hls"

// ErrUnknownProvider is returned when no factory is registered for a kind.
var ErrUnknownProvider = errors.New("unknown output provider")

// ProviderFactory builds an output of one kind. onIdle is called when the
// output's idle timer fires.
type ProviderFactory func(settings Settings, onIdle func()) *Output

// Providers maps output kinds to their factories.
type Providers struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewProviders returns a registry holding the built-in kinds.
func NewProviders() *Providers {
	p := &Providers{factories: make(map[string]ProviderFactory)}
	p.Register(KindHLS, newHLSOutput)
	return p
}

// Register adds or replaces the factory for kind.
func (p *Providers) Register(kind string, factory ProviderFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[kind] = factory
}

// New builds an output of the given kind.
func (p *Providers) New(kind string, settings Settings, onIdle func()) (*Output, error) {
	p.mu.RLock()
	factory, ok := p.factories[kind]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return factory(settings, onIdle), nil
}

// Kinds returns the registered kinds in sorted order.
func (p *Providers) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	kinds := make([]string, 0, len(p.factories))
	for k := range p.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func newHLSOutput(settings Settings, onIdle func()) *Output {
	return NewOutput(KindHLS, settings.OutputCapacity, NewIdleTimer(settings.OutputIdleTimeout, onIdle))
}

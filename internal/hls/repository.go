package hls

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"llhls-buffer/internal/stream"
)

// Repository defines the concurrency-safe contract for creating, resolving
// and ending live streams by token.
type Repository interface {
	// CreateStream registers a new stream under a fresh random token.
	CreateStream() (Token, *stream.Stream)

	// GetStream resolves a token. The ok return is false for unknown or
	// ended streams.
	GetStream(token Token) (s *stream.Stream, ok bool)

	// EndStream stops the stream and forgets its token. Ending an unknown
	// stream is a no-op.
	EndStream(token Token)

	// ActiveStreamCount returns the number of live streams.
	// Used for metrics.
	ActiveStreamCount() int
}

// ErrStreamNotFound is returned when a token does not resolve to a stream.
var ErrStreamNotFound = errors.New("stream not found")

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for lookups; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu        sync.RWMutex
	store     Store
	settings  stream.Settings
	providers *stream.Providers
	log       *slog.Logger
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository(settings stream.Settings, providers *stream.Providers, log *slog.Logger) *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore(), settings, providers, log)
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store, settings stream.Settings, providers *stream.Providers, log *slog.Logger) *InMemoryRepository {
	if providers == nil {
		providers = stream.NewProviders()
	}
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryRepository{store: store, settings: settings, providers: providers, log: log}
}

// CreateStream implements Repository.CreateStream.
func (r *InMemoryRepository) CreateStream() (Token, *stream.Stream) {
	token := Token(uuid.NewString())
	st := stream.NewStream(r.settings, r.providers, r.log.With(slog.String("stream", shortToken(token))))

	r.mu.Lock()
	r.store.SetStream(token, st)
	r.mu.Unlock()

	return token, st
}

// GetStream implements Repository.GetStream.
func (r *InMemoryRepository) GetStream(token Token) (*stream.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetStream(token)
}

// EndStream implements Repository.EndStream.
func (r *InMemoryRepository) EndStream(token Token) {
	r.mu.Lock()
	st, exists := r.store.GetStream(token)
	if exists {
		r.store.DeleteStream(token)
	}
	r.mu.Unlock()

	if exists {
		st.Stop()
	}
}

// ActiveStreamCount implements Repository.ActiveStreamCount.
func (r *InMemoryRepository) ActiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListTokens())
}

// shortToken keeps enough of a token to correlate log lines without
// leaking the whole secret.
func shortToken(t Token) string {
	if len(t) <= 8 {
		return string(t)
	}
	return string(t[:8])
}

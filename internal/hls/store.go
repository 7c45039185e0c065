package hls

import "llhls-buffer/internal/stream"

// Store is the lookup abstraction from tokens to live streams.
// The Repository uses Store for all reads and writes and serializes access
// to it.
type Store interface {
	GetStream(token Token) (*stream.Stream, bool)
	SetStream(token Token, s *stream.Stream)
	DeleteStream(token Token)
	ListTokens() []Token
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	streams map[Token]*stream.Stream
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[Token]*stream.Stream),
	}
}

// GetStream implements Store.GetStream.
func (s *InMemoryStore) GetStream(token Token) (*stream.Stream, bool) {
	st, ok := s.streams[token]
	return st, ok
}

// SetStream implements Store.SetStream.
func (s *InMemoryStore) SetStream(token Token, st *stream.Stream) {
	s.streams[token] = st
}

// DeleteStream implements Store.DeleteStream.
func (s *InMemoryStore) DeleteStream(token Token) {
	delete(s.streams, token)
}

// ListTokens implements Store.ListTokens.
func (s *InMemoryStore) ListTokens() []Token {
	tokens := make([]Token, 0, len(s.streams))
	for t := range s.streams {
		tokens = append(tokens, t)
	}
	return tokens
}

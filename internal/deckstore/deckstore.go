// Package deckstore is the external collaborator contract for deck content
// resolution: DeckStore.resolve(id) → {name, body}. This spec treats deck
// content and format parsing as out of scope; the Resolver interface and a
// singleflight-deduplicated, TTL-cached Store are provided so the
// Scheduler has a concrete, well-behaved collaborator to call against.
//
// The caching/dedup shape is grounded directly on the teacher's
// internal/modrinth/client.go: a singleflight.Group collapses concurrent
// resolves of the same deck id into one call, and a short TTL cache avoids
// re-resolving decks that are referenced by many jobs in a burst.
package deckstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"simbatch/internal/model"
)

// ErrNotFound is returned when a deck id does not resolve.
var ErrNotFound = fmt.Errorf("deck not found")

// Resolver resolves deck ids to content outside this module's purview.
type Resolver interface {
	Resolve(ctx context.Context, id string) (model.Deck, error)
}

// Store wraps a Resolver with singleflight dedup and a TTL cache, the way
// modrinth.Client wraps its HTTP calls.
type Store struct {
	resolver Resolver
	sf       singleflight.Group
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	deck model.Deck
	exp  time.Time
}

// New wraps resolver with a cache of the given TTL.
func New(resolver Resolver, ttl time.Duration) *Store {
	return &Store{resolver: resolver, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Resolve returns the named deck, resolving via the wrapped Resolver only
// once per TTL window per id, and collapsing concurrent resolves of the
// same id into a single upstream call.
func (s *Store) Resolve(ctx context.Context, id string) (model.Deck, error) {
	if d, ok := s.fromCache(id); ok {
		return d, nil
	}
	v, err, _ := s.sf.Do(id, func() (any, error) {
		d, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			return model.Deck{}, err
		}
		s.mu.Lock()
		s.cache[id] = cacheEntry{deck: d, exp: time.Now().Add(s.ttl)}
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return model.Deck{}, err
	}
	return v.(model.Deck), nil
}

func (s *Store) fromCache(id string) (model.Deck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	if !ok || time.Now().After(e.exp) {
		return model.Deck{}, false
	}
	return e.deck, true
}

// ResolveAll resolves four deck ids in order, as required at job-creation
// time for the deck snapshot.
func (s *Store) ResolveAll(ctx context.Context, ids [4]string) ([4]model.Deck, error) {
	var out [4]model.Deck
	for i, id := range ids {
		d, err := s.Resolve(ctx, id)
		if err != nil {
			return out, fmt.Errorf("resolve deck %s: %w", id, err)
		}
		out[i] = d
	}
	return out, nil
}

// StaticResolver is a Resolver backed by an in-memory map, used for tests
// and simple deployments that don't have a separate deck-content service.
type StaticResolver struct {
	Decks map[string]model.Deck
}

func (r StaticResolver) Resolve(ctx context.Context, id string) (model.Deck, error) {
	d, ok := r.Decks[id]
	if !ok {
		return model.Deck{}, ErrNotFound
	}
	return d, nil
}

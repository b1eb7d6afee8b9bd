// Package cache holds the in-process index of every known user and channel.
// Reads on the request path are served from here and never touch storage.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/whisper/chat-pipeline/internal/model"
)

// DefaultPageSize is the number of rows requested per page when populating
// an index from storage.
const DefaultPageSize = 500

// PageSource returns one page of entities starting after pageToken. An empty
// next token means the scan is complete.
type PageSource[T any] func(ctx context.Context, pageToken string, pageSize int) (items []T, next string, err error)

// Index is a goroutine-safe registry that maps both the id and the name of an
// entity to the same value. Both maps change under one lock, so a reader never
// sees an entity reachable through one index but not the other.
type Index[T any] struct {
	mu     sync.RWMutex
	byID   map[string]T
	byName map[string]T
	idOf   func(T) string
	nameOf func(T) string
}

// NewIndex creates an empty Index using idOf and nameOf to derive keys.
func NewIndex[T any](idOf, nameOf func(T) string) *Index[T] {
	return &Index[T]{
		byID:   make(map[string]T),
		byName: make(map[string]T),
		idOf:   idOf,
		nameOf: nameOf,
	}
}

// NewUserIndex returns an Index keyed by user id and username.
func NewUserIndex() *Index[model.User] {
	return NewIndex(
		func(u model.User) string { return u.UserID },
		func(u model.User) string { return u.Username },
	)
}

// NewChannelIndex returns an Index keyed by channel id and channel name.
func NewChannelIndex() *Index[model.Channel] {
	return NewIndex(
		func(c model.Channel) string { return c.ChannelID },
		func(c model.Channel) string { return c.Name },
	)
}

// Get returns the entity with the given id.
func (x *Index[T]) Get(id string) (T, bool) {
	x.mu.RLock()
	v, ok := x.byID[id]
	x.mu.RUnlock()
	return v, ok
}

// GetByName returns the entity with the given name.
func (x *Index[T]) GetByName(name string) (T, bool) {
	x.mu.RLock()
	v, ok := x.byName[name]
	x.mu.RUnlock()
	return v, ok
}

// Put inserts or overwrites v in both indices. If v's name was held by an
// entity with a different id, that entity is dropped entirely; if v's id was
// cached under a different name, the old name is released.
func (x *Index[T]) Put(v T) {
	x.mu.Lock()
	x.putLocked(v)
	x.mu.Unlock()
}

func (x *Index[T]) putLocked(v T) {
	id, name := x.idOf(v), x.nameOf(v)

	if prev, ok := x.byID[id]; ok {
		if prevName := x.nameOf(prev); prevName != name {
			delete(x.byName, prevName)
		}
	}
	if holder, ok := x.byName[name]; ok {
		if holderID := x.idOf(holder); holderID != id {
			delete(x.byID, holderID)
		}
	}

	x.byID[id] = v
	x.byName[name] = v
}

// Populate scans source page by page and puts every entity into the index.
// It returns the number of entities loaded.
func (x *Index[T]) Populate(ctx context.Context, source PageSource[T], pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	loaded := 0
	token := ""
	for {
		items, next, err := source(ctx, token, pageSize)
		if err != nil {
			return loaded, fmt.Errorf("cache: populate after %d entries: %w", loaded, err)
		}

		x.mu.Lock()
		for _, v := range items {
			x.putLocked(v)
		}
		x.mu.Unlock()
		loaded += len(items)

		if next == "" {
			return loaded, nil
		}
		token = next
	}
}

// All returns a snapshot of every cached entity ordered by name.
func (x *Index[T]) All() []T {
	x.mu.RLock()
	out := make([]T, 0, len(x.byID))
	for _, v := range x.byID {
		out = append(out, v)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return x.nameOf(out[i]) < x.nameOf(out[j]) })
	return out
}

// Len returns the number of cached entities.
func (x *Index[T]) Len() int {
	x.mu.RLock()
	n := len(x.byID)
	x.mu.RUnlock()
	return n
}

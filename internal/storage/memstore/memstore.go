// Package memstore is an in-memory implementation of the storage contract
// used by tests. It keys messages by (channel id, created at) exactly like the
// PostgreSQL schema, so idempotency and ordering behave the same way.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisper/chat-pipeline/internal/model"
	"github.com/whisper/chat-pipeline/internal/storage"
)

type messageKey struct {
	channelID string
	createdAt int64
}

// Store is a goroutine-safe in-memory store.
type Store struct {
	mu        sync.Mutex
	users     map[string]model.User
	channels  map[string]model.Channel
	messages  map[messageKey]storage.MessageRow
	failWrite func(model.ChatMessage) error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]model.User),
		channels: make(map[string]model.Channel),
		messages: make(map[messageKey]storage.MessageRow),
	}
}

// FailMessageWrites installs a hook consulted before every StoreMessage; a
// non-nil error from the hook fails the write. Pass nil to remove it.
func (s *Store) FailMessageWrites(hook func(model.ChatMessage) error) {
	s.mu.Lock()
	s.failWrite = hook
	s.mu.Unlock()
}

// CreateUser stores u.
func (s *Store) CreateUser(_ context.Context, u model.User, _ time.Time) error {
	s.mu.Lock()
	s.users[u.UserID] = u
	s.mu.Unlock()
	return nil
}

// CreateChannel stores c.
func (s *Store) CreateChannel(_ context.Context, c model.Channel, _ time.Time) error {
	s.mu.Lock()
	s.channels[c.ChannelID] = c
	s.mu.Unlock()
	return nil
}

// StoreMessage inserts m unless a row with the same key exists.
func (s *Store) StoreMessage(ctx context.Context, m model.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		if err := s.failWrite(m); err != nil {
			return err
		}
	}

	key := messageKey{channelID: m.ChannelID(), createdAt: m.TimestampMillis}
	if _, exists := s.messages[key]; exists {
		return nil
	}
	s.messages[key] = storage.MessageRow{
		ChannelID: m.ChannelID(),
		MessageID: m.MessageID,
		SenderID:  m.Sender.UserID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt(),
	}
	return nil
}

// MessagesByChannel returns the channel's messages newest first.
func (s *Store) MessagesByChannel(_ context.Context, channelID string, limit int) ([]storage.MessageRow, error) {
	s.mu.Lock()
	var out []storage.MessageRow
	for key, row := range s.messages {
		if key.channelID == channelID {
			out = append(out, row)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MessageCount returns the total number of stored message rows.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ScanUsers pages through users ordered by id.
func (s *Store) ScanUsers(_ context.Context, pageToken string, pageSize int) ([]model.User, string, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	page, next := pageAfter(ids, pageToken, pageSize)
	users := make([]model.User, 0, len(page))
	for _, id := range page {
		users = append(users, s.users[id])
	}
	s.mu.Unlock()
	return users, next, nil
}

// ScanChannels pages through channels ordered by id.
func (s *Store) ScanChannels(_ context.Context, pageToken string, pageSize int) ([]model.Channel, string, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	page, next := pageAfter(ids, pageToken, pageSize)
	channels := make([]model.Channel, 0, len(page))
	for _, id := range page {
		channels = append(channels, s.channels[id])
	}
	s.mu.Unlock()
	return channels, next, nil
}

func pageAfter(ids []string, token string, size int) ([]string, string) {
	sort.Strings(ids)
	start := sort.SearchStrings(ids, token)
	if start < len(ids) && ids[start] == token {
		start++
	}
	end := start + size
	if end >= len(ids) {
		return ids[start:], ""
	}
	return ids[start:end], ids[end-1]
}

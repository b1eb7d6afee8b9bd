// Package deadletter keeps bus records that could not be decoded, so they can
// be inspected after the consumer has moved past them. Entries live in one
// capped Redis list per topic, newest first:
//
//	Key:   deadletter:<topic>
//	Value: JSON Entry
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefix is the Redis key prefix for dead-letter lists.
const Prefix = "deadletter:"

// DefaultMaxEntries caps each topic's list.
const DefaultMaxEntries = 10000

// Entry is one dead-lettered record. Payload is the raw record value.
type Entry struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    uint64    `json:"offset"`
	Key       string    `json:"key"`
	Cause     string    `json:"cause"`
	Payload   []byte    `json:"payload"`
	At        time.Time `json:"at"`
}

// Store manages dead-letter lists in Redis.
type Store struct {
	client     *redis.Client
	maxEntries int64
}

// NewStore creates a dead-letter store using the provided Redis client.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewStore(client *redis.Client, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{client: client, maxEntries: int64(maxEntries)}
}

// Push records e at the head of its topic's list and trims the tail.
func (s *Store) Push(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: marshal: %w", err)
	}

	key := Prefix + e.Topic
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.maxEntries-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deadletter: push %s: %w", e.Topic, err)
	}
	return nil
}

// List returns up to n of the most recent entries for topic, newest first.
func (s *Store) List(ctx context.Context, topic string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, Prefix+topic, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: list %s: %w", topic, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			// Skip entries that were not written by Push.
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of entries held for topic.
func (s *Store) Len(ctx context.Context, topic string) (int64, error) {
	n, err := s.client.LLen(ctx, Prefix+topic).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: len %s: %w", topic, err)
	}
	return n, nil
}

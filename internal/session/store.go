package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// destinationsSuffix names the set of a session's subscriptions.
	destinationsSuffix = ":destinations"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 2 * time.Minute
)

// Session represents a connected session stored in Redis.
type Session struct {
	ID           string   `redis:"id"`
	Server       string   `redis:"server"`      // which server instance holds the socket
	CreatedAt    int64    `redis:"created_at"`  // unix timestamp
	LastActive   int64    `redis:"last_active"` // unix timestamp
	Destinations []string `redis:"-"`
}

// Store manages session presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
	ttl        time.Duration
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: SessionTTL}
}

func sessionKey(id string) string      { return SessionPrefix + id }
func destinationsKey(id string) string { return SessionPrefix + id + destinationsSuffix }

// Create stores a new session.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"id":          sessionID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, sessionKey(sessionID)).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}

	dests, err := s.client.SMembers(ctx, destinationsKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(dests)
	session.Destinations = dests
	return &session, nil
}

// AddDestination records a subscription.
func (s *Store) AddDestination(ctx context.Context, sessionID, dest string) error {
	key := destinationsKey(sessionID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, dest)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveDestination forgets a subscription.
func (s *Store) RemoveDestination(ctx context.Context, sessionID, dest string) error {
	return s.client.SRem(ctx, destinationsKey(sessionID), dest).Err()
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionKey(sessionID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionKey(sessionID), s.ttl)
	pipe.Expire(ctx, destinationsKey(sessionID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID), destinationsKey(sessionID)).Err()
}

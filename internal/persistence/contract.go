//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=mocks/mock_contract.go -package=mocks
package persistence

import (
	"context"
	"time"

	"github.com/whisper/chat-pipeline/internal/deadletter"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/model"
)

// MessageStore is the storage write path used by workers. StoreMessage must be
// idempotent for a given (channel, timestamp).
type MessageStore interface {
	StoreMessage(ctx context.Context, m model.ChatMessage) error
}

// Consumer reads a fixed range of partitions.
type Consumer interface {
	Poll(ctx context.Context, max int, wait time.Duration) ([]messaging.Record, error)
	Commit(ctx context.Context, records []messaging.Record) error
	Release(records []messaging.Record, delay time.Duration) error
	Close() error
}

// DeadLetter receives records that could not be decoded.
type DeadLetter interface {
	Push(ctx context.Context, e deadletter.Entry) error
}

// ConsumerFactory binds a Consumer to the partitions of r.
type ConsumerFactory func(ctx context.Context, r Range) (Consumer, error)

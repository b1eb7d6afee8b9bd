// Package publisher appends domain events to the bus. Every record is keyed so
// that events about one channel or one entity always land on the same
// partition, in publish order.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/chat-pipeline/internal/codec"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/model"
)

// Bus appends records to a topic.
type Bus interface {
	Publish(topic messaging.Topic, key string, data []byte) (*messaging.Ack, error)
}

// Config controls how long a publish holds the caller.
type Config struct {
	// AwaitAck makes every publish block until the bus has stored the record.
	// When false the caller gets the pending Ack and failures are only logged.
	AwaitAck bool
	// AckTimeout bounds the wait when AwaitAck is set.
	AckTimeout time.Duration
}

// DefaultConfig returns the fire-and-forget configuration.
func DefaultConfig() Config {
	return Config{
		AwaitAck:   false,
		AckTimeout: 5 * time.Second,
	}
}

// Publisher serializes chat messages and entity updates onto the bus.
type Publisher struct {
	bus Bus
	cfg Config
	log *slog.Logger
}

// New creates a Publisher.
func New(bus Bus, cfg Config, log *slog.Logger) *Publisher {
	return &Publisher{
		bus: bus,
		cfg: cfg,
		log: log.With("component", "publisher"),
	}
}

// PublishMessage appends m to the chat topic keyed by its channel id.
func (p *Publisher) PublishMessage(ctx context.Context, m model.ChatMessage) (*messaging.Ack, error) {
	return p.Publish(ctx, messaging.TopicChat, m.ChannelID(), codec.EncodeChatMessage(m))
}

// PublishUserUpdate appends u to the user topic keyed by the user id.
func (p *Publisher) PublishUserUpdate(ctx context.Context, u model.UserUpdate) (*messaging.Ack, error) {
	return p.Publish(ctx, messaging.TopicUserUpdates, u.User.UserID, codec.EncodeUserUpdate(u))
}

// PublishChannelUpdate appends c to the channel topic keyed by the channel id.
func (p *Publisher) PublishChannelUpdate(ctx context.Context, c model.ChannelUpdate) (*messaging.Ack, error) {
	return p.Publish(ctx, messaging.TopicChannelUpdates, c.Channel.ChannelID, codec.EncodeChannelUpdate(c))
}

// Publish appends an encoded payload to topic under key. Unless AwaitAck is
// set it returns once the record is handed to the bus client.
func (p *Publisher) Publish(ctx context.Context, topic messaging.Topic, key string, payload []byte) (*messaging.Ack, error) {
	ack, err := p.bus.Publish(topic, key, payload)
	if err != nil {
		metrics.PublishedTotal.WithLabelValues(topic.Name, "failed").Inc()
		return nil, fmt.Errorf("publisher: %s: %w", topic.Name, err)
	}

	if !p.cfg.AwaitAck {
		go p.watch(topic, key, ack)
		return ack, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()
	if err := ack.Wait(waitCtx); err != nil {
		metrics.PublishedTotal.WithLabelValues(topic.Name, "failed").Inc()
		return ack, fmt.Errorf("publisher: %s ack: %w", topic.Name, err)
	}
	metrics.PublishedTotal.WithLabelValues(topic.Name, "ok").Inc()
	return ack, nil
}

// watch reports the outcome of a publish nobody is waiting on.
func (p *Publisher) watch(topic messaging.Topic, key string, ack *messaging.Ack) {
	<-ack.Done()
	if err := ack.Err(); err != nil {
		metrics.PublishedTotal.WithLabelValues(topic.Name, "failed").Inc()
		p.log.Error("publish not acknowledged", "topic", topic.Name, "key", key, "error", err)
		return
	}
	metrics.PublishedTotal.WithLabelValues(topic.Name, "ok").Inc()
	p.log.Debug("published", "topic", topic.Name, "key", key, "offset", ack.Sequence())
}

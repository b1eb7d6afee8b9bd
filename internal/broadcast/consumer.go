// Package broadcast forwards every record on the chat and update topics to the
// live subscribers of the matching destination. It reads with its own group,
// independent of the persistence workers, and never retries: a subscriber that
// was not connected when a record passed simply does not see it.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/whisper/chat-pipeline/internal/codec"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/protocol"
)

// Sink delivers a payload to every subscriber of destination and reports how
// many received it.
type Sink interface {
	Broadcast(destination string, payload []byte) (int, error)
}

// Subscriber opens a group subscription on a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic messaging.Topic, group string, handler func(messaging.Record)) (messaging.Subscription, error)
}

// Config holds the broadcast consumer settings.
type Config struct {
	Group string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Group: "chat-backend-live-updates-group"}
}

// Consumer subscribes to all topics and forwards decoded records to a Sink.
type Consumer struct {
	bus  Subscriber
	sink Sink
	cfg  Config
	log  *slog.Logger

	mu   sync.Mutex
	subs []messaging.Subscription
}

// New creates a Consumer. Call Start to begin forwarding.
func New(bus Subscriber, sink Sink, cfg Config, log *slog.Logger) *Consumer {
	return &Consumer{
		bus:  bus,
		sink: sink,
		cfg:  cfg,
		log:  log.With("component", "broadcast"),
	}
}

// Start opens one subscription per topic. If any subscription fails the ones
// already opened are stopped.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range messaging.AllTopics() {
		sub, err := c.bus.Subscribe(ctx, topic, c.cfg.Group, c.HandleRecord)
		if err != nil {
			c.stopLocked()
			return fmt.Errorf("broadcast: subscribe %s: %w", topic.Name, err)
		}
		c.subs = append(c.subs, sub)
		c.log.Info("subscribed", "topic", topic.Name, "group", c.cfg.Group)
	}
	return nil
}

// Stop closes every subscription.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.log.Info("stopped")
}

func (c *Consumer) stopLocked() {
	for _, sub := range c.subs {
		sub.Stop()
	}
	c.subs = nil
}

var errUnknownTopic = errors.New("broadcast: unknown topic")

// HandleRecord decodes r and forwards it. Failures are logged and the record
// is skipped.
func (c *Consumer) HandleRecord(r messaging.Record) {
	defer func() {
		if p := recover(); p != nil {
			metrics.BroadcastTotal.WithLabelValues(r.Topic, "failed").Inc()
			c.log.Error("broadcast panic", "topic", r.Topic, "offset", r.Offset, "panic", p)
		}
	}()

	dest, payload, err := render(r)
	if err != nil {
		if errors.Is(err, codec.ErrMalformed) {
			metrics.DecodeFailures.WithLabelValues(r.Topic, "broadcast").Inc()
		}
		c.log.Warn("skipping record", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "error", err)
		return
	}

	n, err := c.sink.Broadcast(dest, payload)
	if err != nil {
		metrics.BroadcastTotal.WithLabelValues(r.Topic, "failed").Inc()
		c.log.Warn("forward failed", "topic", r.Topic, "offset", r.Offset, "destination", dest, "delivered", n, "error", err)
		return
	}
	metrics.BroadcastTotal.WithLabelValues(r.Topic, "ok").Inc()
	c.log.Debug("forwarded", "topic", r.Topic, "offset", r.Offset, "destination", dest, "delivered", n)
}

// render turns a record into its destination and client payload.
func render(r messaging.Record) (string, []byte, error) {
	switch r.Topic {
	case messaging.TopicChat.Name:
		m, err := codec.DecodeChatMessage(r.Value)
		if err != nil {
			return "", nil, err
		}
		dest := protocol.ChannelDestination(m.ChannelID())
		payload, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
			Destination: dest,
			Message:     m,
		})
		return dest, payload, err

	case messaging.TopicUserUpdates.Name:
		u, err := codec.DecodeUserUpdate(r.Value)
		if err != nil {
			return "", nil, err
		}
		payload, err := protocol.NewServerMessage(protocol.TypeUserUpdate, protocol.UserUpdateMsg{
			Destination: protocol.DestinationUsers,
			UpdateType:  u.Type.String(),
			User:        u.User,
		})
		return protocol.DestinationUsers, payload, err

	case messaging.TopicChannelUpdates.Name:
		ch, err := codec.DecodeChannelUpdate(r.Value)
		if err != nil {
			return "", nil, err
		}
		payload, err := protocol.NewServerMessage(protocol.TypeChannelUpdate, protocol.ChannelUpdateMsg{
			Destination: protocol.DestinationChannels,
			UpdateType:  ch.Type.String(),
			Channel:     ch.Channel,
		})
		return protocol.DestinationChannels, payload, err
	}
	return "", nil, fmt.Errorf("%w: %q", errUnknownTopic, r.Topic)
}

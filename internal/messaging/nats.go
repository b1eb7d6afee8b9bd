// Package messaging provides the event bus client shared by the chat services.
// Topics are JetStream streams split into numbered partition subjects; records
// are routed to a partition by key so that everything published for one key is
// appended, in order, to a single subject.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// HeaderKey carries the routing key of a record.
const HeaderKey = "Chat-Key"

// NATSClient wraps the NATS connection and its JetStream context.
type NATSClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  NATSConfig
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string]jetstream.ConsumeContext
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	Replicas      int           // stream replication factor
	MaxPending    int           // max in-flight async publishes
	AckTimeout    time.Duration // how long an async publish waits for its ack
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-pipeline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		Replicas:      1,
		MaxPending:    4096,
		AckTimeout:    5 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *slog.Logger) (*NATSClient, error) {
	log = log.With("component", "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", "error", err)
			} else {
				log.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(config.MaxPending),
		jetstream.WithPublishAsyncTimeout(config.AckTimeout),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		js:   js,
		cfg:  config,
		log:  log,
		subs: make(map[string]jetstream.ConsumeContext),
	}, nil
}

// EnsureTopics creates or updates the stream backing each topic.
func (c *NATSClient) EnsureTopics(ctx context.Context, topics ...Topic) error {
	for _, t := range topics {
		subjects := make([]string, t.Partitions)
		for p := range subjects {
			subjects[p] = t.Subject(p)
		}
		_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      t.Name,
			Subjects:  subjects,
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			Replicas:  c.cfg.Replicas,
		})
		if err != nil {
			return fmt.Errorf("nats ensure topic %s: %w", t.Name, err)
		}
		c.log.Info("topic ready", "topic", t.Name, "partitions", t.Partitions, "replicas", c.cfg.Replicas)
	}
	return nil
}

// Publish appends data to the partition of topic that key routes to. It
// returns as soon as the record is handed to the connection; the returned Ack
// resolves when the server has stored it.
func (c *NATSClient) Publish(topic Topic, key string, data []byte) (*Ack, error) {
	msg := nats.NewMsg(topic.Subject(topic.Partition(key)))
	msg.Header.Set(HeaderKey, key)
	msg.Data = data

	fut, err := c.js.PublishMsgAsync(msg)
	if err != nil {
		return nil, fmt.Errorf("nats publish %s: %w", topic.Name, err)
	}

	ack := NewAck()
	go func() {
		select {
		case pa := <-fut.Ok():
			ack.Resolve(pa.Sequence, nil)
		case err := <-fut.Err():
			ack.Resolve(0, err)
		}
	}()
	return ack, nil
}

// Subscription is a running group subscription.
type Subscription interface {
	Stop()
}

// Subscribe joins the named group on topic and calls handler for every record
// published from now on. Records are acknowledged after handler returns,
// whatever it did with them.
func (c *NATSClient) Subscribe(ctx context.Context, topic Topic, group string, handler func(Record)) (Subscription, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, topic.Name, jetstream.ConsumerConfig{
		Durable:       group,
		FilterSubject: topic.Wildcard(),
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s/%s: %w", topic.Name, group, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		handler(newRecord(topic, msg))
		if err := msg.Ack(); err != nil {
			c.log.Debug("ack failed", "topic", topic.Name, "error", err)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		c.log.Warn("consume error", "topic", topic.Name, "group", group, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("nats consume %s/%s: %w", topic.Name, group, err)
	}

	key := topic.Name + "/" + group
	c.mu.Lock()
	if prev, ok := c.subs[key]; ok {
		prev.Stop()
	}
	c.subs[key] = cc
	c.mu.Unlock()

	return &subscription{client: c, key: key, cc: cc}, nil
}

type subscription struct {
	client *NATSClient
	key    string
	cc     jetstream.ConsumeContext
}

func (s *subscription) Stop() {
	s.client.mu.Lock()
	if cur, ok := s.client.subs[s.key]; ok && cur == s.cc {
		delete(s.client.subs, s.key)
	}
	s.client.mu.Unlock()
	s.cc.Stop()
}

// Ping reports whether the connection is usable.
func (c *NATSClient) Ping() error {
	if !c.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close stops all active subscriptions and drains the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for key, cc := range c.subs {
		cc.Stop()
		c.log.Debug("subscription stopped", "subscription", key)
	}
	c.subs = make(map[string]jetstream.ConsumeContext)
	c.mu.Unlock()

	select {
	case <-c.js.PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		c.log.Warn("pending publishes not acknowledged before close", "pending", c.js.PublishAsyncPending())
	}

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", "error", err)
	}

	c.log.Info("client closed")
}

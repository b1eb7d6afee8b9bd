// Package bustest is an in-memory partitioned log with the same publish,
// partition-consumer and group-subscription semantics as the NATS client.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/chat-pipeline/internal/messaging"
)

// Bus is an in-memory event bus. The zero value is not usable; call New.
type Bus struct {
	mu         sync.Mutex
	seq        map[string]uint64               // topic -> last offset
	logs       map[string][][]messaging.Record // topic -> partition -> records
	committed  map[string]map[int]int          // consumer -> partition -> next index to commit past
	deliveries map[string]map[uint64]uint64    // consumer -> offset -> times handed out
	subs       map[string]*subscription        // topic/group -> subscription
	publishErr error
	changed    chan struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		seq:        make(map[string]uint64),
		logs:       make(map[string][][]messaging.Record),
		committed:  make(map[string]map[int]int),
		deliveries: make(map[string]map[uint64]uint64),
		subs:       make(map[string]*subscription),
		changed:    make(chan struct{}),
	}
}

// FailPublishes makes every later publish resolve with err. A nil err restores
// normal behaviour.
func (b *Bus) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Publish appends data to the partition key routes to. The returned Ack is
// already resolved.
func (b *Bus) Publish(topic messaging.Topic, key string, data []byte) (*messaging.Ack, error) {
	ack := messaging.NewAck()

	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		ack.Resolve(0, err)
		return ack, nil
	}

	parts := b.partitionsLocked(topic)
	b.seq[topic.Name]++
	p := topic.Partition(key)
	rec := messaging.Record{
		Topic:     topic.Name,
		Partition: p,
		Offset:    b.seq[topic.Name],
		Key:       key,
		Value:     append([]byte(nil), data...),
	}
	parts[p] = append(parts[p], rec)

	var targets []*subscription
	for _, s := range b.subs {
		if s.topic == topic.Name {
			targets = append(targets, s)
		}
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(rec)
	}

	ack.Resolve(rec.Offset, nil)
	return ack, nil
}

func (b *Bus) partitionsLocked(topic messaging.Topic) [][]messaging.Record {
	parts, ok := b.logs[topic.Name]
	if !ok {
		parts = make([][]messaging.Record, topic.Partitions)
		b.logs[topic.Name] = parts
	}
	return parts
}

// Records returns a copy of everything appended to topic, partition by partition.
func (b *Bus) Records(topic messaging.Topic) []messaging.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []messaging.Record
	for _, part := range b.logs[topic.Name] {
		out = append(out, part...)
	}
	return out
}

// Committed returns how many records of partition p the named consumer has
// committed.
func (b *Bus) Committed(consumer string, p int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[consumer][p]
}

// Consumer reads a fixed range of partitions. Its committed positions are kept
// by the bus under the consumer name, so a new Consumer with the same name
// resumes after the last commit.
type Consumer struct {
	bus       *Bus
	topic     messaging.Topic
	name      string
	start     int
	count     int
	delivered map[int]int
	closed    bool
}

// AssignPartitions binds a consumer to partitions [start, start+count) of topic.
func (b *Bus) AssignPartitions(_ context.Context, topic messaging.Topic, group string, start, count int) (*Consumer, error) {
	if count <= 0 || start < 0 || start+count > topic.Partitions {
		return nil, fmt.Errorf("bustest: assign %s [%d,%d): out of range", topic.Name, start, start+count)
	}
	name := messaging.ConsumerName(group, start, count)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitionsLocked(topic)
	if b.committed[name] == nil {
		b.committed[name] = make(map[int]int)
		b.deliveries[name] = make(map[uint64]uint64)
	}
	delivered := make(map[int]int, count)
	for p := start; p < start+count; p++ {
		delivered[p] = b.committed[name][p]
	}
	return &Consumer{bus: b, topic: topic, name: name, start: start, count: count, delivered: delivered}, nil
}

// Name returns the durable consumer name.
func (c *Consumer) Name() string { return c.name }

// Poll returns up to max undelivered records, waiting up to wait for some to
// arrive. Each record's Deliveries counts every time the consumer name has been
// handed it, across releases and restarts.
func (c *Consumer) Poll(ctx context.Context, max int, wait time.Duration) ([]messaging.Record, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		c.bus.mu.Lock()
		if c.closed {
			c.bus.mu.Unlock()
			return nil, fmt.Errorf("bustest: consumer %s closed", c.name)
		}
		var out []messaging.Record
		parts := c.bus.logs[c.topic.Name]
		counts := c.bus.deliveries[c.name]
		for p := c.start; p < c.start+c.count && len(out) < max; p++ {
			for c.delivered[p] < len(parts[p]) && len(out) < max {
				rec := parts[p][c.delivered[p]]
				counts[rec.Offset]++
				rec.Deliveries = counts[rec.Offset]
				out = append(out, rec)
				c.delivered[p]++
			}
		}
		changed := c.bus.changed
		c.bus.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-changed:
		}
	}
}

// Commit advances the committed position of each record's partition past it.
func (c *Consumer) Commit(_ context.Context, records []messaging.Record) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	committed := c.bus.committed[c.name]
	for _, r := range records {
		idx := c.indexLocked(r)
		if idx < 0 {
			return fmt.Errorf("bustest: commit %s: unknown offset %d", c.name, r.Offset)
		}
		if idx+1 > committed[r.Partition] {
			committed[r.Partition] = idx + 1
		}
	}
	return nil
}

// Release rewinds the delivery position of each record's partition to the
// last commit so the records are polled again.
func (c *Consumer) Release(records []messaging.Record, _ time.Duration) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, r := range records {
		c.delivered[r.Partition] = c.bus.committed[c.name][r.Partition]
	}
	close(c.bus.changed)
	c.bus.changed = make(chan struct{})
	return nil
}

// Close detaches the consumer. Committed positions are kept.
func (c *Consumer) Close() error {
	c.bus.mu.Lock()
	c.closed = true
	c.bus.mu.Unlock()
	return nil
}

func (c *Consumer) indexLocked(r messaging.Record) int {
	parts := c.bus.logs[c.topic.Name]
	if r.Partition < 0 || r.Partition >= len(parts) {
		return -1
	}
	for i, rec := range parts[r.Partition] {
		if rec.Offset == r.Offset {
			return i
		}
	}
	return -1
}

// Subscribe joins group on topic and delivers every record published from now
// on to handler, one at a time, on a separate goroutine.
func (b *Bus) Subscribe(_ context.Context, topic messaging.Topic, group string, handler func(messaging.Record)) (messaging.Subscription, error) {
	s := &subscription{
		topic:   topic.Name,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	key := topic.Name + "/" + group
	b.mu.Lock()
	if prev, ok := b.subs[key]; ok {
		prev.Stop()
	}
	b.subs[key] = s
	b.mu.Unlock()

	go s.run()
	return s, nil
}

type subscription struct {
	topic   string
	handler func(messaging.Record)

	mu      sync.Mutex
	queue   []messaging.Record
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) enqueue(r messaging.Record) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	r.Deliveries = 1
	s.queue = append(s.queue, r)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			r := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(r)
		}
	}
}

// Stop ends delivery. Records still queued are discarded.
func (s *subscription) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

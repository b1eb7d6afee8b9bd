package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Record is one entry read from a topic partition.
type Record struct {
	Topic     string
	Partition int
	Offset    uint64
	Key       string
	Value     []byte
	// Deliveries counts how many times the bus has handed this record out.
	Deliveries uint64

	msg jetstream.Msg
}

func newRecord(topic Topic, msg jetstream.Msg) Record {
	r := Record{
		Topic:     topic.Name,
		Partition: partitionOf(msg.Subject()),
		Key:       msg.Headers().Get(HeaderKey),
		Value:     msg.Data(),
		msg:       msg,
	}
	if md, err := msg.Metadata(); err == nil {
		r.Offset = md.Sequence.Stream
		r.Deliveries = md.NumDelivered
	}
	return r
}

// ConsumerConfig tunes a partition consumer.
type ConsumerConfig struct {
	// AckWait is how long the bus waits for a commit before redelivering.
	AckWait time.Duration
	// MaxAckPending bounds records handed out but not yet committed.
	MaxAckPending int
}

// DefaultConsumerConfig returns sensible defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		AckWait:       30 * time.Second,
		MaxAckPending: 10000,
	}
}

// PartitionConsumer reads a fixed, contiguous range of partitions of one topic.
// The range is bound to a durable consumer named after the group and the range,
// so committed offsets survive restarts and no other range shares them.
type PartitionConsumer struct {
	topic   Topic
	start   int
	count   int
	durable string
	cons    jetstream.Consumer
	log     *slog.Logger
}

// ConsumerName returns the durable name used for a partition range.
func ConsumerName(group string, start, count int) string {
	return group + "-" + strconv.Itoa(start) + "-" + strconv.Itoa(start+count-1)
}

// AssignPartitions binds a consumer to partitions [start, start+count) of topic.
func (c *NATSClient) AssignPartitions(ctx context.Context, topic Topic, group string, start, count int, config ConsumerConfig) (*PartitionConsumer, error) {
	if count <= 0 || start < 0 || start+count > topic.Partitions {
		return nil, fmt.Errorf("nats assign %s [%d,%d): out of range 0..%d", topic.Name, start, start+count, topic.Partitions)
	}

	subjects := make([]string, 0, count)
	for p := start; p < start+count; p++ {
		subjects = append(subjects, topic.Subject(p))
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       ConsumerName(group, start, count),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       config.AckWait,
		MaxAckPending: config.MaxAckPending,
	}
	if count == topic.Partitions {
		cfg.FilterSubject = topic.Wildcard()
	} else if count == 1 {
		cfg.FilterSubject = subjects[0]
	} else {
		cfg.FilterSubjects = subjects
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, topic.Name, cfg)
	if err != nil {
		return nil, fmt.Errorf("nats assign %s/%s: %w", topic.Name, cfg.Durable, err)
	}

	c.log.Info("partitions assigned", "topic", topic.Name, "consumer", cfg.Durable, "start", start, "count", count)

	return &PartitionConsumer{
		topic:   topic,
		start:   start,
		count:   count,
		durable: cfg.Durable,
		cons:    cons,
		log:     c.log.With("consumer", cfg.Durable),
	}, nil
}

// Poll waits up to wait for at most max records. An empty result with a nil
// error means nothing arrived in time. Cancelling ctx interrupts the wait and
// returns ctx.Err().
func (pc *PartitionConsumer) Poll(ctx context.Context, max int, wait time.Duration) ([]Record, error) {
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	batch, err := pc.cons.Fetch(max, jetstream.FetchContext(fctx))
	if err != nil {
		return nil, pc.pollError(ctx, err)
	}

	var records []Record
	for msg := range batch.Messages() {
		records = append(records, newRecord(pc.topic, msg))
	}

	if ctx.Err() != nil {
		// Hand anything already fetched straight back so it is not held until AckWait.
		_ = pc.Release(records, 0)
		return nil, ctx.Err()
	}

	if err := batch.Error(); err != nil && len(records) == 0 {
		return nil, pc.pollError(ctx, err)
	}
	return records, nil
}

// pollError maps a fetch error: a cancelled poll reports ctx.Err(), an expired
// wait is not an error.
func (pc *PartitionConsumer) pollError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isPollTimeout(err) {
		return nil
	}
	return fmt.Errorf("nats poll %s: %w", pc.durable, err)
}

func isPollTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Commit marks every record in the batch processed. The final acknowledgement
// waits for the server to confirm it.
func (pc *PartitionConsumer) Commit(ctx context.Context, records []Record) error {
	for i, r := range records {
		if r.msg == nil {
			continue
		}
		var err error
		if i == len(records)-1 {
			err = r.msg.DoubleAck(ctx)
		} else {
			err = r.msg.Ack()
		}
		if err != nil {
			return fmt.Errorf("nats commit %s offset %d: %w", pc.durable, r.Offset, err)
		}
	}
	return nil
}

// Release returns every record in the batch to the bus for redelivery after
// delay. Records already committed are unaffected.
func (pc *PartitionConsumer) Release(records []Record, delay time.Duration) error {
	var errs []error
	for _, r := range records {
		if r.msg == nil {
			continue
		}
		if err := r.msg.NakWithDelay(delay); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("nats release %s: %w", pc.durable, errors.Join(errs...))
	}
	return nil
}

// Close detaches from the bus. The durable consumer and its committed offsets
// are kept on the server.
func (pc *PartitionConsumer) Close() error {
	pc.log.Info("partitions released", "start", pc.start, "count", pc.count)
	return nil
}

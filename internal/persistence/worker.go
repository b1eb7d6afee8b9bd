// Package persistence runs the workers that copy chat messages from the bus
// into storage. Each worker owns a fixed, disjoint range of the chat topic's
// partitions and commits a polled batch only after every message in it has
// been written.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-pipeline/internal/codec"
	"github.com/whisper/chat-pipeline/internal/deadletter"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/model"
)

// State is a worker lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateAssigned
	StatePolling
	StateCommitting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateAssigned:
		return "ASSIGNED"
	case StatePolling:
		return "POLLING"
	case StateCommitting:
		return "COMMITTING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the worker pool settings.
type Config struct {
	Topic               messaging.Topic
	Group               string
	Workers             int
	PartitionsPerWorker int
	PollTimeout         time.Duration
	MaxPollRecords      int
	// WriteTimeout bounds the storage writes of one batch.
	WriteTimeout time.Duration
	// RetryBackoff delays redelivery of a failed batch and the next poll
	// after a poll error.
	RetryBackoff time.Duration
	// MaxConcurrentWrites bounds in-flight writes per worker.
	MaxConcurrentWrites int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Topic:               messaging.TopicChat,
		Group:               "db-persistence-group",
		Workers:             1,
		PartitionsPerWorker: 15,
		PollTimeout:         time.Second,
		MaxPollRecords:      500,
		WriteTimeout:        10 * time.Second,
		RetryBackoff:        time.Second,
		MaxConcurrentWrites: 64,
	}
}

// Worker consumes one partition range.
type Worker struct {
	id      int
	rng     Range
	cfg     Config
	factory ConsumerFactory
	store   MessageStore
	dlq     DeadLetter
	log     *slog.Logger
	state   atomic.Int32
}

// NewWorker creates a worker for r. dlq may be nil.
func NewWorker(id int, r Range, cfg Config, factory ConsumerFactory, store MessageStore, dlq DeadLetter, log *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		rng:     r,
		cfg:     cfg,
		factory: factory,
		store:   store,
		dlq:     dlq,
		log:     log.With("component", "worker", "worker", id, "partitions", r.String()),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Range returns the partitions owned by the worker.
func (w *Worker) Range() Range { return w.rng }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Debug("state", "state", s.String())
}

// Run assigns the worker's partitions and processes batches until ctx is
// cancelled. It returns an error only if the partitions cannot be assigned.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	consumer, err := w.factory(ctx, w.rng)
	if err != nil {
		w.setState(StateStopped)
		return fmt.Errorf("persistence: worker %d assign %s: %w", w.id, w.rng, err)
	}
	w.setState(StateAssigned)
	w.log.Info("worker started")

	for ctx.Err() == nil {
		w.setState(StatePolling)
		records, err := consumer.Poll(ctx, w.cfg.MaxPollRecords, w.cfg.PollTimeout)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			w.log.Warn("poll failed", "error", err)
			w.sleep(ctx, w.cfg.RetryBackoff)
			continue
		}
		if len(records) == 0 {
			continue
		}

		w.setState(StateCommitting)
		w.processBatch(ctx, consumer, records)
	}

	w.setState(StateStopping)
	if err := consumer.Close(); err != nil {
		w.log.Warn("close consumer", "error", err)
	}
	w.setState(StateStopped)
	w.log.Info("worker stopped")
	return nil
}

// result is the decode outcome of one record.
type result struct {
	record messaging.Record
	msg    model.ChatMessage
	err    error
}

func decodeBatch(records []messaging.Record) []result {
	return lo.Map(records, func(r messaging.Record, _ int) result {
		m, err := codec.DecodeChatMessage(r.Value)
		return result{record: r, msg: m, err: err}
	})
}

// processBatch writes every decodable record and then commits the whole batch,
// or releases the whole batch if any write failed. Writes are not interrupted
// by ctx so a shutdown lets the current batch finish.
func (w *Worker) processBatch(ctx context.Context, consumer Consumer, records []messaging.Record) {
	start := time.Now()
	defer func() { metrics.BatchLatency.Observe(time.Since(start).Seconds()) }()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()

	var g errgroup.Group
	if w.cfg.MaxConcurrentWrites > 0 {
		g.SetLimit(w.cfg.MaxConcurrentWrites)
	}

	written := 0
	for _, res := range decodeBatch(records) {
		if res.err != nil {
			w.poisoned(writeCtx, res)
			continue
		}
		written++
		m := res.msg
		g.Go(func() error {
			if err := w.store.StoreMessage(writeCtx, m); err != nil {
				metrics.PersistedTotal.WithLabelValues("failed").Inc()
				return fmt.Errorf("message %s channel %s: %w", m.MessageID, m.ChannelID(), err)
			}
			metrics.PersistedTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.BatchesTotal.WithLabelValues("released").Inc()
		w.log.Error("batch write failed, releasing batch", "records", len(records), "error", err)
		if err := consumer.Release(records, w.cfg.RetryBackoff); err != nil {
			w.log.Error("release batch", "error", err)
		}
		return
	}

	if err := consumer.Commit(writeCtx, records); err != nil {
		metrics.BatchesTotal.WithLabelValues("released").Inc()
		w.log.Error("commit failed", "records", len(records), "error", err)
		return
	}
	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	w.log.Debug("batch committed", "records", len(records), "written", written,
		"last_offset", records[len(records)-1].Offset)
}

// poisoned drops an undecodable record, keeping a copy in the dead-letter sink
// the first time it is delivered.
func (w *Worker) poisoned(ctx context.Context, res result) {
	r := res.record
	metrics.DecodeFailures.WithLabelValues(r.Topic, "persistence").Inc()
	w.log.Warn("dropping undecodable record", "topic", r.Topic, "partition", r.Partition,
		"offset", r.Offset, "error", res.err)

	if w.dlq == nil || r.Deliveries > 1 {
		return
	}
	err := w.dlq.Push(ctx, deadletter.Entry{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Cause:     res.err.Error(),
		Payload:   r.Value,
	})
	if err != nil {
		w.log.Warn("dead-letter failed", "offset", r.Offset, "error", err)
		return
	}
	metrics.DeadLetters.WithLabelValues(r.Topic).Inc()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

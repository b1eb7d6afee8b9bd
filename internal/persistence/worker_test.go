package persistence_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/whisper/chat-pipeline/internal/codec"
	"github.com/whisper/chat-pipeline/internal/deadletter"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/messaging/bustest"
	"github.com/whisper/chat-pipeline/internal/model"
	"github.com/whisper/chat-pipeline/internal/persistence"
	"github.com/whisper/chat-pipeline/internal/persistence/mocks"
	"github.com/whisper/chat-pipeline/internal/storage/memstore"
)

const group = "db-persistence-group"

func testConfig() persistence.Config {
	cfg := persistence.DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func busFactory(bus *bustest.Bus, cfg persistence.Config) persistence.ConsumerFactory {
	return func(ctx context.Context, r persistence.Range) (persistence.Consumer, error) {
		return bus.AssignPartitions(ctx, cfg.Topic, cfg.Group, r.Start, r.Count)
	}
}

func chatMessage(channelID string, ts int64, body string) model.ChatMessage {
	return model.ChatMessage{
		MessageID:       body,
		Channel:         model.Channel{ChannelID: channelID, Name: channelID},
		Sender:          model.User{UserID: "u1", Username: "alice"},
		Body:            body,
		TimestampMillis: ts,
	}
}

func publish(t *testing.T, bus *bustest.Bus, m model.ChatMessage) {
	t.Helper()
	_, err := bus.Publish(messaging.TopicChat, m.ChannelID(), codec.EncodeChatMessage(m))
	require.NoError(t, err)
}

// runPool starts a pool and returns a stop func that cancels it and waits.
func runPool(t *testing.T, pool *persistence.Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestWorkerPersistsAndCommits(t *testing.T) {
	bus := bustest.New()
	store := memstore.New()
	cfg := testConfig()

	for i := 0; i < 5; i++ {
		publish(t, bus, chatMessage("general", int64(1000+i), "m"+string(rune('a'+i))))
	}

	pool, err := persistence.NewPool(cfg, busFactory(bus, cfg), store, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	stop := runPool(t, pool)

	p := messaging.TopicChat.Partition("general")
	name := messaging.ConsumerName(group, 0, 15)
	require.Eventually(t, func() bool { return bus.Committed(name, p) == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 5, store.MessageCount())

	stop()
	for _, w := range pool.Workers() {
		require.Equal(t, persistence.StateStopped, w.State())
	}
}

func TestBatchNotCommittedWhenOneWriteFails(t *testing.T) {
	bus := bustest.New()
	store := memstore.New()
	cfg := testConfig()

	for i := 0; i < 4; i++ {
		publish(t, bus, chatMessage("general", int64(1000+i), "m"+string(rune('a'+i))))
	}

	var mu sync.Mutex
	attempts := map[string]int{}
	store.FailMessageWrites(func(m model.ChatMessage) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[m.Body]++
		if m.Body == "mc" {
			return errors.New("write timeout")
		}
		return nil
	})

	pool, err := persistence.NewPool(cfg, busFactory(bus, cfg), store, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	stop := runPool(t, pool)

	p := messaging.TopicChat.Partition("general")
	name := messaging.ConsumerName(group, 0, 15)

	// The batch is redelivered, including records that were already written.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts["ma"] >= 2 && attempts["md"] >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, bus.Committed(name, p))
	require.Equal(t, 3, store.MessageCount())

	store.FailMessageWrites(nil)
	require.Eventually(t, func() bool { return bus.Committed(name, p) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 4, store.MessageCount(), "replayed writes are idempotent")

	stop()
}

func TestCorruptRecordDoesNotBlockBatch(t *testing.T) {
	bus := bustest.New()
	store := memstore.New()
	cfg := testConfig()
	ctrl := gomock.NewController(t)
	dlq := mocks.NewMockDeadLetter(ctrl)

	publish(t, bus, chatMessage("general", 1000, "before"))
	_, err := bus.Publish(messaging.TopicChat, "general", []byte{0xff, 0xff, 0xff})
	require.NoError(t, err)
	publish(t, bus, chatMessage("general", 1002, "after1"))
	publish(t, bus, chatMessage("general", 1003, "after2"))

	dead := make(chan deadletter.Entry, 1)
	dlq.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e deadletter.Entry) error {
		dead <- e
		return nil
	}).Times(1)

	pool, err := persistence.NewPool(cfg, busFactory(bus, cfg), store, dlq, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	stop := runPool(t, pool)

	name := messaging.ConsumerName(group, 0, 15)
	p := messaging.TopicChat.Partition("general")
	require.Eventually(t, func() bool { return bus.Committed(name, p) == 4 }, 2*time.Second, 5*time.Millisecond)
	stop()

	e := <-dead
	require.Equal(t, messaging.TopicChat.Name, e.Topic)
	require.Equal(t, "general", e.Key)
	require.Equal(t, uint64(2), e.Offset)

	rows, err := store.MessagesByChannel(context.Background(), "general", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "after2", rows[0].Body)
	require.Equal(t, "before", rows[2].Body)
}

func TestCorruptRecordDeadLetteredOnceAcrossRedeliveries(t *testing.T) {
	bus := bustest.New()
	store := memstore.New()
	cfg := testConfig()
	ctrl := gomock.NewController(t)
	dlq := mocks.NewMockDeadLetter(ctrl)

	_, err := bus.Publish(messaging.TopicChat, "general", []byte{0xff, 0xff, 0xff})
	require.NoError(t, err)
	publish(t, bus, chatMessage("general", 1001, "ok"))

	var mu sync.Mutex
	writes := 0
	store.FailMessageWrites(func(model.ChatMessage) error {
		mu.Lock()
		defer mu.Unlock()
		writes++
		if writes <= 3 {
			return errors.New("write timeout")
		}
		return nil
	})

	dlq.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	pool, err := persistence.NewPool(cfg, busFactory(bus, cfg), store, dlq, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	stop := runPool(t, pool)

	name := messaging.ConsumerName(group, 0, 15)
	p := messaging.TopicChat.Partition("general")
	require.Eventually(t, func() bool { return bus.Committed(name, p) == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	require.Equal(t, 4, writes)
	mu.Unlock()
	require.Equal(t, 1, store.MessageCount())
}

func TestWorkersOnlyReadOwnedPartitions(t *testing.T) {
	bus := bustest.New()
	cfg := testConfig()
	cfg.Workers, cfg.PartitionsPerWorker = 3, 5

	var mu sync.Mutex
	var foreign []int
	factory := func(ctx context.Context, r persistence.Range) (persistence.Consumer, error) {
		c, err := bus.AssignPartitions(ctx, cfg.Topic, cfg.Group, r.Start, r.Count)
		if err != nil {
			return nil, err
		}
		return &recordingConsumer{Consumer: c, onPoll: func(recs []messaging.Record) {
			mu.Lock()
			defer mu.Unlock()
			for _, rec := range recs {
				if !r.Contains(rec.Partition) {
					foreign = append(foreign, rec.Partition)
				}
			}
		}}, nil
	}

	store := memstore.New()
	for i := 0; i < 60; i++ {
		publish(t, bus, chatMessage("chan-"+string(rune('A'+i%26))+string(rune('a'+i/26)), int64(i), "x"))
	}

	pool, err := persistence.NewPool(cfg, factory, store, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.Len(t, pool.Workers(), 3)
	stop := runPool(t, pool)
	require.Eventually(t, func() bool { return store.MessageCount() == 60 }, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, foreign, "a worker polled a partition it does not own")
}

type recordingConsumer struct {
	persistence.Consumer
	onPoll func([]messaging.Record)
}

func (c *recordingConsumer) Poll(ctx context.Context, max int, wait time.Duration) ([]messaging.Record, error) {
	recs, err := c.Consumer.Poll(ctx, max, wait)
	c.onPoll(recs)
	return recs, err
}

func TestWriteFailureReleasesWholeBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	consumer := mocks.NewMockConsumer(ctrl)
	store := mocks.NewMockMessageStore(ctrl)
	cfg := testConfig()

	records := []messaging.Record{
		{Topic: "chat-stream", Partition: 1, Offset: 1, Key: "c", Value: codec.EncodeChatMessage(chatMessage("c", 1, "a"))},
		{Topic: "chat-stream", Partition: 1, Offset: 2, Key: "c", Value: codec.EncodeChatMessage(chatMessage("c", 2, "b"))},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		consumer.EXPECT().Poll(gomock.Any(), cfg.MaxPollRecords, cfg.PollTimeout).Return(records, nil),
		consumer.EXPECT().Release(records, cfg.RetryBackoff).DoAndReturn(func([]messaging.Record, time.Duration) error {
			cancel()
			return nil
		}),
	)
	consumer.EXPECT().Poll(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, context.Canceled).AnyTimes()
	consumer.EXPECT().Commit(gomock.Any(), gomock.Any()).Times(0)
	consumer.EXPECT().Close().Return(nil)

	store.EXPECT().StoreMessage(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, m model.ChatMessage) error {
		if m.Body == "b" {
			return errors.New("unavailable")
		}
		return nil
	}).Times(2)

	w := persistence.NewWorker(0, persistence.Range{Start: 0, Count: 15}, cfg,
		func(context.Context, persistence.Range) (persistence.Consumer, error) { return consumer, nil },
		store, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, w.Run(ctx))
	require.Equal(t, persistence.StateStopped, w.State())
}

func TestSuccessfulBatchCommitsAllRecords(t *testing.T) {
	ctrl := gomock.NewController(t)
	consumer := mocks.NewMockConsumer(ctrl)
	store := mocks.NewMockMessageStore(ctrl)
	cfg := testConfig()

	records := []messaging.Record{
		{Topic: "chat-stream", Offset: 7, Value: codec.EncodeChatMessage(chatMessage("c", 1, "a"))},
		{Topic: "chat-stream", Offset: 8, Value: []byte("not a message")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer.EXPECT().Poll(gomock.Any(), gomock.Any(), gomock.Any()).Return(records, nil)
	consumer.EXPECT().Commit(gomock.Any(), records).DoAndReturn(func(context.Context, []messaging.Record) error {
		cancel()
		return nil
	})
	consumer.EXPECT().Poll(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	consumer.EXPECT().Close().Return(nil)
	store.EXPECT().StoreMessage(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	w := persistence.NewWorker(0, persistence.Range{Start: 0, Count: 15}, cfg,
		func(context.Context, persistence.Range) (persistence.Consumer, error) { return consumer, nil },
		store, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, w.Run(ctx))
}

func TestAssignFailureStopsPool(t *testing.T) {
	cfg := testConfig()
	cfg.Workers, cfg.PartitionsPerWorker = 3, 5
	bus := bustest.New()
	boom := errors.New("stream not found")

	factory := func(ctx context.Context, r persistence.Range) (persistence.Consumer, error) {
		if r.Start == 5 {
			return nil, boom
		}
		return bus.AssignPartitions(ctx, cfg.Topic, cfg.Group, r.Start, r.Count)
	}

	pool, err := persistence.NewPool(cfg, factory, memstore.New(), nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background()) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("pool kept running after assignment failure")
	}
}

func TestNewPoolRejectsBadLayout(t *testing.T) {
	cfg := testConfig()
	cfg.Workers, cfg.PartitionsPerWorker = 2, 5
	_, err := persistence.NewPool(cfg, nil, memstore.New(), nil, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, err, persistence.ErrInvalidRange)
}

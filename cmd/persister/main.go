// Command persister runs the partitioned persistence workers. Each worker owns
// a fixed range of chat topic partitions and writes every message it reads to
// storage, committing a batch only once all of its writes succeeded.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-pipeline/internal/config"
	"github.com/whisper/chat-pipeline/internal/deadletter"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/persistence"
	"github.com/whisper/chat-pipeline/internal/session"
	"github.com/whisper/chat-pipeline/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "persister: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadPersister()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Bus ---
	hostname, _ := os.Hostname()
	bus, err := messaging.NewNATSClient(cfg.NATS("persister-"+hostname), log)
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := bus.EnsureTopics(ctx, messaging.TopicChat); err != nil {
		return err
	}

	// --- Dead letters (optional) ---
	var dlq persistence.DeadLetter
	var dlqStore *deadletter.Store
	if cfg.RedisAddr != "" {
		rdb, err := session.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dlqStore = deadletter.NewStore(rdb, cfg.DeadLetterMaxEntries)
		dlq = dlqStore
	}

	// --- Workers ---
	poolCfg := cfg.Persistence()
	consumerCfg := cfg.Consumer()
	factory := func(ctx context.Context, r persistence.Range) (persistence.Consumer, error) {
		return bus.AssignPartitions(ctx, poolCfg.Topic, poolCfg.Group, r.Start, r.Count, consumerCfg)
	}
	pool, err := persistence.NewPool(poolCfg, factory, store, dlq, log)
	if err != nil {
		return err
	}

	// --- Metrics and dead-letter inspection ---
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	if dlqStore != nil {
		mux.Handle("GET /deadletter/{topic}", deadletter.Handler(dlqStore, log))
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	log.Info("persister starting",
		"nats_url", cfg.NATSURL,
		"group", poolCfg.Group,
		"workers", poolCfg.Workers,
		"partitions_per_worker", poolCfg.PartitionsPerWorker,
		"poll_timeout", poolCfg.PollTimeout,
		"max_poll_records", poolCfg.MaxPollRecords,
		"dead_letters", dlq != nil,
	)

	// Run returns once every worker has stopped, after cancellation or after
	// the first worker failed to take its partitions.
	if err := pool.Run(ctx); err != nil {
		return err
	}
	log.Info("persister stopped")
	return nil
}

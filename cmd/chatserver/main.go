// Command chatserver serves the chat REST API and WebSocket endpoint. It
// publishes every created entity and posted message to the bus and forwards
// bus events to connected WebSocket subscribers.
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

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-pipeline/internal/api"
	"github.com/whisper/chat-pipeline/internal/broadcast"
	"github.com/whisper/chat-pipeline/internal/chat"
	"github.com/whisper/chat-pipeline/internal/config"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/protocol"
	"github.com/whisper/chat-pipeline/internal/publisher"
	"github.com/whisper/chat-pipeline/internal/ratelimit"
	"github.com/whisper/chat-pipeline/internal/session"
	"github.com/whisper/chat-pipeline/internal/storage"
	"github.com/whisper/chat-pipeline/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Storage ---
	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Bus ---
	bus, err := messaging.NewNATSClient(cfg.NATS("chatserver-"+serverName), log)
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := bus.EnsureTopics(ctx, messaging.AllTopics()...); err != nil {
		return err
	}

	// --- Redis (optional) ---
	var (
		rdb      *redis.Client
		presence ws.Presence
		limiter  chat.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb, err = session.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		presence = session.NewStore(rdb, serverName)
		limiter = ratelimit.NewLimiter(rdb, log)
	}

	// --- Chat service ---
	pub := publisher.New(bus, cfg.Publisher(), log)
	svc := chat.NewService(store, pub, limiter, cfg.Chat(), log)
	if err := svc.Populate(ctx); err != nil {
		return err
	}

	// --- WebSocket + HTTP ---
	server := ws.NewServer(cfg.WebSocket(), presence, nil, log)
	dispatcher := ws.NewMessageDispatcher(server, log)
	dispatcher.Register(protocol.TypeSend, api.NewSendHandler(svc, log))
	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnDisconnect(func(connID string) {
		log.Debug("session closed", "session", connID)
	})
	server.SetHealthCheck(func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if err := bus.Ping(); err != nil {
			return err
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	})
	server.Handle("GET /metrics", metrics.Handler())
	routes := http.NewServeMux()
	api.NewController(svc, log).RegisterRoutes(routes)
	server.Handle("/api/", routes)

	// --- Live broadcast ---
	consumer := broadcast.New(bus, server, cfg.Broadcast(), log)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()

	log.Info("chatserver starting",
		"listen_addr", cfg.ListenAddr,
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"server_name", serverName,
		"broadcast_group", cfg.BroadcastGroupID,
		"await_ack", cfg.PublishAwaitAck,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return errors.New("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
	log.Info("chatserver stopped")
	return nil
}

// Package config loads process configuration from the environment and maps it
// onto the per-package Config structs.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"

	"github.com/whisper/chat-pipeline/internal/broadcast"
	"github.com/whisper/chat-pipeline/internal/chat"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/persistence"
	"github.com/whisper/chat-pipeline/internal/publisher"
	"github.com/whisper/chat-pipeline/internal/storage"
	"github.com/whisper/chat-pipeline/internal/ws"
)

// Bus holds the settings shared by every process that talks to the bus.
type Bus struct {
	NATSURL        string `env:"NATS_URL,default=nats://localhost:4222"`
	StreamReplicas int    `env:"STREAM_REPLICAS,default=1"`
	// PublishAsyncTimeout fails an async publish whose ack never arrives.
	PublishAsyncTimeout time.Duration `env:"PUBLISH_ASYNC_TIMEOUT,default=5s"`
}

// NATS returns the bus client configuration for a client called name.
func (b Bus) NATS(name string) messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = b.NATSURL
	cfg.Name = name
	cfg.Replicas = b.StreamReplicas
	cfg.AckTimeout = b.PublishAsyncTimeout
	return cfg
}

// Server configures the chat server process.
type Server struct {
	Bus
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	ServerName  string `env:"SERVER_NAME"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	BroadcastGroupID  string        `env:"BROADCAST_GROUP_ID,default=chat-backend-live-updates-group"`
	CachePageSize     int           `env:"CACHE_PAGE_SIZE,default=500"`
	HistoryLimit      int           `env:"HISTORY_LIMIT,default=100"`
	PublishAwaitAck   bool          `env:"PUBLISH_AWAIT_ACK,default=false"`
	PublishAckTimeout time.Duration `env:"PUBLISH_ACK_TIMEOUT,default=5s"`

	WorkerPoolSize int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections int           `env:"MAX_CONNECTIONS,default=100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT,default=10s"`
	MaxFrameBytes  int64         `env:"WS_MAX_FRAME_BYTES,default=65536"`
}

// LoadServer reads the chat server configuration from the environment.
func LoadServer() (Server, error) {
	var s Server
	if _, err := env.UnmarshalFromEnviron(&s); err != nil {
		return Server{}, fmt.Errorf("config: %w", err)
	}
	if s.CachePageSize <= 0 {
		return Server{}, fmt.Errorf("config: CACHE_PAGE_SIZE must be positive, got %d", s.CachePageSize)
	}
	return s, nil
}

func (s Server) WebSocket() ws.ServerConfig {
	cfg := ws.DefaultServerConfig()
	cfg.ListenAddr = s.ListenAddr
	cfg.WorkerPoolSize = s.WorkerPoolSize
	cfg.MaxConnections = s.MaxConnections
	cfg.ReadTimeout = s.ReadTimeout
	cfg.WriteTimeout = s.WriteTimeout
	cfg.MaxFrameBytes = s.MaxFrameBytes
	return cfg
}

// Storage falls back to the default DSN when DATABASE_URL is unset.
func (s Server) Storage() storage.Config {
	return storageConfig(s.DatabaseURL)
}

func (s Server) Publisher() publisher.Config {
	return publisher.Config{AwaitAck: s.PublishAwaitAck, AckTimeout: s.PublishAckTimeout}
}

func (s Server) Broadcast() broadcast.Config {
	return broadcast.Config{Group: s.BroadcastGroupID}
}

func (s Server) Chat() chat.Config {
	cfg := chat.DefaultConfig()
	cfg.HistoryLimit = s.HistoryLimit
	cfg.PageSize = s.CachePageSize
	return cfg
}

// Persister configures the persistence worker process.
type Persister struct {
	Bus
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	GroupID             string        `env:"PERSIST_GROUP_ID,default=db-persistence-group"`
	WorkerCount         int           `env:"WORKER_COUNT,default=1"`
	PartitionsPerWorker int           `env:"PARTITIONS_PER_WORKER,default=15"`
	PollTimeoutMillis   int           `env:"POLL_TIMEOUT_MS,default=1000"`
	MaxPollRecords      int           `env:"MAX_POLL_RECORDS,default=500"`
	WriteTimeout        time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	RetryBackoff        time.Duration `env:"RETRY_BACKOFF,default=1s"`
	AckWait             time.Duration `env:"ACK_WAIT,default=30s"`

	DeadLetterMaxEntries int `env:"DEADLETTER_MAX_ENTRIES,default=10000"`
}

// LoadPersister reads the persister configuration from the environment. The
// worker layout must cover the chat topic's partitions exactly.
func LoadPersister() (Persister, error) {
	var p Persister
	if _, err := env.UnmarshalFromEnviron(&p); err != nil {
		return Persister{}, fmt.Errorf("config: %w", err)
	}
	if _, err := persistence.AssignRanges(p.WorkerCount, p.PartitionsPerWorker, messaging.TopicChat.Partitions); err != nil {
		return Persister{}, fmt.Errorf("config: WORKER_COUNT=%d PARTITIONS_PER_WORKER=%d: %w",
			p.WorkerCount, p.PartitionsPerWorker, err)
	}
	if p.PollTimeoutMillis <= 0 || p.MaxPollRecords <= 0 {
		return Persister{}, fmt.Errorf("config: POLL_TIMEOUT_MS and MAX_POLL_RECORDS must be positive")
	}
	return p, nil
}

func (p Persister) Persistence() persistence.Config {
	cfg := persistence.DefaultConfig()
	cfg.Group = p.GroupID
	cfg.Workers = p.WorkerCount
	cfg.PartitionsPerWorker = p.PartitionsPerWorker
	cfg.PollTimeout = time.Duration(p.PollTimeoutMillis) * time.Millisecond
	cfg.MaxPollRecords = p.MaxPollRecords
	cfg.WriteTimeout = p.WriteTimeout
	cfg.RetryBackoff = p.RetryBackoff
	return cfg
}

func (p Persister) Consumer() messaging.ConsumerConfig {
	cfg := messaging.DefaultConsumerConfig()
	cfg.AckWait = p.AckWait
	return cfg
}

func (p Persister) Storage() storage.Config {
	return storageConfig(p.DatabaseURL)
}

func storageConfig(dsn string) storage.Config {
	cfg := storage.DefaultConfig()
	if dsn != "" {
		cfg.DSN = dsn
	}
	return cfg
}

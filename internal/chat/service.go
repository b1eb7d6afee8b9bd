// Package chat implements the write and read paths of the chat service.
//
// Writes go cache check, then storage, then cache put, then bus publish. Chat
// messages are only published: the persistence workers store them and the
// broadcast consumer delivers them to live subscribers. Reads are served from
// the entity caches and, for history, from storage.
//
// Name collisions are resolved by returning the entity that already owns the
// name. Concurrent creates of one name collapse into a single write.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/chat-pipeline/internal/cache"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/model"
	"github.com/whisper/chat-pipeline/internal/ratelimit"
	"github.com/whisper/chat-pipeline/internal/storage"
)

var (
	ErrUserNotFound    = errors.New("chat: user not found")
	ErrChannelNotFound = errors.New("chat: channel not found")
	ErrInvalidMessage  = errors.New("chat: invalid message")
	ErrInvalidName     = errors.New("chat: name is required")
	ErrRateLimited     = errors.New("chat: rate limited")
)

// Store is the storage the service writes entities to and reads history from.
type Store interface {
	CreateUser(ctx context.Context, u model.User, createdAt time.Time) error
	CreateChannel(ctx context.Context, c model.Channel, createdAt time.Time) error
	MessagesByChannel(ctx context.Context, channelID string, limit int) ([]storage.MessageRow, error)
	ScanUsers(ctx context.Context, pageToken string, pageSize int) ([]model.User, string, error)
	ScanChannels(ctx context.Context, pageToken string, pageSize int) ([]model.Channel, string, error)
}

// Publisher appends domain events to the bus.
type Publisher interface {
	PublishMessage(ctx context.Context, m model.ChatMessage) (*messaging.Ack, error)
	PublishUserUpdate(ctx context.Context, u model.UserUpdate) (*messaging.Ack, error)
	PublishChannelUpdate(ctx context.Context, c model.ChannelUpdate) (*messaging.Ack, error)
}

// Limiter decides whether an identifier may perform another action.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config tunes the read path.
type Config struct {
	// HistoryLimit caps the number of messages a history read returns.
	// Zero or less returns the full history.
	HistoryLimit int
	// PageSize is the scan page size used when populating the caches.
	PageSize int
	// CreateTimeout bounds a user or channel create, which runs detached from
	// the caller's cancellation.
	CreateTimeout time.Duration
}

// DefaultConfig returns the default read path settings.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:  100,
		PageSize:      cache.DefaultPageSize,
		CreateTimeout: 10 * time.Second,
	}
}

// Service owns the entity caches and routes writes to storage and the bus.
type Service struct {
	store    Store
	pub      Publisher
	limiter  Limiter
	cfg      Config
	log      *slog.Logger
	users    *cache.Index[model.User]
	channels *cache.Index[model.Channel]
	creates  singleflight.Group
	now      func() time.Time
	newID    func() string
}

// NewService creates a Service with empty caches. limiter may be nil, which
// disables rate limiting.
func NewService(store Store, pub Publisher, limiter Limiter, cfg Config, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		pub:      pub,
		limiter:  limiter,
		cfg:      cfg,
		log:      log.With("component", "chat"),
		users:    cache.NewUserIndex(),
		channels: cache.NewChannelIndex(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source used for message timestamps and creation
// times.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Populate loads every stored user and channel into the caches.
func (s *Service) Populate(ctx context.Context) error {
	n, err := s.users.Populate(ctx, s.store.ScanUsers, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("chat: populate users: %w", err)
	}
	s.log.Info("user cache populated", "count", n)

	n, err = s.channels.Populate(ctx, s.store.ScanChannels, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("chat: populate channels: %w", err)
	}
	s.log.Info("channel cache populated", "count", n)

	s.updateGauges()
	return nil
}

// CreateUser creates a user, or returns the existing user with that username.
// The user is cached once the storage write succeeds. A publish failure is
// returned together with the created user.
func (s *Service) CreateUser(ctx context.Context, username, displayName string) (model.User, error) {
	if username == "" {
		return model.User{}, ErrInvalidName
	}
	if u, ok := s.users.GetByName(username); ok {
		s.log.Debug("user already exists", "username", username, "user_id", u.UserID)
		return u, nil
	}

	v, err, _ := s.creates.Do("user:"+username, func() (interface{}, error) {
		if u, ok := s.users.GetByName(username); ok {
			return u, nil
		}

		ctx, cancel := s.createContext(ctx)
		defer cancel()

		u := model.User{UserID: s.newID(), Username: username, DisplayName: displayName}
		if err := s.store.CreateUser(ctx, u, s.now()); err != nil {
			return model.User{}, fmt.Errorf("chat: create user: %w", err)
		}
		s.users.Put(u)
		s.updateGauges()
		s.log.Info("user created", "user_id", u.UserID, "username", u.Username)

		if _, err := s.pub.PublishUserUpdate(ctx, model.UserUpdate{Type: model.UpdateNew, User: u}); err != nil {
			return u, fmt.Errorf("chat: publish user update: %w", err)
		}
		return u, nil
	})
	return v.(model.User), err
}

// CreateChannel creates a channel, or returns the existing channel with that
// name.
func (s *Service) CreateChannel(ctx context.Context, name, description string) (model.Channel, error) {
	if name == "" {
		return model.Channel{}, ErrInvalidName
	}
	if c, ok := s.channels.GetByName(name); ok {
		s.log.Debug("channel already exists", "name", name, "channel_id", c.ChannelID)
		return c, nil
	}

	v, err, _ := s.creates.Do("channel:"+name, func() (interface{}, error) {
		if c, ok := s.channels.GetByName(name); ok {
			return c, nil
		}

		ctx, cancel := s.createContext(ctx)
		defer cancel()

		c := model.Channel{ChannelID: s.newID(), Name: name, Description: description}
		if err := s.store.CreateChannel(ctx, c, s.now()); err != nil {
			return model.Channel{}, fmt.Errorf("chat: create channel: %w", err)
		}
		s.channels.Put(c)
		s.updateGauges()
		s.log.Info("channel created", "channel_id", c.ChannelID, "name", c.Name)

		if _, err := s.pub.PublishChannelUpdate(ctx, model.ChannelUpdate{Type: model.UpdateNew, Channel: c}); err != nil {
			return c, fmt.Errorf("chat: publish channel update: %w", err)
		}
		return c, nil
	})
	return v.(model.Channel), err
}

func (s *Service) createContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.CreateTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CreateTimeout)
}

// PostMessage publishes a message from username to the channel named
// channelName. The message id and timestamp are assigned here and never
// change afterwards.
func (s *Service) PostMessage(ctx context.Context, channelName, username, body string) (model.ChatMessage, error) {
	sender, ok := s.users.GetByName(username)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.ChatMessage{}, fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	channel, ok := s.channels.GetByName(channelName)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.ChatMessage{}, fmt.Errorf("%w: %q", ErrChannelNotFound, channelName)
	}
	if err := ValidateMessage(body); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.ChatMessage{}, err
	}

	if s.limiter != nil {
		// Allow fails open on Redis errors, so only the verdict matters here.
		allowed, _ := s.limiter.Allow(ctx, username, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("limited").Inc()
			return model.ChatMessage{}, ErrRateLimited
		}
	}

	m := model.ChatMessage{
		MessageID:       s.newID(),
		Channel:         channel,
		Sender:          sender,
		Body:            body,
		TimestampMillis: s.now().UnixMilli(),
	}
	if _, err := s.pub.PublishMessage(ctx, m); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.ChatMessage{}, fmt.Errorf("chat: publish message: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	s.log.Debug("message posted",
		"channel_id", channel.ChannelID,
		"message_id", m.MessageID,
		"sender", sender.Username,
	)
	return m, nil
}

// History returns the stored messages of a channel, newest first. Senders no
// longer in the user cache are rendered as an unknown user carrying the stored
// sender id as username.
func (s *Service) History(ctx context.Context, channelID string) ([]model.ChatMessage, error) {
	channel, ok := s.channels.Get(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, channelID)
	}

	rows, err := s.store.MessagesByChannel(ctx, channelID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}

	return lo.Map(rows, func(r storage.MessageRow, _ int) model.ChatMessage {
		sender, ok := s.users.Get(r.SenderID)
		if !ok {
			sender = model.User{UserID: "unknown", Username: r.SenderID, DisplayName: "Unknown"}
		}
		return model.ChatMessage{
			MessageID:       r.MessageID,
			Channel:         channel,
			Sender:          sender,
			Body:            r.Body,
			TimestampMillis: r.CreatedAt.UnixMilli(),
		}
	}), nil
}

func (s *Service) User(id string) (model.User, error) {
	u, ok := s.users.Get(id)
	if !ok {
		return model.User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *Service) UserByName(username string) (model.User, error) {
	u, ok := s.users.GetByName(username)
	if !ok {
		return model.User{}, ErrUserNotFound
	}
	return u, nil
}

// Users returns every known user ordered by username.
func (s *Service) Users() []model.User {
	return s.users.All()
}

func (s *Service) Channel(id string) (model.Channel, error) {
	c, ok := s.channels.Get(id)
	if !ok {
		return model.Channel{}, ErrChannelNotFound
	}
	return c, nil
}

func (s *Service) ChannelByName(name string) (model.Channel, error) {
	c, ok := s.channels.GetByName(name)
	if !ok {
		return model.Channel{}, ErrChannelNotFound
	}
	return c, nil
}

// Channels returns every known channel ordered by name.
func (s *Service) Channels() []model.Channel {
	return s.channels.All()
}

func (s *Service) updateGauges() {
	metrics.CacheEntries.WithLabelValues("user").Set(float64(s.users.Len()))
	metrics.CacheEntries.WithLabelValues("channel").Set(float64(s.channels.Len()))
}

// Package api serves the REST surface of the chat service under /api/v1 and
// the WebSocket send handler. Both delegate to the chat service.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/whisper/chat-pipeline/internal/model"
)

// Service is the chat write and read path the handlers call into.
type Service interface {
	CreateUser(ctx context.Context, username, displayName string) (model.User, error)
	CreateChannel(ctx context.Context, name, description string) (model.Channel, error)
	PostMessage(ctx context.Context, channelName, username, body string) (model.ChatMessage, error)
	History(ctx context.Context, channelID string) ([]model.ChatMessage, error)
	User(id string) (model.User, error)
	UserByName(username string) (model.User, error)
	Users() []model.User
	Channel(id string) (model.Channel, error)
	ChannelByName(name string) (model.Channel, error)
	Channels() []model.Channel
}

// Controller handles the /api/v1 routes.
type Controller struct {
	svc Service
	log *slog.Logger
}

// NewController creates a Controller.
func NewController(svc Service, log *slog.Logger) *Controller {
	return &Controller{svc: svc, log: log.With("component", "api")}
}

// RegisterRoutes registers the user, channel and message routes with mux.
func (c *Controller) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/user/{$}", c.handleCreateUser)
	mux.HandleFunc("GET /api/v1/user/all", c.handleAllUsers)
	mux.HandleFunc("GET /api/v1/user/username/{username}", c.handleUserByName)
	mux.HandleFunc("GET /api/v1/user/{userId}", c.handleUser)

	mux.HandleFunc("POST /api/v1/channel/{$}", c.handleCreateChannel)
	mux.HandleFunc("GET /api/v1/channel/all", c.handleAllChannels)
	mux.HandleFunc("GET /api/v1/channel/name/{name}", c.handleChannelByName)
	mux.HandleFunc("GET /api/v1/channel/{channelId}", c.handleChannel)

	mux.HandleFunc("POST /api/v1/message/{channel}/send", c.handleSend)
	mux.HandleFunc("GET /api/v1/message/{channelId}/history", c.handleHistory)
}

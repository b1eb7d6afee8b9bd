package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/chat-pipeline/internal/protocol"
	"github.com/whisper/chat-pipeline/internal/ws"
)

// sendTimeout bounds a WebSocket send when publishing waits for the bus.
const sendTimeout = 10 * time.Second

// NewSendHandler returns the WebSocket handler for send messages. It takes the
// same path as the REST send; the posted message reaches the sender through
// its channel subscription.
func NewSendHandler(svc Service, log *slog.Logger) ws.MessageHandler {
	log = log.With("component", "api")
	return func(conn *ws.Connection, msg any) {
		send, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if _, err := svc.PostMessage(ctx, send.Channel, send.User, send.Body); err != nil {
			_, code, message := postFailure(err)
			log.Debug("ws send rejected", "session", conn.ID, "code", code, "error", err)
			ws.SendError(conn, code, message)
		}
	}
}

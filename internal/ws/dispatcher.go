package ws

import (
	"log/slog"

	"github.com/whisper/chat-pipeline/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Ping, subscribe and unsubscribe are handled
// internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *slog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
func NewMessageDispatcher(server *Server, log *slog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      log.With("component", "ws"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("dispatch parse error", "session", conn.ID, "error", err)
		SendError(conn, "parse_error", "invalid message format")
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		conn.Touch()
		if err := conn.Send(protocol.TypePong, protocol.PongMsg{}); err != nil {
			d.log.Debug("send pong failed", "session", conn.ID, "error", err)
		}
		return
	case protocol.SubscribeMsg:
		if err := d.server.Subscribe(conn, m.Destination); err != nil {
			SendError(conn, "invalid_destination", err.Error())
			return
		}
		if err := conn.Send(protocol.TypeSubscribed, protocol.SubscribedMsg{Destination: m.Destination}); err != nil {
			d.log.Debug("send subscribed failed", "session", conn.ID, "error", err)
		}
		return
	case protocol.UnsubscribeMsg:
		d.server.Unsubscribe(conn, m.Destination)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", "type", msgType, "session", conn.ID)
		SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error message to the client. Write failures
// are ignored; the read path notices dead connections.
func SendError(conn *Connection, code string, message string) {
	_ = conn.Send(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whisper/chat-pipeline/internal/model"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeSubscribed     = "subscribed"
	TypeMessage        = "message"
	TypeUserUpdate     = "user_update"
	TypeChannelUpdate  = "channel_update"
	TypeError          = "error"
	TypePong           = "pong"
)

// Destinations a client can subscribe to.
const (
	DestinationUsers         = "/topic/users"
	DestinationChannels      = "/topic/channels"
	channelDestinationPrefix = "/topic/channel/"
)

// ChannelDestination returns the destination carrying the live messages of
// one channel.
func ChannelDestination(channelID string) string {
	return channelDestinationPrefix + channelID
}

// ValidDestination reports whether dest names a destination the server
// publishes to.
func ValidDestination(dest string) bool {
	if dest == DestinationUsers || dest == DestinationChannels {
		return true
	}
	id, ok := strings.CutPrefix(dest, channelDestinationPrefix)
	return ok && id != "" && !strings.Contains(id, "/")
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg asks the server to forward a destination's live events.
type SubscribeMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// UnsubscribeMsg stops forwarding of a destination.
type UnsubscribeMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// SendMsg posts a chat message to a channel (by name) as a user (by username).
type SendMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	Body    string `json:"body"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// ServerChatMsg carries a live chat message.
type ServerChatMsg struct {
	Type        string            `json:"type"`
	Destination string            `json:"destination"`
	Message     model.ChatMessage `json:"message"`
}

// UserUpdateMsg carries a user update.
type UserUpdateMsg struct {
	Type        string     `json:"type"`
	Destination string     `json:"destination"`
	UpdateType  string     `json:"updateType"`
	User        model.User `json:"user"`
}

// ChannelUpdateMsg carries a channel update.
type ChannelUpdateMsg struct {
	Type        string        `json:"type"`
	Destination string        `json:"destination"`
	UpdateType  string        `json:"updateType"`
	Channel     model.Channel `json:"channel"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

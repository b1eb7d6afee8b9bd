package protocol

import (
	"encoding/json"
	"testing"

	"github.com/whisper/chat-pipeline/internal/model"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid subscribe message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","destination":"/topic/channel/c-1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, msgType)
	}

	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if sm.Destination != ChannelDestination("c-1") {
		t.Errorf("expected destination %q, got %q", ChannelDestination("c-1"), sm.Destination)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","channel":"general","user":"alice","body":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.Channel != "general" || sm.User != "alice" || sm.Body != "Hello!" {
		t.Errorf("unexpected send message: %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ChatMessage(t *testing.T) {
	payload := ServerChatMsg{
		Destination: ChannelDestination("c-1"),
		Message: model.ChatMessage{
			MessageID:       "m-1",
			Channel:         model.Channel{ChannelID: "c-1", Name: "general"},
			Sender:          model.User{UserID: "u-1", Username: "alice", DisplayName: "Alice"},
			Body:            "hi",
			TimestampMillis: 1700000000000,
		},
	}

	data, err := NewServerMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessage {
		t.Errorf("expected type %q, got %v", TypeMessage, result["type"])
	}
	if result["destination"] != "/topic/channel/c-1" {
		t.Errorf("unexpected destination %v", result["destination"])
	}

	msg, ok := result["message"].(map[string]any)
	if !ok {
		t.Fatalf("expected message object, got %T", result["message"])
	}
	if msg["body"] != "hi" {
		t.Errorf("expected body %q, got %v", "hi", msg["body"])
	}
	if ts, _ := msg["timeStamp"].(float64); int64(ts) != 1700000000000 {
		t.Errorf("unexpected timeStamp %v", msg["timeStamp"])
	}
	sender, _ := msg["sender"].(map[string]any)
	if sender["username"] != "alice" {
		t.Errorf("expected sender alice, got %v", sender["username"])
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeUserUpdate, UserUpdateMsg{
		Type:       "wrong",
		UpdateType: model.UpdateNew.String(),
		User:       model.User{UserID: "u-1", Username: "alice"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded UserUpdateMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeUserUpdate {
		t.Errorf("type mismatch: expected %q, got %q", TypeUserUpdate, decoded.Type)
	}
	if decoded.UpdateType != "NEW" || decoded.User.Username != "alice" {
		t.Errorf("unexpected decoded update: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Destinations
// ---------------------------------------------------------------------------

func TestValidDestination(t *testing.T) {
	cases := map[string]bool{
		DestinationUsers:          true,
		DestinationChannels:       true,
		ChannelDestination("abc"): true,
		"/topic/channel/":         false,
		"/topic/channel/a/b":      false,
		"/topic/other":            false,
		"":                        false,
	}
	for dest, want := range cases {
		if got := ValidDestination(dest); got != want {
			t.Errorf("ValidDestination(%q) = %v, want %v", dest, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"subscribe", `{"type":"subscribe","destination":"/topic/users"}`, TypeSubscribe},
		{"unsubscribe", `{"type":"unsubscribe","destination":"/topic/users"}`, TypeUnsubscribe},
		{"send", `{"type":"send","channel":"general","user":"alice","body":"hi"}`, TypeSend},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

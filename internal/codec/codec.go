// Package codec implements the fixed binary serialization of bus payloads.
// Payloads use the protobuf wire format so they stay readable by any
// protobuf-speaking consumer of the topics:
//
//	User          { 1: user_id, 2: username, 3: display_name }
//	Channel       { 1: channel_id, 2: name, 3: description }
//	ChatMessage   { 1: message_id, 2: Channel, 3: User sender, 4: body, 5: time_stamp }
//	UserUpdate    { 1: type, 2: User }
//	ChannelUpdate { 1: type, 2: Channel }
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/whisper/chat-pipeline/internal/model"
)

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("codec: malformed payload")

// EncodeChannel returns the wire form of c.
func EncodeChannel(c model.Channel) []byte {
	return appendChannel(nil, c)
}

// EncodeChatMessage returns the wire form of m.
func EncodeChatMessage(m model.ChatMessage) []byte {
	var b []byte
	b = appendString(b, 1, m.MessageID)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, appendChannel(nil, m.Channel))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, appendUser(nil, m.Sender))
	b = appendString(b, 4, m.Body)
	if m.TimestampMillis != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TimestampMillis))
	}
	return b
}

// EncodeUserUpdate returns the wire form of u.
func EncodeUserUpdate(u model.UserUpdate) []byte {
	var b []byte
	if u.Type != model.UpdateNew {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Type))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, appendUser(nil, u.User))
}

// EncodeChannelUpdate returns the wire form of c.
func EncodeChannelUpdate(c model.ChannelUpdate) []byte {
	var b []byte
	if c.Type != model.UpdateNew {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Type))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, appendChannel(nil, c.Channel))
}

// DecodeChatMessage parses a chat-stream payload. A message without an id or
// channel id is rejected: it could never be stored under a valid key.
func DecodeChatMessage(data []byte) (model.ChatMessage, error) {
	var m model.ChatMessage
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.MessageID)
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			c, err := decodeChannel(raw)
			m.Channel = c
			return n, err
		case num == 3 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			u, err := decodeUser(raw)
			m.Sender = u
			return n, err
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &m.Body)
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.TimestampMillis = int64(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return model.ChatMessage{}, err
	}
	if m.MessageID == "" || m.Channel.ChannelID == "" {
		return model.ChatMessage{}, fmt.Errorf("%w: chat message missing message or channel id", ErrMalformed)
	}
	return m, nil
}

// DecodeUserUpdate parses a user-updates payload.
func DecodeUserUpdate(data []byte) (model.UserUpdate, error) {
	var u model.UserUpdate
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Type = model.UpdateType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			user, err := decodeUser(raw)
			u.User = user
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return model.UserUpdate{}, err
	}
	if !u.Type.Valid() {
		return model.UserUpdate{}, fmt.Errorf("%w: unknown user update type %d", ErrMalformed, u.Type)
	}
	if u.User.UserID == "" {
		return model.UserUpdate{}, fmt.Errorf("%w: user update without user id", ErrMalformed)
	}
	return u, nil
}

// DecodeChannelUpdate parses a channel-updates payload.
func DecodeChannelUpdate(data []byte) (model.ChannelUpdate, error) {
	var c model.ChannelUpdate
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Type = model.UpdateType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ch, err := decodeChannel(raw)
			c.Channel = ch
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return model.ChannelUpdate{}, err
	}
	if !c.Type.Valid() {
		return model.ChannelUpdate{}, fmt.Errorf("%w: unknown channel update type %d", ErrMalformed, c.Type)
	}
	if c.Channel.ChannelID == "" {
		return model.ChannelUpdate{}, fmt.Errorf("%w: channel update without channel id", ErrMalformed)
	}
	return c, nil
}

func appendUser(b []byte, u model.User) []byte {
	b = appendString(b, 1, u.UserID)
	b = appendString(b, 2, u.Username)
	return appendString(b, 3, u.DisplayName)
}

func appendChannel(b []byte, c model.Channel) []byte {
	b = appendString(b, 1, c.ChannelID)
	b = appendString(b, 2, c.Name)
	return appendString(b, 3, c.Description)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func decodeUser(data []byte) (model.User, error) {
	var u model.User
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType {
			switch num {
			case 1:
				return consumeString(b, &u.UserID)
			case 2:
				return consumeString(b, &u.Username)
			case 3:
				return consumeString(b, &u.DisplayName)
			}
		}
		return skip(num, typ, b)
	})
	return u, err
}

func decodeChannel(data []byte) (model.Channel, error) {
	var c model.Channel
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType {
			switch num {
			case 1:
				return consumeString(b, &c.ChannelID)
			case 2:
				return consumeString(b, &c.Name)
			case 3:
				return consumeString(b, &c.Description)
			}
		}
		return skip(num, typ, b)
	})
	return c, err
}

// walk iterates the fields of a message. field consumes the value that
// follows a tag and returns the number of bytes it used, negative on a wire
// error.
func walk(data []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = s
	}
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

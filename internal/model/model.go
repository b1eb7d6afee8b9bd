// Package model defines the chat domain entities that travel through the
// pipeline: users, channels, chat messages and the update events that
// announce newly created users and channels.
package model

import "time"

// User is a chat participant. UserID is assigned at creation and never changes.
type User struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Channel is a named conversation that messages are posted to.
type Channel struct {
	ChannelID   string `json:"channelId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ChatMessage is an append-only message posted to a channel. The channel and
// sender travel in full so live subscribers can render them without a lookup.
type ChatMessage struct {
	MessageID       string  `json:"messageId"`
	Channel         Channel `json:"channel"`
	Sender          User    `json:"sender"`
	Body            string  `json:"body"`
	TimestampMillis int64   `json:"timeStamp"`
}

// ChannelID returns the id of the channel the message was posted to. It is the
// partitioning key on the bus and the storage partition key.
func (m ChatMessage) ChannelID() string {
	return m.Channel.ChannelID
}

// CreatedAt returns the message timestamp as a time.Time. The timestamp always
// comes from the payload so replays produce the same storage key.
func (m ChatMessage) CreatedAt() time.Time {
	return time.UnixMilli(m.TimestampMillis).UTC()
}

// UpdateType tags user and channel update events.
type UpdateType int32

const (
	UpdateNew UpdateType = iota
	// UpdateDelete is part of the wire format but nothing produces it.
	UpdateDelete
)

func (t UpdateType) String() string {
	switch t {
	case UpdateNew:
		return "NEW"
	case UpdateDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known update type.
func (t UpdateType) Valid() bool {
	return t == UpdateNew || t == UpdateDelete
}

// UserUpdate announces a change to the user population.
type UserUpdate struct {
	Type UpdateType
	User User
}

// ChannelUpdate announces a change to the channel population.
type ChannelUpdate struct {
	Type    UpdateType
	Channel Channel
}

package api

import (
	"errors"
	"net/http"

	"github.com/whisper/chat-pipeline/internal/chat"
	"github.com/whisper/chat-pipeline/internal/model"
)

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

type historyResponse struct {
	ChannelID string              `json:"channelId"`
	Messages  []model.ChatMessage `json:"messages"`
}

// postFailure maps a PostMessage error to an HTTP status, an error code and
// a client-facing message.
func postFailure(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, chat.ErrUserNotFound), errors.Is(err, chat.ErrChannelNotFound):
		return http.StatusBadRequest, "invalid_target", "Failed to send message. Invalid user or channel."
	case errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_message", err.Error()
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "Too many messages, slow down."
	default:
		return http.StatusInternalServerError, "internal", "Failed to send message."
	}
}

// handleSend posts the raw request body as a message from the user query
// parameter to the channel named in the path.
func (c *Controller) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := readText(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	m, err := c.svc.PostMessage(r.Context(), r.PathValue("channel"), r.URL.Query().Get("user"), body)
	if err != nil {
		status, _, msg := postFailure(err)
		if status == http.StatusInternalServerError {
			c.log.Error("send failed", "channel", r.PathValue("channel"), "error", err)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{Status: "OK", MessageID: m.MessageID, Timestamp: m.TimestampMillis})
}

// handleHistory returns the stored messages of a channel, newest first.
func (c *Controller) handleHistory(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	c.log.Debug("fetching history", "channel_id", channelID)

	messages, err := c.svc.History(r.Context(), channelID)
	switch {
	case errors.Is(err, chat.ErrChannelNotFound):
		writeError(w, http.StatusBadRequest, "Channel not found")
		return
	case err != nil:
		c.log.Error("history failed", "channel_id", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if messages == nil {
		messages = []model.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, historyResponse{ChannelID: channelID, Messages: messages})
}

package api

import (
	"errors"
	"net/http"

	"github.com/whisper/chat-pipeline/internal/chat"
	"github.com/whisper/chat-pipeline/internal/model"
)

type createChannelResponse struct {
	Message string `json:"message"`
	model.Channel
}

// handleCreateChannel creates a channel named by the name query parameter.
// The raw request body is the description.
func (c *Controller) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	description, err := readText(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	c.log.Info("creating channel", "name", name)

	ch, err := c.svc.CreateChannel(r.Context(), name, description)
	switch {
	case errors.Is(err, chat.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "name is required")
		return
	case err != nil:
		c.log.Error("create channel failed", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create channel")
		return
	}

	writeJSON(w, http.StatusCreated, createChannelResponse{Message: "Channel created successfully", Channel: ch})
}

func (c *Controller) handleChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := c.svc.Channel(r.PathValue("channelId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (c *Controller) handleChannelByName(w http.ResponseWriter, r *http.Request) {
	ch, err := c.svc.ChannelByName(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (c *Controller) handleAllChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.svc.Channels())
}

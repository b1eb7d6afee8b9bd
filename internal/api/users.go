package api

import (
	"errors"
	"net/http"

	"github.com/whisper/chat-pipeline/internal/chat"
	"github.com/whisper/chat-pipeline/internal/model"
)

type createUserResponse struct {
	Message string `json:"message"`
	model.User
}

// handleCreateUser creates a user from the username and displayName query
// parameters. An existing username returns the existing user.
func (c *Controller) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	username := q.Get("username")
	c.log.Info("creating user", "username", username)

	u, err := c.svc.CreateUser(r.Context(), username, q.Get("displayName"))
	switch {
	case errors.Is(err, chat.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "username is required")
		return
	case err != nil:
		c.log.Error("create user failed", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, createUserResponse{Message: "User created successfully", User: u})
}

func (c *Controller) handleUser(w http.ResponseWriter, r *http.Request) {
	u, err := c.svc.User(r.PathValue("userId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (c *Controller) handleUserByName(w http.ResponseWriter, r *http.Request) {
	u, err := c.svc.UserByName(r.PathValue("username"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (c *Controller) handleAllUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.svc.Users())
}

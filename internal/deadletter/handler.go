package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// defaultListLimit is how many entries a listing returns without ?limit.
const defaultListLimit = 100

// Reader is the read side of a dead-letter store.
type Reader interface {
	List(ctx context.Context, topic string, n int) ([]Entry, error)
	Len(ctx context.Context, topic string) (int64, error)
}

type listResponse struct {
	Topic   string  `json:"topic"`
	Total   int64   `json:"total"`
	Entries []Entry `json:"entries"`
}

// Handler serves GET /deadletter/{topic}?limit=N with the most recent entries
// of topic, newest first.
func Handler(r Reader, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		topic := req.PathValue("topic")
		limit := defaultListLimit
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		total, err := r.Len(req.Context(), topic)
		if err != nil {
			log.Error("dead-letter len failed", "topic", topic, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead-letter store unavailable"})
			return
		}
		entries, err := r.List(req.Context(), topic, limit)
		if err != nil {
			log.Error("dead-letter list failed", "topic", topic, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead-letter store unavailable"})
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		writeJSON(w, http.StatusOK, listResponse{Topic: topic, Total: total, Entries: entries})
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

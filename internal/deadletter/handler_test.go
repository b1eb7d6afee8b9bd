package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	entries []Entry
	err     error
	asked   int
}

func (f *fakeReader) List(_ context.Context, topic string, n int) ([]Entry, error) {
	f.asked = n
	var out []Entry
	for _, e := range f.entries {
		if e.Topic == topic && len(out) < n {
			out = append(out, e)
		}
	}
	return out, f.err
}

func (f *fakeReader) Len(_ context.Context, topic string) (int64, error) {
	var n int64
	for _, e := range f.entries {
		if e.Topic == topic {
			n++
		}
	}
	return n, f.err
}

func serve(t *testing.T, r Reader, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /deadletter/{topic}", Handler(r, slog.New(slog.DiscardHandler)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandlerListsTopicEntries(t *testing.T) {
	r := &fakeReader{entries: []Entry{
		{Topic: "chat-stream", Offset: 9, Cause: "codec: malformed"},
		{Topic: "chat-stream", Offset: 4, Cause: "codec: malformed"},
		{Topic: "user-updates", Offset: 1},
	}}

	rec := serve(t, r, "/deadletter/chat-stream?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, r.asked)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "chat-stream", resp.Topic)
	require.EqualValues(t, 2, resp.Total)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, uint64(9), resp.Entries[0].Offset)

	rec = serve(t, r, "/deadletter/channel-updates")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, defaultListLimit, r.asked)
	require.JSONEq(t, `{"topic":"channel-updates","total":0,"entries":[]}`, rec.Body.String())
}

func TestHandlerErrors(t *testing.T) {
	rec := serve(t, &fakeReader{}, "/deadletter/chat-stream?limit=zero")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, &fakeReader{err: errors.New("connection refused")}, "/deadletter/chat-stream")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

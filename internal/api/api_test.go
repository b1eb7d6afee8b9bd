package api_test

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-pipeline/internal/api"
	"github.com/whisper/chat-pipeline/internal/chat"
	"github.com/whisper/chat-pipeline/internal/messaging"
	"github.com/whisper/chat-pipeline/internal/messaging/bustest"
	"github.com/whisper/chat-pipeline/internal/model"
	"github.com/whisper/chat-pipeline/internal/protocol"
	"github.com/whisper/chat-pipeline/internal/publisher"
	"github.com/whisper/chat-pipeline/internal/storage/memstore"
	"github.com/whisper/chat-pipeline/internal/ws"
)

type testEnv struct {
	bus   *bustest.Bus
	store *memstore.Store
	svc   *chat.Service
	mux   *http.ServeMux
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	bus := bustest.New()
	store := memstore.New()
	svc := chat.NewService(store, publisher.New(bus, publisher.DefaultConfig(), log), nil, chat.DefaultConfig(), log)

	var mu sync.Mutex
	now := time.UnixMilli(1_700_000_000_000)
	svc.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	})

	mux := http.NewServeMux()
	api.NewController(svc, log).RegisterRoutes(mux)
	return &testEnv{bus: bus, store: store, svc: svc, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCreateAndLookupUser(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/v1/user/?username=alice&displayName=Alice", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "User created successfully", body["message"])
	require.Equal(t, "alice", body["username"])
	require.Equal(t, "Alice", body["displayName"])
	id := body["userId"].(string)
	require.NotEmpty(t, id)

	// Same username returns the same user.
	rec, body = env.do(t, http.MethodPost, "/api/v1/user/?username=alice&displayName=Other", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, id, body["userId"])

	rec, body = env.do(t, http.MethodGet, "/api/v1/user/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", body["username"])

	rec, body = env.do(t, http.MethodGet, "/api/v1/user/username/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, body["userId"])

	rec, body = env.do(t, http.MethodGet, "/api/v1/user/nobody", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "User not found", body["error"])

	rec, _ = env.do(t, http.MethodGet, "/api/v1/user/all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var users []model.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/user/?displayName=x", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateChannelTakesDescriptionFromBody(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/v1/channel/?name=general", "general chatter")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "general", body["name"])
	require.Equal(t, "general chatter", body["description"])
	id := body["channelId"].(string)

	rec, body = env.do(t, http.MethodGet, "/api/v1/channel/name/general", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, body["channelId"])

	rec, _ = env.do(t, http.MethodGet, "/api/v1/channel/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/channel/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/channel/all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var channels []model.Channel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &channels))
	require.Len(t, channels, 1)
	require.Len(t, env.bus.Records(messaging.TopicChannelUpdates), 1)
}

func TestSendAndHistory(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/api/v1/user/?username=alice&displayName=Alice", "")
	_, ch := env.do(t, http.MethodPost, "/api/v1/channel/?name=general", "")
	channelID := ch["channelId"].(string)

	rec, body := env.do(t, http.MethodPost, "/api/v1/message/general/send?user=alice", "hi")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", body["status"])
	require.NotEmpty(t, body["messageId"])
	require.NotZero(t, body["timestamp"])

	rec, body = env.do(t, http.MethodPost, "/api/v1/message/general/send?user=bob", "hi")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Failed to send message. Invalid user or channel.", body["error"])

	rec, _ = env.do(t, http.MethodPost, "/api/v1/message/general/send?user=alice", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// History is read from storage, which the persistence workers fill.
	records := env.bus.Records(messaging.TopicChat)
	require.Len(t, records, 1)
	rec, body = env.do(t, http.MethodGet, "/api/v1/message/"+channelID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, channelID, body["channelId"])
	require.Empty(t, body["messages"])

	rec, body = env.do(t, http.MethodGet, "/api/v1/message/missing/history", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Channel not found", body["error"])
}

func TestHistoryRendersStoredMessages(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/api/v1/user/?username=alice&displayName=Alice", "")
	env.do(t, http.MethodPost, "/api/v1/channel/?name=general", "")
	alice, err := env.svc.UserByName("alice")
	require.NoError(t, err)
	general, err := env.svc.ChannelByName("general")
	require.NoError(t, err)

	for i, text := range []string{"first", "second"} {
		require.NoError(t, env.store.StoreMessage(t.Context(), model.ChatMessage{
			MessageID:       text,
			Channel:         general,
			Sender:          alice,
			Body:            text,
			TimestampMillis: int64(1000 + i),
		}))
	}

	rec, _ := env.do(t, http.MethodGet, "/api/v1/message/"+general.ChannelID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ChannelID string              `json:"channelId"`
		Messages  []model.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "second", resp.Messages[0].Body)
	require.Equal(t, "first", resp.Messages[1].Body)
	require.Equal(t, alice, resp.Messages[0].Sender)
}

func TestSendHandlerReportsErrors(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/api/v1/user/?username=alice&displayName=Alice", "")
	env.do(t, http.MethodPost, "/api/v1/channel/?name=general", "")

	server, client := net.Pipe()
	defer client.Close()
	conn := ws.NewConnection("s1", server, time.Second)
	handle := api.NewSendHandler(env.svc, slog.New(slog.DiscardHandler))

	handle(conn, protocol.SendMsg{Channel: "general", User: "alice", Body: "hi"})
	require.Len(t, env.bus.Records(messaging.TopicChat), 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		handle(conn, protocol.SendMsg{Channel: "nowhere", User: "alice", Body: "hi"})
	}()

	data, _, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	<-done

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, protocol.TypeError, frame["type"])
	require.Equal(t, "invalid_target", frame["code"])
}

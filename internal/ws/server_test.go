package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-pipeline/internal/protocol"
)

// pipeClient is the client end of an in-memory connection registered with a
// server. Frames written by the server arrive on frames.
type pipeClient struct {
	conn   *Connection
	client net.Conn
	frames chan map[string]any
}

func newTestServer(presence Presence) *Server {
	return NewServer(DefaultServerConfig(), presence, nil, slog.New(slog.DiscardHandler))
}

func connect(t *testing.T, s *Server, id string) *pipeClient {
	t.Helper()
	server, client := net.Pipe()
	c := NewConnection(id, server, time.Second)
	s.conns.Add(c)

	pc := &pipeClient{conn: c, client: client, frames: make(chan map[string]any, 16)}
	go func() {
		for {
			data, _, err := wsutil.ReadServerData(client)
			if err != nil {
				close(pc.frames)
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				pc.frames <- m
			}
		}
	}()
	t.Cleanup(func() { client.Close() })
	return pc
}

func (pc *pipeClient) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-pc.frames:
		require.True(t, ok, "connection closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	s := newTestServer(nil)
	a := connect(t, s, "a")
	b := connect(t, s, "b")
	c := connect(t, s, "c")

	dest := protocol.ChannelDestination("c1")
	require.NoError(t, s.Subscribe(a.conn, dest))
	require.NoError(t, s.Subscribe(b.conn, dest))
	require.NoError(t, s.Subscribe(c.conn, protocol.DestinationUsers))

	n, err := s.Broadcast(dest, []byte(`{"type":"message","n":1}`))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.EqualValues(t, 1, a.next(t)["n"])
	require.EqualValues(t, 1, b.next(t)["n"])
	select {
	case m := <-c.frames:
		t.Fatalf("unsubscribed client got %v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcastReportsFailedWrites(t *testing.T) {
	s := newTestServer(nil)
	a := connect(t, s, "a")
	b := connect(t, s, "b")
	dest := protocol.DestinationChannels
	require.NoError(t, s.Subscribe(a.conn, dest))
	require.NoError(t, s.Subscribe(b.conn, dest))

	b.client.Close()

	n, err := s.Broadcast(dest, []byte(`{"type":"channel_update"}`))
	require.Error(t, err)
	require.Equal(t, 1, n)
	a.next(t)
}

func TestSubscribeRejectsUnknownDestination(t *testing.T) {
	s := newTestServer(nil)
	a := connect(t, s, "a")
	require.Error(t, s.Subscribe(a.conn, "/queue/secret"))
	require.Empty(t, s.Hub().Destinations("a"))
}

type fakePresence struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePresence) record(s string) error {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Create(_ context.Context, id string) error { return p.record("create " + id) }
func (p *fakePresence) Delete(_ context.Context, id string) error { return p.record("delete " + id) }
func (p *fakePresence) Touch(_ context.Context, id string) error  { return p.record("touch " + id) }
func (p *fakePresence) AddDestination(_ context.Context, id, d string) error {
	return p.record("add " + id + " " + d)
}
func (p *fakePresence) RemoveDestination(_ context.Context, id, d string) error {
	return p.record("remove " + id + " " + d)
}

func TestDispatcherSubscribeUnsubscribePing(t *testing.T) {
	presence := &fakePresence{}
	s := newTestServer(presence)
	d := NewMessageDispatcher(s, slog.New(slog.DiscardHandler))
	a := connect(t, s, "a")

	go d.Dispatch(a.conn, []byte(`{"type":"subscribe","destination":"/topic/users"}`))
	m := a.next(t)
	require.Equal(t, protocol.TypeSubscribed, m["type"])
	require.Equal(t, "/topic/users", m["destination"])
	require.Equal(t, []string{"a"}, s.Hub().Subscribers(protocol.DestinationUsers))

	d.Dispatch(a.conn, []byte(`{"type":"unsubscribe","destination":"/topic/users"}`))
	require.Empty(t, s.Hub().Subscribers(protocol.DestinationUsers))

	go d.Dispatch(a.conn, []byte(`{"type":"ping"}`))
	require.Equal(t, protocol.TypePong, a.next(t)["type"])

	go d.Dispatch(a.conn, []byte(`{"type":"subscribe","destination":"/nowhere"}`))
	m = a.next(t)
	require.Equal(t, protocol.TypeError, m["type"])
	require.Equal(t, "invalid_destination", m["code"])

	go d.Dispatch(a.conn, []byte(`not json`))
	require.Equal(t, "parse_error", a.next(t)["code"])

	presence.mu.Lock()
	defer presence.mu.Unlock()
	require.Equal(t, []string{"add a /topic/users", "remove a /topic/users"}, presence.calls)
}

func TestDispatcherRoutesRegisteredHandlers(t *testing.T) {
	s := newTestServer(nil)
	d := NewMessageDispatcher(s, slog.New(slog.DiscardHandler))
	a := connect(t, s, "a")

	got := make(chan protocol.SendMsg, 1)
	d.Register(protocol.TypeSend, func(_ *Connection, msg any) {
		got <- msg.(protocol.SendMsg)
	})

	d.Dispatch(a.conn, []byte(`{"type":"send","channel":"general","user":"alice","body":"hi"}`))
	m := <-got
	require.Equal(t, "general", m.Channel)
	require.Equal(t, "hi", m.Body)
}

func TestRemoveConnectionDropsSubscriptions(t *testing.T) {
	presence := &fakePresence{}
	s := newTestServer(presence)
	a := connect(t, s, "a")
	require.NoError(t, s.Subscribe(a.conn, protocol.DestinationUsers))

	var disconnected string
	s.SetOnDisconnect(func(id string) { disconnected = id })

	s.RemoveConnection(a.conn)
	s.RemoveConnection(a.conn)

	require.Equal(t, "a", disconnected)
	require.Zero(t, s.Connections().Count())
	require.Empty(t, s.Hub().Subscribers(protocol.DestinationUsers))
	presence.mu.Lock()
	defer presence.mu.Unlock()
	require.Equal(t, "delete a", presence.calls[len(presence.calls)-1])
}

func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	s := newTestServer(nil)
	a := connect(t, s, "a")
	a.conn.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())

	checkConnections(s, DefaultHeartbeatConfig(), time.Now())
	require.Zero(t, s.Connections().Count())
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func writeFrameHeader(t *testing.T, conn net.Conn, length int64) {
	t.Helper()
	require.NoError(t, ws.WriteHeader(conn, ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Masked: true,
		Mask:   ws.NewMask(),
		Length: length,
	}))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	var got [][]byte
	s := NewServer(DefaultServerConfig(), nil, func(_ *Connection, data []byte) {
		got = append(got, data)
	}, slog.New(slog.DiscardHandler))

	srv, client := tcpPair(t)
	s.conns.Add(NewConnection("big", srv, time.Second))

	writeFrameHeader(t, client, 1<<62)
	require.NotPanics(t, func() { s.handleConn(srv) })

	require.Nil(t, s.conns.Get("big"))
	require.Empty(t, got)
}

func TestFrameAtLimitIsDispatched(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxFrameBytes = 16
	var got []byte
	s := NewServer(cfg, nil, func(_ *Connection, data []byte) { got = data }, slog.New(slog.DiscardHandler))

	srv, client := tcpPair(t)
	s.conns.Add(NewConnection("ok", srv, time.Second))

	require.NoError(t, wsutil.WriteClientText(client, []byte(`{"type":"ping"}`)))
	s.handleConn(srv)
	require.Equal(t, `{"type":"ping"}`, string(got))
	require.NotNil(t, s.conns.Get("ok"))
}

func TestHandlerPanicDropsOnlyThatConnection(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, func(*Connection, []byte) {
		panic("handler bug")
	}, slog.New(slog.DiscardHandler))

	srv, client := tcpPair(t)
	s.conns.Add(NewConnection("p", srv, time.Second))
	require.NoError(t, wsutil.WriteClientText(client, []byte(`{"type":"ping"}`)))

	s.workerPool <- struct{}{}
	require.NotPanics(t, func() { s.serveReady(srv) })
	require.Nil(t, s.conns.Get("p"))
	require.Empty(t, s.workerPool, "worker slot released")
}

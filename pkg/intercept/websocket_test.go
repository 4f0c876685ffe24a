package intercept

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdproute/pkg/model"
	"cdproute/pkg/traffic"
)

type wsCalls struct {
	connects     int
	ensured      int
	toPage       []traffic.Frame
	toServer     []traffic.Frame
	pageCloses   []CloseCommand
	serverCloses []CloseCommand
}

type fakeWSChannel struct {
	mu       sync.Mutex
	calls    wsCalls
	patterns [][]RemotePattern
}

func (c *fakeWSChannel) record(fn func(*wsCalls)) error {
	c.mu.Lock()
	fn(&c.calls)
	c.mu.Unlock()
	return nil
}

func (c *fakeWSChannel) Connect(context.Context) error {
	return c.record(func(w *wsCalls) { w.connects++ })
}

func (c *fakeWSChannel) EnsureOpened(context.Context) error {
	return c.record(func(w *wsCalls) { w.ensured++ })
}

func (c *fakeWSChannel) SendToPage(_ context.Context, f traffic.Frame) error {
	return c.record(func(w *wsCalls) { w.toPage = append(w.toPage, f) })
}

func (c *fakeWSChannel) SendToServer(_ context.Context, f traffic.Frame) error {
	return c.record(func(w *wsCalls) { w.toServer = append(w.toServer, f) })
}

func (c *fakeWSChannel) ClosePage(_ context.Context, cmd CloseCommand) error {
	return c.record(func(w *wsCalls) { w.pageCloses = append(w.pageCloses, cmd) })
}

func (c *fakeWSChannel) CloseServer(_ context.Context, cmd CloseCommand) error {
	return c.record(func(w *wsCalls) { w.serverCloses = append(w.serverCloses, cmd) })
}

func (c *fakeWSChannel) SetWebSocketInterceptionPatterns(_ context.Context, patterns []RemotePattern) error {
	c.mu.Lock()
	c.patterns = append(c.patterns, patterns)
	c.mu.Unlock()
	return nil
}

func (c *fakeWSChannel) snapshot() wsCalls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsCalls{
		connects:     c.calls.connects,
		ensured:      c.calls.ensured,
		toPage:       append([]traffic.Frame(nil), c.calls.toPage...),
		toServer:     append([]traffic.Frame(nil), c.calls.toServer...),
		pageCloses:   append([]CloseCommand(nil), c.calls.pageCloses...),
		serverCloses: append([]CloseCommand(nil), c.calls.serverCloses...),
	}
}

func newTestWebSocket(ch *fakeWSChannel, rawURL string) *WebSocketRoute {
	return NewWebSocketRoute(WebSocketRouteInit{ID: "ws-1", URL: rawURL, Channel: ch})
}

func TestWebSocketDefaultForwarding(t *testing.T) {
	ctx := context.Background()
	ch := &fakeWSChannel{}
	r := NewWebSocketRouter(WebSocketRouterConfig{})
	ws := newTestWebSocket(ch, "wss://a.com/ws")

	require.NoError(t, r.Dispatch(ctx, ws))
	assert.True(t, ws.Connected())

	ws.HandleMessageFromPage(traffic.TextMessage("ping").Encode())
	ws.HandleMessageFromServer(traffic.TextMessage("pong").Encode())
	ws.HandleCloseServer(CloseCommand{Code: 1000, Reason: "bye", WasClean: true})

	require.Eventually(t, func() bool {
		s := ch.snapshot()
		return s.connects == 1 && len(s.toServer) == 1 && len(s.toPage) == 1 && len(s.pageCloses) == 1
	}, time.Second, time.Millisecond)
	s := ch.snapshot()
	assert.Equal(t, "ping", s.toServer[0].Message)
	assert.Equal(t, "pong", s.toPage[0].Message)
	assert.Equal(t, 1000, s.pageCloses[0].Code)
	assert.Zero(t, s.ensured)

	_, err := ws.ConnectToServer()
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestWebSocketMockEchoesBinary(t *testing.T) {
	ctx := context.Background()
	ch := &fakeWSChannel{}
	events := make(chan model.Event, 1)
	r := NewWebSocketRouter(WebSocketRouterConfig{Registrar: ch, Events: events, BaseURL: "https://a.com/"})

	_, err := r.Route(ctx, Glob("/ws"), func(_ context.Context, ws *WebSocketRoute) error {
		ws.OnMessage(func(msg traffic.Message) { ws.Send(msg) })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []RemotePattern{{Glob: "/ws"}}, ch.patterns[0])

	ws := newTestWebSocket(ch, "wss://a.com/ws")
	require.NoError(t, r.Dispatch(ctx, ws))
	assert.False(t, ws.Connected())
	assert.Equal(t, 1, ch.snapshot().ensured)

	evt := <-events
	assert.Equal(t, model.EventWebSocket, evt.Type)
	assert.Equal(t, "mock", evt.Action)

	ws.HandleMessageFromPage(traffic.BinaryMessage([]byte{0, 1, 2}).Encode())
	require.Eventually(t, func() bool { return len(ch.snapshot().toPage) == 1 }, time.Second, time.Millisecond)
	f := ch.snapshot().toPage[0]
	assert.True(t, f.IsBase64)
	msg, err := f.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, msg.Binary)
	assert.Empty(t, ch.snapshot().toServer)
}

func TestWebSocketClaimedServerLeg(t *testing.T) {
	ctx := context.Background()
	ch := &fakeWSChannel{}
	r := NewWebSocketRouter(WebSocketRouterConfig{})

	var mu sync.Mutex
	var fromServer []string
	_, err := r.Route(ctx, Glob("**/*"), func(_ context.Context, ws *WebSocketRoute) error {
		server, err := ws.ConnectToServer()
		if err != nil {
			return err
		}
		server.OnMessage(func(msg traffic.Message) {
			mu.Lock()
			fromServer = append(fromServer, msg.Text)
			mu.Unlock()
			ws.Send(traffic.TextMessage("patched:" + msg.Text))
		})
		return nil
	})
	require.NoError(t, err)

	ws := newTestWebSocket(ch, "ws://a.com/feed")
	require.NoError(t, r.Dispatch(ctx, ws))
	assert.True(t, ws.Connected())

	ws.HandleMessageFromPage(traffic.TextMessage("sub").Encode())
	ws.HandleMessageFromServer(traffic.TextMessage("tick").Encode())
	require.Eventually(t, func() bool {
		s := ch.snapshot()
		return len(s.toServer) == 1 && len(s.toPage) == 1
	}, time.Second, time.Millisecond)

	s := ch.snapshot()
	assert.Equal(t, "sub", s.toServer[0].Message)
	assert.Equal(t, "patched:tick", s.toPage[0].Message)
	assert.Zero(t, s.ensured)
	mu.Lock()
	assert.Equal(t, []string{"tick"}, fromServer)
	mu.Unlock()
}

func TestWebSocketCloseHandlers(t *testing.T) {
	ctx := context.Background()
	ch := &fakeWSChannel{}
	ws := newTestWebSocket(ch, "ws://a.com/x")

	var code int
	ws.OnClose(func(c int, _ string) { code = c })
	ws.HandleClosePage(CloseCommand{Code: 4000})
	assert.Equal(t, 4000, code)

	ws.Close(ctx, 1001, "going away")
	s := ch.snapshot()
	require.Len(t, s.pageCloses, 1)
	assert.Equal(t, CloseCommand{Code: 1001, Reason: "going away", WasClean: true}, s.pageCloses[0])
	assert.Empty(t, s.serverCloses)
}

func TestWebSocketUnconnectedDropsPageMessages(t *testing.T) {
	ch := &fakeWSChannel{}
	ws := newTestWebSocket(ch, "ws://a.com/x")
	ws.HandleMessageFromPage(traffic.TextMessage("lost").Encode())
	ws.Close(context.Background(), 1000, "")
	assert.Empty(t, ch.snapshot().toServer)
}

func TestWebSocketRouterUnroute(t *testing.T) {
	ctx := context.Background()
	ch := &fakeWSChannel{}
	r := NewWebSocketRouter(WebSocketRouterConfig{Registrar: ch})
	_, err := r.Route(ctx, Glob("**/ws"), func(context.Context, *WebSocketRoute) error { return nil })
	require.NoError(t, err)
	require.NoError(t, r.Unroute(ctx, Glob("**/ws")))
	assert.Nil(t, r.Patterns())

	ws := newTestWebSocket(ch, "ws://a.com/ws")
	require.NoError(t, r.Dispatch(ctx, ws))
	assert.True(t, ws.Connected())
}

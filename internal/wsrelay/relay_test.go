package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdproute/pkg/intercept"
	"cdproute/pkg/traffic"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			typ, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(typ, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialRelay(t *testing.T, relay *httptest.Server, target string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(relay.URL)+"/?url="+url.QueryEscape(target), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func TestRelayForwardsByDefault(t *testing.T) {
	echo := newEchoServer(t)
	router := intercept.NewWebSocketRouter(intercept.WebSocketRouterConfig{})
	relay := New(Config{Router: router})
	front := httptest.NewServer(relay)
	defer front.Close()

	c := dialRelay(t, front, wsURL(echo.URL)+"/chat")
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("hi")))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "echo:hi", string(data))
}

func TestRelayMockBinaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	router := intercept.NewWebSocketRouter(intercept.WebSocketRouterConfig{})
	_, err := router.Route(ctx, intercept.Glob("**/mock"), func(_ context.Context, ws *intercept.WebSocketRoute) error {
		ws.OnMessage(func(msg traffic.Message) {
			if msg.IsBinary {
				ws.Send(traffic.BinaryMessage(append(msg.Binary, 3)))
				return
			}
			ws.Send(traffic.TextMessage("mock:" + msg.Text))
		})
		return nil
	})
	require.NoError(t, err)

	relay := New(Config{Router: router})
	front := httptest.NewServer(relay)
	defer front.Close()

	c := dialRelay(t, front, "ws://upstream.invalid/mock")
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{0, 1, 2, 3}, data)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "mock:ping", string(data))
}

func TestRelayRouteClosesPage(t *testing.T) {
	ctx := context.Background()
	router := intercept.NewWebSocketRouter(intercept.WebSocketRouterConfig{})
	_, err := router.Route(ctx, intercept.Glob("**/*"), func(ctx context.Context, ws *intercept.WebSocketRoute) error {
		ws.OnMessage(func(traffic.Message) {
			ws.Close(context.Background(), 4001, "bye")
		})
		return nil
	})
	require.NoError(t, err)

	front := httptest.NewServer(New(Config{Router: router}))
	defer front.Close()

	c := dialRelay(t, front, "wss://a.example/socket")
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("x")))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4001, ce.Code)
	assert.Equal(t, "bye", ce.Text)
}

func TestRelayRejectsBadTarget(t *testing.T) {
	front := httptest.NewServer(New(Config{}))
	defer front.Close()

	resp, err := http.Get(front.URL + "/?url=" + url.QueryEscape("http://a.com"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayStartAndPatterns(t *testing.T) {
	relay := New(Config{Listen: "127.0.0.1:0"})
	require.NoError(t, relay.Start())
	defer relay.Close(context.Background())

	assert.NotEmpty(t, relay.Addr())
	assert.True(t, strings.HasPrefix(relay.RelayURL("ws://a.com/x"), "ws://"+relay.Addr()+"/?url=ws%3A%2F%2Fa.com%2Fx"))
	assert.Contains(t, relay.InjectionScript(), relay.Addr())

	require.NoError(t, relay.SetWebSocketInterceptionPatterns(context.Background(), []intercept.RemotePattern{{Glob: "**/ws"}}))
	assert.Len(t, relay.Patterns(), 1)
}

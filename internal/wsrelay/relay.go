package wsrelay

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"cdproute/internal/logger"
	"cdproute/pkg/intercept"
)

// 转发到服务端的握手头部
var forwardHeaders = []string{"Origin", "Cookie", "User-Agent", "Authorization"}

// Config 中继配置
type Config struct {
	Listen string
	Router *intercept.WebSocketRouter
	Logger logger.Logger
}

// Relay 本地 WebSocket 中继：页面连接 /?url=<目标地址>，由路由决定模拟或转发
type Relay struct {
	router   *intercept.WebSocketRouter
	log      logger.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	listen   string

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	patterns []intercept.RemotePattern
}

// New 创建中继
func New(cfg Config) *Relay {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Relay{
		router: cfg.Router,
		log:    l,
		listen: cfg.Listen,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SetRouter 设置分发器
func (r *Relay) SetRouter(router *intercept.WebSocketRouter) {
	r.mu.Lock()
	r.router = router
	r.mu.Unlock()
}

// SetWebSocketInterceptionPatterns 记录当前模式；中继接收全部连接，未命中的连接直接转发
func (r *Relay) SetWebSocketInterceptionPatterns(_ context.Context, patterns []intercept.RemotePattern) error {
	r.mu.Lock()
	r.patterns = patterns
	r.mu.Unlock()
	r.log.Debug("WebSocket 拦截模式已更新", "count", len(patterns))
	return nil
}

// Patterns 当前拦截模式
func (r *Relay) Patterns() []intercept.RemotePattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.patterns
}

// Start 开始监听
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.listen)
	if err != nil {
		return errors.Wrapf(err, "监听失败: %s", r.listen)
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	r.mu.Lock()
	r.srv = srv
	r.addr = ln.Addr().String()
	r.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Err(err, "WebSocket 中继退出")
		}
	}()
	r.log.Info("WebSocket 中继已启动", "addr", ln.Addr().String())
	return nil
}

// Addr 实际监听地址
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Close 关闭监听，已建立的连接不受影响
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	srv := r.srv
	r.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP 升级页面连接并交给路由分发
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	target := req.URL.Query().Get("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	protos := websocket.Subprotocols(req)
	var respHeader http.Header
	if len(protos) > 0 {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {protos[0]}}
	}
	pageConn, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		r.log.Warn("WebSocket 升级失败", "url", target, "error", err)
		return
	}

	header := http.Header{}
	for _, name := range forwardHeaders {
		if v := req.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	if len(protos) > 0 {
		header.Set("Sec-WebSocket-Protocol", protos[0])
	}

	c := &conn{
		url:    target,
		header: header,
		dialer: r.dialer,
		page:   &leg{conn: pageConn},
	}
	c.route = intercept.NewWebSocketRoute(intercept.WebSocketRouteInit{
		ID:      uuid.NewString(),
		URL:     target,
		Channel: c,
		Logger:  r.log,
	})

	r.mu.Lock()
	router := r.router
	r.mu.Unlock()
	if router == nil {
		if _, err := c.route.ConnectToServer(); err != nil {
			r.log.Debug("WebSocket 默认连接失败", "url", target, "error", err)
		}
		return
	}
	if err := router.Dispatch(req.Context(), c.route); err != nil {
		r.log.Err(err, "WebSocket 路由处理失败", "url", target)
		c.route.Close(context.Background(), websocket.CloseInternalServerErr, "route handler failed")
		return
	}
	c.startPage()
}

// RelayURL 目标地址对应的中继地址
func (r *Relay) RelayURL(target string) string {
	return "ws://" + r.Addr() + "/?url=" + url.QueryEscape(target)
}

// InjectionScript 页面脚本：把 WebSocket 构造函数指向中继
func (r *Relay) InjectionScript() string {
	return `(() => {
  const Native = window.WebSocket;
  if (!Native || Native.__cdproute) return;
  const relay = "ws://` + r.Addr() + `/?url=";
  function Relayed(url, protocols) {
    const target = new URL(url, location.href).href;
    return protocols === undefined
      ? new Native(relay + encodeURIComponent(target))
      : new Native(relay + encodeURIComponent(target), protocols);
  }
  Relayed.prototype = Native.prototype;
  for (const k of ["CONNECTING", "OPEN", "CLOSING", "CLOSED"]) Relayed[k] = Native[k];
  Relayed.__cdproute = true;
  window.WebSocket = Relayed;
})();`
}

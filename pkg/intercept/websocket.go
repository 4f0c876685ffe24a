package intercept

import (
	"context"
	"sync"

	"cdproute/internal/logger"
	"cdproute/pkg/traffic"
)

// MessageHandler 收到消息的回调
type MessageHandler func(msg traffic.Message)

// CloseHandler 一侧关闭的回调
type CloseHandler func(code int, reason string)

// WebSocketRouteInit 创建 WebSocket 路由所需的信息
type WebSocketRouteInit struct {
	ID      string
	URL     string
	Channel WebSocketChannel
	Logger  logger.Logger
}

// WebSocketRoute 页面侧与服务端侧之间的双向中继
type WebSocketRoute struct {
	id      string
	url     string
	channel WebSocketChannel
	log     logger.Logger
	queue   taskQueue
	server  *WebSocketServer

	mu              sync.Mutex
	connected       bool
	onPageMessage   MessageHandler
	onPageClose     CloseHandler
	onServerMessage MessageHandler
	onServerClose   CloseHandler
}

// WebSocketServer 服务端侧控制对象
type WebSocketServer struct {
	route *WebSocketRoute
}

// NewWebSocketRoute 创建 WebSocket 路由
func NewWebSocketRoute(init WebSocketRouteInit) *WebSocketRoute {
	l := init.Logger
	if l == nil {
		l = logger.NewNop()
	}
	w := &WebSocketRoute{id: init.ID, url: init.URL, channel: init.Channel, log: l}
	w.server = &WebSocketServer{route: w}
	return w
}

// ID 连接标识
func (w *WebSocketRoute) ID() string { return w.id }

// URL 页面请求连接的地址
func (w *WebSocketRoute) URL() string { return w.url }

// Connected 是否已连接到真实服务端
func (w *WebSocketRoute) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// OnMessage 接管页面侧消息
func (w *WebSocketRoute) OnMessage(fn MessageHandler) {
	w.mu.Lock()
	w.onPageMessage = fn
	w.mu.Unlock()
}

// OnClose 接管页面侧关闭
func (w *WebSocketRoute) OnClose(fn CloseHandler) {
	w.mu.Lock()
	w.onPageClose = fn
	w.mu.Unlock()
}

// Send 向页面发送消息
func (w *WebSocketRoute) Send(msg traffic.Message) {
	f := msg.Encode()
	w.spawn("sendToPage", func(ctx context.Context) error { return w.channel.SendToPage(ctx, f) })
}

// Close 关闭页面侧连接，错误被忽略
func (w *WebSocketRoute) Close(ctx context.Context, code int, reason string) {
	cmd := CloseCommand{Code: code, Reason: reason, WasClean: true}
	w.await(ctx, "closePage", func(ctx context.Context) error { return w.channel.ClosePage(ctx, cmd) })
}

// ConnectToServer 建立到真实服务端的连接，只能调用一次
func (w *WebSocketRoute) ConnectToServer() (*WebSocketServer, error) {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	w.connected = true
	w.mu.Unlock()
	w.spawn("connect", w.channel.Connect)
	return w.server, nil
}

// HandleMessageFromPage 页面发来消息
func (w *WebSocketRoute) HandleMessageFromPage(f traffic.Frame) {
	w.mu.Lock()
	fn, connected := w.onPageMessage, w.connected
	w.mu.Unlock()
	if fn != nil {
		if msg, ok := w.decode(f); ok {
			fn(msg)
		}
		return
	}
	if connected {
		w.spawn("sendToServer", func(ctx context.Context) error { return w.channel.SendToServer(ctx, f) })
	}
}

// HandleMessageFromServer 服务端发来消息
func (w *WebSocketRoute) HandleMessageFromServer(f traffic.Frame) {
	w.mu.Lock()
	fn := w.onServerMessage
	w.mu.Unlock()
	if fn != nil {
		if msg, ok := w.decode(f); ok {
			fn(msg)
		}
		return
	}
	w.spawn("sendToPage", func(ctx context.Context) error { return w.channel.SendToPage(ctx, f) })
}

// HandleClosePage 页面侧关闭
func (w *WebSocketRoute) HandleClosePage(cmd CloseCommand) {
	w.mu.Lock()
	fn := w.onPageClose
	w.mu.Unlock()
	if fn != nil {
		fn(cmd.Code, cmd.Reason)
		return
	}
	w.spawn("closeServer", func(ctx context.Context) error { return w.channel.CloseServer(ctx, cmd) })
}

// HandleCloseServer 服务端侧关闭
func (w *WebSocketRoute) HandleCloseServer(cmd CloseCommand) {
	w.mu.Lock()
	fn := w.onServerClose
	w.mu.Unlock()
	if fn != nil {
		fn(cmd.Code, cmd.Reason)
		return
	}
	w.spawn("closePage", func(ctx context.Context) error { return w.channel.ClosePage(ctx, cmd) })
}

// afterHandle 未连接服务端时向页面确认连接已打开
func (w *WebSocketRoute) afterHandle(ctx context.Context) {
	if w.Connected() {
		return
	}
	w.await(ctx, "ensureOpened", w.channel.EnsureOpened)
}

func (w *WebSocketRoute) decode(f traffic.Frame) (traffic.Message, bool) {
	msg, err := f.Decode()
	if err != nil {
		w.log.Warn("丢弃无法解码的帧", "url", w.url, "error", err)
		return msg, false
	}
	return msg, true
}

// spawn 提交尽力而为的命令，错误仅记录
func (w *WebSocketRoute) spawn(name string, fn func(ctx context.Context) error) {
	w.queue.submit(func() {
		if err := fn(context.Background()); err != nil {
			w.log.Debug("WebSocket 命令失败", "command", name, "url", w.url, "error", err)
		}
	})
}

// await 按顺序执行命令并等待完成，错误仅记录
func (w *WebSocketRoute) await(ctx context.Context, name string, fn func(ctx context.Context) error) {
	done := make(chan struct{})
	w.queue.submit(func() {
		defer close(done)
		if err := fn(ctx); err != nil {
			w.log.Debug("WebSocket 命令失败", "command", name, "url", w.url, "error", err)
		}
	})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// URL 服务端地址
func (s *WebSocketServer) URL() string { return s.route.url }

// OnMessage 接管服务端侧消息
func (s *WebSocketServer) OnMessage(fn MessageHandler) {
	s.route.mu.Lock()
	s.route.onServerMessage = fn
	s.route.mu.Unlock()
}

// OnClose 接管服务端侧关闭
func (s *WebSocketServer) OnClose(fn CloseHandler) {
	s.route.mu.Lock()
	s.route.onServerClose = fn
	s.route.mu.Unlock()
}

// Send 向服务端发送消息
func (s *WebSocketServer) Send(msg traffic.Message) {
	f := msg.Encode()
	s.route.spawn("sendToServer", func(ctx context.Context) error { return s.route.channel.SendToServer(ctx, f) })
}

// Close 关闭服务端侧连接，错误被忽略
func (s *WebSocketServer) Close(ctx context.Context, code int, reason string) {
	cmd := CloseCommand{Code: code, Reason: reason, WasClean: true}
	s.route.await(ctx, "closeServer", func(ctx context.Context) error { return s.route.channel.CloseServer(ctx, cmd) })
}

package intercept

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cdproute/internal/logger"
	"cdproute/pkg/model"
)

// WebSocketHandlerFunc WebSocket 路由回调，用于安装回调或连接服务端
type WebSocketHandlerFunc func(ctx context.Context, ws *WebSocketRoute) error

// WebSocketRouteHandler 模式 + 回调
type WebSocketRouteHandler struct {
	baseURL string
	pattern Pattern
	fn      WebSocketHandlerFunc
}

// NewWebSocketRouteHandler 创建处理器
func NewWebSocketRouteHandler(baseURL string, pattern Pattern, fn WebSocketHandlerFunc) *WebSocketRouteHandler {
	return &WebSocketRouteHandler{baseURL: baseURL, pattern: pattern, fn: fn}
}

// Pattern 处理器模式
func (h *WebSocketRouteHandler) Pattern() Pattern { return h.pattern }

// Matches 判断 WebSocket URL 是否命中，http(s) 模式按 ws(s) 解析
func (h *WebSocketRouteHandler) Matches(wsURL string) bool {
	return h.pattern.Matches(h.baseURL, wsURL, true)
}

// Handle 执行回调，之后若未连接服务端则向页面确认打开
func (h *WebSocketRouteHandler) Handle(ctx context.Context, ws *WebSocketRoute) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("WebSocket 路由回调 panic: %v", p)
		}
	}()
	if err := h.fn(ctx, ws); err != nil {
		return err
	}
	ws.afterHandle(ctx)
	return nil
}

// WebSocketRouterConfig WebSocket 分发器配置
type WebSocketRouterConfig struct {
	Parent    *WebSocketRouter
	Registrar WebSocketPatternRegistrar
	Events    chan<- model.Event
	BaseURL   string
	Session   model.SessionID
	Target    model.TargetID
	Logger    logger.Logger
}

// WebSocketRouter 把新建的 WebSocket 交给最近注册的匹配处理器
type WebSocketRouter struct {
	parent    *WebSocketRouter
	registrar WebSocketPatternRegistrar
	events    chan<- model.Event
	baseURL   string
	session   model.SessionID
	target    model.TargetID
	log       logger.Logger

	mu       sync.Mutex
	handlers []*WebSocketRouteHandler
}

// NewWebSocketRouter 创建分发器
func NewWebSocketRouter(cfg WebSocketRouterConfig) *WebSocketRouter {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &WebSocketRouter{
		parent:    cfg.Parent,
		registrar: cfg.Registrar,
		events:    cfg.Events,
		baseURL:   cfg.BaseURL,
		session:   cfg.Session,
		target:    cfg.Target,
		log:       l,
	}
}

// Route 注册处理器
func (r *WebSocketRouter) Route(ctx context.Context, pattern Pattern, fn WebSocketHandlerFunc) (*WebSocketRouteHandler, error) {
	h := NewWebSocketRouteHandler(r.baseURL, pattern, fn)
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
	return h, r.updatePatterns(ctx)
}

// Unroute 移除与模式相同的处理器
func (r *WebSocketRouter) Unroute(ctx context.Context, pattern Pattern) error {
	r.mu.Lock()
	kept := r.handlers[:0:0]
	for _, h := range r.handlers {
		if !h.pattern.Equal(pattern) {
			kept = append(kept, h)
		}
	}
	r.handlers = kept
	r.mu.Unlock()
	return r.updatePatterns(ctx)
}

// Patterns 当前应下发的拦截模式
func (r *WebSocketRouter) Patterns() []RemotePattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handlers) == 0 {
		return nil
	}
	patterns := make([]Pattern, 0, len(r.handlers))
	for _, h := range r.handlers {
		patterns = append(patterns, h.pattern)
	}
	return InterceptionPatterns(patterns)
}

func (r *WebSocketRouter) updatePatterns(ctx context.Context) error {
	if r.registrar == nil {
		return nil
	}
	return r.registrar.SetWebSocketInterceptionPatterns(ctx, r.Patterns())
}

func (r *WebSocketRouter) find(wsURL string) *WebSocketRouteHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.handlers) - 1; i >= 0; i-- {
		if r.handlers[i].Matches(wsURL) {
			return r.handlers[i]
		}
	}
	return nil
}

// Dispatch 分发新建的 WebSocket；无处理器时直接连接服务端
func (r *WebSocketRouter) Dispatch(ctx context.Context, ws *WebSocketRoute) error {
	err := r.dispatch(ctx, ws)
	if r.events != nil {
		evt := model.Event{
			Type:      model.EventWebSocket,
			Session:   r.session,
			Target:    r.target,
			URL:       ws.URL(),
			Action:    "connect",
			Error:     err,
			Timestamp: time.Now().UnixMilli(),
		}
		if !ws.Connected() {
			evt.Action = "mock"
		}
		select {
		case r.events <- evt:
		default:
		}
	}
	return err
}

func (r *WebSocketRouter) dispatch(ctx context.Context, ws *WebSocketRoute) error {
	if h := r.find(ws.URL()); h != nil {
		r.log.Debug("WebSocket 命中处理器", "url", ws.URL(), "pattern", h.pattern.String())
		return h.Handle(ctx, ws)
	}
	if r.parent != nil {
		return r.parent.dispatch(ctx, ws)
	}
	if _, err := ws.ConnectToServer(); err != nil {
		r.log.Debug("WebSocket 默认连接失败", "url", ws.URL(), "error", err)
	}
	return nil
}

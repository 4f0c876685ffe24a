package intercept

import (
	"context"
	"sync"
	"time"

	"cdproute/internal/logger"
	"cdproute/pkg/model"
)

// RouterConfig 路由分发器配置
type RouterConfig struct {
	// Parent 所有处理器 fallback 后继续交给的上级（页面 -> 上下文）
	Parent    *Router
	Registrar PatternRegistrar
	Events    chan<- model.Event
	BaseURL   string
	Session   model.SessionID
	Target    model.TargetID
	Logger    logger.Logger
}

// Router 按注册逆序把拦截到的请求分发给处理器
type Router struct {
	parent    *Router
	registrar PatternRegistrar
	events    chan<- model.Event
	baseURL   string
	session   model.SessionID
	target    model.TargetID
	log       logger.Logger

	mu       sync.Mutex
	handlers []*RouteHandler
	closed   bool
}

// NewRouter 创建分发器
func NewRouter(cfg RouterConfig) *Router {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Router{
		parent:    cfg.Parent,
		registrar: cfg.Registrar,
		events:    cfg.Events,
		baseURL:   cfg.BaseURL,
		session:   cfg.Session,
		target:    cfg.Target,
		log:       l,
	}
}

// Route 注册处理器，后注册者优先
func (r *Router) Route(ctx context.Context, pattern Pattern, fn HandlerFunc, times int) (*RouteHandler, error) {
	h := NewRouteHandler(r.baseURL, pattern, fn, times)
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
	r.log.Debug("注册路由处理器", "pattern", pattern.String(), "times", times)
	return h, r.updatePatterns(ctx)
}

// Unroute 移除与模式相同的处理器
func (r *Router) Unroute(ctx context.Context, pattern Pattern, mode StopMode) error {
	return r.removeWhere(ctx, mode, func(h *RouteHandler) bool { return h.pattern.Equal(pattern) })
}

// RemoveHandler 移除指定处理器
func (r *Router) RemoveHandler(ctx context.Context, target *RouteHandler, mode StopMode) error {
	return r.removeWhere(ctx, mode, func(h *RouteHandler) bool { return h == target })
}

// UnrouteAll 移除全部处理器
func (r *Router) UnrouteAll(ctx context.Context, mode StopMode) error {
	return r.removeWhere(ctx, mode, func(*RouteHandler) bool { return true })
}

func (r *Router) removeWhere(ctx context.Context, mode StopMode, pred func(*RouteHandler) bool) error {
	r.mu.Lock()
	var removed, remaining []*RouteHandler
	for _, h := range r.handlers {
		if pred(h) {
			removed = append(removed, h)
		} else {
			remaining = append(remaining, h)
		}
	}
	r.handlers = remaining
	r.mu.Unlock()

	if err := r.updatePatterns(ctx); err != nil {
		return err
	}
	if mode == StopDefault {
		return nil
	}
	for _, h := range removed {
		if err := h.Stop(ctx, mode); err != nil {
			return err
		}
	}
	return nil
}

// Handlers 当前处理器，按注册顺序
func (r *Router) Handlers() []*RouteHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RouteHandler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Patterns 当前应下发的拦截模式，无处理器时为 nil
func (r *Router) Patterns() []RemotePattern {
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

func (r *Router) updatePatterns(ctx context.Context) error {
	if r.registrar == nil {
		return nil
	}
	return r.registrar.SetInterceptionPatterns(ctx, r.Patterns())
}

// claim 在同一临界区内确认处理器仍已注册并占用额度，最后一次调用时将其移除
func (r *Router) claim(h *RouteHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, cur := range r.handlers {
		if cur == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	ok, expire := h.reserve()
	if expire {
		r.handlers = append(r.handlers[:idx:idx], r.handlers[idx+1:]...)
	}
	return ok
}

func (r *Router) matching(rawURL string) []*RouteHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RouteHandler
	for i := len(r.handlers) - 1; i >= 0; i-- {
		if r.handlers[i].Matches(rawURL) {
			out = append(out, r.handlers[i])
		}
	}
	return out
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers) == 0
}

// Close 关闭后不再分发
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Dispatch 分发一次拦截；无处理器解决时按覆盖层放行到网络
func (r *Router) Dispatch(ctx context.Context, route *Route) (Outcome, error) {
	start := time.Now()
	outcome, err := r.dispatch(ctx, route)
	if outcome == OutcomeFallback && err == nil {
		outcome, err = route.continueToNetwork(ctx)
		if err != nil {
			r.log.Err(err, "放行到网络失败", "url", route.Request().URL())
		}
	}
	r.sendEvent(route, outcome, err)
	r.log.Debug("路由处理完成", "url", route.Request().URL(), "action", string(route.Action()),
		"outcome", outcome.String(), "duration", time.Since(start))
	return outcome, err
}

func (r *Router) dispatch(ctx context.Context, route *Route) (Outcome, error) {
	if r.isClosed() {
		return OutcomeReleased, nil
	}
	for _, h := range r.matching(route.Request().URL()) {
		if r.isClosed() {
			return OutcomeReleased, nil
		}
		if !r.claim(h) {
			continue
		}
		outcome, err := h.run(ctx, route)
		if r.isEmpty() {
			if perr := r.updatePatterns(ctx); perr != nil {
				r.log.Err(perr, "更新拦截模式失败")
			}
		}
		if err != nil {
			return outcome, err
		}
		if outcome != OutcomeFallback {
			return outcome, nil
		}
	}
	if r.parent != nil {
		return r.parent.dispatch(ctx, route)
	}
	return OutcomeFallback, nil
}

// sendEvent 非阻塞发送事件
func (r *Router) sendEvent(route *Route, outcome Outcome, err error) {
	if r.events == nil {
		return
	}
	req := route.Request()
	evt := model.Event{
		Type:      model.EventRouted,
		Session:   r.session,
		Target:    r.target,
		URL:       req.URL(),
		Method:    req.Method(),
		Headers:   req.Headers().Entries(),
		Action:    string(route.Action()),
		Outcome:   outcome.String(),
		Status:    route.Status(),
		Error:     err,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case r.events <- evt:
	default:
	}
}

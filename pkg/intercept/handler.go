package intercept

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// HandlerFunc 路由回调；必须对 route 调用且仅调用一次解决操作
type HandlerFunc func(ctx context.Context, route *Route, req *Request) error

// StopMode 移除处理器时对执行中回调的处理方式
type StopMode int

const (
	// StopDefault 不等待
	StopDefault StopMode = iota
	// StopWait 等待未出错的执行中回调完成
	StopWait
	// StopIgnoreErrors 立即返回，之后回调中的错误被吞掉
	StopIgnoreErrors
)

type invocation struct {
	done  chan struct{}
	route *Route
}

// RouteHandler 模式 + 回调 + 生命周期
type RouteHandler struct {
	baseURL string
	pattern Pattern
	fn      HandlerFunc
	times   int

	mu           sync.Mutex
	handledCount int
	active       map[*invocation]struct{}
	ignoreErrors bool
}

// NewRouteHandler 创建处理器，times 为 0 表示不限次数
func NewRouteHandler(baseURL string, pattern Pattern, fn HandlerFunc, times int) *RouteHandler {
	return &RouteHandler{
		baseURL: baseURL,
		pattern: pattern,
		fn:      fn,
		times:   times,
		active:  make(map[*invocation]struct{}),
	}
}

// Pattern 处理器模式
func (h *RouteHandler) Pattern() Pattern { return h.pattern }

// Matches 判断 URL 是否命中
func (h *RouteHandler) Matches(rawURL string) bool {
	return h.pattern.Matches(h.baseURL, rawURL, false)
}

// HandledCount 已开始的调用次数
func (h *RouteHandler) HandledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handledCount
}

// WillExpire 下一次调用是否为最后一次
func (h *RouteHandler) WillExpire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.times > 0 && h.handledCount+1 >= h.times
}

// reserve 占用一次调用额度；额度已用尽返回 ok=false，expire 表示本次为最后一次
func (h *RouteHandler) reserve() (ok, expire bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.times > 0 && h.handledCount >= h.times {
		return false, false
	}
	h.handledCount++
	return true, h.times > 0 && h.handledCount >= h.times
}

// ActiveCount 执行中的调用数量
func (h *RouteHandler) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Handle 占用额度后执行回调并等待本轮结果；额度用尽时直接 fallback
func (h *RouteHandler) Handle(ctx context.Context, route *Route) (Outcome, error) {
	if ok, _ := h.reserve(); !ok {
		return OutcomeFallback, nil
	}
	return h.run(ctx, route)
}

// run 执行已占用额度的一次调用
func (h *RouteHandler) run(ctx context.Context, route *Route) (Outcome, error) {
	inv := &invocation{done: make(chan struct{}), route: route}
	h.mu.Lock()
	h.active[inv] = struct{}{}
	h.mu.Unlock()
	defer func() {
		close(inv.done)
		h.mu.Lock()
		delete(h.active, inv)
		h.mu.Unlock()
	}()

	outcome, err := h.handle(ctx, route)
	if err == nil {
		return outcome, nil
	}
	route.markThrew()
	h.mu.Lock()
	ignore := h.ignoreErrors
	h.mu.Unlock()
	if ignore {
		if route.Action() != ActionNone {
			return OutcomeHandled, nil
		}
		route.abandon()
		return OutcomeFallback, nil
	}
	if IsTargetClosed(err) {
		err = rewriteTargetClosed(err)
	}
	return outcome, err
}

func (h *RouteHandler) handle(ctx context.Context, route *Route) (Outcome, error) {
	handled, err := route.StartHandling()
	if err != nil {
		return OutcomeFallback, err
	}
	if err := h.invoke(ctx, route); err != nil {
		return OutcomeFallback, err
	}
	select {
	case o := <-handled:
		return o, nil
	case <-route.Request().TargetClosedScope().Done():
		return OutcomeReleased, nil
	case <-ctx.Done():
		return OutcomeFallback, ctx.Err()
	}
}

func (h *RouteHandler) invoke(ctx context.Context, route *Route) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("路由回调 panic: %v", p)
		}
	}()
	return h.fn(ctx, route, route.Request())
}

// Stop 停止处理器
func (h *RouteHandler) Stop(ctx context.Context, mode StopMode) error {
	switch mode {
	case StopIgnoreErrors:
		h.mu.Lock()
		h.ignoreErrors = true
		h.mu.Unlock()
		return nil
	case StopWait:
		h.mu.Lock()
		var waits []chan struct{}
		for inv := range h.active {
			if !inv.route.Threw() {
				waits = append(waits, inv.done)
			}
		}
		h.mu.Unlock()
		for _, d := range waits {
			select {
			case <-d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

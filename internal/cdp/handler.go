package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdproute/pkg/intercept"
	"cdproute/pkg/model"
)

// newRoute 由拦截事件构建请求与路由，请求标识使用网络请求标识以便关联 Network 事件
func (m *Manager) newRoute(ts *targetSession, ev *fetch.RequestPausedReply) *intercept.Route {
	netID := string(ev.RequestID)
	if ev.NetworkID != nil {
		netID = string(*ev.NetworkID)
	}
	u := ev.Request.URL
	if ev.Request.URLFragment != nil {
		u += *ev.Request.URLFragment
	}
	var postData []byte
	if ev.Request.PostData != nil {
		postData = []byte(*ev.Request.PostData)
	}
	req := intercept.NewRequest(intercept.RequestInit{
		ID:             netID,
		URL:            u,
		Method:         ev.Request.Method,
		ResourceType:   string(ev.ResourceType),
		PostData:       postData,
		Headers:        toHeaderEntries(ev.Request.Headers),
		FrameID:        string(ev.FrameID),
		IsNavigation:   ev.ResourceType == network.ResourceTypeDocument,
		RedirectedFrom: ts.obs.redirectSource(netID),
		Channel:        ts.channel,
		Scope:          ts.scope,
	})
	ts.obs.track(netID, req)
	return intercept.NewRoute(intercept.RouteInit{ID: string(ev.RequestID), Request: req, Channel: ts.channel})
}

// handle 处理一次拦截事件
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	to := m.processTimeoutMS
	if to <= 0 {
		to = 3000
	}
	ctx, cancel := context.WithTimeout(ts.ctx, time.Duration(to)*time.Millisecond)
	defer cancel()

	route := m.newRoute(ts, ev)
	router := m.currentRouter()
	if router == nil {
		m.degradeAndContinue(ts, route, "未设置路由分发器")
		return
	}

	m.log.Debug("开始处理拦截事件", "url", ev.Request.URL, "method", ev.Request.Method)
	outcome, err := router.Dispatch(ctx, route)
	switch {
	case err != nil:
		m.log.Err(err, "路由处理失败", "url", ev.Request.URL)
		m.degradeAndContinue(ts, route, err.Error())
	case outcome == intercept.OutcomeReleased:
		m.log.Debug("目标关闭，路由已释放", "url", ev.Request.URL)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, m.newRoute(ts, ev), "并发队列已满")
	}
}

// degradeAndContinue 统一的降级处理：尚未解决的请求经由路由直接放行，回调之后的解决操作将被拒绝
func (m *Manager) degradeAndContinue(ts *targetSession, route *intercept.Route, reason string) {
	ctx, cancel := context.WithTimeout(ts.ctx, 1*time.Second)
	defer cancel()
	req := route.Request()
	degraded, err := route.Degrade(ctx)
	if !degraded {
		return
	}
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", route.ID())
	if err != nil {
		m.log.Err(err, "降级放行失败", "url", req.URL())
	}
	m.sendEvent(model.Event{Type: model.EventDegraded, Target: ts.id, URL: req.URL(), Method: req.Method()})
}

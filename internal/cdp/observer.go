package cdp

import (
	"sync"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/pkg/errors"

	"cdproute/pkg/intercept"
	"cdproute/pkg/traffic"
)

// netEntry 单个网络请求标识上的观察状态，重定向复用同一标识
type netEntry struct {
	request         *intercept.Request
	response        *intercept.Response
	redirected      bool
	startTime       float64
	requestTime     float64
	requestHeaders  []traffic.HeaderEntry
	responseHeaders []traffic.HeaderEntry
}

// observer 跟踪 Network 域事件，为拦截到的请求补充重定向链、响应与时序
type observer struct {
	mu      sync.Mutex
	entries map[string]*netEntry
	channel intercept.ResponseChannel
}

func newObserver() *observer {
	return &observer{entries: make(map[string]*netEntry)}
}

func (o *observer) entry(id string) *netEntry {
	e, ok := o.entries[id]
	if !ok {
		e = &netEntry{}
		o.entries[id] = e
	}
	return e
}

// redirectSource 新请求应链接的上一跳
func (o *observer) redirectSource(id string) *intercept.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok || !e.redirected {
		return nil
	}
	return e.request
}

// track 记录拦截到的请求
func (o *observer) track(id string, req *intercept.Request) {
	o.mu.Lock()
	e := o.entry(id)
	e.request = req
	e.response = nil
	e.redirected = false
	start := e.startTime
	o.mu.Unlock()
	if start > 0 {
		req.UpdateTiming(func(t *traffic.Timing) { t.StartTime = start })
	}
}

func (o *observer) requestHeaders(id string) []traffic.HeaderEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		return e.requestHeaders
	}
	return nil
}

func (o *observer) responseHeaders(id string) []traffic.HeaderEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		return e.responseHeaders
	}
	return nil
}

// onRequestWillBeSent 带 redirectResponse 时为上一跳补齐响应并标记重定向
func (o *observer) onRequestWillBeSent(ev *network.RequestWillBeSentReply) {
	id := string(ev.RequestID)
	o.mu.Lock()
	e := o.entry(id)
	e.startTime = float64(ev.WallTime) * 1000
	prev := e.request
	if ev.RedirectResponse != nil {
		e.redirected = true
		e.requestHeaders = nil
		e.responseHeaders = nil
	}
	o.mu.Unlock()

	if ev.RedirectResponse != nil && prev != nil {
		resp := o.newResponse(prev, id, *ev.RedirectResponse)
		resp.Finish(nil)
	}
}

func (o *observer) onRequestExtraInfo(ev *network.RequestWillBeSentExtraInfoReply) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entry(string(ev.RequestID)).requestHeaders = toHeaderEntries(ev.Headers)
}

func (o *observer) onResponseExtraInfo(ev *network.ResponseReceivedExtraInfoReply) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entry(string(ev.RequestID)).responseHeaders = toHeaderEntries(ev.Headers)
}

func (o *observer) onResponseReceived(ev *network.ResponseReceivedReply) {
	id := string(ev.RequestID)
	o.mu.Lock()
	e, ok := o.entries[id]
	var req *intercept.Request
	if ok {
		req = e.request
	}
	o.mu.Unlock()
	if req == nil {
		return
	}
	resp := o.newResponse(req, id, ev.Response)
	o.mu.Lock()
	e.response = resp
	if ev.Response.Timing != nil {
		e.requestTime = ev.Response.Timing.RequestTime
	}
	o.mu.Unlock()
}

func (o *observer) onLoadingFinished(ev *network.LoadingFinishedReply) {
	e := o.finish(string(ev.RequestID))
	if e == nil {
		return
	}
	if e.request != nil && e.requestTime > 0 {
		end := (float64(ev.Timestamp) - e.requestTime) * 1000
		e.request.UpdateTiming(func(t *traffic.Timing) { t.ResponseEnd = end })
	}
	if e.response != nil {
		e.response.Finish(nil)
	}
}

func (o *observer) onLoadingFailed(ev *network.LoadingFailedReply) {
	e := o.finish(string(ev.RequestID))
	if e == nil {
		return
	}
	if e.request != nil {
		e.request.SetFailure(ev.ErrorText)
	}
	if e.response != nil {
		e.response.Finish(errors.New(ev.ErrorText))
	}
}

// finish 请求结束后移除观察状态
func (o *observer) finish(id string) *netEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return nil
	}
	delete(o.entries, id)
	return e
}

func (o *observer) newResponse(req *intercept.Request, id string, r network.Response) *intercept.Response {
	resp := intercept.NewResponse(intercept.ResponseInit{
		Request:    req,
		URL:        r.URL,
		Status:     r.Status,
		StatusText: r.StatusText,
		Headers:    toHeaderEntries(r.Headers),
		Handle:     id,
		Channel:    o.channel,
	})
	if r.Timing != nil {
		rt := *r.Timing
		req.UpdateTiming(func(t *traffic.Timing) { applyResourceTiming(t, rt) })
	}
	return resp
}

// applyResourceTiming 将 CDP 时序换算为相对请求开始的毫秒值
func applyResourceTiming(t *traffic.Timing, rt network.ResourceTiming) {
	t.DomainLookupStart = rt.DNSStart
	t.DomainLookupEnd = rt.DNSEnd
	t.ConnectStart = rt.ConnectStart
	t.SecureConnectionStart = rt.SSLStart
	t.ConnectEnd = rt.ConnectEnd
	t.RequestStart = rt.SendStart
	t.ResponseStart = rt.ReceiveHeadersEnd
}

// size 当前跟踪的请求数量
func (o *observer) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

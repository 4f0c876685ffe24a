package rules

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/sjson"

	"cdproute/internal/logger"
	"cdproute/internal/urlmatch"
	"cdproute/pkg/intercept"
	"cdproute/pkg/traffic"
)

// Installed 规则文件注册到分发器后的句柄
type Installed struct {
	router     *intercept.Router
	wsRouter   *intercept.WebSocketRouter
	handlers   []*intercept.RouteHandler
	wsPatterns []intercept.Pattern
}

// Install 把规则编译为处理器并注册；优先级高者先执行，同优先级按文件顺序
func Install(ctx context.Context, f *File, router *intercept.Router, wsRouter *intercept.WebSocketRouter, log logger.Logger) (*Installed, error) {
	if log == nil {
		log = logger.NewNop()
	}
	inst := &Installed{router: router, wsRouter: wsRouter}
	if router != nil {
		for _, i := range registrationOrder(f.Rules) {
			r := f.Rules[i]
			p, err := pattern(r.URL, r.Regex)
			if err != nil {
				_ = inst.Remove(ctx)
				return nil, errors.WithMessagef(err, "规则 %s", r.ID)
			}
			h, err := router.Route(ctx, p, r.handler(log.With("rule", r.ID)), r.Times)
			if err != nil {
				_ = inst.Remove(ctx)
				return nil, errors.WithMessagef(err, "注册规则失败: %s", r.ID)
			}
			inst.handlers = append(inst.handlers, h)
		}
	}
	if wsRouter != nil {
		for i := len(f.WebSocket) - 1; i >= 0; i-- {
			w := f.WebSocket[i]
			p, err := pattern(w.URL, w.Regex)
			if err != nil {
				_ = inst.Remove(ctx)
				return nil, errors.WithMessagef(err, "WebSocket 规则 %s", w.ID)
			}
			if _, err := wsRouter.Route(ctx, p, w.handler(log.With("rule", w.ID))); err != nil {
				_ = inst.Remove(ctx)
				return nil, errors.WithMessagef(err, "注册 WebSocket 规则失败: %s", w.ID)
			}
			inst.wsPatterns = append(inst.wsPatterns, p)
		}
	}
	log.Info("规则已加载", "http", len(inst.handlers), "websocket", len(inst.wsPatterns))
	return inst, nil
}

// Remove 注销已注册的处理器，进行中的调用不受影响
func (i *Installed) Remove(ctx context.Context) error {
	var first error
	for _, h := range i.handlers {
		if err := i.router.RemoveHandler(ctx, h, intercept.StopDefault); err != nil && first == nil {
			first = err
		}
	}
	i.handlers = nil
	for _, p := range i.wsPatterns {
		if err := i.wsRouter.Unroute(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	i.wsPatterns = nil
	return first
}

// Count 已注册的 HTTP 与 WebSocket 处理器数量
func (i *Installed) Count() (int, int) {
	return len(i.handlers), len(i.wsPatterns)
}

// registrationOrder 分发器后注册者优先，因此按优先级升序、文件逆序注册
func registrationOrder(rs []Rule) []int {
	idx := make([]int, len(rs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := rs[idx[a]], rs[idx[b]]
		if ra.Priority != rb.Priority {
			return ra.Priority < rb.Priority
		}
		return idx[a] > idx[b]
	})
	return idx
}

func pattern(glob, regex string) (intercept.Pattern, error) {
	switch {
	case regex != "":
		re, err := urlmatch.CompileJS(regex, "")
		if err != nil {
			return intercept.Pattern{}, err
		}
		return intercept.Regexp(re), nil
	case glob != "":
		return intercept.Glob(glob), nil
	default:
		return intercept.Glob("**"), nil
	}
}

func (r Rule) handler(log logger.Logger) intercept.HandlerFunc {
	return func(ctx context.Context, route *intercept.Route, req *intercept.Request) error {
		if !r.Match.Matches(NewCtx(req)) {
			return route.Fallback(nil)
		}
		a := r.Action
		log.Debug("规则命中", "url", req.URL(), "action", a.Type)
		switch a.Type {
		case ActionFulfill:
			return route.Fulfill(ctx, a.fulfillOptions())
		case ActionAbort:
			return route.Abort(ctx, a.Error)
		case ActionRedirect:
			if req.IsNavigationRequest() {
				return route.RedirectNavigationRequest(ctx, a.URL)
			}
			return route.Fulfill(ctx, intercept.FulfillOptions{
				Status:  http.StatusFound,
				Headers: map[string]string{"location": a.URL},
			})
		case ActionFallback:
			o, err := a.overrides(req)
			if err != nil {
				return err
			}
			return route.Fallback(o)
		default:
			o, err := a.overrides(req)
			if err != nil {
				return err
			}
			return route.Continue(ctx, o)
		}
	}
}

// overrides 由动作构建请求覆盖项，没有任何修改时返回 nil
func (a Action) overrides(req *intercept.Request) (*intercept.Overrides, error) {
	var o intercept.Overrides
	changed := false
	if a.URL != "" {
		o.URL = intercept.String(a.URL)
		changed = true
	}
	if a.Method != "" {
		o.Method = intercept.String(strings.ToUpper(a.Method))
		changed = true
	}
	if len(a.Headers) > 0 {
		merged := req.Headers().SingleValued()
		for k, v := range a.Headers {
			if v == "" {
				delete(merged, strings.ToLower(k))
				continue
			}
			merged[strings.ToLower(k)] = v
		}
		o.Headers = merged
		changed = true
	}
	if len(a.SetJSON) > 0 {
		body, err := patchJSON(req.PostData(), a.SetJSON)
		if err != nil {
			return nil, err
		}
		o.PostData = intercept.Bytes(body)
		changed = true
	}
	if !changed {
		return nil, nil
	}
	return &o, nil
}

// patchJSON 按路径写入字段，路径语法同 sjson
func patchJSON(body []byte, set map[string]any) ([]byte, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var err error
	for _, k := range keys {
		body, err = sjson.SetBytes(body, k, set[k])
		if err != nil {
			return nil, errors.Wrapf(err, "修改请求体失败: %s", k)
		}
	}
	return body, nil
}

func (a Action) fulfillOptions() intercept.FulfillOptions {
	opts := intercept.FulfillOptions{
		Status:      a.Status,
		Headers:     a.Headers,
		ContentType: a.ContentType,
		JSON:        a.JSON,
		Path:        a.Path,
	}
	if a.Body != nil {
		opts.Body = intercept.Text(*a.Body)
	}
	return opts
}

func (w WebSocketRule) handler(log logger.Logger) intercept.WebSocketHandlerFunc {
	return func(ctx context.Context, ws *intercept.WebSocketRoute) error {
		log.Debug("WebSocket 规则命中", "url", ws.URL(), "mode", w.Mode)
		if w.Mode == ModeMock {
			ws.OnMessage(func(msg traffic.Message) {
				if w.Reply == "" {
					ws.Send(msg)
					return
				}
				ws.Send(traffic.TextMessage(w.Reply))
			})
			return nil
		}
		server, err := ws.ConnectToServer()
		if err != nil {
			return err
		}
		if w.Tap != "" {
			server.OnMessage(func(msg traffic.Message) {
				if msg.IsBinary {
					ws.Send(msg)
					return
				}
				ws.Send(traffic.TextMessage(w.Tap + msg.Text))
			})
		}
		return nil
	}
}

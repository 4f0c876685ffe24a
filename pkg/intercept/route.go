package intercept

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"cdproute/internal/fsutil"
	"cdproute/pkg/traffic"
)

type routeState int

const (
	stateUnhandled routeState = iota
	stateHandling
	// stateWaiting 已 fallback，等待下一个处理器
	stateWaiting
	stateHandled
)

// Outcome 一轮处理的结果
type Outcome int

const (
	// OutcomeFallback 交给下一个处理器或网络
	OutcomeFallback Outcome = iota
	// OutcomeHandled 已通过 continue/fulfill/abort 解决
	OutcomeHandled
	// OutcomeReleased 目标在处理期间关闭，路由被释放
	OutcomeReleased
)

// String 结果名称，用于事件与日志
func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeReleased:
		return "released"
	default:
		return "fallback"
	}
}

// Action 路由最终执行的动作
type Action string

const (
	ActionNone     Action = ""
	ActionContinue Action = "continue"
	ActionFulfill  Action = "fulfill"
	ActionAbort    Action = "abort"
	ActionRedirect Action = "redirect"
	// ActionNetwork 没有处理器解决，按覆盖层直接放行
	ActionNetwork Action = "network"
)

// RouteInit 创建路由所需的信息
type RouteInit struct {
	// ID 通道上的拦截标识，为空时使用请求标识
	ID      string
	Request *Request
	Channel RouteChannel
	FS      FileSystem
}

// Route 绑定到单个请求的一次性控制句柄
type Route struct {
	id      string
	request *Request
	channel RouteChannel
	fs      FileSystem

	mu      sync.Mutex
	state   routeState
	outcome chan Outcome
	action  Action
	status  int
	threw   bool
}

// NewRoute 创建路由
func NewRoute(init RouteInit) *Route {
	id := init.ID
	if id == "" {
		id = init.Request.ID()
	}
	fs := init.FS
	if fs == nil {
		fs = fsutil.OS{}
	}
	return &Route{id: id, request: init.Request, channel: init.Channel, fs: fs}
}

// ID 拦截标识
func (r *Route) ID() string { return r.id }

// Request 被拦截的请求
func (r *Route) Request() *Request { return r.request }

// Action 最终动作，未解决时为空
func (r *Route) Action() Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.action
}

// Status fulfill 使用的状态码
func (r *Route) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Threw 处理回调是否返回了错误
func (r *Route) Threw() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threw
}

func (r *Route) markThrew() {
	r.mu.Lock()
	r.threw = true
	r.mu.Unlock()
}

// StartHandling 进入处理中状态，返回本轮结果
func (r *Route) StartHandling() (<-chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateUnhandled && r.state != stateWaiting {
		return nil, ErrAlreadyHandled
	}
	r.state = stateHandling
	r.outcome = make(chan Outcome, 1)
	return r.outcome, nil
}

// abandon 回调出错且被忽略时让出本轮，交给下一个处理器
func (r *Route) abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateHandling {
		r.state = stateWaiting
		r.outcome = nil
	}
}

func (r *Route) checkNotHandled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateHandled || r.state == stateWaiting {
		return ErrAlreadyHandled
	}
	return nil
}

// begin 原子地标记为已处理，在任何出站请求之前完成
func (r *Route) begin(next routeState, action Action) (chan Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateHandled || r.state == stateWaiting {
		return nil, ErrAlreadyHandled
	}
	ch := r.outcome
	r.outcome = nil
	r.state = next
	r.action = action
	return ch, nil
}

func report(ch chan Outcome, o Outcome) {
	if ch != nil {
		ch <- o
	}
}

func (r *Route) send(ctx context.Context, ch chan Outcome, fn func(ctx context.Context) error) error {
	released, err := r.request.TargetClosedScope().Race(ctx, fn)
	if released {
		report(ch, OutcomeReleased)
		return nil
	}
	report(ch, OutcomeHandled)
	return err
}

// Continue 按覆盖项继续请求
func (r *Route) Continue(ctx context.Context, o *Overrides) error {
	rec, err := o.compile()
	if err != nil {
		return err
	}
	ch, err := r.begin(stateHandled, ActionContinue)
	if err != nil {
		return err
	}
	r.request.applyRecord(rec)
	cmd := r.request.continueCommand(false)
	cmd.RequestID = r.id
	return r.send(ctx, ch, func(ctx context.Context) error {
		return r.channel.Continue(ctx, cmd)
	})
}

// Fallback 合并覆盖项后交给下一个处理器
func (r *Route) Fallback(o *Overrides) error {
	rec, err := o.compile()
	if err != nil {
		return err
	}
	ch, err := r.begin(stateWaiting, ActionNone)
	if err != nil {
		return err
	}
	r.request.applyRecord(rec)
	report(ch, OutcomeFallback)
	return nil
}

// Abort 中止请求，errorCode 为空时使用 failed
func (r *Route) Abort(ctx context.Context, errorCode string) error {
	if errorCode == "" {
		errorCode = "failed"
	}
	ch, err := r.begin(stateHandled, ActionAbort)
	if err != nil {
		return err
	}
	return r.send(ctx, ch, func(ctx context.Context) error {
		return r.channel.Abort(ctx, AbortCommand{RequestID: r.id, ErrorCode: errorCode})
	})
}

// RedirectNavigationRequest 将导航请求重定向到指定 URL
func (r *Route) RedirectNavigationRequest(ctx context.Context, url string) error {
	ch, err := r.begin(stateHandled, ActionRedirect)
	if err != nil {
		return err
	}
	return r.send(ctx, ch, func(ctx context.Context) error {
		return r.channel.RedirectNavigationRequest(ctx, RedirectCommand{RequestID: r.id, URL: url})
	})
}

// continueToNetwork 所有处理器 fallback 后按覆盖层放行，错误仅返回给调用方记录
func (r *Route) continueToNetwork(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	if r.state == stateHandled {
		r.mu.Unlock()
		return OutcomeHandled, nil
	}
	r.state = stateHandled
	r.action = ActionNetwork
	r.mu.Unlock()
	cmd := r.request.continueCommand(true)
	cmd.RequestID = r.id
	released, err := r.request.TargetClosedScope().Race(ctx, func(ctx context.Context) error {
		return r.channel.Continue(ctx, cmd)
	})
	if released {
		return OutcomeReleased, nil
	}
	return OutcomeHandled, err
}

// Degrade 尚未解决时原样放行请求；返回 false 表示路由已被解决，之后的解决操作返回 ErrAlreadyHandled
func (r *Route) Degrade(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.state == stateHandled {
		r.mu.Unlock()
		return false, nil
	}
	ch := r.outcome
	r.outcome = nil
	r.state = stateHandled
	r.action = ActionContinue
	r.mu.Unlock()
	_, err := r.request.TargetClosedScope().Race(ctx, func(ctx context.Context) error {
		return r.channel.Continue(ctx, ContinueCommand{RequestID: r.id})
	})
	report(ch, OutcomeHandled)
	return true, err
}

// FulfillOptions 合成响应选项；JSON 与 Body 互斥，优先级 JSON > Body > Path > Response
type FulfillOptions struct {
	Status      int
	Headers     map[string]string
	ContentType string
	Body        *Payload
	JSON        any
	Path        string
	Response    *Response
}

func (o FulfillOptions) validate() error {
	if o.JSON != nil && o.Body != nil {
		return ErrAmbiguousFulfillOptions
	}
	return nil
}

// Fulfill 以合成响应完成请求
func (r *Route) Fulfill(ctx context.Context, opts FulfillOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if err := r.checkNotHandled(); err != nil {
		return err
	}
	cmd, err := r.buildFulfill(ctx, opts)
	if err != nil {
		return err
	}
	ch, err := r.begin(stateHandled, ActionFulfill)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.status = cmd.Status
	r.mu.Unlock()
	return r.send(ctx, ch, func(ctx context.Context) error {
		return r.channel.Fulfill(ctx, cmd)
	})
}

func (r *Route) buildFulfill(ctx context.Context, opts FulfillOptions) (FulfillCommand, error) {
	cmd := FulfillCommand{RequestID: r.id, Status: opts.Status}
	headers := opts.Headers
	if resp := opts.Response; resp != nil {
		if cmd.Status == 0 {
			cmd.Status = resp.Status()
		}
		if headers == nil {
			headers = resp.Headers().SingleValued()
		}
	}
	if cmd.Status == 0 {
		cmd.Status = 200
	}

	length := 0
	switch {
	case opts.JSON != nil:
		b, err := json.Marshal(opts.JSON)
		if err != nil {
			return cmd, errors.Wrap(err, "序列化 JSON 失败")
		}
		cmd.Body, length = string(b), len(b)
	case opts.Body != nil:
		b, err := opts.Body.Encode()
		if err != nil {
			return cmd, err
		}
		if opts.Body.IsBinary() {
			cmd.Body, cmd.IsBase64 = base64.StdEncoding.EncodeToString(b), true
		} else {
			cmd.Body = string(b)
		}
		length = len(b)
	case opts.Path != "":
		b, err := r.fs.ReadFile(opts.Path)
		if err != nil {
			return cmd, errors.Wrapf(err, "读取文件失败: %s", opts.Path)
		}
		cmd.Body, cmd.IsBase64, length = base64.StdEncoding.EncodeToString(b), true, len(b)
	case opts.Response != nil:
		resp := opts.Response
		if resp.Handle() != "" && sameConnection(resp.channel, r.channel) {
			cmd.ResponseHandle = resp.Handle()
			break
		}
		b, err := resp.Body(ctx)
		if err != nil {
			return cmd, err
		}
		cmd.Body, cmd.IsBase64, length = base64.StdEncoding.EncodeToString(b), true, len(b)
	}

	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	switch {
	case opts.ContentType != "":
		out["content-type"] = opts.ContentType
	case opts.JSON != nil:
		if _, ok := out["content-type"]; !ok {
			out["content-type"] = "application/json"
		}
	case opts.Path != "" && opts.Body == nil:
		if _, ok := out["content-type"]; !ok {
			ct := r.fs.MimeType(opts.Path)
			if ct == "" {
				ct = "application/octet-stream"
			}
			out["content-type"] = ct
		}
	}
	if _, ok := out["content-length"]; length > 0 && !ok {
		out["content-length"] = strconv.Itoa(length)
	}
	cmd.Headers = sortedEntries(out)
	return cmd, nil
}

func sortedEntries(m map[string]string) []traffic.HeaderEntry {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	entries := make([]traffic.HeaderEntry, 0, len(names))
	for _, k := range names {
		entries = append(entries, traffic.HeaderEntry{Name: k, Value: m[k]})
	}
	return entries
}

// sameConnection 通道需为可比较类型（通常为指针）
func sameConnection(a ResponseChannel, b RouteChannel) bool {
	if a == nil || b == nil {
		return false
	}
	rb, ok := b.(ResponseChannel)
	return ok && rb == a
}

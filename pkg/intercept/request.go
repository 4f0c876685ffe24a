package intercept

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"cdproute/pkg/traffic"
)

// RequestInit 创建请求所需的捕获信息
type RequestInit struct {
	ID             string
	URL            string
	Method         string
	ResourceType   string
	PostData       []byte
	Headers        []traffic.HeaderEntry
	FrameID        string
	ServiceWorker  bool
	IsNavigation   bool
	RedirectedFrom *Request
	Channel        RequestChannel
	Scope          *Scope
}

// Request 一次被观察到的网络请求
type Request struct {
	id           string
	url          string
	method       string
	resourceType string
	postData     []byte
	headers      *traffic.Headers
	frameID      string
	worker       bool
	navigation   bool
	channel      RequestChannel

	mu             sync.Mutex
	overlay        []overrideRecord
	actualHeaders  *traffic.Headers
	timing         traffic.Timing
	redirectedFrom *Request
	redirectedTo   *Request
	response       *Response
	failure        string
	scope          *Scope
}

// NewRequest 创建请求，若指定了 RedirectedFrom 则建立重定向链
func NewRequest(init RequestInit) *Request {
	method := init.Method
	if method == "" {
		method = "GET"
	}
	r := &Request{
		id:             init.ID,
		url:            init.URL,
		method:         method,
		resourceType:   init.ResourceType,
		postData:       init.PostData,
		headers:        traffic.NewHeaders(init.Headers),
		frameID:        init.FrameID,
		worker:         init.ServiceWorker,
		navigation:     init.IsNavigation,
		channel:        init.Channel,
		timing:         traffic.NewTiming(),
		redirectedFrom: init.RedirectedFrom,
		scope:          init.Scope,
	}
	if prev := init.RedirectedFrom; prev != nil {
		prev.mu.Lock()
		prev.redirectedTo = r
		prev.mu.Unlock()
	}
	return r
}

// ID 请求标识
func (r *Request) ID() string { return r.id }

// ResourceType 资源类型
func (r *Request) ResourceType() string { return r.resourceType }

// IsNavigationRequest 是否为导航请求
func (r *Request) IsNavigationRequest() bool { return r.navigation }

func (r *Request) effective() overrideRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rec overrideRecord
	for _, o := range r.overlay {
		rec = rec.merge(o)
	}
	return rec
}

// URL 生效的 URL
func (r *Request) URL() string {
	if o := r.effective(); o.url != nil {
		return *o.url
	}
	return r.url
}

// Method 生效的方法
func (r *Request) Method() string {
	if o := r.effective(); o.method != nil {
		return *o.method
	}
	return r.method
}

// Headers 生效的头部，未覆盖时为临时头部
func (r *Request) Headers() *traffic.Headers {
	if o := r.effective(); o.hasHeaders {
		return traffic.NewHeaders(o.headers)
	}
	return r.headers
}

// PostData 生效的请求体
func (r *Request) PostData() []byte {
	if o := r.effective(); o.hasPostData {
		return o.postData
	}
	return r.postData
}

// PostDataJSON 按表单或 JSON 解析请求体，无请求体时返回 nil
func (r *Request) PostDataJSON() (any, error) {
	body := r.PostData()
	if len(body) == 0 {
		return nil, nil
	}
	ct, _ := r.Headers().Get("content-type")
	if strings.Contains(strings.ToLower(ct), "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, errors.Wrap(ErrMalformedPostData, err.Error())
		}
		out := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				out[k] = v[0]
			} else {
				out[k] = v
			}
		}
		return out, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.WithMessage(ErrMalformedPostData, string(body))
	}
	return gjson.ParseBytes(body).Value(), nil
}

// ApplyOverrides 将覆盖项并入覆盖层，只覆盖提供的字段
func (r *Request) ApplyOverrides(o *Overrides) error {
	rec, err := o.compile()
	if err != nil {
		return err
	}
	r.applyRecord(rec)
	return nil
}

func (r *Request) applyRecord(rec overrideRecord) {
	if rec.empty() {
		return
	}
	r.mu.Lock()
	r.overlay = append(r.overlay, rec)
	r.mu.Unlock()
}

// AllHeaders 实际发送的头部（小写单值视图）
func (r *Request) AllHeaders(ctx context.Context) (map[string]string, error) {
	h, err := r.actual(ctx)
	if err != nil {
		return nil, err
	}
	return h.SingleValued(), nil
}

// HeadersArray 实际发送的头部条目
func (r *Request) HeadersArray(ctx context.Context) ([]traffic.HeaderEntry, error) {
	h, err := r.actual(ctx)
	if err != nil {
		return nil, err
	}
	return h.Entries(), nil
}

// HeaderValue 实际头部中指定名称的值
func (r *Request) HeaderValue(ctx context.Context, name string) (string, bool, error) {
	h, err := r.actual(ctx)
	if err != nil {
		return "", false, err
	}
	v, ok := h.Get(name)
	return v, ok, nil
}

func (r *Request) actual(ctx context.Context) (*traffic.Headers, error) {
	if o := r.effective(); o.hasHeaders {
		return traffic.NewHeaders(o.headers), nil
	}
	r.mu.Lock()
	cached := r.actualHeaders
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if r.channel == nil {
		return r.headers, nil
	}
	entries, err := r.channel.RawRequestHeaders(ctx, r.id)
	if err != nil {
		return nil, errors.Wrap(err, "获取实际请求头失败")
	}
	if len(entries) == 0 {
		// 额外信息尚未到达，先返回临时头部且不缓存
		return r.headers, nil
	}
	h := traffic.NewHeaders(entries)
	r.mu.Lock()
	if r.actualHeaders == nil {
		r.actualHeaders = h
	}
	h = r.actualHeaders
	r.mu.Unlock()
	return h, nil
}

// Response 已关联的响应，请求未完成时为 nil
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// SetResponse 由网络观察者关联响应
func (r *Request) SetResponse(resp *Response) {
	r.mu.Lock()
	r.response = resp
	r.mu.Unlock()
}

// RedirectedFrom 重定向来源
func (r *Request) RedirectedFrom() *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirectedFrom
}

// RedirectedTo 重定向目标
func (r *Request) RedirectedTo() *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirectedTo
}

// FinalRequest 沿重定向链到达链尾
func (r *Request) FinalRequest() *Request {
	cur := r
	for {
		next := cur.RedirectedTo()
		if next == nil {
			return cur
		}
		cur = next
	}
}

// Frame 发起请求的 frame 标识
func (r *Request) Frame() (string, error) {
	if r.worker {
		return "", ErrNoAssociatedFrame
	}
	return r.frameID, nil
}

// ServiceWorker 是否由 Service Worker 发起
func (r *Request) ServiceWorker() bool { return r.worker }

// Timing 时序快照
func (r *Request) Timing() traffic.Timing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timing
}

// UpdateTiming 由网络观察者填充时序
func (r *Request) UpdateTiming(fn func(t *traffic.Timing)) {
	r.mu.Lock()
	fn(&r.timing)
	r.mu.Unlock()
}

// Failure 加载失败原因，成功时为空
func (r *Request) Failure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// SetFailure 记录加载失败原因
func (r *Request) SetFailure(text string) {
	r.mu.Lock()
	r.failure = text
	r.mu.Unlock()
}

// BindScope 所属目标确定后绑定生命周期
func (r *Request) BindScope(s *Scope) {
	r.mu.Lock()
	r.scope = s
	r.mu.Unlock()
}

// TargetClosedScope 所属目标的生命周期，未知时返回一个新的打开状态生命周期
func (r *Request) TargetClosedScope() *Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scope == nil {
		return NewScope()
	}
	return r.scope
}

func (r *Request) continueCommand(isFallback bool) ContinueCommand {
	o := r.effective()
	cmd := ContinueCommand{
		RequestID:  r.id,
		URL:        r.url,
		Method:     r.method,
		IsFallback: isFallback,
	}
	if o.url != nil {
		cmd.URL = *o.url
	}
	if o.method != nil {
		cmd.Method = *o.method
	}
	if o.hasHeaders {
		cmd.Headers = o.headers
	}
	if o.hasPostData {
		cmd.PostData, cmd.HasPostData = o.postData, true
	}
	return cmd
}

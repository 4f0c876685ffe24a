package intercept

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"cdproute/pkg/traffic"
)

// ResponseInit 创建响应所需的信息
type ResponseInit struct {
	Request    *Request
	URL        string
	Status     int
	StatusText string
	Headers    []traffic.HeaderEntry
	// Handle 通道上用于读取响应体的标识
	Handle  string
	Channel ResponseChannel
}

// Response 请求对应的响应
type Response struct {
	request    *Request
	url        string
	status     int
	statusText string
	headers    *traffic.Headers
	handle     string
	channel    ResponseChannel

	mu       sync.Mutex
	actual   *traffic.Headers
	finished chan struct{}
	once     sync.Once
	err      error
}

// NewResponse 创建响应并关联到请求
func NewResponse(init ResponseInit) *Response {
	u := init.URL
	if u == "" && init.Request != nil {
		u = init.Request.URL()
	}
	resp := &Response{
		request:    init.Request,
		url:        u,
		status:     init.Status,
		statusText: init.StatusText,
		headers:    traffic.NewHeaders(init.Headers),
		handle:     init.Handle,
		channel:    init.Channel,
		finished:   make(chan struct{}),
	}
	if init.Request != nil {
		init.Request.SetResponse(resp)
	}
	return resp
}

// Request 产生该响应的请求
func (r *Response) Request() *Request { return r.request }

// URL 响应 URL
func (r *Response) URL() string { return r.url }

// Status 状态码
func (r *Response) Status() int { return r.status }

// StatusText 状态文本
func (r *Response) StatusText() string { return r.statusText }

// Handle 通道上读取响应体所用的句柄
func (r *Response) Handle() string { return r.handle }

// OK 状态码为 0 或 2xx
func (r *Response) OK() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

// Headers 临时头部
func (r *Response) Headers() *traffic.Headers { return r.headers }

// AllHeaders 实际收到的头部（小写单值视图）
func (r *Response) AllHeaders(ctx context.Context) (map[string]string, error) {
	h, err := r.actualHeaders(ctx)
	if err != nil {
		return nil, err
	}
	return h.SingleValued(), nil
}

// HeaderValues 实际头部中指定名称的全部值
func (r *Response) HeaderValues(ctx context.Context, name string) ([]string, error) {
	h, err := r.actualHeaders(ctx)
	if err != nil {
		return nil, err
	}
	return h.GetAll(name), nil
}

func (r *Response) actualHeaders(ctx context.Context) (*traffic.Headers, error) {
	r.mu.Lock()
	cached := r.actual
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if r.channel == nil || r.handle == "" {
		return r.headers, nil
	}
	entries, err := r.channel.RawResponseHeaders(ctx, r.handle)
	if err != nil {
		return nil, errors.Wrap(err, "获取实际响应头失败")
	}
	if len(entries) == 0 {
		// 额外信息尚未到达，先返回临时头部且不缓存
		return r.headers, nil
	}
	h := traffic.NewHeaders(entries)
	r.mu.Lock()
	if r.actual == nil {
		r.actual = h
	}
	h = r.actual
	r.mu.Unlock()
	return h, nil
}

// Body 读取响应体
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	if r.channel == nil {
		return nil, errors.New("响应没有可用的通道")
	}
	b, err := r.channel.ResponseBody(ctx, r.handle)
	if err != nil {
		return nil, errors.Wrap(err, "读取响应体失败")
	}
	return b, nil
}

// Text 以文本读取响应体
func (r *Response) Text(ctx context.Context) (string, error) {
	b, err := r.Body(ctx)
	return string(b), err
}

// JSON 以 JSON 解析响应体
func (r *Response) JSON(ctx context.Context) (any, error) {
	b, err := r.Body(ctx)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(b) {
		return nil, errors.New("响应体不是合法的 JSON")
	}
	return gjson.ParseBytes(b).Value(), nil
}

// Finish 响应体读取完毕时由网络观察者调用
func (r *Response) Finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.finished)
	})
}

// Finished 等待响应体读取完毕
func (r *Response) Finished(ctx context.Context) error {
	select {
	case <-r.finished:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package intercept

import (
	"context"

	"cdproute/pkg/traffic"
)

// ContinueCommand 放行请求；Headers 为 nil 或 PostData 未设置时保持原值
type ContinueCommand struct {
	RequestID   string
	URL         string
	Method      string
	Headers     []traffic.HeaderEntry
	PostData    []byte
	HasPostData bool
	IsFallback  bool
}

// AbortCommand 中止请求
type AbortCommand struct {
	RequestID string
	ErrorCode string
}

// FulfillCommand 以合成响应完成请求；ResponseHandle 非空时由通道直接转发该响应体
type FulfillCommand struct {
	RequestID      string
	Status         int
	Headers        []traffic.HeaderEntry
	Body           string
	IsBase64       bool
	ResponseHandle string
}

// RedirectCommand 将导航请求重定向
type RedirectCommand struct {
	RequestID string
	URL       string
}

// RouteChannel 路由解决命令的出站通道
type RouteChannel interface {
	Continue(ctx context.Context, cmd ContinueCommand) error
	Abort(ctx context.Context, cmd AbortCommand) error
	Fulfill(ctx context.Context, cmd FulfillCommand) error
	RedirectNavigationRequest(ctx context.Context, cmd RedirectCommand) error
}

// RequestChannel 获取请求的实际头部
type RequestChannel interface {
	RawRequestHeaders(ctx context.Context, requestID string) ([]traffic.HeaderEntry, error)
}

// ResponseChannel 获取响应体与实际头部
type ResponseChannel interface {
	ResponseBody(ctx context.Context, handle string) ([]byte, error)
	RawResponseHeaders(ctx context.Context, handle string) ([]traffic.HeaderEntry, error)
}

// CloseCommand 关闭 WebSocket 一侧
type CloseCommand struct {
	Code     int
	Reason   string
	WasClean bool
}

// WebSocketChannel WebSocket 中继的出站通道
type WebSocketChannel interface {
	Connect(ctx context.Context) error
	EnsureOpened(ctx context.Context) error
	SendToPage(ctx context.Context, f traffic.Frame) error
	SendToServer(ctx context.Context, f traffic.Frame) error
	ClosePage(ctx context.Context, cmd CloseCommand) error
	CloseServer(ctx context.Context, cmd CloseCommand) error
}

// RemotePattern 下发到远端的拦截模式
type RemotePattern struct {
	Glob        string `json:"glob,omitempty"`
	RegexSource string `json:"regexSource,omitempty"`
	RegexFlags  string `json:"regexFlags,omitempty"`
}

// PatternRegistrar 接收拦截模式更新；nil 列表表示关闭拦截
type PatternRegistrar interface {
	SetInterceptionPatterns(ctx context.Context, patterns []RemotePattern) error
}

// WebSocketPatternRegistrar 接收 WebSocket 拦截模式更新
type WebSocketPatternRegistrar interface {
	SetWebSocketInterceptionPatterns(ctx context.Context, patterns []RemotePattern) error
}

// FileSystem fulfill(path) 使用的文件协作者
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	MimeType(path string) string
}

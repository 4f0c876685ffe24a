package intercept

import "github.com/pkg/errors"

var (
	// ErrAlreadyHandled 路由已被处理
	ErrAlreadyHandled = errors.New("route is already handled")
	// ErrAmbiguousFulfillOptions 同时指定了 body 与 json
	ErrAmbiguousFulfillOptions = errors.New("can specify either body or json parameters")
	// ErrMalformedPostData 请求体既不是表单也不是合法 JSON
	ErrMalformedPostData = errors.New("post data is not a valid JSON object")
	// ErrNoAssociatedFrame Service Worker 发起的请求没有所属 frame
	ErrNoAssociatedFrame = errors.New("service worker requests do not have an associated frame")
	// ErrAlreadyConnected 已连接到服务端
	ErrAlreadyConnected = errors.New("already connected to the server")
	// ErrTargetClosed 目标页面、worker 或上下文已关闭
	ErrTargetClosed = errors.New("target page, context or browser has been closed")
)

// IsTargetClosed 判断错误是否由目标关闭引起
func IsTargetClosed(err error) bool {
	return errors.Is(err, ErrTargetClosed)
}

func rewriteTargetClosed(err error) error {
	return errors.WithMessage(err, "while running route callback; consider calling "+
		"UnrouteAll(ctx, StopIgnoreErrors) before the target closes to ignore remaining routes in flight")
}

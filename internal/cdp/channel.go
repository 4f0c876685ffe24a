package cdp

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"
	"github.com/pkg/errors"

	"cdproute/pkg/intercept"
	"cdproute/pkg/traffic"
)

// Channel 单个目标上的 CDP 命令通道
type Channel struct {
	client *cdp.Client
	obs    *observer
	scope  *intercept.Scope
}

func newChannel(client *cdp.Client, obs *observer, scope *intercept.Scope) *Channel {
	return &Channel{client: client, obs: obs, scope: scope}
}

// translate 连接关闭类错误统一转换为目标关闭
func (c *Channel) translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rpcc.ErrConnClosing) || c.scope.Err() != nil {
		return errors.Wrap(intercept.ErrTargetClosed, err.Error())
	}
	return errors.Wrap(err, msg)
}

// Continue 继续请求
func (c *Channel) Continue(ctx context.Context, cmd intercept.ContinueCommand) error {
	args := fetch.NewContinueRequestArgs(fetch.RequestID(cmd.RequestID))
	if cmd.URL != "" {
		args.SetURL(cmd.URL)
	}
	if cmd.Method != "" {
		args.SetMethod(cmd.Method)
	}
	if cmd.Headers != nil {
		args.SetHeaders(toFetchHeaders(cmd.Headers))
	}
	if cmd.HasPostData {
		args.SetPostData(cmd.PostData)
	}
	return c.translate(c.client.Fetch.ContinueRequest(ctx, args), "继续请求失败")
}

// Abort 以失败原因终止请求
func (c *Channel) Abort(ctx context.Context, cmd intercept.AbortCommand) error {
	reason, err := errorReason(cmd.ErrorCode)
	if err != nil {
		return err
	}
	args := fetch.NewFailRequestArgs(fetch.RequestID(cmd.RequestID), reason)
	return c.translate(c.client.Fetch.FailRequest(ctx, args), "终止请求失败")
}

// Fulfill 以合成响应完成请求
func (c *Channel) Fulfill(ctx context.Context, cmd intercept.FulfillCommand) error {
	body, err := decodeBody(cmd)
	if err != nil {
		return err
	}
	if cmd.ResponseHandle != "" {
		if body, err = c.ResponseBody(ctx, cmd.ResponseHandle); err != nil {
			return err
		}
	}
	args := fetch.NewFulfillRequestArgs(fetch.RequestID(cmd.RequestID), cmd.Status)
	args.SetResponseHeaders(toFetchHeaders(cmd.Headers))
	if len(body) > 0 {
		args.SetBody(body)
	}
	return c.translate(c.client.Fetch.FulfillRequest(ctx, args), "完成请求失败")
}

// RedirectNavigationRequest 以 302 响应把导航重定向到新地址
func (c *Channel) RedirectNavigationRequest(ctx context.Context, cmd intercept.RedirectCommand) error {
	args := fetch.NewFulfillRequestArgs(fetch.RequestID(cmd.RequestID), 302)
	args.SetResponseHeaders([]fetch.HeaderEntry{
		{Name: "location", Value: cmd.URL},
		{Name: "content-length", Value: strconv.Itoa(0)},
	})
	return c.translate(c.client.Fetch.FulfillRequest(ctx, args), "重定向请求失败")
}

// RawRequestHeaders 实际发送的请求头，来自 requestWillBeSentExtraInfo
func (c *Channel) RawRequestHeaders(_ context.Context, requestID string) ([]traffic.HeaderEntry, error) {
	return c.obs.requestHeaders(requestID), nil
}

// RawResponseHeaders 实际收到的响应头，来自 responseReceivedExtraInfo
func (c *Channel) RawResponseHeaders(_ context.Context, handle string) ([]traffic.HeaderEntry, error) {
	return c.obs.responseHeaders(handle), nil
}

// ResponseBody 读取响应体，handle 为网络请求标识
func (c *Channel) ResponseBody(ctx context.Context, handle string) ([]byte, error) {
	reply, err := c.client.Network.GetResponseBody(ctx, network.NewGetResponseBodyArgs(network.RequestID(handle)))
	if err != nil {
		return nil, c.translate(err, "获取响应体失败")
	}
	if !reply.Base64Encoded {
		return []byte(reply.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(reply.Body)
	if err != nil {
		return nil, errors.Wrap(err, "解码响应体失败")
	}
	return b, nil
}

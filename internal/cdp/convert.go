package cdp

import (
	"encoding/base64"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"cdproute/pkg/intercept"
	"cdproute/pkg/traffic"
)

// toHeaderEntries 将 CDP 头部对象转换为有序条目，保持原始顺序
func toHeaderEntries(raw []byte) []traffic.HeaderEntry {
	if len(raw) == 0 {
		return nil
	}
	var out []traffic.HeaderEntry
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		// 同名多值在 CDP 中以换行拼接
		for _, v := range strings.Split(value.String(), "\n") {
			out = append(out, traffic.HeaderEntry{Name: key.String(), Value: v})
		}
		return true
	})
	return out
}

// toFetchHeaders 将条目转换为 CDP 头部
func toFetchHeaders(entries []traffic.HeaderEntry) []fetch.HeaderEntry {
	out := make([]fetch.HeaderEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fetch.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return out
}

// fromFetchHeaders 将 CDP 头部转换为条目
func fromFetchHeaders(entries []fetch.HeaderEntry) []traffic.HeaderEntry {
	out := make([]traffic.HeaderEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, traffic.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return out
}

var errorReasons = map[string]network.ErrorReason{
	"aborted":              network.ErrorReasonAborted,
	"accessdenied":         network.ErrorReasonAccessDenied,
	"addressunreachable":   network.ErrorReasonAddressUnreachable,
	"blockedbyclient":      network.ErrorReasonBlockedByClient,
	"blockedbyresponse":    network.ErrorReasonBlockedByResponse,
	"connectionaborted":    network.ErrorReasonConnectionAborted,
	"connectionclosed":     network.ErrorReasonConnectionClosed,
	"connectionfailed":     network.ErrorReasonConnectionFailed,
	"connectionrefused":    network.ErrorReasonConnectionRefused,
	"connectionreset":      network.ErrorReasonConnectionReset,
	"internetdisconnected": network.ErrorReasonInternetDisconnected,
	"namenotresolved":      network.ErrorReasonNameNotResolved,
	"timedout":             network.ErrorReasonTimedOut,
	"failed":               network.ErrorReasonFailed,
}

// errorReason 将错误码名称映射为 CDP 失败原因，大小写不敏感
func errorReason(code string) (network.ErrorReason, error) {
	if code == "" {
		return network.ErrorReasonFailed, nil
	}
	r, ok := errorReasons[strings.ToLower(code)]
	if !ok {
		return "", errors.Errorf("未知的错误码: %s", code)
	}
	return r, nil
}

// fetchPatterns 将远端模式转换为 Fetch.enable 参数
// CDP 只支持简单通配，正则或含 ? 的 glob 时退化为全部拦截，由本地匹配过滤
func fetchPatterns(patterns []intercept.RemotePattern) []fetch.RequestPattern {
	if len(patterns) == 0 {
		return nil
	}
	all := func() []fetch.RequestPattern {
		p := "*"
		return []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}}
	}
	out := make([]fetch.RequestPattern, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))
	for _, rp := range patterns {
		relative := !strings.Contains(rp.Glob, "://") && !strings.HasPrefix(rp.Glob, "*")
		if rp.Glob == "" || relative || strings.Contains(rp.Glob, "?") {
			return all()
		}
		g := rp.Glob
		for strings.Contains(g, "**") {
			g = strings.ReplaceAll(g, "**", "*")
		}
		if seen[g] {
			continue
		}
		seen[g] = true
		p := g
		out = append(out, fetch.RequestPattern{URLPattern: &p, RequestStage: fetch.RequestStageRequest})
	}
	return out
}

// decodeBody 还原 fulfill 命令中的响应体
func decodeBody(cmd intercept.FulfillCommand) ([]byte, error) {
	if cmd.Body == "" {
		return nil, nil
	}
	if !cmd.IsBase64 {
		return []byte(cmd.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(cmd.Body)
	if err != nil {
		return nil, errors.Wrap(err, "解码响应体失败")
	}
	return b, nil
}

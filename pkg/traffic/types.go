package traffic

import (
	"encoding/base64"
	"sort"
	"strings"
)

// HeaderEntry 单个头部条目，保留原始大小写
type HeaderEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers 有序、多值、大小写不敏感的头部容器
type Headers struct {
	entries []HeaderEntry
	index   map[string][]string
}

// NewHeaders 基于条目列表创建头部容器
func NewHeaders(entries []HeaderEntry) *Headers {
	h := &Headers{index: make(map[string][]string, len(entries))}
	for _, e := range entries {
		h.Add(e.Name, e.Value)
	}
	return h
}

// HeadersFromMap 基于单值映射创建头部容器，按名称排序保证输出稳定
func HeadersFromMap(m map[string]string) *Headers {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	h := NewHeaders(nil)
	for _, k := range names {
		h.Add(k, m[k])
	}
	return h
}

// Add 追加一个头部值
func (h *Headers) Add(name, value string) {
	if h.index == nil {
		h.index = make(map[string][]string)
	}
	h.entries = append(h.entries, HeaderEntry{Name: name, Value: value})
	lk := strings.ToLower(name)
	h.index[lk] = append(h.index[lk], value)
}

// Get 获取指定 Header 的值（大小写不敏感），多值时合并
func (h *Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	lk := strings.ToLower(name)
	values, ok := h.index[lk]
	if !ok || len(values) == 0 {
		return "", false
	}
	if lk == "set-cookie" {
		return strings.Join(values, "\n"), true
	}
	return strings.Join(values, ", "), true
}

// GetAll 获取指定 Header 的全部值，保持原始顺序；不存在时为 nil
func (h *Headers) GetAll(name string) []string {
	if h == nil {
		return nil
	}
	values := h.index[strings.ToLower(name)]
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// Has 判断是否存在指定 Header
func (h *Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

// Entries 返回全部条目副本
func (h *Headers) Entries() []HeaderEntry {
	if h == nil {
		return nil
	}
	out := make([]HeaderEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len 条目数量
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries)
}

// SingleValued 返回每个名称一个值的有损视图，键为小写
func (h *Headers) SingleValued() map[string]string {
	out := make(map[string]string)
	if h == nil {
		return out
	}
	for lk := range h.index {
		v, _ := h.Get(lk)
		out[lk] = v
	}
	return out
}

// Clone 深拷贝
func (h *Headers) Clone() *Headers {
	return NewHeaders(h.Entries())
}

// Timing 请求时序，单位毫秒，相对 StartTime
type Timing struct {
	StartTime             float64 `json:"startTime"`
	DomainLookupStart     float64 `json:"domainLookupStart"`
	DomainLookupEnd       float64 `json:"domainLookupEnd"`
	ConnectStart          float64 `json:"connectStart"`
	SecureConnectionStart float64 `json:"secureConnectionStart"`
	ConnectEnd            float64 `json:"connectEnd"`
	RequestStart          float64 `json:"requestStart"`
	ResponseStart         float64 `json:"responseStart"`
	ResponseEnd           float64 `json:"responseEnd"`
}

// NewTiming 创建未填充的时序，除起始时间外均为 -1
func NewTiming() Timing {
	return Timing{
		StartTime:             0,
		DomainLookupStart:     -1,
		DomainLookupEnd:       -1,
		ConnectStart:          -1,
		SecureConnectionStart: -1,
		ConnectEnd:            -1,
		RequestStart:          -1,
		ResponseStart:         -1,
		ResponseEnd:           -1,
	}
}

// Frame WebSocket 帧在控制通道上的编码形式
type Frame struct {
	Message  string `json:"message"`
	IsBase64 bool   `json:"isBase64"`
}

// Message 解码后的 WebSocket 消息
type Message struct {
	Text   string
	Binary []byte
	// IsBinary 为 true 时使用 Binary
	IsBinary bool
}

// TextMessage 创建文本消息
func TextMessage(s string) Message { return Message{Text: s} }

// BinaryMessage 创建二进制消息
func BinaryMessage(b []byte) Message { return Message{Binary: b, IsBinary: true} }

// Encode 将消息编码为帧，二进制使用 base64
func (m Message) Encode() Frame {
	if m.IsBinary {
		return Frame{Message: base64.StdEncoding.EncodeToString(m.Binary), IsBase64: true}
	}
	return Frame{Message: m.Text}
}

// Decode 根据编码标志还原消息
func (f Frame) Decode() (Message, error) {
	if !f.IsBase64 {
		return TextMessage(f.Message), nil
	}
	b, err := base64.StdEncoding.DecodeString(f.Message)
	if err != nil {
		return Message{}, err
	}
	return BinaryMessage(b), nil
}

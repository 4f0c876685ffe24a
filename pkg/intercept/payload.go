package intercept

import (
	"encoding/json"

	"github.com/pkg/errors"

	"cdproute/pkg/traffic"
)

type payloadKind int

const (
	payloadBytes payloadKind = iota
	payloadText
	payloadJSON
)

// Payload 请求体或响应体，可为原始字节、文本或 JSON 值
type Payload struct {
	kind  payloadKind
	raw   []byte
	value any
}

// Bytes 原始字节
func Bytes(b []byte) *Payload { return &Payload{kind: payloadBytes, raw: b} }

// Text UTF-8 文本
func Text(s string) *Payload { return &Payload{kind: payloadText, raw: []byte(s)} }

// JSONValue 序列化为 JSON 的值
func JSONValue(v any) *Payload { return &Payload{kind: payloadJSON, value: v} }

// Encode 编码为字节
func (p *Payload) Encode() ([]byte, error) {
	if p.kind != payloadJSON {
		return p.raw, nil
	}
	b, err := json.Marshal(p.value)
	if err != nil {
		return nil, errors.Wrap(err, "序列化 JSON 失败")
	}
	return b, nil
}

// IsBinary 是否需要以 base64 传输
func (p *Payload) IsBinary() bool { return p.kind == payloadBytes }

// String 返回指针，便于填写可选字段
func String(s string) *string { return &s }

// Overrides 请求覆盖项，未设置的字段保持原值
type Overrides struct {
	URL      *string
	Method   *string
	Headers  map[string]string
	PostData *Payload
}

// overrideRecord 覆盖层中的一条不可变记录
type overrideRecord struct {
	url         *string
	method      *string
	headers     []traffic.HeaderEntry
	hasHeaders  bool
	postData    []byte
	hasPostData bool
}

func (o *Overrides) compile() (overrideRecord, error) {
	var rec overrideRecord
	if o == nil {
		return rec, nil
	}
	rec.url = o.URL
	rec.method = o.Method
	if o.Headers != nil {
		rec.headers = traffic.HeadersFromMap(o.Headers).Entries()
		rec.hasHeaders = true
	}
	if o.PostData != nil {
		b, err := o.PostData.Encode()
		if err != nil {
			return rec, err
		}
		rec.postData = b
		rec.hasPostData = true
	}
	return rec, nil
}

func (r overrideRecord) empty() bool {
	return r.url == nil && r.method == nil && !r.hasHeaders && !r.hasPostData
}

// merge 以后写覆盖先写
func (r overrideRecord) merge(next overrideRecord) overrideRecord {
	if next.url != nil {
		r.url = next.url
	}
	if next.method != nil {
		r.method = next.method
	}
	if next.hasHeaders {
		r.headers, r.hasHeaders = next.headers, true
	}
	if next.hasPostData {
		r.postData, r.hasPostData = next.postData, true
	}
	return r
}

package rules

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"cdproute/internal/urlmatch"
	"cdproute/pkg/intercept"
)

// Ctx 条件求值所需的请求视图
type Ctx struct {
	URL     string
	Method  string
	Headers map[string]string
	Query   map[string]string
	Cookies map[string]string
	Body    string
}

// NewCtx 由请求的当前有效值构建求值上下文
func NewCtx(req *intercept.Request) Ctx {
	ctx := Ctx{
		URL:     req.URL(),
		Method:  req.Method(),
		Headers: req.Headers().SingleValued(),
		Query:   map[string]string{},
		Cookies: map[string]string{},
		Body:    string(req.PostData()),
	}
	if u, err := url.Parse(ctx.URL); err == nil {
		for k, v := range u.Query() {
			if len(v) > 0 {
				ctx.Query[k] = v[0]
			}
		}
	}
	if raw, ok := ctx.Headers["cookie"]; ok {
		hr := http.Request{Header: http.Header{"Cookie": {raw}}}
		for _, c := range hr.Cookies() {
			ctx.Cookies[c.Name] = c.Value
		}
	}
	return ctx
}

// Matches 判断条件组合是否成立，空组合视为成立
func (m Match) Matches(ctx Ctx) bool {
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && noneOf(ctx, m.NoneOf)
	}
	return ok
}

func allOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if !cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func noneOf(ctx Ctx, cs []Condition) bool { return !anyOf(ctx, cs) }

func cond(ctx Ctx, c Condition) bool {
	switch c.Type {
	case "url":
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(ctx.URL, c.Pattern)
		case "regex":
			return matchRegex(ctx.URL, c.Pattern)
		case "exact":
			return ctx.URL == c.Pattern
		default:
			return urlmatch.Glob("", c.Pattern, ctx.URL, false)
		}
	case "method":
		for _, v := range c.Values {
			if strings.EqualFold(ctx.Method, v) {
				return true
			}
		}
		return false
	case "header":
		v, ok := ctx.Headers[strings.ToLower(c.Key)]
		return ok && compare(v, c)
	case "query":
		v, ok := ctx.Query[c.Key]
		return ok && compare(v, c)
	case "cookie":
		v, ok := ctx.Cookies[c.Key]
		return ok && compare(v, c)
	case "text":
		return ctx.Body != "" && compare(ctx.Body, c)
	case "json_pointer":
		if ctx.Body == "" {
			return false
		}
		res := gjson.Get(ctx.Body, pointerPath(c.Pointer))
		if !res.Exists() {
			return false
		}
		v := res.String()
		if res.IsObject() || res.IsArray() {
			v = res.Raw
		}
		return compare(v, c)
	default:
		return false
	}
}

func compare(v string, c Condition) bool {
	switch c.Op {
	case "equals":
		return v == c.Value
	case "contains":
		return strings.Contains(v, c.Value)
	case "regex":
		return matchRegex(v, c.Value)
	default:
		return true
	}
}

// pointerPath 把 JSON Pointer 转为 gjson 路径
func pointerPath(ptr string) string {
	if ptr == "" || ptr[0] != '/' {
		return ""
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, t := range tokens {
		t = strings.ReplaceAll(t, "~1", "/")
		t = strings.ReplaceAll(t, "~0", "~")
		tokens[i] = escapePath(t)
	}
	return strings.Join(tokens, ".")
}

// escapePath 转义 gjson/sjson 路径中的特殊字符
func escapePath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func matchRegex(s, pattern string) bool {
	re, err := urlmatch.CompileJS(pattern, "")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

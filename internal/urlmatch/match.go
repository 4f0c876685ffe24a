package urlmatch

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Glob 判断 URL 是否匹配 glob 模式；非 * 开头的模式基于 baseURL 解析
func Glob(baseURL, pattern, rawURL string, webSocket bool) bool {
	if pattern == "" {
		return true
	}
	resolved := Resolve(baseURL, pattern)
	if webSocket {
		resolved = toWebSocketScheme(resolved)
	}
	re, err := regexCache.Get(GlobToRegexp(resolved))
	if err != nil {
		return false
	}
	if re.MatchString(rawURL) {
		return true
	}
	// 允许 "http://host" 匹配 "http://host/"
	if u, perr := url.Parse(rawURL); perr == nil && u.Path == "/" && strings.HasSuffix(rawURL, "/") {
		return re.MatchString(strings.TrimSuffix(rawURL, "/"))
	}
	return false
}

// GlobToRegexp 将 URL glob 转为锚定正则：** 跨越 /，* 不跨越 /，? 为字面量，{a,b} 为分支
func GlobToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	inGroup := false
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case c == '\\' && i+1 < len(glob):
			i++
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		case c == '*':
			stars := 1
			for i+1 < len(glob) && glob[i+1] == '*' {
				stars++
				i++
			}
			if stars > 1 {
				b.WriteString(".*")
			} else {
				b.WriteString("[^/]*")
			}
		case c == '{':
			inGroup = true
			b.WriteString("(?:")
		case c == '}' && inGroup:
			inGroup = false
			b.WriteString(")")
		case c == ',' && inGroup:
			b.WriteString("|")
		default:
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		}
	}
	if inGroup {
		b.WriteString(")")
	}
	b.WriteString("$")
	return b.String()
}

// Resolve 将相对模式解析为绝对模式
func Resolve(baseURL, pattern string) string {
	if baseURL == "" || strings.HasPrefix(pattern, "*") {
		return pattern
	}
	if u, err := url.Parse(pattern); err == nil && u.IsAbs() {
		return pattern
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return pattern
	}
	ref, err := url.Parse(pattern)
	if err != nil {
		return pattern
	}
	return base.ResolveReference(ref).String()
}

// Regexp 判断 URL 是否匹配正则
func Regexp(re *regexp.Regexp, rawURL string) bool {
	if re == nil {
		return false
	}
	return re.MatchString(rawURL)
}

// CompileJS 按 source/flags 形式编译正则，支持 i m s 标志
func CompileJS(source, flags string) (*regexp.Regexp, error) {
	var prefix strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix.WriteRune(f)
		case 'g', 'y', 'u', 'd':
		default:
			return nil, errors.Errorf("不支持的正则标志: %q", f)
		}
	}
	expr := source
	if prefix.Len() > 0 {
		expr = "(?" + prefix.String() + ")" + source
	}
	return regexCache.Get(expr)
}

// SplitFlags 将 Go 正则拆分为 source 与 flags
func SplitFlags(re *regexp.Regexp) (string, string) {
	src := re.String()
	m := flagPrefix.FindStringSubmatch(src)
	if m == nil {
		return src, ""
	}
	return src[len(m[0]):], m[1]
}

var flagPrefix = regexp.MustCompile(`^\(\?([ims]+)\)`)

func toWebSocketScheme(p string) string {
	switch {
	case strings.HasPrefix(p, "http://"):
		return "ws://" + strings.TrimPrefix(p, "http://")
	case strings.HasPrefix(p, "https://"):
		return "wss://" + strings.TrimPrefix(p, "https://")
	}
	return p
}

type cache struct {
	m sync.Map
}

// Get 获取编译后的正则，失败不缓存
func (c *cache) Get(expr string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load(expr); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "编译正则失败: %s", expr)
	}
	c.m.Store(expr, re)
	return re, nil
}

var regexCache = &cache{}

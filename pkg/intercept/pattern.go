package intercept

import (
	"net/url"
	"regexp"

	"cdproute/internal/urlmatch"
)

type patternKind int

const (
	patternGlob patternKind = iota
	patternRegexp
	patternPredicate
)

// Pattern 选择被拦截 URL 的模式：glob、正则或谓词
type Pattern struct {
	kind patternKind
	glob string
	re   *regexp.Regexp
	pred func(u *url.URL) bool
}

// Glob glob 模式，** 跨路径段，* 不跨 /，? 按字面匹配
func Glob(s string) Pattern { return Pattern{kind: patternGlob, glob: s} }

// Regexp 正则模式
func Regexp(re *regexp.Regexp) Pattern { return Pattern{kind: patternRegexp, re: re} }

// Predicate 谓词模式，无法下发到远端
func Predicate(fn func(u *url.URL) bool) Pattern { return Pattern{kind: patternPredicate, pred: fn} }

// CatchAll 匹配全部 URL 的 glob
const CatchAll = "**/*"

// Matches 判断 URL 是否命中
func (p Pattern) Matches(baseURL, rawURL string, webSocket bool) bool {
	switch p.kind {
	case patternRegexp:
		return urlmatch.Regexp(p.re, rawURL)
	case patternPredicate:
		u, err := url.Parse(rawURL)
		if err != nil {
			return false
		}
		return p.pred(u)
	default:
		return urlmatch.Glob(baseURL, p.glob, rawURL, webSocket)
	}
}

// Equal 谓词模式之间永不相等
func (p Pattern) Equal(other Pattern) bool {
	if p.kind != other.kind {
		return false
	}
	switch p.kind {
	case patternGlob:
		return p.glob == other.glob
	case patternRegexp:
		return p.re.String() == other.re.String()
	}
	return false
}

// String 模式的可读形式
func (p Pattern) String() string {
	switch p.kind {
	case patternRegexp:
		return "/" + p.re.String() + "/"
	case patternPredicate:
		return "<predicate>"
	}
	return p.glob
}

func (p Pattern) remote() (RemotePattern, bool) {
	switch p.kind {
	case patternGlob:
		return RemotePattern{Glob: p.glob}, true
	case patternRegexp:
		src, flags := urlmatch.SplitFlags(p.re)
		return RemotePattern{RegexSource: src, RegexFlags: flags}, true
	}
	return RemotePattern{}, false
}

// InterceptionPatterns 将模式转换为远端格式，存在谓词时退化为单个全匹配 glob
func InterceptionPatterns(patterns []Pattern) []RemotePattern {
	out := make([]RemotePattern, 0, len(patterns))
	for _, p := range patterns {
		rp, ok := p.remote()
		if !ok {
			return []RemotePattern{{Glob: CatchAll}}
		}
		out = append(out, rp)
	}
	return out
}

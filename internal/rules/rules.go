package rules

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 动作类型
const (
	ActionContinue = "continue"
	ActionFulfill  = "fulfill"
	ActionAbort    = "abort"
	ActionFallback = "fallback"
	ActionRedirect = "redirect"
)

// WebSocket 规则模式
const (
	ModeMock        = "mock"
	ModePassthrough = "passthrough"
)

// File 规则文件
type File struct {
	Version   string          `yaml:"version"`
	// Include 相对本文件目录的 glob，命中的规则文件追加在本文件规则之后
	Include   []string        `yaml:"include"`
	Rules     []Rule          `yaml:"rules"`
	WebSocket []WebSocketRule `yaml:"websocket"`
}

// Rule 单条 HTTP 规则
type Rule struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Regex    string `yaml:"regex"`
	Priority int    `yaml:"priority"`
	Times    int    `yaml:"times"`
	Match    Match  `yaml:"match"`
	Action   Action `yaml:"action"`
}

// Match 条件组合
type Match struct {
	AllOf  []Condition `yaml:"allOf"`
	AnyOf  []Condition `yaml:"anyOf"`
	NoneOf []Condition `yaml:"noneOf"`
}

// Condition 单个条件
type Condition struct {
	Type    string   `yaml:"type"` // url method header query cookie text json_pointer
	Mode    string   `yaml:"mode"` // url: glob prefix regex exact
	Pattern string   `yaml:"pattern"`
	Values  []string `yaml:"values"`
	Key     string   `yaml:"key"`
	Op      string   `yaml:"op"` // equals contains regex，空表示存在即可
	Value   string   `yaml:"value"`
	Pointer string   `yaml:"pointer"`
}

// Action 命中后的动作
type Action struct {
	Type        string            `yaml:"type"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	SetJSON     map[string]any    `yaml:"setJSON"`
	Status      int               `yaml:"status"`
	ContentType string            `yaml:"contentType"`
	Body        *string           `yaml:"body"`
	JSON        any               `yaml:"json"`
	Path        string            `yaml:"path"`
	Error       string            `yaml:"error"`
}

// WebSocketRule WebSocket 规则
type WebSocketRule struct {
	ID    string `yaml:"id"`
	URL   string `yaml:"url"`
	Regex string `yaml:"regex"`
	Mode  string `yaml:"mode"`
	// Reply 模拟模式下对每条页面消息的回复，空则原样回显
	Reply string `yaml:"reply"`
	// Tap 透传模式下把每条服务端消息追加的前缀
	Tap string `yaml:"tap"`
}

// Load 读取并校验规则文件，展开 include
func Load(path string) (*File, error) {
	return load(path, map[string]bool{})
}

func load(path string, seen map[string]bool) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "解析规则路径失败: %s", path)
	}
	if seen[abs] {
		return &File{}, nil
	}
	seen[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "读取规则文件失败: %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "规则文件: %s", path)
	}
	for _, inc := range f.Include {
		matches, err := includeFiles(filepath.Dir(abs), inc)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			sub, err := load(m, seen)
			if err != nil {
				return nil, err
			}
			f.Rules = append(f.Rules, sub.Rules...)
			f.WebSocket = append(f.WebSocket, sub.WebSocket...)
		}
	}
	return f, nil
}

// includeFiles 按 glob 查找被包含的规则文件，结果按路径排序
func includeFiles(dir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "展开 include 失败: %s", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

// Parse 解析规则内容
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "解析规则失败")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate 检查规则字段
func (f *File) Validate() error {
	for i, r := range f.Rules {
		if r.URL != "" && r.Regex != "" {
			return errors.Errorf("规则 %d(%s): url 与 regex 不能同时设置", i, r.ID)
		}
		switch r.Action.Type {
		case ActionContinue, ActionFallback, "":
		case ActionFulfill:
			if r.Action.Body != nil && r.Action.JSON != nil {
				return errors.Errorf("规则 %d(%s): body 与 json 不能同时设置", i, r.ID)
			}
		case ActionAbort:
		case ActionRedirect:
			if r.Action.URL == "" {
				return errors.Errorf("规则 %d(%s): redirect 需要 url", i, r.ID)
			}
		default:
			return errors.Errorf("规则 %d(%s): 未知动作 %q", i, r.ID, r.Action.Type)
		}
	}
	for i, w := range f.WebSocket {
		if w.URL != "" && w.Regex != "" {
			return errors.Errorf("WebSocket 规则 %d(%s): url 与 regex 不能同时设置", i, w.ID)
		}
		switch w.Mode {
		case ModeMock, ModePassthrough, "":
		default:
			return errors.Errorf("WebSocket 规则 %d(%s): 未知模式 %q", i, w.ID, w.Mode)
		}
	}
	return nil
}

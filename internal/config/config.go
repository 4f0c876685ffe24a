package config

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 CDPROUTE_SESSION_DEVTOOLSURL
const EnvPrefix = "CDPROUTE"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Session struct {
		DevToolsURL      string `yaml:"devToolsURL"`
		Concurrency      int    `yaml:"concurrency"`
		ProcessTimeoutMS int    `yaml:"processTimeoutMS"`
		PendingCapacity  int    `yaml:"pendingCapacity"`
	} `yaml:"session"`

	WebSocket struct {
		Listen string `yaml:"listen"`
	} `yaml:"websocket"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Sqlite.Dsn = "db.sqlite3"
	cfg.Sqlite.Prefix = "cdproute_"
	cfg.Log.Level = "info"
	cfg.Log.Writer = []string{"console", "file"}
	cfg.Log.File = "logs/cdproute.log"
	cfg.Session.DevToolsURL = "http://127.0.0.1:9222"
	cfg.Session.Concurrency = 8
	cfg.Session.ProcessTimeoutMS = 3000
	cfg.WebSocket.Listen = "127.0.0.1:0"
	return cfg
}

// Load 在默认配置上依次叠加配置文件与环境变量；path 为空时跳过文件
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "读取配置文件失败: %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "解析配置文件失败: %s", path)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "读取环境变量失败")
	}
	if cfg.Session.Concurrency < 0 {
		return nil, errors.Errorf("session.concurrency 不能为负数: %d", cfg.Session.Concurrency)
	}
	return cfg, nil
}

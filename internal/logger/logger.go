package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口，参数为键值对
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志构建选项
type Options struct {
	Level    string
	Writers  []string // console, file
	File     string
	MaxSize  int // MB
	MaxFiles int
}

// ZeroLogger 基于 zerolog 的实现
type ZeroLogger struct {
	zl zerolog.Logger
}

// New 根据选项创建日志器
func New(opts Options) *ZeroLogger {
	var writers []io.Writer
	for _, w := range opts.Writers {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = "logs/cdproute.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    orDefault(opts.MaxSize, 20),
				MaxBackups: orDefault(opts.MaxFiles, 5),
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &ZeroLogger{zl: zl}
}

// NewWithWriter 写入指定 writer，主要用于测试
func NewWithWriter(w io.Writer, level zerolog.Level) *ZeroLogger {
	return &ZeroLogger{zl: zerolog.New(w).Level(level)}
}

// Debug 记录调试日志
func (l *ZeroLogger) Debug(msg string, kv ...any) { fields(l.zl.Debug(), kv).Msg(msg) }

// Info 记录信息日志
func (l *ZeroLogger) Info(msg string, kv ...any) { fields(l.zl.Info(), kv).Msg(msg) }

// Warn 记录警告日志
func (l *ZeroLogger) Warn(msg string, kv ...any) { fields(l.zl.Warn(), kv).Msg(msg) }

// Error 记录错误日志
func (l *ZeroLogger) Error(msg string, kv ...any) { fields(l.zl.Error(), kv).Msg(msg) }

// Err 记录携带错误的日志
func (l *ZeroLogger) Err(err error, msg string, kv ...any) {
	fields(l.zl.Error().Err(err), kv).Msg(msg)
}

// With 返回附加固定字段的子日志器
func (l *ZeroLogger) With(kv ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Interface(key(kv[i]), kv[i+1])
	}
	return &ZeroLogger{zl: ctx.Logger()}
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			e = e.Interface("!BADKEY", kv[i])
			break
		}
		switch v := kv[i+1].(type) {
		case error:
			e = e.AnErr(key(kv[i]), v)
		case string:
			e = e.Str(key(kv[i]), v)
		case time.Duration:
			e = e.Dur(key(kv[i]), v)
		default:
			e = e.Interface(key(kv[i]), v)
		}
	}
	return e
}

func key(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

type nop struct{}

// NewNop 返回丢弃全部日志的实现
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any)      {}
func (nop) Info(string, ...any)       {}
func (nop) Warn(string, ...any)       {}
func (nop) Error(string, ...any)      {}
func (nop) Err(error, string, ...any) {}
func (n nop) With(...any) Logger      { return n }

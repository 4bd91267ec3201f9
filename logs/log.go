package logs

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

// Logger 每个组件/节点持有自己的 Logger，避免多个节点实例在同一进程里互相串日志
type Logger interface {
	Trace(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Verbose(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	Named(name string) Logger
}

type nodeLogger struct {
	hc hclog.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewNodeLogger("", LevelInfo)
)

// NewNodeLogger 创建节点私有的 Logger，名字取地址前 8 个字符
func NewNodeLogger(address string, level int) Logger {
	name := strings.TrimPrefix(address, "0x")
	if len(name) > 8 {
		name = name[:8]
	}
	return &nodeLogger{
		hc: hclog.New(&hclog.LoggerOptions{
			Name:       name,
			Level:      toHclogLevel(level),
			Output:     os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.000000",
		}),
	}
}

// ParseLevel 把配置里的字符串转换成日志级别，无法识别时返回 LevelInfo
func ParseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "verbose":
		return LevelVerbose
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func toHclogLevel(level int) hclog.Level {
	switch level {
	case LevelTrace:
		return hclog.Trace
	case LevelDebug, LevelVerbose:
		return hclog.Debug
	case LevelWarning:
		return hclog.Warn
	case LevelError:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (l *nodeLogger) Trace(format string, v ...interface{}) {
	if l.hc.IsTrace() {
		l.hc.Trace(fmt.Sprintf(format, v...))
	}
}

func (l *nodeLogger) Debug(format string, v ...interface{}) {
	if l.hc.IsDebug() {
		l.hc.Debug(fmt.Sprintf(format, v...))
	}
}

// Verbose hclog 没有单独的 verbose 级别，归到 debug
func (l *nodeLogger) Verbose(format string, v ...interface{}) {
	if l.hc.IsDebug() {
		l.hc.Debug(fmt.Sprintf(format, v...))
	}
}

func (l *nodeLogger) Info(format string, v ...interface{}) {
	if l.hc.IsInfo() {
		l.hc.Info(fmt.Sprintf(format, v...))
	}
}

func (l *nodeLogger) Warn(format string, v ...interface{}) {
	if l.hc.IsWarn() {
		l.hc.Warn(fmt.Sprintf(format, v...))
	}
}

func (l *nodeLogger) Error(format string, v ...interface{}) {
	l.hc.Error(fmt.Sprintf(format, v...))
}

func (l *nodeLogger) Named(name string) Logger {
	return &nodeLogger{hc: l.hc.Named(name)}
}

// SetDefault 替换包级别默认 Logger
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default 返回包级别默认 Logger
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// 包级别的日志方法
func Trace(format string, v ...interface{})   { Default().Trace(format, v...) }
func Debug(format string, v ...interface{})   { Default().Debug(format, v...) }
func Verbose(format string, v ...interface{}) { Default().Verbose(format, v...) }
func Info(format string, v ...interface{})    { Default().Info(format, v...) }
func Warn(format string, v ...interface{})    { Default().Warn(format, v...) }
func Error(format string, v ...interface{})   { Default().Error(format, v...) }

// Discard 测试里用，丢弃所有输出
func Discard() Logger {
	return &nodeLogger{hc: hclog.NewNullLogger()}
}

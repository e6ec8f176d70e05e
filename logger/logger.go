package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu sync.RWMutex
	// Logger 调试/警告日志
	Logger = newDefault(os.Stderr)
	// InfoLogger 信息日志
	InfoLogger = newDefault(os.Stderr)
	// ErrorLogger 错误日志
	ErrorLogger = newDefault(os.Stderr)
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// CustomFormatter renders "[time] [LEVL] (caller) message k=v ...".
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = "15:04:05 MST 2006/01/02"
	}

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] (%s) %s", entry.Time.Format(layout), level, getCaller(), entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// getCaller skips logrus frames and this package.
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") || strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

// ParseLogLevel 解析日志级别, 未知值按 info 处理
func ParseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

func newDefault(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&CustomFormatter{})
	l.SetLevel(logrus.WarnLevel)
	return l
}

// InitLogger 初始化日志
func InitLogger(config LogConfig) error {
	level := ParseLogLevel(config.LogLevel)
	formatter := &CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"}

	info := logrus.New()
	info.SetFormatter(formatter)
	info.SetLevel(level)
	info.SetOutput(os.Stdout)
	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			info.Warnf("failed to open info log %s, falling back to stdout: %v", config.InfoLogPath, err)
		} else {
			info.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	errLog := logrus.New()
	errLog.SetFormatter(formatter)
	errLog.SetLevel(level)
	errLog.SetOutput(os.Stderr)
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			errLog.Warnf("failed to open error log %s, falling back to stderr: %v", config.ErrorLogPath, err)
		} else {
			errLog.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	base := logrus.New()
	base.SetFormatter(formatter)
	base.SetLevel(level)
	base.SetOutput(info.Out)

	mu.Lock()
	Logger, InfoLogger, ErrorLogger = base, info, errLog
	mu.Unlock()
	return nil
}

// SetOutput redirects every logger to w; used by tests.
func SetOutput(w io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range []*logrus.Logger{Logger, InfoLogger, ErrorLogger} {
		l.SetOutput(w)
		l.SetLevel(ParseLogLevel(level))
	}
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

func debugLogger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

func infoLogger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return InfoLogger
}

func errorLogger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return ErrorLogger
}

// Fields is re-exported so callers need not import logrus.
type Fields = logrus.Fields

// WithFields 返回带结构化字段的日志条目
func WithFields(fields Fields) *logrus.Entry {
	return debugLogger().WithFields(fields)
}

func Debugf(format string, args ...interface{}) {
	debugLogger().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	infoLogger().Infof(format, args...)
}

func Info(args ...interface{}) {
	infoLogger().Info(args...)
}

func Warnf(format string, args ...interface{}) {
	debugLogger().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	errorLogger().Errorf(format, args...)
}

func Error(args ...interface{}) {
	errorLogger().Error(args...)
}

func Fatalf(format string, args ...interface{}) {
	errorLogger().Fatalf(format, args...)
}

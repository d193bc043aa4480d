package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Options 日志配置
type Options struct {
	Level       string   // debug, info, warn, error
	Development bool     // 开发模式
	Encoding    string   // console 或 json
	OutputPaths []string // 默认 stdout
}

// Init 初始化日志
func Init(opts Options) error {
	var zapLevel zapcore.Level
	switch opts.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := opts.Encoding
	if encoding != "json" {
		encoding = "console"
	}
	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	encodeLevel := zapcore.CapitalLevelEncoder
	if encoding == "console" && opts.Development {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: opts.Development,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	built, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	log = built
	sugar = built.Sugar()
	mu.Unlock()
	return nil
}

// L 获取 logger
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		return l
	}
	// 未初始化时使用默认配置
	_ = Init(Options{Level: "info"})
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// S 获取 sugared logger
func S() *zap.SugaredLogger {
	L()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Sync 同步日志
func Sync() error {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}

// With 创建带字段的 logger
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal 致命错误日志
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
	os.Exit(1)
}

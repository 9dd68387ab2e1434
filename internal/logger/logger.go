// Package logger 构建进程使用的 zap 日志器，支持按大小轮转的日志文件。
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"` // 日志级别
	File       string `yaml:"file"`                                                   // 日志文件路径，为空表示不写文件
	MaxSize    int    `yaml:"max_size" validate:"gte=0"`                              // 单个日志文件最大大小（MB）
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`                           // 最大保留历史日志文件数
	MaxAge     int    `yaml:"max_age" validate:"gte=0"`                               // 日志文件保留天数
	Compress   bool   `yaml:"compress"`                                               // 是否压缩历史日志
	Console    bool   `yaml:"console"`                                                // 是否同时输出到控制台
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ParseLevel 未知级别按 info 处理
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// RotatingWriter 创建日志目录并返回按大小轮转的文件 writer
func RotatingWriter(cfg Config) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}, nil
}

// New 控制台使用可读格式输出到 stderr，文件使用 JSON 格式。
// 未配置任何输出时仍输出到控制台。
func New(cfg Config) (*zap.Logger, error) {
	return newWithConsole(cfg, os.Stderr)
}

func newWithConsole(cfg Config, console io.Writer) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	encCfg := encoderConfig()

	var cores []zapcore.Core
	if cfg.File != "" {
		w, err := RotatingWriter(cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), level))
	}
	if cfg.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(console), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

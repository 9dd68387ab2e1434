// Package audit 记录连接、命令执行与控制台登录的审计日志（access.log，每行一条 JSON）。
// 写入的主机地址和命令文本都是虚拟化后的，日志中不会出现真实地址与密码。
package audit

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shellgate/internal/logger"
)

// Target 审计记录中的服务器信息
type Target struct {
	ID          string
	Name        string
	VirtualHost string
	Port        int
	User        string
}

func (t Target) fields() []zap.Field {
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return []zap.Field{
		zap.String("id", t.ID),
		zap.String("name", t.Name),
		zap.String("host", t.VirtualHost),
		zap.Int("port", port),
		zap.String("user", t.User),
	}
}

// Logger 审计日志器，nil 或 Nop 时不记录
type Logger struct {
	log    *zap.Logger
	closer io.Closer
}

// New 写入按大小轮转的 path 文件
func New(path string) (*Logger, error) {
	w, err := logger.RotatingWriter(logger.Config{File: path, MaxSize: 50, MaxBackups: 5, MaxAge: 90})
	if err != nil {
		return nil, err
	}
	l := NewWithWriter(w)
	l.closer = w
	return l, nil
}

// NewWithWriter 写入任意 writer
func NewWithWriter(w io.Writer) *Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.InfoLevel)
	return &Logger{log: zap.New(core)}
}

// Nop 不记录任何内容
func Nop() *Logger {
	return &Logger{log: zap.NewNop()}
}

func (l *Logger) write(event string, fields ...zap.Field) {
	if l == nil || l.log == nil {
		return
	}
	l.log.Info(event, fields...)
}

// ConnectStart 发起 SSH 连接时立即记录（Connect 阻塞前调用）
func (l *Logger) ConnectStart(t Target) {
	l.write("connect", append(t.fields(), zap.String("status", "started"))...)
}

// Connect 记录连接结束：成功或失败。errText 必须已虚拟化
func (l *Logger) Connect(t Target, errText string) {
	fields := t.fields()
	if errText == "" {
		fields = append(fields, zap.String("status", "success"))
	} else {
		fields = append(fields, zap.String("status", "failure"), zap.String("err", errText))
	}
	l.write("connect", fields...)
}

// Disconnect 记录主动断开
func (l *Logger) Disconnect(t Target) {
	l.write("disconnect", t.fields()...)
}

// Exec 记录一次已执行的命令
func (l *Logger) Exec(t Target, command, level string, exitCode int, elapsed time.Duration, errText string) {
	fields := append(t.fields(),
		zap.String("command", command),
		zap.String("risk", level),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", elapsed),
	)
	if errText != "" {
		fields = append(fields, zap.String("err", errText))
	}
	l.write("exec", fields...)
}

// Denied 记录未获授权而拒绝执行的命令
func (l *Logger) Denied(t Target, command, level, reason string) {
	l.write("denied", append(t.fields(),
		zap.String("command", command),
		zap.String("risk", level),
		zap.String("reason", reason),
	)...)
}

// Auth 记录控制台认证事件：setup、login、logout、reset。
// status 为 success 或 failure，remote 为请求来源地址
func (l *Logger) Auth(action, remote, status, detail string) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("remote", remote),
		zap.String("status", status),
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	l.write("auth", fields...)
}

// Close 刷新并关闭底层文件
func (l *Logger) Close() error {
	if l == nil || l.log == nil {
		return nil
	}
	_ = l.log.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

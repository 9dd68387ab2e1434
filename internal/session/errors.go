package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected 没有可用的连接，调用方需先 Connect
	ErrNotConnected = errors.New("未连接到服务器")
	// ErrProfileNotFound 主机配置不存在
	ErrProfileNotFound = errors.New("服务器不存在")
)

// ConnectionError 建立连接失败：认证被拒、网络不可达或超时
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError 命令写出了 stderr，不一定是致命错误
type ExecutionError struct {
	Stderr string
}

func (e *ExecutionError) Error() string { return e.Stderr }

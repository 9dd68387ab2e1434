package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ErrClosed 传输层已关闭（主动断开或连接丢失）
var ErrClosed = errors.New("连接已关闭")

// DialOptions 建立连接所需的参数
type DialOptions struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Addr 返回 host:port，端口为空时默认 22
func (o DialOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(port(o.Port)))
}

func port(p int) int {
	if p > 0 {
		return p
	}
	return 22
}

// Transport 一条已认证的 SSH 连接；同一连接上的命令串行执行
type Transport struct {
	client *ssh.Client
	slot   chan struct{} // 容量为 1，持有者独占执行

	closeOnce sync.Once
	closed    chan struct{}
	onLost    func() // 非主动关闭时回调
	closing   bool
	mu        sync.Mutex
}

// Dial 建立连接，握手同时受 ctx 取消与截止时间约束
func Dial(ctx context.Context, opts DialOptions) (*Transport, error) {
	config, err := buildClientConfig(opts.User, opts.Password)
	if err != nil {
		return nil, err
	}

	addr := opts.Addr()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}
	// 握手期间 ctx 取消或超时时直接关闭底层连接
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, fmt.Errorf("握手超时: %w", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("握手失败: %w", err)
	}

	t := &Transport{
		client: ssh.NewClient(c, chans, reqs),
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go t.watch()
	return t, nil
}

func buildClientConfig(user, password string) (*ssh.ClientConfig, error) {
	if user == "" {
		return nil, errors.New("用户名不能为空")
	}
	auth := []ssh.AuthMethod{
		ssh.Password(password),
		// 部分服务器只开放 keyboard-interactive
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}

// watch 等待连接结束，远端断开时触发 onLost
func (t *Transport) watch() {
	_ = t.client.Wait()
	t.mu.Lock()
	lost := !t.closing
	t.closing = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })

	// 先关闭 closed 再读取回调：读取之后才注册的调用方一定能从 Done 看到断开
	t.mu.Lock()
	cb := t.onLost
	t.mu.Unlock()
	if lost && cb != nil {
		cb()
	}
}

// OnLost 注册连接意外断开时的回调，主动 Close 不会触发。
// 注册晚于断开时回调可能不会被调用，调用方注册后应再检查一次 Done。
func (t *Transport) OnLost(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = fn
}

// Done 连接关闭后该 channel 被关闭
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

// Close 主动关闭连接，所有等待中或执行中的命令返回 ErrClosed
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	err := t.client.Close()
	t.closeOnce.Do(func() { close(t.closed) })
	return err
}

// Result 一次远程执行的输出
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run 在新的 session 中执行一条命令，stdout/stderr 分别缓冲。
// 命令以非零状态退出不算错误，退出码写入 Result.ExitCode。
func (t *Transport) Run(ctx context.Context, command string) (*Result, error) {
	select {
	case t.slot <- struct{}{}:
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.slot }()

	// 排队期间可能已断开
	if t.isClosed() {
		return nil, ErrClosed
	}

	session, err := t.client.NewSession()
	if err != nil {
		if t.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		if t.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("启动命令失败: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case waitErr := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if waitErr == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if t.isClosed() {
			return nil, ErrClosed
		}
		return res, fmt.Errorf("命令执行失败: %w", waitErr)
	case <-t.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}
}

// isClosed 已进入关闭流程（主动或远端断开）
func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

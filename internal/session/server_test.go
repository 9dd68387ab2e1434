package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/require"

	"shellgate/internal/ssh"
)

const (
	testUser     = "root"
	testPassword = "hunter2"
)

// fakeServer 进程内 SSH 服务器，按命令返回预设输出
type fakeServer struct {
	srv  *gliderssh.Server
	host string
	port int

	probeOutput string        // 系统信息探测的输出
	promptDelay time.Duration // 读取 PS1 前的延迟
	execDelay   time.Duration // 普通命令的执行延迟

	started   chan string // 每条命令开始执行时写入
	active    int32
	maxActive int32
	mu        sync.Mutex
	commands  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{started: make(chan string, 64)}
	fs.srv = &gliderssh.Server{
		Handler: fs.handle,
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return ctx.User() == testUser && password == testPassword
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	fs.host = addr.IP.String()
	fs.port = addr.Port

	go fs.srv.Serve(ln)
	t.Cleanup(func() { fs.srv.Close() })
	return fs
}

func (fs *fakeServer) handle(s gliderssh.Session) {
	cmd := s.RawCommand()
	fs.mu.Lock()
	fs.commands = append(fs.commands, cmd)
	fs.mu.Unlock()

	n := atomic.AddInt32(&fs.active, 1)
	defer atomic.AddInt32(&fs.active, -1)
	for {
		max := atomic.LoadInt32(&fs.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&fs.maxActive, max, n) {
			break
		}
	}

	select {
	case fs.started <- cmd:
	default:
	}

	switch {
	case strings.Contains(cmd, markerCPU):
		io.WriteString(s, fs.probeOutput)
	case strings.Contains(cmd, "PS1"):
		if !sleepCtx(s.Context(), fs.promptDelay) {
			return
		}
		io.WriteString(s, "root@web1:~# \n")
	case cmd == "block":
		<-s.Context().Done()
		return
	case cmd == "fail":
		io.WriteString(s, "partial\n")
		io.WriteString(s.Stderr(), "boom\n")
		s.Exit(2)
		return
	case cmd == "drop":
		// 不发送退出码直接关闭通道
		io.WriteString(s, "partial\n")
		io.WriteString(s.Stderr(), "half\n")
		s.Close()
		return
	case strings.HasPrefix(cmd, "echo "):
		if !sleepCtx(s.Context(), fs.execDelay) {
			return
		}
		io.WriteString(s, strings.TrimPrefix(cmd, "echo ")+"\n")
	default:
		io.WriteString(s.Stderr(), "command not found\n")
		s.Exit(127)
		return
	}
	s.Exit(0)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// dialer 忽略配置中的地址，总是连到假服务器
func (fs *fakeServer) dialer() DialFunc {
	return func(ctx context.Context, opts ssh.DialOptions) (*ssh.Transport, error) {
		opts.Host = fs.host
		opts.Port = fs.port
		return ssh.Dial(ctx, opts)
	}
}

func (fs *fakeServer) input(name string) ProfileInput {
	return ProfileInput{
		Name:     name,
		Host:     fs.host,
		Port:     fs.port,
		Username: testUser,
		Password: testPassword,
	}
}

func (fs *fakeServer) addr() string {
	return net.JoinHostPort(fs.host, strconv.Itoa(fs.port))
}

func (fs *fakeServer) String() string {
	return fmt.Sprintf("fakeServer(%s)", fs.addr())
}

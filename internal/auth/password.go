package auth

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"shellgate/internal/audit"
)

const bcryptCost = 12

// MinPasswordLen 主密码最短长度
const MinPasswordLen = 6

const (
	maxFailures = 5           // 连续失败次数上限
	lockoutFor  = time.Minute // 达到上限后的锁定时长
)

// ErrPasswordTooShort 主密码长度不足
var ErrPasswordTooShort = errors.New("密码至少 6 位")

// Options Guard 的可选依赖
type Options struct {
	Logger *zap.Logger
	Audit  *audit.Logger
}

// Guard 主密码与登录会话。哈希保存在 dir/.auth_hash，会话只保存在内存中，进程重启后需重新登录
type Guard struct {
	hashPath string
	cost     int
	logger   *zap.Logger
	audit    *audit.Logger

	mu          sync.RWMutex
	sessions    map[string]time.Time
	failures    int
	lockedUntil time.Time
	now         func() time.Time
}

// New dir 通常为 config.Dir()
func New(dir string, opts Options) *Guard {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Guard{
		hashPath: filepath.Join(dir, ".auth_hash"),
		cost:     bcryptCost,
		logger:   opts.Logger,
		audit:    opts.Audit,
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// locked 是否处于连续失败后的锁定期，返回剩余时间
func (g *Guard) locked() (time.Duration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	left := g.lockedUntil.Sub(g.now())
	return left, left > 0
}

// recordAttempt 记录一次密码校验结果，返回本次是否触发锁定
func (g *Guard) recordAttempt(ok bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok {
		g.failures = 0
		return false
	}
	g.failures++
	if g.failures < maxFailures {
		return false
	}
	g.failures = 0
	g.lockedUntil = g.now().Add(lockoutFor)
	return true
}

// HasPassword 是否已设置主密码（存在哈希文件）
func (g *Guard) HasPassword() (bool, error) {
	_, err := os.Stat(g.hashPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// SetPassword 设置主密码（写入 bcrypt 哈希，仅后端存储）
func (g *Guard) SetPassword(password string) error {
	if len(password) < MinPasswordLen {
		return ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.hashPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(g.hashPath, hash, 0600)
}

// VerifyPassword 验证主密码，未设置时返回 false
func (g *Guard) VerifyPassword(password string) (bool, error) {
	data, err := os.ReadFile(g.hashPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	err = bcrypt.CompareHashAndPassword(data, []byte(password))
	return err == nil, nil
}

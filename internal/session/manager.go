// Package session 管理主机配置注册表与其 SSH 连接的生命周期：
// 连接/断开、执行命令、采集系统信息、探测延迟与读取提示符。
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shellgate/internal/models"
	"shellgate/internal/ssh"
)

// 默认超时
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultLatencyTimeout = 5 * time.Second
	DefaultPromptTimeout  = 2 * time.Second
)

// DefaultPrompt 读取提示符失败时的回落值
const DefaultPrompt = "$ "

// DialFunc 建立传输层连接，测试中可替换
type DialFunc func(ctx context.Context, opts ssh.DialOptions) (*ssh.Transport, error)

// Options 管理器配置
type Options struct {
	ConnectTimeout time.Duration
	LatencyTimeout time.Duration
	PromptTimeout  time.Duration
	CommandTimeout time.Duration // 0 表示只受调用方 ctx 约束
	Logger         *zap.Logger
	Dial           DialFunc
}

// Manager 主机注册表与连接注册表。两者在同一把锁下变更，
// 保证 Status == connected 当且仅当存在已登记的连接。
type Manager struct {
	mu         sync.RWMutex
	profiles   map[string]*models.ServerProfile
	order      []string
	transports map[string]*ssh.Transport
	current    string

	opts     Options
	logger   *zap.Logger
	validate *validator.Validate
}

// NewManager 创建管理器，未设置的选项取默认值
func NewManager(opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.LatencyTimeout <= 0 {
		opts.LatencyTimeout = DefaultLatencyTimeout
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = ssh.Dial
	}
	return &Manager{
		profiles:   make(map[string]*models.ServerProfile),
		transports: make(map[string]*ssh.Transport),
		opts:       opts,
		logger:     opts.Logger,
		validate:   validator.New(),
	}
}

// ProfileInput 新建主机配置的参数
type ProfileInput struct {
	ID       string `json:"id"` // 可选，导入已有配置时保留原 ID
	Name     string `json:"name" validate:"required"`
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
}

func (in *ProfileInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	if in.Port == 0 {
		in.Port = 22
	}
}

// ProfileUpdate 部分更新，nil 字段保持不变
type ProfileUpdate struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1"`
	Host     *string `json:"host,omitempty" validate:"omitempty,min=1"`
	Port     *int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username *string `json:"username,omitempty" validate:"omitempty,min=1"`
	Password *string `json:"password,omitempty"`
}

// AddProfile 新增主机配置，初始状态为 disconnected
func (m *Manager) AddProfile(in ProfileInput) (models.ServerProfile, error) {
	in.normalize()
	if err := m.validate.Struct(in); err != nil {
		return models.ServerProfile{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.profiles[id]; exists {
		id = uuid.NewString()
	}
	p := &models.ServerProfile{
		ID:       id,
		Name:     in.Name,
		Host:     in.Host,
		Port:     in.Port,
		Username: in.Username,
		Password: in.Password,
		Status:   models.StatusDisconnected,
	}
	m.profiles[id] = p
	m.order = append(m.order, id)
	m.logger.Info("新增服务器", zap.String("id", id), zap.String("name", p.Name))
	return p.Clone(), nil
}

// UpdateProfile 部分更新主机配置；状态与系统信息只能由连接相关操作修改
func (m *Manager) UpdateProfile(id string, upd ProfileUpdate) (models.ServerProfile, error) {
	if err := m.validate.Struct(upd); err != nil {
		return models.ServerProfile{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return models.ServerProfile{}, ErrProfileNotFound
	}
	if upd.Name != nil {
		p.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Host != nil {
		p.Host = strings.TrimSpace(*upd.Host)
	}
	if upd.Port != nil {
		p.Port = *upd.Port
	}
	if upd.Username != nil {
		p.Username = strings.TrimSpace(*upd.Username)
	}
	if upd.Password != nil {
		p.Password = *upd.Password
	}
	return p.Clone(), nil
}

// DeleteProfile 先断开连接再删除配置
func (m *Manager) DeleteProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return ErrProfileNotFound
	}
	m.dropTransportLocked(id)
	delete(m.profiles, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.current == id {
		m.current = ""
	}
	m.logger.Info("删除服务器", zap.String("id", id))
	return nil
}

// GetProfile 返回配置副本
func (m *Manager) GetProfile(id string) (models.ServerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return models.ServerProfile{}, ErrProfileNotFound
	}
	return p.Clone(), nil
}

// ListProfiles 按添加顺序返回全部配置副本
func (m *Manager) ListProfiles() []models.ServerProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ServerProfile, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.profiles[id].Clone())
	}
	return out
}

// SetCurrentProfile 设置当前选中的服务器
func (m *Manager) SetCurrentProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return ErrProfileNotFound
	}
	m.current = id
	return nil
}

// CurrentProfile 返回当前选中的服务器
func (m *Manager) CurrentProfile() (models.ServerProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return models.ServerProfile{}, false
	}
	p, ok := m.profiles[m.current]
	if !ok {
		return models.ServerProfile{}, false
	}
	return p.Clone(), true
}

// Connect 建立连接，受 ConnectTimeout 约束。
// 已连接时先关闭旧连接再登记新连接。
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.RLock()
	p, ok := m.profiles[id]
	var opts ssh.DialOptions
	if ok {
		opts = ssh.DialOptions{Host: p.Host, Port: p.Port, User: p.Username, Password: p.Password}
	}
	m.mu.RUnlock()
	if !ok {
		return ErrProfileNotFound
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	t, err := m.opts.Dial(dialCtx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok = m.profiles[id]
	if !ok {
		// 连接期间配置被删除
		if t != nil {
			t.Close()
		}
		return ErrProfileNotFound
	}
	if err != nil {
		m.dropTransportLocked(id)
		p.Status = models.StatusError
		p.LastError = err.Error()
		m.logger.Warn("连接服务器失败", zap.String("id", id), zap.String("name", p.Name), zap.Error(err))
		return &ConnectionError{Reason: connectReason(err), Err: err}
	}

	if old, exists := m.transports[id]; exists {
		old.Close()
	}
	m.transports[id] = t
	p.Status = models.StatusConnected
	p.LastError = ""
	t.OnLost(func() { m.connectionLost(id, t) })
	select {
	case <-t.Done():
		// 登记回调之前连接就已断开
		delete(m.transports, id)
		p.Status = models.StatusError
		p.LastError = "连接已断开"
		return &ConnectionError{Reason: "连接已断开", Err: ssh.ErrClosed}
	default:
	}
	m.logger.Info("已连接服务器", zap.String("id", id), zap.String("name", p.Name))
	return nil
}

func connectReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "连接超时"
	case errors.Is(err, context.Canceled):
		return "连接已取消"
	case strings.Contains(err.Error(), "unable to authenticate"):
		return "认证失败"
	default:
		return "连接失败"
	}
}

// connectionLost 远端断开：仅当登记的仍是这条连接时才移除并置为 error
func (m *Manager) connectionLost(id string, t *ssh.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.transports[id]; !ok || cur != t {
		return
	}
	delete(m.transports, id)
	if p, ok := m.profiles[id]; ok {
		p.Status = models.StatusError
		p.LastError = "连接已断开"
		m.logger.Warn("服务器连接丢失", zap.String("id", id), zap.String("name", p.Name))
	}
}

// Disconnect 关闭连接并置为 disconnected，重复调用无副作用
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	m.dropTransportLocked(id)
	p.Status = models.StatusDisconnected
	m.logger.Info("已断开服务器", zap.String("id", id), zap.String("name", p.Name))
	return nil
}

// dropTransportLocked 关闭并移除连接，调用方持有写锁
func (m *Manager) dropTransportLocked(id string) {
	if t, ok := m.transports[id]; ok {
		t.Close()
		delete(m.transports, id)
	}
}

// Close 关闭全部连接
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.transports {
		m.dropTransportLocked(id)
		if p, ok := m.profiles[id]; ok {
			p.Status = models.StatusDisconnected
		}
	}
}

func (m *Manager) transport(id string) (*ssh.Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.profiles[id]; !ok {
		return nil, ErrProfileNotFound
	}
	t, ok := m.transports[id]
	if !ok {
		return nil, ErrNotConnected
	}
	return t, nil
}

// ExecResult 命令输出；Error 为 stderr 内容
type ExecResult struct {
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Err stderr 非空时返回 ExecutionError
func (r *ExecResult) Err() error {
	if r.Error == "" {
		return nil
	}
	return &ExecutionError{Stderr: r.Error}
}

// ExecuteCommand 在已有连接上执行命令；未连接时立即返回 ErrNotConnected，不会自动重连
func (m *Manager) ExecuteCommand(ctx context.Context, id, command string) (*ExecResult, error) {
	t, err := m.transport(id)
	if err != nil {
		return nil, err
	}
	if m.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CommandTimeout)
		defer cancel()
	}
	res, err := t.Run(ctx, command)
	if err != nil {
		if errors.Is(err, ssh.ErrClosed) {
			return nil, ErrNotConnected
		}
		if res == nil {
			return nil, err
		}
		// 命令异常结束（无退出码），已收到的输出与错误一并返回
		return &ExecResult{Output: res.Stdout, Error: res.Stderr, ExitCode: -1}, err
	}
	return &ExecResult{Output: res.Stdout, Error: res.Stderr, ExitCode: res.ExitCode}, nil
}

// DetectSystemInfo 执行一次组合探测命令并解析；解析缺失的字段取占位值而不报错
func (m *Manager) DetectSystemInfo(ctx context.Context, id string) (*models.SystemTelemetry, error) {
	res, err := m.ExecuteCommand(ctx, id, probeCommand)
	if err != nil {
		return nil, err
	}
	info := parseTelemetry(res.Output)

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	stored := *info
	p.Telemetry = &stored
	return info, nil
}

// CheckLatency 测量一次 echo 往返耗时（毫秒），未连接或超时返回 -1
func (m *Manager) CheckLatency(ctx context.Context, id string) int64 {
	m.mu.RLock()
	p, ok := m.profiles[id]
	connected := ok && p.Status == models.StatusConnected
	t := m.transports[id]
	m.mu.RUnlock()
	if !connected || t == nil {
		return -1
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.LatencyTimeout)
	defer cancel()
	start := time.Now()
	if _, err := t.Run(ctx, `echo "ping"`); err != nil {
		m.logger.Debug("延迟探测失败", zap.String("id", id), zap.Error(err))
		return -1
	}
	latency := time.Since(start).Milliseconds()
	checked := time.Now()

	m.mu.Lock()
	if p, ok := m.profiles[id]; ok {
		p.LatencyMs = &latency
		p.LastCheckedAt = &checked
	}
	m.mu.Unlock()
	return latency
}

// GetPrompt 读取远端 PS1，失败、超时或为空时返回 DefaultPrompt
func (m *Manager) GetPrompt(ctx context.Context, id string) string {
	t, err := m.transport(id)
	if err != nil {
		return DefaultPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.PromptTimeout)
	defer cancel()
	res, err := t.Run(ctx, `echo $PS1 2>/dev/null || echo "$ "`)
	if err != nil {
		return DefaultPrompt
	}
	if prompt := strings.TrimSpace(res.Stdout); prompt != "" {
		return prompt
	}
	return DefaultPrompt
}

// Package gate 把凭证虚拟化、命令风险分级与会话管理串成一条执行链路。
//
// 对外（界面、自动化助手）只暴露虚拟主机与虚拟密码；命令在执行前换回真实值，
// 输出在返回前再换成虚拟值。经由 Gate 的调用方因此不会接触到真实凭证。
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shellgate/internal/audit"
	"shellgate/internal/models"
	"shellgate/internal/risk"
	"shellgate/internal/session"
	"shellgate/internal/vault"
)

// ErrDenied 命令需要人工确认但被拒绝（或没有可用的确认方式）
var ErrDenied = errors.New("命令未获授权")

// ConfirmRequest 请求人工确认的内容，全部为虚拟化后的文本
type ConfirmRequest struct {
	ProfileID   string
	ProfileName string
	Command     string
	Assessment  risk.Assessment
}

// Confirmer 向人询问是否执行
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// ConfirmFunc 函数形式的 Confirmer
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	return f(ctx, req)
}

// Options 组装 Gate 所需的组件，nil 字段使用默认实现
type Options struct {
	Vault      *vault.Vault
	Classifier *risk.Classifier
	Sessions   *session.Manager
	Mode       risk.Mode
	Confirmer  Confirmer
	Audit      *audit.Logger
	Logger     *zap.Logger
}

// Gate 见包注释
type Gate struct {
	vault    *vault.Vault
	sessions *session.Manager
	confirm  Confirmer
	audit    *audit.Logger
	logger   *zap.Logger

	mu         sync.RWMutex
	classifier *risk.Classifier
	mode       risk.Mode
	virtual    map[string]vault.VirtualCredentials // profile id -> 虚拟凭证
}

// New 创建 Gate
func New(opts Options) *Gate {
	if opts.Vault == nil {
		opts.Vault = vault.New()
	}
	if opts.Classifier == nil {
		opts.Classifier = risk.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.Options{Logger: opts.Logger})
	}
	if opts.Mode == "" {
		opts.Mode = risk.DefaultMode
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Gate{
		vault:      opts.Vault,
		sessions:   opts.Sessions,
		confirm:    opts.Confirmer,
		audit:      opts.Audit,
		logger:     opts.Logger,
		classifier: opts.Classifier,
		mode:       opts.Mode,
		virtual:    make(map[string]vault.VirtualCredentials),
	}
}

// Mode 当前授权模式
func (g *Gate) Mode() risk.Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// SetMode 切换授权模式
func (g *Gate) SetMode(m risk.Mode) {
	g.mu.Lock()
	g.mode = m
	g.mu.Unlock()
	g.logger.Info("授权模式已切换", zap.String("mode", string(m)))
}

// SetClassifier 替换规则表（例如追加了自定义规则）
func (g *Gate) SetClassifier(c *risk.Classifier) {
	g.mu.Lock()
	g.classifier = c
	g.mu.Unlock()
}

// ---------- 主机配置 ----------

// RegisterProfile 为主机的真实地址与密码生成虚拟凭证
func (g *Gate) RegisterProfile(p models.ServerProfile) vault.VirtualCredentials {
	vc := g.vault.CreateMapping(p.Host, p.Password)
	g.mu.Lock()
	old, had := g.virtual[p.ID]
	g.virtual[p.ID] = vc
	g.mu.Unlock()
	if had {
		g.vault.Remove(old.VirtualHost)
	}
	return vc
}

// ForgetProfile 移除主机的虚拟凭证
func (g *Gate) ForgetProfile(id string) {
	g.mu.Lock()
	vc, ok := g.virtual[id]
	delete(g.virtual, id)
	g.mu.Unlock()
	if ok {
		g.vault.Remove(vc.VirtualHost)
	}
}

// AddProfile 新增主机并登记虚拟凭证。输入中的虚拟值会先换回真实值
func (g *Gate) AddProfile(in session.ProfileInput) (ProfileView, error) {
	in.Host = g.vault.ToReal(in.Host)
	in.Password = g.vault.ToReal(in.Password)
	p, err := g.sessions.AddProfile(in)
	if err != nil {
		return ProfileView{}, g.virtualError(err)
	}
	g.RegisterProfile(p)
	return g.View(p), nil
}

// UpdateProfile 部分更新；地址或密码改变时重新生成虚拟凭证。
// 调用方只见过虚拟值，回传的虚拟值视为未修改。
func (g *Gate) UpdateProfile(id string, upd session.ProfileUpdate) (ProfileView, error) {
	if upd.Host != nil {
		h := g.vault.ToReal(*upd.Host)
		upd.Host = &h
	}
	if upd.Password != nil {
		pw := g.vault.ToReal(*upd.Password)
		upd.Password = &pw
	}
	before, err := g.sessions.GetProfile(id)
	if err != nil {
		return ProfileView{}, err
	}
	p, err := g.sessions.UpdateProfile(id, upd)
	if err != nil {
		return ProfileView{}, g.virtualError(err)
	}
	if p.Host != before.Host || p.Password != before.Password {
		g.RegisterProfile(p)
	}
	return g.View(p), nil
}

// DeleteProfile 断开并删除主机，同时移除虚拟凭证
func (g *Gate) DeleteProfile(id string) error {
	if err := g.sessions.DeleteProfile(id); err != nil {
		return err
	}
	g.ForgetProfile(id)
	return nil
}

// Profile 单个主机的虚拟化视图
func (g *Gate) Profile(id string) (ProfileView, error) {
	p, err := g.sessions.GetProfile(id)
	if err != nil {
		return ProfileView{}, err
	}
	return g.View(p), nil
}

// Profiles 全部主机的虚拟化视图，按添加顺序
func (g *Gate) Profiles() []ProfileView {
	list := g.sessions.ListProfiles()
	out := make([]ProfileView, 0, len(list))
	for _, p := range list {
		out = append(out, g.View(p))
	}
	return out
}

// SetCurrent 设置当前服务器
func (g *Gate) SetCurrent(id string) error {
	return g.sessions.SetCurrentProfile(id)
}

// Current 当前服务器的虚拟化视图
func (g *Gate) Current() (ProfileView, bool) {
	p, ok := g.sessions.CurrentProfile()
	if !ok {
		return ProfileView{}, false
	}
	return g.View(p), true
}

// Records 需要持久化的真实配置，仅供本地存储与加密导出使用
func (g *Gate) Records() []models.ProfileRecord {
	list := g.sessions.ListProfiles()
	out := make([]models.ProfileRecord, 0, len(list))
	for i := range list {
		out = append(out, list[i].Record())
	}
	return out
}

// Restore 从持久化记录加载主机。replace 为 true 时先删除全部现有主机，
// 否则按 ID 合并：已存在则更新，不存在则新增
func (g *Gate) Restore(records []models.ProfileRecord, replace bool) error {
	if replace {
		for _, p := range g.sessions.ListProfiles() {
			if err := g.DeleteProfile(p.ID); err != nil && !errors.Is(err, session.ErrProfileNotFound) {
				return err
			}
		}
	}
	for _, r := range records {
		if r.ID != "" {
			if _, err := g.sessions.GetProfile(r.ID); err == nil {
				name, host, port, user, pw := r.Name, r.Host, r.Port, r.Username, r.Password
				if port == 0 {
					port = 22
				}
				if _, err := g.UpdateProfile(r.ID, session.ProfileUpdate{
					Name: &name, Host: &host, Port: &port, Username: &user, Password: &pw,
				}); err != nil {
					return fmt.Errorf("更新服务器 %s 失败: %w", r.Name, err)
				}
				continue
			}
		}
		if _, err := g.AddProfile(session.ProfileInput{
			ID: r.ID, Name: r.Name, Host: r.Host, Port: r.Port, Username: r.Username, Password: r.Password,
		}); err != nil {
			return fmt.Errorf("导入服务器 %s 失败: %w", r.Name, err)
		}
	}
	return nil
}

// ---------- 连接 ----------

func (g *Gate) target(id string) (audit.Target, models.ServerProfile, error) {
	p, err := g.sessions.GetProfile(id)
	if err != nil {
		return audit.Target{}, p, err
	}
	return audit.Target{
		ID:          p.ID,
		Name:        p.Name,
		VirtualHost: g.virtualHost(p.ID),
		Port:        p.Port,
		User:        p.Username,
	}, p, nil
}

// Connect 建立连接，返回的错误已虚拟化
func (g *Gate) Connect(ctx context.Context, id string) error {
	t, _, err := g.target(id)
	if err != nil {
		return err
	}
	g.audit.ConnectStart(t)
	err = g.sessions.Connect(ctx, id)
	if err != nil {
		verr := g.virtualError(err)
		g.audit.Connect(t, verr.Error())
		return verr
	}
	g.audit.Connect(t, "")
	return nil
}

// Disconnect 断开连接
func (g *Gate) Disconnect(id string) error {
	t, _, err := g.target(id)
	if err != nil {
		return err
	}
	if err := g.sessions.Disconnect(id); err != nil {
		return err
	}
	g.audit.Disconnect(t)
	return nil
}

// Telemetry 采集系统信息，文本字段已虚拟化
func (g *Gate) Telemetry(ctx context.Context, id string) (*models.SystemTelemetry, error) {
	info, err := g.sessions.DetectSystemInfo(ctx, id)
	if err != nil {
		return nil, g.virtualError(err)
	}
	return g.virtualTelemetry(info), nil
}

// Latency 延迟（毫秒），-1 表示未连接或探测失败
func (g *Gate) Latency(ctx context.Context, id string) int64 {
	return g.sessions.CheckLatency(ctx, id)
}

// Prompt 远端提示符，已虚拟化
func (g *Gate) Prompt(ctx context.Context, id string) string {
	return g.vault.ToVirtual(g.sessions.GetPrompt(ctx, id))
}

// Close 关闭全部连接
func (g *Gate) Close() {
	g.sessions.Close()
}

// ---------- 执行 ----------

// Assess 按当前规则表与授权模式评估命令。
// 虚拟文本与将要实际执行的真实文本各评估一次，取较高等级：
// 真实值被令牌替换后可能不再命中规则。
func (g *Gate) Assess(command string) (risk.Assessment, bool) {
	g.mu.RLock()
	c, mode := g.classifier, g.mode
	g.mu.RUnlock()
	a := risk.Higher(c.Analyze(g.vault.ToVirtual(command)), c.Analyze(g.vault.ToReal(command)))
	return a, mode.NeedsConfirmation(a)
}

// Request 一次执行请求。Command 为调用方看到的（虚拟化）文本；
// Confirmed 表示人已经在调用方界面上确认过
type Request struct {
	ProfileID string
	Command   string
	Confirmed bool
}

// Outcome 执行结果，全部字段已虚拟化
type Outcome struct {
	Command    string          `json:"command"`
	Assessment risk.Assessment `json:"assessment"`
	Output     string          `json:"output"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exit_code"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Run 评估 -> 需要时请求确认 -> 换回真实凭证执行 -> 输出虚拟化 -> 审计。
// 命令异常中断时同时返回部分结果与错误
func (g *Gate) Run(ctx context.Context, req Request) (*Outcome, error) {
	t, p, err := g.target(req.ProfileID)
	if err != nil {
		return nil, err
	}
	// 调用方可能直接传入了真实值，统一按虚拟文本审计与展示
	command := g.vault.ToVirtual(req.Command)
	a, needConfirm := g.Assess(command)

	if needConfirm && !req.Confirmed {
		ok, err := g.askConfirm(ctx, ConfirmRequest{
			ProfileID:   p.ID,
			ProfileName: p.Name,
			Command:     command,
			Assessment:  a,
		})
		if err != nil || !ok {
			g.audit.Denied(t, command, string(a.Level), a.Reason)
			g.logger.Info("命令未获授权", zap.String("id", p.ID), zap.String("risk", string(a.Level)))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDenied, err)
			}
			return nil, ErrDenied
		}
	}

	start := time.Now()
	res, err := g.sessions.ExecuteCommand(ctx, req.ProfileID, g.vault.ToReal(command))
	elapsed := time.Since(start)
	if err != nil {
		verr := g.virtualError(err)
		g.audit.Exec(t, command, string(a.Level), -1, elapsed, verr.Error())
		if res == nil {
			return nil, verr
		}
		// 异常结束时仍带回部分输出
		return g.outcome(command, a, res, elapsed), verr
	}

	out := g.outcome(command, a, res, elapsed)
	g.audit.Exec(t, command, string(a.Level), out.ExitCode, elapsed, "")
	return out, nil
}

func (g *Gate) outcome(command string, a risk.Assessment, res *session.ExecResult, elapsed time.Duration) *Outcome {
	return &Outcome{
		Command:    command,
		Assessment: a,
		Output:     g.vault.ToVirtual(res.Output),
		Error:      g.vault.ToVirtual(res.Error),
		ExitCode:   res.ExitCode,
		Elapsed:    elapsed,
	}
}

func (g *Gate) askConfirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	if g.confirm == nil {
		return false, nil
	}
	return g.confirm.Confirm(ctx, req)
}

// Err 有 stderr 时返回 session.ExecutionError
func (o *Outcome) Err() error {
	if o.Error == "" {
		return nil
	}
	return &session.ExecutionError{Stderr: o.Error}
}

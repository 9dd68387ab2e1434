package gate

import (
	"time"

	"shellgate/internal/models"
)

// ProfileView 对外展示的主机信息：地址与密码均为虚拟凭证
type ProfileView struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Host          string                  `json:"host"`
	Port          int                     `json:"port"`
	Username      string                  `json:"username"`
	Password      string                  `json:"password"`
	Status        models.Status           `json:"status"`
	Telemetry     *models.SystemTelemetry `json:"telemetry,omitempty"`
	LatencyMs     *int64                  `json:"latency_ms,omitempty"`
	LastCheckedAt *time.Time              `json:"last_checked_at,omitempty"`
	LastError     string                  `json:"last_error,omitempty"`
}

// View 把主机配置转换为虚拟化视图
func (g *Gate) View(p models.ServerProfile) ProfileView {
	g.mu.RLock()
	vc := g.virtual[p.ID]
	g.mu.RUnlock()
	return ProfileView{
		ID:            p.ID,
		Name:          g.vault.ToVirtual(p.Name),
		Host:          vc.VirtualHost,
		Port:          p.Port,
		Username:      p.Username,
		Password:      vc.VirtualSecret,
		Status:        p.Status,
		Telemetry:     g.virtualTelemetry(p.Telemetry),
		LatencyMs:     p.LatencyMs,
		LastCheckedAt: p.LastCheckedAt,
		LastError:     g.vault.ToVirtual(p.LastError),
	}
}

func (g *Gate) virtualHost(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.virtual[id].VirtualHost
}

func (g *Gate) virtualTelemetry(t *models.SystemTelemetry) *models.SystemTelemetry {
	if t == nil {
		return nil
	}
	out := *t
	out.CPUModel = g.vault.ToVirtual(t.CPUModel)
	out.OS = g.vault.ToVirtual(t.OS)
	out.Kernel = g.vault.ToVirtual(t.Kernel)
	out.Uptime = g.vault.ToVirtual(t.Uptime)
	out.Hostname = g.vault.ToVirtual(t.Hostname)
	return &out
}

// virtualError 错误文本中的真实地址与密码替换为虚拟值，errors.Is/As 仍可用
type virtualError struct {
	msg string
	err error
}

func (e *virtualError) Error() string { return e.msg }
func (e *virtualError) Unwrap() error { return e.err }

func (g *Gate) virtualError(err error) error {
	if err == nil {
		return nil
	}
	msg := g.vault.ToVirtual(err.Error())
	if msg == err.Error() {
		return err
	}
	return &virtualError{msg: msg, err: err}
}

package models

import "time"

// Status 连接状态
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ServerProfile 表示一台 SSH 主机配置及其运行时状态
type ServerProfile struct {
	ID            string           `json:"id"`       // 唯一标识
	Name          string           `json:"name"`     // 显示名称
	Host          string           `json:"host"`     // IP 或域名
	Port          int              `json:"port"`     // 端口，默认 22
	Username      string           `json:"username"` // 登录用户
	Password      string           `json:"password"` // 密码
	Status        Status           `json:"status"`
	Telemetry     *SystemTelemetry `json:"telemetry,omitempty"`
	LatencyMs     *int64           `json:"latency_ms,omitempty"`
	LastCheckedAt *time.Time       `json:"last_checked_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"` // 最近一次连接失败或断开的原因
}

// Clone 返回深拷贝，注册表之外只流通副本
func (p *ServerProfile) Clone() ServerProfile {
	out := *p
	if p.Telemetry != nil {
		t := *p.Telemetry
		out.Telemetry = &t
	}
	if p.LatencyMs != nil {
		v := *p.LatencyMs
		out.LatencyMs = &v
	}
	if p.LastCheckedAt != nil {
		v := *p.LastCheckedAt
		out.LastCheckedAt = &v
	}
	return out
}

// Record 取出需要持久化的字段
func (p *ServerProfile) Record() ProfileRecord {
	return ProfileRecord{
		ID:       p.ID,
		Name:     p.Name,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}
}

// ProfileRecord 持久化配置中的一条主机记录（不含运行时状态）
type ProfileRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

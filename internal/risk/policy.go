package risk

import "fmt"

// Mode 授权模式，决定哪些命令执行前需要人工确认
type Mode string

const (
	// ManualAll 所有命令都需要确认
	ManualAll Mode = "manual_all"
	// ManualHighRisk 仅中、高风险命令需要确认
	ManualHighRisk Mode = "manual_highrisk"
	// Auto 不做确认
	Auto Mode = "auto"
)

// DefaultMode 默认授权模式
const DefaultMode = ManualHighRisk

// ParseMode 解析授权模式，空串返回默认值
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return DefaultMode, nil
	case ManualAll, ManualHighRisk, Auto:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown authorization mode %q", s)
}

// NeedsConfirmation 按模式判断该分级结果是否需要确认
func (m Mode) NeedsConfirmation(a Assessment) bool {
	switch m {
	case Auto:
		return false
	case ManualAll:
		return true
	default:
		return a.Level != Low
	}
}

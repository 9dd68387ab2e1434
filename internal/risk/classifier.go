// Package risk 对待执行的命令做启发式风险分级，用于决定是否需要人工确认。
// 分级只是提示，不构成安全边界：任何绕开规则表的写法都会被判为低风险。
package risk

import (
	"fmt"
	"regexp"
)

// Level 风险等级
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// ParseLevel 解析风险等级字符串
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case Low, Medium, High:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

func (l Level) rank() int {
	switch l {
	case High:
		return 2
	case Medium:
		return 1
	}
	return 0
}

// Assessment 一次分级的结果
type Assessment struct {
	Level  Level  `json:"level"`
	Reason string `json:"reason,omitempty"`
}

// Higher 返回等级较高的一个，相同时取 a
func Higher(a, b Assessment) Assessment {
	if b.Level.rank() > a.Level.rank() {
		return b
	}
	return a
}

// Rule 一条规则：匹配即给出原因
type Rule struct {
	Pattern *regexp.Regexp
	Reason  string
}

// NewRule 编译一条大小写不敏感的规则
func NewRule(pattern, reason string) (Rule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compile rule %q: %w", pattern, err)
	}
	return Rule{Pattern: re, Reason: reason}, nil
}

func mustRule(pattern, reason string) Rule {
	r, err := NewRule(pattern, reason)
	if err != nil {
		panic(err)
	}
	return r
}

// 高风险规则，按顺序匹配
var defaultHigh = []Rule{
	mustRule(`rm\s+-rf\s+/`, "Recursive deletion of root directory"),
	mustRule(`mkfs`, "Filesystem formatting command"),
	mustRule(`dd\s+if=`, "Direct disk write operation"),
	mustRule(`shutdown`, "System shutdown command"),
	mustRule(`reboot`, "System reboot command"),
	mustRule(`init\s+0`, "System halt command"),
	mustRule(`\b(halt|poweroff)\b`, "System halt command"),
	mustRule(`kill\s+-9\s+1\b`, "Killing init process"),
	mustRule(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, "Fork bomb detected"),
	mustRule(`>\s*/dev/(sd[a-z]|hd[a-z]|vd[a-z]|xvd[a-z]|nvme\d)`, "Writing to raw disk device"),
	mustRule(`chmod\s+-R\s+777`, "Dangerous permission changes"),
	mustRule(`chown\s+-R.*root`, "Ownership change to root"),
}

// 中风险规则，仅在高风险全部未命中时检查
var defaultMedium = []Rule{
	mustRule(`rm\s+-r`, "Recursive deletion"),
	mustRule(`\bsudo\b`, "Elevated privileges"),
	mustRule(`systemctl\s+(stop|disable)`, "Service management"),
	mustRule(`iptables`, "Firewall configuration"),
	mustRule(`passwd`, "Password modification"),
	mustRule(`useradd|userdel`, "User management"),
	mustRule(`\bmv\s+.+\s+/(\s|;|&|\||$)`, "Moving files to root"),
}

// Classifier 有序规则表。创建后不可变，Extend 返回新实例
type Classifier struct {
	high   []Rule
	medium []Rule
}

// Default 返回内置规则表
func Default() *Classifier {
	return New(defaultHigh, defaultMedium)
}

// New 用给定的规则表创建分级器，规则表会被复制
func New(high, medium []Rule) *Classifier {
	return &Classifier{
		high:   append([]Rule(nil), high...),
		medium: append([]Rule(nil), medium...),
	}
}

// Extend 在指定等级的规则表末尾追加一条规则
func (c *Classifier) Extend(level Level, pattern, reason string) (*Classifier, error) {
	r, err := NewRule(pattern, reason)
	if err != nil {
		return nil, err
	}
	next := New(c.high, c.medium)
	switch level {
	case High:
		next.high = append(next.high, r)
	case Medium:
		next.medium = append(next.medium, r)
	default:
		return nil, fmt.Errorf("rules can only be added to %s or %s, got %q", High, Medium, level)
	}
	return next, nil
}

// Analyze 先查高风险表再查中风险表，各表内首条命中即返回
func (c *Classifier) Analyze(command string) Assessment {
	if r, ok := firstMatch(c.high, command); ok {
		return Assessment{Level: High, Reason: r.Reason}
	}
	if r, ok := firstMatch(c.medium, command); ok {
		return Assessment{Level: Medium, Reason: r.Reason}
	}
	return Assessment{Level: Low}
}

func firstMatch(rules []Rule, command string) (Rule, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(command) {
			return r, true
		}
	}
	return Rule{}, false
}

// RequiresAuthorization 中、高风险命令都需要授权
func (c *Classifier) RequiresAuthorization(command string) bool {
	return c.Analyze(command).Level != Low
}

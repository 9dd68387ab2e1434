// Package vault 维护真实主机地址/密码与虚拟占位符之间的映射。
// 发往远端执行的文本用 ToReal 还原，展示给用户或外部助手的文本用 ToVirtual 脱敏。
package vault

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
)

const (
	hostPrefix   = "vIP_"
	secretPrefix = "vPWD_"
	tokenLength  = 12
	alphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// VirtualCredentials 对外可见的虚拟凭据
type VirtualCredentials struct {
	VirtualHost   string `json:"virtual_host"`
	VirtualSecret string `json:"virtual_secret"`
}

// RealCredentials 真实凭据，只允许出现在执行路径上
type RealCredentials struct {
	RealHost   string `json:"-"`
	RealSecret string `json:"-"`
}

// CredentialMapping 一组虚拟与真实凭据
type CredentialMapping struct {
	VirtualCredentials
	RealCredentials
}

// Vault 凭据映射表。零值不可用，使用 New 创建
type Vault struct {
	mu       sync.RWMutex
	mappings []CredentialMapping // 插入顺序即替换顺序
	index    map[string]int      // virtualHost -> mappings 下标
	tokens   map[string]struct{} // 所有在用的虚拟令牌
}

// New 创建空的映射表
func New() *Vault {
	return &Vault{
		index:  make(map[string]int),
		tokens: make(map[string]struct{}),
	}
}

// CreateMapping 为一组真实凭据生成新的虚拟令牌；同一真实值重复调用会得到新的映射
func (v *Vault) CreateMapping(realHost, realSecret string) VirtualCredentials {
	v.mu.Lock()
	defer v.mu.Unlock()

	vc := VirtualCredentials{
		VirtualHost:   v.freshToken(hostPrefix),
		VirtualSecret: v.freshToken(secretPrefix),
	}
	v.index[vc.VirtualHost] = len(v.mappings)
	v.mappings = append(v.mappings, CredentialMapping{
		VirtualCredentials: vc,
		RealCredentials:    RealCredentials{RealHost: realHost, RealSecret: realSecret},
	})
	return vc
}

// freshToken 生成与现有令牌不冲突的新令牌，调用方持有写锁
func (v *Vault) freshToken(prefix string) string {
	for {
		t := prefix + randomString(tokenLength)
		if _, used := v.tokens[t]; !used {
			v.tokens[t] = struct{}{}
			return t
		}
	}
}

func randomString(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand 不可用时无法保证令牌不可预测
			panic("vault: crypto/rand unavailable: " + err.Error())
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String()
}

// GetReal 按虚拟主机查询真实凭据
func (v *Vault) GetReal(virtualHost string) (RealCredentials, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	i, ok := v.index[virtualHost]
	if !ok {
		return RealCredentials{}, false
	}
	return v.mappings[i].RealCredentials, true
}

// ToReal 将文本中的虚拟令牌还原为真实值，文本随后才可交给远端执行
func (v *Vault) ToReal(text string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, m := range v.mappings {
		text = replace(text, m.VirtualHost, m.RealHost)
		text = replace(text, m.VirtualSecret, m.RealSecret)
	}
	return text
}

// ToVirtual 将文本中的真实值替换为虚拟令牌，用于展示或转发给外部助手
func (v *Vault) ToVirtual(text string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, m := range v.mappings {
		text = replace(text, m.RealHost, m.VirtualHost)
		text = replace(text, m.RealSecret, m.VirtualSecret)
	}
	return text
}

// 空串作为 old 会在每个字符间插入 new，必须跳过
func replace(text, old, new string) string {
	if old == "" {
		return text
	}
	return strings.ReplaceAll(text, old, new)
}

// ListMappings 按插入顺序返回映射副本
func (v *Vault) ListMappings() []CredentialMapping {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]CredentialMapping, len(v.mappings))
	copy(out, v.mappings)
	return out
}

// Remove 删除一条映射（主机配置被删除时调用）
func (v *Vault) Remove(virtualHost string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[virtualHost]
	if !ok {
		return false
	}
	m := v.mappings[i]
	delete(v.tokens, m.VirtualHost)
	delete(v.tokens, m.VirtualSecret)
	v.mappings = append(v.mappings[:i], v.mappings[i+1:]...)
	v.index = make(map[string]int, len(v.mappings))
	for j, mm := range v.mappings {
		v.index[mm.VirtualHost] = j
	}
	return true
}

// Clear 清空全部映射
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mappings = nil
	v.index = make(map[string]int)
	v.tokens = make(map[string]struct{})
}

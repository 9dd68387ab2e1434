// Package config 加载应用配置（YAML）并持久化主机配置列表。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"shellgate/internal/logger"
)

// appName 配置目录名：os.UserConfigDir()/shellgate
const appName = "shellgate"

// Config 应用配置
type Config struct {
	HTTPAddr          string        `yaml:"http_addr" validate:"required"`
	ProfilesFile      string        `yaml:"profiles_file"`
	PassphraseEnv     string        `yaml:"passphrase_env"` // 保存加密口令的环境变量名，为空表示明文存储
	AuthorizationMode string        `yaml:"authorization_mode" validate:"omitempty,oneof=manual_all manual_highrisk auto"`
	AuditFile         string        `yaml:"audit_file"`
	Timeouts          Timeouts      `yaml:"timeouts"`
	Log               logger.Config `yaml:"log"`
	Risk              RiskConfig    `yaml:"risk"`
}

// Timeouts 网络操作超时
type Timeouts struct {
	Connect time.Duration `yaml:"connect" validate:"gte=0"`
	Latency time.Duration `yaml:"latency" validate:"gte=0"`
	Prompt  time.Duration `yaml:"prompt" validate:"gte=0"`
	Command time.Duration `yaml:"command" validate:"gte=0"` // 0 表示不限
}

// RiskConfig 追加到内置规则表末尾的自定义规则
type RiskConfig struct {
	ExtraHigh   []RuleConfig `yaml:"extra_high" validate:"dive"`
	ExtraMedium []RuleConfig `yaml:"extra_medium" validate:"dive"`
}

// RuleConfig 单条规则
type RuleConfig struct {
	Pattern string `yaml:"pattern" validate:"required"`
	Reason  string `yaml:"reason" validate:"required"`
}

// Dir 配置目录：macOS 为 ~/Library/Application Support/shellgate，Linux 为 ~/.config/shellgate
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName), nil
}

// Default 返回默认配置，文件路径位于 Dir() 下
func Default() *Config {
	cfg := &Config{
		HTTPAddr:          ":21008",
		AuthorizationMode: "manual_highrisk",
		Timeouts: Timeouts{
			Connect: 10 * time.Second,
			Latency: 5 * time.Second,
			Prompt:  2 * time.Second,
		},
		Log: logger.Config{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Console:    true,
		},
	}
	if dir, err := Dir(); err == nil {
		cfg.ProfilesFile = filepath.Join(dir, "profiles.json")
		cfg.AuditFile = filepath.Join(dir, "access.log")
	}
	return cfg
}

// Load 读取配置文件；path 为空时使用 Dir()/config.yaml，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验字段取值
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}
	return nil
}

// Passphrase 从 PassphraseEnv 指定的环境变量读取口令
func (c *Config) Passphrase() string {
	if c.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.PassphraseEnv)
}

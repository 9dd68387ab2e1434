package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":21008", cfg.HTTPAddr)
	assert.Equal(t, "manual_highrisk", cfg.AuthorizationMode)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Latency)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Prompt)
	assert.Zero(t, cfg.Timeouts.Command)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
http_addr: "127.0.0.1:9000"
profiles_file: /tmp/shellgate/profiles.json
passphrase_env: SHELLGATE_TEST_PASSPHRASE
authorization_mode: manual_all
timeouts:
  connect: 3s
  command: 1m
log:
  level: debug
  file: /tmp/shellgate/shellgate.log
  console: false
risk:
  extra_high:
    - pattern: 'drop\s+database'
      reason: 删除数据库
  extra_medium:
    - pattern: '\bapt(-get)?\s+remove\b'
      reason: 卸载软件包
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	assert.Equal(t, "/tmp/shellgate/profiles.json", cfg.ProfilesFile)
	assert.Equal(t, "manual_all", cfg.AuthorizationMode)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, time.Minute, cfg.Timeouts.Command)
	// 未出现的字段保持默认值
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Latency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Console)
	require.Len(t, cfg.Risk.ExtraHigh, 1)
	assert.Equal(t, "删除数据库", cfg.Risk.ExtraHigh[0].Reason)
	require.Len(t, cfg.Risk.ExtraMedium, 1)

	t.Setenv("SHELLGATE_TEST_PASSPHRASE", "correct horse")
	assert.Equal(t, "correct horse", cfg.Passphrase())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad mode":     "authorization_mode: sometimes\n",
		"bad level":    "log:\n  level: loud\n",
		"empty rule":   "risk:\n  extra_high:\n    - pattern: ''\n      reason: x\n",
		"empty addr":   "http_addr: ''\n",
		"not yaml":     "http_addr: [\n",
		"bad duration": "timeouts:\n  connect: soon\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestPassphrase_NoEnv(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Passphrase())
}

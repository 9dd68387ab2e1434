package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellgate/internal/models"
)

var sampleRecords = []models.ProfileRecord{
	{ID: "a", Name: "web1", Host: "203.0.113.9", Port: 22, Username: "root", Password: "hunter2"},
	{ID: "b", Name: "db1", Host: "10.0.0.5", Port: 2222, Username: "admin", Password: ""},
}

func newStore(t *testing.T, passphrase string) *ProfileStore {
	t.Helper()
	s, err := NewProfileStore(filepath.Join(t.TempDir(), "shellgate", "profiles.json"), passphrase)
	require.NoError(t, err)
	s.workFactor = 10
	return s
}

func TestProfileStore_LoadMissing(t *testing.T) {
	s := newStore(t, "")
	records, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)
}

func TestProfileStore_PlainRoundTrip(t *testing.T) {
	s := newStore(t, "")
	require.NoError(t, s.Save(sampleRecords))

	info, err := os.Stat(s.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "203.0.113.9")
	// 运行时字段不落盘
	assert.NotContains(t, string(data), "status")

	records, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleRecords, records)
}

func TestProfileStore_EncryptedRoundTrip(t *testing.T) {
	s := newStore(t, "correct horse")
	require.NoError(t, s.Save(sampleRecords))

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "-----BEGIN AGE ENCRYPTED FILE-----"))
	assert.NotContains(t, string(data), "203.0.113.9")
	assert.NotContains(t, string(data), "hunter2")

	records, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleRecords, records)
}

func TestProfileStore_EncryptedNeedsPassphrase(t *testing.T) {
	s := newStore(t, "correct horse")
	require.NoError(t, s.Save(sampleRecords))

	noPass := &ProfileStore{Path: s.Path}
	_, err := noPass.Load()
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	wrong := &ProfileStore{Path: s.Path, Passphrase: "battery staple"}
	_, err = wrong.Load()
	assert.Error(t, err)
}

func TestProfileStore_ReadsPlainWithPassphrase(t *testing.T) {
	plain := newStore(t, "")
	require.NoError(t, plain.Save(sampleRecords))

	// 旧的明文文件在配置口令后仍可读取，下次保存时转为加密
	s := &ProfileStore{Path: plain.Path, Passphrase: "correct horse", workFactor: 10}
	records, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleRecords, records)

	require.NoError(t, s.Save(records))
	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}

func TestProfileStore_Corrupt(t *testing.T) {
	s := newStore(t, "")
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path), 0700))
	require.NoError(t, os.WriteFile(s.Path, []byte("{not json"), 0600))
	_, err := s.Load()
	assert.Error(t, err)
}

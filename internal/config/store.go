package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"

	"shellgate/internal/models"
)

// ErrPassphraseRequired 配置文件已加密但未提供口令
var ErrPassphraseRequired = errors.New("配置文件已加密，需要提供口令")

// profilesFile 磁盘格式
type profilesFile struct {
	Profiles []models.ProfileRecord `json:"profiles"`
}

// ProfileStore 主机配置的持久化。Passphrase 非空时整个文件以 age 口令加密（ASCII armor）。
// 只保存可持久化字段，连接状态与系统信息不会落盘。
type ProfileStore struct {
	Path       string
	Passphrase string

	workFactor int // scrypt 强度，0 为 age 默认值
	mu         sync.Mutex
}

// NewProfileStore path 为空时使用 Dir()/profiles.json
func NewProfileStore(path, passphrase string) (*ProfileStore, error) {
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "profiles.json")
	}
	return &ProfileStore{Path: path, Passphrase: passphrase}, nil
}

// Load 读取全部主机配置，文件不存在时返回空列表
func (s *ProfileStore) Load() ([]models.ProfileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.ProfileRecord{}, nil
		}
		return nil, err
	}
	return s.Decode(data)
}

// Save 覆盖写入全部主机配置，文件权限 0600
func (s *ProfileStore) Save(records []models.ProfileRecord) error {
	data, err := s.Encode(records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return err
	}
	// 先写临时文件再改名，避免写到一半时进程退出损坏原文件
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Encrypted 是否配置了加密口令
func (s *ProfileStore) Encrypted() bool {
	return s.Passphrase != ""
}

// Encode 序列化为磁盘格式，配置了口令时输出 age 加密的 ASCII armor
func (s *ProfileStore) Encode(records []models.ProfileRecord) ([]byte, error) {
	if records == nil {
		records = []models.ProfileRecord{}
	}
	data, err := json.MarshalIndent(profilesFile{Profiles: records}, "", "  ")
	if err != nil {
		return nil, err
	}
	if s.Passphrase == "" {
		return data, nil
	}
	return s.encrypt(data)
}

// Decode 解析 Encode 的输出，明文与加密格式均可
func (s *ProfileStore) Decode(data []byte) ([]models.ProfileRecord, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header)) {
		if s.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		var err error
		data, err = s.decrypt(data)
		if err != nil {
			return nil, err
		}
	}

	var f profilesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if f.Profiles == nil {
		f.Profiles = []models.ProfileRecord{}
	}
	return f.Profiles, nil
}

func (s *ProfileStore) encrypt(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(s.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("创建加密口令失败: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	w, err := age.Encrypt(armored, recipient)
	if err != nil {
		return nil, fmt.Errorf("加密失败: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("加密失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("加密失败: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("加密失败: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *ProfileStore) decrypt(ciphertext []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(s.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("创建解密口令失败: %w", err)
	}
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), identity)
	if err != nil {
		return nil, fmt.Errorf("解密失败（口令错误？）: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("解密失败: %w", err)
	}
	return plaintext, nil
}

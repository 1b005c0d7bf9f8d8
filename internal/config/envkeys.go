package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/xiaopang/keyrelay/internal/model"
)

// EnvKeySource 基于 dotenv 文件的密钥来源
//
// 读取时只保留名称带前缀的条目；文件不存在时退回读取进程环境变量。
// 写入时保留文件中的其他变量。文件不存在时，首次写入会把进程环境中
// 带前缀的密钥一并落盘，之后以文件为准。
type EnvKeySource struct {
	path   string
	prefix string
	mu     sync.Mutex
}

// NewEnvKeySource 创建 dotenv 密钥来源
func NewEnvKeySource(path, prefix string) *EnvKeySource {
	return &EnvKeySource{path: path, prefix: prefix}
}

// LoadKeys 读取所有密钥，按名称排序
func (s *EnvKeySource) LoadKeys() ([]model.KeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := godotenv.Read(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		env = s.prefixedEnv()
	} else if err != nil {
		return nil, err
	}

	var entries []model.KeyEntry
	for name, value := range env {
		if !s.isKey(name, value) {
			continue
		}
		entries = append(entries, model.KeyEntry{Name: name, Value: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// SaveKey 写入或更新密钥
func (s *EnvKeySource) SaveKey(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.readFile()
	if err != nil {
		return err
	}
	env[name] = value
	return s.writeFile(env)
}

// DeleteKey 删除密钥
func (s *EnvKeySource) DeleteKey(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.readFile()
	if err != nil {
		return err
	}
	if _, ok := env[name]; !ok {
		return model.ErrKeyNotFound
	}
	delete(env, name)
	return s.writeFile(env)
}

// readFile returns the current file contents. Without a file it starts
// from the keys LoadKeys served, so a write never shrinks the pool.
func (s *EnvKeySource) readFile() (map[string]string, error) {
	env, err := godotenv.Read(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.prefixedEnv(), nil
	}
	return env, err
}

func (s *EnvKeySource) isKey(name, value string) bool {
	return strings.HasPrefix(name, s.prefix) && strings.TrimSpace(value) != ""
}

// prefixedEnv returns the key entries of the process environment.
func (s *EnvKeySource) prefixedEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if ok && s.isKey(name, value) {
			env[name] = value
		}
	}
	return env
}

func (s *EnvKeySource) writeFile(env map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	if err := godotenv.Write(env, s.path); err != nil {
		return err
	}
	// godotenv writes 0644; the file holds secrets
	return os.Chmod(s.path, 0600)
}

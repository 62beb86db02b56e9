package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"scene-forge/app/config"
)

// BlobStore 生成产物存储接口
// key 由调用方按内容寻址方式指定，Put 幂等
type BlobStore interface {
	Put(key string, data []byte) (string, error)
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) bool
	URL(key string) string
}

// LocalBlobStore 本地磁盘实现，产物写入 artifact_dir 下
type LocalBlobStore struct {
	dir     string
	baseURL string
}

// NewLocalBlobStore 创建本地产物存储
func NewLocalBlobStore(cfg config.StorageConfig) (*LocalBlobStore, error) {
	if err := os.MkdirAll(cfg.ArtifactDir, 0755); err != nil {
		return nil, fmt.Errorf("创建产物目录失败: %w", err)
	}
	return &LocalBlobStore{
		dir:     cfg.ArtifactDir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// Put 写入产物，先写临时文件再原子重命名，重复写入同一 key 幂等
func (s *LocalBlobStore) Put(key string, data []byte) (string, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("创建产物子目录失败: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("写入产物失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("落盘产物失败: %w", err)
	}

	return s.URL(key), nil
}

// Get 读取产物
func (s *LocalBlobStore) Get(key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取产物失败: %w", err)
	}
	return data, nil
}

// Delete 删除产物，不存在时不报错
func (s *LocalBlobStore) Delete(key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除产物失败: %w", err)
	}
	return nil
}

// Exists 检查产物是否存在
func (s *LocalBlobStore) Exists(key string) bool {
	path, err := s.keyPath(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// URL 返回产物的对外访问地址
func (s *LocalBlobStore) URL(key string) string {
	return s.baseURL + "/" + key
}

// keyPath 将 key 映射到磁盘路径，拒绝越出存储目录的 key
func (s *LocalBlobStore) keyPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("非法的产物 key: %s", key)
	}
	return filepath.Join(s.dir, clean), nil
}

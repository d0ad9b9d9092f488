package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store 将 blob 写入本地文件系统，支持按偏移追加。
type Store struct {
	BaseDir string
}

func NewStore(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.BaseDir, filepath.Clean(key))
}

// Create 建立空文件，文件已存在时清空为零字节。
func (s *Store) Create(ctx context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	targetPath := s.path(key)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}

	file, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	return file.Close()
}

// Append 从 offset 处写入分片内容。
// 先把文件截断到 offset，丢弃上次中断可能残留的多余字节，再在末尾顺序写入。
func (s *Store) Append(ctx context.Context, key string, offset int64, r io.Reader) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	targetPath := s.path(key)
	file, err := os.OpenFile(targetPath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open blob: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(offset); err != nil {
		return 0, fmt.Errorf("truncate blob to offset %d: %w", offset, err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek blob: %w", err)
	}

	n, err := io.Copy(file, r)
	if err != nil {
		return n, fmt.Errorf("append blob: %w", err)
	}

	if err := file.Sync(); err != nil {
		return n, fmt.Errorf("sync blob: %w", err)
	}

	return n, nil
}

// Open 打开并返回指定 key 对应的文件内容。
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", key)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}

	return file, nil
}

// Delete 删除 blob 文件，不存在时静默返回。
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("local store uninitialized")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

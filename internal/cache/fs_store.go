package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/any-hub/model-hub/internal/digest"
)

// NewFSData 以 basePath 为根目录构建磁盘数据层，整站复用一份实例。
// 磁盘布局：
//
//	<basePath>/<sha[0:2]>/<sha>.bin    # sha 为 ResourceKey 的摘要
func NewFSData(basePath string) (DataTier, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsData{basePath: abs}, nil
}

// fsData 不自带锁，同 key 串行由 tieredStore 保证。
type fsData struct {
	basePath string
}

func (s *fsData) Name() string {
	return "fs"
}

func (s *fsData) Read(ctx context.Context, key ResourceKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := s.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write 通过临时文件 + rename 保证整体替换的原子性，失败时清理临时文件。
func (s *fsData) Write(ctx context.Context, key ResourceKey, data []byte) error {
	filePath := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// WriteAt 原地追加：截断到 offset 再写入，每段只付出 O(chunk) 的 I/O。
func (s *fsData) WriteAt(ctx context.Context, key ResourceKey, offset int64, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if offset > info.Size() {
		f.Close()
		return fmt.Errorf("append offset %d beyond stored length %d", offset, info.Size())
	}

	err = f.Truncate(offset)
	if err == nil {
		_, err = f.WriteAt(chunk, offset)
	}
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

func (s *fsData) Remove(ctx context.Context, key ResourceKey) error {
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fsData) Close() error {
	return nil
}

func (s *fsData) entryPath(key ResourceKey) string {
	return filepath.Join(append([]string{s.basePath}, hashedName(key)...)...)
}

// hashedName 将 key 映射为两级目录下的定长文件名。
func hashedName(key ResourceKey) []string {
	sum := digest.Sum([]byte(key))
	return []string{sum[:2], sum + ".bin"}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

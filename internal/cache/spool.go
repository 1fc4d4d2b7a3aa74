package cache

import (
	"context"
	"errors"
	"fmt"
)

// flusher 由需要在条目完成时统一落盘的数据层实现。
type flusher interface {
	Flush(ctx context.Context, key ResourceKey) error
}

// NewSpooledData 为对象存储数据层加一层本地暂存：分段写入只落到本地磁盘，
// 条目完成时一次性上传到 remote，避免每个分段都重写整个对象。
func NewSpooledData(remote DataTier, spoolPath string) (DataTier, error) {
	local, err := NewFSData(spoolPath)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return &spooledData{remote: remote, local: local}, nil
}

type spooledData struct {
	remote DataTier
	local  DataTier
}

func (s *spooledData) Name() string { return s.remote.Name() }

// Read 优先返回本地未上传的部分数据。
func (s *spooledData) Read(ctx context.Context, key ResourceKey) ([]byte, error) {
	data, err := s.local.Read(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.remote.Read(ctx, key)
}

func (s *spooledData) Write(ctx context.Context, key ResourceKey, data []byte) error {
	if err := s.remote.Write(ctx, key, data); err != nil {
		return err
	}
	return ignoreNotFound(s.local.Remove(ctx, key))
}

// WriteAt 只写本地暂存；暂存为空且 offset > 0 时先从 remote 取回已有前缀，
// 用于进程重启后继续之前上传过的部分。
func (s *spooledData) WriteAt(ctx context.Context, key ResourceKey, offset int64, chunk []byte) error {
	if offset > 0 {
		if _, err := s.local.Read(ctx, key); errors.Is(err, ErrNotFound) {
			existing, err := s.remote.Read(ctx, key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := s.local.Write(ctx, key, existing); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return s.local.WriteAt(ctx, key, offset, chunk)
}

// Flush 上传本地暂存并删除暂存文件；没有暂存时什么也不做。
func (s *spooledData) Flush(ctx context.Context, key ResourceKey) error {
	data, err := s.local.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Write(ctx, key, data)
}

func (s *spooledData) Remove(ctx context.Context, key ResourceKey) error {
	localErr := ignoreNotFound(s.local.Remove(ctx, key))
	remoteErr := ignoreNotFound(s.remote.Remove(ctx, key))
	return errors.Join(localErr, remoteErr)
}

func (s *spooledData) Close() error {
	return errors.Join(s.local.Close(), s.remote.Close())
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

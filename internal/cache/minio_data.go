package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions 描述 MinIO / S3 兼容存储的连接参数。
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioData 构建 MinIO 数据层，bucket 不存在时自动创建。
func NewMinioData(ctx context.Context, opts MinioOptions) (DataTier, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket %s unavailable: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create minio bucket %s: %w", opts.Bucket, err)
		}
	}

	return &minioData{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

type minioData struct {
	client *minio.Client
	bucket string
	prefix string
}

func (m *minioData) Name() string { return "minio" }

func (m *minioData) objectKey(key ResourceKey) string {
	return path.Join(m.prefix, objectName(key))
}

func (m *minioData) Read(ctx context.Context, key ResourceKey) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioErr(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinioErr(err)
	}
	return data, nil
}

func (m *minioData) Write(ctx context.Context, key ResourceKey, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.objectKey(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// WriteAt 与 S3 相同，采用读出-拼接-重写；经 Open 打开时由本地暂存接管分段写入。
func (m *minioData) WriteAt(ctx context.Context, key ResourceKey, offset int64, chunk []byte) error {
	existing, err := m.Read(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged, err := spliceAt(existing, offset, chunk)
	if err != nil {
		return err
	}
	return m.Write(ctx, key, merged)
}

func (m *minioData) Remove(ctx context.Context, key ResourceKey) error {
	err := m.client.RemoveObject(ctx, m.bucket, m.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil {
		if errors.Is(translateMinioErr(err), ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (m *minioData) Close() error { return nil }

func translateMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return ErrNotFound
	}
	return err
}

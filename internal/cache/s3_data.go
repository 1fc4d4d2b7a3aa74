package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options 描述 S3 数据层的连接参数；Endpoint 非空时使用 path-style 访问。
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Data 构建 S3 数据层，并通过 HeadBucket 确认 bucket 可用。
func NewS3Data(ctx context.Context, opts S3Options) (DataTier, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3 bucket %s unavailable: %w", opts.Bucket, err)
	}

	return &s3Data{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

type s3Data struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func (s *s3Data) Name() string { return "s3" }

func (s *s3Data) objectKey(key ResourceKey) string {
	return path.Join(s.prefix, objectName(key))
}

func (s *s3Data) Read(ctx context.Context, key ResourceKey) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (s *s3Data) Write(ctx context.Context, key ResourceKey, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}

// WriteAt 对象存储不支持原地追加，只能读出后整体重写；Open 会在外层套上本地暂存。
func (s *s3Data) WriteAt(ctx context.Context, key ResourceKey, offset int64, chunk []byte) error {
	existing, err := s.Read(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged, err := spliceAt(existing, offset, chunk)
	if err != nil {
		return err
	}
	return s.Write(ctx, key, merged)
}

func (s *s3Data) Remove(ctx context.Context, key ResourceKey) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return err
}

func (s *s3Data) Close() error { return nil }

// objectName 与磁盘布局保持一致，避免 URL 中的特殊字符进入对象 key。
func objectName(key ResourceKey) string {
	return path.Join(hashedName(key)...)
}

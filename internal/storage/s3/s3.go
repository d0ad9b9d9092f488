package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint  string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool // 是否使用 HTTPS
	PathStyle bool // 是否使用路径风格访问（MinIO 需要设为 true）
}

// Store 基于 S3 兼容存储实现 storage.BlobStore。
// 对象存储不支持原地追加，Append 采用读出前缀再整体重写的方式，
// 单个上传的分片串行到达，重写期间不会有并发写同一 key。
type Store struct {
	client *minio.Client
	bucket string
}

// bucketLookup 把路径风格开关翻译成 minio 的寻址方式。
func bucketLookup(pathStyle bool) minio.BucketLookupType {
	if pathStyle {
		return minio.BucketLookupPath
	}
	return minio.BucketLookupAuto
}

// New 创建新的 S3 存储实例，bucket 不存在时自动创建。
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: bucketLookup(cfg.PathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func cleanKey(key string) string {
	return filepath.ToSlash(filepath.Clean(key))
}

// Create 写入零字节对象。
func (s *Store) Create(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 store uninitialized")
	}

	_, err := s.client.PutObject(ctx, s.bucket, cleanKey(key), bytes.NewReader(nil), 0, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put empty object: %w", err)
	}
	return nil
}

// Append 读取对象的前 offset 字节，与新分片拼接后整体重写。
func (s *Store) Append(ctx context.Context, key string, offset int64, r io.Reader) (int64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("s3 store uninitialized")
	}

	ck := cleanKey(key)

	var prefix io.Reader = bytes.NewReader(nil)
	if offset > 0 {
		obj, err := s.client.GetObject(ctx, s.bucket, ck, minio.GetObjectOptions{})
		if err != nil {
			return 0, fmt.Errorf("get object: %w", err)
		}
		defer obj.Close()
		prefix = io.LimitReader(obj, offset)
	}

	counted := &countingReader{r: r}
	_, err := s.client.PutObject(ctx, s.bucket, ck, io.MultiReader(prefix, counted), -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return counted.n, fmt.Errorf("put object: %w", err)
	}

	return counted.n, nil
}

// Open 返回对象完整内容。
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 store uninitialized")
	}

	ck := cleanKey(key)

	obj, err := s.client.GetObject(ctx, s.bucket, ck, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	// 验证对象是否存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("blob not found: %s", key)
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}

	return obj, nil
}

// Delete 删除对象。
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 store uninitialized")
	}

	return s.client.RemoveObject(ctx, s.bucket, cleanKey(key), minio.RemoveObjectOptions{})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

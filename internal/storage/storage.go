package storage

import (
	"context"
	"io"
)

// BlobStore 定义上传记录独占的追加式字节存储。
// Append 以 offset 为写入位置：offset 之后已有的字节会被覆盖或截断，
// 这样客户端按记录中的 offset 重发时存储总能回到一致状态。
type BlobStore interface {
	// Create 建立一个空 blob，文件从零字节开始。
	Create(ctx context.Context, key string) error
	// Append 从 offset 处写入 r 的全部内容，返回写入字节数。
	Append(ctx context.Context, key string, offset int64, r io.Reader) (int64, error)
	// Open 返回 blob 的完整内容，供校验和计算与读取。
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除 blob。目标不存在时不视为错误。
	Delete(ctx context.Context, key string) error
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"chunkdrop/internal/repository"
	"chunkdrop/internal/storage"
)

// ErrRestart 表示客户端从 0 偏移重发而记录已有进度，
// 调用方应丢弃旧记录和旧 blob，用全新记录重试本次追加。
var ErrRestart = errors.New("chunk restarts upload from offset 0")

// ChunkAssembler 校验单个分片并把字节追加到记录的 blob 上。
// 只负责偏移匹配与追加，完成判定交给调用方（调用方要先验校验和）。
type ChunkAssembler struct {
	blobs     storage.BlobStore
	expiresIn time.Duration
	now       func() time.Time
}

func NewChunkAssembler(blobs storage.BlobStore, expiresIn time.Duration, now func() time.Time) *ChunkAssembler {
	if now == nil {
		now = time.Now
	}
	return &ChunkAssembler{blobs: blobs, expiresIn: expiresIn, now: now}
}

// Expired 判断记录是否超过有效期。任何状态的记录过期后都不可再写。
func (a *ChunkAssembler) Expired(record *repository.UploadRecord) bool {
	return a.now().Sub(record.CreatedOn) > a.expiresIn
}

// ExpiresOn 返回记录的过期时刻。
func (a *ChunkAssembler) ExpiresOn(record *repository.UploadRecord) time.Time {
	return record.CreatedOn.Add(a.expiresIn)
}

// Append 校验分片范围并写入 blob，成功后推进记录的 Offset。
// 返回值表示这是否是最后一个分片（end+1 == total）。
// 校验失败时记录保持原状：
//   - 记录过期 → 410
//   - 记录已是终态 → 400，并指出当前状态
//   - start 与记录 Offset 不符 → start==0 时返回 ErrRestart，否则 400
//   - 分片长度与范围不符 → 400
func (a *ChunkAssembler) Append(ctx context.Context, record *repository.UploadRecord, start, end, total int64, chunk io.Reader, size int64) (bool, error) {
	if a.Expired(record) {
		return false, Gonef("Upload has expired")
	}
	if record.Status.Terminal() {
		return false, BadRequestf("Upload has already been marked as %q", record.Status)
	}

	if start != record.Offset {
		if start == 0 {
			return false, ErrRestart
		}
		return false, BadRequestf("Offsets do not match: expected %d, got %d", record.Offset, start)
	}

	if size != end-start+1 {
		return false, BadRequestf("Chunk size %d does not match range %d-%d", size, start, end)
	}

	n, err := a.blobs.Append(ctx, record.BlobKey, record.Offset, chunk)
	if err != nil {
		return false, fmt.Errorf("append chunk to blob %s: %w", record.BlobKey, err)
	}
	if n != size {
		// blob 可能比记录的 offset 长，记录未推进，客户端按原 offset 重发即可恢复
		return false, fmt.Errorf("short append to blob %s: wrote %d of %d bytes", record.BlobKey, n, size)
	}

	record.Offset += n

	return end+1 == total, nil
}

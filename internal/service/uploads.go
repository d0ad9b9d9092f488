package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chunkdrop/internal/repository"
	"chunkdrop/internal/storage"

	"github.com/google/uuid"
)

// Hooks 是上传流程的扩展点，全部字段可为 nil（即不做任何事）。
type Hooks struct {
	// Validate 在任何持久化发生之前运行，返回错误则中止本次请求。
	Validate func(ctx context.Context, in ChunkInput) error
	// ExtraAttrs 在创建新记录时提供附加元数据。
	ExtraAttrs func(ctx context.Context, in ChunkInput) map[string]any
	// PreSave / PostSave 包裹每一次记录持久化，new 表示记录是否首次入库。
	PreSave  func(ctx context.Context, record *repository.UploadRecord, new bool) error
	PostSave func(ctx context.Context, record *repository.UploadRecord, new bool) error
	// OnCompletion 在上传完成后运行，返回非 nil 时替换默认响应体。
	OnCompletion func(ctx context.Context, record *repository.UploadRecord) (any, error)
}

// UploadService 编排一次分片上传请求的完整生命周期。
type UploadService struct {
	repo      repository.UploadRepository
	blobs     storage.BlobStore
	assembler *ChunkAssembler
	hooks     Hooks
	expiresIn time.Duration
	now       func() time.Time
}

// NewUploadService 构造上传服务。now 为 nil 时使用 time.Now。
func NewUploadService(repo repository.UploadRepository, blobs storage.BlobStore, expiresIn time.Duration, hooks Hooks, now func() time.Time) *UploadService {
	if now == nil {
		now = time.Now
	}
	return &UploadService{
		repo:      repo,
		blobs:     blobs,
		assembler: NewChunkAssembler(blobs, expiresIn, now),
		hooks:     hooks,
		expiresIn: expiresIn,
		now:       now,
	}
}

// ChunkInput 描述一个待追加的分片。
type ChunkInput struct {
	OwnerID  string
	UploadID string // 客户端提供的标识，同时是最终内容的 md5
	Filename string
	Start    int64
	End      int64
	Total    int64
	Chunk    io.Reader
	Size     int64
	Checksum string // 最终分片应携带的内容 md5，默认等于 UploadID
}

// StatusView 是分片被接受后的默认响应体。
type StatusView struct {
	UploadID string    `json:"upload_id"`
	Offset   int64     `json:"offset"`
	Expires  time.Time `json:"expires"`
}

// ChunkResult 汇总一次 HandleChunk 的结果。
type ChunkResult struct {
	Record    *repository.UploadRecord
	Completed bool
	// Payload 是应返回给客户端的响应体。
	Payload any
}

// HandleChunk 处理一个分片：定位或创建记录，追加字节，
// 最后一个分片到达时验证 md5 并将记录置为终态。
func (s *UploadService) HandleChunk(ctx context.Context, in ChunkInput) (*ChunkResult, error) {
	if s == nil || s.repo == nil || s.blobs == nil {
		return nil, errors.New("upload service not initialized")
	}

	if s.hooks.Validate != nil {
		if err := s.hooks.Validate(ctx, in); err != nil {
			return nil, err
		}
	}

	record, isNew, err := s.resolveRecord(ctx, in)
	if err != nil {
		return nil, err
	}

	final, err := s.assembler.Append(ctx, record, in.Start, in.End, in.Total, in.Chunk, in.Size)
	if errors.Is(err, ErrRestart) {
		// 客户端从零重传：丢弃旧记录与旧 blob，用全新记录重试
		if record, err = s.discardAndRecreate(ctx, record, in); err != nil {
			return nil, err
		}
		isNew = true
		final, err = s.assembler.Append(ctx, record, in.Start, in.End, in.Total, in.Chunk, in.Size)
	}
	if err != nil {
		chunksRejected.Inc()
		return nil, err
	}

	chunksAccepted.Inc()
	bytesAppended.Add(float64(in.Size))

	if err := s.saveRecord(ctx, record, isNew); err != nil {
		return nil, err
	}

	if !final {
		return &ChunkResult{Record: record, Payload: s.statusView(record)}, nil
	}

	// 竞态防护：同一最终分片重复提交时不重复校验
	if record.Status == repository.UploadStatusComplete {
		return nil, BadRequestf("Upload has already been marked as complete")
	}

	if err := s.verifyChecksum(ctx, record, in.Checksum); err != nil {
		return nil, err
	}

	completedOn := s.now().UTC()
	record.Status = repository.UploadStatusComplete
	record.CompletedOn = &completedOn
	if err := s.saveRecord(ctx, record, false); err != nil {
		return nil, err
	}
	uploadsCompleted.Inc()

	payload := any(s.statusView(record))
	if s.hooks.OnCompletion != nil {
		custom, err := s.hooks.OnCompletion(ctx, record)
		if err != nil {
			return nil, err
		}
		if custom != nil {
			payload = custom
		}
	}

	return &ChunkResult{Record: record, Completed: true, Payload: payload}, nil
}

// QueryOffset 返回指定上传的当前偏移，记录不存在时返回 0 而非错误，
// 这样客户端可以在开始上传前先探测进度。
func (s *UploadService) QueryOffset(ctx context.Context, ownerID, uploadID string) (int64, error) {
	if s == nil || s.repo == nil {
		return 0, errors.New("upload service not initialized")
	}

	record, err := s.repo.GetByOwnerAndUploadID(ctx, ownerID, uploadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.Offset, nil
}

// SweepResult 描述一次过期清理的结果。
type SweepResult struct {
	// Matched 是删除（或 dryRun 时将会删除）的记录数。
	Matched int
	// Total 是扫描时库中的记录总数。
	Total int64
}

// SweepExpired 删除创建时间超过有效期的记录及其 blob。
// dryRun 为 true 时只统计不删除。记录在清理过程中已被他处删除时按无事发生处理。
func (s *UploadService) SweepExpired(ctx context.Context, dryRun bool) (SweepResult, error) {
	if s == nil || s.repo == nil {
		return SweepResult{}, errors.New("upload service not initialized")
	}

	total, err := s.repo.Count(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("count uploads: %w", err)
	}

	cutoff := s.now().Add(-s.expiresIn)
	expired, err := s.repo.ListCreatedBefore(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list expired uploads: %w", err)
	}

	if dryRun {
		return SweepResult{Matched: len(expired), Total: total}, nil
	}

	deleted := 0
	for i := range expired {
		rec := &expired[i]
		if err := s.blobs.Delete(ctx, rec.BlobKey); err != nil {
			return SweepResult{Matched: deleted, Total: total}, fmt.Errorf("delete blob %s: %w", rec.BlobKey, err)
		}
		if err := s.repo.Delete(ctx, rec.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return SweepResult{Matched: deleted, Total: total}, fmt.Errorf("delete upload %s: %w", rec.ID, err)
		}
		deleted++
		expiredDeleted.Inc()
	}

	return SweepResult{Matched: deleted, Total: total}, nil
}

func (s *UploadService) statusView(record *repository.UploadRecord) StatusView {
	return StatusView{
		UploadID: record.UploadID,
		Offset:   record.Offset,
		Expires:  s.assembler.ExpiresOn(record),
	}
}

// resolveRecord 查找 (owner, upload_id) 对应的记录，不存在时建立新记录和空 blob。
func (s *UploadService) resolveRecord(ctx context.Context, in ChunkInput) (*repository.UploadRecord, bool, error) {
	record, err := s.repo.GetByOwnerAndUploadID(ctx, in.OwnerID, in.UploadID)
	if err == nil {
		return record, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("get upload %s: %w", in.UploadID, err)
	}

	record, err = s.newRecord(ctx, in)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *UploadService) newRecord(ctx context.Context, in ChunkInput) (*repository.UploadRecord, error) {
	metadata := map[string]any{}
	if s.hooks.ExtraAttrs != nil {
		for k, v := range s.hooks.ExtraAttrs(ctx, in) {
			metadata[k] = v
		}
	}

	id := uuid.NewString()
	record := &repository.UploadRecord{
		ID:        id,
		UploadID:  in.UploadID,
		OwnerID:   in.OwnerID,
		Filename:  in.Filename,
		BlobKey:   "uploads/" + id,
		Offset:    0,
		Status:    repository.UploadStatusInProgress,
		Metadata:  metadata,
		CreatedOn: s.now().UTC(),
	}

	if err := s.blobs.Create(ctx, record.BlobKey); err != nil {
		return nil, fmt.Errorf("create blob %s: %w", record.BlobKey, err)
	}

	return record, nil
}

func (s *UploadService) discardAndRecreate(ctx context.Context, old *repository.UploadRecord, in ChunkInput) (*repository.UploadRecord, error) {
	if old.ID != "" {
		if err := s.repo.Delete(ctx, old.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("delete upload %s: %w", old.ID, err)
		}
	}
	if err := s.blobs.Delete(ctx, old.BlobKey); err != nil {
		return nil, fmt.Errorf("delete blob %s: %w", old.BlobKey, err)
	}
	return s.newRecord(ctx, in)
}

// saveRecord 包裹一次持久化，执行 PreSave/PostSave 钩子。
// 新记录走 Create（入库后以库中返回的字段为准），已有记录走 Update。
func (s *UploadService) saveRecord(ctx context.Context, record *repository.UploadRecord, isNew bool) error {
	if s.hooks.PreSave != nil {
		if err := s.hooks.PreSave(ctx, record, isNew); err != nil {
			return err
		}
	}

	if isNew {
		stored, err := s.repo.Create(ctx, record)
		if err != nil {
			return fmt.Errorf("create upload record: %w", err)
		}
		*record = *stored
	} else {
		if err := s.repo.Update(ctx, record); err != nil {
			return fmt.Errorf("update upload record: %w", err)
		}
	}

	if s.hooks.PostSave != nil {
		if err := s.hooks.PostSave(ctx, record, isNew); err != nil {
			return err
		}
	}
	return nil
}

// verifyChecksum 流式计算 blob 的 md5 并与客户端提供值比较。
// 不匹配时记录转入 failed 终态并返回 400。
func (s *UploadService) verifyChecksum(ctx context.Context, record *repository.UploadRecord, supplied string) error {
	if supplied == "" {
		supplied = record.UploadID
	}

	blob, err := s.blobs.Open(ctx, record.BlobKey)
	if err != nil {
		return fmt.Errorf("open blob %s: %w", record.BlobKey, err)
	}
	defer blob.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, blob); err != nil {
		return fmt.Errorf("hash blob %s: %w", record.BlobKey, err)
	}
	computed := hex.EncodeToString(hash.Sum(nil))

	if !strings.EqualFold(computed, supplied) {
		record.Status = repository.UploadStatusFailed
		if err := s.saveRecord(ctx, record, false); err != nil {
			return err
		}
		uploadsFailed.Inc()
		return BadRequestf("md5 checksum does not match")
	}
	return nil
}

package repository

import (
	"context"
	"time"
)

// UploadStatus 描述分片上传的生命周期状态。
type UploadStatus string

const (
	UploadStatusInProgress UploadStatus = "in_progress"
	UploadStatusComplete   UploadStatus = "complete"
	UploadStatusFailed     UploadStatus = "failed"
)

// Terminal 判断状态是否为终态，终态记录不允许再追加分片。
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusComplete || s == UploadStatusFailed
}

// UploadRecord 代表数据库中一次分片上传的状态。
// (OwnerID, UploadID) 在记录表中唯一；BlobKey 独占指向该记录的字节存储。
type UploadRecord struct {
	ID          string         `json:"id"`
	UploadID    string         `json:"upload_id"`
	OwnerID     string         `json:"owner_id"`
	Filename    string         `json:"filename"`
	BlobKey     string         `json:"blob_key"`
	Offset      int64          `json:"offset"`
	Status      UploadStatus   `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedOn   time.Time      `json:"created_on"`
	CompletedOn *time.Time     `json:"completed_on,omitempty"`
}

// UploadRepository 统一上传记录持久层接口。
type UploadRepository interface {
	Create(ctx context.Context, record *UploadRecord) (*UploadRecord, error)
	GetByOwnerAndUploadID(ctx context.Context, ownerID, uploadID string) (*UploadRecord, error)
	Update(ctx context.Context, record *UploadRecord) error
	Delete(ctx context.Context, id string) error
	// ListCreatedBefore 返回 created_on 早于 cutoff 的全部记录，供过期清理使用。
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]UploadRecord, error)
	Count(ctx context.Context) (int64, error)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chunkdrop/internal/repository"
)

// NewUploadRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// UploadRepository 实现 repository.UploadRepository。
type UploadRepository struct {
	db *sql.DB
}

var uploadSelectColumns = []string{
	"id",
	"upload_id",
	"owner_id",
	"filename",
	"blob_key",
	"offset_bytes",
	"status",
	"metadata",
	"created_on",
	"completed_on",
}

var uploadInsertColumns = []string{
	"id",
	"upload_id",
	"owner_id",
	"filename",
	"blob_key",
	"offset_bytes",
	"status",
	"metadata",
}

// Create 插入上传记录并返回数据库生成字段（如 created_on）。
func (r *UploadRepository) Create(ctx context.Context, record *repository.UploadRecord) (*repository.UploadRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("upload record is nil")
	}

	metadataBytes, err := encodeMetadata(record.Metadata)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(uploadInsertColumns))
	for i := range uploadInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO uploads (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(uploadInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(uploadSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.UploadID,
		record.OwnerID,
		record.Filename,
		record.BlobKey,
		record.Offset,
		record.Status,
		metadataBytes,
	)

	return scanUploadRecord(row)
}

// GetByOwnerAndUploadID 按 (owner, upload_id) 查询记录。
func (r *UploadRepository) GetByOwnerAndUploadID(ctx context.Context, ownerID, uploadID string) (*repository.UploadRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM uploads WHERE owner_id = $1 AND upload_id = $2`,
		strings.Join(uploadSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, ownerID, uploadID)
	record, err := scanUploadRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// Update 以主键为条件持久化可变字段。
func (r *UploadRepository) Update(ctx context.Context, record *repository.UploadRecord) error {
	if record == nil {
		return fmt.Errorf("upload record is nil")
	}

	metadataBytes, err := encodeMetadata(record.Metadata)
	if err != nil {
		return err
	}

	var completed sql.NullTime
	if record.CompletedOn != nil {
		completed = sql.NullTime{Time: *record.CompletedOn, Valid: true}
	}

	query := `UPDATE uploads
	SET offset_bytes = $1, status = $2, metadata = $3, completed_on = $4, filename = $5
	WHERE id = $6`
	res, err := r.db.ExecContext(ctx, query,
		record.Offset, record.Status, metadataBytes, completed, record.Filename, record.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete 按主键删除记录。记录已不存在时返回 ErrNotFound。
func (r *UploadRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListCreatedBefore 返回创建时间早于 cutoff 的全部记录。
func (r *UploadRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]repository.UploadRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM uploads WHERE created_on < $1 ORDER BY created_on`,
		strings.Join(uploadSelectColumns, ","))
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.UploadRecord
	for rows.Next() {
		rec, err := scanUploadRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Count 返回记录总数。
func (r *UploadRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadRecord(rs rowScanner) (*repository.UploadRecord, error) {
	var (
		rec         repository.UploadRecord
		metadata    []byte
		completedOn sql.NullTime
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.UploadID,
		&rec.OwnerID,
		&rec.Filename,
		&rec.BlobKey,
		&rec.Offset,
		&rec.Status,
		&metadata,
		&rec.CreatedOn,
		&completedOn,
	); err != nil {
		return nil, err
	}

	if completedOn.Valid {
		rec.CompletedOn = &completedOn.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	return &rec, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(meta)
}

package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"chunkdrop/internal/repository"
)

type memRepo struct {
	records map[string]*repository.UploadRecord // 按主键索引
	deleted []string
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*repository.UploadRecord{}}
}

func (m *memRepo) Create(ctx context.Context, record *repository.UploadRecord) (*repository.UploadRecord, error) {
	for _, rec := range m.records {
		if rec.OwnerID == record.OwnerID && rec.UploadID == record.UploadID {
			return nil, fmt.Errorf("duplicate upload %s", record.UploadID)
		}
	}
	clone := *record
	m.records[record.ID] = &clone
	return record, nil
}

func (m *memRepo) GetByOwnerAndUploadID(ctx context.Context, ownerID, uploadID string) (*repository.UploadRecord, error) {
	for _, rec := range m.records {
		if rec.OwnerID == ownerID && rec.UploadID == uploadID {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) Update(ctx context.Context, record *repository.UploadRecord) error {
	if _, ok := m.records[record.ID]; !ok {
		return repository.ErrNotFound
	}
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id string) error {
	if _, ok := m.records[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.records, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memRepo) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]repository.UploadRecord, error) {
	var out []repository.UploadRecord
	for _, rec := range m.records {
		if rec.CreatedOn.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memRepo) Count(ctx context.Context) (int64, error) {
	return int64(len(m.records)), nil
}

type memBlobs struct {
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: map[string][]byte{}}
}

func (m *memBlobs) Create(ctx context.Context, key string) error {
	m.blobs[key] = nil
	return nil
}

func (m *memBlobs) Append(ctx context.Context, key string, offset int64, r io.Reader) (int64, error) {
	existing, ok := m.blobs[key]
	if !ok {
		return 0, fmt.Errorf("blob not found: %s", key)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if offset > int64(len(existing)) {
		return 0, fmt.Errorf("offset %d beyond blob length %d", offset, len(existing))
	}
	m.blobs[key] = append(existing[:offset], data...)
	return int64(len(data)), nil
}

func (m *memBlobs) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Delete(ctx context.Context, key string) error {
	delete(m.blobs, key)
	return nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func chunkInput(owner, uploadID string, start, end, total int64, data []byte) ChunkInput {
	return ChunkInput{
		OwnerID:  owner,
		UploadID: uploadID,
		Filename: "big.bin",
		Start:    start,
		End:      end,
		Total:    total,
		Chunk:    bytes.NewReader(data),
		Size:     int64(len(data)),
		Checksum: uploadID,
	}
}

type fixture struct {
	repo    *memRepo
	blobs   *memBlobs
	svc     *UploadService
	current time.Time
}

func newFixture(t *testing.T, hooks Hooks) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		blobs:   newMemBlobs(),
		current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewUploadService(f.repo, f.blobs, 24*time.Hour, hooks, func() time.Time { return f.current })
	return f
}

func TestUploadService_HandleChunk_TwoChunksComplete(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	res, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5]))
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if res.Completed {
		t.Fatal("first chunk must not complete the upload")
	}
	view, ok := res.Payload.(StatusView)
	if !ok {
		t.Fatalf("unexpected payload type %T", res.Payload)
	}
	if view.Offset != 5 {
		t.Fatalf("expected offset 5, got %d", view.Offset)
	}
	if want := f.current.Add(24 * time.Hour); !view.Expires.Equal(want) {
		t.Fatalf("expected expires %v, got %v", want, view.Expires)
	}

	res, err = f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 5, 9, 10, payload[5:]))
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if !res.Completed {
		t.Fatal("final chunk must complete the upload")
	}
	if res.Record.Status != repository.UploadStatusComplete {
		t.Fatalf("expected status complete, got %s", res.Record.Status)
	}
	if res.Record.CompletedOn == nil {
		t.Fatal("completed_on must be set")
	}
	if got := f.blobs.blobs[res.Record.BlobKey]; string(got) != string(payload) {
		t.Fatalf("assembled blob mismatch: %q", got)
	}
}

func TestUploadService_HandleChunk_ChecksumMismatchFails(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex([]byte("something else"))
	f := newFixture(t, Hooks{})

	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	_, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 5, 9, 10, payload[5:]))
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Status != 400 {
		t.Fatalf("expected 400 checksum error, got %v", err)
	}

	rec, err := f.repo.GetByOwnerAndUploadID(context.Background(), "alice", uploadID)
	if err != nil {
		t.Fatalf("record must survive: %v", err)
	}
	if rec.Status != repository.UploadStatusFailed {
		t.Fatalf("expected status failed, got %s", rec.Status)
	}
	if rec.Offset != 10 {
		t.Fatalf("offset must remain 10, got %d", rec.Offset)
	}
}

func TestUploadService_HandleChunk_OffsetMismatchDoesNotMutate(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	_, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 7, 9, 10, payload[7:]))
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Status != 400 {
		t.Fatalf("expected 400 offset mismatch, got %v", err)
	}

	rec, _ := f.repo.GetByOwnerAndUploadID(context.Background(), "alice", uploadID)
	if rec.Offset != 5 {
		t.Fatalf("record must stay at offset 5, got %d", rec.Offset)
	}
	if got := f.blobs.blobs[rec.BlobKey]; len(got) != 5 {
		t.Fatalf("blob must stay at 5 bytes, got %d", len(got))
	}
}

func TestUploadService_HandleChunk_RestartAtZeroDiscardsRecord(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	first, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5]))
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	oldID := first.Record.ID
	oldBlob := first.Record.BlobKey

	res, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 7, 10, payload[:8]))
	if err != nil {
		t.Fatalf("restart chunk: %v", err)
	}
	if res.Record.ID == oldID {
		t.Fatal("restart must create a fresh record")
	}
	if res.Record.Offset != 8 {
		t.Fatalf("expected offset 8 after restart, got %d", res.Record.Offset)
	}
	if _, ok := f.blobs.blobs[oldBlob]; ok {
		t.Fatal("old blob must be deleted on restart")
	}
	if len(f.repo.deleted) != 1 || f.repo.deleted[0] != oldID {
		t.Fatalf("old record must be deleted, got %v", f.repo.deleted)
	}
}

func TestUploadService_HandleChunk_ExpiredReturnsGone(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	f.current = f.current.Add(25 * time.Hour)

	_, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 5, 9, 10, payload[5:]))
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Status != 410 {
		t.Fatalf("expected 410 Gone, got %v", err)
	}
}

func TestUploadService_HandleChunk_TerminalRecordRejectsChunks(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 9, 10, payload)); err != nil {
		t.Fatalf("single-chunk upload: %v", err)
	}

	// 已完成的记录再次收到同一最终分片：400，且不重新校验
	_, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 9, 9, 10, payload[9:]))
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Status != 400 {
		t.Fatalf("expected 400 on terminal record, got %v", err)
	}
}

func TestUploadService_HandleChunk_SizeRangeMismatch(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	in := chunkInput("alice", uploadID, 0, 4, 10, payload[:3]) // 声明 5 字节实发 3 字节
	_, err := f.svc.HandleChunk(context.Background(), in)
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Status != 400 {
		t.Fatalf("expected 400 size mismatch, got %v", err)
	}
}

func TestUploadService_HandleChunk_ValidateHookAborts(t *testing.T) {
	hookErr := BadRequestf("quota exceeded")
	f := newFixture(t, Hooks{
		Validate: func(ctx context.Context, in ChunkInput) error { return hookErr },
	})

	_, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", "abc", 0, 4, 10, []byte("01234")))
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected validate hook error, got %v", err)
	}
	if n, _ := f.repo.Count(context.Background()); n != 0 {
		t.Fatalf("validate failure must not persist records, got %d", n)
	}
}

func TestUploadService_HandleChunk_CompletionHookPayload(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	custom := map[string]string{"claim": "xyz"}
	f := newFixture(t, Hooks{
		OnCompletion: func(ctx context.Context, record *repository.UploadRecord) (any, error) {
			return custom, nil
		},
		ExtraAttrs: func(ctx context.Context, in ChunkInput) map[string]any {
			return map[string]any{"source": "test"}
		},
	})

	res, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 9, 10, payload))
	if err != nil {
		t.Fatalf("single-chunk upload: %v", err)
	}
	if res.Payload == nil || res.Payload.(map[string]string)["claim"] != "xyz" {
		t.Fatalf("expected completion hook payload, got %+v", res.Payload)
	}
	if res.Record.Metadata["source"] != "test" {
		t.Fatalf("expected extra attrs in metadata, got %+v", res.Record.Metadata)
	}
}

func TestUploadService_QueryOffset(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	f := newFixture(t, Hooks{})

	offset, err := f.svc.QueryOffset(context.Background(), "alice", "unknown")
	if err != nil {
		t.Fatalf("unknown id must not error: %v", err)
	}
	if offset != 0 {
		t.Fatalf("expected 0 for unknown id, got %d", offset)
	}

	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	offset, err = f.svc.QueryOffset(context.Background(), "alice", uploadID)
	if err != nil {
		t.Fatalf("QueryOffset: %v", err)
	}
	if offset != 5 {
		t.Fatalf("expected offset 5, got %d", offset)
	}

	// 其他 owner 看不到该上传
	offset, err = f.svc.QueryOffset(context.Background(), "bob", uploadID)
	if err != nil || offset != 0 {
		t.Fatalf("expected 0 for other owner, got %d, %v", offset, err)
	}
}

// vanishingRepo 在列出过期记录后立刻把它们从库里删掉，
// 模拟清理过程中记录被他处删除的竞态。
type vanishingRepo struct {
	*memRepo
}

func (v *vanishingRepo) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]repository.UploadRecord, error) {
	out, err := v.memRepo.ListCreatedBefore(ctx, cutoff)
	for _, rec := range out {
		delete(v.memRepo.records, rec.ID)
	}
	return out, err
}

func TestUploadService_SweepExpired_ToleratesVanishedRecords(t *testing.T) {
	payload := []byte("0123456789")
	uploadID := md5Hex(payload)
	repo := &vanishingRepo{memRepo: newMemRepo()}
	blobs := newMemBlobs()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewUploadService(repo, blobs, 24*time.Hour, Hooks{}, func() time.Time { return current })

	if _, err := svc.HandleChunk(context.Background(), chunkInput("alice", uploadID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("upload: %v", err)
	}

	current = current.Add(25 * time.Hour)

	result, err := svc.SweepExpired(context.Background(), false)
	if err != nil {
		t.Fatalf("sweep must treat vanished records as no-ops: %v", err)
	}
	if result.Matched != 0 {
		t.Fatalf("vanished records must not be counted as deleted, got %d", result.Matched)
	}
	if result.Total != 1 {
		t.Fatalf("expected 1 scanned record, got %d", result.Total)
	}
}

func TestUploadService_SweepExpired(t *testing.T) {
	payload := []byte("0123456789")
	f := newFixture(t, Hooks{})

	oldID := md5Hex([]byte("old"))
	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", oldID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("old upload: %v", err)
	}

	f.current = f.current.Add(25 * time.Hour)

	freshID := md5Hex([]byte("fresh"))
	if _, err := f.svc.HandleChunk(context.Background(), chunkInput("alice", freshID, 0, 4, 10, payload[:5])); err != nil {
		t.Fatalf("fresh upload: %v", err)
	}

	dry, err := f.svc.SweepExpired(context.Background(), true)
	if err != nil {
		t.Fatalf("dry-run sweep: %v", err)
	}
	if dry.Matched != 1 || dry.Total != 2 {
		t.Fatalf("expected 1 of 2 matched, got %+v", dry)
	}
	if n, _ := f.repo.Count(context.Background()); n != 2 {
		t.Fatal("dry run must not delete anything")
	}

	real, err := f.svc.SweepExpired(context.Background(), false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if real.Matched != dry.Matched {
		t.Fatalf("real sweep deleted %d, dry run predicted %d", real.Matched, dry.Matched)
	}
	if n, _ := f.repo.Count(context.Background()); n != 1 {
		t.Fatalf("expected 1 record left, got %d", n)
	}
	if _, err := f.repo.GetByOwnerAndUploadID(context.Background(), "alice", freshID); err != nil {
		t.Fatal("fresh upload must survive the sweep")
	}
}

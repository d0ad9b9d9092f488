package api

import (
	"errors"
	"net/http"

	"chunkdrop/internal/middleware"
	"chunkdrop/internal/service"

	"github.com/go-chi/chi/v5"
)

// UploadHandler 提供分片上传相关的 HTTP 端点。
type UploadHandler struct {
	service   *service.UploadService
	fieldName string
	maxChunk  int64
}

func NewUploadHandler(s *service.UploadService, fieldName string, maxChunkBytes int64) *UploadHandler {
	if fieldName == "" {
		fieldName = "file"
	}
	return &UploadHandler{service: s, fieldName: fieldName, maxChunk: maxChunkBytes}
}

func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.UploadChunk)
		r.Get("/{uploadID}", h.GetOffset)
	})
}

const multipartMemoryBudget int64 = 16 * 1024 * 1024

// UploadChunk 接受一个 multipart 分片并交给上传服务追加。
// 必须携带文件域、md5 表单字段和 "bytes start-end/total" 形式的 Content-Range 头。
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunk+multipartMemoryBudget)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	chunk, header, err := r.FormFile(h.fieldName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No chunk file was submitted")
		return
	}
	defer chunk.Close()

	uploadID := r.FormValue("md5")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "No md5 was submitted")
		return
	}

	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		writeError(w, http.StatusBadRequest, "Missing Content-Range header")
		return
	}

	start, end, total, err := parseContentRange(contentRange)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.HandleChunk(r.Context(), service.ChunkInput{
		OwnerID:  middleware.GetOwnerID(r.Context()),
		UploadID: uploadID,
		Filename: header.Filename,
		Start:    start,
		End:      end,
		Total:    total,
		Chunk:    chunk,
		Size:     header.Size,
		Checksum: uploadID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result.Payload)
}

// GetOffset 返回指定上传的当前偏移，未知 id 返回 0。
func (h *UploadHandler) GetOffset(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "upload id is required")
		return
	}

	offset, err := h.service.QueryOffset(r.Context(), middleware.GetOwnerID(r.Context()), uploadID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"offset": offset})
}

// writeServiceError 把服务层错误映射到 HTTP 状态码，未分类错误一律 500。
func writeServiceError(w http.ResponseWriter, err error) {
	var reqErr *service.Error
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.Status, reqErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

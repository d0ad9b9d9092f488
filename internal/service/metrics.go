package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// chunksAccepted 记录通过校验并写入的分片总数
	chunksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkdrop_chunks_accepted_total",
		Help: "Total number of chunks validated and appended",
	})

	// chunksRejected 记录被偏移/状态/长度校验拒绝的分片总数
	chunksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkdrop_chunks_rejected_total",
		Help: "Total number of chunks rejected by validation",
	})

	// bytesAppended 记录累计写入的分片字节数
	bytesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkdrop_bytes_appended_total",
		Help: "Total number of chunk bytes appended to blobs",
	})

	// uploadsCompleted 记录校验和通过、成功完成的上传数
	uploadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkdrop_uploads_completed_total",
		Help: "Total number of uploads completed with a matching checksum",
	})

	// uploadsFailed 记录因校验和不匹配而失败的上传数
	uploadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkdrop_uploads_failed_total",
		Help: "Total number of uploads failed on checksum mismatch",
	})

	// expiredDeleted 记录清理任务删除的过期上传数
	expiredDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkdrop_expired_uploads_deleted_total",
		Help: "Total number of expired uploads deleted by the sweep",
	})
)

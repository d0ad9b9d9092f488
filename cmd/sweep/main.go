package main

import (
	"context"
	"flag"
	"log"

	"chunkdrop/internal/config"
	"chunkdrop/internal/database"
	"chunkdrop/internal/repository/postgres"
	"chunkdrop/internal/service"
	"chunkdrop/internal/storage"
	"chunkdrop/internal/storage/local"
	"chunkdrop/internal/storage/s3"
)

// sweep 删除超过有效期的上传记录及其 blob，供 cron 等离线调用。
func main() {
	pretend := flag.Bool("pretend", false, "do not remove anything, just tell how many would be removed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	var blobs storage.BlobStore
	switch cfg.StorageDriver {
	case "s3":
		blobs, err = s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.Fatalf("init s3 storage: %v", err)
		}
	default:
		blobs = local.NewStore(cfg.StorageDir)
	}

	repo := postgres.NewUploadRepository(db)
	uploads := service.NewUploadService(repo, blobs, cfg.UploadExpiresAfter, service.Hooks{}, nil)

	result, err := uploads.SweepExpired(ctx, *pretend)
	if err != nil {
		log.Fatalf("sweep expired uploads: %v", err)
	}

	if *pretend {
		log.Printf("called with -pretend option, nothing done, %d expired uploads would be deleted, of %d total uploads", result.Matched, result.Total)
		return
	}
	log.Printf("%d expired uploads deleted, of %d total uploads", result.Matched, result.Total)
}

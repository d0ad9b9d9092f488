package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"chunkdrop/internal/api"
	"chunkdrop/internal/config"
	"chunkdrop/internal/database"
	"chunkdrop/internal/logging"
	"chunkdrop/internal/repository/postgres"
	"chunkdrop/internal/service"
	"chunkdrop/internal/storage"
	"chunkdrop/internal/storage/local"
	"chunkdrop/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，开始启动服务")

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
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
			logger.Fatalf("初始化 S3 存储失败: %v", err)
		}
	default:
		blobs = local.NewStore(cfg.StorageDir)
	}

	repo := postgres.NewUploadRepository(db)
	uploads := service.NewUploadService(repo, blobs, cfg.UploadExpiresAfter, service.Hooks{}, nil)
	handler := api.NewUploadHandler(uploads, cfg.UploadFieldName, cfg.MaxChunkBytes)
	router := api.NewRouter(cfg, handler)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	logger.Printf("服务监听端口 :%s\n", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("监听失败: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("优雅关闭失败: %v", err)
	}

	logger.Println("服务已停止")
}

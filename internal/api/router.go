package api

import (
	"net/http"

	"chunkdrop/internal/config"
	cdmiddleware "chunkdrop/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// devOwnerID 是关闭鉴权时所有请求使用的固定主体。
const devOwnerID = "dev"

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, uploadHandler *UploadHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cdmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(cdmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(cdmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	if uploadHandler != nil {
		r.Route("/api", func(r chi.Router) {
			switch cfg.AuthDriver {
			case config.AuthDriverJWT:
				r.Use(cdmiddleware.JWTAuth(cfg.JWTJWKSURL, cfg.JWTSecret))
			case config.AuthDriverAPIKey:
				r.Use(cdmiddleware.APIKeyAuth(cfg.APIKeys))
			default:
				// 开发模式不鉴权，所有上传归属同一个固定 owner
				r.Use(cdmiddleware.StaticOwner(devOwnerID))
			}
			uploadHandler.RegisterRoutes(r)
		})
	}

	return r
}

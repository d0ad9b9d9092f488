package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// 鉴权驱动取值。
const (
	AuthDriverNone   = "none"
	AuthDriverAPIKey = "apikey"
	AuthDriverJWT    = "jwt"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	DBHost             string
	DBPort             int
	DBUser             string
	DBPassword         string
	DBName             string
	DBSSLMode          string
	// 上传策略
	UploadExpiresAfter time.Duration // 记录创建后多久过期
	UploadFieldName    string        // multipart 中分片文件域的名字
	MaxChunkBytes      int64         // 单个分片的大小上限
	// 鉴权配置
	AuthDriver string   // "none"、"apikey" 或 "jwt"
	APIKeys    []string // apikey 驱动下有效的 API Keys 列表
	JWTJWKSURL string   // jwt 驱动下的 JWKS 地址，可为空
	JWTSecret  string   // jwt 驱动下的 HMAC 密钥，可为空
	// 存储配置
	StorageDriver string // "local" 或 "s3"
	StorageDir    string // local 驱动的根目录
	S3Endpoint    string // S3/MinIO 端点，不含协议
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3Region      string
	S3UseSSL      bool // 是否使用 HTTPS
	S3PathStyle   bool // 是否使用路径风格访问（MinIO 需要设为 true）
}

// Load 从环境变量加载配置，并提供默认值。
func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	rateLimitRequests, err := parseIntEnv("RATE_LIMIT_REQUESTS", 60)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	expiresAfter, err := parseDurationEnv("UPLOAD_EXPIRES_AFTER", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	maxChunkMB, err := parseIntEnv("MAX_CHUNK_MB", 100)
	if err != nil {
		return nil, err
	}

	// 鉴权配置
	authDriver := envOrDefault("AUTH_DRIVER", AuthDriverAPIKey)
	switch authDriver {
	case AuthDriverNone, AuthDriverAPIKey, AuthDriverJWT:
	default:
		return nil, fmt.Errorf("unknown AUTH_DRIVER %q", authDriver)
	}

	apiKeys := parseList(os.Getenv("API_KEYS"))
	if len(apiKeys) == 0 {
		// 开发环境默认 key
		apiKeys = []string{"dev-api-key-123456"}
	}

	// 存储配置
	storageDriver := envOrDefault("STORAGE_DRIVER", "local")
	storageDir := envOrDefault("STORAGE_DIR", "./data")
	if storageDriver == "local" {
		if err := ensureDir(storageDir); err != nil {
			return nil, fmt.Errorf("确保存储目录失败: %w", err)
		}
	}

	return &Config{
		HTTPPort:           port,
		CORSAllowedOrigins: corsOrigins,
		RateLimitRequests:  rateLimitRequests,
		RateLimitWindow:    rateLimitWindow,
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             envOrDefault("DB_USER", "chunkdrop"),
		DBPassword:         envOrDefault("DB_PASSWORD", "chunkdrop"),
		DBName:             envOrDefault("DB_NAME", "chunkdrop"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),
		UploadExpiresAfter: expiresAfter,
		UploadFieldName:    envOrDefault("UPLOAD_FIELD_NAME", "file"),
		MaxChunkBytes:      int64(maxChunkMB) * 1024 * 1024,
		AuthDriver:         authDriver,
		APIKeys:            apiKeys,
		JWTJWKSURL:         os.Getenv("JWT_JWKS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		StorageDriver:      storageDriver,
		StorageDir:         storageDir,
		S3Endpoint:         envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           envOrDefault("S3_BUCKET", "chunkdrop"),
		S3Region:           envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:           parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:        parseBoolEnv("S3_PATH_STYLE", true),
	}, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

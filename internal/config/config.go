// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize int64 // 入力CSVの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL      string // Asynq用Redis接続URL
	StoreRedisURL      string // ジョブ状態保存用Redis接続URL（未指定時はQueueRedisURL）
	JobRetentionHours  int    // ジョブ情報の保持期間（0は無期限）
	WorkerConcurrency  int    // 並列に実行するジョブ数
	TaskMaxRetry       int    // キューの再配送回数
	TaskTimeoutMinutes int    // 1ジョブあたりの実行上限（分）
	RunWorkers         bool   // APIプロセス内でワーカーも起動するか

	// 画像処理設定
	ItemWorkers         int   // 1ジョブ内で同時に処理する商品数
	ImageWorkers        int   // 1ジョブ内で同時に取得する画像数
	FetchTimeoutSeconds int   // 画像取得のタイムアウト（秒）
	MaxImageBytes       int64 // 取得する画像の最大サイズ（バイト）
	JPEGQuality         int   // 再エンコード時のJPEG品質（1-100）
	MaxImageDimension   int   // 長辺の最大ピクセル数（0は縮小しない）
	MaxImagePixels      int64 // デコードを許可する最大画素数（幅×高さ）

	// 永続化/通知設定
	StoreTimeoutSeconds   int // ストア更新のタイムアウト（秒）
	WebhookTimeoutSeconds int // Webhook送信のタイムアウト（秒）

	// 成果物設定
	StorageRoot   string // 成果物を保存するルートディレクトリ
	PublicBaseURL string // 成果物参照URLのベース（空の場合はストレージキーをそのまま返す）
	ArchiveDBPath string // 商品レコードを保存するSQLiteファイル（空の場合は無効）

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	storageRoot := getEnv("STORAGE_ROOT", "./data")
	queueURL := getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0")

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 10*1024*1024), // 10MB

		QueueRedisURL:      queueURL,
		StoreRedisURL:      getEnv("STORE_REDIS_URL", queueURL),
		JobRetentionHours:  getEnvAsInt("JOB_RETENTION_HOURS", 0),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4),
		TaskMaxRetry:       getEnvAsInt("TASK_MAX_RETRY", 1),
		TaskTimeoutMinutes: getEnvAsInt("TASK_TIMEOUT_MINUTES", 60),
		RunWorkers:         getEnvAsBool("RUN_WORKERS", true),

		ItemWorkers:         getEnvAsInt("ITEM_WORKERS", 4),
		ImageWorkers:        getEnvAsInt("IMAGE_WORKERS", 8),
		FetchTimeoutSeconds: getEnvAsInt("FETCH_TIMEOUT_SECONDS", 10),
		MaxImageBytes:       getEnvAsInt64("MAX_IMAGE_BYTES", 25*1024*1024), // 25MB
		JPEGQuality:         getEnvAsInt("JPEG_QUALITY", 50),
		MaxImageDimension:   getEnvAsInt("MAX_IMAGE_DIMENSION", 0),
		MaxImagePixels:      getEnvAsInt64("MAX_IMAGE_PIXELS", 89_478_485),

		StoreTimeoutSeconds:   getEnvAsInt("STORE_TIMEOUT_SECONDS", 5),
		WebhookTimeoutSeconds: getEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 5),

		StorageRoot:   storageRoot,
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		ArchiveDBPath: getEnvAllowEmpty("ARCHIVE_DB_PATH", filepath.Join(storageRoot, "archive.db")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be between 1 and 100 (got %d)", c.JPEGQuality)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive (got %d)", c.WorkerConcurrency)
	}
	if c.ItemWorkers < 1 || c.ImageWorkers < 1 {
		return fmt.Errorf("ITEM_WORKERS and IMAGE_WORKERS must be positive")
	}
	if c.FetchTimeoutSeconds <= 0 || c.StoreTimeoutSeconds <= 0 || c.WebhookTimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxImageDimension < 0 {
		return fmt.Errorf("MAX_IMAGE_DIMENSION must not be negative")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive (got %d)", c.MaxImagePixels)
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
		}
	}

	// 本番環境ではCORSのワイルドカードを許可しない
	if c.GinMode == "release" && strings.Contains(c.CORSAllowedOrigins, "*") {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS must not contain * in release mode")
	}

	return nil
}

// FetchTimeout は画像取得のタイムアウトを返します。
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// StoreTimeout はストア更新のタイムアウトを返します。
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// WebhookTimeout はWebhook送信のタイムアウトを返します。
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// TaskTimeout はジョブ1件あたりの実行上限を返します。
func (c *Config) TaskTimeout() time.Duration {
	if c.TaskTimeoutMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

// JobRetention はジョブ情報の保持期間を返します（0は無期限）。
func (c *Config) JobRetention() time.Duration {
	if c.JobRetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.JobRetentionHours) * time.Hour
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAllowEmpty は明示的に空文字が設定された場合も尊重します。
func getEnvAllowEmpty(key string, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

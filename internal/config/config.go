// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// バックエンド種別。
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendAsynq  = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// ログ設定
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages         int   // PDFの最大ページ数
	JobExpireMinutes int   // ジョブの有効期限（分）

	// ジョブ/キュー設定
	QueueBackend      string        // memory または asynq
	StateBackend      string        // memory または redis
	CacheBackend      string        // memory または redis
	QueueRedisURL     string        // Redis接続URL（asynq / redis バックエンド共通）
	WorkerConcurrency int           // 同時に処理するジョブ数
	QueueSize         int           // メモリキューの容量
	ProcessTimeout    time.Duration // 1ジョブの処理時間上限

	// キャッシュ設定
	CacheTTL        time.Duration // 成功結果の保持期間
	CacheFailureTTL time.Duration // 失敗結果の保持期間（未設定なら CacheTTL）

	// ステージごとの再試行・タイムアウト
	RenderMaxAttempts int
	RenderTimeout     time.Duration
	OCRTimeout        time.Duration
	ReviewTimeout     time.Duration
	ReportMaxAttempts int
	ReportTimeout     time.Duration

	// 変換ツール設定
	StorageDir       string // ジョブ作業領域のルート
	KeepWorkspace    bool   // 終了後も作業領域を残す（デバッグ用）
	ODAConverterPath string // ODAFileConverter 実行ファイルのパス
	ODATargetVersion string // DWG→DXF 変換時の出力バージョン
	EzdxfPath        string // ezdxf コマンドのパス
	PdftoppmPath     string // pdftoppm コマンドのパス
	RenderDPI        int    // 画像化の解像度

	// OCR設定
	OCRBackends       []string // 優先順位順
	BaiduOCRAPIKey    string
	BaiduOCRSecretKey string
	TesseractEnabled  bool
	TesseractLang     string // "+" 区切り
	TesseractPSM      int

	// 審査（LLM）設定
	ReviewBackends          []string // 優先順位順
	ReviewRequestsPerMinute int
	ReviewTemperature       float64
	PromptRulesPath         string
	ErnieAPIKey             string
	ErnieBaseURL            string
	ErnieModel              string
	DashScopeAPIKey         string
	DashScopeBaseURL        string
	DashScopeModel          string
	GeminiAPIKey            string
	GeminiBaseURL           string
	GeminiModel             string

	// レポート設定
	ReportDir     string // レポートの保存先
	ReportBaseURL string // レポート取得URLのベース
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize:      getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		MaxPages:         getEnvAsInt("MAX_PAGES", 200),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 60),

		// ジョブ/キュー設定
		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
		StateBackend:      strings.ToLower(getEnv("STATE_BACKEND", BackendMemory)),
		CacheBackend:      strings.ToLower(getEnv("CACHE_BACKEND", BackendMemory)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueSize:         getEnvAsInt("QUEUE_SIZE", 64),
		ProcessTimeout:    getEnvAsDuration("PROCESS_TIMEOUT", time.Hour),

		// キャッシュ設定
		CacheTTL:        getEnvAsDuration("CACHE_TTL", time.Hour),
		CacheFailureTTL: getEnvAsDuration("CACHE_FAILURE_TTL", 0),

		RenderMaxAttempts: getEnvAsInt("RENDER_MAX_ATTEMPTS", 2),
		RenderTimeout:     getEnvAsDuration("RENDER_TIMEOUT", 5*time.Minute),
		OCRTimeout:        getEnvAsDuration("OCR_TIMEOUT", 60*time.Second),
		ReviewTimeout:     getEnvAsDuration("REVIEW_TIMEOUT", 60*time.Second),
		ReportMaxAttempts: getEnvAsInt("REPORT_MAX_ATTEMPTS", 2),
		ReportTimeout:     getEnvAsDuration("REPORT_TIMEOUT", 30*time.Second),

		// 変換ツール設定
		StorageDir:       getEnv("STORAGE_DIR", filepath.Join(os.TempDir(), "drawing-review", "jobs")),
		KeepWorkspace:    getEnvAsBool("KEEP_WORKSPACE", false),
		ODAConverterPath: getEnv("ODA_CONVERTER_PATH", ""),
		ODATargetVersion: getEnv("ODA_TARGET_VERSION", "ACAD2018"),
		EzdxfPath:        getEnv("EZDXF_PATH", "ezdxf"),
		PdftoppmPath:     getEnv("PDFTOPPM_PATH", "pdftoppm"),
		RenderDPI:        getEnvAsInt("RENDER_DPI", 300),

		// OCR設定
		OCRBackends:       getEnvAsList("OCR_BACKENDS", []string{"baidu", "tesseract"}),
		BaiduOCRAPIKey:    getEnv("BAIDU_OCR_API_KEY", ""),
		BaiduOCRSecretKey: getEnv("BAIDU_OCR_SECRET_KEY", ""),
		TesseractEnabled:  getEnvAsBool("TESSERACT_ENABLED", true),
		TesseractLang:     getEnv("TESSERACT_LANG", "chi_sim+eng"),
		TesseractPSM:      getEnvAsInt("TESSERACT_PSM", 6),

		// 審査設定
		ReviewBackends:          getEnvAsList("REVIEW_BACKENDS", []string{"ernie", "qwen", "gemini"}),
		ReviewRequestsPerMinute: getEnvAsInt("REVIEW_REQUESTS_PER_MINUTE", 30),
		ReviewTemperature:       getEnvAsFloat("REVIEW_TEMPERATURE", 0.3),
		PromptRulesPath:         getEnv("PROMPT_RULES_PATH", ""),
		ErnieAPIKey:             getEnv("ERNIE_API_KEY", ""),
		ErnieBaseURL:            getEnv("ERNIE_BASE_URL", "https://qianfan.baidubce.com/v2"),
		ErnieModel:              getEnv("ERNIE_MODEL", "ernie-3.5-8k"),
		DashScopeAPIKey:         getEnv("DASHSCOPE_API_KEY", ""),
		DashScopeBaseURL:        getEnv("DASHSCOPE_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		DashScopeModel:          getEnv("DASHSCOPE_MODEL", "qwen-turbo"),
		GeminiAPIKey:            getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL:           getEnv("GEMINI_BASE_URL", ""),
		GeminiModel:             getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		// レポート設定
		ReportDir:     getEnv("REPORT_DIR", filepath.Join(os.TempDir(), "drawing-review", "reports")),
		ReportBaseURL: getEnv("REPORT_BASE_URL", "/api/reports"),
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

// JobTTL はジョブ記録の保持期間を返します。
func (c *Config) JobTTL() time.Duration {
	if c.JobExpireMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// UsesRedis は Redis 接続が必要な構成かを返します。
func (c *Config) UsesRedis() bool {
	return c.QueueBackend == BackendAsynq || c.StateBackend == BackendRedis || c.CacheBackend == BackendRedis
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if err := oneOf("QUEUE_BACKEND", c.QueueBackend, BackendMemory, BackendAsynq); err != nil {
		return err
	}
	if err := oneOf("STATE_BACKEND", c.StateBackend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("CACHE_BACKEND", c.CacheBackend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	// asynq のワーカーは別プロセスでも動くため、状態は共有ストアに置く必要がある
	if c.QueueBackend == BackendAsynq && c.StateBackend != BackendRedis {
		return fmt.Errorf("STATE_BACKEND=redis is required when QUEUE_BACKEND=asynq")
	}
	if c.UsesRedis() && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for redis-backed components")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.RenderMaxAttempts <= 0 || c.ReportMaxAttempts <= 0 {
		return fmt.Errorf("RENDER_MAX_ATTEMPTS and REPORT_MAX_ATTEMPTS must be positive")
	}
	if len(c.OCRBackends) == 0 {
		return fmt.Errorf("OCR_BACKENDS must name at least one backend")
	}
	if len(c.ReviewBackends) == 0 {
		return fmt.Errorf("REVIEW_BACKENDS must name at least one backend")
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s (got %q)", key, strings.Join(allowed, ", "), value)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
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

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
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

// getEnvAsDuration は "90s" や "5m" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, strings.ToLower(v))
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

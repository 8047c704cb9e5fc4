// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// minSecretLength は release モードで要求する署名鍵の最小バイト数です。
const minSecretLength = 32

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	AdminPasswordHash   string // password.Record 形式の管理者クレデンシャル
	SessionSecret       string // セッショントークン署名用の秘密鍵
	LoginMaxAttempts    int    // ロックまでの失敗回数
	LoginLockoutMinutes int    // ロック時間（分）

	// サーバー設定
	Port           string   // APIサーバーのポート番号
	GinMode        string   // Ginの実行モード (debug, release, test)
	TrustedProxies []string // X-Forwarded-For を信頼するプロキシ（空ならGinの既定）
	LogLevel       string   // slog のレベル (debug, info, warn, error)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// レート制限ストア
	RateLimitRedisURL     string // 設定時は Redis で試行回数を共有
	RateLimitSweepMinutes int    // メモリストアの掃除間隔（分）

	// 監査ログ
	AuditRedisURL  string // Asynq と直近イベント保存用の Redis
	AuditRetention int    // Redis に残すイベント数
	DatabaseURL    string // 設定時は Postgres にも監査イベントを保存
}

// fileConfig は CONFIG_FILE で指定する YAML の構造です。
type fileConfig struct {
	Server struct {
		Port           string   `yaml:"port"`
		GinMode        string   `yaml:"gin_mode"`
		TrustedProxies []string `yaml:"trusted_proxies"`
		LogLevel       string   `yaml:"log_level"`
		CORSOrigins    []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`
	Auth struct {
		PasswordHash   string `yaml:"password_hash"`
		MaxAttempts    int    `yaml:"max_attempts"`
		LockoutMinutes int    `yaml:"lockout_minutes"`
	} `yaml:"auth"`
	Dependencies struct {
		RateLimitRedisURL string `yaml:"rate_limit_redis_url"`
		AuditRedisURL     string `yaml:"audit_redis_url"`
		PostgresURL       string `yaml:"postgres_url"`
	} `yaml:"dependencies"`
	Audit struct {
		Retention int `yaml:"retention"`
	} `yaml:"audit"`
}

// Load は既定値 → YAMLファイル → 環境変数 の順に設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		LoginMaxAttempts:      5,
		LoginLockoutMinutes:   15,
		Port:                  "8080",
		GinMode:               "debug",
		LogLevel:              "info",
		CORSAllowedOrigins:    "http://localhost:5173",
		RateLimitSweepMinutes: 5,
		AuditRetention:        500,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

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

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.Server.Port != "" {
		c.Port = f.Server.Port
	}
	if f.Server.GinMode != "" {
		c.GinMode = f.Server.GinMode
	}
	if len(f.Server.TrustedProxies) > 0 {
		c.TrustedProxies = f.Server.TrustedProxies
	}
	if f.Server.LogLevel != "" {
		c.LogLevel = f.Server.LogLevel
	}
	if len(f.Server.CORSOrigins) > 0 {
		c.CORSAllowedOrigins = strings.Join(f.Server.CORSOrigins, ",")
	}
	if f.Auth.PasswordHash != "" {
		c.AdminPasswordHash = f.Auth.PasswordHash
	}
	if f.Auth.MaxAttempts > 0 {
		c.LoginMaxAttempts = f.Auth.MaxAttempts
	}
	if f.Auth.LockoutMinutes > 0 {
		c.LoginLockoutMinutes = f.Auth.LockoutMinutes
	}
	if f.Dependencies.RateLimitRedisURL != "" {
		c.RateLimitRedisURL = f.Dependencies.RateLimitRedisURL
	}
	if f.Dependencies.AuditRedisURL != "" {
		c.AuditRedisURL = f.Dependencies.AuditRedisURL
	}
	if f.Dependencies.PostgresURL != "" {
		c.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Audit.Retention > 0 {
		c.AuditRetention = f.Audit.Retention
	}
	return nil
}

// applyEnv は環境変数で上書きします。署名鍵は環境変数からのみ受け付けます。
func (c *Config) applyEnv() {
	c.AdminPasswordHash = getEnv("ADMIN_PASSWORD_HASH", c.AdminPasswordHash)
	c.SessionSecret = getEnv("ADMIN_SESSION_SECRET", c.SessionSecret)
	c.LoginMaxAttempts = getEnvAsInt("LOGIN_MAX_ATTEMPTS", c.LoginMaxAttempts)
	c.LoginLockoutMinutes = getEnvAsInt("LOGIN_LOCKOUT_MINUTES", c.LoginLockoutMinutes)

	c.Port = getEnv("PORT", c.Port)
	c.GinMode = getEnv("GIN_MODE", c.GinMode)
	c.TrustedProxies = getEnvAsCSV("TRUSTED_PROXIES", c.TrustedProxies)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.CORSAllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)

	c.RateLimitRedisURL = getEnv("RATE_LIMIT_REDIS_URL", c.RateLimitRedisURL)
	c.RateLimitSweepMinutes = getEnvAsInt("RATE_LIMIT_SWEEP_MINUTES", c.RateLimitSweepMinutes)

	c.AuditRedisURL = getEnv("AUDIT_REDIS_URL", c.AuditRedisURL)
	c.AuditRetention = getEnvAsInt("AUDIT_RETENTION", c.AuditRetention)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
}

// IsProduction は本番向けの挙動（Secure クッキーなど）を有効にするかを返します。
func (c *Config) IsProduction() bool {
	return c.GinMode == "release"
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	return splitCSV(c.CORSAllowedOrigins)
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.LoginMaxAttempts <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be positive")
	}
	if c.LoginLockoutMinutes <= 0 {
		return fmt.Errorf("LOGIN_LOCKOUT_MINUTES must be positive")
	}
	if c.DatabaseURL != "" && c.AuditRedisURL == "" {
		return fmt.Errorf("DATABASE_URL requires AUDIT_REDIS_URL")
	}

	// ローカル開発では認証設定は任意（ログイン時に 500 を返す）
	if c.IsProduction() {
		if c.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_PASSWORD_HASH is required in release mode")
		}
		if len(c.SessionSecret) < minSecretLength {
			return fmt.Errorf("ADMIN_SESSION_SECRET must be at least %d bytes in release mode", minSecretLength)
		}
		if len(c.AllowedOrigins()) == 0 {
			return fmt.Errorf("CORS_ALLOWED_ORIGINS is required in release mode")
		}
	}

	return nil
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

// getEnvAsCSV はカンマ区切りの環境変数を配列として取得します。
func getEnvAsCSV(key string, defaultValue []string) []string {
	parts := splitCSV(os.Getenv(key))
	if len(parts) == 0 {
		return defaultValue
	}
	return parts
}

func splitCSV(raw string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	return parts
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Config is the full server configuration. It is loaded once at startup and
// passed into components as a value; nothing reads the environment mid-request.
type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	LicenseConfig      LicenseConfig      `json:"license"`
	ScannerConfig      ScannerConfig      `json:"scanner"`
	NotificationConfig NotificationConfig `json:"notification"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	ProductionMode bool   `json:"production_mode"`
	AllowedOrigins string `json:"allowed_origins"`
	ReadTimeout    int    `json:"read_timeout"`  // seconds
	WriteTimeout   int    `json:"write_timeout"` // seconds
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// LicenseConfig holds the validation policy knobs. AllowedTokens are
// pre-provisioned workshop tokens that bypass license/device tracking.
type LicenseConfig struct {
	AllowedTokens   []string `json:"allowed_tokens"`
	BlockedMachines []string `json:"blocked_machines"`
	RequiredVersion string   `json:"required_version"` // empty = any version allowed
	KillSwitch      bool     `json:"kill_switch"`
	AdminAPIKey     string   `json:"admin_api_key"` // plain or bcrypt hash ($2...)
	DeviceQuota     int      `json:"device_quota"`
	ValidityDays    int      `json:"validity_days"`
}

// ScannerConfig holds expiry scanner configuration
type ScannerConfig struct {
	Enabled     bool `json:"enabled"`
	IntervalHrs int  `json:"interval_hours"`
	WarnDays    int  `json:"warn_days"` // days before expiry to warn
}

// NotificationConfig holds lifecycle notification configuration
type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Webhook  WebhookConfig  `json:"webhook"`
	Telegram TelegramConfig `json:"telegram"`
}

// WebhookConfig holds the outbound webhook endpoint
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"` // optional bearer token for the webhook endpoint
}

// TelegramConfig holds Telegram notifier configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// RedisConfig holds the optional verdict cache configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds the optional Vault secret source configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // false = console writer
}

// tokenSeparators splits token lists pasted from secret files or env vars.
var tokenSeparators = regexp.MustCompile(`[,\n;\r\t ]+`)

// Load reads the configuration from an optional JSON file (CONFIG_FILE) and
// applies environment overrides on top.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyEnvOverrides(cfg)

	if cfg.LicenseConfig.DeviceQuota <= 0 {
		cfg.LicenseConfig.DeviceQuota = 2
	}
	if cfg.LicenseConfig.ValidityDays <= 0 {
		cfg.LicenseConfig.ValidityDays = 365
	}
	if cfg.ScannerConfig.WarnDays <= 0 {
		cfg.ScannerConfig.WarnDays = 7
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ProductionMode: true,
			AllowedOrigins: "*",
			ReadTimeout:    30,
			WriteTimeout:   30,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "maya",
			Password: "maya",
			Database: "maya_licensing",
			SSLMode:  "disable",
		},
		LicenseConfig: LicenseConfig{
			DeviceQuota:  2,
			ValidityDays: 365,
		},
		ScannerConfig: ScannerConfig{
			Enabled:     true,
			IntervalHrs: 12,
			WarnDays:    7,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// License policy
	if tokens := loadAllowedTokens(); len(tokens) > 0 {
		cfg.LicenseConfig.AllowedTokens = tokens
	}
	if blocked := os.Getenv("BLOCKED_MACHINES"); blocked != "" {
		cfg.LicenseConfig.BlockedMachines = SplitTokens(blocked)
	}
	cfg.LicenseConfig.RequiredVersion = getEnvOrDefault("APP_VERSION", cfg.LicenseConfig.RequiredVersion)
	if ks := os.Getenv("KILL_SWITCH"); ks != "" {
		cfg.LicenseConfig.KillSwitch = ks == "1" || ks == "true"
	}
	cfg.LicenseConfig.AdminAPIKey = getEnvOrDefault("ADMIN_API_KEY", cfg.LicenseConfig.AdminAPIKey)
	cfg.LicenseConfig.DeviceQuota = getEnvIntOrDefault("DEVICE_QUOTA", cfg.LicenseConfig.DeviceQuota)
	cfg.LicenseConfig.ValidityDays = getEnvIntOrDefault("LICENSE_VALIDITY_DAYS", cfg.LicenseConfig.ValidityDays)

	// Scanner
	cfg.ScannerConfig.Enabled = getEnvBoolOrDefault("SCANNER_ENABLED", cfg.ScannerConfig.Enabled)
	cfg.ScannerConfig.IntervalHrs = getEnvIntOrDefault("SCANNER_INTERVAL_HOURS", cfg.ScannerConfig.IntervalHrs)
	cfg.ScannerConfig.WarnDays = getEnvIntOrDefault("SCANNER_WARN_DAYS", cfg.ScannerConfig.WarnDays)

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Webhook.Enabled = getEnvBoolOrDefault("WEBHOOK_ENABLED", cfg.NotificationConfig.Webhook.Enabled)
	cfg.NotificationConfig.Webhook.URL = getEnvOrDefault("WEBHOOK_URL", cfg.NotificationConfig.Webhook.URL)
	cfg.NotificationConfig.Webhook.Token = getEnvOrDefault("WEBHOOK_TOKEN", cfg.NotificationConfig.Webhook.Token)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

// loadAllowedTokens reads tokens from a mounted secret file if TOKENS_FILE is
// set, otherwise from the ALLOWED_TOKENS env var.
func loadAllowedTokens() []string {
	raw := ""
	if path := os.Getenv("TOKENS_FILE"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			raw = string(data)
		}
	}
	if raw == "" {
		raw = os.Getenv("ALLOWED_TOKENS")
	}
	return SplitTokens(raw)
}

// SplitTokens splits a raw token list on newlines, commas, semicolons, tabs
// or spaces and drops empty entries.
func SplitTokens(raw string) []string {
	parts := tokenSeparators.Split(raw, -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := defaultConfig()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// GenerateSampleConfig writes a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := defaultConfig()
	config.LicenseConfig.AllowedTokens = []string{"WORKSHOP_2025"}
	config.NotificationConfig.Webhook.URL = "https://example.com/hooks/licensing"

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

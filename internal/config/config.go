package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Tracing   TracingConfig   `json:"tracing"`
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Notify    NotifyConfig    `json:"notify"`
}

// ServerConfig holds the admin API listener settings.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
}

// Origins splits AllowedOrigins.
func (s ServerConfig) Origins() []string {
	return splitList(s.AllowedOrigins)
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig enables the shared cache. An empty Addr keeps everything in memory.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// TracingConfig configures the Jaeger exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
	SampleRatio float64 `json:"sample_ratio"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

// EngineConfig tunes the redemption engine.
type EngineConfig struct {
	SitesFile           string   `json:"sites_file"`
	OCRBaseURL          string   `json:"ocr_base_url"`
	PartnerTimeout      Duration `json:"partner_timeout"`
	OCRTimeout          Duration `json:"ocr_timeout"`
	GateSpacing         Duration `json:"gate_spacing"`
	DrainWait           Duration `json:"drain_wait"`
	CooldownWindow      Duration `json:"cooldown_window"`
	LedgerTTL           Duration `json:"ledger_ttl"`
	HumanCaptchaTimeout Duration `json:"human_captcha_timeout"`
	DedupeWindow        Duration `json:"dedupe_window"`
	SiteMode            string   `json:"site_mode"`
	InboxSize           int      `json:"inbox_size"`
	AllowedChannels     []string `json:"allowed_channels"`
	FanOut              bool     `json:"fan_out"`
	HumanCaptcha        bool     `json:"human_captcha"`
	Notifications       bool     `json:"notifications"`
}

// NotifyConfig holds the Telegram bot credentials. Leaving either empty disables notifications.
type NotifyConfig struct {
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
}

// Configured reports whether both credentials are present.
func (n NotifyConfig) Configured() bool {
	return n.TelegramBotToken != "" && n.TelegramChatID != ""
}

// Duration reads "5s"-style strings or plain numbers of seconds from JSON.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("SERVER_PORT", "8080"),
			Host:               getEnv("SERVER_HOST", ""),
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./promo_engine.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "promo-engine"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName: getEnv("SERVICE_NAME", "promo-code-engine"),
			Environment: getEnv("ENVIRONMENT", "development"),
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Format: getEnv("LOG_FORMAT", "json"),
			Level:  getEnv("LOG_LEVEL", "info"),
		},
		Engine: EngineConfig{
			SitesFile:           getEnv("SITES_FILE", "./sites.yaml"),
			OCRBaseURL:          getEnv("OCR_BASE_URL", "http://localhost:8000"),
			PartnerTimeout:      getEnvDuration("PARTNER_TIMEOUT", 8*time.Second),
			OCRTimeout:          getEnvDuration("OCR_TIMEOUT", 5*time.Second),
			GateSpacing:         getEnvDuration("GATE_SPACING", 300*time.Millisecond),
			DrainWait:           getEnvDuration("DRAIN_WAIT", time.Second),
			CooldownWindow:      getEnvDuration("COOLDOWN_WINDOW", 2*time.Minute),
			LedgerTTL:           getEnvDuration("LEDGER_TTL", 24*time.Hour),
			HumanCaptchaTimeout: getEnvDuration("HUMAN_CAPTCHA_TIMEOUT", 2*time.Minute),
			DedupeWindow:        getEnvDuration("DEDUPE_WINDOW", 60*time.Second),
			SiteMode:            getEnv("SITE_MODE", "independent"),
			InboxSize:           getEnvInt("INBOX_SIZE", 256),
			AllowedChannels:     splitList(getEnv("ALLOWED_CHAT_IDS", "")),
			FanOut:              getEnvBool("FEATURE_FAN_OUT", true),
			HumanCaptcha:        getEnvBool("FEATURE_HUMAN_CAPTCHA", false),
			Notifications:       getEnvBool("FEATURE_NOTIFICATIONS", true),
		},
		Notify: NotifyConfig{
			TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.ToLower(v) == "true" || v == "1"
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				dst.Duration = d
			}
		}
	}

	setString("SERVER_PORT", &cfg.Server.Port)
	setString("SERVER_HOST", &cfg.Server.Host)
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Server.MaxRequestBodySize = size
		}
	}
	setString("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	setString("DATABASE_PATH", &cfg.Database.Path)

	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("REDIS_DB", &cfg.Redis.DB)
	setString("REDIS_PREFIX", &cfg.Redis.Prefix)

	setBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setInt("RATE_LIMIT_RATE", &cfg.RateLimit.Rate)
	setInt("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)

	setBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString("JAEGER_ENDPOINT", &cfg.Tracing.Endpoint)
	setString("SERVICE_NAME", &cfg.Tracing.ServiceName)
	setString("ENVIRONMENT", &cfg.Tracing.Environment)
	if v := os.Getenv("TRACING_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRatio = r
		}
	}

	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	setString("SITES_FILE", &cfg.Engine.SitesFile)
	setString("OCR_BASE_URL", &cfg.Engine.OCRBaseURL)
	setDuration("PARTNER_TIMEOUT", &cfg.Engine.PartnerTimeout)
	setDuration("OCR_TIMEOUT", &cfg.Engine.OCRTimeout)
	setDuration("GATE_SPACING", &cfg.Engine.GateSpacing)
	setDuration("DRAIN_WAIT", &cfg.Engine.DrainWait)
	setDuration("COOLDOWN_WINDOW", &cfg.Engine.CooldownWindow)
	setDuration("LEDGER_TTL", &cfg.Engine.LedgerTTL)
	setDuration("HUMAN_CAPTCHA_TIMEOUT", &cfg.Engine.HumanCaptchaTimeout)
	setDuration("DEDUPE_WINDOW", &cfg.Engine.DedupeWindow)
	setString("SITE_MODE", &cfg.Engine.SiteMode)
	setInt("INBOX_SIZE", &cfg.Engine.InboxSize)
	if ids := os.Getenv("ALLOWED_CHAT_IDS"); ids != "" {
		cfg.Engine.AllowedChannels = splitList(ids)
	}
	setBool("FEATURE_FAN_OUT", &cfg.Engine.FanOut)
	setBool("FEATURE_HUMAN_CAPTCHA", &cfg.Engine.HumanCaptcha)
	setBool("FEATURE_NOTIFICATIONS", &cfg.Engine.Notifications)

	setString("TELEGRAM_BOT_TOKEN", &cfg.Notify.TelegramBotToken)
	setString("TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable or returns the default value.
func getEnvDuration(key string, defaultValue time.Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration{d}
		}
	}
	return Duration{defaultValue}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	if c.Engine.SitesFile == "" {
		return fmt.Errorf("sites file is required")
	}
	if c.Engine.OCRBaseURL == "" {
		return fmt.Errorf("ocr base url is required")
	}
	if c.Engine.SiteMode != "independent" && c.Engine.SiteMode != "exclusive" {
		return fmt.Errorf("site mode must be independent or exclusive, got %q", c.Engine.SiteMode)
	}
	if c.Engine.InboxSize <= 0 {
		return fmt.Errorf("inbox size must be positive")
	}
	for name, d := range map[string]Duration{
		"partner timeout":       c.Engine.PartnerTimeout,
		"ocr timeout":           c.Engine.OCRTimeout,
		"gate spacing":          c.Engine.GateSpacing,
		"drain wait":            c.Engine.DrainWait,
		"cooldown window":       c.Engine.CooldownWindow,
		"ledger ttl":            c.Engine.LedgerTTL,
		"human captcha timeout": c.Engine.HumanCaptchaTimeout,
		"dedupe window":         c.Engine.DedupeWindow,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

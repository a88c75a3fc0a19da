package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Control surface
	Host string `env:"AUTOENGINE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"AUTOENGINE_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Redis (optional — pub/sub broadcast only, never source of truth)
	RedisURL string `env:"REDIS_URL"`

	// Data directory for the flat-file ledgers (quota, idempotency, mutes,
	// pending intents, receipts).
	DataDir string `env:"AUTOENGINE_DATA_DIR" envDefault:"./data"`

	// Encryption key for credentials.enc (32 raw bytes, raw, base64 or hex; see
	// pkg/credential for accepted encodings).
	EncryptionKey string `env:"AUTOENGINE_ENCRYPTION_KEY"`

	// External platform API.
	PlatformAPIBaseURL string `env:"AUTOENGINE_PLATFORM_API_BASE_URL" envDefault:"https://api.example-microblog.test"`

	// Reply-text provider.
	ReplyProviderURL string `env:"AUTOENGINE_REPLY_PROVIDER_URL"`
	ReplyProviderKey string `env:"AUTOENGINE_REPLY_PROVIDER_KEY"`
	ReplyImageDir    string `env:"AUTOENGINE_REPLY_IMAGE_DIR" envDefault:"./reply-images"`
	ReplyImageEnable bool   `env:"AUTOENGINE_REPLY_IMAGE_ENABLE" envDefault:"false"`
	ReplyImageProb   float64 `env:"AUTOENGINE_REPLY_IMAGE_PROBABILITY" envDefault:"0.1"`

	// Scheduling
	TickInterval       time.Duration `env:"AUTOENGINE_TICK_INTERVAL" envDefault:"30m"`
	PoolSize           int           `env:"AUTOENGINE_POOL_SIZE" envDefault:"16"`
	ActionTimeout      time.Duration `env:"AUTOENGINE_ACTION_TIMEOUT" envDefault:"5m"`
	FirstScanTimeout   time.Duration `env:"AUTOENGINE_FIRST_SCAN_TIMEOUT" envDefault:"5m"`
	PeriodicScanTimeout time.Duration `env:"AUTOENGINE_PERIODIC_SCAN_TIMEOUT" envDefault:"10m"`
	MinDelay           time.Duration `env:"AUTOENGINE_MIN_DELAY" envDefault:"60s"`
	MaxDelay           time.Duration `env:"AUTOENGINE_MAX_DELAY" envDefault:"120s"`
	RefreshWindow      time.Duration `env:"AUTOENGINE_REFRESH_WINDOW" envDefault:"5m"`
	ShutdownDrainDeadline time.Duration `env:"AUTOENGINE_SHUTDOWN_DRAIN_DEADLINE" envDefault:"30s"`
	ScanChunkSize      int           `env:"AUTOENGINE_SCAN_CHUNK_SIZE" envDefault:"10"`
	ScanPageLimit      int           `env:"AUTOENGINE_SCAN_PAGE_LIMIT" envDefault:"10"`
	ClientCacheTTL     time.Duration `env:"AUTOENGINE_CLIENT_CACHE_TTL" envDefault:"10m"`

	// Quota defaults
	GlobalPackTotal int     `env:"AUTOENGINE_GLOBAL_PACK_TOTAL" envDefault:"100000"`
	DailyLimit      int     `env:"AUTOENGINE_DAILY_LIMIT" envDefault:"500"`
	WeightLike      float64 `env:"AUTOENGINE_WEIGHT_LIKE" envDefault:"0.40"`
	WeightRepost    float64 `env:"AUTOENGINE_WEIGHT_REPOST" envDefault:"0.10"`
	WeightReply     float64 `env:"AUTOENGINE_WEIGHT_REPLY" envDefault:"0.50"`

	// Backoff
	BackoffBaseMS int `env:"AUTOENGINE_BACKOFF_BASE_MS" envDefault:"2000"`
	BackoffCapMS  int `env:"AUTOENGINE_BACKOFF_CAP_MS" envDefault:"60000"`
	MaxAttempts   int `env:"AUTOENGINE_MAX_ATTEMPTS" envDefault:"3"`
	MinMuteMS     int `env:"AUTOENGINE_MIN_MUTE_MS" envDefault:"900000"` // 15 min floor

	// Slack ops notifications (optional)
	SlackBotToken  string `env:"SLACK_BOT_TOKEN"`
	SlackOpsChannel string `env:"SLACK_OPS_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the control-surface HTTP server should
// listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

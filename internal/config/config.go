package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch service
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Audit     AuditConfig     `yaml:"audit"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// GatewayConfig holds SMS gateway API configuration
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIToken       string `yaml:"api_token"`
	Sender         string `yaml:"sender"`
	FastMode       bool   `yaml:"fast_mode"`
	TestMode       bool   `yaml:"test_mode"`
	Encoding       string `yaml:"encoding"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Legacy retry defaults, used when the default retry bucket is absent.
	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

// Timeout returns the configured timeout as a duration
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBucket holds the backoff policy for one error class
type RetryBucket struct {
	MaxAttempts           int     `yaml:"max_attempts"`
	BaseDelayMs           int     `yaml:"base_delay_ms"`
	UseExponentialBackoff bool    `yaml:"use_exponential_backoff"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier"`
	MaxDelayMs            int     `yaml:"max_delay_ms"`
	ErrorCodes            []int   `yaml:"error_codes"`
}

// BaseDelay returns the base retry delay as a duration
func (b RetryBucket) BaseDelay() time.Duration {
	return time.Duration(b.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff ceiling as a duration
func (b RetryBucket) MaxDelay() time.Duration {
	return time.Duration(b.MaxDelayMs) * time.Millisecond
}

// RetryConfig holds the per-error-class retry buckets
type RetryConfig struct {
	RateLimit   RetryBucket `yaml:"rate_limit"`
	ServerError RetryBucket `yaml:"server_error"`
	Overload    RetryBucket `yaml:"overload"`
	Default     RetryBucket `yaml:"default"`
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled             bool `yaml:"enabled"`
	FailureThreshold    int  `yaml:"failure_threshold"`
	ResetTimeoutSeconds int  `yaml:"reset_timeout_seconds"`
	SuccessThreshold    int  `yaml:"success_threshold"`
}

// ResetTimeout returns the OPEN→HALF_OPEN window as a duration
func (c BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSeconds) * time.Second
}

// DispatchConfig holds batch dispatch engine configuration
type DispatchConfig struct {
	ChunkSize          int  `yaml:"chunk_size"`
	WorkerCount        int  `yaml:"worker_count"`
	RateLimitPerSecond int  `yaml:"rate_limit_per_second"`
	ProgressBuffer     int  `yaml:"progress_buffer"`
	LockEnabled        bool `yaml:"lock_enabled"`
	LockTTLSeconds     int  `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the dispatch lock TTL as a duration
func (c DispatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RateLimitConfig selects the outbound limiter backend
type RateLimitConfig struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds PostgreSQL settings for the audit log
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// AuditConfig holds audit log settings
type AuditConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

// ArchiveConfig holds S3 report archive settings
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c ArchiveConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// LoggingConfig holds log level and redaction settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	// LogPlainNumbers disables phone number redaction. Redaction stays on
	// unless this is set explicitly.
	LogPlainNumbers bool `yaml:"log_plain_numbers"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = "https://api.smsapi.pl"
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = 30
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.RetryDelayMs == 0 {
		cfg.Gateway.RetryDelayMs = 1000
	}
	// A bucket with zero max_attempts counts as absent and gets the full
	// built-in policy for its error class.
	if cfg.Retry.RateLimit.MaxAttempts == 0 {
		cfg.Retry.RateLimit = RetryBucket{
			MaxAttempts:           5,
			BaseDelayMs:           1000,
			UseExponentialBackoff: true,
			BackoffMultiplier:     2,
			MaxDelayMs:            30000,
			ErrorCodes:            []int{429},
		}
	}
	if cfg.Retry.ServerError.MaxAttempts == 0 {
		cfg.Retry.ServerError = RetryBucket{
			MaxAttempts:           3,
			BaseDelayMs:           2000,
			UseExponentialBackoff: true,
			BackoffMultiplier:     2,
			MaxDelayMs:            30000,
		}
	}
	if cfg.Retry.Overload.MaxAttempts == 0 {
		cfg.Retry.Overload = RetryBucket{
			MaxAttempts: 4,
			BaseDelayMs: 5000,
			MaxDelayMs:  30000,
			ErrorCodes:  []int{201, 202},
		}
	}
	if cfg.Retry.Default.MaxAttempts == 0 {
		cfg.Retry.Default = RetryBucket{
			MaxAttempts: cfg.Gateway.MaxRetries,
			BaseDelayMs: cfg.Gateway.RetryDelayMs,
			MaxDelayMs:  30000,
		}
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeoutSeconds == 0 {
		cfg.Breaker.ResetTimeoutSeconds = 30
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Dispatch.ChunkSize == 0 {
		cfg.Dispatch.ChunkSize = 10
	}
	if cfg.Dispatch.WorkerCount == 0 {
		cfg.Dispatch.WorkerCount = 5
	}
	if cfg.Dispatch.RateLimitPerSecond == 0 {
		cfg.Dispatch.RateLimitPerSecond = 10
	}
	if cfg.Dispatch.ProgressBuffer == 0 {
		cfg.Dispatch.ProgressBuffer = 32
	}
	if cfg.Dispatch.LockTTLSeconds == 0 {
		cfg.Dispatch.LockTTLSeconds = 120
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 256
	}
	if cfg.Archive.S3Prefix == "" {
		cfg.Archive.S3Prefix = "reports"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if token := os.Getenv("SMS_GATEWAY_TOKEN"); token != "" {
		cfg.Gateway.APIToken = token
	}
	if baseURL := os.Getenv("SMS_GATEWAY_URL"); baseURL != "" {
		cfg.Gateway.BaseURL = baseURL
	}
	if sender := os.Getenv("SMS_SENDER"); sender != "" {
		cfg.Gateway.Sender = sender
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
		if !cfg.Audit.Enabled {
			cfg.Audit.Enabled = true
		}
	}

	// Archive overrides
	if bucket := os.Getenv("SMS_ARCHIVE_BUCKET"); bucket != "" {
		cfg.Archive.S3Bucket = bucket
		cfg.Archive.Enabled = true
	}
	if region := os.Getenv("SMS_ARCHIVE_REGION"); region != "" {
		cfg.Archive.AWSRegion = region
	}

	return cfg, nil
}

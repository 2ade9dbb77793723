package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
)

// DefaultMediaSizeCap is the largest upstream media object the proxy will
// serve when MEDIA_SIZE_CAP is not set (5 GiB).
const DefaultMediaSizeCap = int64(5) << 30

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	Environment     string
	DevelopmentMode bool
	AllowedOrigins  []string

	// Persistence; empty DSN runs the coordinator on the in-memory store only
	StorageDSN string

	// Optional Redis event bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits ("count-unit" formatted, e.g. "100-M")
	RateLimitAPI   string
	RateLimitRooms string

	// Join rate limit (count per rolling window)
	JoinRateMax    int
	JoinRateWindow time.Duration

	// Media proxy
	MediaSizeCap     int64
	MediaBearerToken string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	FFmpegPath       string
}

// S3Configured reports whether any S3 setting is present; the media source
// is only constructed when one is.
func (c *Config) S3Configured() bool {
	return c.S3Region != "" || c.S3Endpoint != "" || c.S3AccessKey != ""
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error listing every invalid or missing variable at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: ENVIRONMENT (defaults to "production")
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "production")
	cfg.DevelopmentMode = cfg.Environment == "development"

	// Optional: ALLOWED_ORIGINS (comma separated)
	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Sprintf("ALLOWED_ORIGINS entries must be http(s) URLs (got '%s')", o))
			continue
		}
		cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
	}

	// Optional: STORAGE_DSN (sqlite path; empty means in-memory only)
	cfg.StorageDSN = os.Getenv("STORAGE_DSN")

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			logging.Warn(context.Background(), "REDIS_ADDR not set, using default", zap.String("addr", cfg.RedisAddr))
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Rate limits (M = minute, H = hour)
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "100-M")
	cfg.RateLimitRooms = getEnvOrDefault("RATE_LIMIT_ROOMS", "30-M")

	// Join rate limit: JOIN_RATE_MAX attempts per JOIN_RATE_WINDOW_SECONDS
	cfg.JoinRateMax = 5
	if v := os.Getenv("JOIN_RATE_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("JOIN_RATE_MAX must be a positive integer (got '%s')", v))
		} else {
			cfg.JoinRateMax = n
		}
	}
	cfg.JoinRateWindow = 15 * time.Second
	if v := os.Getenv("JOIN_RATE_WINDOW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("JOIN_RATE_WINDOW_SECONDS must be a positive integer (got '%s')", v))
		} else {
			cfg.JoinRateWindow = time.Duration(n) * time.Second
		}
	}

	// Media proxy limits and upstream credentials
	cfg.MediaSizeCap = DefaultMediaSizeCap
	if v := os.Getenv("MEDIA_SIZE_CAP"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("MEDIA_SIZE_CAP must be a positive byte count (got '%s')", v))
		} else {
			cfg.MediaSizeCap = n
		}
	}
	cfg.MediaBearerToken = os.Getenv("MEDIA_BEARER_TOKEN")
	cfg.S3Region = os.Getenv("S3_REGION")
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY_ID")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		errs = append(errs, "S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	cfg.FFmpegPath = getEnvOrDefault("FFMPEG_PATH", "ffmpeg")

	// If there are validation errors, return them
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	ctx := context.Background()
	logging.Info(ctx, "✅ Environment configuration validated successfully")
	logging.Info(ctx, "Configuration",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.String("storage_dsn", cfg.StorageDSN),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("rate_limit_api", cfg.RateLimitAPI),
		zap.String("rate_limit_rooms", cfg.RateLimitRooms),
		zap.Int("join_rate_max", cfg.JoinRateMax),
		zap.Duration("join_rate_window", cfg.JoinRateWindow),
		zap.Int64("media_size_cap", cfg.MediaSizeCap),
		zap.String("media_bearer_token", redactSecret(cfg.MediaBearerToken)),
		zap.String("s3_region", cfg.S3Region),
		zap.String("s3_endpoint", cfg.S3Endpoint),
		zap.String("s3_access_key", redactSecret(cfg.S3AccessKey)),
		zap.String("ffmpeg_path", cfg.FFmpegPath),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

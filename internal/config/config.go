package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the hub listens on.
	DefaultAddr = ":8080"
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultMaxConnsPerIP bounds simultaneous connections per client IP.
	DefaultMaxConnsPerIP = 10000
	// DefaultMaxConnsPerUser bounds simultaneous connections per authenticated user.
	DefaultMaxConnsPerUser = 5000
	// DefaultMaxMessagesPerMinute throttles inbound client frames per connection.
	DefaultMaxMessagesPerMinute = 10000
	// DefaultMaxAttemptsPerHour caps upgrade attempts per IP inside the sliding window.
	DefaultMaxAttemptsPerHour = 10000
	// DefaultBanDuration is how long an IP stays banned after exceeding the attempt rate.
	DefaultBanDuration = time.Minute

	// DefaultIdleTimeout is the inactivity threshold after which a connection is swept.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval controls how often the liveness sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultLogLevel controls verbosity for hub logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "payhub.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the notification hub.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64

	MaxConnsPerIP        int
	MaxConnsPerUser      int
	MaxMessagesPerMinute int
	MaxAttemptsPerHour   int
	BanDuration          time.Duration

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	AuthSecret   string
	AuthIssuer   string
	AuthAudience string
	AdminToken   string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the hub configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("HUB_ADDR", DefaultAddr),
		AllowedOrigins:       parseList(os.Getenv("HUB_ALLOWED_ORIGINS")),
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		MaxConnsPerIP:        DefaultMaxConnsPerIP,
		MaxConnsPerUser:      DefaultMaxConnsPerUser,
		MaxMessagesPerMinute: DefaultMaxMessagesPerMinute,
		MaxAttemptsPerHour:   DefaultMaxAttemptsPerHour,
		BanDuration:          DefaultBanDuration,
		IdleTimeout:          DefaultIdleTimeout,
		SweepInterval:        DefaultSweepInterval,
		AuthSecret:           strings.TrimSpace(os.Getenv("HUB_AUTH_SECRET")),
		AuthIssuer:           strings.TrimSpace(os.Getenv("HUB_AUTH_ISSUER")),
		AuthAudience:         strings.TrimSpace(os.Getenv("HUB_AUTH_AUDIENCE")),
		AdminToken:           strings.TrimSpace(os.Getenv("HUB_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("HUB_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("HUB_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("HUB_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HUB_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	parsePositiveInt := func(key string, target *int) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			return
		}
		*target = value
	}

	parsePositiveInt("HUB_MAX_CONNS_PER_IP", &cfg.MaxConnsPerIP)
	parsePositiveInt("HUB_MAX_CONNS_PER_USER", &cfg.MaxConnsPerUser)
	parsePositiveInt("HUB_MAX_MESSAGES_PER_MINUTE", &cfg.MaxMessagesPerMinute)
	parsePositiveInt("HUB_MAX_ATTEMPTS_PER_HOUR", &cfg.MaxAttemptsPerHour)
	parsePositiveInt("HUB_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)

	parseDurationVar := func(key string, target *time.Duration) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return
		}
		*target = duration
	}

	parseDurationVar("HUB_BAN_DURATION", &cfg.BanDuration)
	parseDurationVar("HUB_IDLE_TIMEOUT", &cfg.IdleTimeout)
	parseDurationVar("HUB_SWEEP_INTERVAL", &cfg.SweepInterval)

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("HUB_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("HUB_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HUB_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.AuthSecret == "" && (cfg.AuthIssuer != "" || cfg.AuthAudience != "") {
		problems = append(problems, "HUB_AUTH_ISSUER and HUB_AUTH_AUDIENCE require HUB_AUTH_SECRET to be set")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process settings, all sourced from the environment.
type Config struct {
	ListenAddr string
	Debug      bool

	DetectionServiceURL string
	DetectionTimeout    time.Duration

	RedisAddr  string
	PreviewTTL time.Duration

	SessionSecret      string
	SessionIdleTimeout time.Duration

	ShutdownTimeout time.Duration
}

// Load reads the configuration. Unset variables fall back to defaults;
// values that are set but malformed are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DetectionServiceURL: strings.TrimRight(getEnv("DETECTION_SERVICE_URL", "http://127.0.0.1:5000"), "/"),
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		SessionSecret:       getEnv("SESSION_SECRET", "dev-secret"),
	}

	var err error
	if cfg.Debug, err = getBool("LOG_DEBUG", false); err != nil {
		return nil, err
	}
	if cfg.DetectionTimeout, err = getDuration("DETECTION_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PreviewTTL, err = getDuration("PREVIEW_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTimeout, err = getDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider selection modes for the avatar SDK boundary.
const (
	ProviderAuto   = "auto"
	ProviderHeyGen = "heygen"
	ProviderMock   = "mock"
)

// Config contains all runtime settings for the avatar session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	Provider string

	// APIKey is the server-held provider credential. It is never sent to the
	// browser and never logged.
	APIKey     string
	APIBaseURL string

	AvatarID        string
	VoiceID         string
	KnowledgeBaseID string
	Quality         string
	Language        string

	TokenTimeout time.Duration
	CallTimeout  time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "avatard"),
		AllowAnyOrigin:   false,
		Provider:         strings.ToLower(envOrDefault("AVATAR_PROVIDER", ProviderAuto)),
		APIKey:           envTrimmed("HEYGEN_API_KEY"),
		APIBaseURL:       envOrDefault("HEYGEN_API_BASE_URL", "https://api.heygen.com"),
		AvatarID:         envTrimmed("AVATAR_ID"),
		VoiceID:          envTrimmed("VOICE_ID"),
		KnowledgeBaseID:  envTrimmed("KNOWLEDGE_BASE_ID"),
		Quality:          envOrDefault("AVATAR_QUALITY", "low"),
		Language:         envOrDefault("AVATAR_LANGUAGE", "en"),
		ShutdownTimeout:  15 * time.Second,
		TokenTimeout:     10 * time.Second,
		CallTimeout:      30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTimeout, err = durationFromEnv("TOKEN_TIMEOUT", cfg.TokenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallTimeout, err = durationFromEnv("AVATAR_CALL_TIMEOUT", cfg.CallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.Provider {
	case ProviderAuto, ProviderHeyGen, ProviderMock:
	default:
		return Config{}, fmt.Errorf("AVATAR_PROVIDER must be one of auto, heygen, mock")
	}
	if cfg.Provider == ProviderHeyGen && cfg.APIKey == "" {
		return Config{}, fmt.Errorf("AVATAR_PROVIDER=heygen requires HEYGEN_API_KEY")
	}
	if cfg.TokenTimeout < time.Second {
		return Config{}, fmt.Errorf("TOKEN_TIMEOUT must be at least 1s")
	}
	if cfg.CallTimeout < time.Second {
		return Config{}, fmt.Errorf("AVATAR_CALL_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

// ResolveProvider collapses the auto mode based on credential presence.
func (c Config) ResolveProvider() string {
	if c.Provider != ProviderAuto {
		return c.Provider
	}
	if c.APIKey != "" {
		return ProviderHeyGen
	}
	return ProviderMock
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}

package app

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/BWC4WIFE/Trans2Thai/internal/gemini"
	"github.com/BWC4WIFE/Trans2Thai/internal/session"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	Environment string
	SentryDSN   string

	// Live translation service
	GeminiAPIKey   string
	GeminiURL      string
	Model          string
	SourceLanguage string
	TargetLanguage string

	// Session tuning
	VADTimeout           time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
	ConnectTimeout       time.Duration
	PlaybackMaxBuffered  time.Duration
	MaxSessions          int

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Notifications
	DiscordWebhookURL string
}

// NewViper returns a viper instance reading config.yaml from the working
// directory, overridden by environment variables. A missing file is not an
// error.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return v, err
		}
	}
	return v, nil
}

// LoadConfig reads the configuration. Keys match the environment variable
// names in lower case.
func LoadConfig(v *viper.Viper) Config {
	return Config{
		HTTPAddr:    getString(v, "http_addr", ":8080"),
		DatabaseURL: getString(v, "database_url", ""),
		LogLevel:    getString(v, "log_level", "info"),
		Environment: getString(v, "environment", "development"),
		SentryDSN:   getString(v, "sentry_dsn", ""),

		// Live translation service
		GeminiAPIKey:   getString(v, "gemini_api_key", ""),
		GeminiURL:      getString(v, "gemini_url", gemini.DefaultURL),
		Model:          getString(v, "gemini_model", session.DefaultModel),
		SourceLanguage: getString(v, "source_language", session.DefaultSourceLanguage),
		TargetLanguage: getString(v, "target_language", session.DefaultTargetLanguage),

		// Session tuning, clamped to ranges the live service tolerates
		VADTimeout:           msClamped(v, "vad_timeout_ms", 1200, 200, 10000),
		ReconnectBase:        msClamped(v, "reconnect_base_ms", 500, 50, 10000),
		ReconnectCap:         msClamped(v, "reconnect_cap_ms", 8000, 500, 120000),
		ReconnectMaxAttempts: intClamped(v, "reconnect_max_attempts", 5, 0, 20),
		ConnectTimeout:       getDuration(v, "connect_timeout", session.DefaultConnectTimeout),
		PlaybackMaxBuffered:  getDuration(v, "playback_max_buffered", 30*time.Second),
		MaxSessions:          intClamped(v, "max_sessions", 1, 1, 16),

		// JWT Authentication
		JWTSecret: v.GetString("jwt_secret"), // Required - no fallback for security
		JWTExpiry: getDuration(v, "jwt_expiry", 24*time.Hour),

		// Notifications
		DiscordWebhookURL: getString(v, "discord_webhook_url", ""),
	}
}

// Defaults are the session settings used until the user stores their own.
func (c Config) Defaults() session.Settings {
	return session.Settings{
		ModelName:      c.Model,
		VADTimeout:     c.VADTimeout,
		APIKey:         c.GeminiAPIKey,
		SourceLanguage: c.SourceLanguage,
		TargetLanguage: c.TargetLanguage,
	}
}

// Backoff is the reconnect policy.
func (c Config) Backoff() session.Backoff {
	ceiling := c.ReconnectCap
	if ceiling < c.ReconnectBase {
		ceiling = c.ReconnectBase
	}
	return session.Backoff{Base: c.ReconnectBase, Cap: ceiling, MaxAttempts: c.ReconnectMaxAttempts}
}

func getString(v *viper.Viper, key, def string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return def
}

// intClamped reads an integer, falling back to def when unset or invalid.
func intClamped(v *viper.Viper, key string, def, lo, hi int) int {
	n := def
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			n = parsed
		}
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func msClamped(v *viper.Viper, key string, def, lo, hi int) time.Duration {
	return time.Duration(intClamped(v, key, def, lo, hi)) * time.Millisecond
}

// getDuration accepts Go durations ("15s") or bare milliseconds.
func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

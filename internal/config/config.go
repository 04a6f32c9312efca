// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	Auth            AuthConfig
	Agent           AgentConfig
	Notify          NotifyConfig
	Realtime        RealtimeConfig
	Timeout         TimeoutConfig
	ConversationLog ConversationLogConfig
}

// AuthConfig controls token validation.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	// BroadcastRole, when set, is required to call the broadcast endpoint.
	BroadcastRole string
}

// AgentConfig points at the generation backend.
type AgentConfig struct {
	Addr              string
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	GenerationTimeout time.Duration
	OfflineStepDelay  time.Duration
}

// NotifyConfig controls event mirroring to the message broker.
type NotifyConfig struct {
	AMQPURL      string
	Exchange     string
	QueueSize    int
	PublishLimit time.Duration
}

// RealtimeConfig tunes connections, liveness and inbound traffic.
type RealtimeConfig struct {
	HeartbeatInterval      time.Duration
	TimeoutMultiplier      int
	KeepAliveInterval      time.Duration
	KeepAliveMaxIterations int
	MaxFrameBytes          int64
	WriteTimeout           time.Duration
	RateLimitMessages      int
	RateLimitWindow        time.Duration
	IntentPatternsPath     string
	IntentThreshold        float64
	DefaultConversation    string
}

// TimeoutConfig holds HTTP-level timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sellerdesk.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			JWTIssuer:     getEnv("JWT_ISSUER", ""),
			BroadcastRole: getEnv("BROADCAST_ROLE", ""),
		},
		Agent: AgentConfig{
			Addr:              getEnv("AGENT_ADDR", ""),
			MaxAttempts:       getEnvInt("GENERATION_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    getEnvDuration("GENERATION_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:     getEnvDuration("GENERATION_RETRY_MAX_DELAY", 5*time.Second),
			GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 120*time.Second),
			OfflineStepDelay:  getEnvDuration("OFFLINE_STEP_DELAY", 500*time.Millisecond),
		},
		Notify: NotifyConfig{
			AMQPURL:      getEnv("AMQP_URL", ""),
			Exchange:     getEnv("AMQP_EXCHANGE", "sellerdesk.events"),
			QueueSize:    getEnvInt("NOTIFY_QUEUE_SIZE", 256),
			PublishLimit: getEnvDuration("NOTIFY_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval:      getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			TimeoutMultiplier:      getEnvInt("HEARTBEAT_TIMEOUT_MULTIPLIER", 4),
			KeepAliveInterval:      getEnvDuration("KEEPALIVE_INTERVAL", 15*time.Second),
			KeepAliveMaxIterations: getEnvInt("KEEPALIVE_MAX_ITERATIONS", 20),
			MaxFrameBytes:          int64(getEnvInt("MAX_FRAME_BYTES", 64<<10)),
			WriteTimeout:           getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
			RateLimitMessages:      getEnvInt("RATE_LIMIT_MESSAGES", 30),
			RateLimitWindow:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			IntentPatternsPath:     getEnv("INTENT_PATTERNS_PATH", ""),
			IntentThreshold:        getEnvFloat("INTENT_THRESHOLD", 0.3),
			DefaultConversation:    getEnv("DEFAULT_CONVERSATION", "main"),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Auth.JWTSecret == "" && !c.IsDevelopment() {
		return errors.New("JWT_SECRET is required outside development")
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Realtime.TimeoutMultiplier < 1 {
		return errors.New("HEARTBEAT_TIMEOUT_MULTIPLIER must be >= 1")
	}
	if c.Realtime.KeepAliveInterval <= 0 {
		return errors.New("KEEPALIVE_INTERVAL must be > 0")
	}
	if c.Realtime.KeepAliveMaxIterations <= 0 {
		return errors.New("KEEPALIVE_MAX_ITERATIONS must be > 0")
	}
	if c.Realtime.MaxFrameBytes <= 0 {
		return errors.New("MAX_FRAME_BYTES must be > 0")
	}
	if c.Realtime.RateLimitMessages < 0 {
		return errors.New("RATE_LIMIT_MESSAGES must be >= 0")
	}
	if c.Realtime.IntentThreshold <= 0 || c.Realtime.IntentThreshold > 1 {
		return errors.New("INTENT_THRESHOLD must be in (0, 1]")
	}
	if c.Agent.MaxAttempts <= 0 {
		return errors.New("GENERATION_MAX_ATTEMPTS must be > 0")
	}
	if c.Agent.GenerationTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins accepted for CORS and WebSocket upgrades.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() || c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

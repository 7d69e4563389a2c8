// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	RuntimeLiveURL    string // WebSocket URL of the agent runtime live endpoint
	RuntimeHealthAddr string // gRPC address of the agent runtime health service

	// Conversation flow tuning.
	ErrorCeiling        int
	AssessmentQuestions int

	// TeardownGrace bounds how long the bridge waits for the second pump
	// after the first one terminates.
	TeardownGrace time.Duration

	// SessionTTL is how long finished session rows (and their transcripts)
	// are kept; CleanupInterval is how often the sweep runs.
	SessionTTL      time.Duration
	CleanupInterval time.Duration

	ConversationLog ConversationLogConfig
}

// ConversationLogConfig controls transcript persistence.
type ConversationLogConfig struct {
	Enabled   bool
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/gateway.db"),
		RuntimeLiveURL:      getEnv("RUNTIME_LIVE_URL", "ws://localhost:50052/live"),
		RuntimeHealthAddr:   getEnv("RUNTIME_HEALTH_ADDR", "localhost:50051"),
		ErrorCeiling:        getEnvInt("ERROR_CEILING", 5),
		AssessmentQuestions: getEnvInt("ASSESSMENT_QUESTIONS", 10),
		TeardownGrace:       getEnvDuration("TEARDOWN_GRACE", 5*time.Second),
		SessionTTL:          getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			QueueSize: queueSize,
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
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RuntimeLiveURL == "" {
		return fmt.Errorf("RUNTIME_LIVE_URL cannot be empty")
	}
	if c.RuntimeHealthAddr == "" {
		return fmt.Errorf("RUNTIME_HEALTH_ADDR cannot be empty")
	}
	if c.ErrorCeiling <= 0 {
		return fmt.Errorf("ERROR_CEILING must be > 0")
	}
	if c.AssessmentQuestions <= 0 {
		return fmt.Errorf("ASSESSMENT_QUESTIONS must be > 0")
	}
	if c.TeardownGrace <= 0 {
		return fmt.Errorf("TEARDOWN_GRACE must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Google   GoogleConfig
	Sync     SyncConfig
	API      APIConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// GoogleConfig holds Google Cloud and Gmail related configuration
type GoogleConfig struct {
	ProjectID     string
	ProjectNumber string
	Topic         string
	LabelFilter   string
	ClientID      string
	ClientSecret  string
}

// SyncConfig holds watch renewal and reconciliation configuration
type SyncConfig struct {
	SweepInterval    time.Duration
	RenewalHorizon   time.Duration
	Workers          int
	QueueDepth       int
	RegisterAttempts int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	ProviderTimeout  time.Duration
	ProviderQPS      float64
	NearMissWindow   time.Duration
}

// APIConfig holds API access configuration
type APIConfig struct {
	Token string
}

// Load loads configuration from environment variables
func Load() *Config {
	// Optional .env file for local development
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "mailwatch"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "mailwatch.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Google: GoogleConfig{
			ProjectID:     getEnv("GOOGLE_PROJECT_ID", ""),
			ProjectNumber: getEnv("GOOGLE_PROJECT_NUMBER", ""),
			Topic:         getEnv("GOOGLE_PUBSUB_TOPIC", "gmail-notifications"),
			LabelFilter:   getEnv("GMAIL_LABEL_FILTER", "INBOX"),
			ClientID:      getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret:  getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Sync: SyncConfig{
			SweepInterval:    getEnvAsDuration("SYNC_SWEEP_INTERVAL", 6*time.Hour),
			RenewalHorizon:   getEnvAsDuration("SYNC_RENEWAL_HORIZON", 24*time.Hour),
			Workers:          getEnvAsInt("SYNC_WORKERS", 4),
			QueueDepth:       getEnvAsInt("SYNC_QUEUE_DEPTH", 256),
			RegisterAttempts: getEnvAsInt("SYNC_REGISTER_ATTEMPTS", 5),
			RetryBackoff:     getEnvAsDuration("SYNC_RETRY_BACKOFF", 5*time.Second),
			MaxRetryBackoff:  getEnvAsDuration("SYNC_MAX_RETRY_BACKOFF", 30*time.Second),
			ProviderTimeout:  getEnvAsDuration("SYNC_PROVIDER_TIMEOUT", 30*time.Second),
			ProviderQPS:      getEnvAsFloat("SYNC_PROVIDER_QPS", 5),
			NearMissWindow:   getEnvAsDuration("SYNC_NEAR_MISS_WINDOW", time.Hour),
		},
		API: APIConfig{
			Token: getEnv("API_TOKEN", ""),
		},
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

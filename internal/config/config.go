package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration for the ShareXpress API.
type Config struct {
	Server   ServerConfig
	Mongo    MongoConfig
	Minio    MinioConfig
	Auth     AuthConfig
	Transfer TransferConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Port string
}

// MongoConfig contains MongoDB connection details.
type MongoConfig struct {
	URI      string
	Database string
}

// MinioConfig carries object-store connection and bucket information.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PresignExpiry time.Duration
}

// AuthConfig holds the sharing-token verification secret.
type AuthConfig struct {
	JWTSecret string
}

// TransferConfig exposes every transfer-controller knob.
type TransferConfig struct {
	MaxFileSize      int64
	MaxFiles         int
	MaxParallel      int
	DailyQuota       int64
	QuotaCacheTTL    time.Duration
	BreakerThreshold int
	BreakerRecovery  time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	RetryBackoff     float64
	RateLimit        int
	RateWindow       time.Duration
	RetentionWindow  time.Duration
	SweepInterval    time.Duration
}

// Load reads configuration from environment variables, applying defaults.
func Load() Config {
	return Config{
		Server: ServerConfig{
			Port: getString("PORT", "8080"),
		},
		Mongo: MongoConfig{
			URI:      getString("MONGO_URI", "mongodb://localhost:27017"),
			Database: getString("DB_NAME", "sharexpress"),
		},
		Minio: MinioConfig{
			Endpoint:      getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:     getString("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:     getString("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:        getString("MINIO_BUCKET", "sharexpress-files"),
			Region:        getString("MINIO_REGION", "us-east-1"),
			UseSSL:        getBool("MINIO_USE_SSL", false),
			PresignExpiry: getDuration("PRESIGN_EXPIRY", 10*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getString("JWT_SECRET", "change-me"),
		},
		Transfer: TransferConfig{
			MaxFileSize:      getInt64("MAX_FILE_SIZE", 20<<20),
			MaxFiles:         getInt("MAX_FILES_PER_BATCH", 30),
			MaxParallel:      getInt("MAX_PARALLEL_STORAGE_OPS", 10),
			DailyQuota:       getInt64("DAILY_QUOTA_BYTES", 1<<30),
			QuotaCacheTTL:    getDuration("QUOTA_CACHE_TTL", 5*time.Minute),
			BreakerThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerRecovery:  getDuration("BREAKER_RECOVERY_TIMEOUT", time.Minute),
			RetryAttempts:    getInt("RETRY_MAX_ATTEMPTS", 3),
			RetryDelay:       getDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryBackoff:     getFloat("RETRY_BACKOFF_FACTOR", 2),
			RateLimit:        getInt("RATE_LIMIT", 100),
			RateWindow:       getDuration("RATE_WINDOW", time.Minute),
			RetentionWindow:  getDuration("RETENTION_WINDOW", 30*24*time.Hour),
			SweepInterval:    getDuration("SWEEP_INTERVAL", time.Hour),
		},
	}
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

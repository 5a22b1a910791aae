package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Auth      AuthConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	App       AppConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	TLSDomain       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int

	// Resilience manager tuning
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	DegradedThreshold  int
	PublishBufferSize  int
	PingInterval       time.Duration
}

type AWSConfig struct {
	Region          string
	MembershipTable string
	Endpoint        string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type GatewayConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	PresenceTTL       time.Duration
	PresenceSweep     time.Duration
	AckTimeout        time.Duration
	MaxRetries        int
	RetrySweep        time.Duration
	ReplayBufferSize  int
	ResumeWindow      time.Duration
	MaxFrameSize      int64
}

type RateLimitConfig struct {
	// Requests per window for each scope
	IPLimit     int
	IPWindow    time.Duration
	UserLimit   int
	UserWindow  time.Duration
	APIKeyLimit int
	APIWindow   time.Duration

	// Fail open when the broker is unreachable
	FailOpen bool

	// Process-local guard on the upgrade endpoint (per second / burst)
	LocalRate  float64
	LocalBurst int
}

type AppConfig struct {
	Environment string
	LogLevel    string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			TLSDomain:       getEnv("TLS_DOMAIN", ""),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxConnections:  getIntEnv("MAX_CONNECTIONS", 100000),
		},
		Redis: RedisConfig{
			Addr:               getEnv("REDIS_ADDR", "localhost:6379"),
			Password:           getEnv("REDIS_PASSWORD", ""),
			DB:                 getIntEnv("REDIS_DB", 0),
			PoolSize:           getIntEnv("REDIS_POOL_SIZE", 100),
			MinIdleConns:       getIntEnv("REDIS_MIN_IDLE_CONNS", 10),
			ReconnectBaseDelay: getDurationEnv("REDIS_RECONNECT_BASE", 50*time.Millisecond),
			ReconnectMaxDelay:  getDurationEnv("REDIS_RECONNECT_MAX", 2*time.Second),
			DegradedThreshold:  getIntEnv("REDIS_DEGRADED_THRESHOLD", 5),
			PublishBufferSize:  getIntEnv("REDIS_PUBLISH_BUFFER", 500),
			PingInterval:       getDurationEnv("REDIS_PING_INTERVAL", 5*time.Second),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			MembershipTable: getEnv("MEMBERSHIP_TABLE", "chat-room-members"),
			Endpoint:        getEnv("DYNAMODB_ENDPOINT", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "chat-gateway"),
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatMisses:   getIntEnv("HEARTBEAT_MISSES", 3),
			PresenceTTL:       getDurationEnv("PRESENCE_TTL", 20*time.Second),
			PresenceSweep:     getDurationEnv("PRESENCE_SWEEP_INTERVAL", 5*time.Second),
			AckTimeout:        getDurationEnv("ACK_TIMEOUT", 10*time.Second),
			MaxRetries:        getIntEnv("DELIVERY_MAX_RETRIES", 3),
			RetrySweep:        getDurationEnv("RETRY_SWEEP_INTERVAL", 5*time.Second),
			ReplayBufferSize:  getIntEnv("REPLAY_BUFFER_SIZE", 256),
			ResumeWindow:      getDurationEnv("RESUME_WINDOW", 2*time.Minute),
			MaxFrameSize:      int64(getIntEnv("MAX_FRAME_SIZE", 1024*1024)),
		},
		RateLimit: RateLimitConfig{
			IPLimit:     getIntEnv("RATELIMIT_IP_LIMIT", 100),
			IPWindow:    getDurationEnv("RATELIMIT_IP_WINDOW", time.Minute),
			UserLimit:   getIntEnv("RATELIMIT_USER_LIMIT", 100),
			UserWindow:  getDurationEnv("RATELIMIT_USER_WINDOW", time.Minute),
			APIKeyLimit: getIntEnv("RATELIMIT_APIKEY_LIMIT", 1000),
			APIWindow:   getDurationEnv("RATELIMIT_APIKEY_WINDOW", time.Minute),
			FailOpen:    getBoolEnv("RATELIMIT_FAIL_OPEN", true),
			LocalRate:   getFloatEnv("RATELIMIT_LOCAL_RATE", 10),
			LocalBurst:  getIntEnv("RATELIMIT_LOCAL_BURST", 20),
		},
		App: AppConfig{
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

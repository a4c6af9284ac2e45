package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds all engine configuration
type Config struct {
	Service       ServiceConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	Engine        EngineConfig
	ErrorHandling ErrorHandlingConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	// PprofPort serves net/http/pprof on localhost when non-zero
	PprofPort int
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// Namespace prefixes every key the engine writes
	Namespace string
}

// DatabaseConfig holds Postgres connection settings for the run history cold path
type DatabaseConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// Engine timing defaults, shared with components that take overrides
const (
	DefaultLockTTL          = 5 * time.Minute
	DefaultStateTTL         = 24 * time.Hour
	DefaultRetryScheduleTTL = 7 * 24 * time.Hour
)

// EngineConfig holds execution core settings
type EngineConfig struct {
	// InstanceID identifies this engine process; lock holder and bus consumer name
	InstanceID               string
	MaxConcurrentWorkflows   int
	NodeExecutionTimeout     time.Duration
	WorkflowExecutionTimeout time.Duration
	LockTTL                  time.Duration
	LockRenewInterval        time.Duration
	StateTTL                 time.Duration
	RetryScheduleTTL         time.Duration
	RetryPollInterval        time.Duration
	RetryBatchSize           int
	TimeoutCheckInterval     time.Duration
	// OrgRunsPerMinute caps run starts per organization; 0 disables the limit
	OrgRunsPerMinute int
}

// ErrorHandlingConfig holds retry, breaker, compensation and alerting toggles
type ErrorHandlingConfig struct {
	EnableRetry             bool
	EnableCircuitBreaker    bool
	EnableCompensation      bool
	EnableAlerting          bool
	MaxRetryAttempts        int
	CircuitBreakerThreshold int
	AlertCooldown           time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			PprofPort:   getEnvInt("PPROF_PORT", 0),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnvInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			Namespace: getEnv("REDIS_NAMESPACE", "officeflow:"),
		},
		Database: DatabaseConfig{
			Enabled:     getEnvBool("POSTGRES_ENABLED", true),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "officeflow"),
			User:        getEnv("POSTGRES_USER", "officeflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "officeflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Engine: EngineConfig{
			InstanceID:               getEnv("ENGINE_INSTANCE_ID", defaultInstanceID(serviceName)),
			MaxConcurrentWorkflows:   getEnvInt("ENGINE_MAX_CONCURRENT_WORKFLOWS", 100),
			NodeExecutionTimeout:     getEnvDuration("ENGINE_NODE_EXECUTION_TIMEOUT", 300*time.Second),
			WorkflowExecutionTimeout: getEnvDuration("ENGINE_WORKFLOW_EXECUTION_TIMEOUT", 1*time.Hour),
			LockTTL:                  getEnvDuration("ENGINE_LOCK_TTL", DefaultLockTTL),
			LockRenewInterval:        getEnvDuration("ENGINE_LOCK_RENEW_INTERVAL", 1*time.Minute),
			StateTTL:                 getEnvDuration("ENGINE_STATE_TTL", DefaultStateTTL),
			RetryScheduleTTL:         getEnvDuration("ENGINE_RETRY_SCHEDULE_TTL", DefaultRetryScheduleTTL),
			RetryPollInterval:        getEnvDuration("ENGINE_RETRY_POLL_INTERVAL", 5*time.Second),
			RetryBatchSize:           getEnvInt("ENGINE_RETRY_BATCH_SIZE", 50),
			TimeoutCheckInterval:     getEnvDuration("ENGINE_TIMEOUT_CHECK_INTERVAL", 30*time.Second),
			OrgRunsPerMinute:         getEnvInt("ENGINE_ORG_RUNS_PER_MINUTE", 0),
		},
		ErrorHandling: ErrorHandlingConfig{
			EnableRetry:             getEnvBool("ENGINE_ENABLE_RETRY", true),
			EnableCircuitBreaker:    getEnvBool("ENGINE_ENABLE_CIRCUIT_BREAKER", true),
			EnableCompensation:      getEnvBool("ENGINE_ENABLE_COMPENSATION", true),
			EnableAlerting:          getEnvBool("ENGINE_ENABLE_ALERTING", true),
			MaxRetryAttempts:        getEnvInt("ENGINE_MAX_RETRY_ATTEMPTS", 3),
			CircuitBreakerThreshold: getEnvInt("ENGINE_CIRCUIT_BREAKER_THRESHOLD", 5),
			AlertCooldown:           getEnvDuration("ENGINE_ALERT_COOLDOWN", 5*time.Minute),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Engine.InstanceID == "" {
		return fmt.Errorf("engine instance id is required")
	}

	if c.Engine.LockRenewInterval >= c.Engine.LockTTL {
		return fmt.Errorf("lock renew interval must be shorter than lock TTL")
	}

	if c.Database.Enabled && c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// RedisAddr returns the Redis host:port string
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func defaultInstanceID(serviceName string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", serviceName, hostname, uuid.New().String()[:8])
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

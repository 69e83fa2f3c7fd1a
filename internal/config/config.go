package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/qman/qman/internal/domain"
)

// Config represents daemon configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	Runtime     RuntimeConfig     `json:"runtime"`
	Attribution AttributionConfig `json:"attribution"`
	Enforcement EnforcementConfig `json:"enforcement"`
	Master      MasterConfig      `json:"master"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
	AuthSecret   string        `json:"auth_secret"`
}

// DatabaseConfig represents ledger database configuration. Driver is
// "postgres" for shared deployments or "sqlite3" for single-host ones.
type DatabaseConfig struct {
	Driver         string        `json:"driver"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"dbname"`
	SSLMode        string        `json:"sslmode"`
	SQLitePath     string        `json:"sqlite_path"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleTime    time.Duration `json:"max_idle_time"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// RedisConfig represents the inventory cache configuration
type RedisConfig struct {
	Enabled  bool          `json:"enabled"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	PoolSize int           `json:"pool_size"`
	Timeout  time.Duration `json:"timeout"`
	CacheTTL time.Duration `json:"cache_ttl"`
}

// RuntimeConfig represents the container runtime connection
type RuntimeConfig struct {
	MockMode      bool          `json:"mock_mode"`
	CallTimeout   time.Duration `json:"call_timeout"`
	StopTimeout   time.Duration `json:"stop_timeout"`
	ReservedBytes int64         `json:"reserved_bytes"`
}

// AttributionConfig represents the ownership sync configuration
type AttributionConfig struct {
	SyncInterval  time.Duration `json:"sync_interval"`
	Window        time.Duration `json:"window"`
	AuditLookback time.Duration `json:"audit_lookback"`
	AuditKeys     []string      `json:"audit_keys"`
	AuditTimeout  time.Duration `json:"audit_timeout"`
	EventMaxWait  time.Duration `json:"event_max_wait"`
	EventMaxCount int           `json:"event_max_count"`
}

// EnforcementConfig represents the quota enforcement configuration
type EnforcementConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Order    string        `json:"order"`
	DryRun   bool          `json:"dry_run"`
}

// MasterConfig represents the callback to the master controller
type MasterConfig struct {
	URL     string        `json:"url"`
	Secret  string        `json:"secret"`
	HostID  string        `json:"host_id"`
	Timeout time.Duration `json:"timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json, text
}

// Load loads configuration from environment variables and defaults
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8431"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
			AuthSecret:   getEnv("API_AUTH_SECRET", ""),
		},
		Database: DatabaseConfig{
			Driver:         getEnv("DB_DRIVER", "postgres"),
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnvInt("DB_PORT", 5432),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", ""),
			DBName:         getEnv("DB_NAME", "qman"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			SQLitePath:     getEnv("DB_SQLITE_PATH", "/var/lib/qman/qman.db"),
			MaxConnections: getEnvInt("DB_MAX_CONNECTIONS", 20),
			MaxIdleTime:    getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			ConnectTimeout: getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Timeout:  getEnvDuration("REDIS_TIMEOUT", 5*time.Second),
			CacheTTL: getEnvDuration("REDIS_CACHE_TTL", 10*time.Minute),
		},
		Runtime: RuntimeConfig{
			MockMode:      getEnvBool("RUNTIME_MOCK_MODE", false),
			CallTimeout:   getEnvDuration("RUNTIME_CALL_TIMEOUT", 90*time.Second),
			StopTimeout:   getEnvDuration("RUNTIME_STOP_TIMEOUT", 60*time.Second),
			ReservedBytes: getEnvInt64("RUNTIME_RESERVED_BYTES", 0),
		},
		Attribution: AttributionConfig{
			SyncInterval:  getEnvDuration("ATTRIBUTION_SYNC_INTERVAL", 120*time.Second),
			Window:        getEnvDuration("ATTRIBUTION_WINDOW", 120*time.Second),
			AuditLookback: getEnvDuration("AUDIT_LOOKBACK", time.Hour),
			AuditKeys:     getEnvSlice("AUDIT_KEYS", []string{"docker_socket", "docker_exec"}),
			AuditTimeout:  getEnvDuration("AUDIT_TIMEOUT", 30*time.Second),
			EventMaxWait:  getEnvDuration("EVENT_MAX_WAIT", 5*time.Second),
			EventMaxCount: getEnvInt("EVENT_MAX_COUNT", 500),
		},
		Enforcement: EnforcementConfig{
			Enabled:  getEnvBool("ENFORCEMENT_ENABLED", true),
			Interval: getEnvDuration("ENFORCEMENT_INTERVAL", 300*time.Second),
			Order:    getEnv("ENFORCEMENT_ORDER", "newest_first"),
			DryRun:   getEnvBool("ENFORCEMENT_DRY_RUN", false),
		},
		Master: MasterConfig{
			URL:     getEnv("MASTER_URL", ""),
			Secret:  getEnv("MASTER_SECRET", ""),
			HostID:  getEnv("HOST_ID", hostname),
			Timeout: getEnvDuration("MASTER_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite3":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := domain.ParseOrder(c.Enforcement.Order); err != nil {
		return fmt.Errorf("enforcement order %q: %w", c.Enforcement.Order, err)
	}

	if c.Master.URL != "" && c.Master.Secret == "" {
		return fmt.Errorf("master secret is required when a master URL is set")
	}

	if c.IsProduction() && c.Server.AuthSecret == "" {
		return fmt.Errorf("API auth secret must be set in production")
	}

	return nil
}

// IsProduction checks if the daemon is running in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// GetDatabaseURL returns the database connection string for the
// configured driver
func (c *Config) GetDatabaseURL() string {
	if c.Database.Driver == "sqlite3" {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis host:port address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

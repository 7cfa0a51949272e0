package database

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds persistence connection configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Driver          string        `yaml:"driver" json:"driver"`
	// DSN overrides the connection string built from the fields below
	DSN             string        `yaml:"dsn" json:"-"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	Charset         string        `yaml:"charset" json:"charset"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate" json:"auto_migrate"`
}

// DefaultConfig returns an on-disk sqlite database
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Database:        "voice_integrity.db",
		SSLMode:         "disable",
		Charset:         "utf8mb4",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
		AutoMigrate:     true,
	}
}

// LoadConfig loads persistence configuration from environment variables
func LoadConfig(logger *logrus.Logger) Config {
	def := DefaultConfig()
	config := Config{
		Enabled:         getEnvBoolOrDefault("DB_ENABLED", false),
		Driver:          getEnvOrDefault("DB_DRIVER", def.Driver),
		DSN:             getEnvOrDefault("DB_DSN", ""),
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            getEnvIntOrDefault("DB_PORT", 0),
		Database:        getEnvOrDefault("DB_NAME", def.Database),
		Username:        getEnvOrDefault("DB_USERNAME", "voice"),
		Password:        getEnvOrDefault("DB_PASSWORD", ""),
		SSLMode:         getEnvOrDefault("DB_SSL_MODE", def.SSLMode),
		Charset:         getEnvOrDefault("DB_CHARSET", def.Charset),
		MaxOpenConns:    getEnvIntOrDefault("DB_MAX_OPEN_CONNS", def.MaxOpenConns),
		MaxIdleConns:    getEnvIntOrDefault("DB_MAX_IDLE_CONNS", def.MaxIdleConns),
		ConnMaxLifetime: getEnvDurationOrDefault("DB_CONN_MAX_LIFETIME", def.ConnMaxLifetime),
		QueryTimeout:    getEnvDurationOrDefault("DB_QUERY_TIMEOUT", def.QueryTimeout),
		AutoMigrate:     getEnvBoolOrDefault("DB_AUTO_MIGRATE", def.AutoMigrate),
	}

	logger.WithFields(logrus.Fields{
		"enabled":  config.Enabled,
		"driver":   config.Driver,
		"host":     config.Host,
		"database": config.Database,
	}).Debug("Database configuration loaded")

	return config
}

// ConnectionString returns DSN or builds one for the configured driver
func (c Config) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case DriverMySQL:
		port := c.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=UTC",
			c.Username, c.Password, c.Host, port, c.Database, c.Charset)
	case DriverPostgres:
		port := c.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, port, c.Username, c.Password, c.Database, c.SSLMode)
	default:
		return c.Database
	}
}

// Validate checks the configuration for the selected driver
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.ConnectionString() == "" {
			return fmt.Errorf("sqlite database path is required")
		}
	case DriverMySQL, DriverPostgres:
		if c.DSN == "" {
			if c.Host == "" {
				return fmt.Errorf("database host is required")
			}
			if c.Database == "" {
				return fmt.Errorf("database name is required")
			}
			if c.Username == "" {
				return fmt.Errorf("database username is required")
			}
		}
	default:
		return fmt.Errorf("unsupported database driver: %s (supported: sqlite, mysql, postgres)", c.Driver)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max open connections cannot be negative: %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return fmt.Errorf("max idle connections (%d) cannot exceed max open connections (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

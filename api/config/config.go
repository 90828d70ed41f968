package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort         = "3001"
	defaultPGPort       = 5432
	defaultPGSSLMode    = "disable"
	defaultPGMaxConns   = 10
	defaultLogFile      = "service.log"
	defaultQueryTimeout = 30 * time.Second
	defaultMaxPageSize  = 1000
)

// PostgresConfig holds the connection settings for the log database.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

func (c *PostgresConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.MaxConns < 0 {
		return errors.New("max conns must not be negative")
	}

	// Optional with default
	if c.Port == 0 {
		c.Port = defaultPGPort
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultPGSSLMode
	}
	if c.MaxConns == 0 {
		c.MaxConns = defaultPGMaxConns
	}
	return nil
}

// Config holds the API server configuration.
type Config struct {
	Port               string
	Postgres           PostgresConfig
	LogFile            string
	QueryTimeout       time.Duration
	MaxPageSize        int
	CompressionEnabled bool
	CORSOrigins        []string
}

func (c *Config) Validate() error {
	if err := c.Postgres.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	if c.QueryTimeout < 0 {
		return errors.New("query timeout must not be negative")
	}
	if c.MaxPageSize < 0 {
		return errors.New("max page size must not be negative")
	}

	// Optional with default
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogFile == "" {
		c.LogFile = defaultLogFile
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.MaxPageSize == 0 {
		c.MaxPageSize = defaultMaxPageSize
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	return nil
}

// Load reads the configuration from environment variables and validates it.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	var cfg Config
	var err error

	cfg.Port = getenv("PORT")
	cfg.LogFile = getenv("LOG_FILE")

	cfg.Postgres = PostgresConfig{
		Host:     getenv("PGHOST"),
		User:     getenv("PGUSER"),
		Password: getenv("PGPASSWORD"),
		Database: getenv("PGDATABASE"),
		SSLMode:  getenv("PGSSLMODE"),
	}
	if cfg.Postgres.Port, err = intEnv(getenv, "PGPORT"); err != nil {
		return nil, err
	}
	maxConns, err := intEnv(getenv, "PG_MAX_CONNS")
	if err != nil {
		return nil, err
	}
	cfg.Postgres.MaxConns = int32(maxConns)

	if v := getenv("QUERY_TIMEOUT"); v != "" {
		if cfg.QueryTimeout, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid QUERY_TIMEOUT %q: %w", v, err)
		}
	}
	if cfg.MaxPageSize, err = intEnv(getenv, "MAX_PAGE_SIZE"); err != nil {
		return nil, err
	}

	cfg.CompressionEnabled = true
	if v := getenv("COMPRESSION_ENABLED"); v != "" {
		if cfg.CompressionEnabled, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid COMPRESSION_ENABLED %q: %w", v, err)
		}
	}

	if origins := getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func intEnv(getenv func(string) string, key string) (int, error) {
	v := getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// Package config provides configuration management for the character harvester.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Lease    LeaseConfig
	Worker   WorkerConfig
	Profile  ProfileConfig
	Rankings RankingsConfig
	Logging  LoggingConfig
}

// ServerConfig holds lease API server configuration
type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// WorkerRPS and WorkerBurst bound lease requests per X-Worker-ID.
	WorkerRPS   float64
	WorkerBurst int
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string
	Postgres PostgresConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the postgres:// URL, as expected by golang-migrate.
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// ConnString returns the pgx pool connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("%s&pool_max_conns=%d", c.URL(), c.MaxConnections)
}

// SQLiteConfig holds the embedded database location
type SQLiteConfig struct {
	Path string
}

// RedisConfig holds Redis configuration. Redis is optional; without it each
// worker tracks its point budget alone.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// LeaseConfig holds lease authority policy
type LeaseConfig struct {
	MaxBatch        int
	FreshnessWindow time.Duration
	LeaseDuration   time.Duration
	ExpandBy        int64
	RecheckAbsent   bool
}

// WorkerConfig holds scrape worker configuration
type WorkerConfig struct {
	ID              string
	LeaseServiceURL string
	BatchTarget     int
	Kinds           []string
	LeaseTimeout    time.Duration
	IdlePause       time.Duration
	// EmbeddedLease runs a lease authority in-process on the worker's own
	// store instead of calling LeaseServiceURL.
	EmbeddedLease bool

	// WorldRefresh is how often the profile parser's server directory is reloaded.
	WorldRefresh   time.Duration
	StatusInterval time.Duration
}

// ProfileConfig holds profile site client configuration
type ProfileConfig struct {
	BaseURL   string
	RPS       float64
	Timeout   time.Duration
	UserAgent string
}

// RankingsConfig holds rankings API client configuration
type RankingsConfig struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	ZoneIDs      []int
	// Credential names the shared point budget in Redis.
	Credential string
	Timeout    time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			WorkerRPS:    getEnvAsFloat("SERVER_WORKER_RPS", 5),
			WorkerBurst:  getEnvAsInt("SERVER_WORKER_BURST", 10),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "harvester"),
				User:           getEnv("POSTGRES_USER", "harvester"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "harvester.db"),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Lease: LeaseConfig{
			MaxBatch:        getEnvAsInt("LEASE_MAX_BATCH", 100),
			FreshnessWindow: getEnvAsDuration("LEASE_FRESHNESS_WINDOW", 72*time.Hour),
			LeaseDuration:   getEnvAsDuration("LEASE_DURATION", 5*time.Minute),
			ExpandBy:        int64(getEnvAsInt("LEASE_EXPAND_BY", 1000)),
			RecheckAbsent:   getEnvAsBool("LEASE_RECHECK_ABSENT", true),
		},
		Worker: WorkerConfig{
			ID:              getEnv("WORKER_ID", uuid.NewString()),
			LeaseServiceURL: getEnv("WORKER_LEASE_SERVICE_URL", "http://localhost:8080"),
			BatchTarget:     getEnvAsInt("WORKER_BATCH_TARGET", 100),
			Kinds:           getEnvAsList("WORKER_KINDS", []string{"profile", "rankings"}),
			LeaseTimeout:    getEnvAsDuration("WORKER_LEASE_TIMEOUT", 10*time.Second),
			IdlePause:       getEnvAsDuration("WORKER_IDLE_PAUSE", 30*time.Second),
			EmbeddedLease:   getEnvAsBool("WORKER_EMBEDDED_LEASE", false),
			WorldRefresh:    getEnvAsDuration("WORKER_WORLD_REFRESH", 6*time.Hour),
			StatusInterval:  getEnvAsDuration("WORKER_STATUS_INTERVAL", time.Minute),
		},
		Profile: ProfileConfig{
			BaseURL:   getEnv("PROFILE_BASE_URL", "https://na.finalfantasyxiv.com"),
			RPS:       getEnvAsFloat("PROFILE_RPS", 2),
			Timeout:   getEnvAsDuration("PROFILE_TIMEOUT", 20*time.Second),
			UserAgent: getEnv("PROFILE_USER_AGENT", "character-harvester/1.0"),
		},
		Rankings: RankingsConfig{
			APIURL:       getEnv("RANKINGS_API_URL", "https://www.fflogs.com/api/v2/client"),
			TokenURL:     getEnv("RANKINGS_TOKEN_URL", "https://www.fflogs.com/oauth/token"),
			ClientID:     getEnv("RANKINGS_CLIENT_ID", ""),
			ClientSecret: getEnv("RANKINGS_CLIENT_SECRET", ""),
			ZoneIDs:      getEnvAsIntList("RANKINGS_ZONE_IDS", nil),
			Credential:   getEnv("RANKINGS_CREDENTIAL", "default"),
			Timeout:      getEnvAsDuration("RANKINGS_TIMEOUT", 20*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail far from their source.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	if c.Lease.MaxBatch < 1 {
		return fmt.Errorf("LEASE_MAX_BATCH must be positive, got %d", c.Lease.MaxBatch)
	}
	if c.Lease.ExpandBy < int64(c.Lease.MaxBatch) {
		return fmt.Errorf("LEASE_EXPAND_BY (%d) must be at least LEASE_MAX_BATCH (%d)", c.Lease.ExpandBy, c.Lease.MaxBatch)
	}
	if c.Lease.LeaseDuration <= 0 || c.Lease.FreshnessWindow <= 0 {
		return fmt.Errorf("lease duration and freshness window must be positive")
	}
	if c.Worker.BatchTarget < 1 {
		return fmt.Errorf("WORKER_BATCH_TARGET must be positive, got %d", c.Worker.BatchTarget)
	}
	if c.Profile.RPS <= 0 {
		return fmt.Errorf("PROFILE_RPS must be positive, got %v", c.Profile.RPS)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool accepts anything strconv.ParseBool does
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsIntList(key string, defaultValue []int) []int {
	parts := getEnvAsList(key, nil)
	if parts == nil {
		return defaultValue
	}

	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	return out
}

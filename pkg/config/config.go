package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Upload   UploadConfig   `yaml:"upload"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	Type      string `yaml:"type"` // local, s3
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	LocalPath string `yaml:"local_path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	BCryptCost    int           `yaml:"bcrypt_cost"`
	AdminUsername string        `yaml:"admin_username"`
	AdminEmail    string        `yaml:"admin_email"`
	AdminPassword string        `yaml:"admin_password"`
}

// UploadConfig holds limits for the attachment ingestion pipeline
type UploadConfig struct {
	SessionBackend  string        `yaml:"session_backend"` // memory, redis
	SessionTTL      time.Duration `yaml:"session_ttl"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	ChunkSize       ByteSize      `yaml:"chunk_size"`
	MaxChunkSize    ByteSize      `yaml:"max_chunk_size"`
	MaxFileSize     ByteSize      `yaml:"max_file_size"`
	MaxCombinedSize ByteSize      `yaml:"max_combined_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// ByteSize is a byte count that reads human sizes such as "100MB" or "5MiB".
// Decimal suffixes are powers of 1000, "i" suffixes powers of 1024.
type ByteSize int64

// UnmarshalYAML accepts either a plain integer or a human size string
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	size, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// String formats the size for logs
func (b ByteSize) String() string {
	return units.HumanSize(float64(b))
}

// Set parses a command-line flag value
func (b *ByteSize) Set(value string) error {
	size, err := ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// Type names the flag value in usage output
func (b *ByteSize) Type() string {
	return "size"
}

// ParseByteSize parses "1048576", "100MB" or "5MiB"
func ParseByteSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, nil
	}
	if strings.ContainsAny(value, "iI") {
		return units.RAMInBytes(value)
	}
	return units.FromHumanSize(value)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "waypoint",
			DBName:  "waypoint",
			SSLMode: "disable",

			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Storage: StorageConfig{
			Type:      "local",
			Bucket:    "waypoint-attachments",
			Region:    "us-east-1",
			LocalPath: "./attachments",
		},
		Auth: AuthConfig{
			JWTExpiration: 24 * time.Hour,
			BCryptCost:    12,
		},
		Upload: UploadConfig{
			SessionBackend:  "memory",
			SessionTTL:      24 * time.Hour,
			ReapInterval:    time.Hour,
			ChunkSize:       5 * units.MiB,
			MaxChunkSize:    6 * units.MiB,
			MaxFileSize:     100 * units.MB,
			MaxCombinedSize: 100 * units.MB,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return ApplyEnv(Default())
}

// Load reads the YAML file named by CONFIG_FILE, when set, and then applies
// environment overrides on top of it
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	return ApplyEnv(cfg), nil
}

// LoadFile merges a YAML configuration file into c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks settings that would otherwise fail at request time
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Upload.ChunkSize <= 0 || c.Upload.MaxChunkSize < c.Upload.ChunkSize {
		return fmt.Errorf("max chunk size %s must be at least chunk size %s", c.Upload.MaxChunkSize, c.Upload.ChunkSize)
	}
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("upload session TTL must be positive")
	}
	switch c.Upload.SessionBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported upload session backend: %s", c.Upload.SessionBackend)
	}
	return nil
}

// ApplyEnv overrides c with any settings present in the environment
func ApplyEnv(c *Config) *Config {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Region = getEnv("STORAGE_REGION", c.Storage.Region)
	c.Storage.Endpoint = getEnv("STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getEnv("STORAGE_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("STORAGE_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.LocalPath = getEnv("STORAGE_LOCAL_PATH", c.Storage.LocalPath)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTExpiration = getEnvDuration("JWT_EXPIRATION", c.Auth.JWTExpiration)
	c.Auth.BCryptCost = getEnvInt("BCRYPT_COST", c.Auth.BCryptCost)
	c.Auth.AdminUsername = getEnv("ADMIN_USERNAME", c.Auth.AdminUsername)
	c.Auth.AdminEmail = getEnv("ADMIN_EMAIL", c.Auth.AdminEmail)
	c.Auth.AdminPassword = getEnv("ADMIN_PASSWORD", c.Auth.AdminPassword)

	c.Upload.SessionBackend = getEnv("UPLOAD_SESSION_BACKEND", c.Upload.SessionBackend)
	c.Upload.SessionTTL = getEnvDuration("UPLOAD_SESSION_TTL", c.Upload.SessionTTL)
	c.Upload.ReapInterval = getEnvDuration("UPLOAD_REAP_INTERVAL", c.Upload.ReapInterval)
	c.Upload.ChunkSize = getEnvBytes("UPLOAD_CHUNK_SIZE", c.Upload.ChunkSize)
	c.Upload.MaxChunkSize = getEnvBytes("UPLOAD_MAX_CHUNK_SIZE", c.Upload.MaxChunkSize)
	c.Upload.MaxFileSize = getEnvBytes("MAX_ATTACHMENT_SIZE", c.Upload.MaxFileSize)
	c.Upload.MaxCombinedSize = getEnvBytes("MAX_COMBINED_ATTACHMENT_SIZE", c.Upload.MaxCombinedSize)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	return c
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SetupLogging configures the global zerolog logger
func (l LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if l.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// Helper functions for environment variable parsing
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBytes(key string, defaultValue ByteSize) ByteSize {
	if value := os.Getenv(key); value != "" {
		if size, err := ParseByteSize(value); err == nil {
			return ByteSize(size)
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring unparseable byte size")
	}
	return defaultValue
}

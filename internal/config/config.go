// Package config provides centralized configuration management for the mirror
// server. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Convert  ConvertConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	History  HistoryConfig
	Stats    StatsConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8888)
	Port int `env:"SERVER_PORT" default:"8888"`

	// ConnectionTimeout is the per-connection idle timeout while reading a
	// request. Parked uploads have it disabled until they are resumed. (default: 15s)
	ConnectionTimeout time.Duration `env:"SERVER_CONNECTION_TIMEOUT" default:"15s"`

	// ReadHeaderTimeout bounds reading request headers (default: 10s)
	ReadHeaderTimeout time.Duration `env:"SERVER_READ_HEADER_TIMEOUT" default:"10s"`

	// IdleTimeout is the keep-alive timeout between requests (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// StorageConfig holds the location of the upload/convert files.
type StorageConfig struct {
	// Dir holds the staging file, the committed upload and the converted image.
	Dir string `env:"STORAGE_DIR" default:"./data"`
}

// UploadConfig holds upload admission settings.
type UploadConfig struct {
	// FieldPrefix is the marker the multipart field key must start with (default: file)
	FieldPrefix string `env:"UPLOAD_FIELD_PREFIX" default:"file"`

	// MaxFileSize is the maximum accepted request body in bytes (default: 64MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"67108864"`

	// ChunkSize is the read size used when streaming a field to disk (default: 32KB)
	ChunkSize int `env:"UPLOAD_CHUNK_SIZE" default:"32768"`

	// MaxWaiters caps the number of parked uploads (default: 1024)
	MaxWaiters int `env:"UPLOAD_MAX_WAITERS" default:"1024"`

	// RecordTimeout bounds writing one history/stats record (default: 5s)
	RecordTimeout time.Duration `env:"UPLOAD_RECORD_TIMEOUT" default:"5s"`
}

// ConvertConfig selects and tunes the image converter.
type ConvertConfig struct {
	// Backend is "magick" (ImageMagick CLI) or "native" (pure Go) (default: magick)
	Backend string `env:"CONVERT_BACKEND" default:"magick"`

	// Command is the ImageMagick executable (default: convert)
	Command string `env:"CONVERT_COMMAND" default:"convert"`

	// InputFormat is the ImageMagick coder of uploaded files (default: xwd)
	InputFormat string `env:"CONVERT_INPUT_FORMAT" default:"xwd"`

	// OutputFormat is the ImageMagick coder of the served image (default: jpg)
	OutputFormat string `env:"CONVERT_OUTPUT_FORMAT" default:"jpg"`

	// Quality is the JPEG quality used by the native backend (default: 85)
	Quality int `env:"CONVERT_QUALITY" default:"85"`

	// Timeout bounds a single conversion (default: 30s)
	Timeout time.Duration `env:"CONVERT_TIMEOUT" default:"30s"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the sustained rate per IP (default: 120)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`

	// Burst is the token bucket size per IP (default: 20)
	Burst int `env:"RATE_LIMIT_BURST" default:"20"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// HistoryConfig configures the optional PostgreSQL upload history.
type HistoryConfig struct {
	// DatabaseURL enables history when set.
	// Supports both HISTORY_DATABASE_URL and DATABASE_URL env vars.
	DatabaseURL string `env:"HISTORY_DATABASE_URL" envAlt:"DATABASE_URL"`

	// MaxConns is the maximum number of pooled connections (default: 4)
	MaxConns int `env:"HISTORY_MAX_CONNS" default:"4"`
}

// StatsConfig configures the optional Redis outcome counters.
type StatsConfig struct {
	// RedisURL enables stats when set (redis://host:6379/0)
	RedisURL string `env:"STATS_REDIS_URL"`

	// Prefix is the key prefix (default: x11mirror:stats)
	Prefix string `env:"STATS_PREFIX" default:"x11mirror:stats"`

	// TTL expires per-minute buckets (default: 24h)
	TTL time.Duration `env:"STATS_TTL" default:"24h"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled exposes Prometheus metrics (default: true)
	Enabled bool `env:"METRICS_ENABLED" default:"true"`

	// Path is the scrape path (default: /metrics)
	Path string `env:"METRICS_PATH" default:"/metrics"`

	// StatusPath serves the admission state and recent uploads as JSON.
	// Empty disables it (default: /status)
	StatusPath string `env:"METRICS_STATUS_PATH" default:"/status"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StagingPath is where in-progress upload bytes are written.
func (c *StorageConfig) StagingPath() string {
	return filepath.Join(c.Dir, "upload.part")
}

// CommittedPath is where a finished upload is renamed to before conversion.
func (c *StorageConfig) CommittedPath() string {
	return filepath.Join(c.Dir, "upload.raw")
}

// ArtifactPath is the converted image served by GET /get.jpg.
func (c *StorageConfig) ArtifactPath() string {
	return filepath.Join(c.Dir, "get.jpg")
}

// PendingArtifactPath is the converter's output until it is published over
// ArtifactPath.
func (c *StorageConfig) PendingArtifactPath() string {
	return filepath.Join(c.Dir, "get.jpg.tmp")
}

// Package config provides centralized configuration management for the application.
// It loads configuration from struct-tag defaults, an optional TOML file and
// environment variables, and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Ingest     IngestConfig     `toml:"ingest"`
	Parser     ParserConfig     `toml:"parser"`
	Validation ValidationConfig `toml:"validation"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Queue      QueueConfig      `toml:"queue"`
	Server     ServerConfig     `toml:"server"`
	Logging    LoggingConfig    `toml:"logging"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Only commands that touch the
	// database require it; see RequireURL.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `toml:"url" env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `toml:"max_conns" env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `toml:"min_conns" env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `toml:"max_conn_lifetime" env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `toml:"max_conn_idle_time" env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// ConnectTimeout bounds the initial ping (default: 10s)
	ConnectTimeout time.Duration `toml:"connect_timeout" env:"DB_CONNECT_TIMEOUT" default:"10s"`

	// Migrate applies schema migrations on connect (default: true)
	Migrate bool `toml:"migrate" env:"DB_MIGRATE" default:"true"`
}

// RequireURL reports a missing connection string.
func (c *DatabaseConfig) RequireURL() error {
	if c.URL == "" {
		return fmt.Errorf("required environment variable DATABASE_URL is not set")
	}
	return nil
}

// IngestConfig holds pipeline settings.
type IngestConfig struct {
	// BatchSize is the number of data points per bulk write (default: 1000)
	BatchSize int `toml:"batch_size" env:"UPLOAD_BATCH_SIZE" default:"1000"`

	// MaxConcurrent is the maximum number of parallel ingests (default: 4)
	MaxConcurrent int `toml:"max_concurrent" env:"INGEST_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long to wait for an ingest slot (default: 30s)
	MaxWaitTime time.Duration `toml:"max_wait_time" env:"INGEST_MAX_WAIT_TIME" default:"30s"`

	// Timeout is the maximum duration for a single ingest; 0 disables it (default: 30m)
	Timeout time.Duration `toml:"timeout" env:"INGEST_TIMEOUT" default:"30m"`

	// SampleRows is how many rows per column feed column validation (default: 2000)
	SampleRows int `toml:"sample_rows" env:"INGEST_SAMPLE_ROWS" default:"2000"`

	// ProgressEvery is the row interval between progress updates (default: 1000)
	ProgressEvery int `toml:"progress_every" env:"INGEST_PROGRESS_EVERY" default:"1000"`

	// MaxFileSize rejects larger files at enqueue time (default: 2GiB)
	MaxFileSize int64 `toml:"max_file_size" env:"INGEST_MAX_FILE_SIZE" default:"2147483648"`
}

// ParserConfig holds row cleaning and timestamp settings.
type ParserConfig struct {
	// Sentinel is the raw value treated as "no data" (default: 51199)
	Sentinel float64 `toml:"sentinel" env:"PARSER_SENTINEL" default:"51199"`

	// SentinelScope is "global" or "rpm" (default: global)
	SentinelScope string `toml:"sentinel_scope" env:"PARSER_SENTINEL_SCOPE" default:"global"`

	// DeviceLayout is the Go time layout of the Device Time column
	DeviceLayout string `toml:"device_layout" env:"PARSER_DEVICE_LAYOUT" default:"02-Jan.-2006 15:04:05"`

	// GPSLayout is the Go time layout of the GPS Time column
	GPSLayout string `toml:"gps_layout" env:"PARSER_GPS_LAYOUT" default:"Mon Jan _2 15:04:05 GMT-07:00 2006"`

	// Timezone applies to timestamps without an offset (default: UTC)
	Timezone string `toml:"timezone" env:"PARSER_TIMEZONE" default:"UTC"`
}

// Location resolves Timezone.
func (c *ParserConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ValidationConfig holds column validity thresholds. Rates are percentages.
type ValidationConfig struct {
	MinValidRate          float64   `toml:"min_valid_rate" env:"VALIDATION_MIN_VALID_RATE" default:"30"`
	RPMSpeedMinValidRate  float64   `toml:"rpm_speed_min_valid_rate" env:"VALIDATION_RPM_SPEED_MIN_VALID_RATE" default:"10"`
	GPSMinValidRate       float64   `toml:"gps_min_valid_rate" env:"VALIDATION_GPS_MIN_VALID_RATE" default:"20"`
	TemperatureMinNonZero float64   `toml:"temperature_min_non_zero" env:"VALIDATION_TEMPERATURE_MIN_NON_ZERO" default:"50"`
	O2MinNonZero          float64   `toml:"o2_min_non_zero" env:"VALIDATION_O2_MIN_NON_ZERO" default:"30"`
	ErrorTolerance        float64   `toml:"error_tolerance" env:"VALIDATION_ERROR_TOLERANCE" default:"0.01"`
	ErrorValues           []float64 `toml:"error_values" env:"VALIDATION_ERROR_VALUES" default:"51199,65535,-1,255,32767,-32768"`
	CorrelationThreshold  float64   `toml:"correlation_threshold" env:"VALIDATION_CORRELATION_THRESHOLD" default:"80"`
}

// CatalogConfig selects where column mappings come from.
type CatalogConfig struct {
	// Source is embedded, file or postgres (default: embedded)
	Source string `toml:"source" env:"CATALOG_SOURCE" default:"embedded"`

	// File is the TOML catalog read when Source is "file"
	File string `toml:"file" env:"CATALOG_FILE"`
}

// QueueConfig holds asynchronous ingest settings.
type QueueConfig struct {
	// Path is the SQLite queue database (default: obd2-queue.db)
	Path string `toml:"path" env:"QUEUE_PATH" default:"obd2-queue.db"`

	// SpoolDir holds enqueued files until the worker picks them up (default: spool)
	SpoolDir string `toml:"spool_dir" env:"QUEUE_SPOOL_DIR" default:"spool"`

	// LockFile guards against two workers on one queue (default: obd2-worker.lock)
	LockFile string `toml:"lock_file" env:"QUEUE_LOCK_FILE" default:"obd2-worker.lock"`

	// PollInterval is how often an idle worker checks for jobs (default: 2s)
	PollInterval time.Duration `toml:"poll_interval" env:"QUEUE_POLL_INTERVAL" default:"2s"`

	// Workers is the number of jobs processed at once (default: 2)
	Workers int `toml:"workers" env:"QUEUE_WORKERS" default:"2"`

	// Retention is how long finished jobs are kept (default: 720h)
	Retention time.Duration `toml:"retention" env:"QUEUE_RETENTION" default:"720h"`

	// MaintenanceInterval is how often finished jobs are purged (default: 1h)
	MaintenanceInterval time.Duration `toml:"maintenance_interval" env:"QUEUE_MAINTENANCE_INTERVAL" default:"1h"`
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	// Enabled starts the ops server alongside the worker (default: true)
	Enabled bool `toml:"enabled" env:"SERVER_ENABLED" default:"true"`

	// Host is the interface to bind to (default: 127.0.0.1)
	Host string `toml:"host" env:"SERVER_HOST" default:"127.0.0.1"`

	// Port is the port to listen on (default: 8080)
	Port int `toml:"port" env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `toml:"read_timeout" env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 15s)
	WriteTimeout time.Duration `toml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" default:"15s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `toml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// TrustedProxies lists CIDRs whose X-Real-IP and X-Forwarded-For
	// headers are believed.
	TrustedProxies []string `toml:"trusted_proxies" env:"SERVER_TRUSTED_PROXIES"`

	// MaxUploadSize caps a single upload to the ops API (default: 256MiB)
	MaxUploadSize int64 `toml:"max_upload_size" env:"SERVER_MAX_UPLOAD_SIZE" default:"268435456"`

	// RateLimit is requests per minute per client IP, 0 disables (default: 120)
	RateLimit int `toml:"rate_limit" env:"SERVER_RATE_LIMIT" default:"120"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `toml:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `toml:"format" env:"LOG_FORMAT" default:"text"`
}

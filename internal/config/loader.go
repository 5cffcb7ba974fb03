package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the optional TOML configuration file.
const FileEnv = "OBD2_CONFIG"

// Load reads configuration from defaults, the file named by OBD2_CONFIG (if
// any) and environment variables, in increasing precedence.
// Returns an error if a value cannot be parsed or validation fails.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit TOML file. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	root := reflect.ValueOf(cfg).Elem()

	if err := walk(root, applyDefault); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config load: parse %s: %w", path, err)
		}
		if err := applyFile(root, doc, ""); err != nil {
			return nil, fmt.Errorf("config load: %s: %w", path, err)
		}
	}

	if err := walk(root, applyEnv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// walk calls fn for every settable leaf field, recursing into nested structs.
func walk(v reflect.Value, fn func(reflect.StructField, reflect.Value) error) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		if isSection(field.Type) {
			if err := walk(fieldVal, fn); err != nil {
				return err
			}
			continue
		}

		if err := fn(field, fieldVal); err != nil {
			return err
		}
	}

	return nil
}

func isSection(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t != reflect.TypeOf(time.Time{})
}

func applyDefault(field reflect.StructField, v reflect.Value) error {
	def := field.Tag.Get("default")
	if def == "" {
		return nil
	}
	if err := setField(v, def); err != nil {
		return fmt.Errorf("invalid default for %s=%q: %w", field.Name, def, err)
	}
	return nil
}

func applyEnv(field reflect.StructField, v reflect.Value) error {
	envName := field.Tag.Get("env")
	if envName == "" {
		return nil
	}

	// Try primary env var, then alternate
	value := os.Getenv(envName)
	if value == "" {
		if alt := field.Tag.Get("envAlt"); alt != "" {
			value = os.Getenv(alt)
		}
	}
	if value == "" {
		return nil
	}

	if err := setField(v, value); err != nil {
		return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
	}
	return nil
}

// applyFile overlays one TOML table onto a struct. Unknown keys are errors
// so a typo does not silently fall back to a default.
func applyFile(v reflect.Value, doc map[string]any, prefix string) error {
	t := v.Type()
	known := make(map[string]bool, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("toml")
		if key == "" || !v.Field(i).CanSet() {
			continue
		}
		known[key] = true

		raw, ok := doc[key]
		if !ok {
			continue
		}
		name := prefix + key

		if isSection(field.Type) {
			table, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("%s must be a table", name)
			}
			if err := applyFile(v.Field(i), table, name+"."); err != nil {
				return err
			}
			continue
		}

		value, err := tomlString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := setField(v.Field(i), value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}

	var unknown []string
	for key := range doc {
		if !known[key] {
			unknown = append(unknown, prefix+key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// tomlString renders a decoded TOML value in the same form an environment
// variable would carry it.
func tomlString(raw any) (string, error) {
	switch x := raw.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := tomlString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// Split comma-separated values, trim whitespace
		parts := splitList(value)
		switch field.Type().Elem().Kind() {
		case reflect.String:
			field.Set(reflect.ValueOf(parts))
		case reflect.Float64:
			result := make([]float64, 0, len(parts))
			for _, p := range parts {
				f, err := strconv.ParseFloat(p, 64)
				if err != nil {
					return fmt.Errorf("invalid number %q: %w", p, err)
				}
				result = append(result, f)
			}
			field.Set(reflect.ValueOf(result))
		default:
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Ingest validation
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, "UPLOAD_BATCH_SIZE must be positive")
	}
	if c.Ingest.MaxConcurrent <= 0 {
		errs = append(errs, "INGEST_MAX_CONCURRENT must be positive")
	}
	if c.Ingest.MaxWaitTime <= 0 {
		errs = append(errs, "INGEST_MAX_WAIT_TIME must be positive")
	}
	if c.Ingest.Timeout < 0 {
		errs = append(errs, "INGEST_TIMEOUT must not be negative")
	}
	if c.Ingest.SampleRows <= 0 {
		errs = append(errs, "INGEST_SAMPLE_ROWS must be positive")
	}
	if c.Ingest.ProgressEvery <= 0 {
		errs = append(errs, "INGEST_PROGRESS_EVERY must be positive")
	}
	if c.Ingest.MaxFileSize <= 0 {
		errs = append(errs, "INGEST_MAX_FILE_SIZE must be positive")
	}

	// Parser validation
	if c.Parser.Sentinel <= 0 {
		errs = append(errs, "PARSER_SENTINEL must be positive")
	}
	validScopes := map[string]bool{"global": true, "rpm": true}
	if !validScopes[strings.ToLower(c.Parser.SentinelScope)] {
		errs = append(errs, fmt.Sprintf("PARSER_SENTINEL_SCOPE (%q) must be one of: global, rpm", c.Parser.SentinelScope))
	}
	if _, err := c.Parser.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("PARSER_TIMEZONE (%q) is not a known time zone", c.Parser.Timezone))
	}

	// Validation thresholds
	rates := map[string]float64{
		"VALIDATION_MIN_VALID_RATE":           c.Validation.MinValidRate,
		"VALIDATION_RPM_SPEED_MIN_VALID_RATE": c.Validation.RPMSpeedMinValidRate,
		"VALIDATION_GPS_MIN_VALID_RATE":       c.Validation.GPSMinValidRate,
		"VALIDATION_TEMPERATURE_MIN_NON_ZERO": c.Validation.TemperatureMinNonZero,
		"VALIDATION_O2_MIN_NON_ZERO":          c.Validation.O2MinNonZero,
		"VALIDATION_CORRELATION_THRESHOLD":    c.Validation.CorrelationThreshold,
	}
	names := make([]string, 0, len(rates))
	for name := range rates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if r := rates[name]; r < 0 || r > 100 {
			errs = append(errs, fmt.Sprintf("%s (%g) must be 0-100", name, r))
		}
	}
	if c.Validation.ErrorTolerance < 0 {
		errs = append(errs, "VALIDATION_ERROR_TOLERANCE must be non-negative")
	}

	// Catalog validation
	switch strings.ToLower(c.Catalog.Source) {
	case "embedded", "postgres":
	case "file":
		if c.Catalog.File == "" {
			errs = append(errs, "CATALOG_FILE is required when CATALOG_SOURCE is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("CATALOG_SOURCE (%q) must be one of: embedded, file, postgres", c.Catalog.Source))
	}

	// Queue validation
	if c.Queue.Path == "" {
		errs = append(errs, "QUEUE_PATH is required")
	}
	if c.Queue.SpoolDir == "" {
		errs = append(errs, "QUEUE_SPOOL_DIR is required")
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, "QUEUE_POLL_INTERVAL must be positive")
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "QUEUE_WORKERS must be positive")
	}
	if c.Queue.Retention <= 0 {
		errs = append(errs, "QUEUE_RETENTION must be positive")
	}
	if c.Queue.MaintenanceInterval <= 0 {
		errs = append(errs, "QUEUE_MAINTENANCE_INTERVAL must be positive")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.MaxUploadSize <= 0 {
		errs = append(errs, "SERVER_MAX_UPLOAD_SIZE must be positive")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "SERVER_RATE_LIMIT must be non-negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	url := ""
	if c.Database.URL != "" {
		url = "[MASKED]"
	}
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		url, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Ingest: {BatchSize: %d, MaxConcurrent: %d, Timeout: %s}, ",
		c.Ingest.BatchSize, c.Ingest.MaxConcurrent, c.Ingest.Timeout))
	b.WriteString(fmt.Sprintf("Parser: {Sentinel: %g, Scope: %q, Timezone: %q}, ",
		c.Parser.Sentinel, c.Parser.SentinelScope, c.Parser.Timezone))
	b.WriteString(fmt.Sprintf("Catalog: {Source: %q}, ", c.Catalog.Source))
	b.WriteString(fmt.Sprintf("Queue: {Path: %q, Workers: %d}, ", c.Queue.Path, c.Queue.Workers))
	b.WriteString(fmt.Sprintf("Server: {Addr: %q, Enabled: %v}, ", c.Server.Addr(), c.Server.Enabled))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

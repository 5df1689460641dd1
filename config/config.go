// Package config provides configuration management for the application.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file named by GEOMONITOR_CONFIG, and environment variables (a .env
// file in the working directory is loaded into the environment first).
// String values in the YAML file may use ${VAR} and ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "GEOMONITOR_CONFIG"

// Filter modes.
const (
	FilterModeAdvanced = "advanced"
	FilterModeInclude  = "include"
)

// Persistence modes.
const (
	SyncModeSync  = "sync"
	SyncModeAsync = "async"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Monitor MonitorConfig
	Storage StorageConfig
	Logging LogConfig
	Metrics MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	// UpstreamURL is the application proxied behind the monitor.
	UpstreamURL string
	// APIKey protects the record read API. Empty leaves it open.
	APIKey string
	// InternalHost is recorded as the node that served each request.
	// Defaults to the hostname.
	InternalHost string
}

// MonitorConfig holds request monitoring configuration
type MonitorConfig struct {
	FilterMode           string
	FilterFile           string
	FilterReloadInterval time.Duration
	// Body capture caps: 0 disables capture, negative is unbounded.
	MaxRequestBodySize  int64
	MaxResponseBodySize int64
	Sync                string
	Workers             int
	QueueSize           int
	ShutdownTimeout     time.Duration
	// RetentionDays is how long to keep records (0 = forever)
	RetentionDays int
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	// Type is "mongodb", "sqlite", "postgresql" or "memory"
	Type       string
	MongoDB    MongoDBStorageConfig
	SQLite     SQLiteStorageConfig
	PostgreSQL PostgreSQLStorageConfig
}

// MongoDBStorageConfig holds MongoDB-specific configuration
type MongoDBStorageConfig struct {
	URL        string
	Database   string
	Collection string
	Bucket     string
}

// SQLiteStorageConfig holds SQLite-specific configuration
type SQLiteStorageConfig struct {
	Path string
}

// PostgreSQLStorageConfig holds PostgreSQL-specific configuration
type PostgreSQLStorageConfig struct {
	URL      string
	MaxConns int
}

// LogConfig holds log output configuration
type LogConfig struct {
	// Format is "text" or "json"
	Format string
	Level  string
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

var defaults = map[string]any{
	"PORT":                           "8080",
	"UPSTREAM_URL":                   "",
	"MONITOR_API_KEY":                "",
	"MONITOR_INTERNAL_HOST":          "",
	"MONITOR_FILTER_MODE":            FilterModeAdvanced,
	"MONITOR_FILTER_FILE":            "data/monitoring/filter.json",
	"MONITOR_FILTER_RELOAD_INTERVAL": "1s",
	"MONITOR_MAX_REQUEST_BODY_SIZE":  0,
	"MONITOR_MAX_RESPONSE_BODY_SIZE": 0,
	"MONITOR_SYNC":                   SyncModeAsync,
	"MONITOR_WORKERS":                4,
	"MONITOR_QUEUE_SIZE":             10000,
	"MONITOR_SHUTDOWN_TIMEOUT":       "30s",
	"MONITOR_RETENTION_DAYS":         0,
	"STORAGE_TYPE":                   "mongodb",
	"MONGODB_URL":                    "mongodb://localhost:27017",
	"MONGODB_DATABASE":               "geoserver",
	"MONGODB_COLLECTION":             "audit",
	"MONGODB_BUCKET":                 "audit",
	"SQLITE_PATH":                    "data/geomonitor.db",
	"POSTGRES_URL":                   "",
	"POSTGRES_MAX_CONNS":             10,
	"LOG_FORMAT":                     "text",
	"LOG_LEVEL":                      "info",
	"METRICS_ENABLED":                true,
	"METRICS_ENDPOINT":               "/metrics",
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	// Load .env file (optional, won't fail if not found)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	if path := os.Getenv(FileEnv); path != "" {
		viper.SetConfigFile(path)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Enable automatic environment variable reading
	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getString("PORT"),
			UpstreamURL:  getString("UPSTREAM_URL"),
			APIKey:       getString("MONITOR_API_KEY"),
			InternalHost: getString("MONITOR_INTERNAL_HOST"),
		},
		Monitor: MonitorConfig{
			FilterMode:           strings.ToLower(getString("MONITOR_FILTER_MODE")),
			FilterFile:           getString("MONITOR_FILTER_FILE"),
			FilterReloadInterval: viper.GetDuration("MONITOR_FILTER_RELOAD_INTERVAL"),
			MaxRequestBodySize:   viper.GetInt64("MONITOR_MAX_REQUEST_BODY_SIZE"),
			MaxResponseBodySize:  viper.GetInt64("MONITOR_MAX_RESPONSE_BODY_SIZE"),
			Sync:                 strings.ToLower(getString("MONITOR_SYNC")),
			Workers:              viper.GetInt("MONITOR_WORKERS"),
			QueueSize:            viper.GetInt("MONITOR_QUEUE_SIZE"),
			ShutdownTimeout:      viper.GetDuration("MONITOR_SHUTDOWN_TIMEOUT"),
			RetentionDays:        viper.GetInt("MONITOR_RETENTION_DAYS"),
		},
		Storage: StorageConfig{
			Type: strings.ToLower(getString("STORAGE_TYPE")),
			MongoDB: MongoDBStorageConfig{
				URL:        getString("MONGODB_URL"),
				Database:   getString("MONGODB_DATABASE"),
				Collection: getString("MONGODB_COLLECTION"),
				Bucket:     getString("MONGODB_BUCKET"),
			},
			SQLite: SQLiteStorageConfig{
				Path: getString("SQLITE_PATH"),
			},
			PostgreSQL: PostgreSQLStorageConfig{
				URL:      getString("POSTGRES_URL"),
				MaxConns: viper.GetInt("POSTGRES_MAX_CONNS"),
			},
		},
		Logging: LogConfig{
			Format: strings.ToLower(getString("LOG_FORMAT")),
			Level:  strings.ToLower(getString("LOG_LEVEL")),
		},
		Metrics: MetricsConfig{
			Enabled:  viper.GetBool("METRICS_ENABLED"),
			Endpoint: getString("METRICS_ENDPOINT"),
		},
	}

	if cfg.Server.InternalHost == "" {
		cfg.Server.InternalHost, _ = os.Hostname()
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Monitor.FilterMode {
	case FilterModeAdvanced, FilterModeInclude:
	default:
		errs = append(errs, fmt.Errorf("MONITOR_FILTER_MODE: unknown mode %q", c.Monitor.FilterMode))
	}
	switch c.Monitor.Sync {
	case SyncModeSync, SyncModeAsync:
	default:
		errs = append(errs, fmt.Errorf("MONITOR_SYNC: unknown mode %q", c.Monitor.Sync))
	}
	switch c.Storage.Type {
	case "mongodb", "sqlite", "postgresql", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_TYPE: unknown storage type %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgreSQL.URL == "" {
		errs = append(errs, errors.New("POSTGRES_URL is required for postgresql storage"))
	}
	if c.Monitor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("MONITOR_WORKERS must be positive, got %d", c.Monitor.Workers))
	}
	if c.Monitor.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("MONITOR_QUEUE_SIZE must be positive, got %d", c.Monitor.QueueSize))
	}
	if c.Monitor.FilterFile == "" {
		errs = append(errs, errors.New("MONITOR_FILTER_FILE is required"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func getString(key string) string {
	return expandString(viper.GetString(key))
}

// placeholder matches ${VAR} and ${VAR:-default}.
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves placeholders from the environment. An unset or
// empty variable falls back to its default; without a default the
// placeholder is left as written.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholder.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

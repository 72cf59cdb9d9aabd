// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "TABLEGATE_"

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Schema   SchemaConfig   `yaml:"schema"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Security SecurityConfig `yaml:"security"`
	Access   AccessConfig   `yaml:"access"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the database holding the user tables.
// With an empty driver the DSN is a URL: sqlite://, postgres:// or mysql://.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite3", "pgx", "postgres" or "mysql"
	DSN    string `yaml:"dsn"`
}

// SchemaConfig configures where schema documents live and how compiled
// schemas are cached.
type SchemaConfig struct {
	Dirs        []string          `yaml:"dirs"`  // searched in order
	Watch       bool              `yaml:"watch"` // invalidate cached schemas when files change
	Cache       SchemaCacheConfig `yaml:"cache"`
	UUIDVersion string            `yaml:"uuid_version"` // "v4" or "v7" for generated uuid fields
}

// SchemaCacheConfig configures the persistent cache tier behind the
// in-process cache.
type SchemaCacheConfig struct {
	Store string        `yaml:"store"` // "none", "memory" or "database"
	TTL   time.Duration `yaml:"ttl"`   // 0 keeps entries until invalidated
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default /metrics
}

// SecurityConfig configures password hashing.
type SecurityConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

// AccessConfig configures the static authorizer and how callers identify
// themselves.
type AccessConfig struct {
	// Grants maps a principal ID, or "role:<name>", to permission slugs.
	Grants          map[string][]string `yaml:"grants"`
	PrincipalHeader string              `yaml:"principal_header"`
	RolesHeader     string              `yaml:"roles_header"`
}

// Load reads configuration from a YAML file. ${VAR} references are
// expanded before parsing and TABLEGATE_* variables override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Relative schema dirs are relative to the config file.
	base := filepath.Dir(path)
	for i, dir := range cfg.Schema.Dirs {
		if dir != "" && !filepath.IsAbs(dir) {
			cfg.Schema.Dirs[i] = filepath.Join(base, dir)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	TABLEGATE_SERVER_HOST            server host (default: 0.0.0.0)
//	TABLEGATE_SERVER_PORT            server port (default: 8080)
//	TABLEGATE_SERVER_READ_TIMEOUT    e.g. 30s
//	TABLEGATE_SERVER_WRITE_TIMEOUT   e.g. 60s
//	TABLEGATE_DATABASE_DRIVER        sqlite3, pgx, postgres, mysql
//	TABLEGATE_DATABASE_DSN           driver DSN (default: tablegate.db)
//	TABLEGATE_DATABASE_URL           sqlite://, postgres:// or mysql:// URL
//	TABLEGATE_SCHEMA_DIRS            schema directories, comma separated
//	TABLEGATE_SCHEMA_WATCH           watch schema directories
//	TABLEGATE_SCHEMA_CACHE_STORE     none, memory, database
//	TABLEGATE_SCHEMA_CACHE_TTL       e.g. 10m
//	TABLEGATE_SCHEMA_UUID_VERSION    v4 or v7
//	TABLEGATE_LOG_LEVEL              debug, info, warn, error (default: info)
//	TABLEGATE_LOG_FORMAT             json or console (default: json)
//	TABLEGATE_METRICS_ENABLED        enable the metrics endpoint
//	TABLEGATE_METRICS_PATH           metrics path (default: /metrics)
//	TABLEGATE_BCRYPT_COST            bcrypt cost for password fields
//	TABLEGATE_PRINCIPAL_HEADER       header carrying the caller id
//	TABLEGATE_ROLES_HEADER           header carrying the caller roles
func LoadFromEnv() (*Config, error) {
	var cfg Config

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback loads .env files (default ".env"; missing ones are
// skipped), then the config file when it exists, else the environment.
// Variables already set in the process win over .env values.
func LoadWithFallback(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies TABLEGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) error {
	var problems []string
	env := func(key string) string { return os.Getenv(EnvPrefix + key) }
	duration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: not an integer: %q", EnvPrefix, key, v))
				return
			}
			*dst = n
		}
	}
	str := func(key string, dst *string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}

	// Server configuration
	str("SERVER_HOST", &cfg.Server.Host)
	integer("SERVER_PORT", &cfg.Server.Port)
	duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	// Database configuration
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	if v := env("DATABASE_URL"); v != "" {
		cfg.Database.Driver = ""
		cfg.Database.DSN = v
	}

	// Schema configuration
	if v := env("SCHEMA_DIRS"); v != "" {
		cfg.Schema.Dirs = splitList(v)
	}
	if v := env("SCHEMA_WATCH"); v != "" {
		cfg.Schema.Watch = parseBool(v)
	}
	str("SCHEMA_CACHE_STORE", &cfg.Schema.Cache.Store)
	duration("SCHEMA_CACHE_TTL", &cfg.Schema.Cache.TTL)
	str("SCHEMA_UUID_VERSION", &cfg.Schema.UUIDVersion)

	// Logging configuration
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	// Metrics configuration
	if v := env("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	str("METRICS_PATH", &cfg.Metrics.Path)

	// Security and access
	integer("BCRYPT_COST", &cfg.Security.BcryptCost)
	str("PRINCIPAL_HEADER", &cfg.Access.PrincipalHeader)
	str("ROLES_HEADER", &cfg.Access.RolesHeader)

	if len(problems) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Driver == "" && cfg.Database.DSN == "" {
		cfg.Database.Driver = "sqlite3"
		cfg.Database.DSN = "tablegate.db"
	}

	if len(cfg.Schema.Dirs) == 0 {
		cfg.Schema.Dirs = []string{"schemas"}
	}
	if cfg.Schema.Cache.Store == "" {
		cfg.Schema.Cache.Store = "memory"
	}
	if cfg.Schema.UUIDVersion == "" {
		cfg.Schema.UUIDVersion = "v4"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Security.BcryptCost == 0 {
		cfg.Security.BcryptCost = 10
	}
}

var (
	validDrivers = map[string]bool{
		"sqlite": true, "sqlite3": true, "pgx": true, "postgres": true,
		"postgresql": true, "mysql": true, "mariadb": true,
	}
	validURLPrefixes = []string{"sqlite://", "file:", "postgres://", "postgresql://", "mysql://"}
	validCacheStores = map[string]bool{"none": true, "memory": true, "database": true}
	validLogLevels   = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validLogFormats  = map[string]bool{"json": true, "console": true}
	validUUIDs       = map[string]bool{"v4": true, "v7": true}
)

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Database.Driver == "" {
		if !hasAnyPrefix(cfg.Database.DSN, validURLPrefixes) {
			return fmt.Errorf("database.dsn must be a sqlite://, postgres:// or mysql:// URL when database.driver is empty")
		}
	} else if !validDrivers[strings.ToLower(cfg.Database.Driver)] {
		return fmt.Errorf("database.driver must be one of sqlite3, pgx, postgres, mysql, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	for i, dir := range cfg.Schema.Dirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("schema.dirs[%d] is empty", i)
		}
	}
	if !validCacheStores[cfg.Schema.Cache.Store] {
		return fmt.Errorf("schema.cache.store must be none, memory or database, got %q", cfg.Schema.Cache.Store)
	}
	if cfg.Schema.Cache.TTL < 0 {
		return fmt.Errorf("schema.cache.ttl must not be negative")
	}
	if !validUUIDs[cfg.Schema.UUIDVersion] {
		return fmt.Errorf("schema.uuid_version must be v4 or v7, got %q", cfg.Schema.UUIDVersion)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", cfg.Metrics.Path)
	}

	if cfg.Security.BcryptCost < 4 || cfg.Security.BcryptCost > 31 {
		return fmt.Errorf("security.bcrypt_cost must be between 4 and 31, got %d", cfg.Security.BcryptCost)
	}

	subjects := make([]string, 0, len(cfg.Access.Grants))
	for subject := range cfg.Access.Grants {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	for _, subject := range subjects {
		if strings.TrimSpace(subject) == "" || subject == "role:" {
			return fmt.Errorf("access.grants has an empty subject")
		}
		for _, slug := range cfg.Access.Grants[subject] {
			if strings.TrimSpace(slug) == "" {
				return fmt.Errorf("access.grants[%s] has an empty permission", subject)
			}
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

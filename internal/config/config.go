package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"cbc-go/internal/backup"
)

const (
	DefaultRunTimeLimit      = time.Hour
	DefaultMaxCachePerRun    = "500MB"
	DefaultMaxTotalCacheSize = "10GB"
	DefaultLogLevel          = "info"
)

// Config represents the main configuration for cbc.
type Config struct {
	ClientID   string           `toml:"client_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // "debug", "info", "warn" or "error"
	Backup     BackupConfig     `toml:"backup"`
	Cache      CacheConfig      `toml:"cache"`
	Backend    BackendConfig    `toml:"backend"`
	Database   DatabaseConfig   `toml:"database"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BackupConfig selects what is backed up and for how long one invocation
// may run.
type BackupConfig struct {
	Directories         string `toml:"directories"`            // comma-separated source roots
	RunTimeLimitSeconds int    `toml:"run_time_limit_seconds"` // 0 means DefaultRunTimeLimit; negative halts after the first file
}

// CacheConfig configures the staging area. Sizes are human-readable
// ("500MB", "2GiB").
type CacheConfig struct {
	StagingDir        string `toml:"staging_dir"`
	MaxCachePerRun    string `toml:"max_cache_per_run"`
	MaxTotalCacheSize string `toml:"max_total_cache_size"`
	RetryAttempts     int    `toml:"retry_attempts,omitempty"`
	RetryDelayMS      int    `toml:"retry_delay_ms,omitempty"`
}

// BackendConfig represents configuration for the archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "filesystem", "s3" or "memory"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSBaseDir string `toml:"fs_base_dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// DatabaseConfig represents configuration for the run store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// FilesystemConfig holds scanner settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// NewConfig creates a Config for clientID with every path placed under
// baseDir and a filesystem backend at <baseDir>/archive.
func NewConfig(clientID, baseDir string) *Config {
	return &Config{
		ClientID: clientID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: DefaultLogLevel,
		Backup: BackupConfig{
			RunTimeLimitSeconds: int(DefaultRunTimeLimit / time.Second),
		},
		Cache: CacheConfig{
			StagingDir:        filepath.Join(baseDir, "staging"),
			MaxCachePerRun:    DefaultMaxCachePerRun,
			MaxTotalCacheSize: DefaultMaxTotalCacheSize,
		},
		Backend: BackendConfig{
			Type:      "filesystem",
			FSBaseDir: filepath.Join(baseDir, "archive"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// SourceDirectories splits Backup.Directories on commas, dropping blanks.
func (c *Config) SourceDirectories() []string {
	var dirs []string
	for _, d := range strings.Split(c.Backup.Directories, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// RunTimeLimit returns the per-invocation time limit.
func (c *Config) RunTimeLimit() time.Duration {
	if c.Backup.RunTimeLimitSeconds == 0 {
		return DefaultRunTimeLimit
	}
	return time.Duration(c.Backup.RunTimeLimitSeconds) * time.Second
}

// MaxCachePerRun returns the per-pass staging budget in bytes.
func (c *Config) MaxCachePerRun() (int64, error) {
	return parseSize("max_cache_per_run", c.Cache.MaxCachePerRun, DefaultMaxCachePerRun)
}

// MaxTotalCacheSize returns the global staging budget in bytes.
func (c *Config) MaxTotalCacheSize() (int64, error) {
	return parseSize("max_total_cache_size", c.Cache.MaxTotalCacheSize, DefaultMaxTotalCacheSize)
}

// RetryDelay returns the pause between transient I/O retries; zero means
// the staging default.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Cache.RetryDelayMS) * time.Millisecond
}

// Validate reports every missing or invalid required setting, joined, as
// a backup.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.ClientID == "" {
		add("client_id is not set")
	}
	if len(c.SourceDirectories()) == 0 {
		add("backup.directories is empty")
	}
	if c.Cache.StagingDir == "" {
		add("cache.staging_dir is not set")
	}
	if _, err := c.MaxCachePerRun(); err != nil {
		problems = append(problems, err)
	}
	if _, err := c.MaxTotalCacheSize(); err != nil {
		problems = append(problems, err)
	}
	if c.Cache.RetryAttempts < 0 || c.Cache.RetryDelayMS < 0 {
		add("cache retry settings must not be negative")
	}

	switch c.Backend.Type {
	case "filesystem":
		if c.Backend.FSBaseDir == "" {
			add("backend.fs_base_dir is not set")
		}
	case "s3":
		if c.Backend.S3Bucket == "" {
			add("backend.s3_bucket is not set")
		}
		if (c.Backend.S3AccessKeyID == "") != (c.Backend.S3SecretAccessKey == "") {
			add("backend.s3_access_key_id and s3_secret_access_key must be set together")
		}
	case "memory":
	default:
		add("unknown backend type %q", c.Backend.Type)
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			add("database.data_dir is not set")
		}
	case "memory":
	default:
		add("unknown database type %q", c.Database.Type)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", backup.ErrConfiguration, errors.Join(problems...))
}

func parseSize(key, value, def string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		value = def
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("cache.%s: %w", key, err)
	}
	return int64(n), nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes cfg to path, creating the parent directory. The file
// is private to the user since it may hold backend credentials.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. An existing file is left
// untouched and reported as an error.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"cbc-go/internal/config"
)

// Paths are the default locations of the config file and data directory.
type Paths struct {
	ConfigPath string
	BaseDir    string
}

// LogDir is the default log directory under BaseDir.
func (p Paths) LogDir() string {
	return filepath.Join(p.BaseDir, "log")
}

// DefaultPaths resolves the default locations, checking environment
// variables first:
//   - CBC_CONFIG_PATH: config file location (default: ~/.config/cbc.toml)
//   - CBC_HOME: base directory for cbc data (default: ~/.local/share/cbc)
func DefaultPaths() (Paths, error) {
	p := Paths{
		ConfigPath: os.Getenv("CBC_CONFIG_PATH"),
		BaseDir:    os.Getenv("CBC_HOME"),
	}
	if p.ConfigPath != "" && p.BaseDir != "" {
		return p, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if p.ConfigPath == "" {
		p.ConfigPath = filepath.Join(homeDir, ".config", "cbc.toml")
	}
	if p.BaseDir == "" {
		p.BaseDir = filepath.Join(homeDir, ".local", "share", "cbc")
	}
	return p, nil
}

// LoadConfig reads the config file at path. An unset base_dir falls back
// to the default, and an unset log_dir to <base_dir>/log.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, err
	}

	if cfg.BaseDir == "" {
		paths, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		cfg.BaseDir = paths.BaseDir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.BaseDir, "log")
	}
	return cfg, nil
}

package database

import (
	"fmt"
	"os"
	"path/filepath"

	"cbc-go/internal/backup"
	"cbc-go/internal/config"
)

// NewStoreFromConfig opens the run store selected by cfg.Type. A sqlite
// store lives at <data_dir>/<clientID>.db.
func NewStoreFromConfig(cfg config.DatabaseConfig, clientID string) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("%w: data_dir required for sqlite database", backup.ErrConfiguration)
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(StorePath(cfg, clientID))
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("%w: unknown database type: %s", backup.ErrConfiguration, cfg.Type)
	}
}

// StorePath returns where a sqlite store for clientID lives.
func StorePath(cfg config.DatabaseConfig, clientID string) string {
	return filepath.Join(cfg.DataDir, clientID+".db")
}

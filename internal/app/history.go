package app

import (
	"errors"
	"fmt"
	"os"

	"cbc-go/internal/backup"
	"cbc-go/internal/config"
	"cbc-go/internal/database"
	"cbc-go/internal/database/migrations"
	"cbc-go/internal/model"
)

// History reads recorded runs. It takes no process lock, never migrates
// and never contacts the backend, so it can be used while a backup is in
// progress.
type History struct {
	clientID string
	store    *database.SQLiteStore
}

// OpenHistory opens the run store for reading. A store that does not exist
// yet, or has never been migrated, has an empty history.
func OpenHistory(cfg *config.Config) (*History, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id is not set", backup.ErrConfiguration)
	}
	h := &History{clientID: cfg.ClientID}

	if cfg.Database.Type == "sqlite" {
		if _, err := os.Stat(database.StorePath(cfg.Database, cfg.ClientID)); errors.Is(err, os.ErrNotExist) {
			return h, nil
		}
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		if errors.Is(err, migrations.ErrNeedsMigration) {
			return h, nil
		}
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	h.store = store
	return h, nil
}

// ListRuns returns the most recent runs, newest first.
func (h *History) ListRuns(limit int) ([]*model.BackupRun, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.ListBackupRuns(h.clientID, limit)
}

// Close releases the store.
func (h *History) Close() error {
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}

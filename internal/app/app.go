package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"cbc-go/internal/archive"
	"cbc-go/internal/backup"
	"cbc-go/internal/config"
	"cbc-go/internal/database"
	"cbc-go/internal/fs"
	"cbc-go/internal/model"
	"cbc-go/internal/staging"
)

// LockFileName is the process lock created under the base directory.
const LockFileName = "cbc.lock"

// ErrAlreadyRunning is returned when another invocation holds the process
// lock.
var ErrAlreadyRunning = errors.New("another cbc instance is already running")

// App is the application layer between the CLI and the orchestrator. It
// builds every component from config, holds the process lock and owns the
// log file. The caller must call Close when done.
type App struct {
	cfg          *config.Config
	store        *database.SQLiteStore
	orchestrator *backup.Orchestrator
	logger       backup.Logger
	lock         *flock.Flock
	logFile      *os.File
}

// New validates cfg, takes the process lock and wires the pipeline. The
// store is migrated to the latest schema, and the backend is validated
// before any run is touched. Startup failures are written to the log file
// whenever the logger itself could be created.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			if a.logger != nil {
				a.logger.Error("startup failed", "error", err)
			}
			a.Close()
		}
	}()

	invocationID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, logErr := newLogger(cfg.LogDir, invocationID, cfg.LogLevel)
	if logErr == nil {
		a.logFile = logFile
		a.logger = &slogAdapter{l: logger}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logErr != nil {
		return nil, fmt.Errorf("creating logger: %w", logErr)
	}

	if err := a.acquireLock(); err != nil {
		return nil, err
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	a.store = store

	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	perRun, err := cfg.MaxCachePerRun()
	if err != nil {
		return nil, err
	}
	total, err := cfg.MaxTotalCacheSize()
	if err != nil {
		return nil, err
	}
	cache, err := staging.NewLocalCache(staging.Settings{
		Dir:               cfg.Cache.StagingDir,
		MaxCachePerRun:    perRun,
		MaxTotalCacheSize: total,
		RetryAttempts:     cfg.Cache.RetryAttempts,
		RetryDelay:        cfg.RetryDelay(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating staging cache: %w", err)
	}

	backend, err := archive.NewArchiveFromConfig(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("creating archive backend: %w", err)
	}
	if err := backend.ValidateSetup(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", backup.ErrConfiguration, err)
	}

	a.orchestrator = backup.NewOrchestrator(
		backup.Settings{
			ClientID:          cfg.ClientID,
			SourceDirectories: cfg.SourceDirectories(),
			RunTimeLimit:      cfg.RunTimeLimit(),
		},
		store,
		fs.NewScanner(cfg.Filesystem.Ignore, a.logger),
		cache,
		backend,
		a.logger,
		backup.RealClock{},
	)

	a.logger.Debug("application ready", "client_id", cfg.ClientID, "backend", cfg.Backend.Type, "database", store.Path())
	return a, nil
}

func (a *App) acquireLock() error {
	if err := os.MkdirAll(a.cfg.BaseDir, 0755); err != nil {
		return fmt.Errorf("creating base directory: %w", err)
	}

	lock := flock.New(filepath.Join(a.cfg.BaseDir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	a.lock = lock
	return nil
}

// Run performs one backup invocation. The store is closed when it
// returns, so an App runs at most once.
func (a *App) Run(ctx context.Context) (*model.BackupRun, error) {
	run, err := a.orchestrator.Run(ctx)
	if err != nil {
		a.logger.Error("backup invocation failed", "error", err)
	}
	return run, err
}

// Logger returns the application logger.
func (a *App) Logger() backup.Logger {
	return a.logger
}

// Close releases the store, the process lock and the log file.
func (a *App) Close() error {
	var firstErr error

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}

	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("releasing lock: %w", err)
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

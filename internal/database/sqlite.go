package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"cbc-go/internal/backup"
	"cbc-go/internal/database/migrations"
	"cbc-go/internal/model"
)

const runColumns = `id, client_id, started_at, ended_at, completed, failed, error_message`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements backup.Store on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the store at path, which may be ":memory:". The
// schema is not migrated; call Migrate or CheckMigrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing connection. The caller is
// responsible for having configured it with OpenConnection.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite connection.
//
// The pool is limited to one connection: every connection to ":memory:" is
// a separate database, and SQLite serializes writers anyway.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// SQLite leaves foreign keys off unless asked.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Backup runs

func (s *SQLiteStore) CreateBackupRun(run *model.BackupRun) error {
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO backup_runs (client_id, started_at, ended_at, completed, failed, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ClientID, run.Start.UTC(), nullTime(run), run.Completed, run.Failed, run.ErrorMessage)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client %s already has an open backup run", backup.ErrInvariantViolation, run.ClientID)
		}
		return fmt.Errorf("creating backup run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading backup run id: %w", err)
	}
	run.ID = id
	return nil
}

func (s *SQLiteStore) GetBackupRun(id int64) (*model.BackupRun, error) {
	ctx := context.Background()

	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backup_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("getting backup run %d: %w", id, err)
	}

	if err := s.hydrate(ctx, run, true); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) FindOpenBackupRuns(clientID string) ([]*model.BackupRun, error) {
	ctx := context.Background()

	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM backup_runs WHERE client_id = ? AND completed = 0 ORDER BY id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("finding open backup runs: %w", err)
	}

	for _, run := range runs {
		if err := s.hydrate(ctx, run, true); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) ListBackupRuns(clientID string, limit int) ([]*model.BackupRun, error) {
	ctx := context.Background()

	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM backup_runs WHERE client_id = ? ORDER BY id DESC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing backup runs: %w", err)
	}

	for _, run := range runs {
		if err := s.hydrate(ctx, run, false); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// UpdateBackupRun saves the run and all of its file refs in one
// transaction.
func (s *SQLiteStore) UpdateBackupRun(run *model.BackupRun) (err error) {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE backup_runs SET ended_at = ?, completed = ?, failed = ?, error_message = ? WHERE id = ?`,
		nullTime(run), run.Completed, run.Failed, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("updating backup run %d: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating backup run %d: no such run", run.ID)
	}

	// IDs handed out inside the transaction are void if it rolls back.
	var inserted []*model.BackupRunFileRef
	defer func() {
		if err != nil {
			for _, ref := range inserted {
				ref.ID = 0
			}
		}
	}()

	for _, ref := range run.FileRefs {
		if ref.ID == 0 {
			ref.BackupRunID = run.ID
			if err := insertFileRef(ctx, tx, ref); err != nil {
				return err
			}
			inserted = append(inserted, ref)
			continue
		}
		if err := updateFileRef(ctx, tx, ref); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// File and directory refs

func (s *SQLiteStore) UpdateBackupFileRef(ref *model.BackupRunFileRef) error {
	if ref.ID == 0 {
		return fmt.Errorf("updating file ref %s: not saved yet", ref.Path)
	}
	return updateFileRef(context.Background(), s.db, ref)
}

func (s *SQLiteStore) UpdateBackupDirectoryRef(dir *model.BackupDirectoryRef) error {
	ctx := context.Background()

	if dir.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO backup_directory_refs (backup_run_id, path) VALUES (?, ?)`, dir.BackupRunID, dir.Path)
		if err != nil {
			return fmt.Errorf("inserting directory ref %s: %w", dir.Path, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading directory ref id: %w", err)
		}
		dir.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_directory_refs SET backup_run_id = ?, path = ? WHERE id = ?`, dir.BackupRunID, dir.Path, dir.ID)
	if err != nil {
		return fmt.Errorf("updating directory ref %s: %w", dir.Path, err)
	}
	return nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// Migrate brings the schema up to date.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*model.BackupRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.BackupRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// hydrate loads run's directory refs and, if withFiles, its file refs in
// discovery order.
func (s *SQLiteStore) hydrate(ctx context.Context, run *model.BackupRun, withFiles bool) error {
	dirRows, err := s.db.QueryContext(ctx,
		`SELECT id, backup_run_id, path FROM backup_directory_refs WHERE backup_run_id = ? ORDER BY id`, run.ID)
	if err != nil {
		return fmt.Errorf("loading directory refs of run %d: %w", run.ID, err)
	}
	defer dirRows.Close()

	for dirRows.Next() {
		dir := &model.BackupDirectoryRef{}
		if err := dirRows.Scan(&dir.ID, &dir.BackupRunID, &dir.Path); err != nil {
			return fmt.Errorf("scanning directory ref: %w", err)
		}
		run.Directories = append(run.Directories, dir)
	}
	if err := dirRows.Err(); err != nil {
		return fmt.Errorf("loading directory refs of run %d: %w", run.ID, err)
	}
	dirRows.Close()

	if !withFiles {
		return nil
	}

	fileRows, err := s.db.QueryContext(ctx,
		`SELECT id, backup_run_id, path, is_dir, copied_to_cache, copied_to_archive
		 FROM backup_run_file_refs WHERE backup_run_id = ? ORDER BY id`, run.ID)
	if err != nil {
		return fmt.Errorf("loading file refs of run %d: %w", run.ID, err)
	}
	defer fileRows.Close()

	for fileRows.Next() {
		ref := &model.BackupRunFileRef{}
		if err := fileRows.Scan(&ref.ID, &ref.BackupRunID, &ref.Path, &ref.IsDir, &ref.CopiedToCache, &ref.CopiedToArchive); err != nil {
			return fmt.Errorf("scanning file ref: %w", err)
		}
		run.FileRefs = append(run.FileRefs, ref)
	}
	if err := fileRows.Err(); err != nil {
		return fmt.Errorf("loading file refs of run %d: %w", run.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.BackupRun, error) {
	run := &model.BackupRun{}
	var ended sql.NullTime
	if err := row.Scan(&run.ID, &run.ClientID, &run.Start, &ended, &run.Completed, &run.Failed, &run.ErrorMessage); err != nil {
		return nil, err
	}
	if ended.Valid {
		end := ended.Time
		run.End = &end
	}
	return run, nil
}

func insertFileRef(ctx context.Context, q queryer, ref *model.BackupRunFileRef) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO backup_run_file_refs (backup_run_id, path, path_key, is_dir, copied_to_cache, copied_to_archive)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ref.BackupRunID, ref.Path, model.NormalizePath(ref.Path), ref.IsDir, ref.CopiedToCache, ref.CopiedToArchive)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate file ref %s in run %d", backup.ErrInvariantViolation, ref.Path, ref.BackupRunID)
		}
		return fmt.Errorf("inserting file ref %s: %w", ref.Path, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading file ref id: %w", err)
	}
	ref.ID = id
	return nil
}

func updateFileRef(ctx context.Context, q queryer, ref *model.BackupRunFileRef) error {
	_, err := q.ExecContext(ctx,
		`UPDATE backup_run_file_refs SET is_dir = ?, copied_to_cache = ?, copied_to_archive = ? WHERE id = ?`,
		ref.IsDir, ref.CopiedToCache, ref.CopiedToArchive, ref.ID)
	if err != nil {
		return fmt.Errorf("updating file ref %s: %w", ref.Path, err)
	}
	return nil
}

func nullTime(run *model.BackupRun) sql.NullTime {
	if run.End == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: run.End.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Compile-time check that SQLiteStore implements backup.Store interface
var _ backup.Store = (*SQLiteStore)(nil)

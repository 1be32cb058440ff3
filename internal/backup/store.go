package backup

import "cbc-go/internal/model"

// Store is the durable record of backup runs, their directory roots and
// their file refs. Every method is a discrete, immediately durable write or
// read; callers never rely on atomicity across calls.
type Store interface {
	// CreateBackupRun inserts run and assigns run.ID. Directory and file
	// refs are not written; use UpdateBackupDirectoryRef and UpdateBackupRun.
	CreateBackupRun(run *model.BackupRun) error

	// GetBackupRun returns the run with the given id with its directory and
	// file refs hydrated, or nil if it does not exist.
	GetBackupRun(id int64) (*model.BackupRun, error)

	// FindOpenBackupRuns returns every run for clientID with Completed ==
	// false, hydrated.
	FindOpenBackupRuns(clientID string) ([]*model.BackupRun, error)

	// ListBackupRuns returns the most recent runs for clientID, newest
	// first, without file refs.
	ListBackupRuns(clientID string, limit int) ([]*model.BackupRun, error)

	// UpdateBackupRun saves the run's scalar fields, inserts file refs that
	// have no ID yet (assigning their IDs) and saves the flags of the rest.
	UpdateBackupRun(run *model.BackupRun) error

	// UpdateBackupFileRef saves a single file ref's flags.
	UpdateBackupFileRef(ref *model.BackupRunFileRef) error

	// UpdateBackupDirectoryRef inserts the directory ref if it has no ID yet,
	// otherwise saves it.
	UpdateBackupDirectoryRef(dir *model.BackupDirectoryRef) error

	// Close releases the store handle.
	Close() error
}

package backup

import (
	"io"

	"cbc-go/internal/model"
)

// StageResult summarizes one staging pass.
type StageResult struct {
	Staged   int // refs newly marked CopiedToCache
	Deferred int // refs left for a later pass because a size budget ran out
	Vanished int // refs whose source no longer exists
}

// StagingCache copies discovered entries into a local working area before
// they are archived.
type StagingCache interface {
	// InitializeBackupRun stages every eligible ref of run that is not yet
	// cached, within the configured size budgets, and marks each staged
	// ref CopiedToCache. Running out of budget is not an error.
	InitializeBackupRun(run *model.BackupRun) (StageResult, error)

	// GetCacheStreamForItem opens the staged copy of ref for reading.
	// The caller must close it.
	GetCacheStreamForItem(ref *model.BackupRunFileRef, run *model.BackupRun) (io.ReadCloser, error)

	// CompleteFileArchive deletes the staged copy of ref after it has been
	// archived.
	CompleteFileArchive(ref *model.BackupRunFileRef, run *model.BackupRun) error

	// CompleteBackupRun removes whatever is left of the run's staging area.
	CompleteBackupRun(run *model.BackupRun) error
}

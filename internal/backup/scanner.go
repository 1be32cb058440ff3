package backup

import "cbc-go/internal/model"

// Scanner discovers filesystem entries under a run's directory roots.
type Scanner interface {
	// PopulateFilesForBackupRun appends one file ref per entry found under
	// run.Directories that the run does not already track. Repeated calls
	// against the same run are idempotent.
	PopulateFilesForBackupRun(run *model.BackupRun) error
}

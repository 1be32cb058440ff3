package backup

import (
	"context"
	"io"

	"cbc-go/internal/model"
)

// ArchiveBackend durably stores staged content on its target medium.
//
// The target for a ref is a pure function of the backend's base location,
// the run ID and the ref's relative path, so repeating a write with the
// same inputs is idempotent. An existing target is replaced, never merged
// or appended to. Parent locations are created on demand.
type ArchiveBackend interface {
	// ArchiveFile writes content to the target for ref. content is fully
	// consumed before success is returned. A nil content is a no-op success
	// used for directory placeholders.
	ArchiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef, content io.Reader) (bool, error)

	// Target returns the resolved target location for ref within run.
	Target(run *model.BackupRun, ref *model.BackupRunFileRef) string

	// ValidateSetup verifies that the backend is reachable and configured.
	ValidateSetup(ctx context.Context) error
}

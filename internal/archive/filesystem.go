package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"cbc-go/internal/backup"
	"cbc-go/internal/model"
)

// FileSystemArchive stores archived files under a base directory, one
// subdirectory per backup run:
//
//	<root>/
//	  <run id>/
//	    <source path without volume or leading separator>
type FileSystemArchive struct {
	root string
}

// NewFileSystemArchive creates the base directory if needed and returns an
// archive rooted there.
func NewFileSystemArchive(root string) (*FileSystemArchive, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: filesystem archive requires fs_base_dir to be set", backup.ErrConfiguration)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemArchive{root: root}, nil
}

// Target returns the archive path for ref.
func (a *FileSystemArchive) Target(run *model.BackupRun, ref *model.BackupRunFileRef) string {
	return filepath.Join(a.root, strconv.FormatInt(run.ID, 10), model.RelativePath(ref.Path))
}

// ArchiveFile writes content to the target atomically (temp file + rename),
// replacing any previous copy.
func (a *FileSystemArchive) ArchiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef, content io.Reader) (bool, error) {
	if content == nil {
		return true, nil
	}

	dest := a.Target(run, ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, fmt.Errorf("failed to create target directory: %w", err)
	}
	if err := writeFile(dest, content); err != nil {
		return false, err
	}
	return true, nil
}

// ValidateSetup verifies that the base directory exists and is writable.
func (a *FileSystemArchive) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	tmp, err := os.CreateTemp(a.root, ".writable-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}

// writeFile copies r to destPath through a temp file in the same directory,
// so a reader never sees a partial target.
func writeFile(destPath string, r io.Reader) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemArchive implements backup.ArchiveBackend interface
var _ backup.ArchiveBackend = (*FileSystemArchive)(nil)

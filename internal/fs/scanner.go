package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cbc-go/internal/backup"
	"cbc-go/internal/model"
)

// entry is one discovered filesystem entry.
type entry struct {
	path  string
	isDir bool
}

// Scanner walks a run's source roots and records every entry as a file ref.
type Scanner struct {
	ignore []string
	logger backup.Logger
}

// NewScanner creates a Scanner that skips entries matching the given ignore
// patterns (in addition to each root's IgnoreFileName).
func NewScanner(ignore []string, logger backup.Logger) *Scanner {
	return &Scanner{
		ignore: ignore,
		logger: logger,
	}
}

// PopulateFilesForBackupRun scans every directory root of run and appends a
// file ref for each entry the run does not already track, compared
// case-insensitively. Traversal is depth-first: a directory, then its
// files, then each subdirectory in name order.
func (s *Scanner) PopulateFilesForBackupRun(run *model.BackupRun) error {
	var found []entry

	for _, dir := range run.Directories {
		root := strings.TrimSpace(dir.Path)
		if root == "" {
			return fmt.Errorf("%w: empty source directory in backup run %d", backup.ErrConfiguration, run.ID)
		}

		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: source directory %s does not exist", backup.ErrMissingSource, root)
		}
		if err != nil {
			return fmt.Errorf("stat source directory %s: %w", root, err)
		}

		rules, err := LoadIgnoreRules(root, s.ignore)
		if err != nil {
			return fmt.Errorf("loading ignore rules for %s: %w", root, err)
		}

		if err := s.walk(root, root, info.IsDir(), rules, &found); err != nil {
			return err
		}
	}

	added := 0
	for _, e := range found {
		if run.AddFileRef(e.path, e.isDir) {
			added++
			s.logger.Debug("file ref added", "path", e.path, "run_id", run.ID)
		}
	}

	s.logger.Info("directory scan complete", "run_id", run.ID, "found", len(found), "added", added)
	return nil
}

// walk appends path and, for directories, its regular files followed by the
// recursive contents of each subdirectory.
func (s *Scanner) walk(root, path string, isDir bool, rules *IgnoreRules, out *[]entry) error {
	*out = append(*out, entry{path: path, isDir: isDir})
	if !isDir {
		return nil
	}

	children, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", path, err)
	}

	var subdirs []string
	for _, child := range children {
		full := filepath.Join(path, child.Name())
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return fmt.Errorf("calculating relative path: %w", err)
		}
		if rules.Match(rel) {
			continue
		}

		switch {
		case child.IsDir():
			subdirs = append(subdirs, full)
		case child.Type().IsRegular():
			*out = append(*out, entry{path: full})
		default:
			s.logger.Debug("skipping special file", "path", full, "mode", child.Type().String())
		}
	}

	for _, sub := range subdirs {
		if err := s.walk(root, sub, true, rules, out); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time check that Scanner implements backup.Scanner interface
var _ backup.Scanner = (*Scanner)(nil)

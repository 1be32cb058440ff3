package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"cbc-go/internal/backup"
	"cbc-go/internal/model"
)

const (
	// DefaultRetryAttempts is how many times a transient copy or open
	// failure is attempted before it is reported.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 500 * time.Millisecond
)

// Settings configures a LocalCache.
type Settings struct {
	Dir               string
	MaxCachePerRun    int64
	MaxTotalCacheSize int64
	RetryAttempts     int
	RetryDelay        time.Duration
}

// LocalCache stages source files under a local directory before archival.
//
// Directory structure:
//
//	<dir>/
//	  BackupRun-<id>/
//	    <source path without volume or leading separator>
//
// Directory refs become empty placeholder directories; they carry no
// content and are never archived.
type LocalCache struct {
	settings Settings
	logger   backup.Logger
	clock    clock.Clock
}

// NewLocalCache creates the staging directory if needed and returns a cache
// rooted there. Zero retry settings fall back to the defaults.
func NewLocalCache(settings Settings, logger backup.Logger) (*LocalCache, error) {
	if settings.Dir == "" {
		return nil, fmt.Errorf("%w: staging directory is not set", backup.ErrConfiguration)
	}
	if settings.RetryAttempts <= 0 {
		settings.RetryAttempts = DefaultRetryAttempts
	}
	if settings.RetryDelay <= 0 {
		settings.RetryDelay = DefaultRetryDelay
	}

	if err := os.MkdirAll(settings.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &LocalCache{
		settings: settings,
		logger:   logger,
		clock:    clock.WallClock,
	}, nil
}

// RunDir returns the staging directory for run.
func (c *LocalCache) RunDir(run *model.BackupRun) string {
	return filepath.Join(c.settings.Dir, fmt.Sprintf("BackupRun-%d", run.ID))
}

// CachePath returns where the staged copy of ref lives.
func (c *LocalCache) CachePath(ref *model.BackupRunFileRef, run *model.BackupRun) string {
	return filepath.Join(c.RunDir(run), model.RelativePath(ref.Path))
}

// InitializeBackupRun stages every uncached ref of run in list order.
//
// The global budget is checked once against everything currently under the
// staging directory: at or above it, nothing is staged. The per-run budget
// counts bytes staged in this pass; the first file of a pass is always
// staged so an oversized file still makes progress, and the first file that
// would push the pass over the budget ends it.
func (c *LocalCache) InitializeBackupRun(run *model.BackupRun) (backup.StageResult, error) {
	var result backup.StageResult

	total, err := dirSize(c.settings.Dir)
	if err != nil {
		return result, fmt.Errorf("measuring staging area: %w", err)
	}
	if total >= c.settings.MaxTotalCacheSize {
		result.Deferred = countUncached(run)
		c.logger.Info("staging area full", "run_id", run.ID,
			"size", humanize.Bytes(uint64(total)), "limit", humanize.Bytes(uint64(max(c.settings.MaxTotalCacheSize, 0))))
		return result, nil
	}

	var passBytes int64
	exhausted := false

	for _, ref := range run.FileRefs {
		if ref.CopiedToCache {
			continue
		}
		if exhausted {
			result.Deferred++
			continue
		}

		info, err := os.Lstat(ref.Path)
		if errors.Is(err, fs.ErrNotExist) {
			result.Vanished++
			c.logger.Warn("source vanished before staging", "path", ref.Path, "run_id", run.ID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("stat %s: %w", ref.Path, err)
		}

		if ref.IsDir != info.IsDir() {
			c.logger.Warn("entry changed kind since scan", "path", ref.Path, "was_dir", ref.IsDir, "is_dir", info.IsDir())
			ref.IsDir = info.IsDir()
		}

		target := c.CachePath(ref, run)

		if ref.IsDir {
			if err := os.MkdirAll(target, 0755); err != nil {
				return result, fmt.Errorf("creating staged directory %s: %w", target, err)
			}
			ref.CopiedToCache = true
			result.Staged++
			continue
		}

		size := info.Size()
		if passBytes > 0 && passBytes+size > c.settings.MaxCachePerRun {
			exhausted = true
			result.Deferred++
			c.logger.Info("per-run staging budget reached", "run_id", run.ID,
				"staged", humanize.Bytes(uint64(passBytes)), "next", humanize.Bytes(uint64(size)))
			continue
		}

		if err := c.stageFile(ref.Path, target, info.Mode().Perm()); err != nil {
			return result, err
		}
		passBytes += size
		ref.CopiedToCache = true
		result.Staged++
		c.logger.Debug("file staged", "path", ref.Path, "size", humanize.Bytes(uint64(size)))
	}

	return result, nil
}

// GetCacheStreamForItem opens the staged copy of ref, retrying transient
// failures.
func (c *LocalCache) GetCacheStreamForItem(ref *model.BackupRunFileRef, run *model.BackupRun) (io.ReadCloser, error) {
	path := c.CachePath(ref, run)

	var f *os.File
	err := c.withRetry("open", path, func() error {
		var err error
		f, err = os.Open(path)
		return err
	})
	if err != nil {
		c.logger.Warn("opening staged copy failed", "path", path, "error", err)
		return nil, err
	}
	return f, nil
}

// CompleteFileArchive deletes the staged copy of ref, making it writable
// first if needed. A copy that is already gone is not an error.
func (c *LocalCache) CompleteFileArchive(ref *model.BackupRunFileRef, run *model.BackupRun) error {
	path := c.CachePath(ref, run)

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat staged copy %s: %w", path, err)
	}

	if perm := info.Mode().Perm(); perm&0200 == 0 {
		if err := os.Chmod(path, perm|0200); err != nil {
			return fmt.Errorf("clearing read-only on %s: %w", path, err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing staged copy %s: %w", path, err)
	}
	return nil
}

// CompleteBackupRun removes the run's staging directory.
func (c *LocalCache) CompleteBackupRun(run *model.BackupRun) error {
	if err := os.RemoveAll(c.RunDir(run)); err != nil {
		return fmt.Errorf("removing staging directory for run %d: %w", run.ID, err)
	}
	return nil
}

// stageFile copies src to target, replacing any stale copy left by an
// earlier interrupted pass.
func (c *LocalCache) stageFile(src, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating staging directory for %s: %w", target, err)
	}

	if _, err := os.Lstat(target); err == nil {
		c.logger.Debug("replacing stale staged copy", "path", target)
	}

	return c.withRetry("copy", src, func() error {
		return copyFile(src, target, perm)
	})
}

// withRetry calls fn until it succeeds, fails with a non-transient error, or
// runs out of attempts. Exhausted retries are reported as ErrTransientIO.
func (c *LocalCache) withRetry(op, path string, fn func() error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			c.logger.Warn("transient I/O failure", "op", op, "path", path, "attempt", attempt, "error", err)
		},
		Attempts: c.settings.RetryAttempts,
		Delay:    c.settings.RetryDelay,
		Clock:    c.clock,
	})
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("%w: %s %s failed after %d attempts: %w",
			backup.ErrTransientIO, op, path, c.settings.RetryAttempts, lastErr)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return nil
}

// copyFile writes a fresh copy of src at dst with the given permissions.
// A partially written dst is removed.
func copyFile(src, dst string, perm fs.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm|0200)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// dirSize sums the sizes of the regular files under dir. A missing dir is
// empty.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func countUncached(run *model.BackupRun) int {
	n := 0
	for _, ref := range run.FileRefs {
		if !ref.CopiedToCache {
			n++
		}
	}
	return n
}

// Compile-time check that LocalCache implements backup.StagingCache interface
var _ backup.StagingCache = (*LocalCache)(nil)

package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"cbc-go/internal/model"
)

// Settings is the configuration the orchestrator needs.
type Settings struct {
	ClientID          string
	SourceDirectories []string
	RunTimeLimit      time.Duration
}

// Orchestrator drives backup runs through the scan -> stage -> archive
// pipeline. It is the only writer of the in-memory run during a pass.
type Orchestrator struct {
	settings Settings
	store    Store
	scanner  Scanner
	cache    StagingCache
	backend  ArchiveBackend
	logger   Logger
	clock    Clock
}

// NewOrchestrator creates an Orchestrator with the provided dependencies.
func NewOrchestrator(settings Settings, store Store, scanner Scanner, cache StagingCache, backend ArchiveBackend, logger Logger, clock Clock) *Orchestrator {
	return &Orchestrator{
		settings: settings,
		store:    store,
		scanner:  scanner,
		cache:    cache,
		backend:  backend,
		logger:   logger,
		clock:    clock,
	}
}

// Run performs one invocation: it selects or creates the open run and
// archives it until completion or the time limit. The store is closed on
// every exit path.
func (o *Orchestrator) Run(ctx context.Context) (run *model.BackupRun, err error) {
	defer func() {
		if cerr := o.store.Close(); cerr != nil {
			o.logger.Error("closing store", "error", cerr)
			if err == nil {
				err = fmt.Errorf("closing store: %w", cerr)
			}
		}
	}()

	run, err = o.GetNextBackupRun()
	if err != nil {
		return nil, err
	}

	if err := o.ArchiveBackupRun(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// GetNextBackupRun returns the client's single open run, creating and
// persisting a new one when none exists. More than one open run is an
// ErrInvariantViolation. An open run left failed by an earlier invocation
// is closed with its failure kept, and a new run is started in its place.
func (o *Orchestrator) GetNextBackupRun() (*model.BackupRun, error) {
	open, err := o.store.FindOpenBackupRuns(o.settings.ClientID)
	if err != nil {
		return nil, fmt.Errorf("finding open backup runs: %w", err)
	}

	switch len(open) {
	case 0:
		return o.createBackupRun()
	case 1:
		run := open[0]
		if run.Failed {
			if err := o.closeFailedRun(run); err != nil {
				return nil, err
			}
			return o.createBackupRun()
		}
		o.logger.Info("resuming backup run", "run_id", run.ID, "files", len(run.FileRefs))
		return run, nil
	default:
		return nil, fmt.Errorf("%w: more than one open backup run (client %s has %d)",
			ErrInvariantViolation, o.settings.ClientID, len(open))
	}
}

// createBackupRun persists a new run to obtain its ID, then persists each
// directory ref against that ID.
func (o *Orchestrator) createBackupRun() (*model.BackupRun, error) {
	if len(o.settings.SourceDirectories) == 0 {
		return nil, fmt.Errorf("%w: no source directories configured", ErrConfiguration)
	}

	run := model.NewBackupRun(o.settings.ClientID, o.settings.SourceDirectories, o.clock.Now())
	if err := o.store.CreateBackupRun(run); err != nil {
		return nil, fmt.Errorf("creating backup run: %w", err)
	}

	for _, dir := range run.Directories {
		dir.BackupRunID = run.ID
		if err := o.store.UpdateBackupDirectoryRef(dir); err != nil {
			return nil, fmt.Errorf("saving directory ref %s: %w", dir.Path, err)
		}
	}

	o.logger.Info("created backup run", "run_id", run.ID, "directories", len(run.Directories))
	return run, nil
}

// ArchiveBackupRun runs scan/stage/archive passes over run until it is
// complete, the time limit passes, or a pass makes no progress.
//
// The deadline is fixed on entry and re-checked after every file, so a pass
// overshoots it by at most one transfer. Any error marks the run failed
// before it is returned. A run that is already failed archives nothing and
// is closed with its failure kept.
func (o *Orchestrator) ArchiveBackupRun(ctx context.Context, run *model.BackupRun) (err error) {
	if run.Completed {
		return nil
	}
	if run.Failed {
		return o.closeFailedRun(run)
	}

	deadline := o.clock.Now().Add(o.settings.RunTimeLimit)

	defer func() {
		if err != nil {
			o.recordFailure(run, err)
		}
	}()

	for {
		pass, err := o.archivePass(ctx, run, deadline)
		if err != nil {
			return err
		}

		if pass.halted {
			o.logger.Info("halting backup run", "run_id", run.ID, "archived", pass.archived, "reason", haltReason(ctx))
			return nil
		}
		if pass.archived > 0 || pass.requeued > 0 {
			continue
		}
		if pass.staged.Deferred > 0 {
			o.logger.Info("staging budget exhausted, leaving run open", "run_id", run.ID, "deferred", pass.staged.Deferred)
			return nil
		}

		return o.completeBackupRun(run)
	}
}

// passResult summarizes one scan/stage/archive pass.
type passResult struct {
	archived int         // files written to the backend
	requeued int         // files whose staged copy was gone and must be staged again
	staged   StageResult // outcome of the staging step
	halted   bool        // the deadline or ctx stopped the pass early
}

// archivePass extends and stages the run's file list, then archives every
// staged file until the deadline passes.
func (o *Orchestrator) archivePass(ctx context.Context, run *model.BackupRun, deadline time.Time) (passResult, error) {
	var pass passResult

	if err := o.scanner.PopulateFilesForBackupRun(run); err != nil {
		return pass, fmt.Errorf("scanning source directories: %w", err)
	}

	staged, err := o.cache.InitializeBackupRun(run)
	pass.staged = staged
	if err != nil {
		return pass, fmt.Errorf("staging files: %w", err)
	}

	if err := o.store.UpdateBackupRun(run); err != nil {
		return pass, fmt.Errorf("saving backup run %d: %w", run.ID, err)
	}

	o.logger.Debug("staging pass finished", "run_id", run.ID,
		"staged", staged.Staged, "deferred", staged.Deferred, "vanished", staged.Vanished)

	for _, ref := range run.PendingArchive() {
		archived, err := o.archiveFile(ctx, run, ref)
		if err != nil {
			return pass, err
		}
		if archived {
			pass.archived++
		} else {
			pass.requeued++
		}

		if o.deadlinePassed(ctx, deadline) {
			pass.halted = true
			return pass, nil
		}
	}

	return pass, nil
}

// archiveFile sends one staged file to the backend, records it as archived
// and releases its staged copy. If the staged copy no longer exists the ref
// is marked uncached instead, so the next pass stages it again, and
// archived is false.
func (o *Orchestrator) archiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef) (archived bool, err error) {
	content, err := o.cache.GetCacheStreamForItem(ref, run)
	if errors.Is(err, fs.ErrNotExist) {
		o.logger.Warn("staged copy missing, staging again", "path", ref.Path, "run_id", run.ID)
		ref.CopiedToCache = false
		if err := o.store.UpdateBackupFileRef(ref); err != nil {
			return false, fmt.Errorf("saving file ref %s: %w", ref.Path, err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening staged copy of %s: %w", ref.Path, err)
	}
	defer content.Close()

	// An in-flight transfer finishes on its own terms; cancellation is only
	// observed between files.
	ok, err := o.backend.ArchiveFile(context.WithoutCancel(ctx), run, ref, content)
	if err != nil {
		return false, fmt.Errorf("%w: archiving %s: %w", ErrBackendFailure, ref.Path, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: backend did not accept %s", ErrBackendFailure, ref.Path)
	}

	ref.CopiedToArchive = true
	if err := o.store.UpdateBackupFileRef(ref); err != nil {
		return false, fmt.Errorf("saving file ref %s: %w", ref.Path, err)
	}

	if err := o.cache.CompleteFileArchive(ref, run); err != nil {
		return false, fmt.Errorf("releasing staged copy of %s: %w", ref.Path, err)
	}

	o.logger.Info("file archived", "path", ref.Path, "target", o.backend.Target(run, ref))
	return true, nil
}

func (o *Orchestrator) completeBackupRun(run *model.BackupRun) error {
	now := o.clock.Now()
	run.Completed = true
	run.End = &now

	if err := o.store.UpdateBackupRun(run); err != nil {
		return fmt.Errorf("completing backup run %d: %w", run.ID, err)
	}

	if err := o.cache.CompleteBackupRun(run); err != nil {
		o.logger.Warn("cleaning up staging area", "run_id", run.ID, "error", err)
	}

	o.logger.Info("backup run complete", "run_id", run.ID, "files", len(run.FileRefs))
	return nil
}

// closeFailedRun completes a run that an earlier invocation left failed.
// Failed, ErrorMessage and End are kept as recorded.
func (o *Orchestrator) closeFailedRun(run *model.BackupRun) error {
	run.Completed = true
	if run.End == nil {
		now := o.clock.Now()
		run.End = &now
	}

	if err := o.store.UpdateBackupRun(run); err != nil {
		return fmt.Errorf("closing failed backup run %d: %w", run.ID, err)
	}

	if err := o.cache.CompleteBackupRun(run); err != nil {
		o.logger.Warn("cleaning up staging area", "run_id", run.ID, "error", err)
	}

	o.logger.Warn("closed failed backup run", "run_id", run.ID, "error", run.ErrorMessage)
	return nil
}

// recordFailure marks run failed and saves it. A save failure is logged;
// the caller still returns the original error.
func (o *Orchestrator) recordFailure(run *model.BackupRun, cause error) {
	now := o.clock.Now()
	run.Failed = true
	run.End = &now
	run.ErrorMessage = cause.Error()

	o.logger.Error("backup run failed", "run_id", run.ID, "error", cause)

	if err := o.store.UpdateBackupRun(run); err != nil {
		o.logger.Error("saving backup run failure", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) deadlinePassed(ctx context.Context, deadline time.Time) bool {
	return ctx.Err() != nil || !o.clock.Now().Before(deadline)
}

func haltReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	return "time limit"
}

package backup_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"cbc-go/internal/archive"
	"cbc-go/internal/backup"
	"cbc-go/internal/fs"
	"cbc-go/internal/model"
	"cbc-go/internal/staging"
	"cbc-go/internal/testutil"
)

type harness struct {
	src          string
	store        backup.Store
	cache        *staging.LocalCache
	archive      *archive.MemoryArchive
	clock        *testutil.StubClock
	orchestrator *backup.Orchestrator
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	store     backup.Store
	backend   backup.ArchiveBackend
	limit     time.Duration
	perRun    int64
	totalSize int64
	sources   []string
}

func withStore(s backup.Store) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withBackend(b backup.ArchiveBackend) harnessOption {
	return func(c *harnessConfig) { c.backend = b }
}

func withTimeLimit(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.limit = d }
}

func withPerRunBudget(n int64) harnessOption {
	return func(c *harnessConfig) { c.perRun = n }
}

func withSources(dirs ...string) harnessOption {
	return func(c *harnessConfig) { c.sources = dirs }
}

// newHarness wires the real scanner and staging cache to an in-memory
// archive over the given source tree.
func newHarness(t *testing.T, files map[string]string, opts ...harnessOption) *harness {
	t.Helper()

	src := t.TempDir()
	testutil.WriteTree(t, src, files)

	cfg := harnessConfig{
		limit:     time.Hour,
		perRun:    1 << 30,
		totalSize: 1 << 40,
		sources:   []string{src},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = testutil.NewMemoryStore()
	}

	logger := backup.NewNopLogger()
	cache, err := staging.NewLocalCache(staging.Settings{
		Dir:               t.TempDir(),
		MaxCachePerRun:    cfg.perRun,
		MaxTotalCacheSize: cfg.totalSize,
		RetryAttempts:     1,
		RetryDelay:        time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("NewLocalCache() error = %v", err)
	}

	mem := archive.NewMemoryArchive()
	backend := cfg.backend
	if backend == nil {
		backend = mem
	}

	clock := testutil.FixedClock()
	h := &harness{
		src:     src,
		store:   cfg.store,
		cache:   cache,
		archive: mem,
		clock:   clock,
	}
	h.orchestrator = backup.NewOrchestrator(
		backup.Settings{ClientID: "client-1", SourceDirectories: cfg.sources, RunTimeLimit: cfg.limit},
		cfg.store,
		fs.NewScanner(nil, logger),
		cache,
		backend,
		logger,
		clock,
	)
	return h
}

func (h *harness) path(rel string) string {
	return filepath.Join(h.src, filepath.FromSlash(rel))
}

func (h *harness) archiveKey(run *model.BackupRun, rel string) string {
	return strconv.FormatInt(run.ID, 10) + "/" + model.SlashRelativePath(h.path(rel))
}

func countArchived(run *model.BackupRun) int {
	n := 0
	for _, ref := range run.FileRefs {
		if ref.CopiedToArchive {
			n++
		}
	}
	return n
}

// failingBackend rejects every write. If onWrite is set it runs first.
type failingBackend struct {
	err     error
	onWrite func()
}

func (b *failingBackend) ArchiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef, content io.Reader) (bool, error) {
	if b.onWrite != nil {
		b.onWrite()
	}
	return false, b.err
}

func (b *failingBackend) Target(run *model.BackupRun, ref *model.BackupRunFileRef) string {
	return ref.Path
}

func (b *failingBackend) ValidateSetup(ctx context.Context) error { return nil }

// tickingBackend delegates to an archive and advances the clock on every
// write.
type tickingBackend struct {
	*archive.MemoryArchive
	clock *testutil.StubClock
	step  time.Duration
}

func (b *tickingBackend) ArchiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef, content io.Reader) (bool, error) {
	b.clock.Advance(b.step)
	return b.MemoryArchive.ArchiveFile(ctx, run, ref, content)
}

func TestGetNextBackupRun(t *testing.T) {
	t.Run("creates run when none is open", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		h := newHarness(t, nil, withStore(store))

		run, err := h.orchestrator.GetNextBackupRun()
		if err != nil {
			t.Fatalf("GetNextBackupRun() error = %v", err)
		}
		if run.ID == 0 {
			t.Error("new run has no ID")
		}
		if run.Completed || run.Failed {
			t.Errorf("new run = %+v, want open", run)
		}
		if !run.Start.Equal(h.clock.Now()) {
			t.Errorf("Start = %v, want %v", run.Start, h.clock.Now())
		}

		saved, err := store.GetBackupRun(run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(saved.Directories) != 1 || saved.Directories[0].Path != h.src {
			t.Errorf("saved directories = %+v, want [%s]", saved.Directories, h.src)
		}
	})

	t.Run("returns the single open run", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		existing := model.NewBackupRun("client-1", []string{"/data"}, time.Now())
		store.Seed(existing)
		h := newHarness(t, nil, withStore(store))

		run, err := h.orchestrator.GetNextBackupRun()
		if err != nil {
			t.Fatalf("GetNextBackupRun() error = %v", err)
		}
		if run.ID != existing.ID {
			t.Errorf("run ID = %d, want %d", run.ID, existing.ID)
		}
	})

	t.Run("ignores other clients and completed runs", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		other := model.NewBackupRun("client-2", []string{"/data"}, time.Now())
		store.Seed(other)
		done := model.NewBackupRun("client-1", []string{"/data"}, time.Now())
		done.Completed = true
		store.Seed(done)
		h := newHarness(t, nil, withStore(store))

		run, err := h.orchestrator.GetNextBackupRun()
		if err != nil {
			t.Fatalf("GetNextBackupRun() error = %v", err)
		}
		if run.ID == other.ID || run.ID == done.ID {
			t.Errorf("reused run %d, want a new one", run.ID)
		}
	})

	t.Run("more than one open run", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.Seed(model.NewBackupRun("client-1", []string{"/a"}, time.Now()))
		store.Seed(model.NewBackupRun("client-1", []string{"/b"}, time.Now()))
		h := newHarness(t, nil, withStore(store))

		_, err := h.orchestrator.GetNextBackupRun()
		if !errors.Is(err, backup.ErrInvariantViolation) {
			t.Fatalf("GetNextBackupRun() error = %v, want ErrInvariantViolation", err)
		}

		open, _ := store.FindOpenBackupRuns("client-1")
		if len(open) != 2 {
			t.Errorf("open runs = %d, want both left untouched", len(open))
		}
	})

	t.Run("no source directories", func(t *testing.T) {
		h := newHarness(t, nil, withSources())

		_, err := h.orchestrator.GetNextBackupRun()
		if !errors.Is(err, backup.ErrConfiguration) {
			t.Fatalf("GetNextBackupRun() error = %v, want ErrConfiguration", err)
		}
	})

	t.Run("sqlite store resumes the same run", func(t *testing.T) {
		store := testutil.NewTestStore(t)
		h := newHarness(t, nil, withStore(store))

		first, err := h.orchestrator.GetNextBackupRun()
		if err != nil {
			t.Fatal(err)
		}
		second, err := h.orchestrator.GetNextBackupRun()
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != second.ID {
			t.Errorf("second call returned run %d, want %d", second.ID, first.ID)
		}
		if len(second.Directories) != 1 || second.Directories[0].BackupRunID != first.ID {
			t.Errorf("resumed directories = %+v", second.Directories)
		}
	})
}

func TestOrchestrator_Run_Completes(t *testing.T) {
	files := map[string]string{
		"a.txt":          "alpha",
		"docs/b.txt":     "bravo",
		"docs/deep/c.md": "charlie",
	}
	store := testutil.NewMemoryStore()
	h := newHarness(t, files, withStore(store))

	run, err := h.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !run.Completed || run.Failed || run.End == nil {
		t.Fatalf("run = %+v, want completed with End set", run)
	}
	if !store.Closed {
		t.Error("store not closed after Run")
	}

	for rel, want := range files {
		got, ok := h.archive.Get(h.archiveKey(run, rel))
		if !ok {
			t.Errorf("%s not archived; keys = %v", rel, h.archive.Keys())
			continue
		}
		if string(got) != want {
			t.Errorf("archived %s = %q, want %q", rel, got, want)
		}
	}

	for _, ref := range run.FileRefs {
		if !ref.CopiedToCache {
			t.Errorf("%s not marked cached", ref.Path)
		}
		if ref.IsDir == ref.CopiedToArchive {
			t.Errorf("%s: IsDir = %v, CopiedToArchive = %v", ref.Path, ref.IsDir, ref.CopiedToArchive)
		}
	}

	if _, err := os.Stat(h.cache.RunDir(run)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging directory left after completion: %v", err)
	}

	saved, _ := store.GetBackupRun(run.ID)
	if !saved.Completed || countArchived(saved) != len(files) {
		t.Errorf("saved run completed = %v, archived = %d", saved.Completed, countArchived(saved))
	}
}

func TestOrchestrator_Run_EmptySource(t *testing.T) {
	h := newHarness(t, nil)

	run, err := h.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !run.Completed {
		t.Errorf("run over empty source not completed: %+v", run)
	}
	if len(h.archive.Keys()) != 0 {
		t.Errorf("archive keys = %v, want none", h.archive.Keys())
	}
}

func TestOrchestrator_Run_ByteIdentical(t *testing.T) {
	data := make([]byte, 256*1024)
	for i := range data {
		data[i] = byte(i * 31)
	}
	h := newHarness(t, map[string]string{"blob.bin": string(data)})

	run, err := h.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got, ok := h.archive.Get(h.archiveKey(run, "blob.bin"))
	if !ok {
		t.Fatalf("blob.bin not archived; keys = %v", h.archive.Keys())
	}
	if string(got) != string(data) {
		t.Errorf("archived content differs: %d bytes, want %d", len(got), len(data))
	}
}

func TestOrchestrator_Run_TimeLimit(t *testing.T) {
	files := map[string]string{"1.txt": "one", "2.txt": "two", "3.txt": "three"}

	t.Run("expired limit archives one file", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		h := newHarness(t, files, withStore(store), withTimeLimit(-time.Second))

		run, err := h.orchestrator.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if run.Completed || run.Failed {
			t.Errorf("run = %+v, want open and not failed", run)
		}
		if got := countArchived(run); got != 1 {
			t.Errorf("archived = %d, want 1", got)
		}

		saved, _ := store.GetBackupRun(run.ID)
		if countArchived(saved) != 1 {
			t.Errorf("persisted archived = %d, want 1", countArchived(saved))
		}
	})

	t.Run("limit reached mid pass", func(t *testing.T) {
		mem := archive.NewMemoryArchive()
		backend := &tickingBackend{MemoryArchive: mem, step: time.Minute}
		h := newHarness(t, files, withTimeLimit(90*time.Second), withBackend(backend))
		backend.clock = h.clock

		run, err := h.orchestrator.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if run.Completed {
			t.Error("run completed despite time limit")
		}
		if got := countArchived(run); got != 2 {
			t.Errorf("archived = %d, want 2", got)
		}
		if len(mem.Keys()) != 2 {
			t.Errorf("archive keys = %v, want 2", mem.Keys())
		}
	})
}

// invoke performs one invocation without closing the store, so a test can
// resume the run the way a later process would.
func invoke(t *testing.T, o *backup.Orchestrator) (*model.BackupRun, error) {
	t.Helper()

	run, err := o.GetNextBackupRun()
	if err != nil {
		return nil, err
	}
	return run, o.ArchiveBackupRun(context.Background(), run)
}

func TestOrchestrator_Run_ResumesAcrossInvocations(t *testing.T) {
	store := testutil.NewTestStore(t)
	files := map[string]string{"1.txt": "one", "2.txt": "two", "3.txt": "three"}
	h := newHarness(t, files, withStore(store), withTimeLimit(-time.Second))

	run, err := invoke(t, h.orchestrator)
	if err != nil {
		t.Fatalf("first pass error = %v", err)
	}
	firstID := run.ID

	resumed, err := h.orchestrator.GetNextBackupRun()
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ID != firstID || len(resumed.Directories) != len(run.Directories) || len(resumed.FileRefs) != len(run.FileRefs) {
		t.Errorf("resumed run %d with %d dirs, %d refs; want run %d with %d dirs, %d refs",
			resumed.ID, len(resumed.Directories), len(resumed.FileRefs),
			firstID, len(run.Directories), len(run.FileRefs))
	}

	for i := 0; i < 5 && !run.Completed; i++ {
		run, err = invoke(t, h.orchestrator)
		if err != nil {
			t.Fatalf("pass %d error = %v", i+2, err)
		}
		if run.ID != firstID {
			t.Fatalf("pass %d used run %d, want %d", i+2, run.ID, firstID)
		}
	}

	if !run.Completed {
		t.Fatalf("run not completed after resuming: archived %d", countArchived(run))
	}
	if len(h.archive.Keys()) != len(files) {
		t.Errorf("archive keys = %v, want %d files", h.archive.Keys(), len(files))
	}
}

func TestOrchestrator_Run_BackendFailure(t *testing.T) {
	boom := errors.New("disk on fire")
	store := testutil.NewMemoryStore()
	h := newHarness(t, map[string]string{"a.txt": "alpha"},
		withStore(store), withBackend(&failingBackend{err: boom}))

	run, err := h.orchestrator.Run(context.Background())
	if !errors.Is(err, backup.ErrBackendFailure) || !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want ErrBackendFailure wrapping cause", err)
	}

	if !run.Failed || run.Completed || run.End == nil {
		t.Errorf("run = %+v, want failed, open, End set", run)
	}
	if !strings.Contains(run.ErrorMessage, "disk on fire") {
		t.Errorf("ErrorMessage = %q", run.ErrorMessage)
	}

	saved, _ := store.GetBackupRun(run.ID)
	if !saved.Failed || saved.ErrorMessage == "" {
		t.Errorf("saved run = %+v, want failure recorded", saved)
	}
	if countArchived(saved) != 0 {
		t.Errorf("saved archived = %d, want 0", countArchived(saved))
	}
	if !store.Closed {
		t.Error("store not closed after failed Run")
	}
}

func TestOrchestrator_Run_FailureNotRecorded(t *testing.T) {
	boom := errors.New("backend down")
	storeErr := errors.New("database locked")
	store := testutil.NewMemoryStore()
	backend := &failingBackend{err: boom, onWrite: func() { store.FailWrites = storeErr }}
	h := newHarness(t, map[string]string{"a.txt": "alpha"}, withStore(store), withBackend(backend))

	_, err := h.orchestrator.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want the backend error", err)
	}
	if errors.Is(err, storeErr) {
		t.Errorf("Run() error = %v, should not be replaced by the store error", err)
	}
}

func TestOrchestrator_Run_ClosesFailedRun(t *testing.T) {
	store := testutil.NewMemoryStore()
	h := newHarness(t, map[string]string{"a.txt": "alpha"}, withStore(store))

	failed := model.NewBackupRun("client-1", []string{h.src}, h.clock.Now())
	failed.Failed = true
	failed.ErrorMessage = "earlier failure"
	end := h.clock.Now()
	failed.End = &end
	store.Seed(failed)

	h.clock.Advance(time.Hour)
	run, err := h.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.ID == failed.ID {
		t.Fatalf("Run() resumed failed run %d, want a new run", failed.ID)
	}
	if !run.Completed || run.Failed {
		t.Errorf("new run = %+v, want completed", run)
	}
	if _, ok := h.archive.Get(h.archiveKey(run, "a.txt")); !ok {
		t.Errorf("a.txt not archived into the new run; keys = %v", h.archive.Keys())
	}

	saved, _ := store.GetBackupRun(failed.ID)
	if !saved.Completed || !saved.Failed || saved.ErrorMessage != "earlier failure" {
		t.Errorf("failed run = %+v, want completed with failure kept", saved)
	}
	if saved.End == nil || !saved.End.Equal(end) {
		t.Errorf("failed run End = %v, want %v", saved.End, end)
	}
}

func TestOrchestrator_ArchiveBackupRun_FailedRunArchivesNothing(t *testing.T) {
	store := testutil.NewMemoryStore()
	h := newHarness(t, map[string]string{"a.txt": "alpha"}, withStore(store))

	run := model.NewBackupRun("client-1", []string{h.src}, h.clock.Now())
	run.AddFileRef(h.path("a.txt"), false)
	run.FileRefs[0].CopiedToCache = true
	run.Failed = true
	run.ErrorMessage = "backend down"
	store.Seed(run)

	if err := h.orchestrator.ArchiveBackupRun(context.Background(), run); err != nil {
		t.Fatalf("ArchiveBackupRun() error = %v", err)
	}

	if !run.Completed || !run.Failed || run.ErrorMessage != "backend down" || run.End == nil {
		t.Errorf("run = %+v, want completed with failure kept", run)
	}
	if len(h.archive.Keys()) != 0 {
		t.Errorf("archive keys = %v, want nothing archived for a failed run", h.archive.Keys())
	}

	open, _ := store.FindOpenBackupRuns("client-1")
	if len(open) != 0 {
		t.Errorf("open runs = %d, want 0", len(open))
	}
}

func TestOrchestrator_Run_FailureDoesNotBlockLaterRuns(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "later")
	store := testutil.NewMemoryStore()
	h := newHarness(t, nil, withStore(store), withSources(missing))

	first, err := invoke(t, h.orchestrator)
	if !errors.Is(err, backup.ErrMissingSource) {
		t.Fatalf("first invocation error = %v, want ErrMissingSource", err)
	}

	testutil.WriteTree(t, missing, map[string]string{"a.txt": "alpha"})

	second, err := invoke(t, h.orchestrator)
	if err != nil {
		t.Fatalf("second invocation error = %v", err)
	}
	if second.ID == first.ID || !second.Completed || second.Failed {
		t.Errorf("second run = %+v, want a new completed run", second)
	}

	saved, _ := store.GetBackupRun(first.ID)
	if !saved.Completed || !saved.Failed {
		t.Errorf("first run = %+v, want closed as failed", saved)
	}
}

func TestOrchestrator_Run_RestagesMissingCopy(t *testing.T) {
	store := testutil.NewMemoryStore()
	files := map[string]string{"1.txt": "one", "2.txt": "two", "3.txt": "three"}
	h := newHarness(t, files, withStore(store), withTimeLimit(-time.Second))

	run, err := invoke(t, h.orchestrator)
	if err != nil {
		t.Fatalf("first invocation error = %v", err)
	}
	if countArchived(run) != 1 {
		t.Fatalf("archived = %d, want 1", countArchived(run))
	}

	// Lose every staged copy between invocations.
	if err := os.RemoveAll(h.cache.RunDir(run)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10 && !run.Completed; i++ {
		run, err = invoke(t, h.orchestrator)
		if err != nil {
			t.Fatalf("invocation %d error = %v", i+2, err)
		}
		if run.Failed {
			t.Fatalf("invocation %d failed the run: %s", i+2, run.ErrorMessage)
		}
	}

	if !run.Completed {
		t.Fatal("run never completed after staged copies were lost")
	}
	for rel, want := range files {
		got, ok := h.archive.Get(h.archiveKey(run, rel))
		if !ok || string(got) != want {
			t.Errorf("archived %s = %q, %v; want %q", rel, got, ok, want)
		}
	}
}

func TestOrchestrator_Run_MissingSource(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	h := newHarness(t, nil, withSources(missing))

	run, err := h.orchestrator.Run(context.Background())
	if !errors.Is(err, backup.ErrMissingSource) {
		t.Fatalf("Run() error = %v, want ErrMissingSource", err)
	}
	if run == nil || !run.Failed || run.Completed {
		t.Errorf("run = %+v, want failed and open", run)
	}
}

func TestOrchestrator_Run_BudgetDeferral(t *testing.T) {
	files := map[string]string{
		"a.bin": strings.Repeat("a", 600),
		"b.bin": strings.Repeat("b", 600),
		"c.bin": strings.Repeat("c", 600),
	}

	t.Run("per-run budget spreads work over passes", func(t *testing.T) {
		h := newHarness(t, files, withPerRunBudget(1000))

		run, err := h.orchestrator.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !run.Completed {
			t.Errorf("run not completed: archived %d", countArchived(run))
		}
		if len(h.archive.Keys()) != 3 {
			t.Errorf("archive keys = %v, want 3", h.archive.Keys())
		}
	})

	t.Run("full staging area leaves run open", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		h := newHarness(t, files, withStore(store))
		full, err := staging.NewLocalCache(staging.Settings{Dir: t.TempDir(), MaxCachePerRun: 1 << 30, MaxTotalCacheSize: 0}, backup.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}
		logger := backup.NewNopLogger()
		o := backup.NewOrchestrator(
			backup.Settings{ClientID: "client-1", SourceDirectories: []string{h.src}, RunTimeLimit: time.Hour},
			store, fs.NewScanner(nil, logger), full, h.archive, logger, h.clock,
		)

		run, err := o.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if run.Completed || run.Failed {
			t.Errorf("run = %+v, want open and not failed", run)
		}
		if countArchived(run) != 0 {
			t.Errorf("archived = %d, want 0", countArchived(run))
		}
		if len(run.FileRefs) != 3 {
			t.Errorf("file refs = %d, want 3 tracked for later", len(run.FileRefs))
		}
	})
}

func TestOrchestrator_Run_Cancelled(t *testing.T) {
	h := newHarness(t, map[string]string{"1.txt": "one", "2.txt": "two", "3.txt": "three"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.orchestrator.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Completed || run.Failed {
		t.Errorf("run = %+v, want open and not failed", run)
	}
	if got := countArchived(run); got != 1 {
		t.Errorf("archived = %d, want 1 before the cancellation is observed", got)
	}
}

func TestOrchestrator_Run_NewFilesJoinOpenRun(t *testing.T) {
	store := testutil.NewMemoryStore()
	h := newHarness(t, map[string]string{"old.txt": "old"}, withStore(store), withTimeLimit(-time.Second))
	invoke(t, h.orchestrator)

	testutil.WriteTree(t, h.src, map[string]string{"new.txt": "new"})

	var run *model.BackupRun
	for i := 0; i < 5; i++ {
		var err error
		run, err = invoke(t, h.orchestrator)
		if err != nil {
			t.Fatal(err)
		}
		if run.Completed {
			break
		}
	}

	if !run.Completed {
		t.Fatal("run never completed")
	}
	if _, ok := h.archive.Get(h.archiveKey(run, "new.txt")); !ok {
		t.Errorf("new.txt not archived into the open run; keys = %v", h.archive.Keys())
	}
}

func TestOrchestrator_ArchiveBackupRun_CompletesFinishedRun(t *testing.T) {
	store := testutil.NewMemoryStore()
	h := newHarness(t, map[string]string{"a.txt": "alpha"}, withStore(store))

	run := model.NewBackupRun("client-1", []string{h.src}, h.clock.Now())
	run.AddFileRef(h.src, true)
	run.AddFileRef(h.path("a.txt"), false)
	for _, ref := range run.FileRefs {
		ref.CopiedToCache = true
		ref.CopiedToArchive = !ref.IsDir
	}
	store.Seed(run)

	h.clock.Advance(time.Minute)
	if err := h.orchestrator.ArchiveBackupRun(context.Background(), run); err != nil {
		t.Fatalf("ArchiveBackupRun() error = %v", err)
	}

	if !run.Completed || run.End == nil {
		t.Fatalf("run = %+v, want completed with End set", run)
	}
	if !run.End.Equal(h.clock.Now()) {
		t.Errorf("End = %v, want %v", run.End, h.clock.Now())
	}
	if len(h.archive.Keys()) != 0 {
		t.Errorf("archive keys = %v, want nothing re-archived", h.archive.Keys())
	}

	saved, _ := store.GetBackupRun(run.ID)
	if !saved.Completed || saved.End == nil {
		t.Errorf("saved run = %+v, want completion persisted", saved)
	}
}

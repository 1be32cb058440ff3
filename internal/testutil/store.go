package testutil

import (
	"fmt"
	"sort"
	"sync"

	"cbc-go/internal/backup"
	"cbc-go/internal/model"
)

// MemoryStore is an in-memory backup.Store. Unlike the SQLite store it
// accepts several open runs per client (see Seed), and writes can be made
// to fail.
//
// Runs are stored as copies, so a run read back reflects only what was
// saved, the same as after a restart.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[int64]*model.BackupRun
	nextRunID int64
	nextRefID int64

	// FailWrites, when set, is returned by every write after the run is
	// created.
	FailWrites error

	Closed      bool
	RunUpdates  int
	FileUpdates int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[int64]*model.BackupRun)}
}

// Seed stores run as-is, assigning IDs to it and its refs.
func (s *MemoryStore) Seed(run *model.BackupRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRunID++
	run.ID = s.nextRunID
	for _, dir := range run.Directories {
		s.nextRefID++
		dir.ID = s.nextRefID
		dir.BackupRunID = run.ID
	}
	for _, ref := range run.FileRefs {
		s.nextRefID++
		ref.ID = s.nextRefID
		ref.BackupRunID = run.ID
	}
	s.runs[run.ID] = cloneRun(run)
}

func (s *MemoryStore) CreateBackupRun(run *model.BackupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRunID++
	run.ID = s.nextRunID
	stored := cloneRun(run)
	stored.Directories = nil
	stored.FileRefs = nil
	s.runs[run.ID] = stored
	return nil
}

func (s *MemoryStore) GetBackupRun(id int64) (*model.BackupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) FindOpenBackupRuns(clientID string) ([]*model.BackupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*model.BackupRun
	for _, run := range s.sorted() {
		if run.ClientID == clientID && !run.Completed {
			open = append(open, cloneRun(run))
		}
	}
	return open, nil
}

func (s *MemoryStore) ListBackupRuns(clientID string, limit int) ([]*model.BackupRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*model.BackupRun
	all := s.sorted()
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if all[i].ClientID == clientID {
			run := cloneRun(all[i])
			run.FileRefs = nil
			result = append(result, run)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateBackupRun(run *model.BackupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	stored, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("updating backup run %d: no such run", run.ID)
	}

	for _, ref := range run.FileRefs {
		if ref.ID == 0 {
			s.nextRefID++
			ref.ID = s.nextRefID
			ref.BackupRunID = run.ID
		}
	}

	updated := cloneRun(run)
	updated.Directories = stored.Directories
	s.runs[run.ID] = updated
	s.RunUpdates++
	return nil
}

func (s *MemoryStore) UpdateBackupFileRef(ref *model.BackupRunFileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	run, ok := s.runs[ref.BackupRunID]
	if !ok {
		return fmt.Errorf("updating file ref %s: no run %d", ref.Path, ref.BackupRunID)
	}
	for _, stored := range run.FileRefs {
		if stored.ID == ref.ID {
			*stored = *ref
			s.FileUpdates++
			return nil
		}
	}
	return fmt.Errorf("updating file ref %s: not saved yet", ref.Path)
}

func (s *MemoryStore) UpdateBackupDirectoryRef(dir *model.BackupDirectoryRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites != nil {
		return s.FailWrites
	}
	run, ok := s.runs[dir.BackupRunID]
	if !ok {
		return fmt.Errorf("saving directory ref %s: no run %d", dir.Path, dir.BackupRunID)
	}

	if dir.ID == 0 {
		s.nextRefID++
		dir.ID = s.nextRefID
		copied := *dir
		run.Directories = append(run.Directories, &copied)
		return nil
	}
	for _, stored := range run.Directories {
		if stored.ID == dir.ID {
			*stored = *dir
			return nil
		}
	}
	return fmt.Errorf("saving directory ref %s: unknown id %d", dir.Path, dir.ID)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

func (s *MemoryStore) sorted() []*model.BackupRun {
	runs := make([]*model.BackupRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs
}

func cloneRun(run *model.BackupRun) *model.BackupRun {
	c := &model.BackupRun{
		ID:           run.ID,
		ClientID:     run.ClientID,
		Start:        run.Start,
		Completed:    run.Completed,
		Failed:       run.Failed,
		ErrorMessage: run.ErrorMessage,
	}
	if run.End != nil {
		end := *run.End
		c.End = &end
	}
	for _, dir := range run.Directories {
		d := *dir
		c.Directories = append(c.Directories, &d)
	}
	for _, ref := range run.FileRefs {
		r := *ref
		c.FileRefs = append(c.FileRefs, &r)
	}
	return c
}

// Compile-time check that MemoryStore implements backup.Store interface
var _ backup.Store = (*MemoryStore)(nil)

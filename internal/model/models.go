package model

import "time"

// BackupRun is one backup session and the unit of resumability.
// ID is assigned by the store on creation; zero means not yet persisted.
type BackupRun struct {
	ID           int64
	ClientID     string // Stable identifier of the owning client installation
	Start        time.Time
	End          *time.Time // nil while the run is in progress
	Completed    bool       // true once no archivable work remains
	Failed       bool       // set together with ErrorMessage
	ErrorMessage string
	Directories  []*BackupDirectoryRef
	FileRefs     []*BackupRunFileRef

	// index of FileRefs by normalized path, built lazily
	refIndex map[string]*BackupRunFileRef
}

// BackupDirectoryRef is a configured source root scanned for a run.
type BackupDirectoryRef struct {
	ID          int64
	BackupRunID int64
	Path        string // Absolute path on host
}

// BackupRunFileRef is one discovered filesystem entry within a run.
// CopiedToArchive implies CopiedToCache. Directory entries are tracked as
// cached but never archived.
type BackupRunFileRef struct {
	ID              int64
	BackupRunID     int64
	Path            string // Full path on host, as discovered
	IsDir           bool
	CopiedToCache   bool
	CopiedToArchive bool
}

// NewBackupRun creates an unsaved run for clientID with one directory ref
// per source path.
func NewBackupRun(clientID string, directories []string, start time.Time) *BackupRun {
	run := &BackupRun{
		ClientID: clientID,
		Start:    start,
	}
	for _, dir := range directories {
		run.Directories = append(run.Directories, &BackupDirectoryRef{Path: dir})
	}
	return run
}

// FindFileRef returns the file ref whose path matches path under
// NormalizePath, or nil.
func (r *BackupRun) FindFileRef(path string) *BackupRunFileRef {
	r.syncIndex()
	return r.refIndex[NormalizePath(path)]
}

// AddFileRef appends a new file ref for path unless one with the same
// normalized path already exists. It reports whether a ref was added.
func (r *BackupRun) AddFileRef(path string, isDir bool) bool {
	if r.FindFileRef(path) != nil {
		return false
	}
	ref := &BackupRunFileRef{
		BackupRunID: r.ID,
		Path:        path,
		IsDir:       isDir,
	}
	r.FileRefs = append(r.FileRefs, ref)
	r.refIndex[NormalizePath(path)] = ref
	return true
}

// PendingArchive returns the refs that are staged but not yet archived.
// Directory refs are never returned.
func (r *BackupRun) PendingArchive() []*BackupRunFileRef {
	var pending []*BackupRunFileRef
	for _, ref := range r.FileRefs {
		if !ref.IsDir && ref.CopiedToCache && !ref.CopiedToArchive {
			pending = append(pending, ref)
		}
	}
	return pending
}

// syncIndex rebuilds the path index when FileRefs was assigned or grown
// outside AddFileRef (e.g. hydrated by a store).
func (r *BackupRun) syncIndex() {
	if r.refIndex != nil && len(r.refIndex) == len(r.FileRefs) {
		return
	}
	r.refIndex = make(map[string]*BackupRunFileRef, len(r.FileRefs))
	for _, ref := range r.FileRefs {
		r.refIndex[NormalizePath(ref.Path)] = ref
	}
}

package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"sync"

	"cbc-go/internal/backup"
	"cbc-go/internal/model"
)

// MemoryArchive keeps archived content in memory, keyed by
// "<run id>/<relative path>". Safe for concurrent use.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArchive creates an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

// Target returns the object key for ref.
func (m *MemoryArchive) Target(run *model.BackupRun, ref *model.BackupRunFileRef) string {
	return objectKey("", run, ref)
}

// ArchiveFile reads content fully and stores it, replacing any previous
// object at the same key.
func (m *MemoryArchive) ArchiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef, content io.Reader) (bool, error) {
	if content == nil {
		return true, nil
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return false, fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.Target(run, ref)] = data
	return true, nil
}

// ValidateSetup always succeeds.
func (m *MemoryArchive) ValidateSetup(ctx context.Context) error {
	return nil
}

// Get returns the content stored at key.
func (m *MemoryArchive) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Keys returns every stored key in sorted order.
func (m *MemoryArchive) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// objectKey joins prefix, the run ID and ref's slash-separated relative
// path.
func objectKey(prefix string, run *model.BackupRun, ref *model.BackupRunFileRef) string {
	return path.Join(prefix, strconv.FormatInt(run.ID, 10), model.SlashRelativePath(ref.Path))
}

// Compile-time check that MemoryArchive implements backup.ArchiveBackend interface
var _ backup.ArchiveBackend = (*MemoryArchive)(nil)

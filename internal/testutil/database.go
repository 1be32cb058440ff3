package testutil

import (
	"testing"

	"cbc-go/internal/database"
)

// NewTestStore creates an in-memory SQLite run store with the schema
// applied. It is closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	if err := store.Migrate(); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return store
}

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/mpataki/smithers/internal/storage"
)

// OpenTestStore opens a fresh store in a temporary directory and closes it
// when the test finishes.
func OpenTestStore(t *testing.T) *storage.Store {
	t.Helper()
	return OpenStoreAt(t, filepath.Join(t.TempDir(), "smithers.db"))
}

// OpenStoreAt opens an additional handle on the database at path. Tests use
// it to stand in for a second process sharing the same file.
func OpenStoreAt(t *testing.T, path string) *storage.Store {
	t.Helper()
	s, err := storage.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

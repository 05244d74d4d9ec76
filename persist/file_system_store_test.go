package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	}
	testDir := filepath.Join(baseDir, "test-run")
	_ = os.RemoveAll(testDir)
	t.Cleanup(func() { _ = os.RemoveAll(testDir) })

	store, err := NewFileSystemStore(testDir, testProfile)
	if err != nil {
		t.Fatalf("Failed to create FileSystemStore: %v", err)
	}

	testStoreImplementation(t, store)
}

func TestFileSystemStoreLayout(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	store, err := NewFileSystemStore(base, "")
	require.NoError(t, err)

	_, err = store.SaveDocument(ctx, "passwords", []byte(`[]`), "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(base, "default", "passwords.json"))
	require.NoError(t, err, "documents live under <base>/<profile>/<name>.json")
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	// no temp files survive a successful write
	entries, err := os.ReadDir(filepath.Join(base, "default"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}

	profiles, err := store.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, profiles)
}

func TestFileSystemStoreDetectsOutOfBandEdits(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFileSystemStore(base, testProfile)
	require.NoError(t, err)

	version, err := store.SaveDocument(ctx, "audit_log", []byte(`[1]`), "")
	require.NoError(t, err)

	// another process rewrites the file behind our back
	require.NoError(t, os.WriteFile(filepath.Join(base, testProfile, "audit_log.json"), []byte(`[2]`), 0600))

	_, err = store.SaveDocument(ctx, "audit_log", []byte(`[1,3]`), version)
	assert.True(t, IsConcurrencyError(err))
}

func TestNewFileSystemStoreRejectsBadProfile(t *testing.T) {
	_, err := NewFileSystemStore(t.TempDir(), "../escape")
	assert.Error(t, err)
}

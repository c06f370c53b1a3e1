package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	deletes []string
	renames [][2]string
}

func (r *recorder) onDelete(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, path)
}

func (r *recorder) onRename(oldPath, newPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renames = append(r.renames, [2]string{oldPath, newPath})
}

func (r *recorder) snapshot() ([]string, [][2]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deletes...), append([][2]string(nil), r.renames...)
}

func startWatcher(t *testing.T, root string) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := New(Config{
		Root:     root,
		Logger:   zerolog.Nop(),
		OnDelete: rec.onDelete,
		OnRename: rec.onRename,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return rec
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestVaultWatcher_Remove(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.md")
	writeFile(t, target, "A")
	rec := startWatcher(t, root)

	require.NoError(t, os.Remove(target))

	require.Eventually(t, func() bool {
		deletes, _ := rec.snapshot()
		return assert.ObjectsAreEqual([]string{target}, deletes)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVaultWatcher_RenameWithinVault(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.md")
	newPath := filepath.Join(root, "b.md")
	writeFile(t, oldPath, "A")
	rec := startWatcher(t, root)

	require.NoError(t, os.Rename(oldPath, newPath))

	require.Eventually(t, func() bool {
		_, renames := rec.snapshot()
		return len(renames) == 1
	}, 2*time.Second, 10*time.Millisecond)

	deletes, renames := rec.snapshot()
	assert.Equal(t, [2]string{oldPath, newPath}, renames[0])
	assert.Empty(t, deletes)
}

func TestVaultWatcher_RenameOutOfVaultIsDelete(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	oldPath := filepath.Join(root, "a.md")
	writeFile(t, oldPath, "A")
	rec := startWatcher(t, root)

	require.NoError(t, os.Rename(oldPath, filepath.Join(outside, "a.md")))

	require.Eventually(t, func() bool {
		deletes, _ := rec.snapshot()
		return len(deletes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	deletes, renames := rec.snapshot()
	assert.Equal(t, oldPath, deletes[0])
	assert.Empty(t, renames)
}

func TestVaultWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	// Give the loop time to add the new directory.
	time.Sleep(100 * time.Millisecond)

	target := filepath.Join(sub, "n.md")
	writeFile(t, target, "N")
	require.NoError(t, os.Remove(target))

	require.Eventually(t, func() bool {
		deletes, _ := rec.snapshot()
		for _, d := range deletes {
			if d == target {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVaultWatcher_IgnoresHiddenFiles(t *testing.T) {
	root := t.TempDir()
	hidden := filepath.Join(root, ".a.md.tmp-1")
	writeFile(t, hidden, "tmp")
	rec := startWatcher(t, root)

	require.NoError(t, os.Rename(hidden, filepath.Join(root, ".other")))
	require.NoError(t, os.Remove(filepath.Join(root, ".other")))
	time.Sleep(2 * DefaultPairWindow)

	deletes, renames := rec.snapshot()
	assert.Empty(t, deletes)
	assert.Empty(t, renames)
}

func TestVaultWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New(Config{Root: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestVaultWatcher_StartFailsOnMissingRoot(t *testing.T) {
	w, err := New(Config{Root: filepath.Join(t.TempDir(), "missing"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, w.Start())
}

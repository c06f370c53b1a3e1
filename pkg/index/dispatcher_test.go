package index

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/vaultd/pkg/commandqueue"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedError struct {
	vault, path string
	err         error
}

func setupManager(t *testing.T) (*Manager, *vaultfs.FS, *commandqueue.CommandQueue, func() []recordedError) {
	t.Helper()
	fs := vaultfs.NewMemory()
	queue := commandqueue.New(zerolog.Nop())
	t.Cleanup(func() { queue.Close() })

	var mu sync.Mutex
	var errs []recordedError
	mgr, err := NewManager(ManagerConfig{
		Dir:    t.TempDir(),
		FS:     fs,
		Queue:  queue,
		Logger: zerolog.Nop(),
		OnError: func(vault, path string, err error) {
			mu.Lock()
			errs = append(errs, recordedError{vault, path, err})
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	return mgr, fs, queue, func() []recordedError {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedError(nil), errs...)
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestDispatcher_IndexFileIsAsync(t *testing.T) {
	mgr, fs, queue, errs := setupManager(t)

	d, err := mgr.Open("/vaults/a")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, fs.WriteFile("/vaults/a/note.md", "asynchronous indexing"))
	d.IndexFile("/vaults/a/note.md")

	require.True(t, queue.WaitForActive(2*time.Second))
	assert.Equal(t, 1, d.Status().TotalFiles)

	results, err := d.Search(context.Background(), "asynchronous", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, errs())
}

func TestDispatcher_ReportsFailures(t *testing.T) {
	mgr, _, queue, errs := setupManager(t)

	d, err := mgr.Open("/vaults/a")
	require.NoError(t, err)
	defer d.Close()

	d.IndexFile("/other/place.md")
	require.True(t, queue.WaitForActive(2*time.Second))

	got := errs()
	require.Len(t, got, 1)
	assert.Equal(t, "/vaults/a", got[0].vault)
	assert.Equal(t, "/other/place.md", got[0].path)
	assert.True(t, errors.Is(got[0].err, ErrOutsideVault))
}

func TestDispatcher_RemoveAndResync(t *testing.T) {
	mgr, fs, queue, _ := setupManager(t)

	d, err := mgr.Open("/vaults/a")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, fs.WriteFile("/vaults/a/x.md", "x"))
	require.NoError(t, fs.WriteFile("/vaults/a/y.md", "y"))
	d.Resync()
	require.True(t, queue.WaitForActive(2*time.Second))
	assert.Equal(t, 2, d.Status().TotalFiles)

	d.RemoveFile("/vaults/a/x.md")
	require.True(t, queue.WaitForActive(2*time.Second))
	assert.Equal(t, 1, d.Status().TotalFiles)
}

func TestDispatcher_RetargetKeepsIdentity(t *testing.T) {
	mgr, fs, queue, _ := setupManager(t)

	d, err := mgr.Open("/vaults/a")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Retarget("/vaults/b"))
	assert.Equal(t, "/vaults/b", d.Vault())
	require.NoError(t, d.Retarget("/vaults/b/"))

	require.NoError(t, fs.WriteFile("/vaults/b/n.md", "retargeted"))
	d.IndexFile("/vaults/b/n.md")
	require.True(t, queue.WaitForActive(2*time.Second))
	assert.Equal(t, 1, d.Status().TotalFiles)
}

func TestDispatcher_CloseStopsTriggers(t *testing.T) {
	mgr, fs, queue, errs := setupManager(t)

	d, err := mgr.Open("/vaults/a")
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	require.NoError(t, fs.WriteFile("/vaults/a/late.md", "late"))
	d.IndexFile("/vaults/a/late.md")
	require.True(t, queue.WaitForActive(2*time.Second))

	_, err = d.Search(context.Background(), "late", 5)
	assert.Error(t, err)
	assert.Error(t, d.Retarget("/vaults/c"))
	assert.Empty(t, errs())
}

func TestDispatcher_CloseRunsQueuedJobs(t *testing.T) {
	mgr, fs, queue, errs := setupManager(t)

	d, err := mgr.Open("/vaults/a")
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile("/vaults/a/last.md", "final words"))
	d.IndexFile("/vaults/a/last.md")
	require.NoError(t, d.Close())
	require.True(t, queue.WaitForActive(2*time.Second))

	reopened, err := mgr.Open("/vaults/a")
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Status().TotalFiles)
	assert.Empty(t, errs())
}

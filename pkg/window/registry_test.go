package window

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *dirstore.MemoryStore, *fakeOpener) {
	store := dirstore.NewMemoryStore()
	opener := &fakeOpener{}
	return NewRegistry(store, opener.open, zerolog.Nop()), store, opener
}

func TestRegistry_Bind(t *testing.T) {
	ctx := context.Background()

	t.Run("first bind creates record and remembers directory", func(t *testing.T) {
		reg, store, opener := newTestRegistry()

		rec, err := reg.Bind(ctx, "w1", "/vaults/a")
		require.NoError(t, err)
		assert.Equal(t, "w1", rec.WindowID)
		assert.Equal(t, "/vaults/a", rec.Directory)
		assert.Equal(t, 1, opener.count())

		remembered, _ := store.Get(ctx, dirstore.KeyDirectoryFromPreviousSession)
		assert.Equal(t, "/vaults/a", remembered)
	})

	t.Run("rebind updates in place without a new handle", func(t *testing.T) {
		reg, store, opener := newTestRegistry()

		first, err := reg.Bind(ctx, "w1", "/vaults/a")
		require.NoError(t, err)
		second, err := reg.Bind(ctx, "w1", "/vaults/b")
		require.NoError(t, err)

		assert.Equal(t, 1, opener.count())
		assert.Same(t, first.Index, second.Index)
		assert.Equal(t, []string{"/vaults/b"}, opener.handles[0].retargets)
		assert.Equal(t, 1, reg.Len())

		remembered, _ := store.Get(ctx, dirstore.KeyDirectoryFromPreviousSession)
		assert.Equal(t, "/vaults/b", remembered)
	})

	t.Run("invalid directories", func(t *testing.T) {
		reg, _, _ := newTestRegistry()
		for _, dir := range []string{"", "   ", "\t\n"} {
			_, err := reg.Bind(ctx, "w1", dir)
			assert.ErrorIs(t, err, ErrInvalidDirectory)
		}
		assert.Equal(t, 0, reg.Len())
	})

	t.Run("directory held by another window", func(t *testing.T) {
		reg, _, _ := newTestRegistry()
		_, err := reg.Bind(ctx, "w1", "/vaults/a")
		require.NoError(t, err)

		_, err = reg.Bind(ctx, "w2", "/vaults/a/")
		assert.ErrorIs(t, err, ErrDirectoryOccupied)
		_, ok := reg.Lookup("w2")
		assert.False(t, ok)
	})

	t.Run("index open failure", func(t *testing.T) {
		reg := NewRegistry(dirstore.NewMemoryStore(), func(string) (IndexHandle, error) {
			return nil, errors.New("disk full")
		}, zerolog.Nop())
		_, err := reg.Bind(ctx, "w1", "/vaults/a")
		assert.Error(t, err)
		assert.Equal(t, 0, reg.Len())
	})
}

func TestRegistry_ConcurrentBindSameDirectory(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Bind(ctx, id, "/vaults/shared"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Len(t, reg.ActiveDirectories(), 1)
}

func TestRegistry_UnbindAndRelease(t *testing.T) {
	ctx := context.Background()
	reg, _, opener := newTestRegistry()

	_, err := reg.Bind(ctx, "w1", "/vaults/a")
	require.NoError(t, err)
	_, err = reg.Bind(ctx, "w2", "/vaults/b")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Unbind(ctx, "/vaults/a"))
	assert.True(t, opener.handles[0].closed)
	_, ok := reg.Lookup("w1")
	assert.False(t, ok)
	assert.Equal(t, map[string]struct{}{"/vaults/b": {}}, reg.ActiveDirectories())

	assert.Equal(t, 0, reg.Unbind(ctx, "/vaults/none"))
	assert.Equal(t, 0, reg.Unbind(ctx, ""))

	assert.True(t, reg.Release(ctx, "w2"))
	assert.False(t, reg.Release(ctx, "w2"))
	assert.True(t, opener.handles[1].closed)
	assert.Empty(t, reg.Records())
}

func TestRegistry_BindWithoutIndex(t *testing.T) {
	ctx := context.Background()
	store := dirstore.NewMemoryStore()
	opener := &fakeOpener{}
	failing := true
	reg := NewRegistry(store, func(directory string) (IndexHandle, error) {
		if failing {
			return nil, errors.New("no such module: fts5")
		}
		return opener.open(directory)
	}, zerolog.Nop())

	var reported []string
	reg.OnIndexError(func(directory string, err error) {
		reported = append(reported, directory+": "+err.Error())
	})

	rec, err := reg.Bind(ctx, "w1", "/vaults/a")
	require.NoError(t, err)
	assert.Equal(t, "/vaults/a", rec.Directory)
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0], "no such module: fts5")

	dir, _ := store.Get(ctx, dirstore.KeyDirectoryFromPreviousSession)
	assert.Equal(t, "/vaults/a", dir)

	rec.Index.IndexFile("/vaults/a/x.md")
	_, err = rec.Index.Search(ctx, "x", 5)
	assert.ErrorIs(t, err, ErrIndexUnavailable)

	t.Run("rebind retries a real index", func(t *testing.T) {
		failing = false
		rec, err := reg.Bind(ctx, "w1", "/vaults/b")
		require.NoError(t, err)
		assert.Equal(t, 1, opener.count())
		assert.Same(t, opener.handles[0], rec.Index)
		assert.Len(t, reported, 1)
	})
}

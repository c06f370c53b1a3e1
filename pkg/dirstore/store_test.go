package dirstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			v, err := s.Get(ctx, KeyDirectoryFromPreviousSession)
			require.NoError(t, err)
			assert.Empty(t, v)

			require.NoError(t, s.Set(ctx, KeyDirectoryFromPreviousSession, "/vaults/a"))
			require.NoError(t, s.Set(ctx, KeyDirectoryFromPreviousSession, "/vaults/b"))

			v, err = s.Get(ctx, KeyDirectoryFromPreviousSession)
			require.NoError(t, err)
			assert.Equal(t, "/vaults/b", v)
		})
	}
}

func TestSQLiteStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyHasUserOpenedAppBefore, "true"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, KeyHasUserOpenedAppBefore)
	require.NoError(t, err)
	assert.Equal(t, "true", v)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

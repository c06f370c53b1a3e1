package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager_StartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	t.Cleanup(d.closeCore)

	lm := NewLifecycleManager(d)
	assert.Equal(t, filepath.Join(d.config.DataDir, PIDFileName), lm.pidFile)

	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())
	require.NoError(t, lm.Stop(), "stop without pid file is fine")
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		assert.False(t, IsRunning(filepath.Join(dir, "none.pid")))
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pid")
		require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))
		assert.False(t, IsRunning(path))
		_, err := ReadPID(path)
		assert.Error(t, err)
	})

	t.Run("this process", func(t *testing.T) {
		path := filepath.Join(dir, "self.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
		assert.True(t, IsRunning(path))
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file does not exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("VAULTD_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.Editor.AutosaveDebounceMs)
		assert.Equal(t, tmpDir, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "vaultd.json")

		testConfig := `{
			"data_dir": "` + filepath.ToSlash(tmpDir) + `",
			"editor": {"autosave_debounce_ms": 250},
			"gateway": {"port": 9000, "shared_secret": "0123456789abcdef"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 250, cfg.Editor.AutosaveDebounceMs)
		assert.Equal(t, ".md", cfg.Editor.DefaultExtension)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, "0123456789abcdef", cfg.Gateway.SharedSecret)
	})

	t.Run("set derived paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "vaultd.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+filepath.ToSlash(tmpDir)+`"}`), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "vaultd.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "index"), cfg.Index.Dir)
		assert.Equal(t, filepath.Join(tmpDir, "state.db"), cfg.Store.Path)
	})

	t.Run("openai key from environment enables embeddings", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("VAULTD_DATA_DIR", tmpDir)
		t.Setenv("VAULTD_OPENAI_API_KEY", "sk-test")

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)
		assert.True(t, cfg.Index.Embeddings.Enabled())
		assert.Equal(t, "openai", cfg.Index.Embeddings.Provider)
	})

	t.Run("invalid json", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "vaultd.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "vaultd.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Editor.AutosaveDebounceMs = 1234
	cfg.Gateway.Port = 7777

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Editor.AutosaveDebounceMs)
	assert.Equal(t, 7777, loaded.Gateway.Port)
}

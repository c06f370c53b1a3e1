package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".vaultd"), nil
}

// Load loads the configuration from file, then fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("VAULTD")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	// AutomaticEnv only applies to keys viper already knows about.
	if dir := v.GetString("data_dir"); dir != "" {
		cfg.DataDir = dir
	}
	if secret := v.GetString("shared_secret"); secret != "" {
		cfg.Gateway.SharedSecret = secret
	}
	if key := v.GetString("openai_api_key"); key != "" && cfg.Index.Embeddings.APIKey == "" {
		cfg.Index.Embeddings.APIKey = key
		if cfg.Index.Embeddings.Provider == "" {
			cfg.Index.Embeddings.Provider = "openai"
		}
	}

	if err := ApplyDerivedPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDerivedPaths fills every path left empty relative to DataDir.
func ApplyDerivedPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := defaultHome()
		if err != nil {
			return err
		}
		cfg.DataDir = home
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "vaultd.log")
	}
	if cfg.Index.Dir == "" {
		cfg.Index.Dir = filepath.Join(cfg.DataDir, "index")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "state.db")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("editor", cfg.Editor)
	v.Set("index", cfg.Index)
	v.Set("gateway", cfg.Gateway)
	v.Set("store", cfg.Store)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := defaultHome()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "vaultd.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config represents the main vaultd configuration
type Config struct {
	// Data directory (stores, indexes, recovery files, pid file)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Editor session behaviour
	Editor EditorConfig `json:"editor" mapstructure:"editor"`

	// Search index
	Index IndexConfig `json:"index" mapstructure:"index"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Directory store
	Store StoreConfig `json:"store" mapstructure:"store"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// EditorConfig controls the per-window file session controller
type EditorConfig struct {
	AutosaveDebounceMs int    `json:"autosave_debounce_ms" mapstructure:"autosave_debounce_ms"`
	DefaultExtension   string `json:"default_extension" mapstructure:"default_extension"`
	CloseTimeoutMs     int    `json:"close_timeout_ms" mapstructure:"close_timeout_ms"`
}

// AutosaveDebounce returns the quiet period before a debounced flush.
func (e EditorConfig) AutosaveDebounce() time.Duration {
	return time.Duration(e.AutosaveDebounceMs) * time.Millisecond
}

// CloseTimeout returns how long teardown waits for the closing flush.
func (e EditorConfig) CloseTimeout() time.Duration {
	return time.Duration(e.CloseTimeoutMs) * time.Millisecond
}

// IndexConfig holds search index configuration
type IndexConfig struct {
	Dir           string           `json:"dir" mapstructure:"dir"`
	ReconcileCron string           `json:"reconcile_cron" mapstructure:"reconcile_cron"`
	ChunkSize     int              `json:"chunk_size" mapstructure:"chunk_size"`
	Embeddings    EmbeddingsConfig `json:"embeddings" mapstructure:"embeddings"`
}

// EmbeddingsConfig enables the optional vector table
type EmbeddingsConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // "", openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// Enabled reports whether embeddings should be computed.
func (e EmbeddingsConfig) Enabled() bool {
	return e.Provider != "" && e.APIKey != ""
}

// GatewayConfig holds gateway configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// StoreConfig holds directory store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		Editor: EditorConfig{
			AutosaveDebounceMs: 4000,
			DefaultExtension:   ".md",
			CloseTimeoutMs:     5000,
		},
		Index: IndexConfig{
			ReconcileCron: "@every 15m",
			ChunkSize:     1000,
			Embeddings: EmbeddingsConfig{
				Model: "text-embedding-3-small",
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	if masked.Index.Embeddings.APIKey != "" {
		masked.Index.Embeddings.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Editor.AutosaveDebounceMs <= 0 {
		return fmt.Errorf("editor.autosave_debounce_ms must be positive, got %d", c.Editor.AutosaveDebounceMs)
	}
	if c.Editor.CloseTimeoutMs <= 0 {
		return fmt.Errorf("editor.close_timeout_ms must be positive, got %d", c.Editor.CloseTimeoutMs)
	}
	if c.Editor.DefaultExtension != "" && c.Editor.DefaultExtension[0] != '.' {
		return fmt.Errorf("editor.default_extension must start with a dot, got %q", c.Editor.DefaultExtension)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}

	if c.Index.ChunkSize <= 0 {
		return fmt.Errorf("index.chunk_size must be positive, got %d", c.Index.ChunkSize)
	}
	if c.Index.ReconcileCron != "" {
		if _, err := cron.ParseStandard(c.Index.ReconcileCron); err != nil {
			return fmt.Errorf("invalid index.reconcile_cron %q: %w", c.Index.ReconcileCron, err)
		}
	}
	switch c.Index.Embeddings.Provider {
	case "", "openai":
	default:
		return fmt.Errorf("invalid index.embeddings.provider: %s (must be: openai)", c.Index.Embeddings.Provider)
	}

	if err := NewValidator().ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

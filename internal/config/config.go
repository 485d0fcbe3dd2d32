package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for dtup.
type Config struct {
	APIEndpoint string         `toml:"api_endpoint"`
	BaseDir     string         `toml:"base_dir"`
	LogDir      string         `toml:"log_dir"`
	Session     SessionConfig  `toml:"session"`
	Dedup       DedupConfig    `toml:"dedup"`
	Transfer    TransferConfig `toml:"transfer"`
	Auth        AuthConfig     `toml:"auth"`
}

// SessionConfig selects the session store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SessionConfig struct {
	Type string `toml:"type"` // "filesystem" or "memory"
}

// DedupConfig selects the duplicate index backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DedupConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// TransferConfig tunes the chunked transfer executor. The engine makes no
// correctness assumption about chunk size beyond bounding memory per chunk.
type TransferConfig struct {
	ChunkSize      int64 `toml:"chunk_size"`      // bytes per chunk; defaults to 100 MiB
	MaxAttempts    int   `toml:"max_attempts"`    // per-chunk retry cap; defaults to 4
	BackoffBaseMS  int64 `toml:"backoff_base_ms"` // initial backoff; defaults to 1000
	BackoffCapMS   int64 `toml:"backoff_cap_ms"`  // backoff ceiling; defaults to 30000
	RequestTimeout int64 `toml:"request_timeout"` // per-request timeout in seconds; defaults to 300
	Workers        int   `toml:"workers"`         // concurrent file uploads; defaults to 1
}

// AuthConfig holds login defaults. Passwords are never stored here; they are
// prompted for or taken from the environment at run time.
type AuthConfig struct {
	Email            string `toml:"email,omitempty"`
	ExpiryMarginSecs int64  `toml:"expiry_margin_secs"` // refresh-ahead margin; defaults to 300
}

// NewConfig creates a Config with the provided values and default backends.
func NewConfig(apiEndpoint, baseDir string) *Config {
	return &Config{
		APIEndpoint: apiEndpoint,
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		Session:     SessionConfig{Type: "filesystem"},
		Dedup:       DedupConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "dedup")},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

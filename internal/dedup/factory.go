package dedup

import (
	"fmt"
	"os"
	"path/filepath"

	"dtup/internal/config"
	"dtup/internal/core"
)

// NewIndexFromConfig creates a DuplicateIndex based on the dedup config type.
func NewIndexFromConfig(cfg config.DedupConfig) (core.DuplicateIndex, error) {
	switch cfg.Type {
	case "", "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite dedup index")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating dedup data dir: %w", err)
		}
		return NewSQLiteIndex(filepath.Join(cfg.DataDir, "uploads.db"))
	case "memory":
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown dedup index type: %s", cfg.Type)
	}
}

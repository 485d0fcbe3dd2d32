package session

import (
	"fmt"

	"dtup/internal/config"
	"dtup/internal/core"
)

// NewStoreFromConfig creates a SessionStore based on the session config type.
// An empty type means filesystem.
func NewStoreFromConfig(cfg config.SessionConfig, clock core.Clock, idgen core.IDGenerator) (core.SessionStore, error) {
	switch cfg.Type {
	case "", "filesystem":
		return NewFileSessionStore(clock, idgen), nil
	case "memory":
		return NewMemorySessionStore(clock, idgen), nil
	default:
		return nil, fmt.Errorf("unknown session store type: %s", cfg.Type)
	}
}

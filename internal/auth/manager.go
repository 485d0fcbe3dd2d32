// Package auth owns credential state and token refresh for the engine.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dtup/internal/core"
)

// DefaultExpiryMargin is how far ahead of expiry a token is refreshed.
const DefaultExpiryMargin = 5 * time.Minute

// Manager is the exclusive owner of the credential pair. It refreshes ahead
// of expiry and under forced invalidation. The mutex is held across the
// refresh call, which gives single-flight for free: concurrent callers block
// until the one refresh finishes, then observe the refreshed credential and
// return without repeating it. Credentials are never persisted; a process
// restart re-acquires them via Login.
type Manager struct {
	api    core.IngestAPI
	clock  core.Clock
	logger core.Logger
	margin time.Duration

	mu    sync.Mutex
	cred  *core.Credential
	force bool
}

var _ core.TokenSource = (*Manager)(nil)

func NewManager(api core.IngestAPI, clock core.Clock, logger core.Logger, margin time.Duration) *Manager {
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	return &Manager{api: api, clock: clock, logger: logger, margin: margin}
}

// Login authenticates and installs the credential pair.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	cred, err := m.api.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	m.mu.Lock()
	m.cred = cred
	m.force = false
	m.mu.Unlock()
	m.logger.Info("authenticated", "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Token returns an access token valid for at least the expiry margin,
// refreshing first when the current one is expired, near expiry, or was
// invalidated. A rejected refresh token yields ErrReauthRequired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred == nil {
		return "", core.ErrReauthRequired
	}
	if !m.force && m.clock.Now().Before(m.cred.ExpiresAt.Add(-m.margin)) {
		return m.cred.AccessToken, nil
	}

	refreshed, err := m.api.Refresh(ctx, m.cred.RefreshToken)
	if err != nil {
		return "", err
	}
	if refreshed.RefreshToken == "" {
		// Some services rotate only the access token.
		refreshed.RefreshToken = m.cred.RefreshToken
	}
	m.cred = refreshed
	m.force = false
	m.logger.Debug("token refreshed", "expires_at", refreshed.ExpiresAt.Format(time.RFC3339))
	return m.cred.AccessToken, nil
}

// Invalidate forces the next Token call to refresh. Used when the service
// rejects a token the manager still considered valid.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.force = true
	m.mu.Unlock()
}

package testutil

import (
	"context"
	"sync"

	"dtup/internal/core"
)

// StaticTokenSource hands out a fixed token and counts invalidations.
type StaticTokenSource struct {
	mu sync.Mutex

	// AccessToken is returned by every Token call. After Invalidate, the
	// Rotated token (if set) is returned instead.
	AccessToken string
	Rotated     string

	// Err, when set, fails every Token call.
	Err error

	TokenCalls      int
	InvalidateCalls int
}

var _ core.TokenSource = (*StaticTokenSource)(nil)

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{AccessToken: token}
}

func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TokenCalls++
	if s.Err != nil {
		return "", s.Err
	}
	return s.AccessToken, nil
}

func (s *StaticTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InvalidateCalls++
	if s.Rotated != "" {
		s.AccessToken = s.Rotated
	}
}

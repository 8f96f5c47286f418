package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/metrics"
)

// refreshThreshold is the remaining lifetime at or below which a cached
// token is refreshed before use.
const refreshThreshold = 12 * time.Hour

// AccessToken is a bearer token and its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// tokenManager caches the client-credentials token. Refreshes happen under
// the write lock, so there is never more than one token request in flight.
type tokenManager struct {
	mu    sync.RWMutex
	token *AccessToken
	fetch func(context.Context) (*AccessToken, error)
	now   func() time.Time
}

func newTokenManager(fetch func(context.Context) (*AccessToken, error), now func() time.Time) *tokenManager {
	return &tokenManager{fetch: fetch, now: now}
}

func (m *tokenManager) fresh(t *AccessToken) bool {
	return t != nil && t.ExpiresAt.Sub(m.now()) > refreshThreshold
}

// Acquire returns a fresh bearer token, requesting a new one if the cached
// token is missing or within refreshThreshold of expiry.
func (m *tokenManager) Acquire(ctx context.Context) (string, error) {
	m.mu.RLock()
	t := m.token
	m.mu.RUnlock()
	if m.fresh(t) {
		return t.Value, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if m.fresh(m.token) {
		return m.token.Value, nil
	}

	m.token = nil
	t, err := m.fetch(ctx)
	metrics.TokenRefreshed(err)
	if err != nil {
		return "", err
	}
	m.token = t
	return t.Value, nil
}

// Invalidate drops the cached token, but only if it is still the one the
// caller observed. A token some other caller already refreshed is kept.
func (m *tokenManager) Invalidate(observed string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil && m.token.Value == observed {
		m.token = nil
		return true
	}
	return false
}

// Set primes the cache with t.
func (m *tokenManager) Set(t *AccessToken) {
	m.mu.Lock()
	m.token = t
	m.mu.Unlock()
}

// Package auth defines the session token boundary between the chat engine
// and the portal's authentication service. The engine never issues tokens;
// it only attaches them to outgoing requests and handshakes.
package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnauthenticated is returned when no valid credentials are available.
// Callers must surface this to the user instead of retrying silently.
var ErrUnauthenticated = errors.New("no valid session credentials")

// Credentials is a short-lived bearer credential issued by the portal.
type Credentials struct {
	AccessToken string
	UserID      string
}

// TokenProvider supplies the current session credentials.
// Implementations are expected to refresh tokens out of band; the engine
// calls Credentials before every request and duplex handshake.
type TokenProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticProvider serves a fixed credential. Used by the CLI entry point
// and by tests.
type StaticProvider struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewStaticProvider creates a provider with the given credentials.
func NewStaticProvider(creds Credentials) *StaticProvider {
	return &StaticProvider{creds: creds}
}

func (p *StaticProvider) Credentials(_ context.Context) (Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.creds.AccessToken == "" {
		return Credentials{}, ErrUnauthenticated
	}
	return p.creds, nil
}

// Update replaces the stored credentials, e.g. after a token refresh.
func (p *StaticProvider) Update(creds Credentials) {
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
}

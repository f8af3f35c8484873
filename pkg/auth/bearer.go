package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/powerhive/minerctl/pkg/miner"
)

// LoginFunc exchanges credentials for a bearer token.
type LoginFunc func(ctx context.Context) (string, error)

// Bearer caches the login token of one device. The server decides when a
// token stops being valid; it is kept until a request is rejected.
type Bearer struct {
	mu    sync.Mutex
	token string
	login LoginFunc
}

// NewBearer creates a token cache that logs in with login.
func NewBearer(login LoginFunc) *Bearer {
	return &Bearer{login: login}
}

// Token returns the cached token, logging in when there is none. Concurrent
// callers share one login.
func (b *Bearer) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" {
		return b.token, nil
	}

	token, err := b.login(ctx)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("login failed: %w: empty token", miner.ErrUnauthorized)
	}
	b.token = token
	return token, nil
}

// Clear drops the cached token.
func (b *Bearer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = ""
}

// reject drops token if it is still the cached one.
func (b *Bearer) reject(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == token {
		b.token = ""
	}
}

// Do calls send with a token. If send reports miner.ErrUnauthorized the
// token is dropped, a fresh one is obtained, and send is retried once. A
// second rejection is returned to the caller.
func (b *Bearer) Do(ctx context.Context, send func(token string) error) error {
	token, err := b.Token(ctx)
	if err != nil {
		return err
	}

	err = send(token)
	if !errors.Is(err, miner.ErrUnauthorized) {
		return err
	}

	b.reject(token)
	token, err = b.Token(ctx)
	if err != nil {
		return err
	}
	return send(token)
}

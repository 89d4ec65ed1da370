// Package auth is the credential authority: it issues, verifies, and rotates
// access and refresh tokens, and owns the permission check.
//
// Access tokens are stateless signed claims; refresh tokens are opaque random
// strings persisted server-side with at most one valid token per user.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wotbridge/cmd/internal/store"
)

// Authority issues and verifies credentials against a Store.
type Authority struct {
	cfg   Config
	store store.Store

	// Serializes the refresh delete-then-insert per user so no two valid
	// refresh tokens ever coexist under concurrent refresh requests.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAuthority constructs an Authority.
func NewAuthority(cfg Config, st store.Store) *Authority {
	return &Authority{
		cfg:   cfg,
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Authority) userLock(username string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[username]
	if !ok {
		l = &sync.Mutex{}
		a.locks[username] = l
	}
	return l
}

// IssueRefreshToken generates a fresh unguessable token, deletes every prior
// refresh token for username, and persists the new one with the configured
// refresh TTL. The delete-then-insert is atomic with respect to concurrent
// refresh calls for the same user.
func (a *Authority) IssueRefreshToken(ctx context.Context, username string) (string, time.Time, error) {
	l := a.userLock(username)
	l.Lock()
	defer l.Unlock()

	if err := a.store.DeleteRefreshTokensForUser(ctx, username); err != nil {
		return "", time.Time{}, err
	}

	token := uuid.NewString()
	exp := time.Now().UTC().Add(a.cfg.RefreshTTL)

	if err := a.store.StoreRefreshToken(ctx, token, username, exp); err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// RedeemRefreshToken resolves a refresh token to its username. Valid only when
// the token is present and not yet expired.
//
// The documented protocol is redeem-then-reissue: the caller is expected to
// call IssueRefreshToken immediately after a successful redeem, which evicts
// the redeemed token. Until that reissue completes the old token remains valid
// (soft single-use, not a hard guarantee).
func (a *Authority) RedeemRefreshToken(ctx context.Context, token string) (string, error) {
	username, err := a.store.FindValidRefreshToken(ctx, token, time.Now().UTC())
	if err != nil {
		if store.IsNotFound(err) {
			return "", ErrInvalidRefreshToken
		}
		return "", err
	}
	return username, nil
}

// RevokeAllForUser deletes every refresh token for the user. Called on
// password change.
func (a *Authority) RevokeAllForUser(ctx context.Context, username string) error {
	l := a.userLock(username)
	l.Lock()
	defer l.Unlock()

	return a.store.DeleteRefreshTokensForUser(ctx, username)
}

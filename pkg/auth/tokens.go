package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

// TokenPrefix marks personal access tokens issued by this service.
const TokenPrefix = "gk_"

var (
	// ErrTokenInvalid covers unknown, expired and revoked tokens.
	ErrTokenInvalid = errors.New("invalid access token")

	// ErrTokenTTL rejects issuance with a non-positive or over-limit
	// lifetime.
	ErrTokenTTL = errors.New("invalid token lifetime")
)

// TokenManager issues and verifies personal access tokens. Only the
// SHA-256 hash of a secret is ever stored.
type TokenManager struct {
	store  *store.Store
	maxTTL time.Duration
}

// NewTokenManager builds a TokenManager capping token lifetimes at
// maxTTL.
func NewTokenManager(st *store.Store, maxTTL time.Duration) *TokenManager {
	return &TokenManager{store: st, maxTTL: maxTTL}
}

// HashToken returns the hex SHA-256 digest of a token secret.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// IsToken reports whether a credential looks like a token this service
// issued.
func IsToken(secret string) bool {
	return strings.HasPrefix(secret, TokenPrefix)
}

// Issue creates a named token for a user. The secret is returned once
// and cannot be recovered later.
func (m *TokenManager) Issue(ctx context.Context, username, name string, ttl time.Duration) (string, *store.AccessToken, error) {
	if ttl <= 0 || ttl > m.maxTTL {
		return "", nil, fmt.Errorf("%w: must be positive and at most %s", ErrTokenTTL, m.maxTTL)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	secret := TokenPrefix + hex.EncodeToString(raw)

	token := &store.AccessToken{
		Username:  username,
		Name:      name,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := m.store.CreateAccessToken(ctx, token, HashToken(secret)); err != nil {
		return "", nil, err
	}
	return secret, token, nil
}

// Verify resolves a token secret to its identity and records the use.
func (m *TokenManager) Verify(ctx context.Context, secret string) (*Identity, error) {
	now := time.Now().UTC()

	token, err := m.store.GetAccessTokenByHash(ctx, HashToken(secret), now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	if err := m.store.TouchAccessToken(ctx, token.ID, now); err != nil {
		return nil, err
	}

	user, err := m.store.GetUser(ctx, token.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	groups, err := m.store.ListUserGroups(ctx, user.Username)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Groups:      groups,
		IsAdmin:     user.IsAdmin,
		Mechanism:   "pat",
	}, nil
}

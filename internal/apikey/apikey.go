// Package apikey implements ApiKey storage and the API-key
// guard middleware: prefix lookup, constant-time hash
// comparison, scope/expiry/revocation checks, and auth-context stamping.
package apikey

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the apikey package.
var (
	ErrNotFound         = errors.New("api key not found")
	ErrPrefixCollision  = errors.New("api key prefix collision")
	ErrMissingKey       = errors.New("missing API key")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrRevoked          = errors.New("api key has been revoked")
	ErrExpired          = errors.New("api key has expired")
	ErrScopeInsufficient = errors.New("api key does not grant the required scope")
)

// WildcardScope grants any requested scope.
const WildcardScope = "*"

// ApiKey holds the fields read from the database. The plaintext secret is
// never persisted.
type ApiKey struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	KeyHash    string
	KeyPrefix  string
	KeySuffix  string
	Name       string
	Scopes     []string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// CreateParams groups the inputs for recording a newly generated API key.
// It carries only values derived from the plaintext key (hash, prefix,
// suffix); the plaintext key is not part of it and is returned to the
// client by the caller exactly once.
type CreateParams struct {
	ProjectID uuid.UUID
	KeyHash   string
	KeyPrefix string
	KeySuffix string
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
}

// Valid reports whether the key is usable right now: not revoked, and not
// expired.
func (k *ApiKey) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// HasScope reports whether the key's scopes grant requiredScope, honoring
// the "*" wildcard.
func (k *ApiKey) HasScope(requiredScope string) bool {
	for _, s := range k.Scopes {
		if s == WildcardScope || s == requiredScope {
			return true
		}
	}
	return false
}

// HasAnyScope reports whether the key's scopes intersect with required.
func (k *ApiKey) HasAnyScope(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if k.HasScope(r) {
			return true
		}
	}
	return false
}

// AuthContext is stamped onto an authenticated request by the guard.
type AuthContext struct {
	AuthType  string
	ProjectID uuid.UUID
	KeyID     uuid.UUID
	Scopes    []string
}

// Repository defines the data-access contract for API key operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*ApiKey, error)
	GetByPrefix(ctx context.Context, prefix string) (*ApiKey, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ApiKey, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]ApiKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

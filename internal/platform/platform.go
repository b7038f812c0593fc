// Package platform holds the platform-instance entity and its repository,
// the provider/adapter contract every messaging platform implements, the
// in-process registry of live adapters, and the lifecycle service that
// drives configuration changes through to providers.
package platform

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the platform package.
var (
	ErrNotFound           = errors.New("platform config not found")
	ErrProviderNotFound   = errors.New("platform provider not found")
	ErrInvalidCredentials = errors.New("invalid platform credentials")
	ErrInactive           = errors.New("platform config is inactive")
	ErrTokenCollision     = errors.New("webhook token collision")
	ErrUnsupported        = errors.New("platform does not support this capability")
)

// Config is one tenant's stored platform instance: encrypted credentials
// plus activation flags. A project may hold multiple instances of the same
// platform.
type Config struct {
	ID                   uuid.UUID
	ProjectID            uuid.UUID
	Platform             string
	CredentialsEncrypted string
	IsActive             bool
	TestMode             bool
	WebhookToken         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ConnectionKey identifies one live adapter: "{projectID}:{configID}".
type ConnectionKey string

// NewConnectionKey builds the registry identity for a (project, config)
// pair.
func NewConnectionKey(projectID, configID uuid.UUID) ConnectionKey {
	return ConnectionKey(fmt.Sprintf("%s:%s", projectID, configID))
}

// Key returns the config's own connection key.
func (c *Config) Key() ConnectionKey {
	return NewConnectionKey(c.ProjectID, c.ID)
}

// CreateParams groups the inputs for persisting a new platform config.
// CredentialsEncrypted is produced by the lifecycle service; repositories
// never see plaintext.
type CreateParams struct {
	ProjectID            uuid.UUID
	Platform             string
	CredentialsEncrypted string
	IsActive             bool
	TestMode             bool
	WebhookToken         string
}

// UpdateParams carries a partial update. Nil fields are left unchanged.
type UpdateParams struct {
	CredentialsEncrypted *string
	IsActive             *bool
	TestMode             *bool
}

// Repository defines the data-access contract for platform configs.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Config, error)
	GetByID(ctx context.Context, projectID, id uuid.UUID) (*Config, error)

	// GetAnyByID looks a config up without a project scope. Used by the
	// send-path validator to distinguish "no such platform" from "platform
	// belongs to a different project".
	GetAnyByID(ctx context.Context, id uuid.UUID) (*Config, error)
	GetByWebhookToken(ctx context.Context, token string) (*Config, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Config, error)
	Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Config, error)
	Delete(ctx context.Context, projectID, id uuid.UUID) error
}

// NewWebhookToken returns a fresh opaque, URL-safe webhook routing token.
// 24 random bytes gives enough entropy that the token is unguessable while
// keeping inbound URLs short.
func NewWebhookToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Package project implements the tenant boundary: the owner of platform
// configs, API keys, and message history.
package project

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Environment is the deployment tier a project declares itself to run in.
type Environment string

// The allowed Environment values.
const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// Valid reports whether e is one of the declared Environment constants.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return true
	default:
		return false
	}
}

// Sentinel errors for the project package.
var (
	ErrNotFound           = errors.New("project not found")
	ErrSlugTaken          = errors.New("project slug is already in use")
	ErrInvalidSlug        = errors.New("slug must be lowercase letters, digits, and hyphens only")
	ErrInvalidEnvironment = errors.New("environment must be one of development, staging, production")
	ErrHasActiveKeys      = errors.New("project cannot be deleted while it has active API keys")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateSlug checks that slug is lowercase, hyphen-separated.
func ValidateSlug(slug string) error {
	if slug == "" || !slugPattern.MatchString(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// Project is a tenant: the unit of ownership for platform configs, API
// keys, and message history.
type Project struct {
	ID          uuid.UUID
	Slug        string
	Name        string
	Environment Environment
	OwnerID     uuid.UUID
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateParams groups the inputs for creating a new project.
type CreateParams struct {
	Slug        string
	Name        string
	Environment Environment
	OwnerID     uuid.UUID
	IsDefault   bool
}

// Repository defines the data-access contract for project operations. At
// most one project per owner may have IsDefault set; the repository
// enforces this atomically with a transactional unset-then-set.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Project, error)
	GetBySlug(ctx context.Context, slug string) (*Project, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Project, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Project, error)
	Delete(ctx context.Context, slug string) error
}

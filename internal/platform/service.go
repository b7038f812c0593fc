package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/project"
	"github.com/gatekit-chat/gatekit-server/internal/vault"
)

// tokenRetries bounds how often Create regenerates a webhook token after a
// uniqueness collision before giving up.
const tokenRetries = 3

// Service is the platform lifecycle service: CRUD over platform configs,
// credential encryption, and lifecycle event delivery to providers.
type Service struct {
	repo       Repository
	projects   project.Repository
	vault      *vault.Vault
	registry   *Registry
	apiBaseURL string
	log        zerolog.Logger
}

// NewService wires a lifecycle service.
func NewService(repo Repository, projects project.Repository, v *vault.Vault, registry *Registry, apiBaseURL string, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		projects:   projects,
		vault:      v,
		registry:   registry,
		apiBaseURL: apiBaseURL,
		log:        logger,
	}
}

// View is a config as returned to API clients: credentials are either
// masked (list) or decrypted (single fetch by a scope-authorized caller),
// never ciphertext.
type View struct {
	Config      Config
	Credentials map[string]any
	WebhookURL  string
}

// ServiceCreateParams groups the inputs for creating a platform config.
type ServiceCreateParams struct {
	Platform    string
	Credentials map[string]any
	IsActive    bool
	TestMode    bool
}

// Create validates and encrypts credentials, persists the config with a
// fresh unique webhook token, and — when created active — fires a created
// event to the provider. An unknown platform name is accepted and stored
// without an event, so operators can add configs before deploying a new
// provider.
func (s *Service) Create(ctx context.Context, projectSlug string, params ServiceCreateParams) (*View, error) {
	proj, err := s.projects.GetBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}

	credJSON, err := json.Marshal(params.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if p, ok := s.registry.Provider(params.Platform); ok {
		if err := p.ValidateCredentials(credJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
	}

	encrypted, err := s.vault.Encrypt(credJSON)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	var cfg *Config
	for attempt := 0; attempt < tokenRetries; attempt++ {
		token, err := NewWebhookToken()
		if err != nil {
			return nil, err
		}
		cfg, err = s.repo.Create(ctx, CreateParams{
			ProjectID:            proj.ID,
			Platform:             params.Platform,
			CredentialsEncrypted: encrypted,
			IsActive:             params.IsActive,
			TestMode:             params.TestMode,
			WebhookToken:         token,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTokenCollision) {
			return nil, err
		}
		cfg = nil
	}
	if cfg == nil {
		return nil, ErrTokenCollision
	}

	if cfg.IsActive {
		s.fireEvent(ctx, EventCreated, *cfg, credJSON)
	}

	return &View{Config: *cfg, Credentials: maskCredentials(params.Credentials), WebhookURL: s.WebhookURL(cfg)}, nil
}

// List returns all configs for a project with masked credentials.
func (s *Service) List(ctx context.Context, projectSlug string) ([]View, error) {
	proj, err := s.projects.GetBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	configs, err := s.repo.ListByProject(ctx, proj.ID)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(configs))
	for _, cfg := range configs {
		creds, err := s.decryptMap(&cfg)
		if err != nil {
			s.log.Error().Err(err).Str("config_id", cfg.ID.String()).Msg("Failed to decrypt credentials for masking")
			creds = map[string]any{}
		}
		views = append(views, View{Config: cfg, Credentials: maskCredentials(creds), WebhookURL: s.WebhookURL(&cfg)})
	}
	return views, nil
}

// Get returns one config with decrypted credentials. Callers must already
// be scope-authorized; this is the only read path that exposes plaintext.
func (s *Service) Get(ctx context.Context, projectSlug string, id uuid.UUID) (*View, error) {
	proj, err := s.projects.GetBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	cfg, err := s.repo.GetByID(ctx, proj.ID, id)
	if err != nil {
		return nil, err
	}
	creds, err := s.decryptMap(cfg)
	if err != nil {
		return nil, err
	}
	return &View{Config: *cfg, Credentials: creds, WebhookURL: s.WebhookURL(cfg)}, nil
}

// ServiceUpdateParams carries a partial update; nil fields are unchanged.
type ServiceUpdateParams struct {
	Credentials map[string]any
	IsActive    *bool
	TestMode    *bool
}

// Update applies a partial update, re-encrypting on credential change and
// firing activated/deactivated when the active flag actually flips. An
// update that leaves the flag unchanged fires nothing.
func (s *Service) Update(ctx context.Context, projectSlug string, id uuid.UUID, params ServiceUpdateParams) (*View, error) {
	proj, err := s.projects.GetBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	before, err := s.repo.GetByID(ctx, proj.ID, id)
	if err != nil {
		return nil, err
	}

	repoParams := UpdateParams{IsActive: params.IsActive, TestMode: params.TestMode}
	var credJSON []byte
	if params.Credentials != nil {
		credJSON, err = json.Marshal(params.Credentials)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		if p, ok := s.registry.Provider(before.Platform); ok {
			if err := p.ValidateCredentials(credJSON); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
			}
		}
		encrypted, err := s.vault.Encrypt(credJSON)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		repoParams.CredentialsEncrypted = &encrypted
	}

	after, err := s.repo.Update(ctx, proj.ID, id, repoParams)
	if err != nil {
		return nil, err
	}

	if credJSON == nil {
		credJSON, err = s.vault.Decrypt(after.CredentialsEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
	}

	switch {
	case !before.IsActive && after.IsActive:
		s.fireEvent(ctx, EventActivated, *after, credJSON)
	case before.IsActive && !after.IsActive:
		s.registry.RemoveAdapter(ctx, after.Key())
		s.fireEvent(ctx, EventDeactivated, *after, credJSON)
	}

	var creds map[string]any
	if err := json.Unmarshal(credJSON, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &View{Config: *after, Credentials: maskCredentials(creds), WebhookURL: s.WebhookURL(after)}, nil
}

// Remove fires a deleted event — always, regardless of active state, with
// decrypted credentials so the provider can clean up remote state — tears
// down any live adapter, and deletes the row.
func (s *Service) Remove(ctx context.Context, projectSlug string, id uuid.UUID) error {
	proj, err := s.projects.GetBySlug(ctx, projectSlug)
	if err != nil {
		return err
	}
	cfg, err := s.repo.GetByID(ctx, proj.ID, id)
	if err != nil {
		return err
	}

	credJSON, err := s.vault.Decrypt(cfg.CredentialsEncrypted)
	if err != nil {
		s.log.Error().Err(err).Str("config_id", cfg.ID.String()).Msg("Failed to decrypt credentials for deletion event")
		credJSON = nil
	}

	s.registry.RemoveAdapter(ctx, cfg.Key())
	s.fireEvent(ctx, EventDeleted, *cfg, credJSON)

	return s.repo.Delete(ctx, proj.ID, id)
}

// RegisterWebhook performs the provider-specific external webhook
// registration for an active config, returning the public webhook URL and
// any provider-reported detail.
func (s *Service) RegisterWebhook(ctx context.Context, projectSlug string, id uuid.UUID) (string, map[string]any, error) {
	proj, err := s.projects.GetBySlug(ctx, projectSlug)
	if err != nil {
		return "", nil, err
	}
	cfg, err := s.repo.GetByID(ctx, proj.ID, id)
	if err != nil {
		return "", nil, err
	}
	if !cfg.IsActive {
		return "", nil, ErrInactive
	}

	p, ok := s.registry.Provider(cfg.Platform)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrProviderNotFound, cfg.Platform)
	}
	registrar, ok := p.(WebhookRegistrar)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s does not register external webhooks", ErrUnsupported, cfg.Platform)
	}

	credJSON, err := s.vault.Decrypt(cfg.CredentialsEncrypted)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	webhookURL := s.WebhookURL(cfg)
	info, err := registrar.RegisterWebhook(ctx, *cfg, credJSON, webhookURL)
	if err != nil {
		return "", nil, err
	}
	return webhookURL, info, nil
}

// WebhookURL builds the public inbound URL for a config.
func (s *Service) WebhookURL(cfg *Config) string {
	return fmt.Sprintf("%s/webhooks/%s/%s", s.apiBaseURL, cfg.Platform, cfg.WebhookToken)
}

// DecryptCredentials returns the decrypted credential blob for internal
// callers (dispatch, inbound routing).
func (s *Service) DecryptCredentials(cfg *Config) ([]byte, error) {
	return s.vault.Decrypt(cfg.CredentialsEncrypted)
}

// fireEvent delivers a lifecycle event to the config's provider. Providers
// that are absent or do not handle events are skipped silently; a handler
// error is logged but never fails the originating operation — the config
// change is already persisted.
func (s *Service) fireEvent(ctx context.Context, typ EventType, cfg Config, credentials []byte) {
	p, ok := s.registry.Provider(cfg.Platform)
	if !ok {
		return
	}
	handler, ok := p.(EventHandler)
	if !ok {
		return
	}
	if err := handler.OnPlatformEvent(ctx, Event{Type: typ, Config: cfg, Credentials: credentials}); err != nil {
		s.log.Warn().Err(err).
			Str("platform", cfg.Platform).
			Str("config_id", cfg.ID.String()).
			Str("event", string(typ)).
			Msg("Provider rejected lifecycle event")
	}
}

func (s *Service) decryptMap(cfg *Config) (map[string]any, error) {
	raw, err := s.vault.Decrypt(cfg.CredentialsEncrypted)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return m, nil
}

// maskCredentials replaces every string value with a display-safe mask
// that keeps only the last four characters. Non-string values are replaced
// wholesale.
func maskCredentials(creds map[string]any) map[string]any {
	masked := make(map[string]any, len(creds))
	for k, v := range creds {
		if s, ok := v.(string); ok && len(s) > 4 {
			masked[k] = "••••" + s[len(s)-4:]
		} else {
			masked[k] = "••••"
		}
	}
	return masked
}

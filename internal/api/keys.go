package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/apikey"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/project"
	"github.com/gatekit-chat/gatekit-server/internal/validate"
	"github.com/gatekit-chat/gatekit-server/internal/vault"
)

// prefixRetries bounds key regeneration after a prefix collision.
const prefixRetries = 3

// KeyHandler serves the API key endpoints.
type KeyHandler struct {
	projects project.Repository
	keys     apikey.Repository
	log      zerolog.Logger
}

// NewKeyHandler creates a key handler.
func NewKeyHandler(projects project.Repository, keys apikey.Repository, logger zerolog.Logger) *KeyHandler {
	return &KeyHandler{projects: projects, keys: keys, log: logger}
}

type createKeyRequest struct {
	Name        string     `json:"name" validate:"required"`
	Scopes      []string   `json:"scopes" validate:"required,min=1"`
	Environment string     `json:"environment,omitempty" validate:"omitempty,oneof=live test restricted"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" validate:"omitempty,future"`
}

type keyResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	MaskedKey  string     `json:"maskedKey"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Create handles POST /api/v1/projects/:slug/keys. The plaintext key
// appears in this response once and is never retrievable again; only its
// hash, prefix, and suffix are stored.
func (h *KeyHandler) Create(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	var req createKeyRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid request body")
	}
	if fieldErrs := validate.Struct(req); fieldErrs != nil {
		return httputil.FailDetails(c, fiber.StatusBadRequest, apierrors.BadRequest, "Request validation failed", fieldErrs)
	}
	env := req.Environment
	if env == "" {
		env = vault.EnvLive
	}

	// A prefix collision is astronomically unlikely but cheap to retry.
	var record *apikey.ApiKey
	var plaintext string
	for attempt := 0; attempt < prefixRetries; attempt++ {
		key, err := vault.GenerateAPIKey(env)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "key").Msg("key generation failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
		}
		record, err = h.keys.Create(c.Context(), apikey.CreateParams{
			ProjectID: proj.ID,
			KeyHash:   vault.HashAPIKey(key),
			KeyPrefix: vault.KeyPrefix(key),
			KeySuffix: vault.KeySuffix(key),
			Name:      req.Name,
			Scopes:    req.Scopes,
			ExpiresAt: req.ExpiresAt,
		})
		if err == nil {
			plaintext = key
			break
		}
		if !errors.Is(err, apikey.ErrPrefixCollision) {
			h.log.Error().Err(err).Str("handler", "key").Msg("key insert failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
		}
		record = nil
	}
	if record == nil {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "Could not allocate a unique key prefix")
	}

	return c.Status(fiber.StatusCreated).JSON(keyResponse{
		ID:        record.ID,
		Name:      record.Name,
		Key:       plaintext,
		MaskedKey: vault.Mask(record.KeyPrefix, record.KeySuffix),
		Scopes:    record.Scopes,
		ExpiresAt: record.ExpiresAt,
		CreatedAt: record.CreatedAt,
	})
}

// List handles GET /api/v1/projects/:slug/keys. Keys are always masked.
func (h *KeyHandler) List(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	keys, err := h.keys.ListByProject(c.Context(), proj.ID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "key").Msg("list keys failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
	}

	out := make([]keyResponse, len(keys))
	for i, k := range keys {
		out[i] = keyResponse{
			ID:         k.ID,
			Name:       k.Name,
			MaskedKey:  vault.Mask(k.KeyPrefix, k.KeySuffix),
			Scopes:     k.Scopes,
			ExpiresAt:  k.ExpiresAt,
			LastUsedAt: k.LastUsedAt,
			CreatedAt:  k.CreatedAt,
		}
	}
	return c.JSON(out)
}

// Delete handles DELETE /api/v1/projects/:slug/keys/:id. Revocation takes
// effect on the very next request made with the key.
func (h *KeyHandler) Delete(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid key id")
	}

	record, err := h.keys.GetByID(c.Context(), id)
	if err != nil || record.ProjectID != proj.ID {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "API key not found")
	}

	if err := h.keys.Revoke(c.Context(), id); err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "API key not found")
		}
		h.log.Error().Err(err).Str("handler", "key").Msg("revoke failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
	}
	return c.JSON(fiber.Map{"message": "API key revoked"})
}

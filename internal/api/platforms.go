package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
	"github.com/gatekit-chat/gatekit-server/internal/project"
	"github.com/gatekit-chat/gatekit-server/internal/validate"
)

// PlatformHandler serves the platform config endpoints.
type PlatformHandler struct {
	projects project.Repository
	svc      *platform.Service
	log      zerolog.Logger
}

// NewPlatformHandler creates a platform handler.
func NewPlatformHandler(projects project.Repository, svc *platform.Service, logger zerolog.Logger) *PlatformHandler {
	return &PlatformHandler{projects: projects, svc: svc, log: logger}
}

type createPlatformRequest struct {
	Platform    string         `json:"platform" validate:"required"`
	Credentials map[string]any `json:"credentials" validate:"required"`
	IsActive    bool           `json:"isActive"`
	TestMode    bool           `json:"testMode"`
}

type updatePlatformRequest struct {
	Credentials map[string]any `json:"credentials,omitempty"`
	IsActive    *bool          `json:"isActive,omitempty"`
	TestMode    *bool          `json:"testMode,omitempty"`
}

type platformResponse struct {
	ID          uuid.UUID      `json:"id"`
	Platform    string         `json:"platform"`
	IsActive    bool           `json:"isActive"`
	TestMode    bool           `json:"testMode"`
	Credentials map[string]any `json:"credentials"`
	WebhookURL  string         `json:"webhookUrl"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func toPlatformResponse(v *platform.View) platformResponse {
	return platformResponse{
		ID:          v.Config.ID,
		Platform:    v.Config.Platform,
		IsActive:    v.Config.IsActive,
		TestMode:    v.Config.TestMode,
		Credentials: v.Credentials,
		WebhookURL:  v.WebhookURL,
		CreatedAt:   v.Config.CreatedAt,
		UpdatedAt:   v.Config.UpdatedAt,
	}
}

// Create handles POST /api/v1/projects/:slug/platforms.
func (h *PlatformHandler) Create(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	var req createPlatformRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid request body")
	}
	if fieldErrs := validate.Struct(req); fieldErrs != nil {
		return httputil.FailDetails(c, fiber.StatusBadRequest, apierrors.BadRequest, "Request validation failed", fieldErrs)
	}

	view, err := h.svc.Create(c.Context(), proj.Slug, platform.ServiceCreateParams{
		Platform:    req.Platform,
		Credentials: req.Credentials,
		IsActive:    req.IsActive,
		TestMode:    req.TestMode,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toPlatformResponse(view))
}

// List handles GET /api/v1/projects/:slug/platforms. Credentials in the
// listing are always masked.
func (h *PlatformHandler) List(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}

	views, err := h.svc.List(c.Context(), proj.Slug)
	if err != nil {
		return h.mapError(c, err)
	}
	out := make([]platformResponse, len(views))
	for i := range views {
		out[i] = toPlatformResponse(&views[i])
	}
	return c.JSON(out)
}

// Get handles GET /api/v1/projects/:slug/platforms/:id. This is the only
// read that returns decrypted credentials; it sits behind platforms:read.
func (h *PlatformHandler) Get(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid platform id")
	}

	view, err := h.svc.Get(c.Context(), proj.Slug, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(toPlatformResponse(view))
}

// Update handles PATCH /api/v1/projects/:slug/platforms/:id.
func (h *PlatformHandler) Update(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid platform id")
	}

	var req updatePlatformRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid request body")
	}

	view, err := h.svc.Update(c.Context(), proj.Slug, id, platform.ServiceUpdateParams{
		Credentials: req.Credentials,
		IsActive:    req.IsActive,
		TestMode:    req.TestMode,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(toPlatformResponse(view))
}

// Delete handles DELETE /api/v1/projects/:slug/platforms/:id.
func (h *PlatformHandler) Delete(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid platform id")
	}

	if err := h.svc.Remove(c.Context(), proj.Slug, id); err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Platform deleted"})
}

// RegisterWebhook handles POST /api/v1/projects/:slug/platforms/:id/register-webhook.
func (h *PlatformHandler) RegisterWebhook(c fiber.Ctx) error {
	proj, ok := resolveProject(c, h.projects)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, "Invalid platform id")
	}

	webhookURL, info, err := h.svc.RegisterWebhook(c.Context(), proj.Slug, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Webhook registered",
		"webhookUrl":  webhookURL,
		"webhookInfo": info,
	})
}

func (h *PlatformHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, project.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Project not found")
	case errors.Is(err, platform.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Platform not found")
	case errors.Is(err, platform.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.BadRequest, err.Error())
	case errors.Is(err, platform.ErrInactive):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "Platform is not active")
	case errors.Is(err, platform.ErrUnsupported), errors.Is(err, platform.ErrProviderNotFound):
		return httputil.Fail(c, fiber.StatusUnprocessableEntity, apierrors.Unsupported, err.Error())
	case errors.Is(err, platform.ErrTokenCollision):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "Could not allocate a unique webhook token")
	default:
		h.log.Error().Err(err).Str("handler", "platform").Msg("unexpected error")
		return httputil.Fail(c, fiber.StatusBadGateway, apierrors.ProviderErr, "Upstream platform error")
	}
}

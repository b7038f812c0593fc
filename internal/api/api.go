// Package api holds the Fiber handlers for the gateway's HTTP surface.
// Handlers translate between the JSON wire shapes and the services, map
// service errors onto the stable error envelope, and never contain domain
// logic of their own.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/apikey"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/project"
)

// resolveProject loads the project named by the :slug path parameter and
// checks that the authenticated key belongs to it. On failure the response
// has already been written and ok is false.
func resolveProject(c fiber.Ctx, projects project.Repository) (*project.Project, bool) {
	slug := c.Params("slug")
	proj, err := projects.GetBySlug(c.Context(), slug)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			_ = httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Project not found")
		} else {
			_ = httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
		}
		return nil, false
	}

	if ac, ok := apikey.FromContext(c); ok && ac.ProjectID != proj.ID {
		_ = httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "API key does not belong to this project")
		return nil, false
	}
	return proj, true
}

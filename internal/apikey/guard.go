package apikey

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/vault"
)

// contextKey is the fiber.Locals key under which the stamped AuthContext is
// stored.
const contextKey = "apikey.authContext"

// Guard authenticates requests carrying an API key and enforces scope and
// rate-limit policy.
type Guard struct {
	repo    Repository
	limiter *RateLimiter
	log     zerolog.Logger
}

// NewGuard constructs a Guard. limiter may be nil to disable rate limiting
// (e.g. in tests).
func NewGuard(repo Repository, limiter *RateLimiter, logger zerolog.Logger) *Guard {
	return &Guard{repo: repo, limiter: limiter, log: logger}
}

// RequireScope returns Fiber middleware that authenticates the request's API
// key and requires it to grant at least one of requiredScopes. An empty
// requiredScopes requires only valid authentication.
func (g *Guard) RequireScope(requiredScopes ...string) fiber.Handler {
	return func(c fiber.Ctx) error {
		key := extractKey(c)
		if key == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing API key")
		}

		prefix := vault.KeyPrefix(key)
		record, err := g.repo.GetByPrefix(c.Context(), prefix)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid API key")
		}

		if !vault.ConstantTimeEqual(vault.HashAPIKey(key), record.KeyHash) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid API key")
		}

		now := time.Now()
		if !record.Valid(now) {
			code, msg := apierrors.Unauthorized, "API key is no longer valid"
			if record.RevokedAt != nil {
				msg = "API key has been revoked"
			} else {
				msg = "API key has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, code, msg)
		}

		if !record.HasAnyScope(requiredScopes) {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.Forbidden, "API key does not grant the required scope")
		}

		if g.limiter != nil {
			result, err := g.limiter.Allow(c.Context(), record.ID)
			if err != nil {
				g.log.Warn().Err(err).Msg("rate limiter check failed, failing open")
			} else {
				c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				if !result.Allowed {
					c.Set("Retry-After", strconv.Itoa(int(result.RetryIn.Seconds())))
					return httputil.Fail(c, fiber.StatusTooManyRequests, apierrors.RateLimited, "Rate limit exceeded")
				}
			}
		}

		c.Locals(contextKey, AuthContext{
			AuthType:  "api-key",
			ProjectID: record.ProjectID,
			KeyID:     record.ID,
			Scopes:    record.Scopes,
		})

		// Best-effort, non-blocking: the request must never wait on this write
		//.
		go func() {
			_ = g.repo.TouchLastUsed(context.WithoutCancel(c.Context()), record.ID, now)
		}()

		return c.Next()
	}
}

// FromContext retrieves the AuthContext stamped by Guard.RequireScope.
func FromContext(c fiber.Ctx) (AuthContext, bool) {
	ac, ok := c.Locals(contextKey).(AuthContext)
	return ac, ok
}

// extractKey reads the API key from X-API-Key, falling back to an
// Authorization: Bearer header.
func extractKey(c fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

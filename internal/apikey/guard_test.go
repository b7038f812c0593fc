package apikey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/vault"
)

// fakeRepository is an in-memory Repository for guard tests.
type fakeRepository struct {
	byPrefix map[string]*ApiKey
	touched  map[uuid.UUID]time.Time
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byPrefix: map[string]*ApiKey{}, touched: map[uuid.UUID]time.Time{}}
}

func (f *fakeRepository) Create(context.Context, CreateParams) (*ApiKey, error) { return nil, nil }
func (f *fakeRepository) GetByPrefix(_ context.Context, prefix string) (*ApiKey, error) {
	k, ok := f.byPrefix[prefix]
	if !ok {
		return nil, ErrNotFound
	}
	return k, nil
}
func (f *fakeRepository) GetByID(context.Context, uuid.UUID) (*ApiKey, error) { return nil, nil }
func (f *fakeRepository) ListByProject(context.Context, uuid.UUID) ([]ApiKey, error) {
	return nil, nil
}
func (f *fakeRepository) Revoke(context.Context, uuid.UUID) error { return nil }
func (f *fakeRepository) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	f.touched[id] = at
	return nil
}

func (f *fakeRepository) add(key string, scopes []string, revoked bool, expiresAt *time.Time) *ApiKey {
	k := &ApiKey{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		KeyHash:   vault.HashAPIKey(key),
		KeyPrefix: vault.KeyPrefix(key),
		KeySuffix: vault.KeySuffix(key),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}
	if revoked {
		now := time.Now()
		k.RevokedAt = &now
	}
	f.byPrefix[k.KeyPrefix] = k
	return k
}

func TestGuard_MissingKey(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	guard := NewGuard(repo, nil, zerolog.Nop())

	app := fiber.New()
	app.Use(guard.RequireScope("messages:send"))
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "", "")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestGuard_ValidKeySufficientScope(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	record := repo.add(key, []string{"messages:send"}, false, nil)

	guard := NewGuard(repo, nil, zerolog.Nop())

	app := fiber.New()
	app.Use(guard.RequireScope("messages:send"))
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "X-API-Key", key)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	if _, ok := repo.touched[record.ID]; ok {
		// TouchLastUsed runs in a goroutine and may not have run yet; the
		// test does not wait for it.
	}
}

func TestGuard_WrongSecretSamePrefix(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	repo.add(key, []string{"*"}, false, nil)

	guard := NewGuard(repo, nil, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope())
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	wrongKey := key[:len(key)-1] + "x"
	resp := doGet(t, app, "X-API-Key", wrongKey)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestGuard_RevokedKey(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	repo.add(key, []string{"*"}, true, nil)

	guard := NewGuard(repo, nil, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope())
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "X-API-Key", key)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestGuard_ExpiredKey(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	past := time.Now().Add(-time.Hour)
	repo.add(key, []string{"*"}, false, &past)

	guard := NewGuard(repo, nil, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope())
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "X-API-Key", key)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestGuard_InsufficientScope(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	repo.add(key, []string{"messages:read"}, false, nil)

	guard := NewGuard(repo, nil, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope("messages:send"))
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "X-API-Key", key)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
}

func TestGuard_WildcardScope(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	repo.add(key, []string{"*"}, false, nil)

	guard := NewGuard(repo, nil, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope("messages:send"))
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "X-API-Key", key)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
}

func TestGuard_BearerAuthorizationHeader(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	repo.add(key, []string{"*"}, false, nil)

	guard := NewGuard(repo, nil, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope())
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp := doGet(t, app, "Authorization", "Bearer "+key)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
}

func TestGuard_RateLimited(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRateLimiter(client, 1, time.Minute)

	repo := newFakeRepository()
	key, _ := vault.GenerateAPIKey(vault.EnvLive)
	repo.add(key, []string{"*"}, false, nil)

	guard := NewGuard(repo, limiter, zerolog.Nop())
	app := fiber.New()
	app.Use(guard.RequireScope())
	app.Get("/test", func(c fiber.Ctx) error { return c.SendStatus(200) })

	resp1 := doGet(t, app, "X-API-Key", key)
	if resp1.StatusCode != fiber.StatusOK {
		t.Fatalf("first request status = %d, want %d", resp1.StatusCode, fiber.StatusOK)
	}

	resp2 := doGet(t, app, "X-API-Key", key)
	if resp2.StatusCode != fiber.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", resp2.StatusCode, fiber.StatusTooManyRequests)
	}
	if resp2.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header on rate-limited response")
	}
}

func doGet(t *testing.T, app *fiber.App, headerName, headerValue string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if headerName != "" {
		req.Header.Set(headerName, headerValue)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

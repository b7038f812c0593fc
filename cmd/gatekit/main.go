package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gatekit-chat/gatekit-server/internal/api"
	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/apikey"
	"github.com/gatekit-chat/gatekit-server/internal/attachment"
	"github.com/gatekit-chat/gatekit-server/internal/breaker"
	"github.com/gatekit-chat/gatekit-server/internal/config"
	"github.com/gatekit-chat/gatekit-server/internal/dispatch"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/metrics"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
	"github.com/gatekit-chat/gatekit-server/internal/platform/discord"
	"github.com/gatekit-chat/gatekit-server/internal/platform/telegram"
	"github.com/gatekit-chat/gatekit-server/internal/platform/whatsapp"
	"github.com/gatekit-chat/gatekit-server/internal/postgres"
	"github.com/gatekit-chat/gatekit-server/internal/project"
	"github.com/gatekit-chat/gatekit-server/internal/queue"
	"github.com/gatekit-chat/gatekit-server/internal/redisconn"
	"github.com/gatekit-chat/gatekit-server/internal/sanitize"
	"github.com/gatekit-chat/gatekit-server/internal/vault"
	"github.com/gatekit-chat/gatekit-server/internal/webhook"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg          *config.Config
	db           *pgxpool.Pool
	rdb          *redis.Client
	projectRepo  project.Repository
	keyRepo      apikey.Repository
	platformRepo platform.Repository
	platformSvc  *platform.Service
	registry     *platform.Registry
	queue        *queue.Queue
	sentRepo     message.SentRepository
	fetcher      *attachment.Fetcher
	guard        *apikey.Guard
	webhookRoute *webhook.Router
	metrics      *metrics.Metrics
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting GateKit Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Redis
	rdb, err := redisconn.Connect(ctx, cfg.RedisURL, cfg.RedisDialTimeout)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Redis connected")

	// Credential vault
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	m := metrics.New()

	// Repositories
	projectRepo := project.NewPGRepository(db, log.Logger)
	keyRepo := apikey.NewPGRepository(db, log.Logger)
	platformRepo := platform.NewPGRepository(db, log.Logger)
	sentRepo := message.NewPGSentRepository(db, log.Logger)
	inboundRepo := message.NewPGInboundRepository(db, log.Logger)

	// Inbound ingestion is shared between webhook deliveries and
	// connection-oriented providers.
	ingestor := webhook.NewIngestor(inboundRepo, nil, m, log.Logger)

	// Platform providers and registry
	registry := platform.NewRegistry(log.Logger)
	registry.Register(discord.NewProvider(ingestor, log.Logger))
	registry.Register(telegram.NewProvider(log.Logger))
	registry.Register(whatsapp.NewProvider(log.Logger))
	for _, p := range registry.Providers() {
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s provider: %w", p.Name(), err)
		}
	}

	platformSvc := platform.NewService(platformRepo, projectRepo, v, registry, cfg.APIBaseURL, log.Logger)

	// Send pipeline
	fetcher := attachment.NewFetcher(nil, cfg.MaxAttachmentBytes, log.Logger)
	q := queue.New(rdb, queue.Options{
		MaxAttempts:    cfg.JobMaxAttempts,
		BackoffBase:    cfg.JobBackoffBase,
		StallThreshold: cfg.JobStallThreshold,
	}, m, log.Logger)

	orchestrator := dispatch.New(dispatch.Config{
		Projects:  projectRepo,
		Platforms: platformRepo,
		Creds:     platformSvc,
		Registry:  registry,
		Fetcher:   fetcher,
		Sanitizer: sanitize.New(),
		Sent:      sentRepo,
		Breakers:  breaker.NewRegistry(),
		Queue:     q,
		Metrics:   m,
		Logger:    log.Logger,
	})

	// Dispatch workers run on their own pool, distinct from HTTP handlers,
	// with a shared cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	worker := queue.NewWorker(q, orchestrator.Process, platform.IsRetryable,
		cfg.QueueConcurrency, cfg.ShutdownGracePeriod, log.Logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		runWithBackoff(subCtx, "dispatch-worker", worker.Run)
	}()

	guard := apikey.NewGuard(keyRepo,
		apikey.NewRateLimiter(rdb, cfg.RateLimitAPIRequests, time.Duration(cfg.RateLimitAPIWindowSeconds)*time.Second),
		log.Logger)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "GateKit",
		BodyLimit: int(cfg.MaxAttachmentBytes) + 1<<20,
		// ErrorHandler catches errors returned by handlers that are not
		// already mapped to structured API responses (e.g. Fiber's built-in
		// 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "An internal error occurred"
			code := apierrors.Internal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				msg = e.Message
				code = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{Code: code, Message: msg})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
	}))

	// Coarse per-IP limiter in front of everything; the per-key limiter in
	// the guard applies the tenant policy after authentication.
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests * 4,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	srv := &server{
		cfg:          cfg,
		db:           db,
		rdb:          rdb,
		projectRepo:  projectRepo,
		keyRepo:      keyRepo,
		platformRepo: platformRepo,
		platformSvc:  platformSvc,
		registry:     registry,
		queue:        q,
		sentRepo:     sentRepo,
		fetcher:      fetcher,
		guard:        guard,
		webhookRoute: webhook.NewRouter(platformRepo, registry, ingestor, log.Logger),
		metrics:      m,
	}
	srv.registerRoutes(app)

	// Graceful shutdown: stop taking jobs and accepting HTTP, then wait for
	// in-flight jobs up to the grace period before tearing down adapters.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-quit
		log.Info().Msg("Shutting down server")
		subCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
		}
		registry.Shutdown(shutdownCtx)
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	<-shutdownDone
	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	health := api.NewHealthHandler(s.db, redisPinger{client: s.rdb})
	app.Get("/health", health.Health)

	// Operator-facing Prometheus scrape endpoint, outside /api/v1.
	app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	// Inbound provider callbacks: the token is the credential, no API key.
	app.Post("/webhooks/:platform/:token", s.webhookRoute.Handle)
	app.Post("/webhooks/:platform/:token/*", s.webhookRoute.Handle)

	// Tenant API
	messageHandler := api.NewMessageHandler(s.projectRepo, s.platformRepo, s.queue, s.sentRepo, s.fetcher, log.Logger)
	msgGroup := app.Group("/api/v1/projects/:slug/messages")
	msgGroup.Post("/send", s.guard.RequireScope("messages:send"), messageHandler.Send)
	msgGroup.Get("/status/:jobId", s.guard.RequireScope("messages:read"), messageHandler.Status)
	msgGroup.Post("/retry/:jobId", s.guard.RequireScope("messages:send"), messageHandler.Retry)
	msgGroup.Get("/queue/metrics", s.guard.RequireScope("messages:read"), messageHandler.QueueMetrics)

	platformHandler := api.NewPlatformHandler(s.projectRepo, s.platformSvc, log.Logger)
	platGroup := app.Group("/api/v1/projects/:slug/platforms")
	platGroup.Post("/", s.guard.RequireScope("platforms:write"), platformHandler.Create)
	platGroup.Get("/", s.guard.RequireScope("platforms:read"), platformHandler.List)
	platGroup.Get("/:id", s.guard.RequireScope("platforms:read"), platformHandler.Get)
	platGroup.Patch("/:id", s.guard.RequireScope("platforms:write"), platformHandler.Update)
	platGroup.Delete("/:id", s.guard.RequireScope("platforms:write"), platformHandler.Delete)
	platGroup.Post("/:id/register-webhook", s.guard.RequireScope("platforms:write"), platformHandler.RegisterWebhook)

	keyHandler := api.NewKeyHandler(s.projectRepo, s.keyRepo, log.Logger)
	keyGroup := app.Group("/api/v1/projects/:slug/keys")
	keyGroup.Post("/", s.guard.RequireScope("keys:write"), keyHandler.Create)
	keyGroup.Get("/", s.guard.RequireScope("keys:read"), keyHandler.List)
	keyGroup.Delete("/:id", s.guard.RequireScope("keys:write"), keyHandler.Delete)

	// Catch-all handler returns 404 for any request that does not match a
	// defined route. Fiber treats app.Use() middleware as route matches, so
	// without this terminal handler unmatched requests would return 200.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in
// errors (404, 405, etc.) to the closest stable error code.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierrors.NotFound
	case fiber.StatusMethodNotAllowed:
		return apierrors.BadRequest
	case fiber.StatusTooManyRequests:
		return apierrors.RateLimited
	case fiber.StatusRequestEntityTooLarge:
		return apierrors.BadRequest
	case fiber.StatusServiceUnavailable:
		return apierrors.ProviderErr
	default:
		if status >= 400 && status < 500 {
			return apierrors.BadRequest
		}
		return apierrors.Internal
	}
}

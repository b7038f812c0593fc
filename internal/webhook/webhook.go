// Package webhook routes inbound provider callbacks to the right platform
// instance by opaque webhook token and persists the canonical events they
// yield. Ingestion is idempotent: replayed deliveries collapse onto the
// stored rows' uniqueness keys.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/apierrors"
	"github.com/gatekit-chat/gatekit-server/internal/httputil"
	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/metrics"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

// Notifier fans ingested events out to tenant webhook subscribers; the
// dispatcher behind it is an external collaborator.
type Notifier interface {
	Notify(ctx context.Context, projectID uuid.UUID, event string, payload any)
}

// Ingestor persists canonical inbound events. It implements
// platform.InboundSink so connection-oriented providers (the Discord
// gateway session) share the same path as webhook deliveries.
type Ingestor struct {
	inbound  message.InboundRepository
	notifier Notifier
	m        *metrics.Metrics
	log      zerolog.Logger
}

// NewIngestor creates an Ingestor. notifier and m may be nil.
func NewIngestor(inbound message.InboundRepository, notifier Notifier, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{inbound: inbound, notifier: notifier, m: m, log: logger}
}

// Ingest persists each event, swallowing duplicates, and notifies tenant
// subscribers about fresh rows only.
func (i *Ingestor) Ingest(ctx context.Context, cfg platform.Config, events []message.InboundEvent) error {
	var errs error
	for _, ev := range events {
		inserted, err := i.persist(ctx, cfg, ev)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if i.m != nil {
			i.m.InboundEvents.WithLabelValues(cfg.Platform, string(ev.Type)).Inc()
		}
		if inserted && i.notifier != nil {
			i.notifier.Notify(ctx, cfg.ProjectID, string(ev.Type), map[string]any{
				"platformId":        cfg.ID,
				"platform":          cfg.Platform,
				"providerMessageId": ev.ProviderMessageID,
				"chatId":            ev.ChatID,
			})
		}
	}
	return errs
}

func (i *Ingestor) persist(ctx context.Context, cfg platform.Config, ev message.InboundEvent) (bool, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch ev.Type {
	case message.InboundReceivedMessage:
		return i.inbound.InsertMessage(ctx, message.ReceivedMessage{
			ProjectID:         cfg.ProjectID,
			PlatformConfigID:  cfg.ID,
			Platform:          cfg.Platform,
			ProviderMessageID: ev.ProviderMessageID,
			ProviderUserID:    ev.ProviderUserID,
			ProviderUserName:  ev.ProviderUserName,
			ChatID:            ev.ChatID,
			Text:              ev.Text,
			FromMe:            ev.FromMe,
			ReceivedAt:        ts,
			Raw:               ev.Raw,
		})
	case message.InboundReactionAdded, message.InboundReactionRemoved:
		return i.inbound.InsertReaction(ctx, message.ReceivedReaction{
			ProjectID:         cfg.ProjectID,
			PlatformConfigID:  cfg.ID,
			Platform:          cfg.Platform,
			ProviderMessageID: ev.ProviderMessageID,
			ProviderUserID:    ev.ProviderUserID,
			Emoji:             ev.Emoji,
			ReactionType:      reactionType(ev),
			FromMe:            ev.FromMe,
			ReceivedAt:        ts,
		})
	default:
		i.log.Warn().Str("type", string(ev.Type)).Msg("Dropping inbound event of unknown type")
		return false, nil
	}
}

func reactionType(ev message.InboundEvent) string {
	if ev.ReactionType != "" {
		return ev.ReactionType
	}
	return "emoji"
}

// Router serves POST /webhooks/:platform/:token and demultiplexes each
// delivery to its platform instance.
type Router struct {
	platforms platform.Repository
	registry  *platform.Registry
	ingest    *Ingestor
	log       zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(platforms platform.Repository, registry *platform.Registry, ingest *Ingestor, logger zerolog.Logger) *Router {
	return &Router{platforms: platforms, registry: registry, ingest: ingest, log: logger}
}

// Handle processes one inbound delivery. The token alone is the
// credential: an unknown token is a plain 404 that does not disclose
// whether the platform segment exists, and a token whose config names a
// different platform is treated the same as unknown. Parse failures are
// acknowledged with 200 to stop provider retry storms; idempotent
// ingestion makes that safe.
func (r *Router) Handle(c fiber.Ctx) error {
	token := c.Params("token")
	cfg, err := r.platforms.GetByWebhookToken(c.Context(), token)
	if err != nil || cfg.Platform != c.Params("platform") {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Unknown webhook")
	}
	if !cfg.IsActive {
		return httputil.Fail(c, fiber.StatusGone, apierrors.NotFound, "This webhook is no longer active")
	}

	provider, ok := r.registry.Provider(cfg.Platform)
	if !ok {
		// Config persisted before its provider was deployed; acknowledge so
		// the platform does not retry forever.
		r.log.Warn().Str("platform", cfg.Platform).Msg("Inbound delivery for provider that is not deployed")
		return c.SendStatus(fiber.StatusOK)
	}
	parser, ok := provider.(platform.InboundParser)
	if !ok {
		r.log.Warn().Str("platform", cfg.Platform).Msg("Inbound delivery for provider without an inbound parser")
		return c.SendStatus(fiber.StatusOK)
	}

	events, err := parser.ParseInbound(c.Context(), *cfg, c.Params("*"), c.Body(), headersOf(c))
	if err != nil {
		r.log.Warn().Err(err).Str("platform", cfg.Platform).Msg("Failed to parse inbound delivery")
		return c.SendStatus(fiber.StatusOK)
	}

	if err := r.ingest.Ingest(c.Context(), *cfg, events); err != nil {
		r.log.Error().Err(err).Str("platform", cfg.Platform).Msg("Failed to persist inbound events")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.Internal, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusOK)
}

func headersOf(c fiber.Ctx) http.Header {
	h := http.Header{}
	for key, values := range c.GetReqHeaders() {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	return h
}

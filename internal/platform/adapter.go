package platform

import (
	"context"
	"errors"
	"net/http"

	"github.com/gatekit-chat/gatekit-server/internal/attachment"
	"github.com/gatekit-chat/gatekit-server/internal/message"
)

// ConnectionType describes how a provider talks to its platform.
type ConnectionType string

// The ConnectionType values.
const (
	ConnectionWebsocket ConnectionType = "websocket"
	ConnectionWebhook   ConnectionType = "webhook"
	ConnectionPolling   ConnectionType = "polling"
	ConnectionHTTP      ConnectionType = "http"
)

// AdapterState is the lifecycle state of one live adapter. Transitions are
// one-way except Connecting, which may be re-entered on reconnect, and the
// Ready/Degraded pair, which oscillates with connection health.
type AdapterState int32

// The AdapterState values.
const (
	StateUninitialized AdapterState = iota
	StateConnecting
	StateReady
	StateDegraded
	StateShuttingDown
	StateTerminated
)

// String returns the lowercase state name.
func (s AdapterState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SendInput is everything an adapter needs for one delivery: the target,
// sanitized content, resolved attachments, and options.
type SendInput struct {
	Target      message.Target
	Content     message.Content
	Attachments []attachment.Resolved
	Options     message.Options
}

// SendResult reports a successful delivery.
type SendResult struct {
	ProviderMessageID string
}

// Adapter is one live connection bound to one (project, config) pair. All
// methods must be safe to call from many dispatch workers concurrently.
type Adapter interface {
	Key() ConnectionKey
	State() AdapterState

	// SendMessage delivers one message to one target. Errors should be
	// *ProviderError so the dispatcher can tell retryable failures apart
	// from permanent ones.
	SendMessage(ctx context.Context, in SendInput) (SendResult, error)

	// Shutdown releases the adapter's connections. The adapter is
	// Terminated afterwards and must not be reused.
	Shutdown(ctx context.Context) error
}

// EventType classifies a configuration lifecycle change.
type EventType string

// The lifecycle event types, fired by the lifecycle service on exactly
// these transitions: create-active, inactive-to-active, active-to-inactive,
// and delete.
const (
	EventCreated     EventType = "created"
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventDeleted     EventType = "deleted"
)

// Event notifies a provider of a configuration change. Credentials carries
// the decrypted blob so providers can act on the remote platform — in
// particular, a deleted event needs them to clean up remote state.
type Event struct {
	Type        EventType
	Config      Config
	Credentials []byte
}

// Provider is the per-platform singleton: a factory and lifecycle sink for
// adapters of one platform kind.
type Provider interface {
	Name() string
	DisplayName() string
	ConnectionType() ConnectionType

	// Initialize prepares the provider at process start; Shutdown tears
	// down all of its adapters at process exit.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// ValidateCredentials checks a decrypted credentials blob against the
	// platform's schema without contacting the platform.
	ValidateCredentials(credentials []byte) error

	// CreateAdapter builds a live adapter for cfg using the decrypted
	// credentials.
	CreateAdapter(ctx context.Context, cfg Config, credentials []byte) (Adapter, error)

	IsHealthy() bool
}

// EventHandler is an optional provider capability: providers that care
// about configuration lifecycle changes implement it; the lifecycle
// service silently skips providers that do not.
type EventHandler interface {
	OnPlatformEvent(ctx context.Context, ev Event) error
}

// Reactor is an optional adapter capability for message reactions.
// Requesting a reaction on an adapter that lacks it fails with
// ErrUnsupported, never a crash.
type Reactor interface {
	SendReaction(ctx context.Context, chatID, messageID, emoji string, fromMe bool) error
	RemoveReaction(ctx context.Context, chatID, messageID, emoji string, fromMe bool) error
}

// WebhookRegistrar is an optional provider capability for platforms whose
// inbound delivery requires an external registration call (e.g. Telegram
// setWebhook). Registration must be idempotent.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, cfg Config, credentials []byte, webhookURL string) (map[string]any, error)
}

// InboundParser is an optional provider capability: parsing a provider
// callback body into canonical events. Providers without it cannot receive
// webhooks.
type InboundParser interface {
	ParseInbound(ctx context.Context, cfg Config, path string, body []byte, headers http.Header) ([]message.InboundEvent, error)
}

// InboundSink receives canonical inbound events from connection-oriented
// providers (e.g. a websocket receive loop) for persistence and tenant
// fan-out. The webhook ingest service implements it.
type InboundSink interface {
	Ingest(ctx context.Context, cfg Config, events []message.InboundEvent) error
}

// ProviderError wraps a platform failure with retryability: network
// timeouts, 5xx responses, and rate limits are retryable; auth failures
// and other 4xx are not.
type ProviderError struct {
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string { return e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with an explicit retryability.
func NewProviderError(retryable bool, err error) *ProviderError {
	return &ProviderError{Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a provider failure worth retrying
// with backoff. Unclassified errors are treated as retryable so transient
// infrastructure failures are not silently dropped.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrInvalidCredentials) {
		return false
	}
	return true
}

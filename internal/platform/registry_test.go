package platform

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
)

// fakeAdapter is a minimal Adapter for registry and service tests.
type fakeAdapter struct {
	key      ConnectionKey
	shutdown atomic.Bool
}

func (a *fakeAdapter) Key() ConnectionKey  { return a.key }
func (a *fakeAdapter) State() AdapterState { return StateReady }
func (a *fakeAdapter) SendMessage(_ context.Context, _ SendInput) (SendResult, error) {
	return SendResult{ProviderMessageID: "m1"}, nil
}
func (a *fakeAdapter) Shutdown(_ context.Context) error {
	a.shutdown.Store(true)
	return nil
}

// fakeProvider records lifecycle events and counts adapter creations.
type fakeProvider struct {
	name        string
	mu          sync.Mutex
	events      []Event
	created     atomic.Int64
	validateErr error
}

func (p *fakeProvider) Name() string                   { return p.name }
func (p *fakeProvider) DisplayName() string            { return p.name }
func (p *fakeProvider) ConnectionType() ConnectionType { return ConnectionHTTP }
func (p *fakeProvider) Initialize(context.Context) error {
	return nil
}
func (p *fakeProvider) Shutdown(context.Context) error { return nil }
func (p *fakeProvider) ValidateCredentials([]byte) error {
	return p.validateErr
}
func (p *fakeProvider) CreateAdapter(_ context.Context, cfg Config, _ []byte) (Adapter, error) {
	p.created.Add(1)
	return &fakeAdapter{key: cfg.Key()}, nil
}
func (p *fakeProvider) IsHealthy() bool { return true }

// eventRecorder wraps fakeProvider with the optional EventHandler
// capability so tests can opt a provider in or out of lifecycle events.
type eventRecorder struct{ *fakeProvider }

func (p eventRecorder) OnPlatformEvent(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakeProvider) recordedEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

var _ InboundParser = stubParser{}

// stubParser proves the optional interface composes; not used by tests
// beyond the compile-time assertion.
type stubParser struct{}

func (stubParser) ParseInbound(context.Context, Config, string, []byte, http.Header) ([]message.InboundEvent, error) {
	return nil, nil
}

func testConfig(platformName string) Config {
	return Config{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Platform:  platformName,
		IsActive:  true,
	}
}

func TestRegistryProviderLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(&fakeProvider{name: "Discord"})

	if _, ok := r.Provider("discord"); !ok {
		t.Fatal("lowercase lookup should find provider")
	}
	if _, ok := r.Provider("DISCORD"); !ok {
		t.Fatal("uppercase lookup should find provider")
	}
	if _, ok := r.Provider("telegram"); ok {
		t.Fatal("unknown provider should not be found")
	}
}

func TestGetOrCreateAdapterCreatesOnce(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	p := &fakeProvider{name: "discord"}
	r.Register(p)
	cfg := testConfig("discord")

	var wg sync.WaitGroup
	adapters := make([]Adapter, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := r.GetOrCreateAdapter(context.Background(), cfg, nil)
			if err != nil {
				t.Error(err)
				return
			}
			adapters[i] = a
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(adapters); i++ {
		if adapters[i] != adapters[0] {
			t.Fatal("all goroutines should share one adapter")
		}
	}
	if r.AdapterCount() != 1 {
		t.Fatalf("adapter count = %d, want 1", r.AdapterCount())
	}
}

func TestGetOrCreateAdapterUnknownProvider(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.GetOrCreateAdapter(context.Background(), testConfig("nope"), nil)
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestRemoveAdapterShutsDown(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(&fakeProvider{name: "discord"})
	cfg := testConfig("discord")

	a, err := r.GetOrCreateAdapter(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	r.RemoveAdapter(context.Background(), cfg.Key())
	if !a.(*fakeAdapter).shutdown.Load() {
		t.Fatal("removed adapter should be shut down")
	}
	if r.AdapterCount() != 0 {
		t.Fatal("adapter should be gone from the registry")
	}

	// Removing again is a no-op.
	r.RemoveAdapter(context.Background(), cfg.Key())
}

func TestRegistryShutdownTearsDownEverything(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(&fakeProvider{name: "discord"})
	cfgA, cfgB := testConfig("discord"), testConfig("discord")

	a, _ := r.GetOrCreateAdapter(context.Background(), cfgA, nil)
	b, _ := r.GetOrCreateAdapter(context.Background(), cfgB, nil)

	r.Shutdown(context.Background())
	if !a.(*fakeAdapter).shutdown.Load() || !b.(*fakeAdapter).shutdown.Load() {
		t.Fatal("all adapters should be shut down")
	}
	if r.AdapterCount() != 0 {
		t.Fatal("registry should be empty after shutdown")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable provider error", NewProviderError(true, errors.New("timeout")), true},
		{"permanent provider error", NewProviderError(false, errors.New("401")), false},
		{"unsupported", ErrUnsupported, false},
		{"invalid credentials", ErrInvalidCredentials, false},
		{"unclassified", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionKey(t *testing.T) {
	projectID, configID := uuid.New(), uuid.New()
	cfg := Config{ID: configID, ProjectID: projectID}
	want := ConnectionKey(projectID.String() + ":" + configID.String())
	if cfg.Key() != want {
		t.Fatalf("key = %q, want %q", cfg.Key(), want)
	}
}

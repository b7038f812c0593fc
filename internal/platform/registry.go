package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds the process-wide provider singletons and the map of live
// adapters. Workers read it on every dispatch; the lifecycle service
// mutates it rarely, so both maps sit behind a reader-writer lock. The
// lock is never held across a provider call.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	adapters  map[ConnectionKey]Adapter
	log       zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		adapters:  make(map[ConnectionKey]Adapter),
		log:       logger,
	}
}

// Register adds a provider singleton under its lowercase name. Called
// during process wiring, before any traffic.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Provider returns the provider registered under name (case-insensitive).
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// Providers returns all registered providers.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Adapter returns the live adapter for key, if one exists.
func (r *Registry) Adapter(key ConnectionKey) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	return a, ok
}

// GetOrCreateAdapter returns the live adapter for cfg, creating one on
// first demand. Creation happens outside the lock — providers dial the
// network — so two workers may race to create; the loser's adapter is shut
// down and the winner's is returned.
func (r *Registry) GetOrCreateAdapter(ctx context.Context, cfg Config, credentials []byte) (Adapter, error) {
	key := cfg.Key()
	if a, ok := r.Adapter(key); ok {
		return a, nil
	}

	p, ok := r.Provider(cfg.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, cfg.Platform)
	}

	created, err := p.CreateAdapter(ctx, cfg, credentials)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", cfg.Platform, err)
	}

	r.mu.Lock()
	if existing, ok := r.adapters[key]; ok {
		r.mu.Unlock()
		if err := created.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Str("key", string(key)).Msg("Failed to shut down raced adapter")
		}
		return existing, nil
	}
	r.adapters[key] = created
	r.mu.Unlock()
	return created, nil
}

// RemoveAdapter drops the adapter for key from the registry and shuts it
// down. Removing an absent key is a no-op.
func (r *Registry) RemoveAdapter(ctx context.Context, key ConnectionKey) {
	r.mu.Lock()
	a, ok := r.adapters[key]
	delete(r.adapters, key)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := a.Shutdown(ctx); err != nil {
		r.log.Warn().Err(err).Str("key", string(key)).Msg("Adapter shutdown failed")
	}
}

// AdapterCount returns the number of live adapters.
func (r *Registry) AdapterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Shutdown tears down every live adapter and provider. Called once at
// process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[ConnectionKey]Adapter)
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.Unlock()

	for key, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Str("key", string(key)).Msg("Adapter shutdown failed")
		}
	}
	for _, p := range providers {
		if err := p.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Str("provider", p.Name()).Msg("Provider shutdown failed")
		}
	}
}

package provider

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
)

// Constructor builds a client from options.
type Constructor func(opts Options, limiter *ratelimit.Limiter, logger *slog.Logger) Client

// builtins are the provider variants selectable by id in configuration.
var builtins = map[string]Constructor{
	config.ProviderBinance: func(o Options, l *ratelimit.Limiter, lg *slog.Logger) Client {
		return NewBinance(o, l, lg)
	},
	config.ProviderCoinGecko: func(o Options, l *ratelimit.Limiter, lg *slog.Logger) Client {
		return NewCoinGecko(o, l, lg)
	},
	config.ProviderOnChain: func(o Options, l *ratelimit.Limiter, lg *slog.Logger) Client {
		return NewOnChain(o, l, lg)
	},
}

// Registry holds the enabled clients and the kinds each one collects by
// default.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	defaults map[string][]models.RecordKind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]Client),
		defaults: make(map[string][]models.RecordKind),
	}
}

// NewRegistryFromConfig builds a client for every enabled provider.
// Unknown provider ids are a configuration error.
func NewRegistryFromConfig(providers map[string]config.ProviderConfig, limiter *ratelimit.Limiter, m *metrics.Pipeline, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for id, pc := range providers {
		if !pc.Enabled {
			continue
		}
		build, ok := builtins[id]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", id)
		}

		opts := OptionsFromConfig(pc)
		opts.Metrics = m
		client := build(opts, limiter, logger)

		kinds := make([]models.RecordKind, 0, len(pc.Kinds))
		for _, k := range pc.Kinds {
			kind, err := models.ParseRecordKind(k)
			if err != nil {
				return nil, fmt.Errorf("providers.%s.kinds: %w", id, err)
			}
			if !client.Supports(kind) {
				return nil, fmt.Errorf("providers.%s.kinds: %s is not supported", id, kind)
			}
			kinds = append(kinds, kind)
		}
		r.Register(client, kinds...)
	}
	return r, nil
}

// Register adds or replaces a client. defaultKinds are collected when a start
// request names no kinds.
func (r *Registry) Register(c Client, defaultKinds ...models.RecordKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
	r.defaults[c.ID()] = defaultKinds
}

// Get returns the client for id.
func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultKinds returns the kinds collected from provider by default.
func (r *Registry) DefaultKinds(provider string) []models.RecordKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.defaults[provider])
}

// ForKind returns the providers able to produce kind, sorted by id.
func (r *Registry) ForKind(kind models.RecordKind) []Client {
	var out []Client
	for _, id := range r.IDs() {
		c, _ := r.Get(id)
		if c.Supports(kind) {
			out = append(out, c)
		}
	}
	return out
}

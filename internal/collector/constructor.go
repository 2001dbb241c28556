package collector

import (
	"log/slog"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/provider"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

// Builder provides a builder pattern for creating supervisors
type Builder struct {
	providers   *provider.Registry
	store       storage.Store
	writer      *storage.Writer
	cache       cache.Cache
	ttl         *cache.TTLPolicy
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Pipeline
	config      *Config
	now         func() time.Time
}

// NewBuilder creates a new supervisor builder
func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithProviders sets the provider registry
func (b *Builder) WithProviders(providers *provider.Registry) *Builder {
	b.providers = providers
	return b
}

// WithStore sets the backing store
func (b *Builder) WithStore(store storage.Store) *Builder {
	b.store = store
	return b
}

// WithWriter overrides the writer built on top of the store
func (b *Builder) WithWriter(writer *storage.Writer) *Builder {
	b.writer = writer
	return b
}

// WithCache sets the cache
func (b *Builder) WithCache(c cache.Cache) *Builder {
	b.cache = c
	return b
}

// WithTTLPolicy sets the per-kind cache TTLs
func (b *Builder) WithTTLPolicy(policy cache.TTLPolicy) *Builder {
	b.ttl = &policy
	return b
}

// WithBroadcaster sets the broadcaster
func (b *Builder) WithBroadcaster(broadcaster *broadcast.Broadcaster) *Builder {
	b.broadcaster = broadcaster
	return b
}

// WithMetrics sets the Prometheus pipeline
func (b *Builder) WithMetrics(m *metrics.Pipeline) *Builder {
	b.metrics = m
	return b
}

// WithConfig sets the configuration
func (b *Builder) WithConfig(config *Config) *Builder {
	if config != nil {
		b.config = config
	}
	return b
}

// WithLogger sets the logger
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if b.config != nil {
		b.config.Logger = logger
	}
	return b
}

// WithClock overrides the clock used for job timestamps and health ages
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build creates the supervisor
func (b *Builder) Build() (*Supervisor, error) {
	s, err := New(b.providers, b.store, b.cache, b.broadcaster, b.config)
	if err != nil {
		return nil, err
	}
	if b.writer != nil {
		s.writer = b.writer
	}
	if b.ttl != nil {
		s.ttl = *b.ttl
	}
	if b.now != nil {
		s.now = b.now
	}
	s.metrics = b.metrics
	return s, nil
}

// Package ratelimit provides per-provider token-bucket admission control.
//
// Each provider owns an independent bucket backed by golang.org/x/time/rate,
// so callers gated on one provider never wait on another provider's budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	"golang.org/x/time/rate"
)

// DefaultBudget is applied to providers that were never registered: 100
// requests per minute.
var DefaultBudget = Budget{Capacity: 100, RefillPerSecond: 100.0 / 60.0}

// Budget describes a token bucket.
type Budget struct {
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

// BudgetFromConfig converts "N requests per window" into a bucket holding N
// tokens refilled at N/window per second.
func BudgetFromConfig(cfg config.RateLimitConfig) Budget {
	window := config.Duration(cfg.Window, time.Minute)
	return Budget{
		Capacity:        cfg.Requests,
		RefillPerSecond: float64(cfg.Requests) / window.Seconds(),
	}
}

// Status is a point-in-time view of a provider's bucket.
type Status struct {
	Provider        string  `json:"provider"`
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	TokensAvailable float64 `json:"tokens_available"`
}

// Limiter holds one token bucket per provider. The provider map is guarded
// by a mutex; each rate.Limiter synchronizes its own state.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	fallback Budget
	logger   *slog.Logger
	now      func() time.Time
}

type bucket struct {
	budget  Budget
	limiter *rate.Limiter
}

// New creates an empty limiter. Unregistered providers get DefaultBudget.
func New(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		fallback: DefaultBudget,
		logger:   logger,
		now:      time.Now,
	}
}

// NewFromConfig registers a bucket for every configured provider.
func NewFromConfig(providers map[string]config.ProviderConfig, logger *slog.Logger) (*Limiter, error) {
	l := New(logger)
	for id, p := range providers {
		if err := l.Register(id, BudgetFromConfig(p.RateLimit)); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register installs (or replaces) the bucket for provider. New buckets
// start full.
func (l *Limiter) Register(provider string, b Budget) error {
	if provider == "" {
		return fmt.Errorf("provider id is required")
	}
	if b.Capacity <= 0 || b.RefillPerSecond <= 0 {
		return fmt.Errorf("invalid budget for %s: capacity %d, refill %.4f/s", provider, b.Capacity, b.RefillPerSecond)
	}

	l.mu.Lock()
	l.buckets[provider] = newBucket(b)
	l.mu.Unlock()

	l.logger.Info("rate limiter registered",
		"provider", provider,
		"capacity", b.Capacity,
		"refill_per_second", b.RefillPerSecond)
	return nil
}

func newBucket(b Budget) *bucket {
	return &bucket{budget: b, limiter: rate.NewLimiter(rate.Limit(b.RefillPerSecond), b.Capacity)}
}

func (l *Limiter) bucketFor(provider string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[provider]; ok {
		return b
	}
	l.logger.Warn("rate limiter not found, creating default",
		"provider", provider,
		"capacity", l.fallback.Capacity)
	b = newBucket(l.fallback)
	l.buckets[provider] = b
	return b
}

func (b *bucket) clamp(cost int) int {
	if cost < 1 {
		return 1
	}
	if cost > b.budget.Capacity {
		return b.budget.Capacity
	}
	return cost
}

type waitKey struct{}

// WithWaitContext returns ctx carrying wait. Acquire blocks on wait instead
// of ctx, so a caller can end the token wait without canceling the request
// that follows it.
func WithWaitContext(ctx, wait context.Context) context.Context {
	return context.WithValue(ctx, waitKey{}, wait)
}

func waitContext(ctx context.Context) context.Context {
	if wait, ok := ctx.Value(waitKey{}).(context.Context); ok && wait != nil {
		return wait
	}
	return ctx
}

// Acquire blocks until cost tokens are available for provider and debits
// them. It only fails when ctx (or the wait context attached with
// WithWaitContext) ends first, or when its deadline is too close for the wait
// to finish. Costs above capacity are clamped.
func (l *Limiter) Acquire(ctx context.Context, provider string, cost int) error {
	b := l.bucketFor(provider)
	cost = b.clamp(cost)

	start := l.now()
	if err := b.limiter.WaitN(waitContext(ctx), cost); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", provider, err)
	}
	if waited := l.now().Sub(start); waited > time.Second {
		l.logger.Debug("rate limit delayed request", "provider", provider, "waited", waited)
	}
	return nil
}

// TryAcquire debits cost tokens if they are available right now.
func (l *Limiter) TryAcquire(provider string, cost int) bool {
	b := l.bucketFor(provider)
	return b.limiter.AllowN(l.now(), b.clamp(cost))
}

// Budget reports the current state of provider's bucket.
func (l *Limiter) Budget(provider string) Status {
	b := l.bucketFor(provider)
	return Status{
		Provider:        provider,
		Capacity:        b.budget.Capacity,
		RefillPerSecond: b.budget.RefillPerSecond,
		TokensAvailable: b.limiter.TokensAt(l.now()),
	}
}

// Providers returns a status snapshot for every known provider.
func (l *Limiter) Providers() []Status {
	l.mu.RLock()
	ids := make([]string, 0, len(l.buckets))
	for id := range l.buckets {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.Budget(id))
	}
	return out
}

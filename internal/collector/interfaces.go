package collector

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// Sentinel errors returned by the supervisor's control surface.
var (
	ErrJobExists       = errors.New("collector job already exists")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidRequest  = errors.New("invalid collection request")
	ErrShuttingDown    = errors.New("collector supervisor is shutting down")
)

// StartRequest selects the jobs to create. Empty fields fall back to the
// supervisor configuration: every registered provider, the provider's default
// kinds, the configured symbols and timeframes, and the provider interval.
type StartRequest struct {
	Symbols    []string            `json:"symbols"`
	Kinds      []models.RecordKind `json:"kinds"`
	Providers  []string            `json:"providers"`
	Timeframes []models.Timeframe  `json:"timeframes"`
	Interval   time.Duration       `json:"interval"`
}

// JobHandle identifies a job created (or found already running) by
// StartCollection.
type JobHandle struct {
	ID      string        `json:"id"`
	Key     models.JobKey `json:"key"`
	Topic   string        `json:"topic"`
	Created bool          `json:"created"`
}

// JobSelector picks jobs for StopCollection. A zero selector matches nothing;
// set All to match every job. The other fields are combined with AND.
type JobSelector struct {
	All       bool              `json:"all"`
	IDs       []string          `json:"ids"`
	Provider  string            `json:"provider"`
	Symbol    string            `json:"symbol"`
	Kind      models.RecordKind `json:"kind"`
	Timeframe models.Timeframe  `json:"timeframe"`
}

// IsZero reports whether the selector has no criteria.
func (s JobSelector) IsZero() bool {
	return !s.All && len(s.IDs) == 0 && s.Provider == "" && s.Symbol == "" && s.Kind == "" && s.Timeframe == ""
}

// Matches reports whether the job with id and key is selected.
func (s JobSelector) Matches(id string, key models.JobKey) bool {
	if s.All {
		return true
	}
	if s.IsZero() {
		return false
	}
	if len(s.IDs) > 0 && !slices.Contains(s.IDs, id) {
		return false
	}
	if s.Provider != "" && s.Provider != key.Provider {
		return false
	}
	if s.Symbol != "" && models.NormalizeSymbol(s.Symbol) != key.Symbol {
		return false
	}
	if s.Kind != "" && s.Kind != key.Kind {
		return false
	}
	if s.Timeframe != "" && s.Timeframe != key.Timeframe {
		return false
	}
	return true
}

// TickResult is the outcome of a single fetch, persist, cache and publish
// cycle for one job key.
type TickResult struct {
	Key       models.JobKey        `json:"key"`
	Fetched   int                  `json:"fetched"`
	Inserted  int                  `json:"inserted"`
	Existing  int                  `json:"already_exists"`
	Open      int                  `json:"open_bars"` // candles still forming, cached and published only
	Delivered int                  `json:"delivered"`
	Duration  time.Duration        `json:"duration"`
	Error     *models.ErrorSummary `json:"error,omitempty"`
}

// HealthStatus is the overall verdict of a health report.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
)

// ComponentHealth reports reachability of a backing component.
type ComponentHealth struct {
	Reachable    bool          `json:"reachable"`
	Error        string        `json:"error,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Breaker      string        `json:"breaker,omitempty"` // circuit state for breaker-guarded backends
}

// JobHealth is the per-job part of a health report.
type JobHealth struct {
	ID                  string          `json:"id"`
	Key                 string          `json:"key"`
	State               models.JobState `json:"state"`
	LastTickAgeSeconds  *float64        `json:"last_tick_age_seconds,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// HealthReport is returned by PublishHealth.
type HealthReport struct {
	Status    HealthStatus                                 `json:"status"`
	Timestamp time.Time                                    `json:"timestamp"`
	Jobs      []JobHealth                                  `json:"jobs"`
	Cache     ComponentHealth                              `json:"cache"`
	Store     ComponentHealth                              `json:"store"`
	Broadcast broadcast.Stats                              `json:"broadcast"`
	Totals    Totals                                       `json:"totals"`
	Errors    map[apperrors.ErrorType]apperrors.ErrorStats `json:"errors,omitempty"`
}

// ValidateConfig checks supervisor configuration ranges.
func ValidateConfig(config *Config) error {
	if config.DefaultInterval <= 0 {
		return fmt.Errorf("default interval must be positive, got %s", config.DefaultInterval)
	}
	for provider, interval := range config.ProviderIntervals {
		if interval <= 0 {
			return fmt.Errorf("interval for provider %s must be positive, got %s", provider, interval)
		}
	}
	if config.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", config.FailureThreshold)
	}
	if config.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", config.BackoffBase)
	}
	if config.BackoffCap < config.BackoffBase {
		return fmt.Errorf("backoff cap %s is below backoff base %s", config.BackoffCap, config.BackoffBase)
	}
	if config.StopDeadlineFactor <= 0 {
		return fmt.Errorf("stop deadline factor must be positive, got %d", config.StopDeadlineFactor)
	}
	if config.OrderBookDepth < 0 || config.CachedDepth < 0 {
		return fmt.Errorf("order book depths cannot be negative")
	}
	if config.CandleLimit < 0 || config.TradeLimit < 0 {
		return fmt.Errorf("fetch limits cannot be negative")
	}
	for _, tf := range config.Timeframes {
		if tf.Duration() == 0 {
			return fmt.Errorf("unsupported timeframe %q", tf)
		}
	}
	return nil
}

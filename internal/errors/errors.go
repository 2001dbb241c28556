// Package errors provides the pipeline error taxonomy, raw error classification,
// operator-safe error summaries and the circuit breaker guarding remote backends.
// Collector jobs use the taxonomy to decide between counting a failure and entering
// backoff immediately; status and health output only ever carry Summary values.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Pipeline taxonomy
	ErrorTypeTransientProvider ErrorType = "transient_provider" // Network, timeout, 429 or 5xx from a provider
	ErrorTypePermanentProvider ErrorType = "permanent_provider" // Bad symbol, auth failure, 4xx validation
	ErrorTypeStoreWrite        ErrorType = "store_write"        // Persist failed for a reason other than a duplicate key
	ErrorTypeCacheUnavailable  ErrorType = "cache_unavailable"  // Cache backend unreachable or circuit open
	ErrorTypeSlowSubscriber    ErrorType = "slow_subscriber"    // Subscriber could not keep up and was disconnected

	// Raw classifier types
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeServerError    ErrorType = "server_error"
	ErrorTypeBadRequest     ErrorType = "bad_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeCircuitOpen    ErrorType = "circuit_open"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is reports whether target is a ClassifiedError of the same type.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

func newClassified(t ErrorType, severity Severity, retryable bool, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      t,
		Severity:  severity,
		Retryable: retryable,
		Component: component,
		Operation: operation,
		Timestamp: time.Now().UTC(),
	}
}

// Transient wraps a provider failure that the next scheduled tick may recover from.
func Transient(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeTransientProvider, SeverityLow, true, component, operation, err)
}

// Permanent wraps a provider failure that will not succeed without operator action.
func Permanent(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypePermanentProvider, SeverityHigh, false, component, operation, err)
}

// StoreWrite wraps a failed persist.
func StoreWrite(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeStoreWrite, SeverityMedium, true, component, operation, err)
}

// CacheUnavailable wraps a cache backend failure.
func CacheUnavailable(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeCacheUnavailable, SeverityLow, true, component, operation, err)
}

// SlowSubscriber reports a subscriber disconnected for falling behind.
func SlowSubscriber(subscriberID string, err error) *ClassifiedError {
	return newClassified(ErrorTypeSlowSubscriber, SeverityLow, false, "broadcast", subscriberID, err)
}

// Sentinels for errors.Is checks against a taxonomy type.
var (
	ErrTransientProvider = &ClassifiedError{Type: ErrorTypeTransientProvider}
	ErrPermanentProvider = &ClassifiedError{Type: ErrorTypePermanentProvider}
	ErrStoreWrite        = &ClassifiedError{Type: ErrorTypeStoreWrite}
	ErrCacheUnavailable  = &ClassifiedError{Type: ErrorTypeCacheUnavailable}
	ErrSlowSubscriber    = &ClassifiedError{Type: ErrorTypeSlowSubscriber}
)

// IsPermanent reports whether err is a permanent provider error.
func IsPermanent(err error) bool {
	return GetErrorType(err) == ErrorTypePermanentProvider
}

// IsTransient reports whether err is a transient provider error.
func IsTransient(err error) bool {
	return GetErrorType(err) == ErrorTypeTransientProvider
}

// IsCacheUnavailable reports whether err signals an unreachable cache.
func IsCacheUnavailable(err error) bool {
	return GetErrorType(err) == ErrorTypeCacheUnavailable
}

// GetErrorType extracts the error type from the outermost classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// GetSeverity extracts the severity from a classified error
func GetSeverity(err error) Severity {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}

// DefaultSummaryLength bounds Summary messages when no limit is configured.
const DefaultSummaryLength = 200

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"']+`)
	secretPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret|token|password|signature)\s*[=:]\s*)[^\s&"',]+`)
)

// Summary reduces err to its kind and a short message safe for status and
// health output: URLs are replaced by their host, credential-looking
// key=value pairs are masked and the message is truncated.
func Summary(err error) models.ErrorSummary {
	return SummaryN(err, DefaultSummaryLength)
}

// SummaryN is Summary with an explicit message length limit.
func SummaryN(err error, maxLen int) models.ErrorSummary {
	if err == nil {
		return models.ErrorSummary{}
	}

	kind := GetErrorType(err)
	msg := err.Error()
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Err != nil {
		msg = ce.Err.Error()
	}

	msg = urlPattern.ReplaceAllStringFunc(msg, stripURL)
	msg = secretPattern.ReplaceAllString(msg, "${1}[REDACTED]")
	msg = strings.Join(strings.Fields(msg), " ")
	if maxLen > 0 && len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}

	return models.ErrorSummary{Kind: string(kind), Message: msg}
}

// stripURL keeps scheme and host, dropping userinfo, path and query.
func stripURL(raw string) string {
	rest := raw
	scheme := ""
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = rest[:i+3]
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	return scheme + rest
}

// ErrorClassifier maps raw transport errors onto the taxonomy and keeps
// per-type counters for monitoring.
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes a provider-side error and returns it as a transient or
// permanent provider error. Already classified errors pass through unchanged.
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		ec.updateStats(ce.Type)
		return ce
	}

	rawType := ClassifyType(err)
	var classified *ClassifiedError
	switch rawType {
	case ErrorTypeBadRequest, ErrorTypeAuthentication, ErrorTypeValidation, ErrorTypeConfiguration:
		classified = Permanent(component, operation, err)
	default:
		classified = Transient(component, operation, err)
	}

	ec.updateStats(classified.Type)

	ec.logger.Debug("error classified",
		"type", classified.Type,
		"raw_type", rawType,
		"severity", classified.Severity.String(),
		"component", component,
		"operation", operation)

	return classified
}

// ClassifyType determines the raw error type from the error chain and text.
func ClassifyType(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "rate limit", "too many requests", "quota exceeded"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "unauthorized", "forbidden", "authentication", "invalid credentials", "invalid api-key"):
		return ErrorTypeAuthentication
	case containsAny(errStr, "server error", "internal server", "service unavailable", "bad gateway"):
		return ErrorTypeServerError
	case containsAny(errStr, "invalid symbol", "bad request", "not found", "validation"):
		return ErrorTypeBadRequest
	case containsAny(errStr, "not configured", "missing required"):
		return ErrorTypeConfiguration
	}

	return ErrorTypeUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return containsAny(errStr,
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	)
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

// updateStats updates error statistics
func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name         string
	config       config.CircuitBreakerConfig
	state        CircuitState
	failures     int
	lastFailure  time.Time
	nextRetry    time.Time
	testRequests int
	now          func() time.Time
	mu           sync.Mutex
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Call while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Call executes fn through the circuit breaker. While open it fails fast with
// a classified circuit_open error wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return newClassified(ErrorTypeCircuitOpen, SeverityMedium, true, "circuit_breaker", cb.name,
			fmt.Errorf("%w for %s", ErrCircuitOpen, cb.name))
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// allowRequest checks if a request should be allowed through, moving an
// expired open circuit to half-open.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Before(cb.nextRetry) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.testRequests = 0
		return true
	case CircuitHalfOpen:
		return cb.testRequests < cb.config.HalfOpenRequests
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.testRequests++
		if cb.testRequests >= cb.config.HalfOpenRequests {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.testRequests = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.setNextRetry()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.testRequests = 0
		cb.setNextRetry()
	}
}

func (cb *CircuitBreaker) setNextRetry() {
	cb.nextRetry = cb.now().Add(config.Duration(cb.config.RecoveryTimeout, 30*time.Second))
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

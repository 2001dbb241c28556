// Package provider implements the upstream market-data clients.
//
// A Client fetches one record kind for one symbol and normalizes the provider
// payload into models.Record values. Every outbound request first acquires a
// token from the shared rate limiter under the provider's id. Clients never
// retry: failures are returned classified as transient or permanent provider
// errors and the collector decides when to try again.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/config"
	apperrors "github.com/mayank-omega/crypto-data-engine/internal/errors"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/models"
	"github.com/mayank-omega/crypto-data-engine/internal/ratelimit"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 8 << 20
	userAgent       = "crypto-data-engine/1.0"
)

// Client fetches and normalizes records from one upstream provider.
// Implementations are safe for concurrent use.
type Client interface {
	// ID returns the provider id used for rate limiting and as record source.
	ID() string

	// Supports reports whether the provider can produce kind.
	Supports(kind models.RecordKind) bool

	// Fetch retrieves the latest observations of kind for symbol.
	Fetch(ctx context.Context, symbol string, kind models.RecordKind, params Params) ([]models.Record, error)

	// HealthCheck performs a lightweight reachability check.
	HealthCheck(ctx context.Context) error
}

// SymbolFilter is implemented by clients that only cover a fixed symbol set.
// Supervisors use it to skip symbols when fanning out across providers.
type SymbolFilter interface {
	SupportsSymbol(symbol string) bool
}

// HistoryFetcher is implemented by clients that can page candle history.
type HistoryFetcher interface {
	// FetchCandleRange returns up to limit bars of tf opening within
	// [start, end], oldest first.
	FetchCandleRange(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Record, error)
}

// Params tunes a single fetch. Zero values select provider defaults.
type Params struct {
	Timeframe models.Timeframe // candles only
	Limit     int              // candles and trades
	Depth     int              // order book levels per side
}

// Options configures a client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Pipeline

	// Now is the clock used for observations without a provider timestamp.
	Now func() time.Time
}

// OptionsFromConfig builds client options from a provider config section.
func OptionsFromConfig(cfg config.ProviderConfig) Options {
	return Options{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: config.Duration(cfg.Timeout, defaultTimeout),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// errorBodyFunc extracts a short provider error message from a non-2xx body.
type errorBodyFunc func(status int, body []byte) (message string, permanent bool)

// httpClient is the transport shared by the provider variants: it acquires
// rate budget, performs the GET and classifies the outcome.
type httpClient struct {
	provider  string
	baseURL   string
	client    *http.Client
	limiter   *ratelimit.Limiter
	headers   http.Header
	metrics   *metrics.Pipeline
	logger    *slog.Logger
	errorBody errorBodyFunc
}

func newTransport(provider string, opts Options, limiter *ratelimit.Limiter, logger *slog.Logger) *httpClient {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.New(logger)
	}
	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient(opts.Timeout)
	}
	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("User-Agent", userAgent)

	return &httpClient{
		provider: provider,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   client,
		limiter:  limiter,
		headers:  headers,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "provider", "provider", provider),
	}
}

// getJSON performs GET path?query and decodes a 2xx body into out.
func (h *httpClient) getJSON(ctx context.Context, operation, path string, query url.Values, out any) error {
	waitStart := time.Now()
	if err := h.limiter.Acquire(ctx, h.provider, 1); err != nil {
		return apperrors.Transient(h.provider, operation, err)
	}
	h.metrics.ObserveRateLimitWait(h.provider, time.Since(waitStart))

	target := h.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return apperrors.Permanent(h.provider, operation, fmt.Errorf("failed to create request: %w", err))
	}
	for k, v := range h.headers {
		req.Header[k] = v
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Transient(h.provider, operation, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return apperrors.Transient(h.provider, operation, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return h.statusError(operation, resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Transient(h.provider, operation, fmt.Errorf("malformed payload: %w", err))
	}
	return nil
}

// statusError maps a non-2xx response: 408, 429 and 5xx are transient, every
// other status is permanent unless the provider body says otherwise.
func (h *httpClient) statusError(operation string, status int, body []byte) error {
	message := http.StatusText(status)
	permanent := status >= 400 && status < 500 &&
		status != http.StatusTooManyRequests && status != http.StatusRequestTimeout

	if h.errorBody != nil {
		if msg, perm := h.errorBody(status, body); msg != "" {
			message = msg
			permanent = permanent || perm
		}
	}

	err := fmt.Errorf("status %d: %s", status, message)
	if permanent {
		h.logger.Warn("provider rejected request", "operation", operation, "status", status)
		return apperrors.Permanent(h.provider, operation, err)
	}
	h.logger.Debug("provider request failed", "operation", operation, "status", status)
	return apperrors.Transient(h.provider, operation, err)
}

// ping issues a GET and only checks the status.
func (h *httpClient) ping(ctx context.Context, path string, query url.Values) error {
	var discard json.RawMessage
	return h.getJSON(ctx, "health_check", path, query, &discard)
}

func unsupportedKind(provider string, kind models.RecordKind) error {
	return apperrors.Permanent(provider, "fetch", fmt.Errorf("provider %s does not support %s records", provider, kind))
}

func now(opts Options) func() time.Time {
	if opts.Now != nil {
		return opts.Now
	}
	return time.Now
}

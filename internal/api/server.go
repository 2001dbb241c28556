// Package api exposes the pipeline over HTTP: read-through market queries,
// collector control, health, metrics and websocket streams bridged to the
// broadcaster.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/mayank-omega/crypto-data-engine/internal/broadcast"
	"github.com/mayank-omega/crypto-data-engine/internal/cache"
	"github.com/mayank-omega/crypto-data-engine/internal/collector"
	"github.com/mayank-omega/crypto-data-engine/internal/config"
	"github.com/mayank-omega/crypto-data-engine/internal/metrics"
	"github.com/mayank-omega/crypto-data-engine/internal/storage"
)

// Options tunes the HTTP surface.
type Options struct {
	ServiceName string
	Version     string

	// Symbols backs /market/symbols and /market/tickers when no symbols are
	// requested.
	Symbols []string

	// CachedDepth trims order books repopulated into the cache on a miss.
	CachedDepth int

	CORSOrigins []string
	MetricsPath string

	// PingInterval is how often websocket ping frames are sent; peers that
	// miss two pings are dropped.
	PingInterval time.Duration
}

// Deps are the pipeline components served by the API.
type Deps struct {
	Supervisor  *collector.Supervisor
	Store       storage.RecordReader
	Cache       cache.Cache
	TTL         cache.TTLPolicy
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Pipeline
	Logger      *slog.Logger
}

// Server routes HTTP and websocket traffic to the pipeline.
type Server struct {
	supervisor  *collector.Supervisor
	store       storage.RecordReader
	cache       cache.Cache
	ttl         cache.TTLPolicy
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Pipeline
	logger      *slog.Logger
	opts        Options
	upgrader    websocket.Upgrader
	router      chi.Router
}

// New creates the server and builds its router.
func New(deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "crypto-data-engine"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	s := &Server{
		supervisor:  deps.Supervisor,
		store:       deps.Store,
		cache:       deps.Cache,
		ttl:         deps.TTL,
		broadcaster: deps.Broadcaster,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "api"),
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsHandler())
	r.Use(s.instrument)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle(s.opts.MetricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/market", func(r chi.Router) {
			r.Get("/symbols", s.handleSymbols)
			r.Get("/tickers", s.handleTickers)
			r.Get("/ticker/{symbol}", s.handleTicker)
			r.Get("/orderbook/{symbol}", s.handleOrderBook)
			r.Get("/ohlcv/{symbol}", s.handleOHLCV)
			r.Get("/trades/{symbol}", s.handleTrades)
			r.Get("/market-metrics/{symbol}", s.handleMarketMetrics)
			r.Get("/onchain/{symbol}", s.handleOnChain)
		})

		r.Route("/collectors", func(r chi.Router) {
			r.Post("/start", s.handleStartCollectors)
			r.Post("/stop", s.handleStopCollectors)
			r.Get("/status", s.handleCollectorStatus)
		})

		r.Get("/ws", s.handleStream)
		r.Get("/ws/status", s.handleStreamStatus)
		r.Get("/ws/ticker/{symbol}", s.handleTickerStream)
		r.Get("/ws/ohlcv/{symbol}/{timeframe}", s.handleOHLCVStream)
		r.Get("/ws/orderbook/{symbol}", s.handleOrderBookStream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	return r
}

func (s *Server) corsHandler() func(http.Handler) http.Handler {
	if len(s.opts.CORSOrigins) == 0 {
		return cors.AllowAll().Handler
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, cacheHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// Run serves on cfg.Addr() until ctx is canceled, then shuts down within the
// configured timeout.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  config.Duration(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   s.opts.ServiceName,
		"version":   s.opts.Version,
		"status":    "running",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.PublishHealth(r.Context()))
}

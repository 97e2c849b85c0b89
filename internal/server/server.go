package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Handlers aggregates the HTTP handlers the server registers. Trades and
// Events may be nil when their backends are off; Metrics may be nil to omit
// /metrics.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Signals   *handler.SignalHandler
	Orders    *handler.OrderHandler
	Strategy  *handler.StrategyHandler
	Trades    *handler.TradeHandler
	Events    *handler.EventHandler
	Metrics   http.Handler
}

// Server is the headless control API for the trading engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the auth, logging and
// CORS middleware. /api/health and /metrics stay public.
func NewServer(cfg Config, handlers Handlers, rec middleware.LatencyRecorder, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           routes(cfg, handlers, rec, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

func routes(cfg Config, handlers Handlers, rec middleware.LatencyRecorder, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("POST /api/positions/close-all", handlers.Positions.CloseAll)
	mux.HandleFunc("POST /api/positions/{symbol}/close", handlers.Positions.ClosePosition)

	mux.HandleFunc("GET /api/signals/{symbol}", handlers.Signals.GetSignals)
	mux.HandleFunc("GET /api/signals/{symbol}/stats", handlers.Signals.GetStats)

	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/stats", handlers.Orders.GetStats)

	mux.HandleFunc("GET /api/strategy", handlers.Strategy.ListStrategies)
	mux.HandleFunc("PUT /api/strategy", handlers.Strategy.SwitchStrategy)

	trades := handlers.Trades
	if trades == nil {
		trades = handler.NewTradeHandler(nil, logger)
	}
	mux.HandleFunc("GET /api/trades", trades.ListTrades)

	events := handlers.Events
	if events == nil {
		events = handler.NewEventHandler(nil, logger)
	}
	mux.HandleFunc("GET /api/events", events.ListEvents)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, rec)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down. It returns nil after a
// graceful Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

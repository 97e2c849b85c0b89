package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
)

type stub struct{}

func (stub) Status() engine.Status { return engine.Status{Running: true} }
func (stub) All() map[string]domain.Position { return nil }
func (stub) Summary() domain.PositionSummary { return domain.PositionSummary{} }
func (stub) History(int) []domain.OrderResult { return nil }
func (stub) Stats() domain.OrderStats { return domain.OrderStats{} }
func (stub) SwitchStrategy(string) error { return nil }
func (stub) List() []string { return []string{"sma_cross"} }
func (stub) ActiveSet(string) map[domain.SignalKind]domain.Signal { return nil }
func (stub) Statistics(string, domain.SignalKind) domain.SignalStats {
	return domain.SignalStats{}
}

func (stub) ClosePosition(context.Context, string, domain.ExitReason) (domain.ClosedTrade, error) {
	return domain.ClosedTrade{}, domain.ErrNoPosition
}

func (stub) CloseAll(context.Context, domain.ExitReason) ([]domain.ClosedTrade, error) {
	return nil, nil
}

type signalStub struct{ stub }

func (signalStub) History(string, int) []domain.Signal { return nil }

func newTestServer(apiKey string) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := stub{}
	return NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("monitor", s, nil),
		Positions: handler.NewPositionHandler(s, s, logger),
		Signals:   handler.NewSignalHandler(signalStub{}),
		Orders:    handler.NewOrderHandler(s),
		Strategy:  handler.NewStrategyHandler(s, s, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}, nil, logger)
}

func TestRoutes(t *testing.T) {
	h := newTestServer("").Handler()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/status", http.StatusOK},
		{http.MethodGet, "/api/positions", http.StatusOK},
		{http.MethodPost, "/api/positions/BTCUSDT/close", http.StatusNotFound},
		{http.MethodPost, "/api/positions/close-all", http.StatusOK},
		{http.MethodGet, "/api/signals/BTCUSDT", http.StatusOK},
		{http.MethodGet, "/api/signals/BTCUSDT/stats", http.StatusOK},
		{http.MethodGet, "/api/orders", http.StatusOK},
		{http.MethodGet, "/api/orders/stats", http.StatusOK},
		{http.MethodGet, "/api/strategy", http.StatusOK},
		{http.MethodGet, "/api/trades", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/events", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodDelete, "/api/positions", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAuthLeavesHealthAndMetricsOpen(t *testing.T) {
	h := newTestServer("k").Handler()

	for path, want := range map[string]int{
		"/api/health": http.StatusOK,
		"/metrics":    http.StatusOK,
		"/api/status": http.StatusUnauthorized,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authorized status = %d", rec.Code)
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := newTestServer("")
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

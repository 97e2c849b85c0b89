package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/feed"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// serve routes a single pattern so PathValue is populated.
func serve(pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type fakePositions struct {
	positions map[string]domain.Position
	closeErr  error
	closed    []string
}

func (f *fakePositions) All() map[string]domain.Position { return f.positions }

func (f *fakePositions) Summary() domain.PositionSummary {
	return domain.PositionSummary{Open: len(f.positions)}
}

func (f *fakePositions) ClosePosition(_ context.Context, symbol string, reason domain.ExitReason) (domain.ClosedTrade, error) {
	if f.closeErr != nil {
		return domain.ClosedTrade{}, f.closeErr
	}
	if _, ok := f.positions[symbol]; !ok {
		return domain.ClosedTrade{}, domain.ErrNoPosition
	}
	f.closed = append(f.closed, symbol)
	return domain.ClosedTrade{Symbol: symbol, Reason: reason}, nil
}

func (f *fakePositions) CloseAll(ctx context.Context, reason domain.ExitReason) ([]domain.ClosedTrade, error) {
	var out []domain.ClosedTrade
	for sym := range f.positions {
		tr, err := f.ClosePosition(ctx, sym, reason)
		if err != nil {
			return out, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func TestListPositionsSorted(t *testing.T) {
	fp := &fakePositions{positions: map[string]domain.Position{
		"SOLUSDT": {Symbol: "SOLUSDT"},
		"BTCUSDT": {Symbol: "BTCUSDT", Side: domain.PositionShort, Quantity: 2, EntryPrice: 100, LastPrice: 99},
	}}
	h := NewPositionHandler(fp, fp, discard())
	rec := serve("GET /api/positions", h.ListPositions, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	var resp listPositionsResponse
	decode(t, rec, &resp)
	if len(resp.Positions) != 2 || resp.Positions[0].Symbol != "BTCUSDT" {
		t.Fatalf("positions = %+v", resp.Positions)
	}
	if got := resp.Positions[0]; got.UnrealizedPnL != 2 || got.PnLPercent != 0.01 {
		t.Errorf("pnl = %v pct = %v, want 2 and 0.01", got.UnrealizedPnL, got.PnLPercent)
	}
	if resp.Summary.Open != 2 {
		t.Errorf("summary open = %d", resp.Summary.Open)
	}
}

func TestClosePosition(t *testing.T) {
	fp := &fakePositions{positions: map[string]domain.Position{"BTCUSDT": {Symbol: "BTCUSDT"}}}
	h := NewPositionHandler(fp, fp, discard())
	pattern := "POST /api/positions/{symbol}/close"

	rec := serve(pattern, h.ClosePosition, httptest.NewRequest(http.MethodPost, "/api/positions/btcusdt/close", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var trade domain.ClosedTrade
	decode(t, rec, &trade)
	if trade.Symbol != "BTCUSDT" || trade.Reason != domain.ExitManual {
		t.Errorf("trade = %+v", trade)
	}

	rec = serve(pattern, h.ClosePosition, httptest.NewRequest(http.MethodPost, "/api/positions/ETHUSDT/close", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing position status = %d", rec.Code)
	}

	fp.closeErr = domain.ErrCloseInFlight
	rec = serve(pattern, h.ClosePosition, httptest.NewRequest(http.MethodPost, "/api/positions/BTCUSDT/close", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("in-flight status = %d", rec.Code)
	}

	fp.closeErr = errors.New("exchange down")
	rec = serve(pattern, h.ClosePosition, httptest.NewRequest(http.MethodPost, "/api/positions/BTCUSDT/close", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failure status = %d", rec.Code)
	}
}

func TestCloseAllPartialFailure(t *testing.T) {
	fp := &fakePositions{positions: map[string]domain.Position{}, closeErr: errors.New("boom")}
	fp.positions["BTCUSDT"] = domain.Position{Symbol: "BTCUSDT"}
	h := NewPositionHandler(fp, fp, discard())

	rec := serve("POST /api/positions/close-all", h.CloseAll, httptest.NewRequest(http.MethodPost, "/api/positions/close-all", nil))
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp closeAllResponse
	decode(t, rec, &resp)
	if resp.Error == "" || resp.Closed == nil {
		t.Errorf("resp = %+v", resp)
	}
}

type fakeSignals struct {
	lastKind domain.SignalKind
}

func (f *fakeSignals) ActiveSet(symbol string) map[domain.SignalKind]domain.Signal {
	return map[domain.SignalKind]domain.Signal{
		domain.SignalTrend: {Symbol: symbol, Kind: domain.SignalTrend},
		domain.SignalBuy:   {Symbol: symbol, Kind: domain.SignalBuy},
	}
}

func (f *fakeSignals) History(string, int) []domain.Signal { return nil }

func (f *fakeSignals) Statistics(_ string, kind domain.SignalKind) domain.SignalStats {
	f.lastKind = kind
	return domain.SignalStats{Total: 3, Confirmed: 1}
}

func TestGetSignals(t *testing.T) {
	h := NewSignalHandler(&fakeSignals{})
	rec := serve("GET /api/signals/{symbol}", h.GetSignals, httptest.NewRequest(http.MethodGet, "/api/signals/ethusdt", nil))

	var resp signalsResponse
	decode(t, rec, &resp)
	if resp.Symbol != "ETHUSDT" {
		t.Errorf("symbol = %q", resp.Symbol)
	}
	if len(resp.Active) != 2 || resp.Active[0].Kind != domain.SignalBuy {
		t.Errorf("active = %+v", resp.Active)
	}
	if resp.History == nil {
		t.Error("history should encode as an empty array")
	}
}

func TestGetSignalStats(t *testing.T) {
	fs := &fakeSignals{}
	h := NewSignalHandler(fs)
	pattern := "GET /api/signals/{symbol}/stats"

	rec := serve(pattern, h.GetStats, httptest.NewRequest(http.MethodGet, "/api/signals/BTCUSDT/stats?kind=BUY", nil))
	var stats domain.SignalStats
	decode(t, rec, &stats)
	if stats.Total != 3 || fs.lastKind != domain.SignalBuy {
		t.Errorf("stats = %+v kind=%q", stats, fs.lastKind)
	}

	rec = serve(pattern, h.GetStats, httptest.NewRequest(http.MethodGet, "/api/signals/BTCUSDT/stats?kind=NOPE", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d", rec.Code)
	}
}

type fakeOrders struct{ limit int }

func (f *fakeOrders) History(limit int) []domain.OrderResult {
	f.limit = limit
	return []domain.OrderResult{{Success: true, OrderID: "1"}}
}

func (f *fakeOrders) Stats() domain.OrderStats { return domain.OrderStats{Total: 1, Succeeded: 1} }

func TestOrders(t *testing.T) {
	fo := &fakeOrders{}
	h := NewOrderHandler(fo)

	rec := serve("GET /api/orders", h.ListOrders, httptest.NewRequest(http.MethodGet, "/api/orders?limit=7", nil))
	var resp listOrdersResponse
	decode(t, rec, &resp)
	if len(resp.Orders) != 1 || fo.limit != 7 {
		t.Errorf("orders = %+v limit=%d", resp.Orders, fo.limit)
	}

	rec = serve("GET /api/orders/stats", h.GetStats, httptest.NewRequest(http.MethodGet, "/api/orders/stats", nil))
	var stats domain.OrderStats
	decode(t, rec, &stats)
	if stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

type fakeSwitcher struct{ name string }

func (f *fakeSwitcher) SwitchStrategy(name string) error {
	if name != "sma_cross" && name != "breakout" {
		return domain.ErrNoStrategy
	}
	f.name = name
	return nil
}

type names []string

func (n names) List() []string { return n }

func TestSwitchStrategy(t *testing.T) {
	fs := &fakeSwitcher{}
	h := NewStrategyHandler(fs, names{"breakout", "sma_cross"}, discard())

	body := strings.NewReader(`{"name":"breakout"}`)
	rec := serve("PUT /api/strategy", h.SwitchStrategy, httptest.NewRequest(http.MethodPut, "/api/strategy", body))
	if rec.Code != http.StatusOK || fs.name != "breakout" {
		t.Fatalf("status = %d name=%q", rec.Code, fs.name)
	}

	rec = serve("PUT /api/strategy", h.SwitchStrategy, httptest.NewRequest(http.MethodPut, "/api/strategy", strings.NewReader(`{"name":"nope"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d", rec.Code)
	}

	rec = serve("PUT /api/strategy", h.SwitchStrategy, httptest.NewRequest(http.MethodPut, "/api/strategy", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}

	rec = serve("GET /api/strategy", h.ListStrategies, httptest.NewRequest(http.MethodGet, "/api/strategy", nil))
	var list struct {
		Strategies []string `json:"strategies"`
	}
	decode(t, rec, &list)
	if len(list.Strategies) != 2 {
		t.Errorf("strategies = %v", list.Strategies)
	}
}

type fakeJournal struct {
	opts domain.ListOpts
	err  error
}

func (f *fakeJournal) Record(context.Context, domain.ClosedTrade) error { return nil }

func (f *fakeJournal) List(_ context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	f.opts = opts
	return []domain.ClosedTrade{{Symbol: "BTCUSDT"}}, f.err
}

func TestListTrades(t *testing.T) {
	fj := &fakeJournal{}
	h := NewTradeHandler(fj, discard())
	rec := serve("GET /api/trades", h.ListTrades, httptest.NewRequest(http.MethodGet, "/api/trades?limit=900&offset=5", nil))

	var resp listTradesResponse
	decode(t, rec, &resp)
	if len(resp.Trades) != 1 {
		t.Fatalf("trades = %+v", resp.Trades)
	}
	if fj.opts.Limit != 500 || fj.opts.Offset != 5 {
		t.Errorf("opts = %+v", fj.opts)
	}

	fj.err = errors.New("db down")
	rec = serve("GET /api/trades", h.ListTrades, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("error status = %d", rec.Code)
	}

	rec = serve("GET /api/trades", NewTradeHandler(nil, discard()).ListTrades, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("nil journal status = %d", rec.Code)
	}
}

type fakeEvents struct {
	events []domain.LoggedEvent
	after  string
	limit  int
	err    error
}

func (f *fakeEvents) Recent(_ context.Context, limit int) ([]domain.LoggedEvent, error) {
	f.limit = limit
	return f.events, f.err
}

func (f *fakeEvents) After(_ context.Context, id string, limit int) ([]domain.LoggedEvent, error) {
	f.after, f.limit = id, limit
	return f.events[1:], f.err
}

func TestListEvents(t *testing.T) {
	fe := &fakeEvents{events: []domain.LoggedEvent{
		{ID: "1-0", Event: domain.Event{Kind: domain.EventOpen, Symbol: "BTCUSDT"}},
		{ID: "2-0", Event: domain.Event{Kind: domain.EventTP, Symbol: "BTCUSDT", PnL: 3}},
	}}
	h := NewEventHandler(fe, discard())

	rec := serve("GET /api/events", h.ListEvents, httptest.NewRequest(http.MethodGet, "/api/events?limit=20", nil))
	var resp listEventsResponse
	decode(t, rec, &resp)
	if len(resp.Events) != 2 || resp.Last != "2-0" || fe.limit != 20 {
		t.Fatalf("resp = %+v limit=%d", resp, fe.limit)
	}
	if resp.Events[1].Kind != domain.EventTP || resp.Events[1].PnL != 3 {
		t.Errorf("event = %+v", resp.Events[1])
	}

	rec = serve("GET /api/events", h.ListEvents, httptest.NewRequest(http.MethodGet, "/api/events?after=1-0", nil))
	resp = listEventsResponse{}
	decode(t, rec, &resp)
	if fe.after != "1-0" || len(resp.Events) != 1 || resp.Last != "2-0" {
		t.Fatalf("after resp = %+v after=%q", resp, fe.after)
	}
	if !strings.Contains(rec.Body.String(), `"event":"tp"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	fe.err = errors.New("redis down")
	rec = serve("GET /api/events", h.ListEvents, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("error status = %d", rec.Code)
	}

	rec = serve("GET /api/events", NewEventHandler(nil, discard()).ListEvents, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("nil reader status = %d", rec.Code)
	}
}

type fixedStatus engine.Status

func (s fixedStatus) Status() engine.Status { return engine.Status(s) }

func TestGetStatus(t *testing.T) {
	h := NewStatusHandler("monitor", fixedStatus{Running: true, Strategy: "sma_cross"}, nil)
	rec := serve("GET /api/status", h.GetStatus, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var resp map[string]any
	decode(t, rec, &resp)
	if resp["mode"] != "monitor" || resp["strategy"] != "sma_cross" || resp["running"] != true {
		t.Errorf("resp = %v", resp)
	}
	if _, ok := resp["feed"]; ok {
		t.Errorf("feed reported without a feed: %v", resp["feed"])
	}

	h = NewStatusHandler("trade", fixedStatus{Running: true}, fixedFeed{Connected: true, Received: 7})
	rec = serve("GET /api/status", h.GetStatus, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var withFeed struct {
		Mode string          `json:"mode"`
		Feed *feed.FeedStats `json:"feed"`
	}
	decode(t, rec, &withFeed)
	if withFeed.Feed == nil || !withFeed.Feed.Connected || withFeed.Feed.Received != 7 {
		t.Errorf("feed = %+v", withFeed.Feed)
	}
}

type fixedFeed feed.FeedStats

func (f fixedFeed) Stats() feed.FeedStats { return feed.FeedStats(f) }

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"redis": func(context.Context) error { return nil },
	}, discard())
	rec := serve("GET /api/health", h.HealthCheck, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	h = NewHealthHandler(map[string]Check{
		"postgres": func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("check ran without a deadline")
			}
			return errors.New("connection refused")
		},
	}, discard())
	h.timeout = time.Second
	rec = serve("GET /api/health", h.HealthCheck, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	decode(t, rec, &resp)
	if resp.Status != "degraded" || resp.Checks["postgres"] != "connection refused" {
		t.Errorf("resp = %+v", resp)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/position"
	"github.com/alanyoungcy/perpbot/internal/signals"
	"github.com/alanyoungcy/perpbot/internal/strategy"
)

type fakeExchange struct {
	mu        sync.Mutex
	prices    map[string]float64
	precision map[string]domain.Precision
	fetchErr  map[string]error
	panicOn   map[string]bool
	positions map[string]domain.ExchangePosition
	orders    []domain.OrderRequest
	seq       int
	submitErr error
	// hold parks SubmitOrder until closed; entered is closed on the first
	// parked call.
	hold      chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func newFakeExchange(symbols ...string) *fakeExchange {
	ex := &fakeExchange{
		prices:    make(map[string]float64),
		precision: make(map[string]domain.Precision),
		fetchErr:  make(map[string]error),
		panicOn:   make(map[string]bool),
		positions: make(map[string]domain.ExchangePosition),
	}
	for _, s := range symbols {
		ex.prices[s] = 100
		ex.precision[s] = domain.Precision{StepSize: 0.001, QtyPrecision: 3, PricePrecision: 2}
	}
	return ex
}

func (f *fakeExchange) setPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

func (f *fakeExchange) GetPrecision(_ context.Context, symbols []string) (map[string]domain.Precision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.Precision)
	for _, s := range symbols {
		if p, ok := f.precision[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (f *fakeExchange) GetMarketSnapshot(_ context.Context, symbol string, lookback int) (domain.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn[symbol] {
		panic("corrupt candle for " + symbol)
	}
	if err := f.fetchErr[symbol]; err != nil {
		return domain.MarketSnapshot{}, err
	}
	price := f.prices[symbol]
	candles := make([]domain.Candle, lookback)
	start := time.Now().Add(-time.Duration(lookback) * time.Minute)
	for i := range candles {
		candles[i] = domain.Candle{OpenTime: start.Add(time.Duration(i) * time.Minute), Open: price, High: price, Low: price, Close: price}
	}
	return domain.MarketSnapshot{Symbol: symbol, Candles: candles, At: time.Now()}, nil
}

func (f *fakeExchange) GetOpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeExchange) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if f.hold != nil {
		f.enterOnce.Do(func() { close(f.entered) })
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if f.submitErr != nil {
		return domain.Fill{}, f.submitErr
	}
	f.seq++
	price := f.prices[req.Symbol]
	if req.ReduceOnly {
		delete(f.positions, req.Symbol)
	} else {
		side := domain.PositionLong
		if req.Side == domain.OrderSideSell {
			side = domain.PositionShort
		}
		f.positions[req.Symbol] = domain.ExchangePosition{Symbol: req.Symbol, Side: side, Quantity: req.Quantity, EntryPrice: price}
	}
	return domain.Fill{OrderID: fmt.Sprintf("o-%d", f.seq), Status: domain.OrderStatusFilled, ExecutedQty: req.Quantity, AvgPrice: price}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeExchange) GetOrder(_ context.Context, symbol, id string) (domain.OrderState, error) {
	return domain.OrderState{OrderID: id, Symbol: symbol}, nil
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func always(kind domain.SignalKind, side domain.PositionSide, stages int) strategy.Rule {
	return strategy.Rule{
		Kind: kind, Side: side, Stages: stages,
		Evaluator: strategy.EvaluatorFunc(func(domain.MarketSnapshot, domain.PositionSide) strategy.Result {
			return strategy.Result{Matched: true, Confidence: 0.9, ConditionsMet: []string{"always"}}
		}),
	}
}

func never(kind domain.SignalKind, side domain.PositionSide) strategy.Rule {
	return strategy.Rule{
		Kind: kind, Side: side,
		Evaluator: strategy.EvaluatorFunc(func(domain.MarketSnapshot, domain.PositionSide) strategy.Result {
			return strategy.Result{}
		}),
	}
}

type testEngine struct {
	*Engine
	ex      *fakeExchange
	store   *signals.Store
	tracker *position.Tracker
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, ex *fakeExchange) *testEngine {
	t.Helper()
	logger := quietLogger()

	execCfg := executor.DefaultConfig()
	execCfg.RetryDelay = time.Millisecond
	execCfg.Funding.Enabled = false
	orders := executor.NewExecutor(ex, execCfg, nil, logger)

	store := signals.NewStore(signals.WithLogger(logger))
	tracker := position.NewTracker(position.DefaultConfig(), position.Deps{Orders: orders, Exchange: ex, Logger: logger})

	reg := strategy.NewRegistry()
	reg.Register(strategy.NewRuleSet("always", nil,
		always(domain.SignalBuyCondA, domain.PositionLong, 0),
		always(domain.SignalBuyCondB, domain.PositionLong, 0),
	))
	reg.Register(strategy.NewRuleSet("never", nil, never(domain.SignalBuyCondA, domain.PositionLong)))
	reg.Register(strategy.NewRuleSet("wave", nil, always(domain.SignalWave, domain.PositionLong, 2)))

	if cfg.Strategy == "" {
		cfg.Strategy = "always"
	}
	if cfg.TotalCapital == 0 {
		cfg.TotalCapital = 1000
		cfg.CapitalPerPositionPct = 0.1
		cfg.Leverage = 5
	}
	cfg.CandleLookback = 30
	cfg.SignalTTL = time.Minute

	e := New(cfg, Deps{
		Exchange: ex,
		Signals:  store,
		Tracker:  tracker,
		Orders:   orders,
		Registry: reg,
		Logger:   logger,
	})
	if err := e.Initialize(context.Background(), cfg.Symbols); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &testEngine{Engine: e, ex: ex, store: store, tracker: tracker}
}

func TestCapEnforcement(t *testing.T) {
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	e := newTestEngine(t, Config{Symbols: symbols, MaxOpenPositions: 2, AutoExecute: true}, newFakeExchange(symbols...))
	ctx := context.Background()

	want := []Outcome{OutcomeOpened, OutcomeOpened, OutcomeCapReached}
	for i, sym := range symbols {
		got, err := e.EvaluateOnce(ctx, sym)
		if err != nil {
			t.Fatalf("%s: %v", sym, err)
		}
		if got != want[i] {
			t.Fatalf("%s outcome = %s, want %s", sym, got, want[i])
		}
	}
	if n := e.tracker.Count(); n != 2 {
		t.Fatalf("open positions = %d, want 2", n)
	}

	if _, err := e.ClosePosition(ctx, "AAAUSDT", domain.ExitManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := e.EvaluateOnce(ctx, "CCCUSDT")
	if err != nil || got != OutcomeOpened {
		t.Fatalf("third symbol on next tick = %s, %v", got, err)
	}
}

func TestOpenSizesFromCapital(t *testing.T) {
	ex := newFakeExchange("BTCUSDT")
	ex.setPrice("BTCUSDT", 300)
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1, AutoExecute: true}, ex)

	if got, _ := e.EvaluateOnce(context.Background(), "BTCUSDT"); got != OutcomeOpened {
		t.Fatalf("outcome = %s", got)
	}
	pos, _ := e.tracker.Get("BTCUSDT")
	// 1000 * 0.1 * 5 / 300 = 1.6666.. floored to 0.001
	if pos.Quantity != 1.666 {
		t.Errorf("quantity = %v, want 1.666", pos.Quantity)
	}
	if pos.EntryPrice != 300 {
		t.Errorf("entry = %v", pos.EntryPrice)
	}
	for _, kind := range []domain.SignalKind{domain.SignalBuy, domain.SignalBuyCondA, domain.SignalBuyCondB} {
		if _, ok := e.store.Get("BTCUSDT", kind); ok {
			t.Errorf("%s still active after open", kind)
		}
	}
	if st := e.store.Statistics("BTCUSDT", domain.SignalBuy); st.Confirmed != 1 {
		t.Errorf("composite stats = %+v", st)
	}
	if got, _ := e.EvaluateOnce(context.Background(), "BTCUSDT"); got != OutcomeHasPosition {
		t.Errorf("second tick = %s, want has_position", got)
	}
}

func TestInitializeExcludesUnknownSymbols(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT", "XYZUSDT"}, MaxOpenPositions: 1}, newFakeExchange("BTCUSDT"))
	if got := e.Symbols(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("symbols = %v", got)
	}
	if _, err := e.EvaluateOnce(context.Background(), "XYZUSDT"); !errors.Is(err, domain.ErrUnknownSymbol) {
		t.Errorf("evaluate unknown err = %v", err)
	}
}

func TestFetchFailureSkipsTick(t *testing.T) {
	ex := newFakeExchange("AAAUSDT", "BBBUSDT")
	ex.fetchErr["AAAUSDT"] = context.DeadlineExceeded
	e := newTestEngine(t, Config{Symbols: []string{"AAAUSDT", "BBBUSDT"}, MaxOpenPositions: 5, AutoExecute: true}, ex)

	got, err := e.EvaluateOnce(context.Background(), "AAAUSDT")
	if err != nil || got != OutcomeFetchFailed {
		t.Fatalf("outcome = %s, %v", got, err)
	}
	if got, _ := e.EvaluateOnce(context.Background(), "BBBUSDT"); got != OutcomeOpened {
		t.Errorf("healthy symbol outcome = %s", got)
	}
}

func TestSignalOnlyMode(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1, AutoExecute: false}, newFakeExchange("BTCUSDT"))

	got, err := e.EvaluateOnce(context.Background(), "BTCUSDT")
	if err != nil || got != OutcomeSignalOnly {
		t.Fatalf("outcome = %s, %v", got, err)
	}
	sig, ok := e.store.Get("BTCUSDT", domain.SignalBuy)
	if !ok || sig.Confidence != 0.9 {
		t.Fatalf("composite = %+v, ok=%v", sig, ok)
	}
	if e.ex.orderCount() != 0 {
		t.Error("orders submitted in signal-only mode")
	}
}

func TestUnmatchedRuleCancelsSignal(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1, AutoExecute: false}, newFakeExchange("BTCUSDT"))
	ctx := context.Background()

	if _, err := e.EvaluateOnce(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := e.SwitchStrategy("never"); err != nil {
		t.Fatal(err)
	}
	got, err := e.EvaluateOnce(ctx, "BTCUSDT")
	if err != nil || got != OutcomeNoSignal {
		t.Fatalf("outcome = %s, %v", got, err)
	}
	if e.store.IsActive("BTCUSDT", domain.SignalBuyCondA) {
		t.Error("unmatched condition still active")
	}
	if e.store.IsActive("BTCUSDT", domain.SignalBuy) {
		t.Error("composite survived an incomplete set")
	}
}

func TestStagedWaveNeedsConsecutiveMatches(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, Strategy: "wave", MaxOpenPositions: 1, AutoExecute: true}, newFakeExchange("BTCUSDT"))
	ctx := context.Background()

	if got, _ := e.EvaluateOnce(ctx, "BTCUSDT"); got != OutcomeNoSignal {
		t.Fatalf("first tick = %s, want no_signal", got)
	}
	if v := e.store.Value("BTCUSDT", domain.SignalWave, 0); v != 1 {
		t.Fatalf("wave stage = %d, want 1", v)
	}
	if got, _ := e.EvaluateOnce(ctx, "BTCUSDT"); got != OutcomeOpened {
		t.Fatalf("second tick = %s, want opened", got)
	}
}

func TestPauseAfterLosses(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1, AutoExecute: true, PauseAfterLosses: 1}, newFakeExchange("BTCUSDT"))
	ctx := context.Background()

	if got, _ := e.EvaluateOnce(ctx, "BTCUSDT"); got != OutcomeOpened {
		t.Fatalf("outcome = %s", got)
	}
	if _, err := e.ClosePosition(ctx, "BTCUSDT", domain.ExitManual); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.EvaluateOnce(ctx, "BTCUSDT"); got != OutcomePaused {
		t.Errorf("outcome after loss = %s, want paused", got)
	}
}

func TestMonitorClosesAndResetsSignals(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1, AutoExecute: true}, newFakeExchange("BTCUSDT"))
	ctx := context.Background()

	if got, _ := e.EvaluateOnce(ctx, "BTCUSDT"); got != OutcomeOpened {
		t.Fatalf("outcome = %s", got)
	}
	if n := e.MonitorOnce(ctx); n != 0 {
		t.Fatalf("closed %d inside band", n)
	}

	e.ex.setPrice("BTCUSDT", 100.33)
	if n := e.MonitorOnce(ctx); n != 1 {
		t.Fatalf("closed %d, want 1", n)
	}
	if e.tracker.Has("BTCUSDT") {
		t.Error("position still open")
	}
	if len(e.store.History("BTCUSDT", 0)) != 0 {
		t.Error("signals not reset after close")
	}
	if s := e.Status().Positions; s.ClosedTrades != 1 || s.Wins != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestMonitorIsolatesFailures(t *testing.T) {
	ex := newFakeExchange("AAAUSDT", "BBBUSDT", "CCCUSDT")
	e := newTestEngine(t, Config{Symbols: []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}, MaxOpenPositions: 3, AutoExecute: true}, ex)
	ctx := context.Background()
	for _, sym := range e.Symbols() {
		if got, _ := e.EvaluateOnce(ctx, sym); got != OutcomeOpened {
			t.Fatalf("%s outcome = %s", sym, got)
		}
	}

	ex.mu.Lock()
	ex.panicOn["AAAUSDT"] = true
	ex.fetchErr["BBBUSDT"] = errors.New("connection reset")
	ex.prices["CCCUSDT"] = 98.3
	ex.mu.Unlock()

	if n := e.MonitorOnce(ctx); n != 1 {
		t.Fatalf("closed %d, want 1", n)
	}
	if e.tracker.Has("CCCUSDT") || !e.tracker.Has("AAAUSDT") || !e.tracker.Has("BBBUSDT") {
		t.Errorf("open symbols = %v", e.tracker.Symbols())
	}
}

func TestCloseAll(t *testing.T) {
	symbols := []string{"AAAUSDT", "BBBUSDT"}
	e := newTestEngine(t, Config{Symbols: symbols, MaxOpenPositions: 2, AutoExecute: true}, newFakeExchange(symbols...))
	ctx := context.Background()
	for _, sym := range symbols {
		e.EvaluateOnce(ctx, sym)
	}

	trades, err := e.CloseAll(ctx, domain.ExitManual)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || e.tracker.Count() != 0 {
		t.Errorf("closed %d, open %d", len(trades), e.tracker.Count())
	}
	if _, err := e.ClosePosition(ctx, "AAAUSDT", domain.ExitManual); !errors.Is(err, domain.ErrNoPosition) {
		t.Errorf("closing again err = %v", err)
	}
}

func TestSwitchStrategy(t *testing.T) {
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1}, newFakeExchange("BTCUSDT"))
	if err := e.SwitchStrategy("never"); err != nil {
		t.Fatal(err)
	}
	if e.Status().Strategy != "never" {
		t.Errorf("strategy = %s", e.Status().Strategy)
	}
	if err := e.SwitchStrategy("nope"); !errors.Is(err, domain.ErrNoStrategy) {
		t.Errorf("unknown strategy err = %v", err)
	}
}

func TestRunIsolatesPanickingSymbol(t *testing.T) {
	ex := newFakeExchange("AAAUSDT", "BBBUSDT")
	ex.panicOn["AAAUSDT"] = true
	e := newTestEngine(t, Config{
		Symbols:            []string{"AAAUSDT", "BBBUSDT"},
		MaxOpenPositions:   2,
		AutoExecute:        true,
		EvaluationInterval: 5 * time.Millisecond,
		MonitorInterval:    5 * time.Millisecond,
	}, ex)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !e.tracker.Has("BBBUSDT") {
		if time.Now().After(deadline) {
			t.Fatal("healthy symbol never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for {
		st := e.Status()
		if len(st.Degraded) == 1 && st.Degraded[0] == "AAAUSDT" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("degraded = %v", st.Degraded)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !e.Status().Running {
		t.Error("engine not running")
	}

	e.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after stop")
	}
	if e.Status().Running {
		t.Error("engine still running after stop")
	}
}

func TestRepeatedOpenForSameSignalIsRefused(t *testing.T) {
	ex := newFakeExchange("BTCUSDT")
	ex.submitErr = errors.New("gateway timeout")
	e := newTestEngine(t, Config{Symbols: []string{"BTCUSDT"}, MaxOpenPositions: 1, AutoExecute: true}, ex)
	ctx := context.Background()

	if out, err := e.EvaluateOnce(ctx, "BTCUSDT"); out != OutcomeOpenFailed || err == nil {
		t.Fatalf("first open: outcome=%s err=%v", out, err)
	}
	attempts := ex.orderCount()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	// The exchange may have filled the timed-out order; the same composite
	// signal must not enter twice.
	ex.mu.Lock()
	ex.submitErr = nil
	ex.mu.Unlock()
	if out, _ := e.EvaluateOnce(ctx, "BTCUSDT"); out != OutcomeOpenFailed {
		t.Fatalf("repeat open outcome = %s, want %s", out, OutcomeOpenFailed)
	}
	if n := ex.orderCount(); n != attempts {
		t.Fatalf("duplicate reached the exchange: %d orders", n)
	}
	if e.tracker.Has("BTCUSDT") {
		t.Fatal("position opened from a duplicate entry")
	}

	// A fresh signal gets a fresh client id.
	e.store.Reset("BTCUSDT", "test")
	if out, err := e.EvaluateOnce(ctx, "BTCUSDT"); out != OutcomeOpened {
		t.Fatalf("fresh signal outcome = %s err=%v", out, err)
	}
}

func TestStopWaitsForInFlightOrder(t *testing.T) {
	ex := newFakeExchange("BTCUSDT")
	ex.hold = make(chan struct{})
	ex.entered = make(chan struct{})
	e := newTestEngine(t, Config{
		Symbols:            []string{"BTCUSDT"},
		MaxOpenPositions:   1,
		AutoExecute:        true,
		EvaluationInterval: 5 * time.Millisecond,
		MonitorInterval:    5 * time.Millisecond,
	}, ex)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	select {
	case <-ex.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("order never submitted")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while an order was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(ex.hold)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the order completed")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if !e.tracker.Has("BTCUSDT") {
		t.Fatal("in-flight fill was not recorded as a position")
	}
	if st := e.orders.Stats(); st.Succeeded != 1 {
		t.Fatalf("order stats = %+v", st)
	}
}

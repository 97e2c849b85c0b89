// Package engine drives the per-symbol evaluation loops and the global
// position-monitoring loop, enforcing the position cap and capital budget.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/position"
	"github.com/alanyoungcy/perpbot/internal/signals"
	"github.com/alanyoungcy/perpbot/internal/strategy"
)

// Config holds the engine's sizing, cap and scheduling parameters.
type Config struct {
	Symbols               []string
	Strategy              string
	MaxOpenPositions      int
	TotalCapital          float64
	CapitalPerPositionPct float64
	Leverage              float64
	CandleLookback        int
	EvaluationInterval    time.Duration
	MonitorInterval       time.Duration
	FetchTimeout          time.Duration
	SignalTTL             time.Duration
	AutoExecute           bool
	AllowShort            bool
	// PauseAfterLosses stops opening new positions once this many non-TP
	// closes happen in a row. Zero disables it.
	PauseAfterLosses int
	// UseCandleExtremes feeds the last candle's high and low into the exit
	// check, for candles that opened after the position.
	UseCandleExtremes bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              "sma_cross",
		MaxOpenPositions:      3,
		TotalCapital:          1000,
		CapitalPerPositionPct: 0.1,
		Leverage:              5,
		CandleLookback:        100,
		EvaluationInterval:    10 * time.Second,
		MonitorInterval:       2 * time.Second,
		FetchTimeout:          5 * time.Second,
		SignalTTL:             5 * time.Minute,
		AutoExecute:           true,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Exchange domain.Exchange
	Signals  *signals.Store
	Tracker  *position.Tracker
	Orders   *executor.Executor
	Registry *strategy.Registry
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Outcome describes what one evaluation tick did.
type Outcome string

const (
	OutcomeHasPosition  Outcome = "has_position"
	OutcomeCapReached   Outcome = "cap_reached"
	OutcomePaused       Outcome = "paused"
	OutcomeFetchFailed  Outcome = "fetch_failed"
	OutcomeNoSignal     Outcome = "no_signal"
	OutcomeSignalOnly   Outcome = "signal_only"
	OutcomeSizeTooSmall Outcome = "size_too_small"
	OutcomeOpenFailed   Outcome = "open_failed"
	OutcomeOpened       Outcome = "opened"
)

// Status is the engine's externally visible state.
type Status struct {
	Running           bool                   `json:"running"`
	Strategy          string                 `json:"strategy"`
	Symbols           []string               `json:"symbols"`
	Degraded          []string               `json:"degraded,omitempty"`
	AutoExecute       bool                   `json:"auto_execute"`
	Positions         domain.PositionSummary `json:"positions"`
	Orders            domain.OrderStats      `json:"orders"`
	ConsecutiveLosses int                    `json:"consecutive_losses"`
}

// Engine is one strategy run over a set of symbols.
type Engine struct {
	cfg      Config
	exchange domain.Exchange
	signals  *signals.Store
	tracker  *position.Tracker
	orders   *executor.Executor
	registry *strategy.Registry
	metrics  *metrics.Recorder
	logger   *slog.Logger

	mu        sync.RWMutex
	strategy  strategy.Strategy
	precision map[string]domain.Precision
	symbols   []string
	degraded  map[string]bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an Engine. Call Initialize before Run.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = def.EvaluationInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.CandleLookback <= 0 {
		cfg.CandleLookback = def.CandleLookback
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		exchange:  deps.Exchange,
		signals:   deps.Signals,
		tracker:   deps.Tracker,
		orders:    deps.Orders,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		logger:    logger.With(slog.String("component", "engine")),
		precision: make(map[string]domain.Precision),
		degraded:  make(map[string]bool),
	}
}

// Initialize fetches precision metadata once and selects the configured
// strategy. Symbols the exchange does not know are logged and excluded.
func (e *Engine) Initialize(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		symbols = e.cfg.Symbols
	}
	if len(symbols) == 0 {
		return errors.New("engine: no symbols configured")
	}

	strat, err := e.registry.Get(e.cfg.Strategy)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	prec, err := e.exchange.GetPrecision(fctx, symbols)
	if err != nil {
		return fmt.Errorf("engine: fetch precision: %w", err)
	}

	known := make([]string, 0, len(symbols))
	table := make(map[string]domain.Precision, len(symbols))
	for _, sym := range symbols {
		p, ok := prec[sym]
		if !ok {
			e.logger.Warn("symbol excluded", slog.String("symbol", sym), slog.String("error", domain.ErrUnknownSymbol.Error()))
			continue
		}
		known = append(known, sym)
		table[sym] = p
	}
	if len(known) == 0 {
		return fmt.Errorf("engine: none of %v: %w", symbols, domain.ErrUnknownSymbol)
	}
	e.orders.SetPrecision(table)

	e.mu.Lock()
	e.strategy = strat
	e.precision = table
	e.symbols = known
	e.mu.Unlock()

	e.logger.Info("engine initialized",
		slog.String("strategy", strat.Name()),
		slog.Any("symbols", known),
		slog.Int("max_open_positions", e.cfg.MaxOpenPositions),
		slog.Bool("auto_execute", e.cfg.AutoExecute),
	)
	return nil
}

// Run starts one evaluation loop per symbol and one monitoring loop, and
// blocks until Stop is called or ctx is done. A panicking loop only takes
// its own symbol down. In-flight order submissions finish before Run
// returns.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.strategy == nil {
		e.mu.Unlock()
		return errors.New("engine: not initialized")
	}
	if e.running {
		e.mu.Unlock()
		return errors.New("engine: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	symbols := append([]string(nil), e.symbols...)
	e.mu.Unlock()

	defer func() {
		e.orders.Wait()
		e.mu.Lock()
		e.running = false
		close(e.done)
		e.mu.Unlock()
		cancel()
	}()

	e.logger.Info("engine started", slog.Int("symbols", len(symbols)))

	g, gctx := errgroup.WithContext(runCtx)
	for _, sym := range symbols {
		g.Go(func() error {
			e.loop(gctx, "evaluate", sym, e.cfg.EvaluationInterval, func(ctx context.Context) {
				if _, err := e.EvaluateOnce(ctx, sym); err != nil && ctx.Err() == nil {
					e.logger.Warn("evaluation failed", slog.String("symbol", sym), slog.String("error", err.Error()))
				}
			})
			return nil
		})
	}
	g.Go(func() error {
		e.loop(gctx, "monitor", "", e.cfg.MonitorInterval, func(ctx context.Context) {
			e.MonitorOnce(ctx)
		})
		return nil
	})

	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// loop ticks fn until ctx is done. A panic ends only this loop.
func (e *Engine) loop(ctx context.Context, name, symbol string, interval time.Duration, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("loop panicked",
				slog.String("loop", name),
				slog.String("symbol", symbol),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			key := symbol
			if key == "" {
				key = name
			}
			e.mu.Lock()
			e.degraded[key] = true
			e.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		e.metrics.RecordTick(name, symbol)
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loops and waits for Run to return.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel, done, running := e.cancel, e.done, e.running
	e.mu.RUnlock()
	if !running {
		return
	}
	cancel()
	<-done
}

// Strategy returns the active strategy.
func (e *Engine) Strategy() strategy.Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy
}

// SwitchStrategy swaps the active strategy. Positions and signals are left
// alone.
func (e *Engine) SwitchStrategy(name string) error {
	s, err := e.registry.Get(name)
	if err != nil {
		return fmt.Errorf("engine: switch strategy: %w", err)
	}
	e.mu.Lock()
	prev := ""
	if e.strategy != nil {
		prev = e.strategy.Name()
	}
	e.strategy = s
	e.mu.Unlock()
	e.logger.Info("strategy switched", slog.String("from", prev), slog.String("to", name))
	return nil
}

// Precision returns the symbol's precision metadata.
func (e *Engine) Precision(symbol string) (domain.Precision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.precision[symbol]
	return p, ok
}

// Symbols returns the symbols the engine trades.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.symbols...)
}

// PositionSize converts the per-position capital allocation into a
// quantity floored to the symbol's step size.
func (e *Engine) PositionSize(price float64, p domain.Precision) float64 {
	if price <= 0 {
		return 0
	}
	notional := e.cfg.TotalCapital * e.cfg.CapitalPerPositionPct * e.cfg.Leverage
	return executor.FloorToStep(notional/price, p.StepSize)
}

func (e *Engine) fetch(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	start := time.Now()
	snap, err := e.exchange.GetMarketSnapshot(fctx, symbol, e.cfg.CandleLookback)
	e.metrics.RecordLatency("market_snapshot", time.Since(start).Seconds())
	if err != nil {
		return snap, err
	}
	if len(snap.Candles) == 0 {
		return snap, domain.ErrNoMarketData
	}
	return snap, nil
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		Running:     e.running,
		Symbols:     append([]string(nil), e.symbols...),
		AutoExecute: e.cfg.AutoExecute,
	}
	if e.strategy != nil {
		st.Strategy = e.strategy.Name()
	}
	for sym := range e.degraded {
		st.Degraded = append(st.Degraded, sym)
	}
	e.mu.RUnlock()

	sort.Strings(st.Degraded)
	st.Positions = e.tracker.Summary()
	st.Orders = e.orders.Stats()
	st.ConsecutiveLosses = e.tracker.ConsecutiveLosses()
	return st
}

// Package position owns the set of open positions and the exit state
// machine that closes them.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/executor"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// OrderSubmitter is the part of the executor the tracker delegates to.
type OrderSubmitter interface {
	Submit(ctx context.Context, req domain.OrderRequest) domain.OrderResult
	Cancel(ctx context.Context, symbol, orderID string) bool
}

// PositionReader reads positions back from the exchange.
type PositionReader interface {
	GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error)
}

// Config holds the exit offsets as fractions of the entry price.
type Config struct {
	TakeProfitPct   float64
	StopLossPct     float64
	HardStopLossPct float64
	// ProtectiveOrder places a reduce-only limit order at the take-profit
	// price right after opening.
	ProtectiveOrder bool
	ReadTimeout     time.Duration
}

// DefaultConfig returns +0.33% / -1.0% / -1.7%.
func DefaultConfig() Config {
	return Config{
		TakeProfitPct:   0.0033,
		StopLossPct:     0.01,
		HardStopLossPct: 0.017,
		ReadTimeout:     5 * time.Second,
	}
}

// Validate checks the offsets are positive and the hard stop sits beyond the
// soft stop.
func (c Config) Validate() error {
	switch {
	case c.TakeProfitPct <= 0:
		return errors.New("position: take_profit_pct must be positive")
	case c.StopLossPct <= 0:
		return errors.New("position: stop_loss_pct must be positive")
	case c.HardStopLossPct < c.StopLossPct:
		return errors.New("position: hard_stop_loss_pct must be >= stop_loss_pct")
	}
	return nil
}

// Thresholds are the exit prices for one position.
type Thresholds struct {
	TakeProfit   float64 `json:"take_profit"`
	StopLoss     float64 `json:"stop_loss"`
	HardStopLoss float64 `json:"hard_stop_loss"`
}

// Deps are the tracker's collaborators. Audit and Journal may be nil.
type Deps struct {
	Orders   OrderSubmitter
	Exchange PositionReader
	Sink     domain.EventSink
	Audit    domain.AuditStore
	Journal  domain.TradeJournal
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg      Config
	orders   OrderSubmitter
	exchange PositionReader
	sink     domain.EventSink
	audit    domain.AuditStore
	journal  domain.TradeJournal
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	positions map[string]*domain.Position
	pending   map[string]struct{}
	closing   map[string]struct{}

	realized    float64
	closed      int
	wins        int
	losses      int
	consecutive int
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config, deps Deps) *Tracker {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	sink := deps.Sink
	if sink == nil {
		sink = domain.NopSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:       cfg,
		orders:    deps.Orders,
		exchange:  deps.Exchange,
		sink:      sink,
		audit:     deps.Audit,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		logger:    logger.With(slog.String("component", "position_tracker")),
		now:       func() time.Time { return time.Now().UTC() },
		positions: make(map[string]*domain.Position),
		pending:   make(map[string]struct{}),
		closing:   make(map[string]struct{}),
	}
}

// Config returns the tracker's exit configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Thresholds computes TP, SL and hard SL for an entry, rounded to the
// symbol's price precision. Shorts mirror longs.
func (t *Tracker) Thresholds(entry float64, side domain.PositionSide, pricePrecision int) Thresholds {
	sign := 1.0
	if side == domain.PositionShort {
		sign = -1
	}
	return Thresholds{
		TakeProfit:   executor.RoundPrice(entry*(1+sign*t.cfg.TakeProfitPct), pricePrecision),
		StopLoss:     executor.RoundPrice(entry*(1-sign*t.cfg.StopLossPct), pricePrecision),
		HardStopLoss: executor.RoundPrice(entry*(1-sign*t.cfg.HardStopLossPct), pricePrecision),
	}
}

// Reserve claims an opening slot for symbol against limit. Open positions and
// outstanding reservations both count, so concurrent openers never exceed
// the cap.
func (t *Tracker) Reserve(symbol string, limit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.positions[symbol]; ok {
		return domain.ErrPositionExists
	}
	if _, ok := t.pending[symbol]; ok {
		return domain.ErrPositionExists
	}
	if limit > 0 && len(t.positions)+len(t.pending) >= limit {
		return domain.ErrCapReached
	}
	t.pending[symbol] = struct{}{}
	return nil
}

// Release drops a reservation that did not turn into a position.
func (t *Tracker) Release(symbol string) {
	t.mu.Lock()
	delete(t.pending, symbol)
	t.mu.Unlock()
}

// OpenRequest describes a position to open.
type OpenRequest struct {
	Symbol         string
	Side           domain.PositionSide
	Quantity       float64
	RefPrice       float64
	PricePrecision int
	SignalID       string
	Strategy       string
}

// Open submits a market order and records the position. The entry price is
// read back from the exchange, falling back to the fill price.
func (t *Tracker) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if t.Has(req.Symbol) {
		return domain.Position{}, fmt.Errorf("position: open %s: %w", req.Symbol, domain.ErrPositionExists)
	}
	log := t.logger.With(slog.String("symbol", req.Symbol), slog.String("side", string(req.Side)))

	res := t.orders.Submit(ctx, domain.OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side.OpenSide(),
		Type:     domain.OrderTypeMarket,
		Quantity: req.Quantity,
		RefPrice: req.RefPrice,
		SignalID: req.SignalID,
		ClientID: OpenClientID(req.SignalID, req.Side),
	})
	if !res.Success {
		return domain.Position{}, fmt.Errorf("position: open %s: %s", req.Symbol, res.Error)
	}

	qty := res.ExecutedQty
	if qty <= 0 {
		qty = req.Quantity
	}
	entry := t.readEntry(ctx, req.Symbol)
	if entry <= 0 {
		entry = res.AvgPrice
		log.Warn("entry price not reported by exchange, using fill price", slog.Float64("fill_price", entry))
	}
	if entry <= 0 {
		entry = req.RefPrice
	}

	pos := &domain.Position{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   qty,
		EntryPrice: entry,
		LastPrice:  entry,
		Strategy:   req.Strategy,
		OpenedAt:   t.now(),
	}

	if t.cfg.ProtectiveOrder {
		th := t.Thresholds(entry, req.Side, req.PricePrecision)
		pres := t.orders.Submit(ctx, domain.OrderRequest{
			Symbol:     req.Symbol,
			Side:       req.Side.CloseSide(),
			Type:       domain.OrderTypeLimit,
			Quantity:   qty,
			LimitPrice: th.TakeProfit,
			ReduceOnly: true,
		})
		if pres.Success {
			pos.ProtectiveOrderID = pres.OrderID
		} else {
			log.Warn("protective order failed", slog.String("error", pres.Error))
		}
	}

	// Once stored, pos belongs to the tracker and Monitor mutates it under
	// t.mu; everything below works on the copy.
	t.mu.Lock()
	t.positions[req.Symbol] = pos
	delete(t.pending, req.Symbol)
	open := len(t.positions)
	opened := *pos
	t.mu.Unlock()
	t.metrics.SetOpenPositions(open)

	log.Info("position opened",
		slog.String("position_id", opened.ID),
		slog.Float64("qty", opened.Quantity),
		slog.Float64("entry_price", opened.EntryPrice),
	)
	t.sink.HandleEvent(ctx, domain.Event{
		Kind: domain.EventOpen, Symbol: opened.Symbol, Side: opened.Side,
		Price: opened.EntryPrice, Qty: opened.Quantity, At: opened.OpenedAt,
	})
	t.auditLog(ctx, "position_opened", map[string]any{
		"position_id": opened.ID,
		"symbol":      opened.Symbol,
		"side":        string(opened.Side),
		"qty":         opened.Quantity,
		"entry_price": opened.EntryPrice,
		"signal_id":   req.SignalID,
		"strategy":    req.Strategy,
	})
	return opened, nil
}

// OpenClientID derives the entry order's client id from the signal that
// triggered it, so the executor refuses a second entry for the same signal
// within its dedup window. It is a name-based UUID, short enough for
// exchange client-order-id limits. An empty signal id yields "".
func OpenClientID(signalID string, side domain.PositionSide) string {
	if signalID == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("open|"+signalID+"|"+string(side))).String()
}

func (t *Tracker) readEntry(ctx context.Context, symbol string) float64 {
	if t.exchange == nil {
		return 0
	}
	rctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()
	list, err := t.exchange.GetOpenPositions(rctx)
	if err != nil {
		t.logger.Warn("read back positions failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return 0
	}
	for _, p := range list {
		if p.Symbol == symbol && p.Quantity != 0 {
			return p.EntryPrice
		}
	}
	return 0
}

// MonitorInput is one observation of the market for an open position.
// High and Low are optional candle extremes; when set, take-profit is
// tested against the favourable extreme and stops against the adverse one.
type MonitorInput struct {
	Symbol         string
	Price          float64
	High           float64
	Low            float64
	PricePrecision int
	// Confirm is evaluated only when the soft stop is crossed.
	Confirm func() bool
}

// MonitorResult reports whether Monitor closed the position.
type MonitorResult struct {
	Closed bool
	Reason domain.ExitReason
	Trade  domain.ClosedTrade
}

// Monitor runs the exit state machine once. Priority is take-profit, then
// hard stop, then soft stop with confirmation.
func (t *Tracker) Monitor(ctx context.Context, in MonitorInput) (MonitorResult, error) {
	t.mu.Lock()
	pos, ok := t.positions[in.Symbol]
	if !ok {
		t.mu.Unlock()
		return MonitorResult{}, fmt.Errorf("position: monitor %s: %w", in.Symbol, domain.ErrNoPosition)
	}
	pos.LastPrice = in.Price
	entry, side := pos.EntryPrice, pos.Side
	t.mu.Unlock()

	reason, hit := t.exitReason(in, t.Thresholds(entry, side, in.PricePrecision), side)
	if !hit {
		return MonitorResult{}, nil
	}

	trade, err := t.close(ctx, in.Symbol, reason, in.Price)
	if err != nil {
		return MonitorResult{}, err
	}
	return MonitorResult{Closed: true, Reason: reason, Trade: trade}, nil
}

func (t *Tracker) exitReason(in MonitorInput, th Thresholds, side domain.PositionSide) (domain.ExitReason, bool) {
	favourable, adverse := in.Price, in.Price
	if side == domain.PositionLong {
		if in.High > 0 {
			favourable = in.High
		}
		if in.Low > 0 {
			adverse = in.Low
		}
		switch {
		case favourable >= th.TakeProfit:
			return domain.ExitTakeProfit, true
		case adverse <= th.HardStopLoss:
			return domain.ExitHardStopLoss, true
		case adverse <= th.StopLoss && in.Confirm != nil && in.Confirm():
			return domain.ExitStopConfirmed, true
		}
		return "", false
	}

	if in.Low > 0 {
		favourable = in.Low
	}
	if in.High > 0 {
		adverse = in.High
	}
	switch {
	case favourable <= th.TakeProfit:
		return domain.ExitTakeProfit, true
	case adverse >= th.HardStopLoss:
		return domain.ExitHardStopLoss, true
	case adverse >= th.StopLoss && in.Confirm != nil && in.Confirm():
		return domain.ExitStopConfirmed, true
	}
	return "", false
}

// Close force-closes the symbol's position, bypassing thresholds. It fails
// with ErrNoPosition and no side effects when nothing is open.
func (t *Tracker) Close(ctx context.Context, symbol string, reason domain.ExitReason) (domain.ClosedTrade, error) {
	if reason == "" {
		reason = domain.ExitManual
	}
	t.mu.Lock()
	pos, ok := t.positions[symbol]
	var ref float64
	if ok {
		ref = pos.LastPrice
		if ref <= 0 {
			ref = pos.EntryPrice
		}
	}
	t.mu.Unlock()
	if !ok {
		return domain.ClosedTrade{}, fmt.Errorf("position: close %s: %w", symbol, domain.ErrNoPosition)
	}
	return t.close(ctx, symbol, reason, ref)
}

// close submits a reduce-only order for the exact open quantity. Only one
// close per symbol may be in flight.
func (t *Tracker) close(ctx context.Context, symbol string, reason domain.ExitReason, ref float64) (domain.ClosedTrade, error) {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position: close %s: %w", symbol, domain.ErrNoPosition)
	}
	if _, busy := t.closing[symbol]; busy {
		t.mu.Unlock()
		return domain.ClosedTrade{}, fmt.Errorf("position: close %s: %w", symbol, domain.ErrCloseInFlight)
	}
	t.closing[symbol] = struct{}{}
	pos := *p
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.closing, symbol)
		t.mu.Unlock()
	}()

	log := t.logger.With(slog.String("symbol", symbol), slog.String("reason", string(reason)))

	res := t.orders.Submit(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       pos.Side.CloseSide(),
		Type:       domain.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
		RefPrice:   ref,
	})
	if !res.Success {
		return domain.ClosedTrade{}, fmt.Errorf("position: close %s: %s", symbol, res.Error)
	}

	if pos.ProtectiveOrderID != "" && !t.orders.Cancel(ctx, symbol, pos.ProtectiveOrderID) {
		log.Warn("protective order cancel failed", slog.String("order_id", pos.ProtectiveOrderID))
	}

	exit := res.AvgPrice
	if exit <= 0 {
		exit = ref
	}
	trade := domain.ClosedTrade{
		PositionID:  pos.ID,
		Symbol:      symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: domain.PnL(pos.Side, pos.EntryPrice, exit, pos.Quantity),
		Reason:      reason,
		Strategy:    pos.Strategy,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    t.now(),
	}

	t.mu.Lock()
	delete(t.positions, symbol)
	t.realized += trade.RealizedPnL
	t.closed++
	if trade.RealizedPnL > 0 {
		t.wins++
	} else {
		t.losses++
	}
	if reason == domain.ExitTakeProfit {
		t.consecutive = 0
	} else {
		t.consecutive++
	}
	open := len(t.positions)
	t.mu.Unlock()

	t.metrics.SetOpenPositions(open)
	t.metrics.RecordClose(string(reason), trade.RealizedPnL)
	log.Info("position closed",
		slog.String("position_id", pos.ID),
		slog.Float64("exit_price", exit),
		slog.Float64("pnl", trade.RealizedPnL),
	)

	t.sink.HandleEvent(ctx, domain.Event{
		Kind: eventKind(reason), Symbol: symbol, Side: pos.Side,
		Price: exit, Qty: pos.Quantity, PnL: trade.RealizedPnL,
		Reason: string(reason), At: trade.ClosedAt,
	})
	if t.journal != nil {
		if err := t.journal.Record(ctx, trade); err != nil {
			log.Warn("trade journal write failed", slog.String("error", err.Error()))
		}
	}
	t.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"symbol":      symbol,
		"reason":      string(reason),
		"exit_price":  exit,
		"pnl":         trade.RealizedPnL,
	})
	return trade, nil
}

func eventKind(r domain.ExitReason) domain.EventKind {
	switch r {
	case domain.ExitTakeProfit:
		return domain.EventTP
	case domain.ExitHardStopLoss, domain.ExitStopConfirmed:
		return domain.EventSL
	default:
		return domain.EventClose
	}
}

// Adopt tracks positions the exchange already holds, so a restart does not
// open duplicates. It returns the symbols adopted.
func (t *Tracker) Adopt(ctx context.Context, symbols []string) ([]string, error) {
	if t.exchange == nil {
		return nil, nil
	}
	rctx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()
	list, err := t.exchange.GetOpenPositions(rctx)
	if err != nil {
		return nil, fmt.Errorf("position: adopt: %w", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var adopted []string
	t.mu.Lock()
	for _, ep := range list {
		if !wanted[ep.Symbol] || ep.Quantity == 0 {
			continue
		}
		if _, ok := t.positions[ep.Symbol]; ok {
			continue
		}
		qty := ep.Quantity
		if qty < 0 {
			qty = -qty
		}
		t.positions[ep.Symbol] = &domain.Position{
			ID:         uuid.NewString(),
			Symbol:     ep.Symbol,
			Side:       ep.Side,
			Quantity:   qty,
			EntryPrice: ep.EntryPrice,
			LastPrice:  ep.EntryPrice,
			OpenedAt:   t.now(),
		}
		adopted = append(adopted, ep.Symbol)
	}
	open := len(t.positions)
	t.mu.Unlock()
	t.metrics.SetOpenPositions(open)
	sort.Strings(adopted)
	return adopted, nil
}

// Has reports whether symbol has an open position.
func (t *Tracker) Has(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.positions[symbol]
	return ok
}

// Get returns a copy of the symbol's position.
func (t *Tracker) Get(symbol string) (domain.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// All returns copies of every open position keyed by symbol.
func (t *Tracker) All() map[string]domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]domain.Position, len(t.positions))
	for sym, p := range t.positions {
		out[sym] = *p
	}
	return out
}

// Symbols returns the symbols with open positions, sorted.
func (t *Tracker) Symbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.positions))
	for sym := range t.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Count is the number of open positions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// ConsecutiveLosses counts non-TP closes since the last TP close.
func (t *Tracker) ConsecutiveLosses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// Summary aggregates open and closed positions.
func (t *Tracker) Summary() domain.PositionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := domain.PositionSummary{
		Open:              len(t.positions),
		RealizedPnL:       t.realized,
		ClosedTrades:      t.closed,
		Wins:              t.wins,
		Losses:            t.losses,
		ConsecutiveLosses: t.consecutive,
	}
	for _, p := range t.positions {
		if p.Side == domain.PositionShort {
			s.Short++
		} else {
			s.Long++
		}
		s.UnrealizedPnL += p.UnrealizedPnL()
	}
	return s
}

func (t *Tracker) auditLog(ctx context.Context, event string, detail map[string]any) {
	if t.audit == nil {
		return
	}
	if err := t.audit.Log(ctx, event, detail); err != nil {
		t.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

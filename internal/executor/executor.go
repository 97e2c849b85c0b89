// Package executor turns validated trade decisions into confirmed or
// definitively failed exchange orders, with a fixed-count retry policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// OrderPlacer is the slice of the exchange the executor drives.
type OrderPlacer interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderState, error)
}

// Config controls validation and the retry policy.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	MinNotional    float64
	HistoryLimit   int
	DedupWindow    time.Duration
	Funding        FundingGuard
}

// DefaultConfig returns three attempts one second apart.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryDelay:     time.Second,
		AttemptTimeout: 10 * time.Second,
		MinNotional:    5,
		HistoryLimit:   500,
		DedupWindow:    time.Minute,
		Funding:        DefaultFundingGuard(),
	}
}

// ValidationError is a structured reason an order was refused before
// submission. Err is one of the domain validation sentinels.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return "executor: validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Executor validates and submits single orders. Retries wait on a timer
// and never block sibling goroutines.
type Executor struct {
	placer  OrderPlacer
	cfg     Config
	dedup   *Dedup
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	precMu    sync.RWMutex
	precision map[string]domain.Precision

	mu      sync.Mutex
	history []domain.OrderResult

	inflight sync.WaitGroup
}

// NewExecutor creates an Executor. Zero config fields fall back to defaults.
func NewExecutor(placer OrderPlacer, cfg Config, rec *metrics.Recorder, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	e := &Executor{
		placer:    placer,
		cfg:       cfg,
		metrics:   rec,
		logger:    logger.With(slog.String("component", "executor")),
		now:       time.Now,
		precision: make(map[string]domain.Precision),
	}
	e.dedup = NewDedup(cfg.DedupWindow, func() time.Time { return e.now() })
	return e
}

// SetClock replaces the wall clock used for validation and timestamps.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// SetPrecision installs the per-symbol precision table.
func (e *Executor) SetPrecision(p map[string]domain.Precision) {
	e.precMu.Lock()
	defer e.precMu.Unlock()
	e.precision = make(map[string]domain.Precision, len(p))
	for k, v := range p {
		e.precision[k] = v
	}
}

// Precision returns the symbol's precision metadata.
func (e *Executor) Precision(symbol string) (domain.Precision, bool) {
	e.precMu.RLock()
	defer e.precMu.RUnlock()
	p, ok := e.precision[symbol]
	return p, ok
}

// Validate checks the request against the symbol precision, the notional
// floor and, for opening orders, the funding guard.
func (e *Executor) Validate(req domain.OrderRequest, p domain.Precision, now time.Time) error {
	if req.Symbol == "" {
		return invalid(domain.ErrInvalidOrder, "missing symbol")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return invalid(domain.ErrInvalidOrder, "unknown side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return invalid(domain.ErrInvalidOrder, "quantity %v must be positive", req.Quantity)
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice <= 0 {
		return invalid(domain.ErrInvalidOrder, "limit order needs a positive price")
	}
	if !IsStepMultiple(req.Quantity, p.StepSize) {
		return invalid(domain.ErrStepSize, "quantity %v is not a multiple of step %v", req.Quantity, p.StepSize)
	}

	if !req.ReduceOnly {
		floor := e.cfg.MinNotional
		if p.MinNotional > floor {
			floor = p.MinNotional
		}
		if floor > 0 {
			notional := req.Notional()
			if notional <= 0 {
				return invalid(domain.ErrInvalidOrder, "no reference price to compute notional")
			}
			if notional < floor {
				return invalid(domain.ErrBelowMinNotional, "notional %.4f below minimum %.4f", notional, floor)
			}
		}
		if e.cfg.Funding.InWindow(now) {
			next := e.cfg.Funding.NextSettlement(now)
			return invalid(domain.ErrFundingWindow, "funding settles at %s, within %s", next.Format(time.RFC3339), e.cfg.Funding.Window)
		}
	}
	return nil
}

// Submit validates and sends the order, retrying up to MaxRetries attempts
// with a fixed delay. A started attempt always runs to completion or its own
// timeout even if ctx is cancelled; cancellation only prevents further
// attempts. Every result is appended to the history.
func (e *Executor) Submit(ctx context.Context, req domain.OrderRequest) domain.OrderResult {
	e.inflight.Add(1)
	defer e.inflight.Done()

	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeMarket
	}
	log := e.logger.With(
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("client_id", req.ClientID),
	)

	res := domain.OrderResult{Request: req, SubmittedAt: e.now()}

	p, ok := e.Precision(req.Symbol)
	if !ok {
		return e.finish(log, res, fmt.Errorf("executor: %s: %w", req.Symbol, domain.ErrUnknownSymbol))
	}
	if err := e.Validate(req, p, res.SubmittedAt); err != nil {
		return e.finish(log, res, err)
	}
	if e.dedup.IsDuplicate(req.ClientID) {
		return e.finish(log, res, invalid(domain.ErrInvalidOrder, "duplicate client id %s", req.ClientID))
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("executor: gave up after %d attempts: %w (last error: %v)", res.Attempts, ctx.Err(), lastErr)
				return e.finish(log, res, lastErr)
			case <-time.After(e.cfg.RetryDelay):
			}
		}

		res.Attempts = attempt
		fill, err := e.attempt(ctx, req)
		if err == nil {
			res.Success = true
			res.OrderID = fill.OrderID
			res.Status = fill.Status
			res.ExecutedQty = fill.ExecutedQty
			res.AvgPrice = fill.AvgPrice
			return e.finish(log, res, nil)
		}

		lastErr = err
		log.Warn("order attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", e.cfg.MaxRetries),
			slog.String("error", err.Error()),
		)
	}

	return e.finish(log, res, fmt.Errorf("executor: failed after %d attempts: %w", res.Attempts, lastErr))
}

func (e *Executor) attempt(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AttemptTimeout)
	defer cancel()

	e.metrics.RecordOrderAttempt(req.Symbol, string(req.Side))
	start := time.Now()
	fill, err := e.placer.SubmitOrder(attemptCtx, req)
	e.metrics.RecordLatency("submit_order", time.Since(start).Seconds())
	if err != nil {
		return fill, err
	}
	switch fill.Status {
	case domain.OrderStatusRejected, domain.OrderStatusFailed:
		return fill, fmt.Errorf("order %s %s", fill.OrderID, fill.Status)
	}
	return fill, nil
}

func (e *Executor) finish(log *slog.Logger, res domain.OrderResult, err error) domain.OrderResult {
	res.CompletedAt = e.now()
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		if res.Status == "" {
			res.Status = domain.OrderStatusFailed
		}
		var verr *ValidationError
		if errors.As(err, &verr) || errors.Is(err, domain.ErrUnknownSymbol) {
			res.Status = domain.OrderStatusRejected
			log.Warn("order refused", slog.String("error", err.Error()))
		} else {
			log.Error("order failed", slog.Int("attempts", res.Attempts), slog.String("error", err.Error()))
		}
	} else {
		log.Info("order filled",
			slog.String("order_id", res.OrderID),
			slog.Float64("qty", res.ExecutedQty),
			slog.Float64("price", res.AvgPrice),
			slog.Int("attempts", res.Attempts),
		)
	}
	e.metrics.RecordOrderResult(res.Request.Symbol, res.Success)

	e.mu.Lock()
	e.history = append(e.history, res)
	if overflow := len(e.history) - e.cfg.HistoryLimit; overflow > 0 {
		e.history = append([]domain.OrderResult(nil), e.history[overflow:]...)
	}
	e.mu.Unlock()
	return res
}

// Cancel is best-effort: failures are logged and reported as false.
func (e *Executor) Cancel(ctx context.Context, symbol, orderID string) bool {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	if err := e.placer.CancelOrder(cctx, symbol, orderID); err != nil {
		e.logger.Warn("cancel order failed",
			slog.String("symbol", symbol),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Status queries the exchange for an order. A failed lookup returns false.
func (e *Executor) Status(ctx context.Context, symbol, orderID string) (domain.OrderState, bool) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	st, err := e.placer.GetOrder(cctx, symbol, orderID)
	if err != nil {
		e.logger.Debug("order status lookup failed",
			slog.String("symbol", symbol),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return domain.OrderState{}, false
	}
	return st, true
}

// History returns up to limit of the most recent results, oldest first.
// A non-positive limit returns all of them.
func (e *Executor) History(limit int) []domain.OrderResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.OrderResult(nil), h...)
}

// SuccessRate is the percentage of recorded results that succeeded.
func (e *Executor) SuccessRate() float64 {
	return e.Stats().SuccessRate
}

// Stats aggregates the order history.
func (e *Executor) Stats() domain.OrderStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var st domain.OrderStats
	attempts := 0
	for _, r := range e.history {
		st.Total++
		attempts += r.Attempts
		if r.Success {
			st.Succeeded++
			st.TotalNotional += r.ExecutedQty * r.AvgPrice
		} else {
			st.Failed++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(st.Total) * 100
		st.AvgAttempts = float64(attempts) / float64(st.Total)
	}
	return st
}

// Wait blocks until every in-flight Submit has returned.
func (e *Executor) Wait() {
	e.inflight.Wait()
}

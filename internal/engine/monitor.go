package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/position"
)

// MonitorOnce checks every open position once and returns how many were
// closed. A failure on one symbol never stops the sweep.
func (e *Engine) MonitorOnce(ctx context.Context) int {
	closed := 0
	for _, sym := range e.tracker.Symbols() {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.monitorSymbol(ctx, sym)
		if err != nil {
			e.logger.Warn("monitor failed", slog.String("symbol", sym), slog.String("error", err.Error()))
			continue
		}
		if ok {
			closed++
		}
	}
	return closed
}

func (e *Engine) monitorSymbol(ctx context.Context, symbol string) (closed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("monitor panicked",
				slog.String("symbol", symbol),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("engine: monitor %s: panic: %v", symbol, r)
		}
	}()

	pos, ok := e.tracker.Get(symbol)
	if !ok {
		return false, nil
	}
	e.metrics.RecordTick("monitor", symbol)

	snap, err := e.fetch(ctx, symbol)
	if err != nil {
		e.metrics.RecordSkip(symbol, "monitor_fetch_failed")
		return false, fmt.Errorf("engine: fetch %s: %w", symbol, err)
	}
	last, _ := snap.Last()
	p, _ := e.Precision(symbol)

	in := position.MonitorInput{
		Symbol:         symbol,
		Price:          last.Close,
		PricePrecision: p.PricePrecision,
		Confirm: func() bool {
			strat := e.Strategy()
			if strat == nil {
				return false
			}
			return strat.ExitConfirmation(snap, pos.Side).Matched
		},
	}
	if e.cfg.UseCandleExtremes && !last.OpenTime.Before(pos.OpenedAt) {
		in.High, in.Low = last.High, last.Low
	}

	res, err := e.tracker.Monitor(ctx, in)
	if err != nil {
		if errors.Is(err, domain.ErrNoPosition) || errors.Is(err, domain.ErrCloseInFlight) {
			return false, nil
		}
		return false, err
	}
	if !res.Closed {
		return false, nil
	}

	e.signals.Reset(symbol, "position closed: "+string(res.Reason))
	e.logger.Info("position exit",
		slog.String("symbol", symbol),
		slog.String("reason", string(res.Reason)),
		slog.Float64("pnl", res.Trade.RealizedPnL),
	)
	return true, nil
}

// ClosePosition force-closes one symbol and clears its signals.
func (e *Engine) ClosePosition(ctx context.Context, symbol string, reason domain.ExitReason) (domain.ClosedTrade, error) {
	trade, err := e.tracker.Close(ctx, symbol, reason)
	if err != nil {
		return trade, err
	}
	e.signals.Reset(symbol, "position force-closed")
	return trade, nil
}

// CloseAll force-closes every open position. Failures are joined; the
// remaining positions are still attempted.
func (e *Engine) CloseAll(ctx context.Context, reason domain.ExitReason) ([]domain.ClosedTrade, error) {
	var (
		trades []domain.ClosedTrade
		errs   []error
	)
	for _, sym := range e.tracker.Symbols() {
		trade, err := e.ClosePosition(ctx, sym, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		trades = append(trades, trade)
	}
	if len(trades) > 0 || len(errs) > 0 {
		e.logger.Info("close all", slog.Int("closed", len(trades)), slog.Int("failed", len(errs)))
	}
	return trades, errors.Join(errs...)
}

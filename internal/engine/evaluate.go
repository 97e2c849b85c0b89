package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/position"
	"github.com/alanyoungcy/perpbot/internal/signals"
	"github.com/alanyoungcy/perpbot/internal/strategy"
)

// compositeKind is the consolidated signal refreshed when a side's full
// required set is active.
func compositeKind(side domain.PositionSide) domain.SignalKind {
	if side == domain.PositionShort {
		return domain.SignalSell
	}
	return domain.SignalBuy
}

// EvaluateOnce runs one evaluation tick for symbol: refresh the strategy's
// signals and, when a side's required set is complete and capacity allows,
// open a position.
func (e *Engine) EvaluateOnce(ctx context.Context, symbol string) (Outcome, error) {
	strat := e.Strategy()
	if strat == nil {
		return OutcomeNoSignal, domain.ErrNoStrategy
	}
	p, ok := e.Precision(symbol)
	if !ok {
		return OutcomeNoSignal, fmt.Errorf("engine: %s: %w", symbol, domain.ErrUnknownSymbol)
	}
	log := e.logger.With(slog.String("symbol", symbol))

	if e.tracker.Has(symbol) {
		return OutcomeHasPosition, nil
	}
	if limit := e.cfg.MaxOpenPositions; limit > 0 && e.tracker.Count() >= limit {
		e.metrics.RecordSkip(symbol, string(OutcomeCapReached))
		return OutcomeCapReached, nil
	}

	snap, err := e.fetch(ctx, symbol)
	if err != nil {
		e.metrics.RecordSkip(symbol, string(OutcomeFetchFailed))
		log.Warn("market data fetch failed, skipping tick", slog.String("error", err.Error()))
		return OutcomeFetchFailed, nil
	}

	e.refreshSignals(symbol, strat, snap)

	sides := []domain.PositionSide{domain.PositionLong}
	if e.cfg.AllowShort {
		sides = append(sides, domain.PositionShort)
	}
	for _, side := range sides {
		required, conf, complete := e.requiredSet(symbol, strat, side)
		composite := compositeKind(side)
		if !complete {
			_ = e.signals.Cancel(symbol, composite, "required set incomplete")
			continue
		}

		sig := e.signals.Update(symbol, composite, 1,
			signals.Confidence(conf),
			signals.Conditions(kindTags(required)...),
			signals.TTL(e.cfg.SignalTTL),
		)
		if !e.cfg.AutoExecute {
			log.Info("entry signal", slog.String("side", string(side)), slog.Float64("confidence", conf))
			return OutcomeSignalOnly, nil
		}
		if n := e.cfg.PauseAfterLosses; n > 0 && e.tracker.ConsecutiveLosses() >= n {
			e.metrics.RecordSkip(symbol, string(OutcomePaused))
			return OutcomePaused, nil
		}
		return e.open(ctx, symbol, side, snap, p, sig.ID, append(required, composite))
	}
	return OutcomeNoSignal, nil
}

func (e *Engine) refreshSignals(symbol string, strat strategy.Strategy, snap domain.MarketSnapshot) {
	for _, rule := range strat.Rules() {
		if rule.Side == domain.PositionShort && !e.cfg.AllowShort {
			continue
		}
		res := rule.Evaluator.Evaluate(snap, rule.Side)
		if !res.Matched {
			_ = e.signals.Cancel(symbol, rule.Kind, "condition no longer holds")
			continue
		}

		value := 1
		if rule.Stages > 1 {
			value = e.signals.Value(symbol, rule.Kind, 0) + 1
			if value > rule.Stages {
				value = rule.Stages
			}
		}
		ttl := rule.TTL
		if ttl <= 0 {
			ttl = e.cfg.SignalTTL
		}
		e.signals.Update(symbol, rule.Kind, value,
			signals.Confidence(res.Confidence),
			signals.Conditions(res.ConditionsMet...),
			signals.TTL(ttl),
			signals.Metadata(map[string]string{"strategy": strat.Name()}),
		)
	}
}

// requiredSet reports whether every signal the side requires is active at
// its threshold, and their mean confidence.
func (e *Engine) requiredSet(symbol string, strat strategy.Strategy, side domain.PositionSide) ([]domain.SignalKind, float64, bool) {
	required := strat.Required(side)
	if len(required) == 0 {
		return nil, 0, false
	}
	thresholds := make(map[domain.SignalKind]int, len(required))
	for _, r := range strat.Rules() {
		thresholds[r.Kind] = r.Threshold()
	}

	active := e.signals.ActiveSet(symbol)
	var sum float64
	for _, kind := range required {
		sig, ok := active[kind]
		if !ok || sig.Value < thresholds[kind] {
			return required, 0, false
		}
		sum += sig.Confidence
	}
	return required, sum / float64(len(required)), true
}

func (e *Engine) open(ctx context.Context, symbol string, side domain.PositionSide, snap domain.MarketSnapshot, p domain.Precision, signalID string, confirm []domain.SignalKind) (Outcome, error) {
	log := e.logger.With(slog.String("symbol", symbol), slog.String("side", string(side)))

	price := snap.LastPrice()
	qty := e.PositionSize(price, p)
	if qty <= 0 {
		log.Warn("position size rounds to zero", slog.Float64("price", price), slog.Float64("step", p.StepSize))
		return OutcomeSizeTooSmall, nil
	}

	// Final cap re-check: the reservation counts in-flight opens, so
	// concurrent symbols cannot overshoot.
	if err := e.tracker.Reserve(symbol, e.cfg.MaxOpenPositions); err != nil {
		switch {
		case errors.Is(err, domain.ErrCapReached):
			e.metrics.RecordSkip(symbol, string(OutcomeCapReached))
			return OutcomeCapReached, nil
		case errors.Is(err, domain.ErrPositionExists):
			return OutcomeHasPosition, nil
		}
		return OutcomeOpenFailed, err
	}

	pos, err := e.tracker.Open(ctx, position.OpenRequest{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		RefPrice:       price,
		PricePrecision: p.PricePrecision,
		SignalID:       signalID,
		Strategy:       e.Strategy().Name(),
	})
	if err != nil {
		e.tracker.Release(symbol)
		return OutcomeOpenFailed, err
	}

	for _, kind := range confirm {
		_ = e.signals.Confirm(symbol, kind, "position opened "+pos.ID)
	}
	return OutcomeOpened, nil
}

func kindTags(kinds []domain.SignalKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

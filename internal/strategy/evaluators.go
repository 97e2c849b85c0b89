package strategy

import (
	"fmt"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SMACross matches a long when the fast average sits above the slow one,
// a short when below. Confidence scales with the spread up to FullSpread.
type SMACross struct {
	Fast, Slow int
	FullSpread float64
}

func (e SMACross) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	closes := snap.Closes()
	fast, ok1 := SMA(closes, e.Fast)
	slow, ok2 := SMA(closes, e.Slow)
	if !ok1 || !ok2 || slow == 0 {
		return Result{}
	}
	spread := (fast - slow) / slow
	if side == domain.PositionShort {
		spread = -spread
	}
	if spread <= 0 {
		return Result{}
	}
	full := e.FullSpread
	if full <= 0 {
		full = 0.005
	}
	return Result{
		Matched:       true,
		Confidence:    clamp01(spread / full),
		ConditionsMet: []string{fmt.Sprintf("sma%d>sma%d", e.Fast, e.Slow)},
	}
}

// TrendFilter matches when price is on the side's side of a rising (or
// falling) moving average.
type TrendFilter struct {
	Period int
}

func (e TrendFilter) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	closes := snap.Closes()
	if len(closes) < e.Period+1 {
		return Result{}
	}
	now, ok1 := SMA(closes, e.Period)
	prev, ok2 := SMA(closes[:len(closes)-1], e.Period)
	if !ok1 || !ok2 {
		return Result{}
	}
	last := closes[len(closes)-1]
	up := last > now && now > prev
	down := last < now && now < prev
	if (side == domain.PositionLong && up) || (side == domain.PositionShort && down) {
		return Result{Matched: true, Confidence: 1, ConditionsMet: []string{fmt.Sprintf("trend%d", e.Period)}}
	}
	return Result{}
}

// ZScoreReversion matches a long when price is Threshold deviations below
// its trailing mean, a short when above.
type ZScoreReversion struct {
	Lookback  int
	Threshold float64
}

func (e ZScoreReversion) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	z, ok := ZScore(snap.Closes(), e.Lookback)
	if !ok {
		return Result{}
	}
	if side == domain.PositionShort {
		z = -z
	}
	if z > -e.Threshold {
		return Result{}
	}
	return Result{
		Matched:       true,
		Confidence:    clamp01(-z / (2 * e.Threshold)),
		ConditionsMet: []string{fmt.Sprintf("z=%.2f", z)},
	}
}

// RSIExtreme matches a long when RSI is at or below Oversold, a short when
// at or above Overbought.
type RSIExtreme struct {
	Period               int
	Oversold, Overbought float64
}

func (e RSIExtreme) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	rsi, ok := RSI(snap.Closes(), e.Period)
	if !ok {
		return Result{}
	}
	var matched bool
	var conf float64
	switch side {
	case domain.PositionLong:
		matched = rsi <= e.Oversold
		if e.Oversold > 0 {
			conf = clamp01((e.Oversold - rsi) / e.Oversold)
		}
	case domain.PositionShort:
		matched = rsi >= e.Overbought
		if e.Overbought < 100 {
			conf = clamp01((rsi - e.Overbought) / (100 - e.Overbought))
		}
	}
	if !matched {
		return Result{}
	}
	return Result{Matched: true, Confidence: 0.5 + conf/2, ConditionsMet: []string{fmt.Sprintf("rsi=%.1f", rsi)}}
}

// Momentum matches when the rate of change over Period agrees with the side.
type Momentum struct {
	Period int
}

func (e Momentum) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	roc, ok := RateOfChange(snap.Closes(), e.Period)
	if !ok {
		return Result{}
	}
	if side == domain.PositionShort {
		roc = -roc
	}
	if roc <= 0 {
		return Result{}
	}
	return Result{Matched: true, Confidence: 1, ConditionsMet: []string{fmt.Sprintf("roc%d", e.Period)}}
}

// MomentumExhaustion confirms a soft stop: for a long it holds when momentum
// has turned against the position, for a short when it has turned up.
type MomentumExhaustion struct {
	Period int
}

func (e MomentumExhaustion) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	against := domain.PositionShort
	if side == domain.PositionShort {
		against = domain.PositionLong
	}
	r := Momentum{Period: e.Period}.Evaluate(snap, against)
	if r.Matched {
		r.ConditionsMet = []string{"momentum_exhausted"}
	}
	return r
}

package strategy

import (
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// RuleSet is a Strategy assembled from rules and an exit confirmation.
type RuleSet struct {
	name  string
	rules []Rule
	exit  Evaluator
}

// NewRuleSet creates a RuleSet. exit may be nil, in which case soft stops
// are never confirmed and only take-profit and the hard stop close.
func NewRuleSet(name string, exit Evaluator, rules ...Rule) *RuleSet {
	return &RuleSet{name: name, rules: rules, exit: exit}
}

func (s *RuleSet) Name() string { return s.name }

func (s *RuleSet) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

func (s *RuleSet) Required(side domain.PositionSide) []domain.SignalKind {
	var out []domain.SignalKind
	for _, r := range s.rules {
		if r.Side == side {
			out = append(out, r.Kind)
		}
	}
	return out
}

func (s *RuleSet) ExitConfirmation(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	if s.exit == nil {
		return Result{}
	}
	return s.exit.Evaluate(snap, side)
}

// NewSMACross trades fast/slow moving average crossovers filtered by trend,
// with a staged momentum wave for longs.
//
// Params: fast (9), slow (21), trend_period (50), wave_stages (2),
// momentum_period (3), exit_period (3), ttl ("5m").
func NewSMACross(cfg Config) *RuleSet {
	ttl := cfg.durationParam("ttl", 5*time.Minute)
	cross := SMACross{Fast: cfg.intParam("fast", 9), Slow: cfg.intParam("slow", 21)}
	trend := TrendFilter{Period: cfg.intParam("trend_period", 50)}
	wave := Momentum{Period: cfg.intParam("momentum_period", 3)}

	return NewRuleSet("sma_cross",
		MomentumExhaustion{Period: cfg.intParam("exit_period", 3)},
		Rule{Kind: domain.SignalBuyCondA, Side: domain.PositionLong, Evaluator: cross, TTL: ttl},
		Rule{Kind: domain.SignalTrend, Side: domain.PositionLong, Evaluator: trend, TTL: ttl},
		Rule{Kind: domain.SignalWave, Side: domain.PositionLong, Evaluator: wave, TTL: ttl, Stages: cfg.intParam("wave_stages", 2)},
		Rule{Kind: domain.SignalSellCondA, Side: domain.PositionShort, Evaluator: cross, TTL: ttl},
		Rule{Kind: domain.SignalSellCondB, Side: domain.PositionShort, Evaluator: trend, TTL: ttl},
	)
}

// NewMeanReversion fades moves that stretch beyond a z-score threshold and
// are confirmed by an RSI extreme.
//
// Params: lookback (20), std_dev_threshold (2.0), rsi_period (14),
// oversold (30), overbought (70), exit_period (3), ttl ("3m").
func NewMeanReversion(cfg Config) *RuleSet {
	ttl := cfg.durationParam("ttl", 3*time.Minute)
	z := ZScoreReversion{Lookback: cfg.intParam("lookback", 20), Threshold: cfg.floatParam("std_dev_threshold", 2.0)}
	rsi := RSIExtreme{
		Period:     cfg.intParam("rsi_period", 14),
		Oversold:   cfg.floatParam("oversold", 30),
		Overbought: cfg.floatParam("overbought", 70),
	}

	return NewRuleSet("mean_reversion",
		MomentumExhaustion{Period: cfg.intParam("exit_period", 3)},
		Rule{Kind: domain.SignalBuyCondA, Side: domain.PositionLong, Evaluator: z, TTL: ttl},
		Rule{Kind: domain.SignalBuyCondB, Side: domain.PositionLong, Evaluator: rsi, TTL: ttl},
		Rule{Kind: domain.SignalSellCondA, Side: domain.PositionShort, Evaluator: z, TTL: ttl},
		Rule{Kind: domain.SignalSellCondB, Side: domain.PositionShort, Evaluator: rsi, TTL: ttl},
	)
}

// Builtins returns a registry with every built-in strategy. params is keyed
// by strategy name.
func Builtins(params map[string]map[string]any) *Registry {
	r := NewRegistry()
	r.Register(NewSMACross(Config{Name: "sma_cross", Params: params["sma_cross"]}))
	r.Register(NewMeanReversion(Config{Name: "mean_reversion", Params: params["mean_reversion"]}))
	return r
}

package strategy

import (
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Result is what a condition evaluator reports for one snapshot.
type Result struct {
	Matched       bool
	Confidence    float64
	ConditionsMet []string
}

// Evaluator is a pure function of the market snapshot and the side being
// considered.
type Evaluator interface {
	Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result
}

// EvaluatorFunc adapts a plain function to Evaluator.
type EvaluatorFunc func(snap domain.MarketSnapshot, side domain.PositionSide) Result

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(snap domain.MarketSnapshot, side domain.PositionSide) Result {
	return f(snap, side)
}

// Rule binds an evaluator to the signal kind it refreshes. Stages above one
// make the rule a wave: it holds only after that many consecutive matches.
type Rule struct {
	Kind      domain.SignalKind
	Side      domain.PositionSide
	Evaluator Evaluator
	TTL       time.Duration
	Stages    int
}

// Threshold is the signal value at which the rule counts as satisfied.
func (r Rule) Threshold() int {
	if r.Stages > 1 {
		return r.Stages
	}
	return 1
}

// Strategy defines the contract for trading strategies.
type Strategy interface {
	Name() string
	Rules() []Rule
	// Required lists the signal kinds that must all be active before a
	// position of the given side is opened.
	Required(side domain.PositionSide) []domain.SignalKind
	// ExitConfirmation is the secondary check that must hold before a soft
	// stop is honoured for a position of the given side.
	ExitConfirmation(snap domain.MarketSnapshot, side domain.PositionSide) Result
}

// Config holds strategy configuration.
type Config struct {
	Name   string
	Params map[string]any
}

func (c Config) floatParam(key string, def float64) float64 {
	switch v := c.Params[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func (c Config) intParam(key string, def int) int {
	switch v := c.Params[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (c Config) durationParam(key string, def time.Duration) time.Duration {
	if s, ok := c.Params[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

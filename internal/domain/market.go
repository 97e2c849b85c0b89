package domain

import "time"

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Closed   bool      `json:"closed"`
}

// MarketSnapshot is the market view handed to condition evaluators.
// Candles are ordered oldest first.
type MarketSnapshot struct {
	Symbol  string    `json:"symbol"`
	Candles []Candle  `json:"candles"`
	At      time.Time `json:"at"`
}

// Last returns the most recent candle and false when there are none.
func (m MarketSnapshot) Last() (Candle, bool) {
	if len(m.Candles) == 0 {
		return Candle{}, false
	}
	return m.Candles[len(m.Candles)-1], true
}

// LastPrice is the close of the most recent candle, or 0.
func (m MarketSnapshot) LastPrice() float64 {
	c, ok := m.Last()
	if !ok {
		return 0
	}
	return c.Close
}

// Closes returns the close prices oldest first.
func (m MarketSnapshot) Closes() []float64 {
	out := make([]float64, len(m.Candles))
	for i, c := range m.Candles {
		out[i] = c.Close
	}
	return out
}

package executor

import "time"

// FundingGuard refuses opening orders shortly before a funding settlement.
// Settlements happen every Interval, aligned to 00:00 UTC.
type FundingGuard struct {
	Enabled  bool
	Interval time.Duration
	Window   time.Duration
}

// DefaultFundingGuard is the 8h perpetual funding schedule with a 5 minute
// guard window.
func DefaultFundingGuard() FundingGuard {
	return FundingGuard{Enabled: true, Interval: 8 * time.Hour, Window: 5 * time.Minute}
}

// NextSettlement returns the first settlement strictly after now.
func (g FundingGuard) NextSettlement(now time.Time) time.Time {
	interval := g.Interval
	if interval <= 0 {
		interval = 8 * time.Hour
	}
	return now.UTC().Truncate(interval).Add(interval)
}

// InWindow reports whether now falls inside the guard window.
func (g FundingGuard) InWindow(now time.Time) bool {
	if !g.Enabled || g.Window <= 0 {
		return false
	}
	return g.NextSettlement(now).Sub(now) <= g.Window
}

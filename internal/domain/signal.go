package domain

import "time"

// SignalKind is the enumerated category of a signal.
type SignalKind string

const (
	SignalBuy       SignalKind = "BUY"
	SignalSell      SignalKind = "SELL"
	SignalTrend     SignalKind = "TREND"
	SignalWave      SignalKind = "WAVE"
	SignalBuyCondA  SignalKind = "BUY_COND_A"
	SignalBuyCondB  SignalKind = "BUY_COND_B"
	SignalBuyCondC  SignalKind = "BUY_COND_C"
	SignalSellCondA SignalKind = "SELL_COND_A"
	SignalSellCondB SignalKind = "SELL_COND_B"
	SignalSellCondC SignalKind = "SELL_COND_C"
)

// SignalKinds lists every known kind in declaration order.
var SignalKinds = []SignalKind{
	SignalBuy, SignalSell, SignalTrend, SignalWave,
	SignalBuyCondA, SignalBuyCondB, SignalBuyCondC,
	SignalSellCondA, SignalSellCondB, SignalSellCondC,
}

// SignalStatus tracks the signal lifecycle.
type SignalStatus string

const (
	SignalStatusPending   SignalStatus = "PENDING"
	SignalStatusActive    SignalStatus = "ACTIVE"
	SignalStatusConfirmed SignalStatus = "CONFIRMED"
	SignalStatusCancelled SignalStatus = "CANCELLED"
	SignalStatusExpired   SignalStatus = "EXPIRED"
)

// DefaultMaxSignalAge is how long a signal stays usable when no rule says otherwise.
const DefaultMaxSignalAge = 60 * time.Minute

// ValidationRules bound how old and how uncertain a usable signal may be.
// A zero MaxAge disables the age check.
type ValidationRules struct {
	MinConfidence float64       `json:"min_confidence"`
	MaxAge        time.Duration `json:"max_age"`
}

// DefaultValidationRules returns the permissive confidence floor and the
// 60 minute decay.
func DefaultValidationRules() ValidationRules {
	return ValidationRules{MinConfidence: 0, MaxAge: DefaultMaxSignalAge}
}

// LifecycleEvent is one entry of a signal's append-only audit log.
type LifecycleEvent struct {
	At         time.Time    `json:"at"`
	Status     SignalStatus `json:"status"`
	Value      int          `json:"value"`
	Confidence float64      `json:"confidence"`
	Note       string       `json:"note,omitempty"`
}

// Signal is a typed, time-bounded, confidence-scored value representing
// whether a trading condition currently holds for a symbol. Value is 0/1 for
// boolean conditions and a stage counter for multi-step waves.
type Signal struct {
	ID              string            `json:"id"`
	Symbol          string            `json:"symbol"`
	Kind            SignalKind        `json:"kind"`
	Value           int               `json:"value"`
	Confidence      float64           `json:"confidence"`
	Strength        float64           `json:"strength"`
	Status          SignalStatus      `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	Rules           ValidationRules   `json:"validation_rules"`
	ConditionsMet   []string          `json:"conditions_met,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	LifecycleEvents []LifecycleEvent  `json:"lifecycle_events"`
}

// Valid reports whether the signal may gate a trading decision at now.
// It is derived on every call and never cached.
func (s *Signal) Valid(now time.Time) bool {
	if s.Status != SignalStatusActive {
		return false
	}
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return false
	}
	if s.Rules.MaxAge > 0 && s.Age(now) > s.Rules.MaxAge {
		return false
	}
	return s.Confidence >= s.Rules.MinConfidence
}

// Expired reports whether the signal is past its TTL or its max age.
func (s *Signal) Expired(now time.Time) bool {
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return true
	}
	return s.Rules.MaxAge > 0 && s.Age(now) > s.Rules.MaxAge
}

// Age is the time since the signal was created.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *Signal) Clone() Signal {
	out := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	if s.ConditionsMet != nil {
		out.ConditionsMet = append([]string(nil), s.ConditionsMet...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.LifecycleEvents = append([]LifecycleEvent(nil), s.LifecycleEvents...)
	return out
}

// SignalStats aggregates a symbol's signal history.
type SignalStats struct {
	Total            int     `json:"total"`
	Active           int     `json:"active"`
	Confirmed        int     `json:"confirmed"`
	Cancelled        int     `json:"cancelled"`
	Expired          int     `json:"expired"`
	AvgConfidence    float64 `json:"avg_confidence"`
	AvgStrength      float64 `json:"avg_strength"`
	ConfirmationRate float64 `json:"confirmation_rate"`
	CancellationRate float64 `json:"cancellation_rate"`
}

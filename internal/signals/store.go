// Package signals holds the per-symbol signal state machine: an active index
// keyed by (symbol, kind) plus a bounded history per symbol.
package signals

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultHistoryCapacity bounds the per-symbol history.
const DefaultHistoryCapacity = 1000

const snapshotVersion = 1

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithHistoryCapacity sets the per-symbol history bound.
func WithHistoryCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithRules sets the validation rules stamped on new signals.
func WithRules(r domain.ValidationRules) Option {
	return func(s *Store) { s.rules = r }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l.With(slog.String("component", "signal_store")) }
}

// Store is safe for concurrent use. Every operation, snapshot and restore
// included, runs under one mutex since the sweeper goroutine mutates the
// same maps as the evaluation loops.
type Store struct {
	mu       sync.Mutex
	active   map[string]map[domain.SignalKind]*domain.Signal
	history  map[string][]*domain.Signal
	capacity int
	rules    domain.ValidationRules
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		active:   make(map[string]map[domain.SignalKind]*domain.Signal),
		history:  make(map[string][]*domain.Signal),
		capacity: DefaultHistoryCapacity,
		rules:    domain.DefaultValidationRules(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With(slog.String("component", "signal_store")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rules returns the rules stamped on new signals.
func (s *Store) Rules() domain.ValidationRules {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

// Create always records a new ACTIVE signal and pushes it to history. A
// previously active signal for the same key is cancelled as superseded.
// A ttl of zero means no explicit expiry.
func (s *Store) Create(symbol string, kind domain.SignalKind, value int, confidence, strength float64, metadata map[string]string, ttl time.Duration) domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := s.createLocked(symbol, kind, value, confidence, strength, metadata, ttl, nil)
	return sig.Clone()
}

// UpdateOption sets an optional field on Update.
type UpdateOption func(*update)

type update struct {
	confidence *float64
	strength   *float64
	conditions []string
	metadata   map[string]string
	ttl        time.Duration
}

// Confidence sets the signal confidence.
func Confidence(c float64) UpdateOption {
	return func(u *update) { u.confidence = &c }
}

// Strength sets the signal strength.
func Strength(v float64) UpdateOption {
	return func(u *update) { u.strength = &v }
}

// Conditions replaces the list of condition tags that held.
func Conditions(tags ...string) UpdateOption {
	return func(u *update) { u.conditions = append([]string(nil), tags...) }
}

// Metadata attaches key/value metadata when a signal is created.
func Metadata(m map[string]string) UpdateOption {
	return func(u *update) { u.metadata = m }
}

// TTL sets expires_at to now+ttl, on create and on every update.
func TTL(ttl time.Duration) UpdateOption {
	return func(u *update) { u.ttl = ttl }
}

// Update mutates the active signal for (symbol, kind) in place and
// re-validates it. A signal that fails validation afterwards is expired and
// dropped from the active index. With no active signal, Update creates one
// with confidence and strength defaulting to 1.
func (s *Store) Update(symbol string, kind domain.SignalKind, value int, opts ...UpdateOption) domain.Signal {
	var u update
	for _, o := range opts {
		o(&u)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sig := s.lookupLocked(symbol, kind, now)
	if sig == nil {
		conf, strength := 1.0, 1.0
		if u.confidence != nil {
			conf = *u.confidence
		}
		if u.strength != nil {
			strength = *u.strength
		}
		created := s.createLocked(symbol, kind, value, conf, strength, u.metadata, u.ttl, u.conditions)
		if !created.Valid(now) {
			s.transitionLocked(created, domain.SignalStatusExpired, now, "failed validation on create")
		}
		return created.Clone()
	}

	sig.Value = value
	if u.confidence != nil {
		sig.Confidence = clamp01(*u.confidence)
	}
	if u.strength != nil {
		sig.Strength = clamp01(*u.strength)
	}
	if u.conditions != nil {
		sig.ConditionsMet = u.conditions
	}
	if u.ttl > 0 {
		exp := now.Add(u.ttl)
		sig.ExpiresAt = &exp
	}
	sig.UpdatedAt = now
	sig.LifecycleEvents = append(sig.LifecycleEvents, domain.LifecycleEvent{
		At: now, Status: sig.Status, Value: sig.Value, Confidence: sig.Confidence, Note: "updated",
	})

	if !sig.Valid(now) {
		s.transitionLocked(sig, domain.SignalStatusExpired, now, "failed validation on update")
	}
	return sig.Clone()
}

// Value returns the valid signal's value, or def.
func (s *Store) Value(symbol string, kind domain.SignalKind, def int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig := s.lookupLocked(symbol, kind, s.now()); sig != nil {
		return sig.Value
	}
	return def
}

// Get returns the valid signal for (symbol, kind).
func (s *Store) Get(symbol string, kind domain.SignalKind) (domain.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig := s.lookupLocked(symbol, kind, s.now()); sig != nil {
		return sig.Clone(), true
	}
	return domain.Signal{}, false
}

// IsActive reports whether a valid signal with a non-zero value exists.
func (s *Store) IsActive(symbol string, kind domain.SignalKind) bool {
	return s.Value(symbol, kind, 0) != 0
}

// ActiveSet returns every valid signal for the symbol, evicting indexed
// entries that are no longer valid.
func (s *Store) ActiveSet(symbol string) map[domain.SignalKind]domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictLocked(symbol, now)
	out := make(map[domain.SignalKind]domain.Signal, len(s.active[symbol]))
	for kind, sig := range s.active[symbol] {
		out[kind] = sig.Clone()
	}
	return out
}

// Confirm marks the active signal as acted upon.
func (s *Store) Confirm(symbol string, kind domain.SignalKind, reason string) error {
	return s.finish(symbol, kind, domain.SignalStatusConfirmed, reason)
}

// Cancel cancels the active signal and removes it from the index.
func (s *Store) Cancel(symbol string, kind domain.SignalKind, reason string) error {
	return s.finish(symbol, kind, domain.SignalStatusCancelled, reason)
}

func (s *Store) finish(symbol string, kind domain.SignalKind, status domain.SignalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sig := s.lookupLocked(symbol, kind, now)
	if sig == nil {
		return fmt.Errorf("signals: %s %s: %w", symbol, kind, domain.ErrNotFound)
	}
	s.transitionLocked(sig, status, now, reason)
	return nil
}

// Reset cancels every active signal for the symbol and drops its history.
// It returns how many signals were cancelled.
func (s *Store) Reset(symbol string, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, sig := range s.active[symbol] {
		if sig.Status == domain.SignalStatusActive {
			s.transitionLocked(sig, domain.SignalStatusCancelled, now, reason)
			n++
		}
	}
	delete(s.active, symbol)
	delete(s.history, symbol)
	return n
}

// Statistics aggregates the symbol's history. An empty kind covers all kinds.
func (s *Store) Statistics(symbol string, kind domain.SignalKind) domain.SignalStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var st domain.SignalStats
	var confSum, strengthSum float64
	for _, sig := range s.history[symbol] {
		if kind != "" && sig.Kind != kind {
			continue
		}
		st.Total++
		confSum += sig.Confidence
		strengthSum += sig.Strength
		switch sig.Status {
		case domain.SignalStatusActive:
			if sig.Valid(now) {
				st.Active++
			} else {
				st.Expired++
			}
		case domain.SignalStatusConfirmed:
			st.Confirmed++
		case domain.SignalStatusCancelled:
			st.Cancelled++
		case domain.SignalStatusExpired:
			st.Expired++
		}
	}
	if st.Total > 0 {
		n := float64(st.Total)
		st.AvgConfidence = confSum / n
		st.AvgStrength = strengthSum / n
		st.ConfirmationRate = float64(st.Confirmed) / n
		st.CancellationRate = float64(st.Cancelled) / n
	}
	return st
}

// History returns up to limit of the symbol's most recent signals, newest
// last. A limit of zero returns all of them.
func (s *Store) History(symbol string, limit int) []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[symbol]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]domain.Signal, len(h))
	for i, sig := range h {
		out[i] = sig.Clone()
	}
	return out
}

// Sweep evicts invalid entries across all symbols and returns how many
// were evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for symbol := range s.active {
		n += s.evictLocked(symbol, now)
	}
	return n
}

// Symbols returns every symbol with state, sorted.
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.history))
	for sym := range s.history {
		seen[sym] = struct{}{}
	}
	for sym := range s.active {
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

type snapshotDoc struct {
	Version int                    `json:"version"`
	Symbols map[string]symbolState `json:"symbols"`
}

type symbolState struct {
	Active  map[domain.SignalKind]string `json:"active"`
	History []domain.Signal              `json:"history"`
}

// Snapshot serializes the whole store.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := snapshotDoc{Version: snapshotVersion, Symbols: make(map[string]symbolState, len(s.history))}
	for symbol, hist := range s.history {
		st := symbolState{
			Active:  make(map[domain.SignalKind]string),
			History: make([]domain.Signal, len(hist)),
		}
		for i, sig := range hist {
			st.History[i] = *sig
		}
		for kind, sig := range s.active[symbol] {
			st.Active[kind] = sig.ID
		}
		doc.Symbols[symbol] = st
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("signals: marshal snapshot: %w", err)
	}
	return b, nil
}

// Restore replaces the store's state with a snapshot document. Active
// entries are relinked to their history records by id.
func (s *Store) Restore(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("signals: unmarshal snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return fmt.Errorf("signals: unsupported snapshot version %d", doc.Version)
	}

	active := make(map[string]map[domain.SignalKind]*domain.Signal)
	history := make(map[string][]*domain.Signal)
	for symbol, st := range doc.Symbols {
		byID := make(map[string]*domain.Signal, len(st.History))
		hist := make([]*domain.Signal, len(st.History))
		for i := range st.History {
			sig := st.History[i]
			hist[i] = &sig
			byID[sig.ID] = &sig
		}
		history[symbol] = hist

		for kind, id := range st.Active {
			sig, ok := byID[id]
			if !ok {
				return fmt.Errorf("signals: snapshot %s %s references unknown signal %s", symbol, kind, id)
			}
			if active[symbol] == nil {
				active[symbol] = make(map[domain.SignalKind]*domain.Signal)
			}
			active[symbol][kind] = sig
		}
	}

	s.mu.Lock()
	s.active = active
	s.history = history
	s.mu.Unlock()
	return nil
}

func (s *Store) createLocked(symbol string, kind domain.SignalKind, value int, confidence, strength float64, metadata map[string]string, ttl time.Duration, conditions []string) *domain.Signal {
	now := s.now()
	if prev := s.active[symbol][kind]; prev != nil && prev.Status == domain.SignalStatusActive {
		s.transitionLocked(prev, domain.SignalStatusCancelled, now, "superseded")
	}

	sig := &domain.Signal{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Kind:          kind,
		Value:         value,
		Confidence:    clamp01(confidence),
		Strength:      clamp01(strength),
		Status:        domain.SignalStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		Rules:         s.rules,
		ConditionsMet: conditions,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		sig.ExpiresAt = &exp
	}
	if len(metadata) > 0 {
		sig.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			sig.Metadata[k] = v
		}
	}
	sig.LifecycleEvents = []domain.LifecycleEvent{{
		At: now, Status: domain.SignalStatusActive, Value: value, Confidence: sig.Confidence, Note: "created",
	}}

	if s.active[symbol] == nil {
		s.active[symbol] = make(map[domain.SignalKind]*domain.Signal)
	}
	s.active[symbol][kind] = sig
	s.appendHistoryLocked(symbol, sig)
	return sig
}

// appendHistoryLocked evicts the oldest signal not currently indexed, so an
// active entry always has its history record.
func (s *Store) appendHistoryLocked(symbol string, sig *domain.Signal) {
	h := append(s.history[symbol], sig)
	for len(h) > s.capacity {
		idx := -1
		for i, old := range h {
			if s.active[symbol][old.Kind] != old {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		h = append(h[:idx], h[idx+1:]...)
	}
	s.history[symbol] = h
}

// lookupLocked returns the valid indexed signal, evicting it if invalid.
func (s *Store) lookupLocked(symbol string, kind domain.SignalKind, now time.Time) *domain.Signal {
	sig := s.active[symbol][kind]
	if sig == nil {
		return nil
	}
	if !sig.Valid(now) {
		s.expireLocked(sig, now)
		return nil
	}
	return sig
}

func (s *Store) evictLocked(symbol string, now time.Time) int {
	n := 0
	for _, sig := range s.active[symbol] {
		if !sig.Valid(now) {
			s.expireLocked(sig, now)
			n++
		}
	}
	return n
}

func (s *Store) expireLocked(sig *domain.Signal, now time.Time) {
	if sig.Status != domain.SignalStatusActive {
		s.unindexLocked(sig)
		return
	}
	note := "expired"
	if !sig.Expired(now) {
		note = "below min confidence"
	}
	s.transitionLocked(sig, domain.SignalStatusExpired, now, note)
}

// transitionLocked moves sig to a terminal status and unindexes it.
func (s *Store) transitionLocked(sig *domain.Signal, status domain.SignalStatus, now time.Time, note string) {
	sig.Status = status
	sig.UpdatedAt = now
	sig.LifecycleEvents = append(sig.LifecycleEvents, domain.LifecycleEvent{
		At: now, Status: status, Value: sig.Value, Confidence: sig.Confidence, Note: note,
	})
	s.unindexLocked(sig)
	s.logger.Debug("signal transition",
		slog.String("symbol", sig.Symbol),
		slog.String("kind", string(sig.Kind)),
		slog.String("status", string(status)),
		slog.String("note", note),
	)
}

func (s *Store) unindexLocked(sig *domain.Signal) {
	kinds := s.active[sig.Symbol]
	if kinds[sig.Kind] == sig {
		delete(kinds, sig.Kind)
		if len(kinds) == 0 {
			delete(s.active, sig.Symbol)
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

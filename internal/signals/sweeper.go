package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Sweeper periodically evicts expired signals and persists a snapshot. It
// runs on its own ticker, independent of the engine loops.
type Sweeper struct {
	store     *Store
	snapshots domain.SnapshotStore
	interval  time.Duration
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewSweeper creates a sweeper. snapshots may be nil, in which case the
// sweeper only evicts.
func NewSweeper(store *Store, snapshots domain.SnapshotStore, interval time.Duration, rec *metrics.Recorder, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:     store,
		snapshots: snapshots,
		interval:  interval,
		metrics:   rec,
		logger:    logger.With(slog.String("component", "signal_sweeper")),
	}
}

// Run blocks until ctx is cancelled, then writes a final snapshot.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := w.Save(flushCtx); err != nil {
				w.logger.Error("final snapshot failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one sweep and save.
func (w *Sweeper) Tick(ctx context.Context) {
	n := w.store.Sweep()
	w.metrics.RecordEvictions(n)
	if n > 0 {
		w.logger.Debug("evicted signals", slog.Int("count", n))
	}
	if err := w.Save(ctx); err != nil {
		w.logger.Warn("snapshot save failed", slog.String("error", err.Error()))
	}
}

// Save writes the current snapshot.
func (w *Sweeper) Save(ctx context.Context) error {
	if w.snapshots == nil {
		return nil
	}
	doc, err := w.store.Snapshot()
	if err != nil {
		return err
	}
	if err := w.snapshots.SaveSnapshot(ctx, doc); err != nil {
		return fmt.Errorf("signals: save snapshot: %w", err)
	}
	return nil
}

// Load restores the last saved snapshot. A missing snapshot is not an error.
func (w *Sweeper) Load(ctx context.Context) error {
	if w.snapshots == nil {
		return nil
	}
	doc, err := w.snapshots.LoadSnapshot(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signals: load snapshot: %w", err)
	}
	if err := w.store.Restore(doc); err != nil {
		return err
	}
	w.logger.Info("restored signal snapshot", slog.Int("symbols", len(w.store.Symbols())))
	return nil
}

// MemorySnapshots keeps the latest snapshot in memory. It backs the
// sweeper when no external persistence is configured.
type MemorySnapshots struct {
	mu  sync.Mutex
	doc []byte
}

// SaveSnapshot implements domain.SnapshotStore.
func (m *MemorySnapshots) SaveSnapshot(_ context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = append([]byte(nil), doc...)
	return nil
}

// LoadSnapshot implements domain.SnapshotStore.
func (m *MemorySnapshots) LoadSnapshot(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), m.doc...), nil
}

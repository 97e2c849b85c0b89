package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SnapshotStore persists the serialized signal-store document.
// LoadSnapshot returns ErrNotFound when nothing has been saved yet.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, doc []byte) error
	LoadSnapshot(ctx context.Context) ([]byte, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// TradeJournal persists closed trades.
type TradeJournal interface {
	Record(ctx context.Context, trade ClosedTrade) error
	List(ctx context.Context, opts ListOpts) ([]ClosedTrade, error)
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// TradeStore implements domain.TradeJournal over the closed_trades table.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `position_id, symbol, side, quantity, entry_price, exit_price,
	realized_pnl, reason, strategy, opened_at, closed_at`

// Record inserts a closed trade. Recording the same position twice is a no-op.
func (s *TradeStore) Record(ctx context.Context, t domain.ClosedTrade) error {
	const query = `
		INSERT INTO closed_trades (` + tradeSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (position_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		t.PositionID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, string(t.Reason), t.Strategy, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", t.PositionID, err)
	}
	return nil
}

// List returns closed trades newest first.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM closed_trades`, "closed_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}

// ListBySymbol returns closed trades for one symbol, newest first.
func (s *TradeStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM closed_trades WHERE symbol = $1`, "closed_at", opts, symbol)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", symbol, err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", symbol, err)
	}
	return trades, nil
}

func scanTrades(rows pgx.Rows) ([]domain.ClosedTrade, error) {
	defer rows.Close()
	var trades []domain.ClosedTrade
	for rows.Next() {
		var (
			t            domain.ClosedTrade
			side, reason string
		)
		if err := rows.Scan(
			&t.PositionID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.RealizedPnL, &reason, &t.Strategy, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		t.Side = domain.PositionSide(side)
		t.Reason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

var _ domain.TradeJournal = (*TradeStore)(nil)

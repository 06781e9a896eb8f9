package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// TradeHistoryStore implements domain.TradeHistoryStore using PostgreSQL.
type TradeHistoryStore struct {
	pool *pgxpool.Pool
}

// NewTradeHistoryStore creates a TradeHistoryStore backed by the given pool.
func NewTradeHistoryStore(pool *pgxpool.Pool) *TradeHistoryStore {
	return &TradeHistoryStore{pool: pool}
}

const tradeHistoryCols = `id, symbol, quantity, entry_price, exit_price,
	exit_reason, realized_pnl, opened_at, closed_at`

// Record appends a closed trade. Replays of the same trade ID are skipped via
// ON CONFLICT DO NOTHING.
func (s *TradeHistoryStore) Record(ctx context.Context, trade domain.TradeRecord) error {
	const query = `
		INSERT INTO trade_history (
			id, symbol, quantity, entry_price, exit_price,
			exit_reason, realized_pnl, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		trade.ID, trade.Symbol, trade.Quantity, trade.EntryPrice, trade.ExitPrice,
		trade.ExitReason, trade.RealizedPnL, trade.OpenedAt, trade.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", trade.ID, err)
	}
	return nil
}

// ListSince returns trades closed at or after the given time, oldest first.
func (s *TradeHistoryStore) ListSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeHistoryCols + ` FROM trade_history
		WHERE closed_at >= $1 ORDER BY closed_at ASC`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades since: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades since: %w", err)
	}
	return trades, nil
}

// JournalPending writes in-flight pending positions at shutdown so an operator
// can reconcile them against the broker by hand.
func (s *TradeHistoryStore) JournalPending(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO pending_journal (
			symbol, state, quantity, entry_price, intent_id, pending_since
		) VALUES ($1, $2, $3, $4, $5, $6)`

	for _, p := range positions {
		var since *time.Time
		if !p.PendingSince.IsZero() {
			since = &p.PendingSince
		}
		batch.Queue(query, p.Symbol, string(p.State), p.Quantity, p.EntryPrice, p.IntentID, since)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range positions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: journal pending item %d: %w", i, err)
		}
	}
	return nil
}

func scanTradeRecords(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		if err := rows.Scan(
			&t.ID, &t.Symbol, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.ExitReason, &t.RealizedPnL, &t.OpenedAt, &t.ClosedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Compile-time interface check.
var _ domain.TradeHistoryStore = (*TradeHistoryStore)(nil)

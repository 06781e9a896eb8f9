package domain

import (
	"context"
	"time"
)

// TradeHistoryStore persists completed round trips and the shutdown journal.
type TradeHistoryStore interface {
	// Record appends a closed trade to history.
	Record(ctx context.Context, trade TradeRecord) error
	// ListSince returns trades closed at or after the given time, oldest first.
	ListSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
	// JournalPending writes the in-flight pending positions at shutdown so an
	// operator can reconcile them against the broker by hand.
	JournalPending(ctx context.Context, positions []Position) error
}

// SentimentCache persists the latest sentiment snapshot per symbol so a
// restart inside the same trading session does not lose the day's scores.
type SentimentCache interface {
	Set(ctx context.Context, snap SentimentSnapshot) error
	Get(ctx context.Context, symbol string) (SentimentSnapshot, error)
	All(ctx context.Context) ([]SentimentSnapshot, error)
}

// SignalBus is the transport between the scraping pipeline and the bot. The
// pipeline publishes sentiment snapshots; the bot subscribes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// TradeArchiver uploads closed-trade history to long-term blob storage.
type TradeArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time, trades []TradeRecord) (string, error)
}

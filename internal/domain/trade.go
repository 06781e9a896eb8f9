package domain

import "time"

// TradeRecord is one completed round trip: an entry fill and the exit fill
// that closed it. Records are append-only; the live position table never
// keeps closed rows.
type TradeRecord struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Quantity    int64     `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	ExitReason  string    `json:"exit_reason"`
	RealizedPnL float64   `json:"realized_pnl"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// PnL returns the realized profit in account currency for the round trip.
func PnL(quantity int64, entry, exit float64) float64 {
	return float64(quantity) * (exit - entry)
}

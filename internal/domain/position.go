// Package domain defines the core types shared by every component of the
// sentiment trading bot: positions and their lifecycle, market data events,
// order intents and fills, and the store interfaces implemented by the
// persistence layers.
package domain

import "time"

// PositionState tracks a position through its lifecycle. A symbol has at most
// one position in a non-closed state at any time.
type PositionState string

const (
	// PositionPendingEntry means a buy intent was issued and the position is
	// waiting for the entry fill.
	PositionPendingEntry PositionState = "pending_entry"
	// PositionOpen means the entry fill was confirmed.
	PositionOpen PositionState = "open"
	// PositionPendingExit means a sell intent was issued and the position is
	// waiting for the exit fill.
	PositionPendingExit PositionState = "pending_exit"
	// PositionClosed means the exit fill was confirmed; the row is removed
	// from the live table and retained only in trade history.
	PositionClosed PositionState = "closed"
)

// ValidTransition reports whether moving a position from one state to another
// follows the lifecycle state machine. Entry into pending_entry from nothing
// is handled by PositionStore.Create, not by Transition.
func ValidTransition(from, to PositionState) bool {
	switch from {
	case PositionPendingEntry:
		return to == PositionOpen
	case PositionOpen:
		return to == PositionPendingExit
	case PositionPendingExit:
		return to == PositionClosed || to == PositionOpen // rollback via reconciliation
	default:
		return false
	}
}

// Position is one row of the live position table.
type Position struct {
	Symbol     string
	Quantity   int64
	EntryPrice float64 // set at entry fill time, immutable afterwards
	State      PositionState
	IntentID   string // id of the in-flight order intent, empty when OPEN
	ExitReason string // set when the exit intent is issued
	OpenedAt   time.Time
	// PendingSince is when the position last entered a pending_* state; the
	// reconciler uses it to detect intents stuck beyond the timeout.
	PendingSince time.Time
}

// Active reports whether the position occupies the symbol's single slot.
func (p Position) Active() bool {
	return p.State != PositionClosed
}

// Notional returns quantity times entry price.
func (p Position) Notional() float64 {
	return float64(p.Quantity) * p.EntryPrice
}

// ProfitFraction returns the fractional gain of latest over the entry price,
// e.g. 0.05 for a 5 % gain. Zero when no entry price is set yet.
func (p Position) ProfitFraction(latest float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (latest - p.EntryPrice) / p.EntryPrice
}

// Package position holds the live position table, the per-symbol rolling tick
// windows, and the manager that turns signals, ticks, and fills into order
// intents. The store is the only component allowed to mutate position state.
package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// Store is the authoritative in-memory table of live positions, one row per
// symbol. Every mutation validates the lifecycle state machine; a transition
// outside the machine is returned as an error, never applied. All methods are
// safe for concurrent use and atomic per symbol.
type Store struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	frozen    map[string]bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		frozen:    make(map[string]bool),
	}
}

// Get returns the live position for symbol, if any.
func (s *Store) Get(symbol string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// CountActive returns the number of non-closed positions across all symbols,
// pending states included.
func (s *Store) CountActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// Snapshot returns a copy of all live positions, sorted by symbol.
func (s *Store) Snapshot() []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Create inserts a new position in pending_entry for symbol. A live row for
// the symbol is a programming error and fails with ErrPositionExists rather
// than overwriting; the single-active-position invariant is never silently
// repaired. limit caps the total number of live rows under the same lock that
// inserts, so concurrent entries for different symbols cannot race past the
// position cap; limit <= 0 means unbounded.
func (s *Store) Create(symbol string, quantity int64, intentID string, now time.Time, limit int) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[symbol]; ok {
		return domain.Position{}, fmt.Errorf("position: create %s: %w", symbol, domain.ErrPositionExists)
	}
	if limit > 0 && len(s.positions) >= limit {
		return domain.Position{}, fmt.Errorf("position: create %s: %w", symbol, domain.ErrPositionLimit)
	}
	p := domain.Position{
		Symbol:       symbol,
		Quantity:     quantity,
		State:        domain.PositionPendingEntry,
		IntentID:     intentID,
		PendingSince: now,
	}
	s.positions[symbol] = p
	return p, nil
}

// MarkOpen commits an entry fill: pending_entry becomes open and the entry
// price and open time are fixed from the fill.
func (s *Store) MarkOpen(symbol string, fill domain.Fill) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, fmt.Errorf("position: open %s: %w", symbol, domain.ErrNotFound)
	}
	if !domain.ValidTransition(p.State, domain.PositionOpen) {
		return domain.Position{}, fmt.Errorf("position: open %s from %s: %w", symbol, p.State, domain.ErrInvalidTransition)
	}
	p.State = domain.PositionOpen
	p.EntryPrice = fill.Price
	if fill.Quantity > 0 {
		p.Quantity = fill.Quantity
	}
	p.OpenedAt = fill.FilledAt
	p.IntentID = ""
	p.PendingSince = time.Time{}
	s.positions[symbol] = p
	return p, nil
}

// MarkPendingExit records that an exit intent was issued for an open position.
func (s *Store) MarkPendingExit(symbol, intentID, reason string, now time.Time) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, fmt.Errorf("position: pending exit %s: %w", symbol, domain.ErrNotFound)
	}
	if !domain.ValidTransition(p.State, domain.PositionPendingExit) {
		return domain.Position{}, fmt.Errorf("position: pending exit %s from %s: %w", symbol, p.State, domain.ErrInvalidTransition)
	}
	p.State = domain.PositionPendingExit
	p.IntentID = intentID
	p.ExitReason = reason
	p.PendingSince = now
	s.positions[symbol] = p
	return p, nil
}

// MarkClosed commits an exit fill: pending_exit becomes closed and the row is
// removed from the live table. The closed position is returned so the caller
// can record it in trade history.
func (s *Store) MarkClosed(symbol string, fill domain.Fill) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, fmt.Errorf("position: close %s: %w", symbol, domain.ErrNotFound)
	}
	if !domain.ValidTransition(p.State, domain.PositionClosed) {
		return domain.Position{}, fmt.Errorf("position: close %s from %s: %w", symbol, p.State, domain.ErrInvalidTransition)
	}
	p.State = domain.PositionClosed
	delete(s.positions, symbol)
	return p, nil
}

// Rollback removes a pending_entry row whose intent was rejected or expired,
// freeing the symbol for a later signal.
func (s *Store) Rollback(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("position: rollback %s: %w", symbol, domain.ErrNotFound)
	}
	if p.State != domain.PositionPendingEntry {
		return fmt.Errorf("position: rollback %s from %s: %w", symbol, p.State, domain.ErrInvalidTransition)
	}
	delete(s.positions, symbol)
	return nil
}

// Reopen returns a pending_exit position to open after reconciliation found
// no live exit order at the broker. The exit re-fires on the next tick.
func (s *Store) Reopen(symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, fmt.Errorf("position: reopen %s: %w", symbol, domain.ErrNotFound)
	}
	if p.State != domain.PositionPendingExit {
		return domain.Position{}, fmt.Errorf("position: reopen %s from %s: %w", symbol, p.State, domain.ErrInvalidTransition)
	}
	p.State = domain.PositionOpen
	p.IntentID = ""
	p.PendingSince = time.Time{}
	s.positions[symbol] = p
	return p, nil
}

// Freeze marks a symbol as requiring manual reconciliation after an invariant
// violation. Frozen symbols never produce new intents.
func (s *Store) Freeze(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen[symbol] = true
}

// Frozen reports whether the symbol is frozen.
func (s *Store) Frozen(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen[symbol]
}

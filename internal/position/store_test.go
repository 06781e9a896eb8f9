package position

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

func entryFill(intentID string, price float64, qty int64) domain.Fill {
	return domain.Fill{
		IntentID: intentID,
		OrderID:  "broker-1",
		Symbol:   "AAPL",
		Kind:     domain.IntentEntry,
		Price:    price,
		Quantity: qty,
		FilledAt: time.Now().UTC(),
	}
}

func exitFill(intentID string, price float64) domain.Fill {
	return domain.Fill{
		IntentID: intentID,
		OrderID:  "broker-2",
		Symbol:   "AAPL",
		Kind:     domain.IntentExit,
		Price:    price,
		FilledAt: time.Now().UTC(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	p, err := s.Create("AAPL", 10, "intent-1", now, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPendingEntry, p.State)
	assert.Equal(t, now, p.PendingSince)
	assert.Equal(t, 1, s.CountActive())

	opened, err := s.MarkOpen("AAPL", entryFill("intent-1", 10.5, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, opened.State)
	assert.Equal(t, 10.5, opened.EntryPrice)
	assert.Empty(t, opened.IntentID)
	assert.True(t, opened.PendingSince.IsZero())

	pending, err := s.MarkPendingExit("AAPL", "intent-2", "profit_target", now)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPendingExit, pending.State)
	assert.Equal(t, "intent-2", pending.IntentID)
	assert.Equal(t, "profit_target", pending.ExitReason)

	closed, err := s.MarkClosed("AAPL", exitFill("intent-2", 11.1))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, closed.State)
	assert.Equal(t, 0, s.CountActive(), "closed rows leave the live table")
}

func TestStoreDuplicateCreate(t *testing.T) {
	s := NewStore()
	_, err := s.Create("AAPL", 10, "intent-1", time.Now().UTC(), 0)
	require.NoError(t, err)

	_, err = s.Create("AAPL", 5, "intent-2", time.Now().UTC(), 0)
	require.ErrorIs(t, err, domain.ErrPositionExists)
}

func TestStoreCreateEnforcesLimit(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	// Entries for different symbols race from separate goroutines; the cap
	// must hold because the check and the insert share one critical section.
	results := make([]error, 10)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Create(fmt.Sprintf("SYM%02d", i), 1, fmt.Sprintf("intent-%d", i), now, 5)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, s.CountActive())
	var limited int
	for _, err := range results {
		if errors.Is(err, domain.ErrPositionLimit) {
			limited++
		}
	}
	assert.Equal(t, 5, limited, "exactly the overflow is refused")
}

func TestStoreRejectsInvalidTransitions(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	_, err := s.Create("AAPL", 10, "intent-1", now, 0)
	require.NoError(t, err)

	// pending_entry cannot close or pend an exit.
	_, err = s.MarkClosed("AAPL", exitFill("intent-1", 11))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.MarkPendingExit("AAPL", "intent-2", "stop_loss", now)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.MarkOpen("AAPL", entryFill("intent-1", 10, 10))
	require.NoError(t, err)

	// A replayed entry fill finds the position already open.
	_, err = s.MarkOpen("AAPL", entryFill("intent-1", 10, 10))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStoreMissingSymbol(t *testing.T) {
	s := NewStore()
	_, err := s.MarkOpen("MSFT", entryFill("x", 10, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Rollback("MSFT"), domain.ErrNotFound)
}

func TestStoreRollback(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	_, err := s.Create("AAPL", 10, "intent-1", now, 0)
	require.NoError(t, err)
	require.NoError(t, s.Rollback("AAPL"))
	assert.Equal(t, 0, s.CountActive())

	// Rollback only applies to pending_entry.
	_, err = s.Create("AAPL", 10, "intent-2", now, 0)
	require.NoError(t, err)
	_, err = s.MarkOpen("AAPL", entryFill("intent-2", 10, 10))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Rollback("AAPL"), domain.ErrInvalidTransition)
}

func TestStoreReopen(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	_, err := s.Create("AAPL", 10, "intent-1", now, 0)
	require.NoError(t, err)
	_, err = s.MarkOpen("AAPL", entryFill("intent-1", 10, 10))
	require.NoError(t, err)

	// Reopen requires pending_exit.
	_, err = s.Reopen("AAPL")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.MarkPendingExit("AAPL", "intent-2", "stop_loss", now)
	require.NoError(t, err)

	reopened, err := s.Reopen("AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, reopened.State)
	assert.Empty(t, reopened.IntentID)
}

func TestStoreFreeze(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Frozen("AAPL"))
	s.Freeze("AAPL")
	assert.True(t, s.Frozen("AAPL"))
}

func TestStoreSnapshotSorted(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()
	for _, sym := range []string{"TSLA", "AAPL", "NVDA"} {
		_, err := s.Create(sym, 1, "intent-"+sym, now, 0)
		require.NoError(t, err)
	}

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "AAPL", snap[0].Symbol)
	assert.Equal(t, "NVDA", snap[1].Symbol)
	assert.Equal(t, "TSLA", snap[2].Symbol)
}

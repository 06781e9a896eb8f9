package position

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/risk"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	policy := risk.New(risk.Config{
		ProfitTarget:        0.05,
		StopLoss:            0.02,
		MinSentiment:        0.3,
		MaxPositions:        5,
		MaxPositionValue:    1000.0,
		VolumeSpikeMultiple: 2.0,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(NewStore(), policy, 16, logger)
}

// feedMomentum pushes rising ticks so the entry trigger is armed.
func feedMomentum(t *testing.T, m *Manager, symbol string) {
	t.Helper()
	base := time.Now().UTC()
	prices := []float64{100.0, 100.5, 101.0}
	for i, px := range prices {
		intent, err := m.OnTick(domain.Tick{
			Symbol:    symbol,
			Price:     px,
			Volume:    100,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.Nil(t, intent, "no entry before any signal")
	}
}

func signal(symbol string, score float64) domain.SentimentSnapshot {
	return domain.SentimentSnapshot{
		Symbol:    symbol,
		Score:     score,
		Mentions:  5,
		Timestamp: time.Now().UTC(),
	}
}

func TestManagerSignalOpensPendingEntry(t *testing.T) {
	m := newTestManager(t)
	feedMomentum(t, m, "AAPL")

	intent, err := m.OnSignal(signal("AAPL", 0.6))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, domain.OrderSideBuy, intent.Side)
	assert.Equal(t, domain.IntentEntry, intent.Kind)
	assert.Equal(t, int64(9), intent.Quantity, "floor(1000/101)")

	pos, ok := m.Store().Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionPendingEntry, pos.State)
	assert.Equal(t, intent.ID, pos.IntentID)
}

func TestManagerSignalBelowThreshold(t *testing.T) {
	m := newTestManager(t)
	feedMomentum(t, m, "AAPL")

	intent, err := m.OnSignal(signal("AAPL", 0.1))
	require.NoError(t, err)
	assert.Nil(t, intent)
	_, ok := m.Store().Get("AAPL")
	assert.False(t, ok)
}

func TestManagerNoReentryWhilePending(t *testing.T) {
	m := newTestManager(t)
	feedMomentum(t, m, "AAPL")

	first, err := m.OnSignal(signal("AAPL", 0.6))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.OnSignal(signal("AAPL", 0.9))
	require.NoError(t, err)
	assert.Nil(t, second, "pending position occupies the symbol slot")
}

func TestManagerTickEntryAfterCachedSignal(t *testing.T) {
	m := newTestManager(t)

	// The signal arrives before any market data and cannot enter yet.
	intent, err := m.OnSignal(signal("TSLA", 0.7))
	require.NoError(t, err)
	require.Nil(t, intent)

	// Baseline ticks, then a volume spike arms the trigger on the tick path.
	base := time.Now().UTC()
	for i, vol := range []int64{100, 100} {
		intent, err = m.OnTick(domain.Tick{Symbol: "TSLA", Price: 50.0, Volume: vol, Timestamp: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		require.Nil(t, intent)
	}
	intent, err = m.OnTick(domain.Tick{Symbol: "TSLA", Price: 49.9, Volume: 400, Timestamp: base.Add(3 * time.Second)})
	require.NoError(t, err)
	require.NotNil(t, intent, "cached sentiment plus spike enters on tick")
	assert.Equal(t, domain.IntentEntry, intent.Kind)
}

func openPosition(t *testing.T, m *Manager, symbol string) domain.Position {
	t.Helper()
	feedMomentum(t, m, symbol)
	intent, err := m.OnSignal(signal(symbol, 0.6))
	require.NoError(t, err)
	require.NotNil(t, intent)

	outcome, err := m.OnFill(domain.Fill{
		IntentID: intent.ID,
		OrderID:  "broker-1",
		Symbol:   symbol,
		Kind:     domain.IntentEntry,
		Price:    101.0,
		Quantity: intent.Quantity,
		FilledAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Opened)
	require.Nil(t, outcome.Closed)
	return *outcome.Opened
}

func TestManagerExitRoundTrip(t *testing.T) {
	m := newTestManager(t)
	opened := openPosition(t, m, "AAPL")
	assert.Equal(t, 101.0, opened.EntryPrice)

	// Price inside the band: hold.
	intent, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 102.0, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Nil(t, intent)

	// Profit target reached.
	intent, err = m.OnTick(domain.Tick{Symbol: "AAPL", Price: 106.1, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, domain.OrderSideSell, intent.Side)
	assert.Equal(t, domain.IntentExit, intent.Kind)
	assert.Equal(t, "profit_target", intent.Reason)
	assert.Equal(t, opened.Quantity, intent.Quantity)

	// While pending_exit, further ticks decide nothing.
	again, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 90.0, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Nil(t, again)

	outcome, err := m.OnFill(domain.Fill{
		IntentID: intent.ID,
		OrderID:  "broker-2",
		Symbol:   "AAPL",
		Kind:     domain.IntentExit,
		Price:    106.0,
		Quantity: opened.Quantity,
		FilledAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Closed)
	assert.Equal(t, "profit_target", outcome.Closed.ExitReason)
	assert.InDelta(t, float64(opened.Quantity)*(106.0-101.0), outcome.Closed.RealizedPnL, 1e-9)

	_, ok := m.Store().Get("AAPL")
	assert.False(t, ok, "closed position leaves the live table")
}

func TestManagerStopLossExit(t *testing.T) {
	m := newTestManager(t)
	openPosition(t, m, "AAPL")

	intent, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 98.0, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "stop_loss", intent.Reason)
}

func TestManagerUnmatchedFillFreezes(t *testing.T) {
	m := newTestManager(t)
	openPosition(t, m, "AAPL")

	_, err := m.OnFill(domain.Fill{
		IntentID: "unknown-intent",
		Symbol:   "AAPL",
		Kind:     domain.IntentExit,
		Price:    106.0,
		FilledAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, domain.ErrUnmatchedFill)
	assert.True(t, m.Store().Frozen("AAPL"))

	// A frozen symbol produces no further intents.
	intent, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 200.0, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestManagerReplayedEntryFillNotDoubleApplied(t *testing.T) {
	m := newTestManager(t)
	feedMomentum(t, m, "AAPL")
	intent, err := m.OnSignal(signal("AAPL", 0.6))
	require.NoError(t, err)
	require.NotNil(t, intent)

	fill := domain.Fill{
		IntentID: intent.ID,
		OrderID:  "broker-1",
		Symbol:   "AAPL",
		Kind:     domain.IntentEntry,
		Price:    101.0,
		Quantity: intent.Quantity,
		FilledAt: time.Now().UTC(),
	}
	outcome, err := m.OnFill(fill)
	require.NoError(t, err)
	require.NotNil(t, outcome.Opened)

	// The identical fill again is detected, never applied a second time.
	_, err = m.OnFill(fill)
	require.ErrorIs(t, err, domain.ErrUnmatchedFill)

	pos, ok := m.Store().Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, intent.Quantity, pos.Quantity)
	assert.Equal(t, 101.0, pos.EntryPrice)
	assert.True(t, m.Store().Frozen("AAPL"))
}

func TestManagerReplayedExitFillNotDoubleApplied(t *testing.T) {
	m := newTestManager(t)
	opened := openPosition(t, m, "AAPL")

	exit, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 106.1, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NotNil(t, exit)

	fill := domain.Fill{
		IntentID: exit.ID,
		OrderID:  "broker-2",
		Symbol:   "AAPL",
		Kind:     domain.IntentExit,
		Price:    106.0,
		Quantity: opened.Quantity,
		FilledAt: time.Now().UTC(),
	}
	outcome, err := m.OnFill(fill)
	require.NoError(t, err)
	require.NotNil(t, outcome.Closed)

	// Replaying the exit fill must not close a second time or resurrect the
	// position.
	replayed, err := m.OnFill(fill)
	require.ErrorIs(t, err, domain.ErrUnmatchedFill)
	assert.Nil(t, replayed.Closed)
	_, ok := m.Store().Get("AAPL")
	assert.False(t, ok)
	assert.True(t, m.Store().Frozen("AAPL"))
}

func TestManagerEntryRejectRollsBack(t *testing.T) {
	m := newTestManager(t)
	feedMomentum(t, m, "AAPL")
	intent, err := m.OnSignal(signal("AAPL", 0.6))
	require.NoError(t, err)
	require.NotNil(t, intent)

	retry, err := m.OnReject(domain.Reject{
		IntentID: intent.ID,
		Symbol:   "AAPL",
		Kind:     domain.IntentEntry,
		Reason:   "insufficient buying power",
	})
	require.NoError(t, err)
	assert.Nil(t, retry)

	_, ok := m.Store().Get("AAPL")
	assert.False(t, ok, "rejected entry frees the symbol")
	assert.False(t, m.Store().Frozen("AAPL"))
}

func TestManagerExitRejectReemitsSameIntent(t *testing.T) {
	m := newTestManager(t)
	opened := openPosition(t, m, "AAPL")

	exit, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 106.1, Volume: 100, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NotNil(t, exit)

	retry, err := m.OnReject(domain.Reject{
		IntentID: exit.ID,
		Symbol:   "AAPL",
		Kind:     domain.IntentExit,
		Reason:   "market closed",
	})
	require.NoError(t, err)
	require.NotNil(t, retry, "an exit is never abandoned")
	assert.Equal(t, exit.ID, retry.ID)
	assert.Equal(t, opened.Quantity, retry.Quantity)
	assert.Equal(t, "profit_target", retry.Reason)

	pos, ok := m.Store().Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionPendingExit, pos.State)
}

func TestManagerStaleRejectIgnored(t *testing.T) {
	m := newTestManager(t)

	retry, err := m.OnReject(domain.Reject{
		IntentID: "long-gone",
		Symbol:   "AAPL",
		Kind:     domain.IntentEntry,
	})
	require.NoError(t, err)
	assert.Nil(t, retry)
}

func TestManagerSeedSentimentNewestWins(t *testing.T) {
	m := newTestManager(t)
	old := domain.SentimentSnapshot{Symbol: "SPY", Score: 0.2, Timestamp: time.Now().Add(-time.Hour)}
	newer := domain.SentimentSnapshot{Symbol: "SPY", Score: 0.8, Timestamp: time.Now()}

	m.SeedSentiment([]domain.SentimentSnapshot{newer, old})
	got, ok := m.Sentiment("SPY")
	require.True(t, ok)
	assert.Equal(t, 0.8, got.Score)
}

func TestManagerInvalidTickIgnored(t *testing.T) {
	m := newTestManager(t)
	intent, err := m.OnTick(domain.Tick{Symbol: "AAPL", Price: 0, Volume: 10})
	require.NoError(t, err)
	assert.Nil(t, intent)
	assert.True(t, m.LastTickAt("AAPL").IsZero())
}

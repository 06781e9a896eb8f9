package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/position"
	"github.com/alanyoungcy/sentibot/internal/risk"
)

type fakeGateway struct {
	mu        sync.Mutex
	submitted []domain.OrderIntent
	rejectAll bool
	gates     map[string]chan struct{}

	fills   chan domain.Fill
	rejects chan domain.Reject

	lookups   map[string]domain.OrderLookup
	lookupErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		gates:   make(map[string]chan struct{}),
		fills:   make(chan domain.Fill, 16),
		rejects: make(chan domain.Reject, 16),
		lookups: make(map[string]domain.OrderLookup),
	}
}

func (g *fakeGateway) Submit(ctx context.Context, intent domain.OrderIntent) error {
	g.mu.Lock()
	g.submitted = append(g.submitted, intent)
	reject := g.rejectAll
	gate := g.gates[intent.ID]
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if reject {
		return fmt.Errorf("scripted rejection: %w", domain.ErrGatewayRejected)
	}
	return nil
}

// gateIntent makes submissions of the given intent id block until gate closes.
func (g *fakeGateway) gateIntent(id string, gate chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[id] = gate
}

func (g *fakeGateway) Fills() <-chan domain.Fill     { return g.fills }
func (g *fakeGateway) Rejects() <-chan domain.Reject { return g.rejects }

func (g *fakeGateway) LookupOrder(ctx context.Context, intentID string) (domain.OrderLookup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return domain.OrderLookup{}, g.lookupErr
	}
	if lookup, ok := g.lookups[intentID]; ok {
		return lookup, nil
	}
	return domain.OrderLookup{State: domain.OrderStateGone}, nil
}

func (g *fakeGateway) Account(ctx context.Context) (domain.Account, error) {
	return domain.Account{Equity: 100_000, BuyingPower: 100_000}, nil
}

func (g *fakeGateway) lastSubmitted() (domain.OrderIntent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.submitted) == 0 {
		return domain.OrderIntent{}, false
	}
	return g.submitted[len(g.submitted)-1], true
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

type fakeHistory struct {
	mu        sync.Mutex
	records   []domain.TradeRecord
	journaled []domain.Position
}

func (h *fakeHistory) Record(ctx context.Context, record domain.TradeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *fakeHistory) ListSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.TradeRecord(nil), h.records...), nil
}

func (h *fakeHistory) JournalPending(ctx context.Context, pending []domain.Position) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.journaled = append(h.journaled, pending...)
	return nil
}

func (h *fakeHistory) recordCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

type engineHarness struct {
	manager *position.Manager
	gateway *fakeGateway
	history *fakeHistory
	signals chan domain.SentimentSnapshot
	ticks   chan domain.Tick
	done    chan error
	cancel  context.CancelFunc
}

func startEngine(t *testing.T) *engineHarness {
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

	h := &engineHarness{
		manager: position.NewManager(position.NewStore(), policy, 16, logger),
		gateway: newFakeGateway(),
		history: &fakeHistory{},
		signals: make(chan domain.SentimentSnapshot, 8),
		ticks:   make(chan domain.Tick, 8),
		done:    make(chan error, 1),
	}

	eng := New(
		Config{Workers: 1, QueueDepth: 32, ExitRetryDelay: 10 * time.Millisecond},
		h.manager, h.gateway, h.signals, h.ticks, h.history, nil, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- eng.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return h
}

func (h *engineHarness) feedMomentum(symbol string) {
	base := time.Now().UTC()
	for i, px := range []float64{100.0, 100.5, 101.0} {
		h.ticks <- domain.Tick{Symbol: symbol, Price: px, Volume: 100, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
}

func (h *engineHarness) positionState(symbol string) (domain.PositionState, bool) {
	p, ok := h.manager.Store().Get(symbol)
	if !ok {
		return "", false
	}
	return p.State, true
}

func TestEngineEntryExitRoundTrip(t *testing.T) {
	h := startEngine(t)

	h.feedMomentum("AAPL")
	h.signals <- domain.SentimentSnapshot{Symbol: "AAPL", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}

	var entry domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentEntry {
			entry = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "entry intent reaches the gateway")

	h.gateway.fills <- domain.Fill{
		IntentID: entry.ID,
		OrderID:  "broker-1",
		Symbol:   "AAPL",
		Kind:     domain.IntentEntry,
		Price:    101.0,
		Quantity: entry.Quantity,
		FilledAt: time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		state, ok := h.positionState("AAPL")
		return ok && state == domain.PositionOpen
	}, 2*time.Second, 5*time.Millisecond, "entry fill opens the position")

	h.ticks <- domain.Tick{Symbol: "AAPL", Price: 106.5, Volume: 100, Timestamp: time.Now().UTC()}

	var exit domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentExit {
			exit = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "profit target emits an exit intent")
	assert.Equal(t, "profit_target", exit.Reason)

	h.gateway.fills <- domain.Fill{
		IntentID: exit.ID,
		OrderID:  "broker-2",
		Symbol:   "AAPL",
		Kind:     domain.IntentExit,
		Price:    106.5,
		Quantity: exit.Quantity,
		FilledAt: time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		_, ok := h.positionState("AAPL")
		return !ok && h.history.recordCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "exit fill closes and records the trade")

	h.history.mu.Lock()
	record := h.history.records[0]
	h.history.mu.Unlock()
	assert.Equal(t, "AAPL", record.Symbol)
	assert.Equal(t, "profit_target", record.ExitReason)
	assert.InDelta(t, float64(exit.Quantity)*(106.5-101.0), record.RealizedPnL, 1e-9)
}

func TestEngineSyncRejectionRollsBackEntry(t *testing.T) {
	h := startEngine(t)
	h.gateway.rejectAll = true

	h.feedMomentum("AAPL")
	h.signals <- domain.SentimentSnapshot{Symbol: "AAPL", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}

	require.Eventually(t, func() bool {
		return h.gateway.submitCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The synchronous rejection is routed back as a reject event and the
	// speculative pending entry rolls away.
	require.Eventually(t, func() bool {
		_, ok := h.positionState("AAPL")
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "rejected entry frees the symbol")
	assert.False(t, h.manager.Store().Frozen("AAPL"))
}

func TestEngineAsyncExitRejectRetries(t *testing.T) {
	h := startEngine(t)

	h.feedMomentum("AAPL")
	h.signals <- domain.SentimentSnapshot{Symbol: "AAPL", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}

	var entry domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentEntry {
			entry = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	h.gateway.fills <- domain.Fill{
		IntentID: entry.ID, OrderID: "broker-1", Symbol: "AAPL", Kind: domain.IntentEntry,
		Price: 101.0, Quantity: entry.Quantity, FilledAt: time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		state, ok := h.positionState("AAPL")
		return ok && state == domain.PositionOpen
	}, 2*time.Second, 5*time.Millisecond)

	h.ticks <- domain.Tick{Symbol: "AAPL", Price: 106.5, Volume: 100, Timestamp: time.Now().UTC()}
	var exit domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentExit {
			exit = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	before := h.gateway.submitCount()

	h.gateway.rejects <- domain.Reject{
		IntentID: exit.ID, Symbol: "AAPL", Kind: domain.IntentExit, Reason: "market closed",
	}

	// The exit comes back after the retry delay with the same intent id.
	require.Eventually(t, func() bool {
		if h.gateway.submitCount() <= before {
			return false
		}
		intent, _ := h.gateway.lastSubmitted()
		return intent.Kind == domain.IntentExit && intent.ID == exit.ID
	}, 2*time.Second, 5*time.Millisecond, "rejected exit is re-submitted")
}

func TestEngineSlowRetrySubmissionDoesNotStallDrain(t *testing.T) {
	h := startEngine(t)

	h.feedMomentum("AAPL")
	h.signals <- domain.SentimentSnapshot{Symbol: "AAPL", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}

	var entry domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentEntry {
			entry = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	h.gateway.fills <- domain.Fill{
		IntentID: entry.ID, OrderID: "broker-1", Symbol: "AAPL", Kind: domain.IntentEntry,
		Price: 101.0, Quantity: entry.Quantity, FilledAt: time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		state, ok := h.positionState("AAPL")
		return ok && state == domain.PositionOpen
	}, 2*time.Second, 5*time.Millisecond)

	h.ticks <- domain.Tick{Symbol: "AAPL", Price: 106.5, Volume: 100, Timestamp: time.Now().UTC()}
	var exit domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentExit {
			exit = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The retried exit blocks inside the gateway until released.
	gate := make(chan struct{})
	defer close(gate)
	h.gateway.gateIntent(exit.ID, gate)
	before := h.gateway.submitCount()
	h.gateway.rejects <- domain.Reject{
		IntentID: exit.ID, Symbol: "AAPL", Kind: domain.IntentExit, Reason: "market closed",
	}
	require.Eventually(t, func() bool {
		return h.gateway.submitCount() > before
	}, 2*time.Second, 5*time.Millisecond, "retry reaches the gateway and blocks there")

	// While the retry is stuck, fills for other symbols keep flowing.
	h.feedMomentum("TSLA")
	h.signals <- domain.SentimentSnapshot{Symbol: "TSLA", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}
	var tslaEntry domain.OrderIntent
	require.Eventually(t, func() bool {
		intent, ok := h.gateway.lastSubmitted()
		if ok && intent.Kind == domain.IntentEntry && intent.Symbol == "TSLA" {
			tslaEntry = intent
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	h.gateway.fills <- domain.Fill{
		IntentID: tslaEntry.ID, OrderID: "broker-2", Symbol: "TSLA", Kind: domain.IntentEntry,
		Price: 101.0, Quantity: tslaEntry.Quantity, FilledAt: time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		state, ok := h.positionState("TSLA")
		return ok && state == domain.PositionOpen
	}, 2*time.Second, 5*time.Millisecond, "fill drain is independent of the blocked retry")
}

func TestEngineJournalsPendingOnShutdown(t *testing.T) {
	h := startEngine(t)

	h.feedMomentum("AAPL")
	h.signals <- domain.SentimentSnapshot{Symbol: "AAPL", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}
	require.Eventually(t, func() bool {
		state, ok := h.positionState("AAPL")
		return ok && state == domain.PositionPendingEntry
	}, 2*time.Second, 5*time.Millisecond)

	// Shut down before the fill ever arrives.
	h.cancel()
	select {
	case err := <-h.done:
		require.ErrorIs(t, err, context.Canceled)
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	require.Len(t, h.history.journaled, 1)
	assert.Equal(t, "AAPL", h.history.journaled[0].Symbol)
	assert.Equal(t, domain.PositionPendingEntry, h.history.journaled[0].State)
}

func TestEngineUnmatchedFillFreezesSymbol(t *testing.T) {
	h := startEngine(t)

	h.feedMomentum("AAPL")
	h.signals <- domain.SentimentSnapshot{Symbol: "AAPL", Score: 0.7, Mentions: 5, Timestamp: time.Now().UTC()}
	require.Eventually(t, func() bool {
		_, ok := h.gateway.lastSubmitted()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	h.gateway.fills <- domain.Fill{
		IntentID: "not-ours", OrderID: "broker-x", Symbol: "AAPL", Kind: domain.IntentEntry,
		Price: 101.0, Quantity: 1, FilledAt: time.Now().UTC(),
	}
	require.Eventually(t, func() bool {
		return h.manager.Store().Frozen("AAPL")
	}, 2*time.Second, 5*time.Millisecond, "a fill with no matching intent freezes the symbol")
}

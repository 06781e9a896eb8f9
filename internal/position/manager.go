package position

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/risk"
)

// FillOutcome reports what a committed fill did to the position table.
// Exactly one of Opened or Closed is set.
type FillOutcome struct {
	Opened *domain.Position
	Closed *domain.TradeRecord
}

// Manager combines signals, ticks, and fills with the risk policy and the
// position store to produce order intents. It never talks to the broker;
// intents are returned to the caller (the trading engine) for submission.
//
// Methods are safe for concurrent use across symbols; the engine serializes
// all events for a single symbol before they reach the manager.
type Manager struct {
	store  *Store
	policy *risk.Policy
	logger *slog.Logger

	windowCap int

	mu        sync.RWMutex
	windows   map[string]*Window
	sentiment map[string]domain.SentimentSnapshot
	// lastTicks duplicates each window's newest tick under the manager lock so
	// the monitor can read staleness and marks without touching the windows,
	// which are only ever written by their symbol's worker.
	lastTicks map[string]domain.Tick
}

// NewManager creates a Manager. windowCap bounds the per-symbol rolling tick
// window used for volume-spike and momentum detection.
func NewManager(store *Store, policy *risk.Policy, windowCap int, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		policy:    policy,
		logger:    logger.With(slog.String("component", "position_manager")),
		windowCap: windowCap,
		windows:   make(map[string]*Window),
		sentiment: make(map[string]domain.SentimentSnapshot),
		lastTicks: make(map[string]domain.Tick),
	}
}

// Store exposes the underlying position table for read-side consumers
// (reconciler, monitor, shutdown journal).
func (m *Manager) Store() *Store {
	return m.store
}

// SeedSentiment preloads the sentiment cache, typically from Redis after a
// restart inside the same trading session. Newer entries win.
func (m *Manager) SeedSentiment(snaps []domain.SentimentSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		if cur, ok := m.sentiment[s.Symbol]; !ok || s.Timestamp.After(cur.Timestamp) {
			m.sentiment[s.Symbol] = s
		}
	}
}

// Sentiment returns the cached snapshot for symbol, if any.
func (m *Manager) Sentiment(symbol string) (domain.SentimentSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sentiment[symbol]
	return s, ok
}

// LastTickAt returns the timestamp of the most recent tick seen for symbol,
// zero when none. The feed-gap monitor uses it for staleness detection.
func (m *Manager) LastTickAt(symbol string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTicks[symbol].Timestamp
}

// LatestPrice returns the most recent traded price for symbol, zero when no
// tick has been seen.
func (m *Manager) LatestPrice(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTicks[symbol].Price
}

// window returns the tick window for symbol, creating it on first use, and
// records the tick as the symbol's latest.
func (m *Manager) window(tick domain.Tick) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[tick.Symbol]
	if !ok {
		w = NewWindow(m.windowCap)
		m.windows[tick.Symbol] = w
	}
	m.lastTicks[tick.Symbol] = tick
	return w
}

// OnSignal caches the sentiment snapshot (most recent wins) and evaluates an
// entry against the latest tick window. It returns a non-nil entry intent
// when the policy allows. Signals for symbols with a live or frozen position
// produce no intent.
func (m *Manager) OnSignal(sig domain.SentimentSnapshot) (*domain.OrderIntent, error) {
	m.mu.Lock()
	if cur, ok := m.sentiment[sig.Symbol]; !ok || !sig.Timestamp.Before(cur.Timestamp) {
		m.sentiment[sig.Symbol] = sig
	}
	m.mu.Unlock()

	return m.tryEntry(sig.Symbol, sig.Score)
}

// OnTick appends the tick to the rolling window, then either evaluates an
// exit for an open position or, when the symbol has cached sentiment and no
// live position, re-evaluates an entry (the spike trigger usually arrives on
// a tick well after the daily signal). The returned intent is nil when no
// action is needed.
func (m *Manager) OnTick(tick domain.Tick) (*domain.OrderIntent, error) {
	if !tick.Valid() {
		return nil, nil
	}
	m.window(tick).Append(tick)

	if m.store.Frozen(tick.Symbol) {
		return nil, nil
	}

	pos, ok := m.store.Get(tick.Symbol)
	if !ok {
		if sent, cached := m.Sentiment(tick.Symbol); cached {
			return m.tryEntry(tick.Symbol, sent.Score)
		}
		return nil, nil
	}
	if pos.State != domain.PositionOpen {
		// Pending entry or exit: nothing to decide until the fill settles.
		return nil, nil
	}

	verdict := m.policy.EvaluateExit(pos, tick.Price)
	if !verdict.Exit {
		return nil, nil
	}
	intent := domain.OrderIntent{
		ID:       uuid.New().String(),
		Symbol:   tick.Symbol,
		Side:     domain.OrderSideSell,
		Kind:     domain.IntentExit,
		Quantity: pos.Quantity,
		Reason:   verdict.Reason,
		IssuedAt: time.Now().UTC(),
	}
	if _, err := m.store.MarkPendingExit(tick.Symbol, intent.ID, verdict.Reason, intent.IssuedAt); err != nil {
		return nil, fmt.Errorf("manager: exit %s: %w", tick.Symbol, err)
	}
	m.logger.Info("exit intent issued",
		slog.String("symbol", tick.Symbol),
		slog.String("reason", verdict.Reason),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("price", tick.Price),
	)
	return &intent, nil
}

// tryEntry runs the entry policy for symbol and, on allow, reserves the
// symbol's slot in pending_entry and returns the buy intent.
func (m *Manager) tryEntry(symbol string, sentiment float64) (*domain.OrderIntent, error) {
	if m.store.Frozen(symbol) {
		return nil, nil
	}
	_, active := m.store.Get(symbol)

	m.mu.RLock()
	w, ok := m.windows[symbol]
	var stats risk.TickStats
	if ok {
		stats = w.Stats()
	}
	m.mu.RUnlock()

	verdict := m.policy.EvaluateEntry(symbol, sentiment, active, m.store.CountActive(), stats)
	if !verdict.Allow {
		m.logger.Debug("entry rejected",
			slog.String("symbol", symbol),
			slog.String("reason", verdict.Reason),
		)
		return nil, nil
	}

	intent := domain.OrderIntent{
		ID:       uuid.New().String(),
		Symbol:   symbol,
		Side:     domain.OrderSideBuy,
		Kind:     domain.IntentEntry,
		Quantity: m.policy.Quantity(stats.LatestPrice),
		Reason:   "sentiment_entry",
		IssuedAt: time.Now().UTC(),
	}
	if _, err := m.store.Create(symbol, intent.Quantity, intent.ID, intent.IssuedAt, m.policy.MaxPositions()); err != nil {
		if errors.Is(err, domain.ErrPositionLimit) {
			// Another symbol's worker took the last slot between the policy
			// check and the reservation; treat it like a policy rejection.
			m.logger.Debug("entry lost the last position slot",
				slog.String("symbol", symbol),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("manager: entry %s: %w", symbol, err)
	}
	m.logger.Info("entry intent issued",
		slog.String("symbol", symbol),
		slog.Float64("sentiment", sentiment),
		slog.Int64("quantity", intent.Quantity),
	)
	return &intent, nil
}

// OnFill commits a broker fill against the pending transition that produced
// it. A fill that matches no pending intent for the symbol is an invariant
// violation: the symbol is frozen and the error returned, never papered over.
func (m *Manager) OnFill(fill domain.Fill) (FillOutcome, error) {
	pos, ok := m.store.Get(fill.Symbol)
	if !ok || pos.IntentID != fill.IntentID {
		m.store.Freeze(fill.Symbol)
		return FillOutcome{}, fmt.Errorf("manager: fill intent %s for %s: %w", fill.IntentID, fill.Symbol, domain.ErrUnmatchedFill)
	}

	switch fill.Kind {
	case domain.IntentEntry:
		opened, err := m.store.MarkOpen(fill.Symbol, fill)
		if err != nil {
			m.store.Freeze(fill.Symbol)
			return FillOutcome{}, fmt.Errorf("manager: entry fill %s: %w", fill.Symbol, err)
		}
		m.logger.Info("position opened",
			slog.String("symbol", fill.Symbol),
			slog.Float64("entry_price", opened.EntryPrice),
			slog.Int64("quantity", opened.Quantity),
		)
		return FillOutcome{Opened: &opened}, nil

	case domain.IntentExit:
		closed, err := m.store.MarkClosed(fill.Symbol, fill)
		if err != nil {
			m.store.Freeze(fill.Symbol)
			return FillOutcome{}, fmt.Errorf("manager: exit fill %s: %w", fill.Symbol, err)
		}
		record := domain.TradeRecord{
			ID:          uuid.New().String(),
			Symbol:      closed.Symbol,
			Quantity:    closed.Quantity,
			EntryPrice:  closed.EntryPrice,
			ExitPrice:   fill.Price,
			ExitReason:  closed.ExitReason,
			RealizedPnL: domain.PnL(closed.Quantity, closed.EntryPrice, fill.Price),
			OpenedAt:    closed.OpenedAt,
			ClosedAt:    fill.FilledAt,
		}
		m.logger.Info("position closed",
			slog.String("symbol", fill.Symbol),
			slog.String("reason", record.ExitReason),
			slog.Float64("pnl", record.RealizedPnL),
		)
		return FillOutcome{Closed: &record}, nil

	default:
		m.store.Freeze(fill.Symbol)
		return FillOutcome{}, fmt.Errorf("manager: fill kind %q for %s: %w", fill.Kind, fill.Symbol, domain.ErrUnmatchedFill)
	}
}

// OnReject handles a broker rejection. An entry rejection rolls the symbol
// back to empty so a later signal can retry. An exit rejection keeps the
// position in pending_exit and returns the same intent for re-submission:
// an open position carries market risk, so an exit is never abandoned.
func (m *Manager) OnReject(rej domain.Reject) (*domain.OrderIntent, error) {
	pos, ok := m.store.Get(rej.Symbol)
	if !ok || pos.IntentID != rej.IntentID {
		// A rejection for an intent we no longer track is stale; log and move on.
		m.logger.Warn("stale rejection ignored",
			slog.String("symbol", rej.Symbol),
			slog.String("intent_id", rej.IntentID),
		)
		return nil, nil
	}

	switch rej.Kind {
	case domain.IntentEntry:
		if err := m.store.Rollback(rej.Symbol); err != nil {
			m.store.Freeze(rej.Symbol)
			return nil, fmt.Errorf("manager: entry reject %s: %w", rej.Symbol, err)
		}
		m.logger.Warn("entry rejected by gateway",
			slog.String("symbol", rej.Symbol),
			slog.String("reason", rej.Reason),
		)
		return nil, nil

	case domain.IntentExit:
		m.logger.Warn("exit rejected by gateway, re-emitting",
			slog.String("symbol", rej.Symbol),
			slog.String("reason", rej.Reason),
		)
		retry := domain.OrderIntent{
			ID:       pos.IntentID,
			Symbol:   pos.Symbol,
			Side:     domain.OrderSideSell,
			Kind:     domain.IntentExit,
			Quantity: pos.Quantity,
			Reason:   pos.ExitReason,
			IssuedAt: time.Now().UTC(),
		}
		return &retry, nil

	default:
		return nil, fmt.Errorf("manager: reject kind %q for %s: %w", rej.Kind, rej.Symbol, domain.ErrUnmatchedFill)
	}
}

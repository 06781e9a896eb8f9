package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/position"
)

// Monitor watches feed health and reports portfolio status. A symbol with an
// open position that stops receiving ticks is logged as stale; it is never
// auto-closed on staleness alone, since the absence of data says nothing
// about the market.
type Monitor struct {
	manager        *position.Manager
	gateway        OrderGateway
	staleAfter     time.Duration
	statusInterval time.Duration
	logger         *slog.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(manager *position.Manager, gw OrderGateway, staleAfter, statusInterval time.Duration, logger *slog.Logger) *Monitor {
	if statusInterval <= 0 {
		statusInterval = time.Minute
	}
	return &Monitor{
		manager:        manager,
		gateway:        gw,
		staleAfter:     staleAfter,
		statusInterval: statusInterval,
		logger:         logger.With(slog.String("component", "monitor")),
	}
}

// Run emits staleness warnings and periodic status lines until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	staleTicker := time.NewTicker(m.staleCheckInterval())
	defer staleTicker.Stop()
	statusTicker := time.NewTicker(m.statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-staleTicker.C:
			m.checkStaleness(time.Now().UTC())
		case <-statusTicker.C:
			m.logStatus(ctx)
		}
	}
}

func (m *Monitor) staleCheckInterval() time.Duration {
	// Check at a fraction of the staleness threshold so a gap is noticed
	// shortly after it exceeds the limit.
	iv := m.staleAfter / 3
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// checkStaleness warns once per pass for each position whose feed has gone
// quiet beyond the threshold.
func (m *Monitor) checkStaleness(now time.Time) {
	if m.staleAfter <= 0 {
		return
	}
	for _, p := range m.manager.Store().Snapshot() {
		if p.State != domain.PositionOpen && p.State != domain.PositionPendingExit {
			continue
		}
		last := m.manager.LastTickAt(p.Symbol)
		if last.IsZero() || now.Sub(last) <= m.staleAfter {
			continue
		}
		m.logger.Warn("stale market feed for open position",
			slog.String("symbol", p.Symbol),
			slog.Duration("since_last_tick", now.Sub(last)),
		)
	}
}

// logStatus reports position count, market value, and unrealized PnL from the
// latest ticks.
func (m *Monitor) logStatus(ctx context.Context) {
	positions := m.manager.Store().Snapshot()

	var marketValue, unrealized float64
	for _, p := range positions {
		latest := m.manager.LatestPrice(p.Symbol)
		if latest <= 0 {
			latest = p.EntryPrice
		}
		marketValue += float64(p.Quantity) * latest
		if p.State == domain.PositionOpen || p.State == domain.PositionPendingExit {
			unrealized += float64(p.Quantity) * (latest - p.EntryPrice)
		}
	}

	attrs := []any{
		slog.Int("positions", len(positions)),
		slog.Float64("market_value", marketValue),
		slog.Float64("unrealized_pnl", unrealized),
	}
	if account, err := m.gateway.Account(ctx); err == nil {
		attrs = append(attrs, slog.Float64("equity", account.Equity))
	}
	m.logger.Info("portfolio status", attrs...)
}

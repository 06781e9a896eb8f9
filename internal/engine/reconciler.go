package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/position"
)

// FillSink accepts a fill recovered by reconciliation and routes it through
// the same per-symbol serialized path as gateway fills.
type FillSink func(ctx context.Context, fill domain.Fill) error

// Reconciler resolves positions stuck in a pending state. An intent left
// pending beyond the timeout is checked against the gateway's own order
// state instead of assuming either outcome: a still-live order keeps
// waiting; a filled order is committed through the normal fill path; only
// when the gateway shows no matching order does a pending entry roll back to
// empty and a pending exit return to open so the exit re-fires on the next
// tick.
type Reconciler struct {
	store    *position.Store
	gateway  OrderGateway
	fills    FillSink
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler that scans the live table every interval
// for positions pending longer than timeout. Recovered fills are handed to
// fills, which may be nil when no recovery path exists.
func NewReconciler(store *position.Store, gw OrderGateway, fills FillSink, timeout, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{
		store:    store,
		gateway:  gw,
		fills:    fills,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// Run executes reconciliation passes until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", slog.Duration("timeout", r.timeout))
	defer r.logger.Info("reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pass(ctx, time.Now().UTC())
		}
	}
}

// pass checks every overdue pending position once.
func (r *Reconciler) pass(ctx context.Context, now time.Time) {
	for _, p := range r.store.Snapshot() {
		if p.State != domain.PositionPendingEntry && p.State != domain.PositionPendingExit {
			continue
		}
		if p.PendingSince.IsZero() || now.Sub(p.PendingSince) < r.timeout {
			continue
		}
		r.reconcile(ctx, p)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, p domain.Position) {
	log := r.logger.With(
		slog.String("symbol", p.Symbol),
		slog.String("state", string(p.State)),
		slog.String("intent_id", p.IntentID),
	)

	lookup, err := r.gateway.LookupOrder(ctx, p.IntentID)
	if err != nil {
		// Cannot establish gateway state; keep waiting rather than guess.
		log.Warn("reconciliation query failed", slog.String("error", err.Error()))
		return
	}

	switch lookup.State {
	case domain.OrderStateOpen:
		log.Info("pending order still live at gateway, waiting")

	case domain.OrderStateFilled:
		r.recoverFill(ctx, log, p, lookup.Fill)

	case domain.OrderStateGone:
		switch p.State {
		case domain.PositionPendingEntry:
			if err := r.store.Rollback(p.Symbol); err != nil {
				log.Error("pending entry rollback failed", slog.String("error", err.Error()))
				return
			}
			log.Warn("pending entry timed out with no gateway order, rolled back")
		case domain.PositionPendingExit:
			if _, err := r.store.Reopen(p.Symbol); err != nil {
				log.Error("pending exit reopen failed", slog.String("error", err.Error()))
				return
			}
			log.Warn("pending exit timed out with no gateway order, reopened for retry")
		}
	}
}

// recoverFill commits a fill the gateway reports but whose delivery never
// arrived. The fill enters through the sink so the symbol's worker applies it
// in order; rolling back a filled order would orphan a live broker position.
func (r *Reconciler) recoverFill(ctx context.Context, log *slog.Logger, p domain.Position, fill *domain.Fill) {
	if fill == nil || r.fills == nil {
		log.Warn("pending order filled at gateway, awaiting fill delivery")
		return
	}

	recovered := *fill
	if p.State == domain.PositionPendingEntry {
		recovered.Kind = domain.IntentEntry
	} else {
		recovered.Kind = domain.IntentExit
	}
	if recovered.Symbol == "" {
		recovered.Symbol = p.Symbol
	}

	if err := r.fills(ctx, recovered); err != nil {
		log.Error("recovered fill routing failed", slog.String("error", err.Error()))
		return
	}
	log.Warn("pending order filled at gateway, fill recovered",
		slog.Float64("price", recovered.Price),
		slog.Int64("quantity", recovered.Quantity),
	)
}

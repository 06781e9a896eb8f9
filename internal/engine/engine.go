// Package engine drives the trading event loop. The engine is the only
// component that talks to the order gateway; the position manager only
// produces intents, which keeps the decision path testable without any
// network dependency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/position"
)

// OrderGateway is the broker surface the engine depends on. Submit returns a
// synchronous rejection as an error wrapping domain.ErrGatewayRejected;
// everything else arrives asynchronously on the Fills and Rejects channels.
type OrderGateway interface {
	Submit(ctx context.Context, intent domain.OrderIntent) error
	Fills() <-chan domain.Fill
	Rejects() <-chan domain.Reject
	LookupOrder(ctx context.Context, intentID string) (domain.OrderLookup, error)
	Account(ctx context.Context) (domain.Account, error)
}

// Notifier is the subset of the notification system the engine uses.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the engine's runtime knobs.
type Config struct {
	// Workers is the number of event workers; all events for one symbol hash
	// to the same worker, which is what serializes decisions per symbol.
	Workers int
	// QueueDepth is the per-worker event buffer.
	QueueDepth int
	// ExitRetryDelay spaces out re-submissions of rejected exit intents.
	ExitRetryDelay time.Duration
}

// Engine fans unordered input streams (signals, ticks, fills, rejections)
// into per-symbol serialized workers, applies the position manager's
// decisions, and executes the resulting intents against the gateway.
type Engine struct {
	cfg      Config
	manager  *position.Manager
	gateway  OrderGateway
	history  domain.TradeHistoryStore // may be nil in paper mode
	notifier Notifier                 // may be nil
	logger   *slog.Logger

	signals <-chan domain.SentimentSnapshot
	ticks   <-chan domain.Tick

	queues    []chan domain.Event
	historyCh chan domain.TradeRecord
}

// New creates an Engine reading signals and ticks from the given channels.
// history and notifier are optional.
func New(
	cfg Config,
	manager *position.Manager,
	gw OrderGateway,
	signals <-chan domain.SentimentSnapshot,
	ticks <-chan domain.Tick,
	history domain.TradeHistoryStore,
	notifier Notifier,
	logger *slog.Logger,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 128
	}
	if cfg.ExitRetryDelay <= 0 {
		cfg.ExitRetryDelay = 2 * time.Second
	}
	queues := make([]chan domain.Event, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan domain.Event, cfg.QueueDepth)
	}
	return &Engine{
		cfg:       cfg,
		manager:   manager,
		gateway:   gw,
		history:   history,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "engine")),
		signals:   signals,
		ticks:     ticks,
		queues:    queues,
		historyCh: make(chan domain.TradeRecord, 64),
	}
}

// Run starts the dispatchers, workers, and the history recorder, and blocks
// until the context is cancelled. On shutdown, any still-pending positions
// are journaled for manual reconciliation before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", slog.Int("workers", e.cfg.Workers))
	defer e.logger.Info("engine stopped")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.dispatchSignals(gctx) })
	g.Go(func() error { return e.dispatchTicks(gctx) })
	g.Go(func() error { return e.drainGateway(gctx) })
	g.Go(func() error { return e.recordHistory(gctx) })
	for i := range e.queues {
		q := e.queues[i]
		g.Go(func() error { return e.worker(gctx, q) })
	}

	err := g.Wait()
	e.journalPending()
	return err
}

// route hashes the event's symbol onto a worker queue so every event for a
// symbol is handled by the same worker in arrival order.
func (e *Engine) route(ctx context.Context, ev domain.Event) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.EventSymbol()))
	q := e.queues[h.Sum32()%uint32(len(e.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dispatchSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-e.signals:
			if !ok {
				return nil
			}
			if err := e.route(ctx, domain.SignalEvent{Signal: sig}); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) dispatchTicks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-e.ticks:
			if !ok {
				return nil
			}
			if err := e.route(ctx, domain.TickEvent{Tick: tick}); err != nil {
				return err
			}
		}
	}
}

// drainGateway forwards asynchronous gateway acknowledgments into the symbol
// workers. It only routes; it never calls the gateway itself, so a slow
// broker submission can never stall acknowledgment draining.
func (e *Engine) drainGateway(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill := <-e.gateway.Fills():
			if err := e.route(ctx, domain.FillEvent{Fill: fill}); err != nil {
				return err
			}
		case rej := <-e.gateway.Rejects():
			if err := e.route(ctx, domain.RejectEvent{Reject: rej}); err != nil {
				return err
			}
		}
	}
}

// RecoverFill routes a fill recovered by reconciliation through the same
// per-symbol worker path as gateway-delivered fills.
func (e *Engine) RecoverFill(ctx context.Context, fill domain.Fill) error {
	return e.route(ctx, domain.FillEvent{Fill: fill})
}

// worker processes one queue of per-symbol serialized events. Errors are
// contained to the affected symbol; the loop itself never stops on them.
func (e *Engine) worker(ctx context.Context, queue <-chan domain.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-queue:
			if !ok {
				return nil
			}
			e.handle(ctx, ev)
		}
	}
}

// handle dispatches a single event. The type switch is exhaustive over the
// domain event variants; an unknown kind is a bug and is logged as such.
func (e *Engine) handle(ctx context.Context, ev domain.Event) {
	switch ev := ev.(type) {
	case domain.SignalEvent:
		intent, err := e.manager.OnSignal(ev.Signal)
		if err != nil {
			e.reportError(ctx, ev.Signal.Symbol, "signal handling failed", err)
			return
		}
		if intent != nil {
			e.submit(ctx, *intent)
		}

	case domain.TickEvent:
		intent, err := e.manager.OnTick(ev.Tick)
		if err != nil {
			e.reportError(ctx, ev.Tick.Symbol, "tick handling failed", err)
			return
		}
		if intent != nil {
			e.submit(ctx, *intent)
		}

	case domain.FillEvent:
		outcome, err := e.manager.OnFill(ev.Fill)
		if err != nil {
			e.reportError(ctx, ev.Fill.Symbol, "fill handling failed", err)
			return
		}
		if outcome.Closed != nil {
			select {
			case e.historyCh <- *outcome.Closed:
			case <-ctx.Done():
			}
			e.notify(ctx, "trade_closed", "Position closed",
				fmt.Sprintf("%s %s pnl=%.2f", outcome.Closed.Symbol, outcome.Closed.ExitReason, outcome.Closed.RealizedPnL))
		}
		if outcome.Opened != nil {
			e.notify(ctx, "trade_opened", "Position opened",
				fmt.Sprintf("%s qty=%d @ %.2f", outcome.Opened.Symbol, outcome.Opened.Quantity, outcome.Opened.EntryPrice))
		}

	case domain.RejectEvent:
		retry, err := e.manager.OnReject(ev.Reject)
		if err != nil {
			e.reportError(ctx, ev.Reject.Symbol, "reject handling failed", err)
			return
		}
		if retry != nil {
			e.scheduleRetry(ctx, *retry)
		}

	default:
		e.logger.Error("unhandled event kind", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

// submit executes an intent against the gateway. A synchronous rejection is
// converted into a RejectEvent and routed back through the symbol's worker so
// the manager sees one consistent rejection path.
func (e *Engine) submit(ctx context.Context, intent domain.OrderIntent) {
	err := e.gateway.Submit(ctx, intent)
	if err == nil {
		e.logger.Debug("intent submitted",
			slog.String("symbol", intent.Symbol),
			slog.String("kind", string(intent.Kind)),
			slog.String("intent_id", intent.ID),
		)
		return
	}
	if errors.Is(err, domain.ErrGatewayRejected) {
		rej := domain.Reject{
			IntentID: intent.ID,
			Symbol:   intent.Symbol,
			Kind:     intent.Kind,
			Reason:   err.Error(),
		}
		if routeErr := e.route(ctx, domain.RejectEvent{Reject: rej}); routeErr != nil {
			e.logger.Error("failed to route rejection", slog.String("error", routeErr.Error()))
		}
		return
	}
	// Transport failure: the order may or may not exist at the broker. Leave
	// the pending state alone; the reconciler resolves it against gateway
	// state instead of guessing.
	e.logger.Error("intent submission failed",
		slog.String("symbol", intent.Symbol),
		slog.String("intent_id", intent.ID),
		slog.String("error", err.Error()),
	)
}

// scheduleRetry re-submits a rejected exit intent after a delay. The wait and
// the submission both run on their own goroutine so one symbol's backoff
// stalls neither its worker shard nor the gateway drain.
func (e *Engine) scheduleRetry(ctx context.Context, intent domain.OrderIntent) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.ExitRetryDelay):
		}
		e.submit(ctx, intent)
	}()
}

// recordHistory persists closed trades off the worker path.
func (e *Engine) recordHistory(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record := <-e.historyCh:
			if e.history == nil {
				continue
			}
			if err := e.history.Record(ctx, record); err != nil {
				e.logger.Error("trade history record failed",
					slog.String("symbol", record.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// reportError logs a symbol-scoped failure and raises a notification when it
// is an invariant violation (the symbol is frozen by the manager in that
// case and needs an operator).
func (e *Engine) reportError(ctx context.Context, symbol, msg string, err error) {
	e.logger.Error(msg,
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, domain.ErrUnmatchedFill) || errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrPositionExists) {
		e.notify(ctx, "invariant_violation", "Symbol frozen",
			fmt.Sprintf("%s: %v", symbol, err))
	}
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}

// journalPending writes any in-flight pending positions at shutdown. Losing
// track of an order that may exist at the broker is a severe failure, so the
// journal uses a fresh context independent of the cancelled run context.
func (e *Engine) journalPending() {
	pending := make([]domain.Position, 0)
	for _, p := range e.manager.Store().Snapshot() {
		if p.State == domain.PositionPendingEntry || p.State == domain.PositionPendingExit {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return
	}

	e.logger.Warn("shutting down with pending positions", slog.Int("count", len(pending)))
	if e.history == nil {
		for _, p := range pending {
			e.logger.Warn("pending position requires manual reconciliation",
				slog.String("symbol", p.Symbol),
				slog.String("state", string(p.State)),
				slog.String("intent_id", p.IntentID),
			)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.JournalPending(ctx, pending); err != nil {
		e.logger.Error("pending journal write failed", slog.String("error", err.Error()))
	}
}

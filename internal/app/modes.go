package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sentibot/internal/engine"
	"github.com/alanyoungcy/sentibot/internal/feed"
	"github.com/alanyoungcy/sentibot/internal/gateway"
	"github.com/alanyoungcy/sentibot/internal/position"
	"github.com/alanyoungcy/sentibot/internal/risk"
)

// paperFillLatency simulates broker acknowledgment time in paper mode.
const paperFillLatency = 250 * time.Millisecond

// liveLockTTL bounds how long a crashed live process keeps the account locked.
const liveLockTTL = time.Hour

// PaperMode trades against the in-process simulated gateway. Market data and
// sentiment are real; order fills are synthesized at the latest seen price.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	manager := a.buildManager()
	gw := gateway.NewPaper(manager.LatestPrice, paperFillLatency, a.logger)
	return a.runTrading(ctx, deps, manager, gw)
}

// LiveMode trades through the brokerage REST API. The Redis instance lock
// prevents two processes from trading the same account.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	release, err := deps.Lock.Acquire(ctx, "trader", liveLockTTL)
	if err != nil {
		return fmt.Errorf("live mode: %w", err)
	}
	defer release()

	manager := a.buildManager()
	gw := gateway.NewAlpaca(gateway.AlpacaConfig{
		BaseURL:   a.cfg.Broker.BaseURL,
		APIKey:    a.cfg.Broker.APIKey,
		APISecret: a.cfg.Broker.APISecret,
	}, a.logger)
	return a.runTrading(ctx, deps, manager, gw)
}

func (a *App) buildManager() *position.Manager {
	policy := risk.New(risk.Config{
		ProfitTarget:        a.cfg.Trading.ProfitTarget,
		StopLoss:            a.cfg.Trading.StopLoss,
		MinSentiment:        a.cfg.Trading.MinSentiment,
		MaxPositions:        a.cfg.Trading.MaxPositions,
		MaxPositionValue:    a.cfg.Trading.MaxPositionValue,
		VolumeSpikeMultiple: a.cfg.Trading.VolumeSpikeMultiple,
	})
	return position.NewManager(position.NewStore(), policy, a.cfg.Engine.TickWindow, a.logger)
}

// runTrading starts the feeds, the engine, and the background watchers, and
// blocks until the context is cancelled.
func (a *App) runTrading(ctx context.Context, deps *Dependencies, manager *position.Manager, gw engine.OrderGateway) error {
	// Recover the session's sentiment scores so a restart does not go blind.
	if snaps, err := deps.Sentiment.All(ctx); err != nil {
		a.logger.WarnContext(ctx, "sentiment cache recovery failed", slog.String("error", err.Error()))
	} else if len(snaps) > 0 {
		manager.SeedSentiment(snaps)
		a.logger.InfoContext(ctx, "recovered cached sentiment", slog.Int("symbols", len(snaps)))
	}

	marketFeed := feed.NewMarketFeed(
		a.cfg.Broker.DataWSURL,
		a.cfg.Broker.APIKey,
		a.cfg.Broker.APISecret,
		a.cfg.Sentiment.Symbols,
		a.logger,
	)
	sentimentFeed := feed.NewSentimentFeed(
		deps.Bus,
		deps.Sentiment,
		marketFeed,
		a.cfg.Sentiment.Channel,
		a.cfg.Sentiment.MinMentions,
		a.cfg.Sentiment.MaxWatchlist,
		a.logger,
	)

	eng := engine.New(
		engine.Config{
			Workers:        a.cfg.Engine.Workers,
			QueueDepth:     a.cfg.Engine.QueueDepth,
			ExitRetryDelay: a.cfg.Engine.ExitRetryDelay.Duration,
		},
		manager,
		gw,
		sentimentFeed.Signals(),
		marketFeed.Ticks(),
		deps.History,
		deps.Notifier,
		a.logger,
	)
	reconciler := engine.NewReconciler(
		manager.Store(), gw, eng.RecoverFill,
		a.cfg.Engine.PendingTimeout.Duration,
		a.cfg.Engine.ReconcileInterval.Duration,
		a.logger,
	)
	monitor := engine.NewMonitor(
		manager, gw,
		a.cfg.Engine.StaleFeedAfter.Duration,
		a.cfg.Engine.StatusInterval.Duration,
		a.logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return marketFeed.Run(gctx) })
	g.Go(func() error { return sentimentFeed.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	if deps.Archiver != nil {
		archive := engine.NewArchiveJob(deps.History, deps.Archiver, a.logger)
		g.Go(func() error { return archive.Run(gctx) })
	}

	return g.Wait()
}

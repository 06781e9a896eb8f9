package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// SymbolSubscriber lets the sentiment feed promote newly mentioned symbols
// onto the market data stream.
type SymbolSubscriber interface {
	Subscribe(symbols ...string)
	Watching(symbol string) bool
	WatchCount() int
}

// SentimentFeed subscribes to the scraper's signal-bus channel, filters the
// snapshots, persists them, and emits them to the engine. Symbols not yet on
// the market stream are promoted until the watchlist cap is reached.
type SentimentFeed struct {
	bus          domain.SignalBus
	cache        domain.SentimentCache
	market       SymbolSubscriber
	channel      string
	minMentions  int
	maxWatchlist int
	logger       *slog.Logger

	signals chan domain.SentimentSnapshot
}

// NewSentimentFeed creates a SentimentFeed. cache and market may be nil when
// persistence or watchlist promotion is not wanted.
func NewSentimentFeed(bus domain.SignalBus, cache domain.SentimentCache, market SymbolSubscriber, channel string, minMentions, maxWatchlist int, logger *slog.Logger) *SentimentFeed {
	return &SentimentFeed{
		bus:          bus,
		cache:        cache,
		market:       market,
		channel:      channel,
		minMentions:  minMentions,
		maxWatchlist: maxWatchlist,
		logger:       logger.With(slog.String("component", "sentiment_feed")),
		signals:      make(chan domain.SentimentSnapshot, 64),
	}
}

// Signals returns the stream of accepted snapshots.
func (f *SentimentFeed) Signals() <-chan domain.SentimentSnapshot {
	return f.signals
}

// Run consumes the bus channel until the context is cancelled.
func (f *SentimentFeed) Run(ctx context.Context) error {
	defer close(f.signals)

	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("sentiment feed started", slog.String("channel", f.channel))
	defer f.logger.Info("sentiment feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleMessage(ctx, data)
		}
	}
}

func (f *SentimentFeed) handleMessage(ctx context.Context, data []byte) {
	var snap domain.SentimentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		f.logger.Debug("undecodable sentiment payload",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}

	snap.Symbol = strings.ToUpper(strings.TrimSpace(snap.Symbol))
	if snap.Symbol == "" {
		return
	}
	if snap.Mentions < f.minMentions {
		f.logger.Debug("sentiment below mention floor",
			slog.String("symbol", snap.Symbol),
			slog.Int("mentions", snap.Mentions),
		)
		return
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, snap); err != nil {
			f.logger.Warn("sentiment cache write failed",
				slog.String("symbol", snap.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	f.promote(snap.Symbol)

	select {
	case f.signals <- snap:
	case <-ctx.Done():
	}
}

// promote adds a newly mentioned symbol to the market stream unless the
// watchlist cap is already reached.
func (f *SentimentFeed) promote(symbol string) {
	if f.market == nil || f.market.Watching(symbol) {
		return
	}
	if f.maxWatchlist > 0 && f.market.WatchCount() >= f.maxWatchlist {
		f.logger.Debug("watchlist full, not promoting", slog.String("symbol", symbol))
		return
	}
	f.market.Subscribe(symbol)
	f.logger.Info("promoted symbol to watchlist", slog.String("symbol", symbol))
}

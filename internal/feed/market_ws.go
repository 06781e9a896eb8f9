// Package feed connects the engine to its two inputs: the brokerage market
// data stream and the sentiment signal bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

const (
	reconnectDelay = 2 * time.Second
	connectTimeout = 15 * time.Second
	tickBuffer     = 256
)

// wsMessage covers every frame shape the data stream sends. Control frames
// use T "success"/"error"/"subscription"; trades use T "t".
type wsMessage struct {
	Type   string    `json:"T"`
	Msg    string    `json:"msg"`
	Code   int       `json:"code"`
	Symbol string    `json:"S"`
	Price  float64   `json:"p"`
	Size   int64     `json:"s"`
	Time   time.Time `json:"t"`
}

type wsAuth struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type wsSubscribe struct {
	Action string   `json:"action"`
	Trades []string `json:"trades"`
}

// MarketFeed streams per-symbol trades from the brokerage data WebSocket and
// emits them as ticks. Symbols can be added while the feed is running; the
// subscription set survives reconnects.
type MarketFeed struct {
	wsURL     string
	apiKey    string
	apiSecret string
	logger    *slog.Logger

	mu      sync.Mutex
	symbols map[string]bool
	subReq  chan struct{}

	ticks chan domain.Tick
}

// NewMarketFeed creates a feed subscribed to the given initial symbols.
func NewMarketFeed(wsURL, apiKey, apiSecret string, symbols []string, logger *slog.Logger) *MarketFeed {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &MarketFeed{
		wsURL:     wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		logger:    logger.With(slog.String("component", "market_feed")),
		symbols:   set,
		subReq:    make(chan struct{}, 1),
		ticks:     make(chan domain.Tick, tickBuffer),
	}
}

// Ticks returns the stream of decoded trades.
func (f *MarketFeed) Ticks() <-chan domain.Tick {
	return f.ticks
}

// Subscribe adds symbols to the watch set. Already-watched symbols are
// ignored. The live connection is nudged to send the new subscription.
func (f *MarketFeed) Subscribe(symbols ...string) {
	f.mu.Lock()
	added := false
	for _, s := range symbols {
		if !f.symbols[s] {
			f.symbols[s] = true
			added = true
		}
	}
	f.mu.Unlock()
	if !added {
		return
	}
	select {
	case f.subReq <- struct{}{}:
	default:
	}
}

// Watching reports whether the symbol is in the watch set.
func (f *MarketFeed) Watching(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbols[symbol]
}

// WatchCount returns the size of the watch set.
func (f *MarketFeed) WatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.symbols)
}

func (f *MarketFeed) watchlist() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run connects, authenticates, subscribes, and pumps ticks until the context
// is cancelled. Disconnects trigger a reconnect with a short delay.
func (f *MarketFeed) Run(ctx context.Context) error {
	defer close(f.ticks)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("market stream disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *MarketFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	if err := f.handshake(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsSubscribe{Action: "subscribe", Trades: f.watchlist()}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("market stream subscribed", slog.Int("symbols", f.WatchCount()))

	// Writer goroutine owns all writes after the handshake so the read loop
	// never touches the connection for output.
	writerDone := make(chan error, 1)
	connCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go func() {
		writerDone <- f.writeLoop(connCtx, conn)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			stopWriter()
			<-writerDone
			return fmt.Errorf("feed: read: %w", err)
		}
		frames, err := unmarshalFrames(data)
		if err != nil {
			f.logger.Debug("undecodable market stream payload", slog.Int("len", len(data)))
			continue
		}
		for _, m := range frames {
			f.handleFrame(ctx, m)
		}
	}
}

// handshake consumes the connected banner and performs key/secret auth.
func (f *MarketFeed) handshake(conn *websocket.Conn) error {
	var banner []wsMessage
	if err := conn.ReadJSON(&banner); err != nil {
		return fmt.Errorf("feed: read banner: %w", err)
	}
	if err := conn.WriteJSON(wsAuth{Action: "auth", Key: f.apiKey, Secret: f.apiSecret}); err != nil {
		return fmt.Errorf("feed: auth: %w", err)
	}
	var reply []wsMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("feed: read auth reply: %w", err)
	}
	for _, m := range reply {
		if m.Type == "error" {
			return fmt.Errorf("feed: auth rejected: %s (code %d)", m.Msg, m.Code)
		}
	}
	return nil
}

// writeLoop sends a fresh subscribe frame whenever the watch set grows.
func (f *MarketFeed) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.subReq:
			if err := conn.WriteJSON(wsSubscribe{Action: "subscribe", Trades: f.watchlist()}); err != nil {
				return fmt.Errorf("feed: resubscribe: %w", err)
			}
			f.logger.Info("market stream resubscribed", slog.Int("symbols", f.WatchCount()))
		}
	}
}

func (f *MarketFeed) handleFrame(ctx context.Context, m wsMessage) {
	switch m.Type {
	case "t":
		tick := domain.Tick{
			Symbol:    m.Symbol,
			Price:     m.Price,
			Volume:    m.Size,
			Timestamp: m.Time,
		}
		if !tick.Valid() {
			return
		}
		select {
		case f.ticks <- tick:
		case <-ctx.Done():
		}
	case "error":
		f.logger.Warn("market stream error frame",
			slog.String("msg", m.Msg),
			slog.Int("code", m.Code),
		)
	case "success", "subscription":
		// Control acknowledgements carry no data.
	default:
		f.logger.Debug("unhandled market stream frame", slog.String("type", m.Type))
	}
}

// unmarshalFrames decodes a raw payload that may be a single frame or an
// array of frames.
func unmarshalFrames(data []byte) ([]wsMessage, error) {
	if len(data) > 0 && data[0] == '[' {
		var frames []wsMessage
		err := json.Unmarshal(data, &frames)
		return frames, err
	}
	var one wsMessage
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []wsMessage{one}, nil
}

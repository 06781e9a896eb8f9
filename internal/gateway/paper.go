// Package gateway provides OrderGateway implementations: an in-process paper
// gateway for tests and paper mode, and a REST client for an Alpaca-style
// brokerage API.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// PriceFn returns the latest traded price for a symbol, zero when unknown.
// The paper gateway fills orders at this price.
type PriceFn func(symbol string) float64

// Paper is an in-process gateway that fills every market order at the latest
// known price after an optional artificial latency. Orders for symbols with
// no known price are rejected synchronously, mimicking a halted symbol.
type Paper struct {
	price   PriceFn
	latency time.Duration
	logger  *slog.Logger

	fills   chan domain.Fill
	rejects chan domain.Reject

	mu   sync.Mutex
	open map[string]domain.OrderIntent // intent id -> intent, until filled
	done map[string]domain.Fill        // intent id -> delivered fill
}

// NewPaper creates a paper gateway. latency delays each fill to exercise the
// pending states; zero fills synchronously on the delivery goroutine.
func NewPaper(price PriceFn, latency time.Duration, logger *slog.Logger) *Paper {
	return &Paper{
		price:   price,
		latency: latency,
		logger:  logger.With(slog.String("component", "paper_gateway")),
		fills:   make(chan domain.Fill, 64),
		rejects: make(chan domain.Reject, 16),
		open:    make(map[string]domain.OrderIntent),
		done:    make(map[string]domain.Fill),
	}
}

// Submit accepts a market order and schedules its fill. A zero or unknown
// price is reported as a synchronous rejection.
func (g *Paper) Submit(ctx context.Context, intent domain.OrderIntent) error {
	px := g.price(intent.Symbol)
	if px <= 0 {
		return fmt.Errorf("paper: no price for %s: %w", intent.Symbol, domain.ErrGatewayRejected)
	}
	if intent.Quantity <= 0 {
		return fmt.Errorf("paper: zero quantity for %s: %w", intent.Symbol, domain.ErrGatewayRejected)
	}

	g.mu.Lock()
	g.open[intent.ID] = intent
	g.mu.Unlock()

	fill := domain.Fill{
		IntentID: intent.ID,
		OrderID:  uuid.New().String(),
		Symbol:   intent.Symbol,
		Kind:     intent.Kind,
		Price:    px,
		Quantity: intent.Quantity,
		FilledAt: time.Now().UTC(),
	}

	go func() {
		if g.latency > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.latency):
			}
		}
		g.mu.Lock()
		delete(g.open, intent.ID)
		g.done[intent.ID] = fill
		g.mu.Unlock()
		select {
		case g.fills <- fill:
		case <-ctx.Done():
		}
	}()
	return nil
}

// Fills returns the asynchronous fill channel.
func (g *Paper) Fills() <-chan domain.Fill {
	return g.fills
}

// Rejects returns the asynchronous rejection channel. The paper gateway only
// rejects synchronously, so the channel never delivers; it exists to satisfy
// the gateway contract.
func (g *Paper) Rejects() <-chan domain.Reject {
	return g.rejects
}

// LookupOrder reports whether the intent is still live, already filled, or
// unknown to the gateway. Filled lookups carry the delivered fill so the
// reconciler can commit it.
func (g *Paper) LookupOrder(ctx context.Context, intentID string) (domain.OrderLookup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.open[intentID]; ok {
		return domain.OrderLookup{State: domain.OrderStateOpen}, nil
	}
	if fill, ok := g.done[intentID]; ok {
		return domain.OrderLookup{State: domain.OrderStateFilled, Fill: &fill}, nil
	}
	return domain.OrderLookup{State: domain.OrderStateGone}, nil
}

// Account returns a fixed paper account.
func (g *Paper) Account(ctx context.Context) (domain.Account, error) {
	return domain.Account{Equity: 100_000, BuyingPower: 100_000}, nil
}

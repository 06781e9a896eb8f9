package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// Alpaca submits market orders to an Alpaca-style brokerage REST API and
// converts the broker's asynchronous order lifecycle into fill and reject
// events by polling each submitted order until it reaches a terminal status.
type Alpaca struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	pollEvery time.Duration
	logger    *slog.Logger

	fills   chan domain.Fill
	rejects chan domain.Reject
}

// AlpacaConfig holds the broker endpoint and credentials.
type AlpacaConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// PollInterval is how often a submitted order is polled for its fill.
	PollInterval time.Duration
}

// NewAlpaca creates a broker gateway. The default poll interval is one second.
func NewAlpaca(cfg AlpacaConfig, logger *slog.Logger) *Alpaca {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Alpaca{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		client:    &http.Client{Timeout: 10 * time.Second},
		pollEvery: poll,
		logger:    logger.With(slog.String("component", "alpaca_gateway")),
		fills:     make(chan domain.Fill, 64),
		rejects:   make(chan domain.Reject, 16),
	}
}

// orderPayload is the broker's order resource, reduced to the fields we read.
type orderPayload struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledAt       string `json:"filled_at"`
}

func terminalStatus(status string) bool {
	switch status {
	case "filled", "rejected", "canceled", "expired":
		return true
	default:
		return false
	}
}

// Submit places a market day order identified by the intent's ID as the
// broker client_order_id and starts polling for the outcome. A 4xx response
// is a synchronous rejection wrapped in domain.ErrGatewayRejected.
func (a *Alpaca) Submit(ctx context.Context, intent domain.OrderIntent) error {
	body, err := json.Marshal(map[string]string{
		"symbol":          intent.Symbol,
		"qty":             strconv.FormatInt(intent.Quantity, 10),
		"side":            string(intent.Side),
		"type":            "market",
		"time_in_force":   "day",
		"client_order_id": intent.ID,
	})
	if err != nil {
		return fmt.Errorf("alpaca: marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/orders", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alpaca: create request: %w", err)
	}
	a.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca: submit %s: %w", intent.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("alpaca: submit %s declined (%d): %s: %w",
			intent.Symbol, resp.StatusCode, string(msg), domain.ErrGatewayRejected)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("alpaca: submit %s: unexpected status %d: %s", intent.Symbol, resp.StatusCode, string(msg))
	}

	go a.poll(ctx, intent)
	return nil
}

// poll watches a submitted order until it reaches a terminal status, then
// delivers the fill or rejection.
func (a *Alpaca) poll(ctx context.Context, intent domain.OrderIntent) {
	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		order, err := a.orderByClientID(ctx, intent.ID)
		if err != nil {
			a.logger.Warn("order poll failed",
				slog.String("symbol", intent.Symbol),
				slog.String("intent_id", intent.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !terminalStatus(order.Status) {
			continue
		}

		if order.Status == "filled" {
			fill := fillFromOrder(intent.ID, intent.Kind, order)
			select {
			case a.fills <- fill:
			case <-ctx.Done():
			}
			return
		}

		rej := domain.Reject{
			IntentID: intent.ID,
			Symbol:   intent.Symbol,
			Kind:     intent.Kind,
			Reason:   order.Status,
		}
		select {
		case a.rejects <- rej:
		case <-ctx.Done():
		}
		return
	}
}

// orderByClientID fetches the broker order keyed by our intent id.
func (a *Alpaca) orderByClientID(ctx context.Context, intentID string) (orderPayload, error) {
	u := a.baseURL + "/v2/orders:by_client_order_id?client_order_id=" + url.QueryEscape(intentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return orderPayload{}, fmt.Errorf("alpaca: create request: %w", err)
	}
	a.auth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return orderPayload{}, fmt.Errorf("alpaca: get order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return orderPayload{}, fmt.Errorf("alpaca: order %s: %w", intentID, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return orderPayload{}, fmt.Errorf("alpaca: get order: unexpected status %d", resp.StatusCode)
	}

	var order orderPayload
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return orderPayload{}, fmt.Errorf("alpaca: decode order: %w", err)
	}
	return order, nil
}

// Fills returns the asynchronous fill channel.
func (a *Alpaca) Fills() <-chan domain.Fill {
	return a.fills
}

// Rejects returns the asynchronous rejection channel.
func (a *Alpaca) Rejects() <-chan domain.Reject {
	return a.rejects
}

// LookupOrder reports the broker-side state of an order for a stuck pending
// position. A filled order carries its fill data so the reconciler can commit
// it instead of rolling the position back; the fill's Kind is left for the
// caller, which knows whether the pending transition was an entry or an exit.
func (a *Alpaca) LookupOrder(ctx context.Context, intentID string) (domain.OrderLookup, error) {
	order, err := a.orderByClientID(ctx, intentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.OrderLookup{State: domain.OrderStateGone}, nil
		}
		return domain.OrderLookup{}, err
	}
	switch {
	case order.Status == "filled":
		fill := fillFromOrder(intentID, "", order)
		return domain.OrderLookup{State: domain.OrderStateFilled, Fill: &fill}, nil
	case terminalStatus(order.Status):
		return domain.OrderLookup{State: domain.OrderStateGone}, nil
	default:
		return domain.OrderLookup{State: domain.OrderStateOpen}, nil
	}
}

// fillFromOrder converts a filled broker order resource into a Fill.
func fillFromOrder(intentID string, kind domain.IntentKind, order orderPayload) domain.Fill {
	price, _ := strconv.ParseFloat(order.FilledAvgPrice, 64)
	qty, _ := strconv.ParseInt(order.FilledQty, 10, 64)
	filledAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, order.FilledAt); err == nil {
		filledAt = ts
	}
	return domain.Fill{
		IntentID: intentID,
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Kind:     kind,
		Price:    price,
		Quantity: qty,
		FilledAt: filledAt,
	}
}

// Account fetches the brokerage account summary.
func (a *Alpaca) Account(ctx context.Context) (domain.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/account", nil)
	if err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: create request: %w", err)
	}
	a.auth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: get account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Account{}, fmt.Errorf("alpaca: get account: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Equity         string `json:"equity"`
		BuyingPower    string `json:"buying_power"`
		TradingBlocked bool   `json:"trading_blocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: decode account: %w", err)
	}

	equity, _ := strconv.ParseFloat(payload.Equity, 64)
	power, _ := strconv.ParseFloat(payload.BuyingPower, 64)
	return domain.Account{Equity: equity, BuyingPower: power, Blocked: payload.TradingBlocked}, nil
}

func (a *Alpaca) auth(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
}

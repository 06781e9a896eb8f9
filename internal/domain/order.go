package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// IntentKind distinguishes position-opening from position-closing intents.
type IntentKind string

const (
	IntentEntry IntentKind = "entry"
	IntentExit  IntentKind = "exit"
)

// OrderIntent is a proposed market order produced by the position manager and
// submitted to the broker by the trading engine. The manager never talks to
// the gateway itself.
type OrderIntent struct {
	ID       string // uuid, used to correlate the eventual fill
	Symbol   string
	Side     OrderSide
	Kind     IntentKind
	Quantity int64
	Reason   string // entry trigger or exit reason, for logs and history
	IssuedAt time.Time
}

// Fill is the broker's confirmation that an intent executed.
type Fill struct {
	IntentID string
	OrderID  string // broker-assigned id
	Symbol   string
	Kind     IntentKind
	Price    float64
	Quantity int64
	FilledAt time.Time
}

// OrderState is the reconciliation view of a previously submitted order.
type OrderState string

const (
	// OrderStateOpen means the order is still live at the broker.
	OrderStateOpen OrderState = "open"
	// OrderStateFilled means the order executed; the lookup carries the fill.
	OrderStateFilled OrderState = "filled"
	// OrderStateGone means the broker has no live or executed order for the
	// intent: not found, canceled, rejected, or expired.
	OrderStateGone OrderState = "gone"
)

// OrderLookup reports the gateway-side state of an order for a pending
// position past its timeout. Fill is set only when State is OrderStateFilled.
type OrderLookup struct {
	State OrderState
	Fill  *Fill
}

// Reject is a broker rejection of a previously submitted intent.
type Reject struct {
	IntentID string
	Symbol   string
	Kind     IntentKind
	Reason   string
}

// Account is a summary of the brokerage account, used for status reporting.
type Account struct {
	Equity      float64
	BuyingPower float64
	Blocked     bool
}

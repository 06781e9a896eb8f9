package domain

// Event is the tagged union of everything that can enter the trading engine's
// per-symbol event stream. The sealed marker method forces dispatch through
// an exhaustive type switch; a new event kind that is not handled shows up as
// an engine error instead of being silently dropped.
type Event interface {
	EventSymbol() string
	isEvent()
}

// SignalEvent wraps a sentiment snapshot from the signal source.
type SignalEvent struct {
	Signal SentimentSnapshot
}

// TickEvent wraps a market data tick.
type TickEvent struct {
	Tick Tick
}

// FillEvent wraps a broker fill acknowledgment.
type FillEvent struct {
	Fill Fill
}

// RejectEvent wraps a broker rejection of an intent.
type RejectEvent struct {
	Reject Reject
}

func (e SignalEvent) EventSymbol() string { return e.Signal.Symbol }
func (e TickEvent) EventSymbol() string   { return e.Tick.Symbol }
func (e FillEvent) EventSymbol() string   { return e.Fill.Symbol }
func (e RejectEvent) EventSymbol() string { return e.Reject.Symbol }

func (SignalEvent) isEvent() {}
func (TickEvent) isEvent()   {}
func (FillEvent) isEvent()   {}
func (RejectEvent) isEvent() {}

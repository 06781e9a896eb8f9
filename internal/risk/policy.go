// Package risk implements the pure entry/exit policy evaluator. The policy
// holds no state beyond its configuration, performs no I/O, and never blocks;
// callers pass in a snapshot of whatever state a rule needs.
package risk

import (
	"fmt"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// Exit reasons reported by EvaluateExit.
const (
	ReasonProfitTarget = "profit_target"
	ReasonStopLoss     = "stop_loss"
)

// Config holds the risk limits. All fields must be set; config.Defaults
// provides the standard values.
type Config struct {
	ProfitTarget        float64 // fractional gain closing a position, e.g. 0.05
	StopLoss            float64 // fractional loss closing a position, e.g. 0.02
	MinSentiment        float64 // minimum sentiment score for entry
	MaxPositions        int     // cap on concurrently active positions
	MaxPositionValue    float64 // notional cap per position in account currency
	VolumeSpikeMultiple float64 // latest volume vs rolling average for entry trigger
}

// TickStats is a read-only summary of a symbol's rolling tick window, computed
// by the window owner and handed to the policy so evaluation stays pure.
type TickStats struct {
	Count        int
	LatestPrice  float64
	LatestVolume int64
	// AvgVolume is the mean volume of the window excluding the latest tick,
	// the baseline for spike detection.
	AvgVolume float64
	// FirstPrice is the oldest price in the window, for momentum.
	FirstPrice float64
}

// Verdict is the outcome of an entry evaluation.
type Verdict struct {
	Allow  bool
	Reason string // populated on rejection
}

func allow() Verdict               { return Verdict{Allow: true} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

// ExitVerdict is the outcome of an exit evaluation.
type ExitVerdict struct {
	Exit   bool
	Reason string // ReasonProfitTarget or ReasonStopLoss
}

// Policy evaluates entries and exits against fixed risk limits.
type Policy struct {
	cfg Config
}

// New creates a Policy from the given limits.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// MaxPositions returns the cap on concurrently active positions, for callers
// that enforce the cap atomically at the point of slot reservation.
func (p *Policy) MaxPositions() int {
	return p.cfg.MaxPositions
}

// EvaluateEntry decides whether a buy intent may be issued for symbol.
// symbolActive reports whether the symbol already has a non-closed position;
// activeTotal is the count of non-closed positions across all symbols.
// Every rule must pass for an Allow.
func (p *Policy) EvaluateEntry(symbol string, sentiment float64, symbolActive bool, activeTotal int, stats TickStats) Verdict {
	if symbolActive {
		return reject(fmt.Sprintf("position already active for %s", symbol))
	}
	if sentiment < p.cfg.MinSentiment {
		return reject(fmt.Sprintf("sentiment %.2f below threshold %.2f", sentiment, p.cfg.MinSentiment))
	}
	if activeTotal >= p.cfg.MaxPositions {
		return reject(fmt.Sprintf("max positions reached (%d)", p.cfg.MaxPositions))
	}
	if stats.Count == 0 || stats.LatestPrice <= 0 {
		return reject("no tick data for symbol")
	}
	if p.Quantity(stats.LatestPrice) == 0 {
		return reject(fmt.Sprintf("price %.2f exceeds notional cap %.2f", stats.LatestPrice, p.cfg.MaxPositionValue))
	}
	if !p.entryTrigger(stats) {
		return reject("no volume spike or momentum trigger")
	}
	return allow()
}

// entryTrigger requires either a volume spike against the rolling baseline or
// positive price momentum across the window.
func (p *Policy) entryTrigger(stats TickStats) bool {
	if stats.AvgVolume > 0 && float64(stats.LatestVolume) >= stats.AvgVolume*p.cfg.VolumeSpikeMultiple {
		return true
	}
	return stats.Count >= 2 && stats.LatestPrice > stats.FirstPrice
}

// EvaluateExit decides whether an open position should be closed at the given
// price. Profit target is checked before stop loss so a tick satisfying both
// (possible with a noisy feed and a stale baseline) always exits as a gain;
// the order prevents the policy from flapping into a loss-exit when a gain
// condition holds on the same tick.
func (p *Policy) EvaluateExit(pos domain.Position, latestPrice float64) ExitVerdict {
	if latestPrice >= pos.EntryPrice*(1+p.cfg.ProfitTarget) {
		return ExitVerdict{Exit: true, Reason: ReasonProfitTarget}
	}
	if latestPrice <= pos.EntryPrice*(1-p.cfg.StopLoss) {
		return ExitVerdict{Exit: true, Reason: ReasonStopLoss}
	}
	return ExitVerdict{}
}

// Quantity returns the fixed-size share count for an entry at the given
// price: the largest whole number of shares whose notional stays within
// MaxPositionValue. Zero means no affordable size exists.
func (p *Policy) Quantity(price float64) int64 {
	if price <= 0 {
		return 0
	}
	qty := int64(p.cfg.MaxPositionValue / price)
	if qty < 0 {
		return 0
	}
	return qty
}

package position

import (
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/risk"
)

// Window is a fixed-capacity ring buffer of the most recent ticks for one
// symbol. Append evicts the oldest tick once the buffer is full, both in
// O(1). It is not safe for concurrent use; the manager serializes access
// per symbol.
type Window struct {
	ticks []domain.Tick
	head  int // index of the oldest tick
	size  int
}

// NewWindow creates a Window holding at most capacity ticks.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{ticks: make([]domain.Tick, capacity)}
}

// Append records a tick, evicting the oldest when the window is full.
func (w *Window) Append(t domain.Tick) {
	if w.size < len(w.ticks) {
		w.ticks[(w.head+w.size)%len(w.ticks)] = t
		w.size++
		return
	}
	w.ticks[w.head] = t
	w.head = (w.head + 1) % len(w.ticks)
}

// Len returns the number of ticks currently held.
func (w *Window) Len() int {
	return w.size
}

// At returns the i-th tick, oldest first. It panics when out of range, like a
// slice index.
func (w *Window) At(i int) domain.Tick {
	if i < 0 || i >= w.size {
		panic("position: window index out of range")
	}
	return w.ticks[(w.head+i)%len(w.ticks)]
}

// Latest returns the most recent tick and false when the window is empty.
func (w *Window) Latest() (domain.Tick, bool) {
	if w.size == 0 {
		return domain.Tick{}, false
	}
	return w.At(w.size - 1), true
}

// LastTickAt returns the timestamp of the most recent tick, zero when empty.
func (w *Window) LastTickAt() time.Time {
	t, ok := w.Latest()
	if !ok {
		return time.Time{}
	}
	return t.Timestamp
}

// Stats summarizes the window for the risk policy. The volume average
// excludes the latest tick so a spike is measured against its baseline
// rather than against itself.
func (w *Window) Stats() risk.TickStats {
	stats := risk.TickStats{Count: w.size}
	if w.size == 0 {
		return stats
	}
	latest := w.At(w.size - 1)
	stats.LatestPrice = latest.Price
	stats.LatestVolume = latest.Volume
	stats.FirstPrice = w.At(0).Price

	if w.size > 1 {
		var sum int64
		for i := 0; i < w.size-1; i++ {
			sum += w.At(i).Volume
		}
		stats.AvgVolume = float64(sum) / float64(w.size-1)
	}
	return stats
}

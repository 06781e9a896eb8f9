package domain

import "time"

// SentimentSnapshot is the per-symbol output of the scraping pipeline,
// published at most once per symbol per trading session. Score is normalized
// to [-1, 1]; Mentions is how many source texts contributed to it.
type SentimentSnapshot struct {
	Symbol    string    `json:"symbol"`
	Score     float64   `json:"score"`
	Mentions  int       `json:"mentions"`
	Timestamp time.Time `json:"timestamp"`
}

// Tick is a single trade print from the market data stream.
type Tick struct {
	Symbol    string
	Price     float64
	Volume    int64
	Timestamp time.Time
}

// Valid reports whether the tick carries usable data. Feeds occasionally emit
// zero-price placeholder prints; those must never reach exit evaluation.
func (t Tick) Valid() bool {
	return t.Symbol != "" && t.Price > 0 && t.Volume >= 0
}

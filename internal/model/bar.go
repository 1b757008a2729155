package model

import (
	"encoding/json"
	"math"
)

// Bar represents one sealed OHLCV candle for a (symbol, tf) pair.
// Times are Unix milliseconds. Identity is (symbol, tf, open_time_ms).
// Invariant: CloseTime = OpenTime + tf_ms and High ≥ max(Open,Close),
// Low ≤ min(Open,Close). Bars with Complete=false are live-building views
// and must never reach the store.
type Bar struct {
	OpenTime  int64   `json:"open_time_ms"`
	CloseTime int64   `json:"close_time_ms"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Complete  bool    `json:"complete"`
	Synthetic bool    `json:"synthetic,omitempty"`
	Source    string  `json:"source,omitempty"`
}

// Valid reports whether the bar satisfies the wire contract: all numerics
// finite, prices ordered, times positive.
func (b *Bar) Valid() bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.OpenTime <= 0 || b.CloseTime <= 0 {
		return false
	}
	hi := math.Max(b.Open, b.Close)
	lo := math.Min(b.Open, b.Close)
	return b.High >= hi && b.Low <= lo
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// Tick is the last traded quote for a symbol. Ephemeral: only the latest
// value per symbol is cached.
type Tick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Mid    float64 `json:"mid"`
	TickTS int64   `json:"tick_ts"` // ms
	SnapTS int64   `json:"snap_ts"` // ms
}

// JSON returns the JSON-encoded tick.
func (t *Tick) JSON() []byte {
	data, _ := json.Marshal(t)
	return data
}

// PairKey returns "SYMBOL:tf", the store key for one bar series.
func PairKey(symbol, tf string) string {
	return symbol + ":" + tf
}

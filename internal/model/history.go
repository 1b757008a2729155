package model

// History classification states (S2).
const (
	HistoryOK           = "ok"
	HistoryInsufficient = "insufficient"
	HistoryStaleTail    = "stale_tail"
	HistoryGappyTail    = "gappy_tail"
	HistoryNonMonotonic = "non_monotonic_tail"
	HistoryUnknown      = "unknown"
)

// HistoryStatus is the pure derivation of tail health for one (symbol, tf).
type HistoryStatus struct {
	Symbol            string `json:"symbol"`
	TF                string `json:"tf"`
	State             string `json:"state"`
	BarsCount         int    `json:"bars_count"`
	LastOpenTimeMS    int64  `json:"last_open_time_ms"`
	AgeMS             int64  `json:"age_ms"`
	GapsCount         int    `json:"gaps_count"`
	MaxGapMS          int64  `json:"max_gap_ms"`
	NonMonotonicCount int    `json:"non_monotonic_count"`
	NeedsWarmup       bool   `json:"needs_warmup"`
	NeedsBackfill     bool   `json:"needs_backfill"`
}

// OKForCompute reports whether a symbol with this tail state may be handed
// to the engine. A stale tail is acceptable when the market is not open or
// the ohlcv feed itself is degraded, so weekends do not block the pipeline.
func (h *HistoryStatus) OKForCompute(marketState, ohlcvState string) bool {
	switch h.State {
	case HistoryOK:
		return true
	case HistoryStaleTail:
		return marketState != MarketOpen || ohlcvState == StateDelayed || ohlcvState == StateDown
	default:
		return false
	}
}

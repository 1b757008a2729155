package model

// Canonical feed-state tokens. Anything the broker sends is normalised
// into these before the snapshot is replaced.
const (
	MarketOpen    = "open"
	MarketClosed  = "closed"
	MarketUnknown = "unknown"

	StateOK      = "ok"
	StateLag     = "lag"
	StateDelayed = "delayed"
	StateDown    = "down"
	StateUnknown = "unknown"
)

// SessionInfo describes the current trading session as reported by the
// broker (or derived locally when the broker omits it).
type SessionInfo struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	SecondsToClose    int64  `json:"seconds_to_close"`
	SecondsToNextOpen int64  `json:"seconds_to_next_open"`
}

// FeedState is the process-wide snapshot of broker/market/price/ohlcv
// health. Single writer (the status listener); readers always get a copy.
type FeedState struct {
	MarketState    string      `json:"market_state"`
	ProcessState   string      `json:"process_state"`
	PriceState     string      `json:"price_state"`
	OhlcvState     string      `json:"ohlcv_state"`
	LastBarCloseMS int64       `json:"last_bar_close_ms"`
	LagSeconds     float64     `json:"lag_seconds"`
	NextOpenUTC    string      `json:"next_open_utc"`
	Session        SessionInfo `json:"session"`
	StatusTS       int64       `json:"status_ts"` // ms of last applied status
	Note           string      `json:"note,omitempty"`
}

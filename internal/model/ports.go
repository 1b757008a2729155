package model

import "context"

// ── Port interfaces ──
// These decouple the pipeline stages from concrete backends (Redis, SQLite,
// the remote engine). Interfaces live in model to avoid import cycles.

// BarStore is the rolling time-series store for sealed bars. Open-time per
// (symbol, tf) is monotone non-decreasing; the classifier detects violations.
type BarStore interface {
	// PutBars writes sealed bars and returns how many were accepted.
	// Implementations skip bars at or before the stored maximum open_time.
	PutBars(ctx context.Context, symbol, tf string, bars []Bar) (int, error)

	// Tail returns up to limit most recent bars in ascending open_time order.
	Tail(ctx context.Context, symbol, tf string, limit int) ([]Bar, error)

	// TailBefore is Tail bounded above by toMS (inclusive, open_time).
	TailBefore(ctx context.Context, symbol, tf string, toMS int64, limit int) ([]Bar, error)
}

// TickCache is a last-value cache of quotes per symbol.
type TickCache interface {
	PutTick(ctx context.Context, t *Tick) error
	LastTick(ctx context.Context, symbol string) (*Tick, error)
}

// BarArchive is the durable mirror of sealed bars (tool surface, exports).
type BarArchive interface {
	// Run drains barCh and persists in batched transactions until ctx is
	// cancelled or the channel closes.
	Run(ctx context.Context, barCh <-chan ArchivedBar)
	Close() error
}

// ArchivedBar pairs a bar with its series identity for archival.
type ArchivedBar struct {
	Symbol string
	TF     string
	Bar    Bar
}

// ComputeSnapshot is everything the engine gets for one symbol invocation.
type ComputeSnapshot struct {
	Symbol string                 `json:"symbol"`
	TF     string                 `json:"tf"`
	Bars   []Bar                  `json:"bars"`
	Tick   *Tick                  `json:"tick,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// HintEngine is the analytic engine collaborator: a pure function from
// snapshot to hint as far as this system is concerned.
type HintEngine interface {
	ComputeHint(ctx context.Context, snap ComputeSnapshot) (*Hint, error)
}

// EngineFunc adapts a plain function to HintEngine.
type EngineFunc func(ctx context.Context, snap ComputeSnapshot) (*Hint, error)

func (f EngineFunc) ComputeHint(ctx context.Context, snap ComputeSnapshot) (*Hint, error) {
	return f(ctx, snap)
}

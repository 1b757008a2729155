package model

import "encoding/json"

// Per-symbol producer signals.
const (
	SignalOK      = "SMC_OK"
	SignalPaused  = "SMC_PAUSED"
	SignalNoOhlcv = "SMC_NO_OHLCV"
	SignalWarmup  = "SMC_WARMUP"
	SignalError   = "SMC_ERROR"
)

// Pipeline states (UI only).
const (
	PipelineCold   = "COLD"
	PipelineWarmup = "WARMUP"
	PipelineLive   = "LIVE"
)

// AssetState is the producer-owned per-symbol state. It is created on the
// first cycle a symbol is listed and never deleted: symbols that drop out of
// the fast list are marked SMC_PAUSED with their hint kept intact.
type AssetState struct {
	Symbol        string                 `json:"symbol"`
	Signal        string                 `json:"signal"`
	State         string                 `json:"state"`
	Hints         []string               `json:"hints,omitempty"`
	Stats         map[string]interface{} `json:"stats"`
	SMCHint       *Hint                  `json:"smc_hint,omitempty"`
	HintPreserved bool                   `json:"smc_hint_preserved,omitempty"`
	LastUpdated   int64                  `json:"last_updated"` // ms
}

// Clone returns a copy safe to hand across goroutines. Stats are copied
// shallowly; values placed in Stats must be treated as immutable.
func (a *AssetState) Clone() AssetState {
	cp := *a
	if a.Stats != nil {
		cp.Stats = make(map[string]interface{}, len(a.Stats))
		for k, v := range a.Stats {
			cp.Stats[k] = v
		}
	}
	if a.Hints != nil {
		cp.Hints = append([]string(nil), a.Hints...)
	}
	return cp
}

// Envelope types published on the producer channel.
const (
	EnvelopeSMCState = "smc_state"
	EnvelopeIdle     = "smc_idle"
)

// ProducerEnvelope is the single per-cycle message published by the
// producer and consumed by the viewer broadcaster.
type ProducerEnvelope struct {
	Type   string       `json:"type"`
	Meta   EnvelopeMeta `json:"meta"`
	Assets []AssetState `json:"assets"`
}

// EnvelopeMeta carries cycle accounting. CycleSeq is strictly increasing;
// consumers may assume monotone (cycle_seq, payload_ts) per symbol.
type EnvelopeMeta struct {
	CycleSeq        int64            `json:"cycle_seq"`
	CycleID         string           `json:"cycle_id,omitempty"`
	CycleStartedTS  int64            `json:"cycle_started_ts"`
	CycleReadyTS    int64            `json:"cycle_ready_ts"`
	CycleDurationMS int64            `json:"cycle_duration_ms"`
	PayloadTS       int64            `json:"payload_ts"`
	Reason          string           `json:"reason,omitempty"`
	SchemaVersion   string           `json:"schema_version,omitempty"`
	PipelineState   string           `json:"pipeline_state"`
	Pipeline        PipelineCounters `json:"pipeline"`
	S2Summary       map[string]int   `json:"s2_summary,omitempty"`
	Capacity        CapacityMeta     `json:"capacity"`
	Fxcm            map[string]interface{} `json:"fxcm,omitempty"`
}

// PipelineCounters summarises cycle readiness for the UI.
type PipelineCounters struct {
	Total         int      `json:"total"`
	ReadyMin      int      `json:"ready_min"`
	ReadyTarget   int      `json:"ready_target"`
	Selected      int      `json:"selected"`
	Skipped       int      `json:"skipped"`
	SkippedAssets []string `json:"pipeline_skipped_assets,omitempty"`
}

// CapacityMeta exposes the per-cycle compute budget.
type CapacityMeta struct {
	MaxPerCycle int     `json:"max_per_cycle"`
	BatchSize   int     `json:"batch_size"`
	BudgetMS    int64   `json:"budget_ms"`
	OverBudget  bool    `json:"over_budget"`
	DurP50MS    float64 `json:"dur_p50_ms,omitempty"`
	DurP95MS    float64 `json:"dur_p95_ms,omitempty"`
}

// JSON returns the JSON-encoded envelope.
func (e *ProducerEnvelope) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

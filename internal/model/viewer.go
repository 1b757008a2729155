package model

import "encoding/json"

// ViewerStateSchemaVersion tags every ViewerState the builder emits.
const ViewerStateSchemaVersion = "viewer_state.v2"

// ViewerState is the stable UI-facing per-symbol record. It is fully
// derived from AssetState plus the builder's per-symbol cache; there is no
// hidden state beyond what the cache tracks for stabilisation.
type ViewerState struct {
	Schema        string                 `json:"schema"`
	Symbol        string                 `json:"symbol"`
	Structure     *StructureBlock        `json:"structure,omitempty"`
	Liquidity     *ViewerLiquidity       `json:"liquidity,omitempty"`
	Zones         *ViewerZones           `json:"zones,omitempty"`
	Execution     *ExecutionBlock        `json:"execution,omitempty"`
	Fxcm          map[string]interface{} `json:"fxcm,omitempty"`
	Meta          ViewerMeta             `json:"meta"`
	PipelineLocal PipelineLocal          `json:"pipeline_local"`
	Scenario      ScenarioView           `json:"scenario"`
}

// JSON returns the JSON-encoded viewer state.
func (v *ViewerState) JSON() []byte {
	data, _ := json.Marshal(v)
	return data
}

// ViewerLiquidity is the filtered pool view plus its accounting meta.
type ViewerLiquidity struct {
	Pools []ViewerPool `json:"pools"`
	Meta  PoolsMeta    `json:"pools_meta"`
}

// ViewerPool is a shown or hidden pool with its lifecycle annotations.
type ViewerPool struct {
	Pool
	Hidden             bool   `json:"hidden,omitempty"`
	HiddenReason       string `json:"hidden_reason,omitempty"` // e.g. evicted_cap
	SelectedAt         int64  `json:"selected_at,omitempty"`   // close step of first selection
	TouchedWhileHidden bool   `json:"touched_while_hidden,omitempty"`
}

// PoolsMeta is the pool selection accounting block.
type PoolsMeta struct {
	TruthCount                int            `json:"truth_count"`
	ShownCount                int            `json:"shown_count"`
	HiddenCount               int            `json:"hidden_count"`
	HiddenReasons             map[string]int `json:"hidden_reasons,omitempty"`
	TouchedWhileHiddenCount   int            `json:"touched_while_hidden_count"`
	TouchedWhileHiddenReasons map[string]int `json:"touched_while_hidden_reasons,omitempty"`
}

// ViewerZones is the merged zone view: Shown holds the canonical bands,
// Raw the unmerged truth the bands were built from.
type ViewerZones struct {
	Shown []ViewerZone `json:"shown"`
	Raw   *ZonesBlock  `json:"raw,omitempty"`
	Meta  ZonesMeta    `json:"zones_meta"`
}

// ViewerZone is a canonical merged band; Stack counts how many truth zones
// merged into it.
type ViewerZone struct {
	Zone
	Stack int `json:"stack,omitempty"`
}

// ZonesMeta is the zone merge accounting block.
type ZonesMeta struct {
	TruthCount                 int `json:"truth_count"`
	ShownCount                 int `json:"shown_count"`
	MergedClustersCount        int `json:"merged_clusters_count"`
	MergedAwayCount            int `json:"merged_away_count"`
	MaxStack                   int `json:"max_stack"`
	FilteredMissingBoundsCount int `json:"filtered_missing_bounds_count"`
}

// ViewerMeta carries envelope- and engine-level diagnostics for the UI.
type ViewerMeta struct {
	SchemaVersion  string                 `json:"schema_version,omitempty"`
	ComputeKind    string                 `json:"smc_compute_kind,omitempty"`
	HintPreserved  bool                   `json:"smc_hint_preserved,omitempty"`
	CycleSeq       int64                  `json:"cycle_seq,omitempty"`
	PayloadTS      int64                  `json:"payload_ts,omitempty"`
	ReplayCursorMS int64                  `json:"replay_cursor_ms,omitempty"`
	Gates          []string               `json:"gates,omitempty"`
	TFEffective    string                 `json:"tf_effective,omitempty"`
	TFHealth       map[string]string      `json:"tf_health,omitempty"`
	Fxcm           map[string]interface{} `json:"fxcm,omitempty"`
	SessionTag     string                 `json:"session_tag,omitempty"`
	Price          float64                `json:"price,omitempty"`
}

// PipelineLocal is the per-symbol readiness block.
type PipelineLocal struct {
	State           string  `json:"state"`
	ReadyBars       int     `json:"ready_bars"`
	RequiredBars    int     `json:"required_bars"`
	RequiredBarsMin int     `json:"required_bars_min"`
	ReadyRatio      float64 `json:"ready_ratio"`
}

// ScenarioView mirrors the anti-flip FSM for the UI.
type ScenarioView struct {
	ID                string    `json:"scenario_id,omitempty"`
	Confidence        float64   `json:"scenario_confidence,omitempty"`
	RawID             string    `json:"scenario_raw_id,omitempty"`
	RawConfidence     float64   `json:"scenario_raw_confidence,omitempty"`
	RawConfidenceBase float64   `json:"scenario_raw_confidence_base,omitempty"`
	PendingID         string    `json:"scenario_pending_id,omitempty"`
	PendingCount      int       `json:"scenario_pending_count,omitempty"`
	Flip              *FlipInfo `json:"scenario_flip,omitempty"`
	MicroOK           bool      `json:"scenario_micro_ok,omitempty"`
}

// FlipInfo records the most recent stable-scenario switch.
type FlipInfo struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	TS     int64  `json:"ts"` // ms
}

// ViewerUpdate is the per-symbol message published on the viewer channel.
type ViewerUpdate struct {
	Symbol      string       `json:"symbol"`
	ViewerState *ViewerState `json:"viewer_state"`
}

// ViewerSnapshot is the cold-start document the broadcaster persists and
// the gateway serves: every symbol's latest ViewerState for one cycle.
type ViewerSnapshot struct {
	Schema    string                  `json:"schema"`
	CycleSeq  int64                   `json:"cycle_seq"`
	PayloadTS int64                   `json:"payload_ts"`
	BySymbol  map[string]*ViewerState `json:"snapshot_by_symbol"`
}

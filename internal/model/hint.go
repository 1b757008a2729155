package model

import "encoding/json"

// Hint is the analytic engine's per-symbol output. Blocks are optional;
// consumers pattern-match on presence rather than introspecting.
type Hint struct {
	Structure *StructureBlock `json:"structure,omitempty"`
	Liquidity *LiquidityBlock `json:"liquidity,omitempty"`
	Zones     *ZonesBlock     `json:"zones,omitempty"`
	Execution *ExecutionBlock `json:"execution,omitempty"`
	Scenario  *ScenarioSignal `json:"scenario,omitempty"`
	Meta      HintMeta        `json:"meta"`
}

// GatedEmpty reports whether all core blocks are absent while Stage0 gates
// fired, the condition under which the previous hint is preserved.
func (h *Hint) GatedEmpty() bool {
	return h.Structure == nil && h.Liquidity == nil && h.Zones == nil && len(h.Meta.Gates) > 0
}

// HintMeta carries engine diagnostics alongside every hint.
type HintMeta struct {
	TFEffective    string                 `json:"tf_effective,omitempty"`
	TFHealth       map[string]string      `json:"tf_health,omitempty"`
	Gates          []string               `json:"gates,omitempty"` // e.g. NO_5M_DATA, INSUFFICIENT_5M, STALE_5M
	HistoryState   string                 `json:"history_state,omitempty"`
	Bars5m         int                    `json:"bars_5m,omitempty"`
	ComputeKind    string                 `json:"smc_compute_kind,omitempty"` // "close" or "preview"
	SchemaVersion  string                 `json:"schema_version,omitempty"`
	ReplayCursorMS int64                  `json:"replay_cursor_ms,omitempty"`
	Fxcm           map[string]interface{} `json:"fxcm,omitempty"`
	Telemetry      map[string]interface{} `json:"telemetry,omitempty"`
}

// StructureBlock holds market-structure output.
type StructureBlock struct {
	Events []StructureEvent `json:"events"`
	Legs   []Leg            `json:"legs,omitempty"`
	Swings []Swing          `json:"swings,omitempty"`
	Ranges []Range          `json:"ranges,omitempty"`
}

type StructureEvent struct {
	Type      string  `json:"type"` // BOS, CHOCH, ...
	Direction string  `json:"direction,omitempty"`
	TF        string  `json:"tf,omitempty"`
	Price     float64 `json:"price,omitempty"`
	TS        int64   `json:"ts,omitempty"`
}

type Leg struct {
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	TS    int64   `json:"ts,omitempty"`
	TF    string  `json:"tf,omitempty"`
	Label string  `json:"label,omitempty"`
}

type Swing struct {
	Kind  string  `json:"kind"` // high | low
	Price float64 `json:"price"`
	TS    int64   `json:"ts,omitempty"`
}

type Range struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
	TF   string  `json:"tf,omitempty"`
}

// LiquidityBlock holds liquidity pools.
type LiquidityBlock struct {
	Pools []Pool `json:"pools"`
}

// Pool is one liquidity pool. WICK_CLUSTER pools carry a ClusterID which is
// then the stable identity key; others key on (liq_type, role, side, level).
type Pool struct {
	ClusterID string  `json:"cluster_id,omitempty"`
	LiqType   string  `json:"liq_type"`
	Role      string  `json:"role,omitempty"`
	Side      string  `json:"side,omitempty"`
	Level     float64 `json:"level"`
	Strength  float64 `json:"strength"`
	NTouches  int     `json:"n_touches"`
	TF        string  `json:"tf,omitempty"`
	Touched   bool    `json:"touched,omitempty"` // touched during this cycle
}

// Key returns the stable identity used for newborn/hidden tracking.
func (p *Pool) Key() string {
	if p.LiqType == "WICK_CLUSTER" && p.ClusterID != "" {
		return "cluster|" + p.ClusterID
	}
	return p.LiqType + "|" + p.Role + "|" + p.Side + "|" + formatLevel(p.Level)
}

// ZonesBlock holds supply/demand and OTE zones.
type ZonesBlock struct {
	ActiveZones []Zone `json:"active_zones"`
	OTEZones    []Zone `json:"ote_zones,omitempty"`
}

type Zone struct {
	ID        string  `json:"id,omitempty"`
	Type      string  `json:"type"`
	Direction string  `json:"direction,omitempty"`
	Role      string  `json:"role,omitempty"`
	TF        string  `json:"tf,omitempty"`
	Top       float64 `json:"top"`
	Bottom    float64 `json:"bottom"`
	CreatedTS int64   `json:"created_ts,omitempty"`
}

// Key returns the stable identity for newborn tracking: the zone id when the
// engine assigns one, else type|direction|role|tf plus rounded bounds so a
// zone that disappears and returns maps back to the same key.
func (z *Zone) Key() string {
	if z.ID != "" {
		return "id|" + z.ID
	}
	return z.Type + "|" + z.Direction + "|" + z.Role + "|" + z.TF +
		"|" + formatLevel(z.Top) + "|" + formatLevel(z.Bottom)
}

// GroupKey is the merge-group identity: zones merge only within one group.
func (z *Zone) GroupKey() string {
	return z.Type + "|" + z.Direction + "|" + z.Role + "|" + z.TF
}

// HasBounds reports whether both bounds are present and ordered.
func (z *Zone) HasBounds() bool {
	return z.Top > 0 && z.Bottom > 0 && z.Top >= z.Bottom
}

// ExecutionBlock holds execution-timing events (micro confirmations).
type ExecutionBlock struct {
	Events []ExecutionEvent `json:"execution_events"`
}

type ExecutionEvent struct {
	Type   string  `json:"type"`
	TS     int64   `json:"ts"` // ms
	Price  float64 `json:"price,omitempty"`
	POI    string  `json:"poi,omitempty"`
	InPlay bool    `json:"in_play,omitempty"`
}

// ScenarioSignal is the engine's raw scenario vote for one cycle, before
// the anti-flip stage decides what is stable.
type ScenarioSignal struct {
	ID         string            `json:"id"` // e.g. "4_2", "4_3", "UNCLEAR"
	Confidence float64           `json:"confidence"`
	ScoreDiff  float64           `json:"score_diff,omitempty"` // lead over runner-up
	Telemetry  ScenarioTelemetry `json:"telemetry"`
}

// ScenarioTelemetry carries the hard-invalidation observables.
type ScenarioTelemetry struct {
	HoldAboveUp  bool    `json:"hold_above_up,omitempty"`
	BosDown      bool    `json:"bos_down,omitempty"`
	FailedHoldUp bool    `json:"failed_hold_up,omitempty"`
	ATRRef       float64 `json:"atr_ref,omitempty"`
}

// formatLevel rounds a price to 5 decimals for identity keys. Content
// addressing instead of pointer identity breaks the disappear-then-return
// cycle for pools and zones.
func formatLevel(v float64) string {
	data, _ := json.Marshal(float64(int64(v*1e5+0.5)) / 1e5)
	return string(data)
}

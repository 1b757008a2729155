// Package viewer turns producer asset state into the stable UI-facing
// ViewerState: newborn suppression, overlap-zone merging and cap-eviction
// with hidden-TTL keep the view calm while the truth set churns.
package viewer

import (
	"math"
	"sort"
	"strings"

	"smc-systemv1/internal/model"
)

// UI size bounds.
const (
	MaxEvents          = 20
	MaxLegs            = 6
	MaxSwings          = 6
	MaxRanges          = 5
	MaxOTEZones        = 6
	MaxPools           = 8
	MaxExecutionEvents = 12
)

// Newborn suppression: close steps an entity must survive before showing.
const (
	minCloseStepsZones = 1
	minCloseStepsPools = 2
)

// Hidden pool annotations.
const (
	hiddenReasonNewborn = "newborn"
	hiddenReasonEvicted = "evicted_cap"
)

// Options tunes the builder.
type Options struct {
	ZoneMergeIoU   float64 // merge threshold, default 0.4
	HiddenTTLSteps int64   // close steps an evicted pool stays annotated, default 8
	TargetBars     int
	MinBars        int
}

// Envelope is the slice of producer-envelope meta the builder needs.
type Envelope struct {
	CycleSeq  int64
	PayloadTS int64
	Fxcm      map[string]interface{}
}

// Builder owns the per-symbol caches. Single-goroutine use.
type Builder struct {
	opts   Options
	caches map[string]*Cache
}

// NewBuilder creates a builder.
func NewBuilder(opts Options) *Builder {
	if opts.ZoneMergeIoU <= 0 {
		opts.ZoneMergeIoU = 0.4
	}
	if opts.HiddenTTLSteps <= 0 {
		opts.HiddenTTLSteps = 8
	}
	return &Builder{opts: opts, caches: make(map[string]*Cache)}
}

// CacheFor returns (allocating if needed) the per-symbol cache.
func (b *Builder) CacheFor(symbol string) *Cache {
	key := strings.ToUpper(symbol)
	c, ok := b.caches[key]
	if !ok {
		c = newCache()
		b.caches[key] = c
	}
	return c
}

// Build derives the ViewerState for one asset within one envelope.
func (b *Builder) Build(asset *model.AssetState, env Envelope) *model.ViewerState {
	cache := b.CacheFor(asset.Symbol)
	hint := asset.SMCHint

	computeKind := "close"
	if hint != nil && hint.Meta.ComputeKind != "" {
		computeKind = hint.Meta.ComputeKind
	}
	isClose := computeKind != "preview"
	if isClose {
		cache.advance(env.CycleSeq)
	}

	fxcm := b.resolveFxcm(asset, env, cache)
	sessionTag := sessionTagFrom(fxcm, asset.Stats)
	price := statFloat(asset.Stats, "price")

	vs := &model.ViewerState{
		Schema:   model.ViewerStateSchemaVersion,
		Symbol:   strings.ToUpper(asset.Symbol),
		Fxcm:     fxcm,
		Scenario: scenarioFromStats(asset.Stats),
		PipelineLocal: model.PipelineLocal{
			State:           asset.State,
			ReadyBars:       statInt(asset.Stats, "bars_count"),
			RequiredBars:    b.opts.TargetBars,
			RequiredBarsMin: b.opts.MinBars,
		},
	}
	if b.opts.TargetBars > 0 {
		vs.PipelineLocal.ReadyRatio = math.Min(1,
			float64(vs.PipelineLocal.ReadyBars)/float64(b.opts.TargetBars))
	}

	if hint != nil {
		vs.Structure = b.buildStructure(hint.Structure, cache)
		vs.Zones = b.buildZones(hint.Zones, cache, isClose)
		vs.Liquidity = b.buildPools(hint.Liquidity, cache, isClose)
		vs.Execution = boundExecution(hint.Execution)
		vs.Meta = model.ViewerMeta{
			SchemaVersion:  model.ViewerStateSchemaVersion,
			ComputeKind:    computeKind,
			HintPreserved:  asset.HintPreserved,
			CycleSeq:       env.CycleSeq,
			PayloadTS:      env.PayloadTS,
			ReplayCursorMS: hint.Meta.ReplayCursorMS,
			Gates:          hint.Meta.Gates,
			TFEffective:    hint.Meta.TFEffective,
			TFHealth:       hint.Meta.TFHealth,
			Fxcm:           fxcm,
			SessionTag:     sessionTag,
			Price:          price,
		}
	} else {
		// Idle or paused asset without a hint: serve the cached view so
		// the UI does not blank between cycles.
		vs.Structure = b.buildStructure(nil, cache)
		vs.Zones = b.buildZones(nil, cache, false)
		vs.Meta = model.ViewerMeta{
			SchemaVersion: model.ViewerStateSchemaVersion,
			ComputeKind:   computeKind,
			CycleSeq:      env.CycleSeq,
			PayloadTS:     env.PayloadTS,
			Fxcm:          fxcm,
			SessionTag:    sessionTag,
			Price:         price,
		}
	}
	return vs
}

// buildStructure bounds the structure block and backfills an empty event
// list from the cache so momentary engine dropouts do not blank the UI.
func (b *Builder) buildStructure(s *model.StructureBlock, cache *Cache) *model.StructureBlock {
	if s == nil {
		if cache.lastEvents == nil {
			return nil
		}
		return &model.StructureBlock{Events: cache.lastEvents}
	}
	out := &model.StructureBlock{
		Events: tailEvents(s.Events, MaxEvents),
		Legs:   s.Legs,
		Swings: s.Swings,
		Ranges: s.Ranges,
	}
	if len(out.Legs) > MaxLegs {
		out.Legs = out.Legs[len(out.Legs)-MaxLegs:]
	}
	if len(out.Swings) > MaxSwings {
		out.Swings = out.Swings[len(out.Swings)-MaxSwings:]
	}
	if len(out.Ranges) > MaxRanges {
		out.Ranges = out.Ranges[len(out.Ranges)-MaxRanges:]
	}

	if len(out.Events) == 0 && len(cache.lastEvents) > 0 {
		out.Events = cache.lastEvents
	} else if len(out.Events) > 0 {
		cache.lastEvents = out.Events
	}
	return out
}

func tailEvents(events []model.StructureEvent, max int) []model.StructureEvent {
	if len(events) > max {
		return events[len(events)-max:]
	}
	return events
}

// buildZones filters, suppresses newborns, and merges overlapping zones
// into canonical bands per (type, direction, role, tf) group.
func (b *Builder) buildZones(z *model.ZonesBlock, cache *Cache, isClose bool) *model.ViewerZones {
	if z == nil {
		z = cache.lastZonesRaw
		if z == nil {
			return nil
		}
	} else if len(z.ActiveZones)+len(z.OTEZones) > 0 {
		cache.lastZonesRaw = z
	} else if cache.lastZonesRaw != nil {
		z = cache.lastZonesRaw
	}

	truth := make([]model.Zone, 0, len(z.ActiveZones)+MaxOTEZones)
	truth = append(truth, z.ActiveZones...)
	ote := z.OTEZones
	if len(ote) > MaxOTEZones {
		ote = ote[len(ote)-MaxOTEZones:]
	}
	truth = append(truth, ote...)

	meta := model.ZonesMeta{TruthCount: len(truth)}
	mature := make([]model.Zone, 0, len(truth))
	for i := range truth {
		zn := &truth[i]
		if !zn.HasBounds() {
			meta.FilteredMissingBoundsCount++
			continue
		}
		key := zn.Key()
		if isClose {
			cache.noteBorn(key)
		}
		if age := cache.age(key); age < minCloseStepsZones {
			continue
		}
		mature = append(mature, *zn)
	}

	shown := b.mergeZones(mature, &meta)
	meta.ShownCount = len(shown)
	return &model.ViewerZones{Shown: shown, Raw: z, Meta: meta}
}

// mergeZones groups by GroupKey and merges intervals whose IoU with the
// growing band meets the threshold.
func (b *Builder) mergeZones(zones []model.Zone, meta *model.ZonesMeta) []model.ViewerZone {
	groups := make(map[string][]model.Zone)
	var order []string
	for _, z := range zones {
		gk := z.GroupKey()
		if _, ok := groups[gk]; !ok {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], z)
	}
	sort.Strings(order)

	var out []model.ViewerZone
	for _, gk := range order {
		group := groups[gk]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Bottom != group[j].Bottom {
				return group[i].Bottom < group[j].Bottom
			}
			return group[i].Top < group[j].Top
		})

		var bands []model.ViewerZone
		for _, z := range group {
			merged := false
			for bi := range bands {
				band := &bands[bi]
				if iou(band.Bottom, band.Top, z.Bottom, z.Top) >= b.opts.ZoneMergeIoU {
					if z.Bottom < band.Bottom {
						band.Bottom = z.Bottom
					}
					if z.Top > band.Top {
						band.Top = z.Top
					}
					band.Stack++
					merged = true
					break
				}
			}
			if !merged {
				bands = append(bands, model.ViewerZone{Zone: z, Stack: 1})
			}
		}
		for _, band := range bands {
			if band.Stack > 1 {
				meta.MergedClustersCount++
				meta.MergedAwayCount += band.Stack - 1
			}
			if band.Stack > meta.MaxStack {
				meta.MaxStack = band.Stack
			}
			out = append(out, band)
		}
	}
	return out
}

// iou is the intersection-over-union of two price intervals.
func iou(lo1, hi1, lo2, hi2 float64) float64 {
	interLo := math.Max(lo1, lo2)
	interHi := math.Min(hi1, hi2)
	if interHi <= interLo {
		return 0
	}
	unionLo := math.Min(lo1, lo2)
	unionHi := math.Max(hi1, hi2)
	if unionHi <= unionLo {
		return 0
	}
	return (interHi - interLo) / (unionHi - unionLo)
}

// buildPools runs newborn suppression, cap selection and hidden-TTL
// accounting over the truth pool set.
func (b *Builder) buildPools(l *model.LiquidityBlock, cache *Cache, isClose bool) *model.ViewerLiquidity {
	if l == nil {
		return nil
	}
	truth := l.Pools
	meta := model.PoolsMeta{TruthCount: len(truth)}

	byKey := make(map[string]*model.Pool, len(truth))
	mature := make([]model.Pool, 0, len(truth))
	newbornCount := 0
	for i := range truth {
		p := &truth[i]
		key := p.Key()
		byKey[key] = p
		if isClose {
			cache.noteBorn(key)
		}
		if age := cache.age(key); age < minCloseStepsPools {
			newbornCount++
			continue
		}
		mature = append(mature, *p)
	}

	// Stable order: strongest first, ties by touch count then key.
	sort.Slice(mature, func(i, j int) bool {
		if mature[i].Strength != mature[j].Strength {
			return mature[i].Strength > mature[j].Strength
		}
		if mature[i].NTouches != mature[j].NTouches {
			return mature[i].NTouches > mature[j].NTouches
		}
		return mature[i].Key() < mature[j].Key()
	})

	shown := mature
	if len(shown) > MaxPools {
		shown = shown[:MaxPools]
	}
	shownKeys := make(map[string]bool, len(shown))
	pools := make([]model.ViewerPool, 0, len(shown))
	for _, p := range shown {
		key := p.Key()
		shownKeys[key] = true
		delete(cache.hidden, key)
		if _, ok := cache.shownAt[key]; !ok {
			cache.shownAt[key] = cache.closeStep
		}
		pools = append(pools, model.ViewerPool{Pool: p, SelectedAt: cache.shownAt[key]})
	}

	// Previously shown pools that lost their slot go hidden for a bounded
	// number of close steps; pools gone from the truth set are forgotten.
	for key := range cache.shownAt {
		if shownKeys[key] {
			continue
		}
		if _, inTruth := byKey[key]; !inTruth {
			delete(cache.shownAt, key)
			delete(cache.hidden, key)
			continue
		}
		if _, ok := cache.hidden[key]; !ok {
			cache.hidden[key] = &hiddenPool{reason: hiddenReasonEvicted, sinceStep: cache.closeStep}
		}
	}

	meta.ShownCount = len(pools)
	meta.HiddenReasons = map[string]int{}
	meta.TouchedWhileHiddenReasons = map[string]int{}
	if newbornCount > 0 {
		meta.HiddenReasons[hiddenReasonNewborn] = newbornCount
		meta.HiddenCount += newbornCount
	}

	hiddenKeys := make([]string, 0, len(cache.hidden))
	for key := range cache.hidden {
		hiddenKeys = append(hiddenKeys, key)
	}
	sort.Strings(hiddenKeys)
	for _, key := range hiddenKeys {
		h := cache.hidden[key]
		if cache.closeStep-h.sinceStep > b.opts.HiddenTTLSteps {
			delete(cache.hidden, key)
			delete(cache.shownAt, key)
			continue
		}
		p, inTruth := byKey[key]
		if !inTruth {
			continue
		}
		if p.Touched {
			h.touched = true
			meta.TouchedWhileHiddenCount++
			meta.TouchedWhileHiddenReasons[h.reason]++
		}
		meta.HiddenCount++
		meta.HiddenReasons[h.reason]++
		pools = append(pools, model.ViewerPool{
			Pool:               *p,
			Hidden:             true,
			HiddenReason:       h.reason,
			SelectedAt:         cache.shownAt[key],
			TouchedWhileHidden: h.touched,
		})
	}

	return &model.ViewerLiquidity{Pools: pools, Meta: meta}
}

func boundExecution(e *model.ExecutionBlock) *model.ExecutionBlock {
	if e == nil {
		return nil
	}
	events := e.Events
	if len(events) > MaxExecutionEvents {
		events = events[len(events)-MaxExecutionEvents:]
	}
	return &model.ExecutionBlock{Events: events}
}

// resolveFxcm prefers the per-asset block over envelope meta: the payload
// is closer to the engine and overrides the cycle-wide view.
func (b *Builder) resolveFxcm(asset *model.AssetState, env Envelope, cache *Cache) map[string]interface{} {
	if block, ok := asset.Stats["fxcm_block"].(map[string]interface{}); ok && len(block) > 0 {
		cache.lastFxcm = block
		return block
	}
	if asset.SMCHint != nil && len(asset.SMCHint.Meta.Fxcm) > 0 {
		cache.lastFxcm = asset.SMCHint.Meta.Fxcm
		return asset.SMCHint.Meta.Fxcm
	}
	if len(env.Fxcm) > 0 {
		cache.lastFxcm = env.Fxcm
		return env.Fxcm
	}
	return cache.lastFxcm
}

// sessionTagFrom digs the session tag out of the fxcm block, falling back
// to the producer's stats.
func sessionTagFrom(fxcm map[string]interface{}, stats map[string]interface{}) string {
	if fxcm != nil {
		if sess, ok := fxcm["session"].(map[string]interface{}); ok {
			if tag, ok := sess["tag"].(string); ok && tag != "" {
				return tag
			}
			if name, ok := sess["name"].(string); ok && name != "" {
				return name
			}
		}
		if tag, ok := fxcm["session_tag"].(string); ok && tag != "" {
			return tag
		}
	}
	return statString(stats, "session_tag")
}

func scenarioFromStats(stats map[string]interface{}) model.ScenarioView {
	v := model.ScenarioView{
		ID:                statString(stats, "scenario_id"),
		Confidence:        statFloat(stats, "scenario_confidence"),
		RawID:             statString(stats, "scenario_raw_id"),
		RawConfidence:     statFloat(stats, "scenario_raw_confidence"),
		RawConfidenceBase: statFloat(stats, "scenario_raw_confidence_base"),
		PendingID:         statString(stats, "scenario_pending_id"),
		PendingCount:      statInt(stats, "scenario_pending_count"),
	}
	if mok, ok := stats["scenario_micro_ok"].(bool); ok {
		v.MicroOK = mok
	}
	switch flip := stats["scenario_flip"].(type) {
	case *model.FlipInfo:
		v.Flip = flip
	case map[string]interface{}:
		v.Flip = &model.FlipInfo{
			From:   statString(flip, "from"),
			To:     statString(flip, "to"),
			Reason: statString(flip, "reason"),
			TS:     int64(statFloat(flip, "ts")),
		}
	}
	return v
}

func statString(stats map[string]interface{}, key string) string {
	if stats == nil {
		return ""
	}
	s, _ := stats[key].(string)
	return s
}

func statFloat(stats map[string]interface{}, key string) float64 {
	if stats == nil {
		return 0
	}
	switch v := stats[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func statInt(stats map[string]interface{}, key string) int {
	return int(statFloat(stats, key))
}

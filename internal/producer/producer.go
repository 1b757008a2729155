// Package producer runs the SMC cycle: it selects ready symbols, fans their
// snapshots out to the engine in batches, applies the anti-flip stage, and
// publishes one envelope per cycle. It owns all per-symbol asset state.
package producer

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smc-systemv1/internal/feedstate"
	"smc-systemv1/internal/history"
	"smc-systemv1/internal/markethours"
	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
	"smc-systemv1/internal/ringbuf"
	"smc-systemv1/internal/scenario"
)

const envelopeSchemaVersion = "smc_state.v1"

// Transport publishes envelopes and persists the producer snapshot.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	SaveSnapshot(ctx context.Context, key string, doc []byte) error
}

// Options tunes one producer.
type Options struct {
	SymbolsFn   func() []string // fast-symbol list, re-read every cycle
	TF          string          // compute timeframe, e.g. "5m"
	Interval    time.Duration
	BatchSize   int
	MaxPerCycle int // 0 = uncapped
	BudgetMS    int64
	MinBars     int
	TargetBars  int
	StaleK      float64

	StateChannel string
	SnapshotKey  string

	RuntimeLimit int // stop after N cycles when > 0
}

// Producer is the C6 scheduler. All mutable state is confined to the cycle
// goroutine; the published envelope is the only cross-goroutine view.
type Producer struct {
	opts  Options
	store model.BarStore
	ticks model.TickCache
	feed  *feedstate.Tracker
	eng   model.HintEngine
	fsm   *scenario.FSM
	tr    Transport
	m     *metrics.Metrics
	log   *slog.Logger

	assets    map[string]*model.AssetState
	scenarios map[string]*scenario.State
	cycleSeq  int64
	ring      *ringbuf.DurationRing
	now       func() time.Time

	// Last run cycle's readiness counts; idle envelopes report the
	// pipeline state derived from these, not a fresh S2 pass.
	lastReadyMin    int
	lastReadyTarget int
	lastTotal       int
}

// New creates a producer.
func New(opts Options, store model.BarStore, ticks model.TickCache, feed *feedstate.Tracker, eng model.HintEngine, fsm *scenario.FSM, tr Transport, m *metrics.Metrics) *Producer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 4
	}
	return &Producer{
		opts:      opts,
		store:     store,
		ticks:     ticks,
		feed:      feed,
		eng:       eng,
		fsm:       fsm,
		tr:        tr,
		m:         m,
		log:       slog.Default().With("component", "producer"),
		assets:    make(map[string]*model.AssetState),
		scenarios: make(map[string]*scenario.State),
		ring:      ringbuf.New(1024),
		now:       time.Now,
	}
}

// Run cycles at the configured interval until ctx is cancelled or the
// runtime limit is reached.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.Cycle(ctx)
		if p.opts.RuntimeLimit > 0 && p.cycleSeq >= int64(p.opts.RuntimeLimit) {
			p.log.Info("runtime limit reached", "cycles", p.cycleSeq)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle runs exactly one producer cycle.
func (p *Producer) Cycle(ctx context.Context) {
	started := p.now()
	p.cycleSeq++
	cycleID := uuid.NewString()

	p.refreshSymbols()

	run, reason := p.feed.ShouldRunCycle()
	feedSnap := p.feed.Snapshot()

	if !run {
		p.publishIdle(ctx, started, cycleID, reason, feedSnap)
		return
	}

	// S2 pass over the active list.
	type pairState struct {
		symbol string
		tail   []model.Bar
		status model.HistoryStatus
	}
	active := p.activeSymbols()
	states := make([]pairState, 0, len(active))
	statuses := make([]model.HistoryStatus, 0, len(active))
	readyMin, readyTarget := 0, 0
	var ready []pairState

	for _, sym := range active {
		tail, err := p.store.Tail(ctx, sym, p.opts.TF, p.opts.TargetBars)
		if err != nil {
			p.log.Warn("tail read failed", "symbol", sym, "err", err)
		}
		st := history.Classify(sym, p.opts.TF, tail, history.Params{
			MinHistoryBars: p.opts.MinBars,
			StaleK:         p.opts.StaleK,
			NowMS:          started.UnixMilli(),
		})
		ps := pairState{symbol: sym, tail: tail, status: st}
		states = append(states, ps)
		statuses = append(statuses, st)

		if !st.OKForCompute(feedSnap.MarketState, feedSnap.OhlcvState) {
			continue
		}
		if st.BarsCount >= p.opts.MinBars {
			readyMin++
			ready = append(ready, ps)
		}
		if st.BarsCount >= p.opts.TargetBars {
			readyTarget++
		}
	}

	// Scheduler v0: head of the ready list, remainder reported as skipped.
	selected := ready
	var skipped []string
	if p.opts.MaxPerCycle > 0 && len(ready) > p.opts.MaxPerCycle {
		selected = ready[:p.opts.MaxPerCycle]
		for _, ps := range ready[p.opts.MaxPerCycle:] {
			skipped = append(skipped, ps.symbol)
		}
	}

	// Unready symbols get their signal refreshed; ready-but-skipped symbols
	// keep their previous state until a later cycle picks them up.
	readySet := make(map[string]bool, len(ready))
	for _, ps := range ready {
		readySet[ps.symbol] = true
	}
	for _, ps := range states {
		if !readySet[ps.symbol] {
			p.markUnready(ps.symbol, ps.status)
		}
	}

	// Pre-allocate per-symbol FSM state so batch workers only read the maps.
	for _, ps := range selected {
		p.scenarioState(ps.symbol)
	}

	// Fan out in batches, join each batch before the next.
	for start := 0; start < len(selected); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(selected) {
			end = len(selected)
		}
		var wg sync.WaitGroup
		for _, ps := range selected[start:end] {
			wg.Add(1)
			go func(ps pairState) {
				defer wg.Done()
				t0 := p.now()
				p.processSymbol(ctx, ps.symbol, ps.tail, ps.status)
				p.ring.Record(float64(p.now().Sub(t0).Milliseconds()))
			}(ps)
		}
		wg.Wait()
	}

	ready2 := p.now()
	durMS := ready2.Sub(started).Milliseconds()
	overBudget := p.opts.BudgetMS > 0 && durMS > p.opts.BudgetMS
	if overBudget {
		p.log.Warn("cycle over budget", "duration_ms", durMS, "budget_ms", p.opts.BudgetMS)
	}

	p50, p95 := p.ring.Percentiles()
	total := len(active)
	p.lastReadyMin, p.lastReadyTarget, p.lastTotal = readyMin, readyTarget, total
	env := model.ProducerEnvelope{
		Type: model.EnvelopeSMCState,
		Meta: model.EnvelopeMeta{
			CycleSeq:        p.cycleSeq,
			CycleID:         cycleID,
			CycleStartedTS:  started.UnixMilli(),
			CycleReadyTS:    ready2.UnixMilli(),
			CycleDurationMS: durMS,
			PayloadTS:       ready2.UnixMilli(),
			Reason:          reason,
			SchemaVersion:   envelopeSchemaVersion,
			PipelineState:   pipelineState(readyMin, readyTarget, total),
			Pipeline: model.PipelineCounters{
				Total:         total,
				ReadyMin:      readyMin,
				ReadyTarget:   readyTarget,
				Selected:      len(selected),
				Skipped:       len(skipped),
				SkippedAssets: skipped,
			},
			S2Summary: history.Summarize(statuses),
			Capacity: model.CapacityMeta{
				MaxPerCycle: p.opts.MaxPerCycle,
				BatchSize:   p.opts.BatchSize,
				BudgetMS:    p.opts.BudgetMS,
				OverBudget:  overBudget,
				DurP50MS:    p50,
				DurP95MS:    p95,
			},
			Fxcm: fxcmMeta(feedSnap),
		},
		Assets: p.assetList(),
	}
	p.publish(ctx, &env, "run")
}

// processSymbol computes one symbol inside a batch worker. Only this
// goroutine touches the symbol's asset entry during the batch.
func (p *Producer) processSymbol(ctx context.Context, symbol string, tail []model.Bar, st model.HistoryStatus) {
	a := p.asset(symbol)
	nowMS := p.now().UnixMilli()
	a.LastUpdated = nowMS

	tick, err := p.ticks.LastTick(ctx, symbol)
	if err != nil {
		p.log.Warn("tick read failed", "symbol", symbol, "err", err)
	}

	stats := map[string]interface{}{
		"s2_state":    st.State,
		"bars_count":  st.BarsCount,
		"bar_age_sec": st.AgeMS / 1000,
		"session_tag": markethours.CurrentSession(p.now()).Name,
	}
	var price float64
	if tick != nil {
		price = tick.Mid
		stats["price"] = tick.Mid
		stats["tick_ts"] = tick.TickTS
	}

	switch {
	case len(tail) == 0:
		a.Signal = model.SignalNoOhlcv
		a.State = model.PipelineCold
		a.Stats = stats
		return
	case len(tail) < p.opts.MinBars:
		a.Signal = model.SignalWarmup
		a.State = model.PipelineWarmup
		a.Stats = stats
		return
	}

	hint, err := p.eng.ComputeHint(ctx, model.ComputeSnapshot{
		Symbol: symbol,
		TF:     p.opts.TF,
		Bars:   tail,
		Tick:   tick,
	})
	if err != nil {
		if p.m != nil {
			p.m.EngineErrors.Inc()
		}
		p.log.Error("engine call failed", "symbol", symbol, "err", err)
		a.Signal = model.SignalError
		a.Stats = stats
		return
	}

	// Preservation: a gated-empty hint overlays only its meta on the
	// previous non-empty hint, so the UI never blanks on a Stage0 gate.
	preserved := false
	if hint.GatedEmpty() && a.SMCHint != nil && !a.SMCHint.GatedEmpty() {
		kept := *a.SMCHint
		kept.Meta = hint.Meta
		kept.Execution = hint.Execution
		kept.Scenario = hint.Scenario
		hint = &kept
		preserved = true
		if p.m != nil {
			p.m.HintPreserved.Inc()
		}
	}

	view := p.fsm.Apply(p.scenarioState(symbol), scenario.Input{
		Raw:       hint.Scenario,
		Execution: hint.Execution,
		Price:     price,
		NowMS:     nowMS,
	})
	if view.Flip != nil && p.m != nil {
		p.m.ScenarioFlips.WithLabelValues(view.Flip.Reason).Inc()
	}
	mergeScenario(stats, view)

	a.Signal = model.SignalOK
	a.State = model.PipelineLive
	a.SMCHint = hint
	a.HintPreserved = preserved
	a.Stats = stats
}

// markUnready refreshes signal/stats for symbols the cycle did not compute.
func (p *Producer) markUnready(symbol string, st model.HistoryStatus) {
	a := p.asset(symbol)
	a.LastUpdated = p.now().UnixMilli()
	if st.BarsCount == 0 {
		a.Signal = model.SignalNoOhlcv
		a.State = model.PipelineCold
	} else {
		a.Signal = model.SignalWarmup
		a.State = model.PipelineWarmup
	}
	a.Stats = map[string]interface{}{
		"s2_state":   st.State,
		"bars_count": st.BarsCount,
	}
}

func (p *Producer) publishIdle(ctx context.Context, started time.Time, cycleID, reason string, feedSnap model.FeedState) {
	nowMS := p.now().UnixMilli()
	total := len(p.activeSymbols())
	env := model.ProducerEnvelope{
		Type: model.EnvelopeIdle,
		Meta: model.EnvelopeMeta{
			CycleSeq:        p.cycleSeq,
			CycleID:         cycleID,
			CycleStartedTS:  started.UnixMilli(),
			CycleReadyTS:    nowMS,
			CycleDurationMS: nowMS - started.UnixMilli(),
			PayloadTS:       nowMS,
			Reason:          reason,
			SchemaVersion:   envelopeSchemaVersion,
			PipelineState:   pipelineState(p.lastReadyMin, p.lastReadyTarget, p.lastTotal),
			Pipeline:        model.PipelineCounters{Total: total},
			Fxcm:            fxcmMeta(feedSnap),
		},
		Assets: p.assetList(),
	}
	p.publish(ctx, &env, "idle")
}

func (p *Producer) publish(ctx context.Context, env *model.ProducerEnvelope, result string) {
	payload := env.JSON()
	if err := p.tr.Publish(ctx, p.opts.StateChannel, payload); err != nil {
		p.log.Error("envelope publish failed", "cycle_seq", env.Meta.CycleSeq, "err", err)
	}
	if err := p.tr.SaveSnapshot(ctx, p.opts.SnapshotKey, payload); err != nil {
		p.log.Error("snapshot write failed", "err", err)
	}
	if p.m != nil {
		p.m.CyclesTotal.WithLabelValues(result).Inc()
		p.m.CycleDuration.Observe(float64(env.Meta.CycleDurationMS) / 1000)
	}
}

// refreshSymbols applies additions and removals from the fast list.
// Removed symbols are paused, never deleted, so their hint survives a
// round-trip out of the list.
func (p *Producer) refreshSymbols() {
	if p.opts.SymbolsFn == nil {
		return
	}
	listed := make(map[string]bool)
	for _, s := range p.opts.SymbolsFn() {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		listed[sym] = true
		if _, ok := p.assets[sym]; !ok {
			p.assets[sym] = &model.AssetState{
				Symbol: sym,
				Signal: model.SignalWarmup,
				State:  model.PipelineCold,
				Stats:  map[string]interface{}{},
			}
		} else if p.assets[sym].Signal == model.SignalPaused {
			p.assets[sym].Signal = model.SignalWarmup
		}
	}
	for sym, a := range p.assets {
		if !listed[sym] && a.Signal != model.SignalPaused {
			a.Signal = model.SignalPaused
			a.LastUpdated = p.now().UnixMilli()
		}
	}
}

func (p *Producer) activeSymbols() []string {
	out := make([]string, 0, len(p.assets))
	for sym, a := range p.assets {
		if a.Signal != model.SignalPaused {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Producer) asset(symbol string) *model.AssetState {
	a, ok := p.assets[symbol]
	if !ok {
		a = &model.AssetState{Symbol: symbol, Stats: map[string]interface{}{}}
		p.assets[symbol] = a
	}
	return a
}

func (p *Producer) scenarioState(symbol string) *scenario.State {
	st, ok := p.scenarios[symbol]
	if !ok {
		st = &scenario.State{}
		p.scenarios[symbol] = st
	}
	return st
}

func (p *Producer) assetList() []model.AssetState {
	syms := make([]string, 0, len(p.assets))
	for sym := range p.assets {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	out := make([]model.AssetState, 0, len(syms))
	for _, sym := range syms {
		out = append(out, p.assets[sym].Clone())
	}
	return out
}

func pipelineState(readyMin, readyTarget, total int) string {
	switch {
	case readyMin == 0:
		return model.PipelineCold
	case total > 0 && readyTarget >= total:
		return model.PipelineLive
	default:
		return model.PipelineWarmup
	}
}

func fxcmMeta(s model.FeedState) map[string]interface{} {
	return map[string]interface{}{
		"market":  s.MarketState,
		"price":   s.PriceState,
		"ohlcv":   s.OhlcvState,
		"session": s.Session,
		"lag_sec": s.LagSeconds,
	}
}

func mergeScenario(stats map[string]interface{}, v model.ScenarioView) {
	stats["scenario_id"] = v.ID
	stats["scenario_confidence"] = v.Confidence
	stats["scenario_raw_id"] = v.RawID
	stats["scenario_raw_confidence"] = v.RawConfidence
	stats["scenario_raw_confidence_base"] = v.RawConfidenceBase
	if v.PendingID != "" {
		stats["scenario_pending_id"] = v.PendingID
		stats["scenario_pending_count"] = v.PendingCount
	}
	if v.Flip != nil {
		stats["scenario_flip"] = v.Flip
	}
	if v.MicroOK {
		stats["scenario_micro_ok"] = true
	}
}

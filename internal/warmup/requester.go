// Package warmup is the S3 repair loop: it walks the allow-list, classifies
// each stored tail, and publishes rate-limited warmup/backfill commands back
// to the broker adapter.
package warmup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"smc-systemv1/internal/feedstate"
	"smc-systemv1/internal/history"
	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
)

// Repair command types understood by the broker adapter.
const (
	CmdWarmup   = "fxcm_warmup"
	CmdBackfill = "fxcm_backfill"
)

// Publisher sends one payload on a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Command is the wire payload of one repair request.
type Command struct {
	Type            string              `json:"type"`
	Symbol          string              `json:"symbol"`
	TF              string              `json:"tf"`
	MinHistoryBars  int                 `json:"min_history_bars"`
	LookbackBars    int                 `json:"lookback_bars"`
	LookbackMinutes int                 `json:"lookback_minutes"`
	Reason          string              `json:"reason"`
	S2              model.HistoryStatus `json:"s2"`
	FxcmStatus      statusBlock         `json:"fxcm_status"`
}

type statusBlock struct {
	Market string `json:"market"`
	Price  string `json:"price"`
	Ohlcv  string `json:"ohlcv"`
}

// Options tunes one requester.
type Options struct {
	Symbols        []string
	TFs            []string
	Channel        string
	PollInterval   time.Duration
	Cooldown       time.Duration
	DesiredLimit   int // request growth step, bars
	Contract1mBars int // broker contract depth in 1m bars
	StaleK         float64
}

// Requester is the S3 loop. Single goroutine; no locking needed on the
// cooldown and prefetch maps.
type Requester struct {
	opts  Options
	store model.BarStore
	feed  *feedstate.Tracker
	pub   Publisher
	m     *metrics.Metrics
	log   *slog.Logger

	cooldowns map[string]*rate.Limiter // (symbol|tf|cmd_type)
	requested map[string]int           // (symbol|tf) -> last prefetch size
	now       func() time.Time
}

// New creates a requester over the given store and feed tracker.
func New(opts Options, store model.BarStore, feed *feedstate.Tracker, pub Publisher, m *metrics.Metrics) *Requester {
	return &Requester{
		opts:      opts,
		store:     store,
		feed:      feed,
		pub:       pub,
		m:         m,
		log:       slog.Default().With("component", "warmup"),
		cooldowns: make(map[string]*rate.Limiter),
		requested: make(map[string]int),
		now:       time.Now,
	}
}

// Run polls until the context is cancelled.
func (r *Requester) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce walks the allow-list once, in deterministic order.
func (r *Requester) RunOnce(ctx context.Context) {
	feed := r.feed.Snapshot()
	for _, symbol := range r.opts.Symbols {
		for _, tf := range r.opts.TFs {
			if err := r.checkPair(ctx, symbol, tf, feed); err != nil {
				r.log.Warn("pair check failed", "symbol", symbol, "tf", tf, "err", err)
			}
		}
	}
}

func (r *Requester) checkPair(ctx context.Context, symbol, tf string, feed model.FeedState) error {
	minBars := r.minBars(tf)
	// The broker contract exposes up to Contract1mBars bars per request at
	// any tf; that depth is the prefetch goal.
	depth := r.opts.Contract1mBars

	tail, err := r.store.Tail(ctx, symbol, tf, depth)
	if err != nil {
		return err
	}
	st := history.Classify(symbol, tf, tail, history.Params{
		MinHistoryBars: minBars,
		StaleK:         r.opts.StaleK,
		NowMS:          r.now().UnixMilli(),
	})

	switch st.State {
	case model.HistoryInsufficient:
		return r.emit(ctx, CmdWarmup, "insufficient_history", symbol, tf, minBars, minBars, st, feed)

	case model.HistoryStaleTail, model.HistoryGappyTail, model.HistoryNonMonotonic:
		cmd := CmdBackfill
		if tf == "1m" {
			// Adapters rarely implement 1m backfill; a warmup re-pull covers it.
			cmd = CmdWarmup
		}
		return r.emit(ctx, cmd, st.State, symbol, tf, minBars, minBars, st, feed)

	case model.HistoryOK:
		if st.BarsCount < depth {
			want := r.nextPrefetch(symbol, tf, st.BarsCount, depth)
			return r.emit(ctx, CmdWarmup, "prefetch_history", symbol, tf, minBars, want, st, feed)
		}
		r.clearCooldowns(symbol, tf)
	}
	return nil
}

// minBars is the compute floor: the configured desired limit, or the broker
// contract depth expressed in this tf's bars, whichever is larger.
func (r *Requester) minBars(tf string) int {
	if cb := r.contractBars(tf); cb > r.opts.DesiredLimit {
		return cb
	}
	return r.opts.DesiredLimit
}

func (r *Requester) contractBars(tf string) int {
	mins := model.TFMinutes(tf)
	if mins <= 0 {
		return r.opts.Contract1mBars
	}
	return (r.opts.Contract1mBars + mins - 1) / mins
}

// nextPrefetch grows the requested size monotonically in DesiredLimit steps,
// capped at the contract depth.
func (r *Requester) nextPrefetch(symbol, tf string, have, depth int) int {
	key := model.PairKey(symbol, tf)
	want := have + r.opts.DesiredLimit
	if prev := r.requested[key]; prev+r.opts.DesiredLimit > want {
		want = prev + r.opts.DesiredLimit
	}
	if want > depth {
		want = depth
	}
	r.requested[key] = want
	return want
}

func (r *Requester) emit(ctx context.Context, cmdType, reason, symbol, tf string, minBars, lookbackBars int, st model.HistoryStatus, feed model.FeedState) error {
	key := symbol + "|" + tf + "|" + cmdType
	lim, ok := r.cooldowns[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.opts.Cooldown), 1)
		r.cooldowns[key] = lim
	}
	if !lim.Allow() {
		r.log.Debug("command skipped by cooldown", "symbol", symbol, "tf", tf, "type", cmdType)
		return nil
	}

	mins := model.TFMinutes(tf)
	if mins <= 0 {
		mins = 1
	}
	cmd := Command{
		Type:            cmdType,
		Symbol:          symbol,
		TF:              tf,
		MinHistoryBars:  minBars,
		LookbackBars:    lookbackBars,
		LookbackMinutes: lookbackBars * mins,
		Reason:          reason,
		S2:              st,
		FxcmStatus: statusBlock{
			Market: feed.MarketState,
			Price:  feed.PriceState,
			Ohlcv:  feed.OhlcvState,
		},
	}
	payload, err := json.Marshal(&cmd)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, r.opts.Channel, payload); err != nil {
		return err
	}
	if r.m != nil {
		r.m.WarmupCommands.WithLabelValues(cmdType).Inc()
	}
	r.log.Info("repair command published",
		"symbol", symbol, "tf", tf, "type", cmdType, "reason", reason, "lookback_bars", lookbackBars)
	return nil
}

// clearCooldowns forgets the rate-limit and prefetch records once a pair is
// fully healthy, so the next degradation emits immediately.
func (r *Requester) clearCooldowns(symbol, tf string) {
	delete(r.cooldowns, symbol+"|"+tf+"|"+CmdWarmup)
	delete(r.cooldowns, symbol+"|"+tf+"|"+CmdBackfill)
	delete(r.requested, model.PairKey(symbol, tf))
}

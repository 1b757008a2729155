package warmup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-systemv1/internal/feedstate"
	"smc-systemv1/internal/model"
	"smc-systemv1/internal/wire"
)

type fakeStore struct {
	tails map[string][]model.Bar
}

func (f *fakeStore) PutBars(ctx context.Context, symbol, tf string, bars []model.Bar) (int, error) {
	return 0, nil
}

func (f *fakeStore) Tail(ctx context.Context, symbol, tf string, limit int) ([]model.Bar, error) {
	tail := f.tails[model.PairKey(symbol, tf)]
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail, nil
}

func (f *fakeStore) TailBefore(ctx context.Context, symbol, tf string, toMS int64, limit int) ([]model.Bar, error) {
	return f.Tail(ctx, symbol, tf, limit)
}

type capturingPub struct {
	channels []string
	payloads []Command
}

func (p *capturingPub) Publish(ctx context.Context, channel string, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, cmd)
	return nil
}

func contiguous(endMS int64, tfMS int64, n int) []model.Bar {
	bars := make([]model.Bar, n)
	for i := 0; i < n; i++ {
		ot := endMS - int64(n-i)*tfMS
		bars[i] = model.Bar{
			OpenTime: ot, CloseTime: ot + tfMS,
			Open: 1, High: 1, Low: 1, Close: 1, Complete: true,
		}
	}
	return bars
}

func newTestRequester(store *fakeStore, pub *capturingPub, tfs []string) *Requester {
	feed := feedstate.New()
	feed.ApplyStatus(&wire.StatusMessage{
		Market: "open", Price: "ok", Ohlcv: "ok", TS: time.Now().UnixMilli(),
	})
	return New(Options{
		Symbols:        []string{"XAUUSD"},
		TFs:            tfs,
		Channel:        "fxcm:commands",
		PollInterval:   time.Minute,
		Cooldown:       900 * time.Second,
		DesiredLimit:   300,
		Contract1mBars: 2000,
		StaleK:         3.0,
	}, store, feed, pub, nil)
}

func TestRequester_WarmupThenCooldownThenClear(t *testing.T) {
	store := &fakeStore{tails: map[string][]model.Bar{}}
	pub := &capturingPub{}
	r := newTestRequester(store, pub, []string{"1m"})
	ctx := context.Background()

	// Empty tail: one warmup command at the full contract depth.
	r.RunOnce(ctx)
	require.Len(t, pub.payloads, 1)
	cmd := pub.payloads[0]
	assert.Equal(t, CmdWarmup, cmd.Type)
	assert.Equal(t, "insufficient_history", cmd.Reason)
	assert.Equal(t, "XAUUSD", cmd.Symbol)
	assert.Equal(t, 2000, cmd.MinHistoryBars)
	assert.GreaterOrEqual(t, cmd.LookbackMinutes, 2000)
	assert.Equal(t, "fxcm:commands", pub.channels[0])
	assert.Equal(t, "open", cmd.FxcmStatus.Market)
	assert.Equal(t, model.HistoryInsufficient, cmd.S2.State)

	// Still empty one poll later: cooldown swallows the repeat.
	r.RunOnce(ctx)
	assert.Len(t, pub.payloads, 1)

	// Tail repaired to full depth: nothing published, cooldown cleared.
	now := time.Now().UnixMilli()
	store.tails[model.PairKey("XAUUSD", "1m")] = contiguous(now, 60_000, 2000)
	r.RunOnce(ctx)
	assert.Len(t, pub.payloads, 1)

	// Degrades again: emits immediately because the record was cleared.
	store.tails[model.PairKey("XAUUSD", "1m")] = nil
	r.RunOnce(ctx)
	assert.Len(t, pub.payloads, 2)
}

func TestRequester_Stale1mFallsBackToWarmup(t *testing.T) {
	store := &fakeStore{tails: map[string][]model.Bar{}}
	pub := &capturingPub{}
	r := newTestRequester(store, pub, []string{"1m"})

	// Full-depth tail whose last open is 10 minutes old: stale for staleK=3.
	now := time.Now().UnixMilli()
	store.tails[model.PairKey("XAUUSD", "1m")] = contiguous(now-600_000, 60_000, 2000)

	r.RunOnce(context.Background())
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, CmdWarmup, pub.payloads[0].Type, "1m never uses backfill")
	assert.Equal(t, model.HistoryStaleTail, pub.payloads[0].Reason)
}

func TestRequester_StaleHigherTFUsesBackfill(t *testing.T) {
	store := &fakeStore{tails: map[string][]model.Bar{}}
	pub := &capturingPub{}
	r := newTestRequester(store, pub, []string{"5m"})

	now := time.Now().UnixMilli()
	// 400 five-minute bars cover the contract floor; tail ends an hour ago.
	store.tails[model.PairKey("XAUUSD", "5m")] = contiguous(now-3_600_000, 300_000, 400)

	r.RunOnce(context.Background())
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, CmdBackfill, pub.payloads[0].Type)
	assert.Equal(t, model.HistoryStaleTail, pub.payloads[0].Reason)
}

func TestRequester_PrefetchGrowsMonotonically(t *testing.T) {
	store := &fakeStore{tails: map[string][]model.Bar{}}
	pub := &capturingPub{}
	r := newTestRequester(store, pub, []string{"5m"})
	r.opts.Cooldown = time.Nanosecond // let every poll through
	ctx := context.Background()

	now := time.Now().UnixMilli()
	// Healthy 5m tail above the 400-bar floor but below the 2000-bar depth.
	store.tails[model.PairKey("XAUUSD", "5m")] = contiguous(now, 300_000, 500)

	r.RunOnce(ctx)
	require.Len(t, pub.payloads, 1)
	first := pub.payloads[0]
	assert.Equal(t, CmdWarmup, first.Type)
	assert.Equal(t, "prefetch_history", first.Reason)
	assert.Equal(t, 800, first.LookbackBars)
	assert.Equal(t, 800*5, first.LookbackMinutes)

	// Store unchanged: the request still steps forward, never shrinks.
	time.Sleep(time.Millisecond)
	r.RunOnce(ctx)
	require.Len(t, pub.payloads, 2)
	assert.Equal(t, 1100, pub.payloads[1].LookbackBars)

	// Growth caps at the contract depth.
	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		r.RunOnce(ctx)
	}
	last := pub.payloads[len(pub.payloads)-1]
	assert.Equal(t, 2000, last.LookbackBars)
}

func TestRequester_CooldownIsPerCommandType(t *testing.T) {
	store := &fakeStore{tails: map[string][]model.Bar{}}
	pub := &capturingPub{}
	r := newTestRequester(store, pub, []string{"5m"})
	ctx := context.Background()

	// Insufficient first: warmup emitted and on cooldown.
	r.RunOnce(ctx)
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, CmdWarmup, pub.payloads[0].Type)

	// Same pair turns stale: backfill has its own cooldown key and emits.
	now := time.Now().UnixMilli()
	store.tails[model.PairKey("XAUUSD", "5m")] = contiguous(now-3_600_000, 300_000, 400)
	r.RunOnce(ctx)
	require.Len(t, pub.payloads, 2)
	assert.Equal(t, CmdBackfill, pub.payloads[1].Type)
}

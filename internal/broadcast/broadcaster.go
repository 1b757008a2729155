// Package broadcast consumes producer envelopes, runs the viewer builder
// for every asset, and fans the results out: one ViewerUpdate publish per
// symbol plus one snapshot-by-symbol document for cold starts.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
	"smc-systemv1/internal/viewer"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Conn opens pub/sub subscriptions; satisfied by the Redis store.
type Conn interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// Transport is the outbound side: viewer channel plus snapshot keys.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	SaveSnapshot(ctx context.Context, key string, doc []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
}

// Options configures one broadcaster.
type Options struct {
	StateChannel     string // producer envelopes in
	StateSnapshotKey string // producer snapshot, replayed on cold start
	ViewerChannel    string // per-symbol updates out
	ViewerSnapshot   string // snapshot-by-symbol doc out

	TargetBars     int
	MinBars        int
	ZoneMergeIoU   float64
	HiddenTTLSteps int64
}

// Broadcaster is the C9 loop. Single goroutine; the builder caches are not
// shared.
type Broadcaster struct {
	opts    Options
	tr      Transport
	builder *viewer.Builder
	m       *metrics.Metrics
	log     *slog.Logger

	lastCycleSeq int64
	states       map[string]*model.ViewerState
}

// New creates a broadcaster.
func New(opts Options, tr Transport, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		opts: opts,
		tr:   tr,
		builder: viewer.NewBuilder(viewer.Options{
			TargetBars:     opts.TargetBars,
			MinBars:        opts.MinBars,
			ZoneMergeIoU:   opts.ZoneMergeIoU,
			HiddenTTLSteps: opts.HiddenTTLSteps,
		}),
		m:      m,
		log:    slog.Default().With("component", "broadcast"),
		states: make(map[string]*model.ViewerState),
	}
}

// Run replays the persisted producer snapshot, then consumes the state
// channel until ctx is cancelled. Transport errors reconnect with
// exponential backoff, same as the ingest loop.
func (b *Broadcaster) Run(ctx context.Context, conn Conn) {
	b.coldStart(ctx)

	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		sub := conn.Subscribe(ctx, b.opts.StateChannel)
		err := b.consume(ctx, sub, &backoff)
		sub.Close()
		if ctx.Err() != nil {
			return
		}

		b.log.Warn("subscription lost, reconnecting", "backoff", backoff, "err", err)
		if b.m != nil {
			b.m.Reconnects.WithLabelValues("broadcast").Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// coldStart treats the producer's persisted snapshot as if it had just
// arrived on the channel, so the gateway has data before the next cycle.
func (b *Broadcaster) coldStart(ctx context.Context) {
	if b.opts.StateSnapshotKey == "" {
		return
	}
	doc, err := b.tr.LoadSnapshot(ctx, b.opts.StateSnapshotKey)
	if err != nil {
		b.log.Warn("producer snapshot load failed", "err", err)
		return
	}
	if doc == nil {
		return
	}
	if err := b.HandleEnvelope(ctx, doc); err != nil {
		b.log.Warn("producer snapshot replay failed", "err", err)
	}
}

func (b *Broadcaster) consume(ctx context.Context, sub *goredis.PubSub, backoff *time.Duration) error {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		*backoff = backoffBase

		if err := b.HandleEnvelope(ctx, []byte(msg.Payload)); err != nil {
			b.log.Error("envelope rejected", "err", err)
			if b.m != nil {
				b.m.ViewerErrors.Inc()
			}
		}
	}
}

// HandleEnvelope processes one producer envelope: builds every symbol's
// ViewerState, publishes the updates, and persists the snapshot document.
// Envelopes at or below the last seen cycle_seq are skipped, which makes
// cold-start replay plus live delivery safe.
func (b *Broadcaster) HandleEnvelope(ctx context.Context, payload []byte) error {
	var env model.ProducerEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != model.EnvelopeSMCState && env.Type != model.EnvelopeIdle {
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
	if env.Meta.CycleSeq != 0 && env.Meta.CycleSeq <= b.lastCycleSeq {
		b.log.Debug("stale envelope skipped", "cycle_seq", env.Meta.CycleSeq, "last", b.lastCycleSeq)
		return nil
	}

	start := time.Now()
	info := viewer.Envelope{
		CycleSeq:  env.Meta.CycleSeq,
		PayloadTS: env.Meta.PayloadTS,
		Fxcm:      env.Meta.Fxcm,
	}
	for i := range env.Assets {
		asset := &env.Assets[i]
		vs := b.builder.Build(asset, info)
		b.states[vs.Symbol] = vs

		update := model.ViewerUpdate{Symbol: vs.Symbol, ViewerState: vs}
		data, err := json.Marshal(&update)
		if err != nil {
			return fmt.Errorf("encode update %s: %w", vs.Symbol, err)
		}
		if err := b.tr.Publish(ctx, b.opts.ViewerChannel, data); err != nil {
			b.log.Error("viewer publish failed", "symbol", vs.Symbol, "err", err)
			if b.m != nil {
				b.m.ViewerErrors.Inc()
			}
		}
	}
	b.lastCycleSeq = env.Meta.CycleSeq

	if err := b.saveSnapshot(ctx, &env); err != nil {
		b.log.Error("viewer snapshot save failed", "err", err)
		if b.m != nil {
			b.m.ViewerErrors.Inc()
		}
	}
	if b.m != nil {
		b.m.ViewerBuildLatency.Observe(float64(time.Since(start).Milliseconds()))
	}
	return nil
}

func (b *Broadcaster) saveSnapshot(ctx context.Context, env *model.ProducerEnvelope) error {
	if b.opts.ViewerSnapshot == "" {
		return nil
	}
	snap := model.ViewerSnapshot{
		Schema:    model.ViewerStateSchemaVersion,
		CycleSeq:  env.Meta.CycleSeq,
		PayloadTS: env.Meta.PayloadTS,
		BySymbol:  b.states,
	}
	doc, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	return b.tr.SaveSnapshot(ctx, b.opts.ViewerSnapshot, doc)
}

// States returns the current by-symbol view; used when the gateway runs in
// the same process.
func (b *Broadcaster) States() map[string]*model.ViewerState { return b.states }

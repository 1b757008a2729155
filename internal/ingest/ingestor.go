// Package ingest consumes the broker pub/sub channels, validates each
// message, and writes sealed bars and last ticks into the store. It is the
// single writer of the bar store.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"smc-systemv1/internal/feedstate"
	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
	"smc-systemv1/internal/wire"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Conn opens pub/sub subscriptions; satisfied by the Redis store.
type Conn interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// Options configures one ingestor.
type Options struct {
	OhlcvChannel  string
	TickChannel   string
	StatusChannel string

	Symbols []string // allow-list
	TFs     []string

	HMACSecret   string
	HMACAlgo     string // "sha256" or "sha1"
	HMACRequired bool
}

// Ingestor is the C3 loop: one goroutine per broker subscription.
type Ingestor struct {
	opts    Options
	store   model.BarStore
	ticks   model.TickCache
	feed    *feedstate.Tracker
	archive chan<- model.ArchivedBar
	m       *metrics.Metrics
	log     *slog.Logger

	symbols map[string]bool
	tfs     map[string]bool
}

// New creates an ingestor. archive may be nil when the SQLite archive is
// disabled.
func New(opts Options, store model.BarStore, ticks model.TickCache, feed *feedstate.Tracker, archive chan<- model.ArchivedBar, m *metrics.Metrics) *Ingestor {
	symbols := make(map[string]bool, len(opts.Symbols))
	for _, s := range opts.Symbols {
		symbols[strings.ToUpper(s)] = true
	}
	tfs := make(map[string]bool, len(opts.TFs))
	for _, tf := range opts.TFs {
		tfs[strings.ToLower(tf)] = true
	}
	return &Ingestor{
		opts:    opts,
		store:   store,
		ticks:   ticks,
		feed:    feed,
		archive: archive,
		m:       m,
		log:     slog.Default().With("component", "ingest"),
		symbols: symbols,
		tfs:     tfs,
	}
}

// Run subscribes to all three broker channels and dispatches until ctx is
// cancelled. Transport errors close the subscription and retry with
// exponential backoff; a successful receive resets the backoff.
func (in *Ingestor) Run(ctx context.Context, conn Conn) {
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		sub := conn.Subscribe(ctx, in.opts.OhlcvChannel, in.opts.TickChannel, in.opts.StatusChannel)
		err := in.consume(ctx, sub, &backoff)
		sub.Close()
		if ctx.Err() != nil {
			return
		}

		in.log.Warn("subscription lost, reconnecting", "backoff", backoff, "err", err)
		if in.m != nil {
			in.m.Reconnects.WithLabelValues("ingest").Inc()
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

func (in *Ingestor) consume(ctx context.Context, sub *goredis.PubSub, backoff *time.Duration) error {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		*backoff = backoffBase

		payload := []byte(msg.Payload)
		switch msg.Channel {
		case in.opts.OhlcvChannel:
			in.HandleOhlcv(ctx, payload)
		case in.opts.TickChannel:
			in.HandleTick(ctx, payload)
		case in.opts.StatusChannel:
			in.HandleStatus(payload)
		}
	}
}

// HandleOhlcv validates and stores one broker bar message.
func (in *Ingestor) HandleOhlcv(ctx context.Context, payload []byte) {
	msg := wire.ValidateOhlcv(payload)
	if msg == nil {
		in.countWireError()
		return
	}
	if !in.verifySignature(msg) {
		return
	}
	if !in.symbols[msg.Symbol] || !in.tfs[msg.TF] {
		in.countRejected("not_allowed", len(msg.Bars))
		return
	}
	// The broker may keep emitting bars through maintenance windows.
	if in.feed.Snapshot().MarketState == model.MarketClosed {
		in.countRejected("market_closed", len(msg.Bars))
		return
	}

	sealed := msg.Bars[:0]
	for _, b := range msg.Bars {
		if !b.Complete {
			in.countRejected("incomplete", 1)
			continue
		}
		sealed = append(sealed, b)
	}
	if len(sealed) == 0 {
		return
	}

	n, err := in.store.PutBars(ctx, msg.Symbol, msg.TF, sealed)
	if err != nil {
		in.log.Error("bar write failed", "symbol", msg.Symbol, "tf", msg.TF, "err", err)
		return
	}
	if n == 0 {
		return
	}
	if in.m != nil {
		in.m.BarsIngested.Add(float64(n))
	}

	var maxClose int64
	for i := range sealed {
		if ct := model.NormalizeMS(sealed[i].CloseTime); ct > maxClose {
			maxClose = ct
		}
		in.archiveBar(msg.Symbol, msg.TF, sealed[i])
	}
	in.feed.NoteBarClose(maxClose)
}

// HandleTick validates and caches one quote.
func (in *Ingestor) HandleTick(ctx context.Context, payload []byte) {
	msg := wire.ValidateTick(payload)
	if msg == nil {
		in.countWireError()
		return
	}
	// The validator already upper-cases the symbol and normalises stamps.
	tick := msg.Tick
	if !in.symbols[tick.Symbol] {
		return
	}
	if err := in.ticks.PutTick(ctx, &tick); err != nil {
		in.log.Error("tick write failed", "symbol", tick.Symbol, "err", err)
		return
	}
	if in.m != nil {
		in.m.TicksIngested.Inc()
	}
}

// HandleStatus folds one broker telemetry message into the feed tracker.
func (in *Ingestor) HandleStatus(payload []byte) {
	msg := wire.ValidateStatus(payload)
	if msg == nil {
		in.countWireError()
		return
	}
	in.feed.ApplyStatus(msg)
}

// verifySignature checks the message HMAC when a secret is configured. An
// invalid signature always counts; it drops the message only when the
// deployment requires signing.
func (in *Ingestor) verifySignature(msg *wire.OhlcvMessage) bool {
	if in.opts.HMACSecret == "" {
		return true
	}
	var newHash func() hash.Hash
	switch strings.ToLower(in.opts.HMACAlgo) {
	case "sha1":
		newHash = sha1.New
	default:
		newHash = sha256.New
	}
	mac := hmac.New(newHash, []byte(in.opts.HMACSecret))
	mac.Write(canonicalBytes(msg.Raw))
	want := hex.EncodeToString(mac.Sum(nil))

	if hmac.Equal([]byte(want), []byte(strings.ToLower(msg.Sig))) {
		return true
	}
	if in.m != nil {
		in.m.HMACFailures.Inc()
	}
	if in.opts.HMACRequired {
		in.log.Warn("signature mismatch, message dropped", "symbol", msg.Symbol, "tf", msg.TF)
		return false
	}
	return true
}

// canonicalBytes strips the sig field and re-encodes the message with
// sorted keys, so both sides sign the same bytes.
func canonicalBytes(raw []byte) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	delete(doc, "sig")
	out, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

func (in *Ingestor) archiveBar(symbol, tf string, b model.Bar) {
	if in.archive == nil {
		return
	}
	select {
	case in.archive <- model.ArchivedBar{Symbol: symbol, TF: tf, Bar: b}:
	default:
		// archive lags; the Redis tail stays authoritative
	}
}

func (in *Ingestor) countWireError() {
	if in.m != nil {
		in.m.WireErrors.Inc()
	}
}

func (in *Ingestor) countRejected(reason string, n int) {
	if in.m != nil {
		in.m.BarsRejected.WithLabelValues(reason).Add(float64(n))
	}
}

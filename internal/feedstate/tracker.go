// Package feedstate maintains the single authoritative snapshot of broker
// feed health and decides whether the producer cycle may run.
package feedstate

import (
	"strings"
	"sync"
	"time"

	"smc-systemv1/internal/markethours"
	"smc-systemv1/internal/model"
	"smc-systemv1/internal/wire"
)

// statusFreshOverride is the maximum status age under which live ticks
// override a closed market. Weekend maintenance windows report
// market=closed while prices keep flowing; the cycle keeps running then.
const statusFreshOverride = 60 * time.Second

// Tracker is the C1 feed-state tracker. Single writer (the status
// listener); snapshots are copied out for readers.
type Tracker struct {
	mu    sync.RWMutex
	state model.FeedState
	now   func() time.Time
}

// New creates a Tracker with an all-unknown initial snapshot.
func New() *Tracker {
	return &Tracker{
		state: model.FeedState{
			MarketState:  model.MarketUnknown,
			ProcessState: model.StateUnknown,
			PriceState:   model.StateUnknown,
			OhlcvState:   model.StateUnknown,
		},
		now: time.Now,
	}
}

// ApplyStatus normalises a validated fxcm:status message and replaces the
// snapshot atomically. Missing fields keep their previous value.
func (t *Tracker) ApplyStatus(msg *wire.StatusMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.state
	if msg.Market != "" {
		next.MarketState = normalizeMarket(msg.Market)
	}
	if msg.Process != "" {
		next.ProcessState = normalizeState(msg.Process, model.StateLag)
	}
	if msg.Price != "" {
		next.PriceState = normalizeState(msg.Price, model.StateLag)
	}
	if msg.Ohlcv != "" {
		next.OhlcvState = normalizeState(msg.Ohlcv, model.StateDelayed)
	}
	if msg.Note != "" {
		next.Note = msg.Note
	}
	if msg.TS > 0 {
		next.StatusTS = model.NormalizeMS(msg.TS)
	} else {
		next.StatusTS = t.now().UnixMilli()
	}
	if msg.Session != nil {
		next.Session = model.SessionInfo{
			Name:              msg.Session.Name,
			State:             msg.Session.State,
			SecondsToClose:    msg.Session.SecondsToClose,
			SecondsToNextOpen: msg.Session.SecondsToNextOpen,
		}
	} else {
		next.Session = markethours.CurrentSession(t.now())
	}
	next.NextOpenUTC = markethours.NextOpen(t.now()).UTC().Format(time.RFC3339)
	next.LagSeconds = t.lagSeconds(next.LastBarCloseMS)

	t.state = next
}

// NoteBarClose records the newest bar close time and refreshes the lag.
// Time never moves backward.
func (t *Tracker) NoteBarClose(closeMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if closeMS > t.state.LastBarCloseMS {
		t.state.LastBarCloseMS = closeMS
	}
	t.state.LagSeconds = t.lagSeconds(t.state.LastBarCloseMS)
}

// Snapshot returns a copy of the current feed state with lag recomputed.
func (t *Tracker) Snapshot() model.FeedState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := t.state
	cp.LagSeconds = t.lagSeconds(cp.LastBarCloseMS)
	return cp
}

// ShouldRunCycle implements the C1 decision table.
func (t *Tracker) ShouldRunCycle() (bool, string) {
	s := t.Snapshot()

	switch s.MarketState {
	case model.MarketClosed:
		if s.PriceState == model.StateOK && t.statusFresh(s.StatusTS) {
			return true, "fxcm_market_closed_but_ticks_ok"
		}
		return false, "fxcm_market_closed"
	case model.MarketOpen:
		if s.PriceState != model.StateOK {
			return false, "fxcm_price_" + s.PriceState
		}
		if s.OhlcvState != model.StateOK {
			// ohlcv health is diagnostic only
			return true, "fxcm_ohlcv_" + s.OhlcvState + "_ignored"
		}
		return true, "fxcm_ok"
	default:
		return true, "fxcm_status_unknown"
	}
}

// ResetForTests restores the initial unknown snapshot.
func (t *Tracker) ResetForTests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = model.FeedState{
		MarketState:  model.MarketUnknown,
		ProcessState: model.StateUnknown,
		PriceState:   model.StateUnknown,
		OhlcvState:   model.StateUnknown,
	}
}

// SetClock overrides the time source for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Tracker) lagSeconds(lastCloseMS int64) float64 {
	if lastCloseMS <= 0 {
		return 0
	}
	lag := float64(t.now().UnixMilli()-lastCloseMS) / 1000.0
	if lag < 0 {
		return 0
	}
	return lag
}

func (t *Tracker) statusFresh(statusTS int64) bool {
	if statusTS <= 0 {
		return false
	}
	return t.now().UnixMilli()-statusTS <= statusFreshOverride.Milliseconds()
}

func normalizeMarket(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "trading":
		return model.MarketOpen
	case "closed", "close", "maintenance":
		return model.MarketClosed
	default:
		return model.MarketUnknown
	}
}

func normalizeState(raw, degraded string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ok", "up", "healthy":
		return model.StateOK
	case "lag", "lagging", "delayed", "delay":
		return degraded
	case "down", "error", "dead":
		return model.StateDown
	default:
		return model.StateUnknown
	}
}

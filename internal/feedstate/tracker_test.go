package feedstate

import (
	"testing"
	"time"

	"smc-systemv1/internal/model"
	"smc-systemv1/internal/wire"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTracker_InitialUnknownRuns(t *testing.T) {
	tr := New()
	run, reason := tr.ShouldRunCycle()
	if !run || reason != "fxcm_status_unknown" {
		t.Errorf("expected run on unknown status, got run=%v reason=%s", run, reason)
	}
}

func TestTracker_DecisionTable(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		msg    wire.StatusMessage
		run    bool
		reason string
	}{
		{"open ok ok", wire.StatusMessage{Market: "open", Price: "ok", Ohlcv: "ok"}, true, "fxcm_ok"},
		{"open price down", wire.StatusMessage{Market: "open", Price: "down", Ohlcv: "ok"}, false, "fxcm_price_down"},
		{"open price lag", wire.StatusMessage{Market: "open", Price: "lag", Ohlcv: "ok"}, false, "fxcm_price_lag"},
		{"open ohlcv delayed ignored", wire.StatusMessage{Market: "open", Price: "ok", Ohlcv: "delayed"}, true, "fxcm_ohlcv_delayed_ignored"},
		{"open ohlcv down ignored", wire.StatusMessage{Market: "open", Price: "ok", Ohlcv: "down"}, true, "fxcm_ohlcv_down_ignored"},
		{"closed price down", wire.StatusMessage{Market: "closed", Price: "down"}, false, "fxcm_market_closed"},
	}

	for _, tc := range cases {
		tr := New()
		tr.SetClock(fixedClock(now))
		msg := tc.msg
		msg.TS = now.UnixMilli()
		tr.ApplyStatus(&msg)
		run, reason := tr.ShouldRunCycle()
		if run != tc.run || reason != tc.reason {
			t.Errorf("%s: got run=%v reason=%s, want run=%v reason=%s",
				tc.name, run, reason, tc.run, tc.reason)
		}
	}
}

func TestTracker_ClosedButTicksOKOverride(t *testing.T) {
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	tr := New()
	tr.SetClock(fixedClock(now))

	// Fresh status: closed market with live prices keeps the cycle running.
	tr.ApplyStatus(&wire.StatusMessage{Market: "closed", Price: "ok", TS: now.UnixMilli()})
	run, reason := tr.ShouldRunCycle()
	if !run || reason != "fxcm_market_closed_but_ticks_ok" {
		t.Fatalf("expected override, got run=%v reason=%s", run, reason)
	}

	// Same snapshot 2 minutes later: status no longer fresh, override off.
	tr.SetClock(fixedClock(now.Add(2 * time.Minute)))
	run, reason = tr.ShouldRunCycle()
	if run || reason != "fxcm_market_closed" {
		t.Errorf("stale override must not run: run=%v reason=%s", run, reason)
	}
}

func TestTracker_NoteBarCloseMonotone(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tr := New()
	tr.SetClock(fixedClock(now))

	tr.NoteBarClose(now.Add(-time.Minute).UnixMilli())
	tr.NoteBarClose(now.Add(-5 * time.Minute).UnixMilli()) // older, ignored

	s := tr.Snapshot()
	if s.LastBarCloseMS != now.Add(-time.Minute).UnixMilli() {
		t.Errorf("bar close moved backward: %d", s.LastBarCloseMS)
	}
	if s.LagSeconds != 60 {
		t.Errorf("expected lag 60s, got %v", s.LagSeconds)
	}
}

func TestTracker_MalformedFieldsKeepPriorSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tr := New()
	tr.SetClock(fixedClock(now))

	tr.ApplyStatus(&wire.StatusMessage{Market: "open", Price: "ok", Ohlcv: "ok", TS: now.UnixMilli()})
	// Partial update: only ohlcv present; market/price survive.
	tr.ApplyStatus(&wire.StatusMessage{Ohlcv: "delayed", TS: now.UnixMilli()})

	s := tr.Snapshot()
	if s.MarketState != model.MarketOpen || s.PriceState != model.StateOK {
		t.Errorf("prior fields lost: %+v", s)
	}
	if s.OhlcvState != model.StateDelayed {
		t.Errorf("ohlcv not updated: %s", s.OhlcvState)
	}
}

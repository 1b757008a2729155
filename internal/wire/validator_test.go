package wire

import (
	"testing"
)

func TestValidateOhlcv_DropsInvalidBarsKeepsMessage(t *testing.T) {
	raw := []byte(`{
		"symbol": "xauusd", "tf": "1M",
		"bars": [
			{"open_time": 1700000000, "close_time": 1700000060, "open": 2000.1, "high": 2001.0, "low": 1999.5, "close": 2000.5, "volume": 120},
			{"open_time": 1700000060, "close_time": 1700000120, "open": 2000.5, "high": 2001.5, "low": 2000.0, "volume": 80},
			{"open_time": 1700000120, "close_time": 1700000180, "open": 2000.9, "high": 2000.0, "low": 2001.5, "close": 2000.2, "volume": 50}
		]
	}`)

	msg := ValidateOhlcv(raw)
	if msg == nil {
		t.Fatal("expected message to survive with one valid bar")
	}
	if msg.Symbol != "XAUUSD" || msg.TF != "1m" {
		t.Errorf("expected normalised symbol/tf, got %s/%s", msg.Symbol, msg.TF)
	}
	// Bar 2 misses close, bar 3 has high < low; both dropped.
	if len(msg.Bars) != 1 {
		t.Fatalf("expected 1 valid bar, got %d", len(msg.Bars))
	}
	// Seconds-scale timestamps get normalised to ms.
	if msg.Bars[0].OpenTime != 1700000000000 {
		t.Errorf("expected ms open_time, got %d", msg.Bars[0].OpenTime)
	}
	if !msg.Bars[0].Complete {
		t.Error("missing complete flag should default to sealed")
	}
}

func TestValidateOhlcv_FailsClosed(t *testing.T) {
	cases := map[string]string{
		"non-object":   `[1,2,3]`,
		"not json":     `{{{`,
		"no symbol":    `{"tf":"1m","bars":[{"open_time":1,"close_time":2,"open":1,"high":1,"low":1,"close":1,"volume":0}]}`,
		"no valid bar": `{"symbol":"EURUSD","tf":"1m","bars":[{"open_time":1700000000}]}`,
		"empty bars":   `{"symbol":"EURUSD","tf":"1m","bars":[]}`,
	}
	for name, raw := range cases {
		if got := ValidateOhlcv([]byte(raw)); got != nil {
			t.Errorf("%s: expected nil, got %+v", name, got)
		}
	}
}

func TestValidateOhlcv_LiveBarKept(t *testing.T) {
	raw := []byte(`{"symbol":"EURUSD","tf":"5m","bars":[
		{"open_time_ms":1700000000000,"close_time_ms":1700000300000,"open":1.08,"high":1.081,"low":1.079,"close":1.0805,"volume":10,"complete":false}
	]}`)
	msg := ValidateOhlcv(raw)
	if msg == nil {
		t.Fatal("live bars pass wire validation; the ingestor rejects them")
	}
	if msg.Bars[0].Complete {
		t.Error("complete=false must be preserved")
	}
}

func TestValidateTick(t *testing.T) {
	msg := ValidateTick([]byte(`{"symbol":"xauusd","bid":2000.1,"ask":2000.3,"mid":2000.2,"tick_ts":1700000000123,"snap_ts":1700000000200}`))
	if msg == nil {
		t.Fatal("expected valid tick")
	}
	if msg.Tick.Symbol != "XAUUSD" {
		t.Errorf("symbol not normalised: %s", msg.Tick.Symbol)
	}
	if msg.Tick.TickTS != 1700000000123 {
		t.Errorf("tick_ts mangled: %d", msg.Tick.TickTS)
	}

	for name, raw := range map[string]string{
		"missing mid":     `{"symbol":"X","bid":1,"ask":2,"tick_ts":1,"snap_ts":1}`,
		"missing snap_ts": `{"symbol":"X","bid":1,"ask":2,"mid":1.5,"tick_ts":1}`,
		"no symbol":       `{"bid":1,"ask":2,"mid":1.5,"tick_ts":1,"snap_ts":1}`,
	} {
		if got := ValidateTick([]byte(raw)); got != nil {
			t.Errorf("%s: expected nil", name)
		}
	}
}

func TestValidateStatus_SubsetAccepted(t *testing.T) {
	msg := ValidateStatus([]byte(`{"market":"open","note":""}`))
	if msg == nil {
		t.Fatal("subset status must validate")
	}
	if msg.Market != "open" {
		t.Errorf("market: %s", msg.Market)
	}
	if msg.Note != "" || msg.Price != "" {
		t.Error("absent/empty fields must collapse to empty strings")
	}

	if ValidateStatus([]byte(`"just a string"`)) != nil {
		t.Error("non-object must fail closed")
	}

	full := ValidateStatus([]byte(`{"ts":1700000000,"market":"open","price":"ok","ohlcv":"delayed","session":{"name":"London","state":"open","seconds_to_close":3600}}`))
	if full == nil || full.Session == nil {
		t.Fatal("expected session block")
	}
	if full.Session.Name != "London" || full.Session.SecondsToClose != 3600 {
		t.Errorf("session mangled: %+v", full.Session)
	}
}

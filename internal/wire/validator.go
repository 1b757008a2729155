// Package wire validates inbound broker messages against the minimal wire
// contract. Stateless and fail-closed: hard violations return nil, partial
// violations drop the offending bar, and nothing here ever panics.
package wire

import (
	"encoding/json"
	"math"
	"strings"

	"smc-systemv1/internal/model"
)

// OhlcvMessage is a validated fxcm:ohlcv envelope. Raw keeps the exact
// inbound bytes for HMAC verification.
type OhlcvMessage struct {
	Symbol string
	TF     string
	Bars   []model.Bar
	Sig    string
	Raw    []byte
}

// TickMessage is a validated fxcm:price_tik message.
type TickMessage struct {
	Tick model.Tick
}

// SessionBlock mirrors the broker's session sub-object.
type SessionBlock struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	SecondsToClose    int64  `json:"seconds_to_close"`
	SecondsToNextOpen int64  `json:"seconds_to_next_open"`
}

// StatusMessage is a validated fxcm:status message. Any subset of fields is
// accepted; empty strings collapse to absence.
type StatusMessage struct {
	TS      int64
	Market  string
	Process string
	Price   string
	Ohlcv   string
	Note    string
	Session *SessionBlock
}

type rawBar struct {
	OpenTime    *json.Number `json:"open_time"`
	OpenTimeMS  *json.Number `json:"open_time_ms"`
	CloseTime   *json.Number `json:"close_time"`
	CloseTimeMS *json.Number `json:"close_time_ms"`
	Open        *float64     `json:"open"`
	High        *float64     `json:"high"`
	Low         *float64     `json:"low"`
	Close       *float64     `json:"close"`
	Volume      *float64     `json:"volume"`
	Complete    *bool        `json:"complete"`
	Synthetic   bool         `json:"synthetic"`
	Source      string       `json:"source"`
}

type rawOhlcv struct {
	Symbol string   `json:"symbol"`
	TF     string   `json:"tf"`
	Bars   []rawBar `json:"bars"`
	Sig    string   `json:"sig"`
}

// ValidateOhlcv parses and validates an fxcm:ohlcv payload. Returns nil on
// hard violations (non-object, missing symbol/tf, no valid bar left). A bar
// missing any required numeric is dropped; the message survives if at least
// one valid bar remains.
func ValidateOhlcv(raw []byte) *OhlcvMessage {
	var msg rawOhlcv
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if strings.TrimSpace(msg.Symbol) == "" || strings.TrimSpace(msg.TF) == "" {
		return nil
	}

	bars := make([]model.Bar, 0, len(msg.Bars))
	for i := range msg.Bars {
		if b, ok := validateBar(&msg.Bars[i]); ok {
			bars = append(bars, b)
		}
	}
	if len(bars) == 0 {
		return nil
	}

	return &OhlcvMessage{
		Symbol: strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		TF:     strings.ToLower(strings.TrimSpace(msg.TF)),
		Bars:   bars,
		Sig:    msg.Sig,
		Raw:    raw,
	}
}

func validateBar(rb *rawBar) (model.Bar, bool) {
	openTime, ok := intField(rb.OpenTime, rb.OpenTimeMS)
	if !ok {
		return model.Bar{}, false
	}
	closeTime, ok := intField(rb.CloseTime, rb.CloseTimeMS)
	if !ok {
		return model.Bar{}, false
	}
	if rb.Open == nil || rb.High == nil || rb.Low == nil || rb.Close == nil || rb.Volume == nil {
		return model.Bar{}, false
	}

	b := model.Bar{
		OpenTime:  model.NormalizeMS(openTime),
		CloseTime: model.NormalizeMS(closeTime),
		Open:      *rb.Open,
		High:      *rb.High,
		Low:       *rb.Low,
		Close:     *rb.Close,
		Volume:    *rb.Volume,
		Complete:  rb.Complete == nil || *rb.Complete,
		Synthetic: rb.Synthetic,
		Source:    rb.Source,
	}
	if !b.Valid() {
		return model.Bar{}, false
	}
	return b, true
}

// intField extracts an integer timestamp from the preferred field, falling
// back to the _ms variant. Fractional values are rejected.
func intField(primary, fallback *json.Number) (int64, bool) {
	n := primary
	if n == nil {
		n = fallback
	}
	if n == nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	if v <= 0 {
		return 0, false
	}
	return v, true
}

type rawTick struct {
	Symbol string       `json:"symbol"`
	Bid    *float64     `json:"bid"`
	Ask    *float64     `json:"ask"`
	Mid    *float64     `json:"mid"`
	TickTS *json.Number `json:"tick_ts"`
	SnapTS *json.Number `json:"snap_ts"`
}

// ValidateTick parses and validates an fxcm:price_tik payload. All fields
// are required.
func ValidateTick(raw []byte) *TickMessage {
	var msg rawTick
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if strings.TrimSpace(msg.Symbol) == "" || msg.Bid == nil || msg.Ask == nil || msg.Mid == nil {
		return nil
	}
	for _, v := range []float64{*msg.Bid, *msg.Ask, *msg.Mid} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
	}
	tickTS, ok := intField(msg.TickTS, nil)
	if !ok {
		return nil
	}
	snapTS, ok := intField(msg.SnapTS, nil)
	if !ok {
		return nil
	}

	return &TickMessage{Tick: model.Tick{
		Symbol: strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		Bid:    *msg.Bid,
		Ask:    *msg.Ask,
		Mid:    *msg.Mid,
		TickTS: model.NormalizeMS(tickTS),
		SnapTS: model.NormalizeMS(snapTS),
	}}
}

type rawStatus struct {
	TS      *json.Number  `json:"ts"`
	Market  string        `json:"market"`
	Process string        `json:"process"`
	Price   string        `json:"price"`
	Ohlcv   string        `json:"ohlcv"`
	Note    string        `json:"note"`
	Session *SessionBlock `json:"session"`
}

// ValidateStatus parses an fxcm:status payload. Any subset of fields is
// accepted; nil only for non-objects.
func ValidateStatus(raw []byte) *StatusMessage {
	var msg rawStatus
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	out := &StatusMessage{
		Market:  strings.TrimSpace(msg.Market),
		Process: strings.TrimSpace(msg.Process),
		Price:   strings.TrimSpace(msg.Price),
		Ohlcv:   strings.TrimSpace(msg.Ohlcv),
		Note:    strings.TrimSpace(msg.Note),
		Session: msg.Session,
	}
	if msg.TS != nil {
		if v, err := msg.TS.Int64(); err == nil && v > 0 {
			out.TS = v
		}
	}
	return out
}

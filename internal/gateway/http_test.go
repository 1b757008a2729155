package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-systemv1/internal/model"
)

type memSource struct {
	snap *model.ViewerSnapshot
	err  error
}

func (s *memSource) Snapshot(ctx context.Context) (*model.ViewerSnapshot, error) {
	return s.snap, s.err
}

type memBars struct {
	tails    map[string][]model.Bar
	lastToMS int64
	lastN    int
}

func (m *memBars) PutBars(ctx context.Context, symbol, tf string, bars []model.Bar) (int, error) {
	return 0, nil
}

func (m *memBars) Tail(ctx context.Context, symbol, tf string, limit int) ([]model.Bar, error) {
	m.lastToMS, m.lastN = 0, limit
	return m.tails[symbol+":"+tf], nil
}

func (m *memBars) TailBefore(ctx context.Context, symbol, tf string, toMS int64, limit int) ([]model.Bar, error) {
	m.lastToMS, m.lastN = toMS, limit
	return m.tails[symbol+":"+tf], nil
}

func testSnapshot() *model.ViewerSnapshot {
	return &model.ViewerSnapshot{
		Schema:   model.ViewerStateSchemaVersion,
		CycleSeq: 7,
		BySymbol: map[string]*model.ViewerState{
			"XAUUSD": {
				Schema: model.ViewerStateSchemaVersion,
				Symbol: "XAUUSD",
				Meta:   model.ViewerMeta{CycleSeq: 7, ReplayCursorMS: 1_700_000_000_000},
			},
		},
	}
}

func newTestServer(src StateSource, bars model.BarStore) *HTTPServer {
	return NewHTTPServer(HTTPOptions{
		OhlcvEnabled: true,
		AllowedTFs:   []string{"1m", "5m"},
		DefaultTF:    "5m",
	}, src, bars, nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSnapshot_FullAndPerSymbol(t *testing.T) {
	s := newTestServer(&memSource{snap: testSnapshot()}, &memBars{})

	rec := get(t, s.Handler(), "/smc-viewer/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))

	var snap model.ViewerSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.CycleSeq)
	assert.Contains(t, snap.BySymbol, "XAUUSD")

	// Per-symbol responses are the bare ViewerState document.
	rec = get(t, s.Handler(), "/smc-viewer/snapshot?symbol=xauusd")
	require.Equal(t, http.StatusOK, rec.Code)
	var vs model.ViewerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vs))
	assert.Equal(t, "XAUUSD", vs.Symbol)
	assert.Equal(t, int64(7), vs.Meta.CycleSeq)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.NotContains(t, keys, "viewer_state", "no envelope around the state")
}

func TestSnapshot_UnknownSymbol(t *testing.T) {
	s := newTestServer(&memSource{snap: testSnapshot()}, &memBars{})

	rec := get(t, s.Handler(), "/smc-viewer/snapshot?symbol=BTCUSD")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "symbol_not_found", body["error"])
	assert.Equal(t, "BTCUSD", body["symbol"])
}

func TestMethodGuard(t *testing.T) {
	s := newTestServer(&memSource{snap: testSnapshot()}, &memBars{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/smc-viewer/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/smc-viewer/snapshot", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "method_not_allowed", body["error"])
}

func TestStreamPathIsNotImplemented(t *testing.T) {
	s := newTestServer(&memSource{snap: testSnapshot()}, &memBars{})

	for _, p := range []string{"/smc-viewer/stream", "/smc-viewer/stream/XAUUSD"} {
		rec := get(t, s.Handler(), p)
		require.Equal(t, http.StatusNotImplemented, rec.Code, p)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "websocket_not_implemented", body["error"])
	}
}

func TestFavicon(t *testing.T) {
	s := newTestServer(&memSource{}, &memBars{})
	rec := get(t, s.Handler(), "/favicon.ico")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOhlcv_DefaultsAndBounds(t *testing.T) {
	bars := &memBars{tails: map[string][]model.Bar{
		"XAUUSD:5m": {{OpenTime: 1, CloseTime: 300_001, Open: 1, High: 1, Low: 1, Close: 1, Complete: true}},
	}}
	s := newTestServer(&memSource{snap: testSnapshot()}, bars)

	rec := get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 600, bars.lastN, "default limit")
	assert.Equal(t, int64(1_700_000_000_000), bars.lastToMS, "upper bound defaults to the replay cursor")

	var resp ohlcvResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "XAUUSD", resp.Symbol)
	assert.Equal(t, "5m", resp.Timeframe)
	assert.Equal(t, 600, resp.Limit, "effective limit is echoed")
	assert.Len(t, resp.Bars, 1)

	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Contains(t, keys, "timeframe")
	assert.Contains(t, keys, "limit")
	assert.NotContains(t, keys, "tf")
	assert.NotContains(t, keys, "to_ms")

	rec = get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD&limit=2500")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD&limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD&to_ms=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, s.Handler(), "/smc-viewer/ohlcv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD&tf=3m")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOhlcv_ExplicitBoundAndMisses(t *testing.T) {
	bars := &memBars{tails: map[string][]model.Bar{
		"XAUUSD:1m": {{OpenTime: 1, CloseTime: 60_001, Open: 1, High: 1, Low: 1, Close: 1, Complete: true}},
	}}
	s := newTestServer(&memSource{snap: testSnapshot()}, bars)

	rec := get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD&tf=1m&to_ms=1700000500&limit=50")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, bars.lastN)
	assert.Equal(t, int64(1_700_000_500_000), bars.lastToMS, "second-resolution bounds are normalised to ms")

	rec = get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=BTCUSD&tf=1m")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "symbol_not_found", body["error"])
}

func TestStatic_ServeAndJSONMiss(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>ok</html>"), 0o644))

	s := NewHTTPServer(HTTPOptions{WebRoot: root}, &memSource{snap: testSnapshot()}, &memBars{}, nil)

	rec := get(t, s.Handler(), "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	for _, p := range []string{"/missing.js", "/assets/missing.css"} {
		rec = get(t, s.Handler(), p)
		require.Equal(t, http.StatusNotFound, rec.Code, p)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), p)
		assert.Equal(t, "not_found", body["error"], p)
	}
}

func TestOhlcv_Disabled(t *testing.T) {
	s := NewHTTPServer(HTTPOptions{OhlcvEnabled: false}, &memSource{}, &memBars{}, nil)
	rec := get(t, s.Handler(), "/smc-viewer/ohlcv?symbol=XAUUSD")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ohlcv_frames_disabled", body["error"])
}

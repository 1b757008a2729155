// Package gateway is the read-only UI edge: an HTTP API over the viewer
// snapshot and bar tails, plus a WebSocket fan-out of per-symbol updates.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
)

const (
	defaultOhlcvLimit = 600
	maxOhlcvLimit     = 2000
)

// StateSource serves the latest viewer snapshot; satisfied by the Redis
// snapshot reader and by the in-process broadcaster.
type StateSource interface {
	Snapshot(ctx context.Context) (*model.ViewerSnapshot, error)
}

// HTTPOptions configures the HTTP side of the gateway.
type HTTPOptions struct {
	Addr         string
	WebRoot      string // static assets; empty disables static serving
	OhlcvEnabled bool
	AllowedTFs   []string
	DefaultTF    string
	MinBarsByTF  map[string]int
}

// HTTPServer is the C10 surface. All endpoints are GET; everything else is
// answered with a JSON 405 so browser clients fail loudly.
type HTTPServer struct {
	opts   HTTPOptions
	states StateSource
	bars   model.BarStore
	m      *metrics.Metrics
	log    *slog.Logger
	srv    *http.Server
	tfs    map[string]bool
}

// NewHTTPServer builds the server and its router.
func NewHTTPServer(opts HTTPOptions, states StateSource, bars model.BarStore, m *metrics.Metrics) *HTTPServer {
	tfs := make(map[string]bool, len(opts.AllowedTFs))
	for _, tf := range opts.AllowedTFs {
		tfs[strings.ToLower(tf)] = true
	}
	s := &HTTPServer{
		opts:   opts,
		states: states,
		bars:   bars,
		m:      m,
		log:    slog.Default().With("component", "gateway-http"),
		tfs:    tfs,
	}

	r := mux.NewRouter()
	r.HandleFunc("/smc-viewer/snapshot", s.handleSnapshot)
	r.HandleFunc("/smc-viewer/ohlcv", s.handleOhlcv)
	r.PathPrefix("/smc-viewer/stream").HandlerFunc(s.handleStream)
	r.HandleFunc("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if opts.WebRoot != "" {
		r.PathPrefix("/").HandlerFunc(s.handleStatic)
	}

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.middleware(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the wrapped router; used by tests.
func (s *HTTPServer) Handler() http.Handler { return s.srv.Handler }

// Start launches the listener in a goroutine.
func (s *HTTPServer) Start() {
	go func() {
		s.log.Info("http gateway listening", "addr", s.opts.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("http gateway stopped", "err", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// middleware applies CORS, the method guard, and request metrics to every
// route, static files included.
func (s *HTTPServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Connection", "close")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
			s.countRequest(r.URL.Path, http.StatusMethodNotAllowed)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.countRequest(r.URL.Path, rec.status)
		if s.m != nil {
			s.m.HTTPLatency.WithLabelValues(metricPath(r.URL.Path)).
				Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}
	})
}

// handleSnapshot serves the full snapshot document, or one symbol's
// ViewerState when ?symbol= is present.
func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.states.Snapshot(r.Context())
	if err != nil {
		s.log.Error("snapshot load failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot_unavailable"})
		return
	}
	if snap == nil {
		snap = &model.ViewerSnapshot{Schema: model.ViewerStateSchemaVersion, BySymbol: map[string]*model.ViewerState{}}
	}

	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	vs, ok := snap.BySymbol[symbol]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "symbol_not_found", "symbol": symbol})
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

// ohlcvResponse is the /smc-viewer/ohlcv payload. Limit echoes the
// effective value after the per-tf floor is applied.
type ohlcvResponse struct {
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Limit     int         `json:"limit"`
	Bars      []model.Bar `json:"bars"`
}

// handleOhlcv serves a bounded ascending bar window. The upper bound
// defaults to the symbol's replay cursor so charts align with the view.
func (s *HTTPServer) handleOhlcv(w http.ResponseWriter, r *http.Request) {
	if !s.opts.OhlcvEnabled {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ohlcv_frames_disabled"})
		return
	}
	q := r.URL.Query()

	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol_required"})
		return
	}
	tf := strings.ToLower(strings.TrimSpace(q.Get("tf")))
	if tf == "" {
		tf = s.opts.DefaultTF
	}
	if len(s.tfs) > 0 && !s.tfs[tf] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tf_not_allowed", "tf": tf})
		return
	}

	limit := defaultOhlcvLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxOhlcvLimit {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit_out_of_range"})
			return
		}
		limit = n
	}
	if min := s.opts.MinBarsByTF[tf]; min > 0 && limit < min {
		limit = min
	}

	var toMS int64
	if raw := q.Get("to_ms"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to_ms_invalid"})
			return
		}
		toMS = model.NormalizeMS(n)
	} else {
		toMS = s.replayCursor(r.Context(), symbol)
	}

	var (
		bars []model.Bar
		err  error
	)
	if toMS > 0 {
		bars, err = s.bars.TailBefore(r.Context(), symbol, tf, toMS, limit)
	} else {
		bars, err = s.bars.Tail(r.Context(), symbol, tf, limit)
	}
	if err != nil {
		s.log.Error("ohlcv read failed", "symbol", symbol, "tf", tf, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_unavailable"})
		return
	}
	if len(bars) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "symbol_not_found", "symbol": symbol})
		return
	}
	writeJSON(w, http.StatusOK, ohlcvResponse{Symbol: symbol, Timeframe: tf, Limit: limit, Bars: bars})
}

// replayCursor pulls the symbol's replay_cursor_ms from the snapshot; zero
// when unknown.
func (s *HTTPServer) replayCursor(ctx context.Context, symbol string) int64 {
	snap, err := s.states.Snapshot(ctx)
	if err != nil || snap == nil {
		return 0
	}
	if vs, ok := snap.BySymbol[symbol]; ok {
		return vs.Meta.ReplayCursorMS
	}
	return 0
}

// handleStream exists so clients probing the HTTP port get a clear answer:
// the stream lives on the WebSocket listener.
func (s *HTTPServer) handleStream(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "websocket_not_implemented"})
}

// handleStatic serves files under WebRoot; misses and anything escaping
// the root answer with the JSON 404.
func (s *HTTPServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean(r.URL.Path)
	if strings.Contains(clean, "..") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if clean == "/" {
		clean = "/index.html"
	}
	full := filepath.Join(s.opts.WebRoot, filepath.FromSlash(clean))
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	http.ServeFile(w, r, full)
}

func (s *HTTPServer) countRequest(p string, status int) {
	if s.m != nil {
		s.m.HTTPRequests.WithLabelValues(metricPath(p), strconv.Itoa(status)).Inc()
	}
}

// metricPath caps label cardinality: API paths pass through, everything
// else is bucketed as static.
func metricPath(p string) string {
	if strings.HasPrefix(p, "/smc-viewer/") {
		return p
	}
	return "/static"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

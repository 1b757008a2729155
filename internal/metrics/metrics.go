package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the SMC data plane.
type Metrics struct {
	// Ingest (C3)
	BarsIngested  prometheus.Counter
	BarsRejected  *prometheus.CounterVec // labels: reason
	TicksIngested prometheus.Counter
	WireErrors    prometheus.Counter
	HMACFailures  prometheus.Counter
	Reconnects    *prometheus.CounterVec // labels: component

	// Producer (C6)
	CyclesTotal   *prometheus.CounterVec // labels: result=run|idle
	CycleDuration prometheus.Histogram
	EngineErrors  prometheus.Counter
	ScenarioFlips *prometheus.CounterVec // labels: reason
	HintPreserved prometheus.Counter

	// S3 requester (C5)
	WarmupCommands *prometheus.CounterVec // labels: type
	CooldownSkips  prometheus.Counter

	// Viewer broadcaster (C9)
	ViewerErrors       prometheus.Counter
	ViewerBuildLatency prometheus.Histogram

	// HTTP (C10)
	HTTPRequests *prometheus.CounterVec   // labels: path, status
	HTTPLatency  *prometheus.HistogramVec // labels: path

	// WebSocket (C11)
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec // labels: type
	WSErrors      *prometheus.CounterVec // labels: stage
}

// New registers and returns all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		BarsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_bars_ingested_total",
			Help: "Sealed bars accepted into the store",
		}),
		BarsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smc_bars_rejected_total",
			Help: "Bars rejected before the store (by reason)",
		}, []string{"reason"}),
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_ticks_ingested_total",
			Help: "Ticks accepted into the last-value cache",
		}),
		WireErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_wire_errors_total",
			Help: "Inbound broker messages dropped by the wire validator",
		}),
		HMACFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_hmac_failures_total",
			Help: "Messages dropped due to HMAC signature mismatch",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smc_reconnects_total",
			Help: "Redis transport reconnect attempts (by component)",
		}, []string{"component"}),

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smc_cycles_total",
			Help: "Producer cycles (result=run|idle)",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smc_cycle_duration_seconds",
			Help:    "Producer cycle wall time",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EngineErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_engine_errors_total",
			Help: "Per-symbol engine invocation failures",
		}),
		ScenarioFlips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smc_scenario_flips_total",
			Help: "Stable-scenario switches (by reason class)",
		}, []string{"reason"}),
		HintPreserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_hint_preserved_total",
			Help: "Cycles where a gated-empty hint kept the previous blocks",
		}),

		WarmupCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smc_warmup_commands_total",
			Help: "Repair commands published to the broker (by type)",
		}, []string{"type"}),
		CooldownSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smc_warmup_cooldown_skips_total",
			Help: "Repair commands suppressed by the per-key cooldown",
		}),

		ViewerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_errors_total",
			Help: "Viewer broadcaster errors",
		}),
		ViewerBuildLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ai_one_smc_viewer_build_latency_ms",
			Help:    "Per-envelope viewer build+publish latency in ms",
			Buckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_http_requests_total",
			Help: "HTTP requests (by path and status)",
		}, []string{"path", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_one_smc_viewer_http_latency_ms",
			Help:    "HTTP handler latency in ms (by path)",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		}, []string{"path"}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_one_smc_viewer_ws_connections",
			Help: "Open WebSocket connections",
		}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_ws_messages_total",
			Help: "WebSocket messages sent (by type)",
		}, []string{"type"}),
		WSErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_one_smc_viewer_ws_errors_total",
			Help: "WebSocket errors (by stage)",
		}, []string{"stage"}),
	}

	prometheus.MustRegister(
		m.BarsIngested,
		m.BarsRejected,
		m.TicksIngested,
		m.WireErrors,
		m.HMACFailures,
		m.Reconnects,
		m.CyclesTotal,
		m.CycleDuration,
		m.EngineErrors,
		m.ScenarioFlips,
		m.HintPreserved,
		m.WarmupCommands,
		m.CooldownSkips,
		m.ViewerErrors,
		m.ViewerBuildLatency,
		m.HTTPRequests,
		m.HTTPLatency,
		m.WSConnections,
		m.WSMessages,
		m.WSErrors,
	)

	return m
}

// HealthStatus tracks service health for /healthz. Never marshalled
// directly; ServeHTTP copies the fields into a healthResponse.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool
	SQLiteOK       bool
	FeedMarket     string
	FeedPrice      string
	FeedOhlcv      string
	LastBarCloseMS int64
	StartedAt      time.Time

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeed(market, price, ohlcv string, lastBarCloseMS int64) {
	h.mu.Lock()
	h.FeedMarket = market
	h.FeedPrice = price
	h.FeedOhlcv = ohlcv
	h.LastBarCloseMS = lastBarCloseMS
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sqlx.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sqlx.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// healthResponse is the /healthz body; a plain DTO so encoding never
// touches the status lock.
type healthResponse struct {
	Status          string    `json:"status"`
	Uptime          string    `json:"uptime"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	FeedMarket      string    `json:"feed_market"`
	FeedPrice       string    `json:"feed_price"`
	FeedOhlcv       string    `json:"feed_ohlcv"`
	LastBarCloseMS  int64     `json:"last_bar_close_ms"`
	StartedAt       time.Time `json:"started_at"`
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	out := healthResponse{
		Status:          "healthy",
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		SQLiteOK:        h.SQLiteOK,
		FeedMarket:      h.FeedMarket,
		FeedPrice:       h.FeedPrice,
		FeedOhlcv:       h.FeedOhlcv,
		LastBarCloseMS:  h.LastBarCloseMS,
		StartedAt:       h.StartedAt,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt,
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if !out.RedisConnected {
		out.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(out)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

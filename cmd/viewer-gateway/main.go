// viewer-gateway is the UI edge service: it rebuilds ViewerStates from
// producer envelopes and serves them over HTTP and WebSocket.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smc-systemv1/config"
	"smc-systemv1/internal/broadcast"
	"smc-systemv1/internal/gateway"
	"smc-systemv1/internal/logger"
	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
	redisstore "smc-systemv1/internal/store/redis"
)

// redisSource serves the broadcaster's persisted snapshot document.
type redisSource struct {
	store *redisstore.Store
	key   string
}

func (s *redisSource) Snapshot(ctx context.Context) (*model.ViewerSnapshot, error) {
	doc, err := s.store.LoadSnapshot(ctx, s.key)
	if err != nil || doc == nil {
		return nil, err
	}
	var snap model.ViewerSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func main() {
	cfg := config.Load()
	logg := logger.Init("viewer-gateway", slog.LevelInfo)

	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	rdb, err := redisstore.New(redisstore.Config{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Namespace: cfg.Namespace,
		MaxBars:   cfg.Contract1mBars,
	})
	if err != nil {
		log.Fatalf("[viewer-gateway] redis init failed: %v", err)
	}
	defer rdb.Close()
	health.StartLivenessChecker(ctx, rdb.Client(), nil, 10*time.Second)

	// ---- Broadcaster: producer envelopes -> per-symbol viewer states ----
	bc := broadcast.New(broadcast.Options{
		StateChannel:     cfg.StateChannel(),
		StateSnapshotKey: cfg.StateSnapshotKey(),
		ViewerChannel:    cfg.ViewerChannel(),
		ViewerSnapshot:   cfg.ViewerSnapshotKey(),
		TargetBars:       cfg.TargetBars,
		MinBars:          cfg.MinHistoryBars,
		ZoneMergeIoU:     cfg.ZoneMergeIoU,
	}, rdb, prom)
	go bc.Run(ctx, rdb)
	logg.Info("broadcaster started",
		"state_channel", cfg.StateChannel(), "viewer_channel", cfg.ViewerChannel())

	src := &redisSource{store: rdb, key: cfg.ViewerSnapshotKey()}

	// ---- WebSocket fan-out ----
	hub := gateway.NewHub(prom)
	go hub.Run(ctx, rdb, cfg.ViewerChannel())
	ws := gateway.NewWSServer(gateway.WSOptions{Addr: cfg.WSAddr}, hub, src, prom)
	ws.Start()

	// ---- HTTP API + static ----
	httpSrv := gateway.NewHTTPServer(gateway.HTTPOptions{
		Addr:         cfg.HTTPAddr,
		WebRoot:      cfg.WebRoot,
		OhlcvEnabled: cfg.OhlcvFramesEnabled,
		AllowedTFs:   cfg.ParseTFs(),
		DefaultTF:    cfg.DefaultTimeframe,
		MinBarsByTF:  cfg.ParseMinBarsByTF(),
	}, src, rdb, prom)
	httpSrv.Start()
	logg.Info("gateway listening", "http", cfg.HTTPAddr, "ws", cfg.WSAddr)

	<-sigCh
	logg.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Stop(shutdownCtx)
	ws.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	logg.Info("shutdown complete")
}

// smcproducer is the data-plane service: broker ingest, feed-state
// tracking, the S3 repair requester, and the per-cycle SMC producer.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"smc-systemv1/config"
	"smc-systemv1/internal/console"
	"smc-systemv1/internal/engine"
	"smc-systemv1/internal/feedstate"
	"smc-systemv1/internal/ingest"
	"smc-systemv1/internal/logger"
	"smc-systemv1/internal/metrics"
	"smc-systemv1/internal/model"
	"smc-systemv1/internal/producer"
	"smc-systemv1/internal/scenario"
	redisstore "smc-systemv1/internal/store/redis"
	sqlitestore "smc-systemv1/internal/store/sqlite"
	"smc-systemv1/internal/warmup"
)

func main() {
	cfg := config.Load()
	logg := logger.Init("smcproducer", slog.LevelInfo)
	logg.Info("starting", "symbols", cfg.FastSymbols, "tfs", cfg.IngestTFs)

	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Stores ----
	rdb, err := redisstore.New(redisstore.Config{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Namespace: cfg.Namespace,
		MaxBars:   cfg.Contract1mBars,
	})
	if err != nil {
		log.Fatalf("[smcproducer] redis init failed: %v", err)
	}
	defer rdb.Close()
	health.CheckRedis(ctx, rdb.Client())

	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	archive, err := sqlitestore.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[smcproducer] sqlite init failed: %v", err)
	}
	defer archive.Close()
	archiveCh := make(chan model.ArchivedBar, 5000)
	go archive.Run(ctx, archiveCh)

	health.StartLivenessChecker(ctx, rdb.Client(), archive.DB(), 10*time.Second)

	// ---- Feed state + ingest ----
	feed := feedstate.New()
	ing := ingest.New(ingest.Options{
		OhlcvChannel:  cfg.OhlcvChannel,
		TickChannel:   cfg.TickChannel,
		StatusChannel: cfg.StatusChannel,
		Symbols:       cfg.ParseSymbols(),
		TFs:           cfg.ParseTFs(),
		HMACSecret:    cfg.HMACSecret,
		HMACAlgo:      cfg.HMACAlgo,
		HMACRequired:  cfg.HMACRequired,
	}, rdb, rdb, feed, archiveCh, prom)
	go ing.Run(ctx, rdb)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := feed.Snapshot()
				health.SetFeed(snap.MarketState, snap.PriceState, snap.OhlcvState, snap.LastBarCloseMS)
			}
		}
	}()

	// ---- S3 repair requester ----
	if cfg.RequesterEnabled {
		req := warmup.New(warmup.Options{
			Symbols:        cfg.ParseSymbols(),
			TFs:            cfg.ParseTFs(),
			Channel:        cfg.RepairChannel(),
			PollInterval:   time.Duration(cfg.RequesterPollSec) * time.Second,
			Cooldown:       time.Duration(cfg.RequesterCooldown) * time.Second,
			DesiredLimit:   cfg.TargetBars,
			Contract1mBars: cfg.Contract1mBars,
			StaleK:         cfg.StaleK,
		}, rdb, feed, rdb, prom)
		go req.Run(ctx)
		logg.Info("s3 requester enabled", "channel", cfg.RepairChannel())
	}

	// ---- Producer ----
	if cfg.PipelineEnabled {
		if cfg.EngineURL == "" {
			log.Fatal("[smcproducer] SMC_ENGINE_URL is required when the pipeline is enabled")
		}
		scn := scenario.DefaultConfig()
		if cfg.ScenarioConfigPath != "" {
			scn, err = scenario.LoadConfig(cfg.ScenarioConfigPath)
			if err != nil {
				log.Fatalf("[smcproducer] scenario config: %v", err)
			}
		}
		eng := engine.NewHTTPClient(cfg.EngineURL, time.Duration(cfg.EngineTimeoutSec)*time.Second)

		prod := producer.New(producer.Options{
			SymbolsFn:    cfg.ParseSymbols,
			TF:           cfg.DefaultTimeframe,
			Interval:     time.Duration(cfg.RefreshInterval) * time.Second,
			BatchSize:    cfg.BatchSize,
			MaxPerCycle:  cfg.MaxAssetsPerCyc,
			BudgetMS:     cfg.CycleBudgetMS,
			MinBars:      cfg.MinHistoryBars,
			TargetBars:   cfg.TargetBars,
			StaleK:       cfg.StaleK,
			StateChannel: cfg.StateChannel(),
			SnapshotKey:  cfg.StateSnapshotKey(),
		}, rdb, rdb, feed, eng, scenario.New(scn), rdb, prom)
		go prod.Run(ctx)
		logg.Info("producer started",
			"tf", cfg.DefaultTimeframe, "interval_sec", cfg.RefreshInterval,
			"state_channel", cfg.StateChannel())
	} else {
		logg.Warn("pipeline disabled, running ingest only")
	}

	// ---- Console status bar (interactive runs only) ----
	stopBar := make(chan struct{})
	if cfg.StatusBarEnabled {
		go console.New(feed).Run(stopBar)
	}

	<-sigCh
	logg.Info("shutdown signal received")
	close(stopBar)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	close(archiveCh)
	logg.Info("shutdown complete")
}

package config

import (
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment
// variables. One struct is shared by both service binaries; each reads the
// fields it needs.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	// Namespace for UI channels/keys, e.g. "ai_one" → "ai_one:ui:smc_state".
	Namespace string

	// Broker channels
	StatusChannel   string
	OhlcvChannel    string
	TickChannel     string
	CommandsChannel string

	// Ingest
	FastSymbols  string // comma-separated allow-list, e.g. "XAUUSD,EURUSD"
	IngestTFs    string // comma-separated tf strings, e.g. "1m,5m,1h"
	HMACSecret   string
	HMACAlgo     string // "sha256" (default) or "sha1"
	HMACRequired bool

	// Feed state
	StaleLagSeconds int // FXCM_STALE_LAG_SECONDS

	// Producer (C6)
	PipelineEnabled  bool
	RuntimeLimit     int  // desired bars per tail
	RuntimeEnabled   bool // engine invocation
	BatchSize        int  // SMC_BATCH_SIZE
	MaxAssetsPerCyc  int  // SMC_MAX_ASSETS_PER_CYCLE; 0 = no cap
	RefreshInterval  int  // SMC_REFRESH_INTERVAL seconds
	CycleBudgetMS    int64
	MinReadyPct      float64
	DefaultTimeframe string
	DefaultLookback  int
	MinHistoryBars   int
	TargetBars       int
	Contract1mBars   int // broker contract size in 1m bars
	EngineURL        string
	EngineTimeoutSec int

	// S2 / S3
	StaleK            float64
	RequesterEnabled  bool
	RequesterPollSec  int
	RequesterCooldown int // seconds
	S3CommandsChannel string

	// Scenario (Stage6) tuning; optionally overlaid from a YAML file.
	ScenarioConfigPath string

	// Viewer / gateway
	ViewerChannelSuffix  string // default "ui:smc_viewer_extended"
	ViewerSnapshotSuffix string // default "ui:smc_viewer_snapshot"
	StateChannelSuffix   string // default "ui:smc_state"
	StateSnapshotSuffix  string // default "ui:smc_snapshot"
	HTTPAddr             string
	WSAddr               string
	WebRoot              string
	ZoneMergeIoU         float64
	OhlcvFramesEnabled   bool
	OhlcvFramesMinBars   string // "1m:300,5m:200"

	// Console
	StatusBarEnabled bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		Namespace: getEnv("SMC_NAMESPACE", "ai_one"),

		StatusChannel:   getEnv("FXCM_STATUS_CHANNEL", "fxcm:status"),
		OhlcvChannel:    getEnv("FXCM_OHLCV_CHANNEL", "fxcm:ohlcv"),
		TickChannel:     getEnv("FXCM_TICK_CHANNEL", "fxcm:price_tik"),
		CommandsChannel: getEnv("FXCM_COMMANDS_CHANNEL", "fxcm:commands"),

		FastSymbols:  getEnv("SMC_FAST_SYMBOLS", "XAUUSD,EURUSD,GBPUSD"),
		IngestTFs:    getEnv("SMC_INGEST_TFS", "1m,5m,15m,1h,4h"),
		HMACSecret:   getEnv("FXCM_HMAC_SECRET", ""),
		HMACAlgo:     getEnv("FXCM_HMAC_ALGO", "sha256"),
		HMACRequired: getEnvBool("FXCM_HMAC_REQUIRED", false),

		StaleLagSeconds: getEnvInt("FXCM_STALE_LAG_SECONDS", 180),

		PipelineEnabled:  getEnvBool("SMC_PIPELINE_ENABLED", true),
		RuntimeLimit:     getEnvInt("SMC_RUNTIME_LIMIT", 300),
		RuntimeEnabled:   getEnvBool("SMC_RUNTIME_ENABLED", true),
		BatchSize:        getEnvInt("SMC_BATCH_SIZE", 4),
		MaxAssetsPerCyc:  getEnvInt("SMC_MAX_ASSETS_PER_CYCLE", 8),
		RefreshInterval:  getEnvInt("SMC_REFRESH_INTERVAL", 15),
		CycleBudgetMS:    int64(getEnvInt("SMC_CYCLE_BUDGET_MS", 10000)),
		MinReadyPct:      getEnvFloat("MIN_READY_PCT", 0.5),
		DefaultTimeframe: getEnv("DEFAULT_TIMEFRAME", "5m"),
		DefaultLookback:  getEnvInt("DEFAULT_LOOKBACK", 300),
		MinHistoryBars:   getEnvInt("SMC_MIN_HISTORY_BARS", 120),
		TargetBars:       getEnvInt("SMC_TARGET_BARS", 300),
		Contract1mBars:   getEnvInt("FXCM_CONTRACT_1M_BARS", 2000),
		EngineURL:        getEnv("SMC_ENGINE_URL", ""),
		EngineTimeoutSec: getEnvInt("SMC_ENGINE_TIMEOUT_SEC", 10),

		StaleK:            getEnvFloat("SMC_S2_STALE_K", 3.0),
		RequesterEnabled:  getEnvBool("SMC_S3_REQUESTER_ENABLED", true),
		RequesterPollSec:  getEnvInt("SMC_S3_POLL_SEC", 60),
		RequesterCooldown: getEnvInt("SMC_S3_COOLDOWN_SEC", 900),
		S3CommandsChannel: getEnv("SMC_S3_COMMANDS_CHANNEL", ""),

		ScenarioConfigPath: getEnv("SMC_SCENARIO_CONFIG", ""),

		ViewerChannelSuffix:  getEnv("SMC_VIEWER_CHANNEL", "ui:smc_viewer_extended"),
		ViewerSnapshotSuffix: getEnv("SMC_VIEWER_SNAPSHOT_KEY", "ui:smc_viewer_snapshot"),
		StateChannelSuffix:   getEnv("SMC_STATE_CHANNEL", "ui:smc_state"),
		StateSnapshotSuffix:  getEnv("SMC_STATE_SNAPSHOT_KEY", "ui:smc_snapshot"),
		HTTPAddr:             getEnv("SMC_VIEWER_HTTP_ADDR", ":8787"),
		WSAddr:               getEnv("SMC_VIEWER_WS_ADDR", ":8788"),
		WebRoot:              getEnv("SMC_VIEWER_WEB_ROOT", "web"),
		ZoneMergeIoU:         getEnvFloat("SMC_VIEWER_ZONE_MERGE_IOU", 0.4),
		OhlcvFramesEnabled:   getEnvBool("SMC_VIEWER_OHLCV_FRAMES_BY_TF_ENABLED", true),
		OhlcvFramesMinBars:   getEnv("SMC_VIEWER_OHLCV_FRAMES_MIN_BARS_BY_TF", ""),

		StatusBarEnabled: getEnvBool("SMC_CONSOLE_STATUS_BAR_ENABLED", false),
	}
}

// StateChannel returns "<ns>:ui:smc_state".
func (c *Config) StateChannel() string { return c.Namespace + ":" + c.StateChannelSuffix }

// StateSnapshotKey returns "<ns>:ui:smc_snapshot".
func (c *Config) StateSnapshotKey() string { return c.Namespace + ":" + c.StateSnapshotSuffix }

// ViewerChannel returns "<ns>:ui:smc_viewer_extended".
func (c *Config) ViewerChannel() string { return c.Namespace + ":" + c.ViewerChannelSuffix }

// ViewerSnapshotKey returns "<ns>:ui:smc_viewer_snapshot".
func (c *Config) ViewerSnapshotKey() string { return c.Namespace + ":" + c.ViewerSnapshotSuffix }

// RepairChannel is where S3 publishes commands: the S3 override when set,
// else the broker commands channel.
func (c *Config) RepairChannel() string {
	if c.S3CommandsChannel != "" {
		return c.S3CommandsChannel
	}
	return c.CommandsChannel
}

// ParseSymbols parses the fast-symbols allow-list, upper-cased and sorted
// deterministically.
func (c *Config) ParseSymbols() []string {
	return parseList(c.FastSymbols, strings.ToUpper)
}

// ParseTFs parses the ingest timeframe list.
func (c *Config) ParseTFs() []string {
	return parseList(c.IngestTFs, strings.ToLower)
}

// ParseMinBarsByTF parses "1m:300,5m:200" into a map.
func (c *Config) ParseMinBarsByTF() map[string]int {
	out := make(map[string]int)
	for _, part := range strings.Split(c.OhlcvFramesMinBars, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			log.Printf("[config] skipping invalid min-bars entry: %q", part)
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid min-bars value: %q", part)
			continue
		}
		out[strings.ToLower(strings.TrimSpace(kv[0]))] = n
	}
	return out
}

func parseList(raw string, norm func(string) string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = norm(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("[config] %s must be an integer, got %q", key, v)
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("[config] %s must be a number, got %q", key, v)
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Fatalf("[config] %s must be a boolean, got %q", key, v)
	return fallback
}

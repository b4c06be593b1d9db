// Package config loads the engine's runtime configuration from the
// environment (and an optional .env file) into a typed Config struct.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable knob described in spec §4/§6. Defaults are
// conservative (dry-run, small size, tight circuit breakers) so an operator
// who forgets to configure something fails safe rather than fails loud.
type Config struct {
	// Venue / credentials
	BinanceAPIKey    string
	BinanceAPISecret string
	UseTestnet       bool

	// Scanner (§4.2)
	ScanTopN         int
	MaxSymbols       int
	MinVolume24hUSD  float64
	Whitelist        []string
	DynamicWhitelist bool
	DynamicTopK      int

	// Risk manager (§4.4)
	RiskPerTradePct    float64
	MaxPositions       int
	ReversalExtraPct   float64
	MaxMarginPerPosPct float64
	MaxPortfolioRisk   float64
	DCAReservePct      float64
	ATRStopMult        float64
	ATRStopMinPct      float64
	ATRStopMaxPct      float64
	CrossMarginScore   float64
	DefaultLeverage    int
	MaxLeverage        int
	DailyLossLimitPct  float64
	ConsecutiveStopOut int
	CooldownHours      float64
	HeartbeatCooldown  time.Duration

	// Order executor (§4.5)
	OrderTimeoutSec    int
	UsePostOnly        bool
	AllowMarketFallback bool
	DepthFloorUSD      float64
	HeadroomMinPct     float64
	ReduceStepPct      float64
	DynamicTPEnabled   bool

	// Position monitor (§4.6)
	BreakevenThresholdPct  float64
	TrailingActivationPct  float64
	TrailingCallbackMinPct float64
	TrailingCallbackMaxPct float64
	FundingExitWindowMin   float64
	FundingExitMinProfit   float64
	FundingAdverseRate     float64
	TimeExitHours          float64
	MonitorPollInterval    time.Duration
	MaxDCARungs            int

	// Orchestrator (§4.7)
	CycleInterval    time.Duration
	DryRun           bool
	SupervisorWindow time.Duration
	MaxRestarts      int

	// Ops
	Port               int
	FirestoreCredsFile string
	FirestoreProjectID string
	TelegramBotToken   string
	TelegramChatID     int64
}

// Load reads .env (if present) then the process environment into a Config
// with sane, safety-first defaults for anything left unset.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, relying on process environment")
	}

	return &Config{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: firstNonEmpty(os.Getenv("BINANCE_API_SECRET"), os.Getenv("BINANCE_SECRET_KEY")),
		UseTestnet:       getBool("USE_TESTNET", true),

		ScanTopN:         getInt("SCAN_TOP_N", 800),
		MaxSymbols:       getInt("MAX_SYMBOLS", 80),
		MinVolume24hUSD:  getFloat("MIN_VOLUME_24H_USD", 5_000_000),
		Whitelist:        getList("SYMBOL_WHITELIST"),
		DynamicWhitelist: getBool("DYNAMIC_WHITELIST", false),
		DynamicTopK:      getInt("DYNAMIC_WHITELIST_TOP_K", 5),

		RiskPerTradePct:    getFloat("RISK_PER_TRADE_PCT", 0.014),
		MaxPositions:       getInt("MAX_POSITIONS", 6),
		ReversalExtraPct:   getFloat("REVERSAL_EXTRA_PCT", 0.5),
		MaxMarginPerPosPct: getFloat("MAX_MARGIN_PER_POSITION_PCT", 0.20),
		MaxPortfolioRisk:   getFloat("MAX_PORTFOLIO_RISK_PCT", 0.10),
		DCAReservePct:      getFloat("DCA_RESERVE_PCT", 0.20),
		ATRStopMult:        getFloat("ATR_STOP_MULT", 1.5),
		ATRStopMinPct:      getFloat("ATR_STOP_MIN_PCT", 0.004),
		ATRStopMaxPct:      getFloat("ATR_STOP_MAX_PCT", 0.03),
		CrossMarginScore:   getFloat("CROSS_MARGIN_SCORE", 85),
		DefaultLeverage:    getInt("DEFAULT_LEVERAGE", 10),
		MaxLeverage:        getInt("MAX_LEVERAGE", 20),
		DailyLossLimitPct:  getFloat("DAILY_LOSS_LIMIT_PCT", 0.05),
		ConsecutiveStopOut: getInt("CONSECUTIVE_STOPOUT_LIMIT", 3),
		CooldownHours:      getFloat("CIRCUIT_BREAKER_COOLDOWN_HOURS", 4),
		HeartbeatCooldown:  getDuration("HEARTBEAT_COOLDOWN_SEC", 120*time.Second),

		OrderTimeoutSec:     getInt("ORDER_TIMEOUT_SEC", 8),
		UsePostOnly:         getBool("USE_POST_ONLY", true),
		AllowMarketFallback: getBool("ALLOW_MARKET_FALLBACK", true),
		DepthFloorUSD:       getFloat("DEPTH_FLOOR_USD", 100_000),
		HeadroomMinPct:      getFloat("HEADROOM_MIN_PCT", 0.15),
		ReduceStepPct:       getFloat("REDUCE_STEP_PCT", 0.25),
		DynamicTPEnabled:    getBool("DYNAMIC_TP_ENABLED", true),

		BreakevenThresholdPct:  getFloat("BREAKEVEN_THRESHOLD_PCT", 0.08),
		TrailingActivationPct:  getFloat("TRAILING_ACTIVATION_PCT", 0.15),
		TrailingCallbackMinPct: getFloat("TRAILING_CALLBACK_MIN_PCT", 0.005),
		TrailingCallbackMaxPct: getFloat("TRAILING_CALLBACK_MAX_PCT", 0.03),
		FundingExitWindowMin:   getFloat("FUNDING_EXIT_WINDOW_MIN", 30),
		FundingExitMinProfit:   getFloat("FUNDING_EXIT_MIN_PROFIT_PCT", 0.005),
		FundingAdverseRate:     getFloat("FUNDING_ADVERSE_RATE_PCT", 0.0008),
		TimeExitHours:          getFloat("TIME_EXIT_HOURS", 6),
		MonitorPollInterval:    getDuration("MONITOR_POLL_INTERVAL_SEC", 3*time.Second),
		MaxDCARungs:            getInt("MAX_DCA_RUNGS", 3),

		CycleInterval:    getDuration("CYCLE_INTERVAL_SEC", 300*time.Second),
		DryRun:           getBool("DRY_RUN", true),
		SupervisorWindow: getDuration("SUPERVISOR_WINDOW_SEC", 900*time.Second),
		MaxRestarts:      getInt("SUPERVISOR_MAX_RESTARTS", 3),

		Port:               getInt("PORT", 8080),
		FirestoreCredsFile: os.Getenv("FIRESTORE_CREDENTIALS_FILE"),
		FirestoreProjectID: os.Getenv("FIRESTORE_PROJECT_ID"),
		TelegramBotToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:     getInt64("TELEGRAM_CHAT_ID", 0),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func getList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToUpper(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

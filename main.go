package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"apexperp/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.Println("engine starting")

	cfg := config.Load()

	gateway := NewGateway(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.UseTestnet, cfg.DryRun)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	notifier := NewNotifier(cfg.TelegramBotToken, fmt.Sprintf("%d", cfg.TelegramChatID))
	if notifier != nil {
		notifier.send("engine restarted, dry_run=" + boolStr(cfg.DryRun))
	}

	store := newStore(cfg)

	locks := NewSymbolLockTable()
	mi := NewMarketIntelligenceOverlay(gateway, NewLiquidationTracker(10*time.Minute))
	generator := NewSignalGenerator(gateway, mi, metrics)

	filter := NewFilterChain(nil, nil, 50)
	cb := NewCircuitBreaker(cfg.DailyLossLimitPct, cfg.ConsecutiveStopOut,
		time.Duration(cfg.CooldownHours*float64(time.Hour)), cfg.HeartbeatCooldown)

	rc := riskConfig{
		RiskPerTradePct: cfg.RiskPerTradePct, MaxPositions: cfg.MaxPositions,
		ReversalExtraPct: cfg.ReversalExtraPct, MaxMarginPerPosPct: cfg.MaxMarginPerPosPct,
		MaxPortfolioRisk: cfg.MaxPortfolioRisk, DCAReservePct: cfg.DCAReservePct,
		ATRStopMinPct: cfg.ATRStopMinPct, ATRStopMaxPct: cfg.ATRStopMaxPct, ATRStopMult: cfg.ATRStopMult,
		CrossMarginScore: cfg.CrossMarginScore, DefaultLeverage: cfg.DefaultLeverage, MaxLeverage: cfg.MaxLeverage,
	}
	risk := NewRiskManager(rc, filter, cb)

	executor := NewExecutor(gateway, store, notifier, metrics, ExecutorConfig{
		OrderTimeout:        time.Duration(cfg.OrderTimeoutSec) * time.Second,
		UsePostOnly:         cfg.UsePostOnly,
		AllowMarketFallback: cfg.AllowMarketFallback,
		DepthFloorUSD:       cfg.DepthFloorUSD,
		HeadroomMinPct:      cfg.HeadroomMinPct,
		ReduceStepPct:       cfg.ReduceStepPct,
		DynamicTPEnabled:    cfg.DynamicTPEnabled,
	})

	monitor := NewPositionMonitor(gateway, executor, risk, store, notifier, metrics, locks, PositionMonitorConfig{
		PollInterval:           cfg.MonitorPollInterval,
		BreakevenThresholdPct:  cfg.BreakevenThresholdPct,
		TrailingActivationPct:  cfg.TrailingActivationPct,
		TrailingCallbackMinPct: cfg.TrailingCallbackMinPct,
		TrailingCallbackMaxPct: cfg.TrailingCallbackMaxPct,
		FundingExitWindowMin:   cfg.FundingExitWindowMin,
		FundingExitMinProfit:   cfg.FundingExitMinProfit,
		FundingAdverseRate:     cfg.FundingAdverseRate,
		TimeExitHours:          cfg.TimeExitHours,
		MaxDCARungs:            cfg.MaxDCARungs,
		DCAReservePct:          cfg.DCAReservePct,
		EmergencyLossPct:       0.5,
	})

	orch := NewOrchestrator(gateway, generator, risk, executor, monitor, locks, metrics, notifier, OrchestratorConfig{
		CycleInterval:   cfg.CycleInterval,
		MaxSymbols:      cfg.MaxSymbols,
		ScanTopN:        cfg.ScanTopN,
		MinVolume24hUSD: cfg.MinVolume24hUSD,
		Whitelist:       cfg.Whitelist,
	}, cfg.DryRun)

	controller := NewController(orch, monitor, executor, gateway, risk, locks)

	stream := NewUserDataStream(cfg.BinanceAPIKey, cfg.UseTestnet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := NewSupervisor(cfg.SupervisorWindow, cfg.MaxRestarts, func(task string) {
		log.Printf("engine: %s exhausted its restart budget, pausing", task)
		orch.Pause()
		if notifier != nil {
			notifier.NotifySupervisorBudgetExhausted(task)
		}
	})

	// monitorCtl/streamCtl each own the cancel func for their task's
	// currently-running goroutine, so a supervisor restart always
	// cancels the stale task before starting a fresh one instead of
	// leaving it running alongside the replacement. The orchestrator's
	// lifecycle is owned exclusively by controller (Start/Stop) -
	// nothing else ever calls orch.Run directly.
	var monitorCtl, streamCtl lifecycleHandle

	startMonitor := func() {
		monitorCtl.restart(ctx, monitor.Run)
	}
	startStream := func() {
		streamCtl.restart(ctx, stream.Run)
	}

	startMonitor()
	startStream()
	go supervisor.Run(ctx)

	monitorEvents, unsubMonitor := stream.Subscribe()
	riskEvents, unsubRisk := stream.Subscribe()
	defer unsubMonitor()
	defer unsubRisk()
	go func() {
		for ev := range monitorEvents {
			monitor.HandleStreamEvent(ctx, ev)
		}
	}()
	go func() {
		for ev := range riskEvents {
			risk.HandleStreamEvent(ev)
		}
	}()

	supervisor.Watch(&WatchedTask{
		Name: "orchestrator", Heartbeat: orch.Heartbeat, StaleAfter: 3 * cfg.CycleInterval,
		Restart: func(ctx context.Context) {
			if notifier != nil {
				notifier.NotifySupervisorRestart("orchestrator")
			}
			_ = controller.Stop()
			if err := controller.Start(ctx, cfg.DryRun); err != nil {
				log.Printf("engine: orchestrator restart: %v", err)
			}
		},
	})
	supervisor.Watch(&WatchedTask{
		Name: "position_monitor", Heartbeat: monitor.Heartbeat, StaleAfter: 10 * cfg.MonitorPollInterval,
		Restart: func(ctx context.Context) {
			if notifier != nil {
				notifier.NotifySupervisorRestart("position_monitor")
			}
			startMonitor()
		},
	})
	supervisor.Watch(&WatchedTask{
		Name: "user_data_stream", Heartbeat: stream.Heartbeat, StaleAfter: 5 * time.Minute,
		Restart: func(ctx context.Context) {
			if notifier != nil {
				notifier.NotifySupervisorRestart("user_data_stream")
			}
			startStream()
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"state":  string(orch.State()),
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	registerControlRoutes(mux, controller)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Printf("http listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	if err := controller.Start(ctx, cfg.DryRun); err != nil {
		log.Printf("engine: controller start: %v", err)
	}

	<-ctx.Done()
	log.Println("engine: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	_ = controller.Stop()
	time.Sleep(500 * time.Millisecond)
	log.Println("engine: stopped")
}

func newStore(cfg *config.Config) PersistenceStore {
	if cfg.FirestoreCredsFile == "" || cfg.FirestoreProjectID == "" {
		log.Println("engine: no firestore configuration, using in-memory persistence (degraded mode)")
		return NewMemoryStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fs, err := NewFirestoreStore(ctx, cfg.FirestoreProjectID, cfg.FirestoreCredsFile)
	if err != nil {
		log.Printf("engine: firestore init failed, falling back to in-memory persistence: %v", err)
		return NewMemoryStore()
	}
	return fs
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

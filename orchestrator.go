package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// OrchestratorState mirrors spec §4.7's state machine.
type OrchestratorState string

const (
	StateStopped  OrchestratorState = "STOPPED"
	StateStarting OrchestratorState = "STARTING"
	StateRunning  OrchestratorState = "RUNNING"
	StatePaused   OrchestratorState = "PAUSED"
	StateStopping OrchestratorState = "STOPPING"
)

// CycleSummary is emitted at the end of every cycle (spec §7
// user-visible behavior: "a cycle always completes with a summary").
type CycleSummary struct {
	StartedAt     time.Time
	Duration      time.Duration
	Scanned       int
	SignalsEmitted int
	Admitted      int
	Executed      int
	RejectedByReason map[RejectionReason]int
}

// Orchestrator owns the cycle loop. Grounded on main()'s service wiring
// and PredatorEngine.Start/startWorker/PredatorWorker.Run's per-symbol
// worker-pool pattern, re-targeted from "one worker per whale-tape symbol
// forever" to "one bounded-concurrency cycle per orchestrator tick" (spec
// §4.7/§5).
type Orchestrator struct {
	gateway   *Gateway
	generator *SignalGenerator
	risk      *RiskManager
	executor  *Executor
	monitor   *PositionMonitor
	locks     *SymbolLockTable
	metrics   *Metrics
	notifier  *Notifier

	cfg OrchestratorConfig

	mu       sync.Mutex
	state    OrchestratorState
	lastBeat time.Time
	dryRun   bool
}

type OrchestratorConfig struct {
	CycleInterval   time.Duration
	MaxSymbols      int
	ScanTopN        int
	MinVolume24hUSD float64
	Whitelist       []string
}

func NewOrchestrator(gw *Gateway, gen *SignalGenerator, rm *RiskManager, ex *Executor, mon *PositionMonitor, locks *SymbolLockTable, metrics *Metrics, notifier *Notifier, cfg OrchestratorConfig, dryRun bool) *Orchestrator {
	return &Orchestrator{
		gateway: gw, generator: gen, risk: rm, executor: ex, monitor: mon, locks: locks,
		metrics: metrics, notifier: notifier, cfg: cfg, state: StateStopped, lastBeat: time.Now(), dryRun: dryRun,
	}
}

func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s OrchestratorState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) Heartbeat() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastBeat
}

// Run drives the serialized cycle loop until ctx is cancelled (spec
// §4.7/§5: cycles never overlap; cycle N+1 never starts before cycle N
// has emitted all trade records).
func (o *Orchestrator) Run(ctx context.Context) {
	o.setState(StateStarting)
	if err := o.gateway.RefreshFilters(ctx); err != nil {
		log.Printf("orchestrator: initial filter refresh failed: %v", err)
	}
	o.setState(StateRunning)

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.setState(StateStopping)
			o.drain()
			o.setState(StateStopped)
			return
		case <-ticker.C:
			// refreshBreaker must run on every tick regardless of state: it
			// is the only path back from PAUSED to RUNNING once the
			// circuit breaker's cooldown elapses (spec §4.4/§8 scenario 4),
			// and runCycle below never executes while paused.
			o.refreshBreaker(ctx)
			if o.State() != StateRunning {
				continue
			}
			o.runCycle(ctx)
		}
	}
}

// refreshBreaker pulls the latest capital snapshot, feeds it to the risk
// manager (which re-evaluates and, once the cooldown window has passed,
// clears the circuit breaker), and drives the PAUSED<->RUNNING transition
// the breaker owns.
func (o *Orchestrator) refreshBreaker(ctx context.Context) {
	snap, err := o.gateway.AccountSnapshot(ctx)
	if err != nil {
		return
	}
	o.risk.UpdateSnapshot(snap)
	if o.metrics != nil {
		o.metrics.MarginUtilization.Set(snap.MarginUtilization())
		o.metrics.recordZone(snap.Zone())
	}

	tripped, reason := o.risk.cb.Tripped()
	if o.metrics != nil {
		v := 0.0
		if tripped {
			v = 1.0
		}
		o.metrics.CircuitBreakerTripped.Set(v)
	}

	switch {
	case tripped && o.State() == StateRunning:
		log.Printf("orchestrator: pausing due to circuit breaker (%s)", reason)
		o.Pause()
		if o.notifier != nil {
			o.notifier.NotifyCircuitBreakerTripped(reason)
		}
	case !tripped && o.State() == StatePaused:
		o.Resume()
	}
}

// runCycle executes one scan -> signals -> filter -> admit -> execute
// pass and always emits a CycleSummary, win or lose (spec §7).
func (o *Orchestrator) runCycle(ctx context.Context) {
	started := time.Now()
	o.mu.Lock()
	o.lastBeat = started
	o.mu.Unlock()

	summary := CycleSummary{StartedAt: started, RejectedByReason: make(map[RejectionReason]int)}

	tickers, err := o.gateway.Top24hTickers(ctx)
	if err != nil {
		log.Printf("orchestrator: scan failed: %v", err)
		summary.Duration = time.Since(started)
		o.logSummary(summary)
		return
	}
	candidates := o.selectCandidates(tickers)
	summary.Scanned = len(candidates)

	signals := o.generator.GenerateAll(ctx, candidates, o.cfg.MaxSymbols)
	summary.SignalsEmitted = len(signals)

	// the capital snapshot and circuit breaker were already refreshed by
	// refreshBreaker immediately before this cycle was allowed to start.

	openSymbols := o.monitor.OpenSymbols()
	if o.metrics != nil {
		o.metrics.OpenPositions.Set(float64(len(openSymbols)))
	}

	for _, sig := range signals {
		decision := o.risk.Evaluate(sig, openSymbols)
		if !decision.Admit {
			summary.RejectedByReason[decision.Reason]++
			continue
		}
		summary.Admitted++

		if o.dryRun {
			summary.Executed++
			o.risk.ReleaseSlot(sig.Symbol, PositionMetadata{SignalType: sig.SignalType})
			continue
		}

		unlock := o.locks.Lock(sig.Symbol)
		pos, err := o.executor.Execute(ctx, sig, decision)
		unlock()
		if err != nil {
			log.Printf("orchestrator: execution failed for %s: %v", sig.Symbol, err)
			o.risk.ReleaseSlot(sig.Symbol, PositionMetadata{SignalType: sig.SignalType})
			continue
		}
		summary.Executed++
		o.monitor.Track(pos)
	}

	summary.Duration = time.Since(started)
	o.logSummary(summary)
	if o.metrics != nil {
		o.metrics.CycleDuration.Observe(summary.Duration.Seconds())
		o.metrics.CyclesRun.Inc()
	}

	if summary.Duration > 2*o.cfg.CycleInterval {
		log.Printf("orchestrator: cycle took %s, exceeding 2x interval budget", summary.Duration)
	}
}

// selectCandidates applies the volume floor, whitelist, and max_symbols
// cap with deterministic descending-volume / lexicographic tie-break
// (spec §4.2).
func (o *Orchestrator) selectCandidates(tickers []Ticker24h) []Ticker24h {
	allowed := make(map[string]bool, len(o.cfg.Whitelist))
	for _, s := range o.cfg.Whitelist {
		allowed[s] = true
	}

	filtered := make([]Ticker24h, 0, len(tickers))
	for _, t := range tickers {
		if len(allowed) > 0 && !allowed[t.Symbol] {
			continue
		}
		if t.QuoteVolume < o.cfg.MinVolume24hUSD {
			continue
		}
		filtered = append(filtered, t)
	}

	sortTickersByVolumeDesc(filtered)

	if o.cfg.ScanTopN > 0 && len(filtered) > o.cfg.ScanTopN {
		filtered = filtered[:o.cfg.ScanTopN]
	}
	if o.cfg.MaxSymbols > 0 && len(filtered) > o.cfg.MaxSymbols {
		filtered = filtered[:o.cfg.MaxSymbols]
	}
	return filtered
}

func sortTickersByVolumeDesc(t []Ticker24h) {
	for i := 1; i < len(t); i++ {
		for j := i; j > 0; j-- {
			a, b := t[j-1], t[j]
			if a.QuoteVolume < b.QuoteVolume || (a.QuoteVolume == b.QuoteVolume && a.Symbol > b.Symbol) {
				t[j-1], t[j] = t[j], t[j-1]
				continue
			}
			break
		}
	}
}

func (o *Orchestrator) logSummary(s CycleSummary) {
	log.Printf("cycle: scanned=%d signals=%d admitted=%d executed=%d rejections=%v duration=%s",
		s.Scanned, s.SignalsEmitted, s.Admitted, s.Executed, s.RejectedByReason, s.Duration)
}

// drain logs and waits a fixed 200ms on shutdown. It cancels no orders
// and does not wait for per-symbol work to finish; already-placed orders
// remain owned by the monitor going forward.
func (o *Orchestrator) drain() {
	log.Println("orchestrator: draining in-flight work before stop")
	time.Sleep(200 * time.Millisecond)
}

// Pause/Resume implement the PAUSED transitions the circuit breaker and
// control surface both drive (spec §4.7).
func (o *Orchestrator) Pause() {
	o.setState(StatePaused)
}

func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state == StatePaused {
		o.state = StateRunning
	}
	o.mu.Unlock()
}

func (o *Orchestrator) Stop() {
	o.setState(StateStopping)
}

// SetDryRun toggles dry-run mode for the next started run (spec §6
// start(dry_run?)).
func (o *Orchestrator) SetDryRun(v bool) {
	o.mu.Lock()
	o.dryRun = v
	o.mu.Unlock()
}

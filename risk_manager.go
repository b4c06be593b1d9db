package main

import (
	"log"
	"math"
	"sync"
	"time"
)

// FilterChain runs the pre-admission market/correlation/blacklist checks.
// Grounded on signal_filter.go's weighted-threshold Validate method; that
// teacher method bundled volume-ratio, cluster and priority-override
// logic into one pass; Run keeps one pass but orders it as four named
// checks: blacklist, duplicate symbol, correlation, score floor.
type FilterChain struct {
	mu         sync.RWMutex
	blacklist  map[string]bool
	correlated map[string][]string // symbol -> symbols it's considered correlated with
	minScore   float64
}

func NewFilterChain(blacklist []string, correlated map[string][]string, minScore float64) *FilterChain {
	bl := make(map[string]bool, len(blacklist))
	for _, s := range blacklist {
		bl[s] = true
	}
	return &FilterChain{blacklist: bl, correlated: correlated, minScore: minScore}
}

// Run checks sig against the blacklist, the correlation set of already-open
// symbols, and the configured market floor. Returns nil if sig passes.
func (f *FilterChain) Run(sig Signal, openSymbols map[string]bool) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.blacklist[sig.Symbol] {
		return &DomainRejection{Symbol: sig.Symbol, Reason: RejectBlacklist}
	}
	if openSymbols[sig.Symbol] {
		return &DomainRejection{Symbol: sig.Symbol, Reason: RejectDuplicateSymbol}
	}
	for _, corr := range f.correlated[sig.Symbol] {
		if openSymbols[corr] {
			return &DomainRejection{Symbol: sig.Symbol, Reason: RejectCorrelation, Detail: "correlated with open " + corr}
		}
	}
	if sig.Score < f.minScore {
		return &DomainRejection{Symbol: sig.Symbol, Reason: RejectLowVolume, Detail: "below market floor"}
	}
	return nil
}

func (f *FilterChain) SetBlacklist(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklist = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		f.blacklist[s] = true
	}
}

func (f *FilterChain) SetMinScore(minScore float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minScore = minScore
}

// SlotBuckets tracks the two independent trend/reversal counters (spec
// §4.4), keyed by symbol so a close can be decremented idempotently.
type SlotBuckets struct {
	mu       sync.Mutex
	trend    map[string]bool
	reversal map[string]bool
}

func NewSlotBuckets() *SlotBuckets {
	return &SlotBuckets{trend: make(map[string]bool), reversal: make(map[string]bool)}
}

func (b *SlotBuckets) Counts() (trendOpen, reversalOpen int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.trend), len(b.reversal)
}

// TryAdmit reserves a slot for symbol under signalType if capacity
// allows, returning false if the relevant bucket is full. A full trend
// bucket never blocks reversal admission and vice versa (spec §4.4).
func (b *SlotBuckets) TryAdmit(symbol string, st SignalType, maxTrend, maxReversal int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch st {
	case SignalTrend:
		if len(b.trend) >= maxTrend {
			return false
		}
		b.trend[symbol] = true
	case SignalReversal:
		if len(b.reversal) >= maxReversal {
			return false
		}
		b.reversal[symbol] = true
	}
	return true
}

// Release removes symbol from the bucket named by st. On position close
// st comes from the persisted metadata (see ReleaseSlot and the
// monitor's closeOut).
func (b *SlotBuckets) Release(symbol string, st SignalType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch st {
	case SignalTrend:
		delete(b.trend, symbol)
	case SignalReversal:
		delete(b.reversal, symbol)
	}
}

// CircuitBreaker tracks the conditions that pause admissions while letting
// the monitor keep managing existing positions. Grounded on
// ExecutionService's dailyLoss/consecutiveLosses/chaosModeUntil kill
// switch, generalized into a named state machine instead of three ad hoc
// fields checked inline before every trade.
type CircuitBreaker struct {
	mu                sync.Mutex
	dailyLossLimitPct float64
	consecutiveLimit  int
	cooldown          time.Duration
	heartbeatCooldown time.Duration

	consecutiveStops int
	tripped          bool
	trippedUntil     time.Time
	lastHeartbeat    time.Time
	reason           string
}

func NewCircuitBreaker(dailyLossLimitPct float64, consecutiveLimit int, cooldown, heartbeatCooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		dailyLossLimitPct: dailyLossLimitPct,
		consecutiveLimit:  consecutiveLimit,
		cooldown:          cooldown,
		heartbeatCooldown: heartbeatCooldown,
		lastHeartbeat:     time.Now(),
	}
}

func (c *CircuitBreaker) Heartbeat(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

// Evaluate checks all trip conditions against the latest capital snapshot
// and day-start balance, tripping the breaker if any fires.
func (c *CircuitBreaker) Evaluate(now time.Time, snap CapitalSnapshot, dayStartBalance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tripped && now.Before(c.trippedUntil) {
		return
	}
	if c.tripped && !now.Before(c.trippedUntil) {
		c.tripped = false
		c.reason = ""
		c.consecutiveStops = 0
	}

	dayPnL := snap.TotalWallet + snap.UnrealizedPnL - dayStartBalance
	if dayStartBalance > 0 && dayPnL/dayStartBalance <= -c.dailyLossLimitPct {
		c.trip(now, "daily_loss_limit")
		return
	}
	if c.consecutiveStops >= c.consecutiveLimit {
		c.trip(now, "consecutive_stopouts")
		return
	}
	if now.Sub(c.lastHeartbeat) > c.heartbeatCooldown {
		c.trip(now, "heartbeat_stale")
		return
	}
}

func (c *CircuitBreaker) trip(now time.Time, reason string) {
	if c.tripped {
		return
	}
	c.tripped = true
	c.reason = reason
	c.trippedUntil = now.Add(c.cooldown)
	log.Printf("risk_manager: circuit breaker tripped (%s), cooldown until %s", reason, c.trippedUntil)
}

func (c *CircuitBreaker) RecordTradeResult(win bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if win {
		c.consecutiveStops = 0
	} else {
		c.consecutiveStops++
	}
}

func (c *CircuitBreaker) Tripped() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripped, c.reason
}

// TripNow trips the breaker immediately for an out-of-band signal (a
// venue margin-call push over the user-data stream), bypassing the
// periodic Evaluate cadence.
func (c *CircuitBreaker) TripNow(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trip(time.Now(), reason)
}

// RiskDecision is the risk manager's admit/reject verdict for one signal.
type RiskDecision struct {
	Admit      bool
	Reason     RejectionReason
	Detail     string
	Quantity   float64
	Leverage   int
	MarginMode MarginMode
}

// RiskManager is the exclusive owner of the capital snapshot and slot
// counters (spec §3 ownership rule). Grounded on GlobalExposureGuard
// (predator_engine.go) for the zone/bucket admission gate, generalized to
// the full capital-zone + circuit-breaker + sizing pipeline.
type RiskManager struct {
	mu     sync.RWMutex
	cfgRef *riskConfig
	slots  *SlotBuckets
	filter *FilterChain
	cb     *CircuitBreaker

	snapshot        CapitalSnapshot
	dayStartBalance float64
	dayStartedAt    time.Time
}

type riskConfig struct {
	RiskPerTradePct    float64
	MaxPositions       int
	ReversalExtraPct   float64
	MaxMarginPerPosPct float64
	MaxPortfolioRisk   float64
	DCAReservePct      float64
	ATRStopMinPct      float64
	ATRStopMaxPct      float64
	ATRStopMult        float64
	CrossMarginScore   float64
	DefaultLeverage    int
	MaxLeverage        int
}

func NewRiskManager(rc riskConfig, filter *FilterChain, cb *CircuitBreaker) *RiskManager {
	return &RiskManager{cfgRef: &rc, slots: NewSlotBuckets(), filter: filter, cb: cb, dayStartedAt: time.Now()}
}

func (r *RiskManager) UpdateSnapshot(snap CapitalSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.dayStartedAt) > 24*time.Hour {
		r.dayStartBalance = snap.TotalWallet
		r.dayStartedAt = time.Now()
	}
	if r.dayStartBalance == 0 {
		r.dayStartBalance = snap.TotalWallet
	}
	if snap.TotalWallet > r.snapshot.DailyPeak {
		snap.DailyPeak = snap.TotalWallet
	} else {
		snap.DailyPeak = r.snapshot.DailyPeak
	}
	r.snapshot = snap
	r.cb.Evaluate(time.Now(), snap, r.dayStartBalance)
}

func (r *RiskManager) Snapshot() CapitalSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// HandleStreamEvent reacts to a user-data stream push, tripping the
// breaker on a margin call immediately rather than waiting for the
// next poll-driven UpdateSnapshot.
func (r *RiskManager) HandleStreamEvent(ev StreamEvent) {
	if ev.Type != StreamMarginCall {
		return
	}
	r.cb.TripNow("margin_call")
}

// Evaluate runs the full admission pipeline for a signal: circuit
// breaker -> filter chain -> capital zone -> slot bucket -> sizing ->
// leverage/margin decision (spec §4.4).
func (r *RiskManager) Evaluate(sig Signal, openSymbols map[string]bool) RiskDecision {
	if tripped, reason := r.cb.Tripped(); tripped {
		return RiskDecision{Admit: false, Reason: RejectCircuitBreaker, Detail: reason}
	}

	if err := r.filter.Run(sig, openSymbols); err != nil {
		if dr, ok := err.(*DomainRejection); ok {
			return RiskDecision{Admit: false, Reason: dr.Reason, Detail: dr.Detail}
		}
		return RiskDecision{Admit: false, Reason: RejectMarketFilter}
	}

	r.mu.RLock()
	snap := r.snapshot
	cfg := *r.cfgRef
	r.mu.RUnlock()

	zone := snap.Zone()
	highPriority := sig.Score >= cfg.CrossMarginScore
	switch zone {
	case ZoneRed:
		return RiskDecision{Admit: false, Reason: RejectCapitalZone, Detail: "RED"}
	case ZoneYellow:
		if !highPriority {
			return RiskDecision{Admit: false, Reason: RejectCapitalZone, Detail: "YELLOW requires high-priority score"}
		}
	}

	maxReversal := int(math.Floor(float64(cfg.MaxPositions) * cfg.ReversalExtraPct))
	if !r.slots.TryAdmit(sig.Symbol, sig.SignalType, cfg.MaxPositions, maxReversal) {
		return RiskDecision{Admit: false, Reason: RejectSlotFull}
	}

	qty, lev, mode, err := r.size(sig, snap, cfg)
	if err != nil {
		r.slots.Release(sig.Symbol, sig.SignalType)
		if dr, ok := err.(*DomainRejection); ok {
			return RiskDecision{Admit: false, Reason: dr.Reason, Detail: dr.Detail}
		}
		return RiskDecision{Admit: false, Reason: RejectMarginInsuff}
	}

	return RiskDecision{Admit: true, Quantity: qty, Leverage: lev, MarginMode: mode}
}

// size computes quantity/leverage/margin-mode per spec §4.4's sizing and
// leverage policy. The signal's raw stop distance is clamped to
// [ATRStopMinPct, ATRStopMaxPct] of entry; ATRStopMult is not used here.
func (r *RiskManager) size(sig Signal, snap CapitalSnapshot, cfg riskConfig) (float64, int, MarginMode, error) {
	riskAmount := snap.TotalWallet * cfg.RiskPerTradePct
	stopDist := absFloat(sig.Entry - sig.StopLoss)

	minDist := sig.Entry * cfg.ATRStopMinPct
	maxDist := sig.Entry * cfg.ATRStopMaxPct
	if stopDist < minDist {
		stopDist = minDist
	}
	if stopDist > maxDist {
		stopDist = maxDist
	}
	if stopDist <= 0 {
		return 0, 0, "", &DomainRejection{Symbol: sig.Symbol, Reason: RejectMarginInsuff, Detail: "zero stop distance"}
	}

	qty := riskAmount / stopDist

	maxMarginNotional := snap.TotalWallet * cfg.MaxMarginPerPosPct
	if qty*sig.Entry > maxMarginNotional {
		qty = maxMarginNotional / sig.Entry
	}

	portfolioRiskCap := snap.TotalWallet * cfg.MaxPortfolioRisk
	if riskAmount > portfolioRiskCap {
		qty = portfolioRiskCap / stopDist
	}

	reserve := snap.TotalWallet * cfg.DCAReservePct
	availableAfterReserve := snap.AvailableBalance - reserve
	if availableAfterReserve <= 0 || qty*sig.Entry > availableAfterReserve {
		if availableAfterReserve <= 0 {
			return 0, 0, "", &DomainRejection{Symbol: sig.Symbol, Reason: RejectMarginInsuff, Detail: "reserve exhausted"}
		}
		qty = availableAfterReserve / sig.Entry
	}

	if qty <= 0 {
		return 0, 0, "", &DomainRejection{Symbol: sig.Symbol, Reason: RejectMarginInsuff}
	}

	leverage := cfg.DefaultLeverage
	if leverage > cfg.MaxLeverage {
		leverage = cfg.MaxLeverage
	}

	mode := MarginIsolated
	if sig.Score >= cfg.CrossMarginScore {
		mode = MarginCross
	}

	return qty, leverage, mode, nil
}

// ReleaseSlot decrements the bucket on position close, keyed by the
// persisted metadata's signal_type (spec §3/§4.4).
func (r *RiskManager) ReleaseSlot(symbol string, meta PositionMetadata) {
	r.slots.Release(symbol, meta.SignalType)
}

func (r *RiskManager) SlotCounts() (trendOpen, reversalOpen int) {
	return r.slots.Counts()
}

// UpdateMaxPositions hot-reloads the slot ceiling (spec §6
// update_config's max_positions knob does not require re-arming
// protection orders, so it applies immediately).
func (r *RiskManager) UpdateMaxPositions(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgRef.MaxPositions = max
}

// SetMinScore forwards to the underlying filter chain.
func (r *RiskManager) SetMinScore(minScore float64) {
	r.filter.SetMinScore(minScore)
}

package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
)

// PositionMonitor is the long-lived loop that drives every open
// position's seven-priority state machine (spec §4.6). Grounded on
// ExecutionService.MonitorPosition's ticker-driven polling loop
// (breakeven trigger, home-run trailing activation, trailing update,
// SL-hit close) and PredatorEngine.MoveStopToBreakEven/closePosition,
// generalized from those two ad hoc triggers to the full seven-priority
// ladder.
type PositionMonitor struct {
	gateway  *Gateway
	executor *Executor
	risk     *RiskManager
	store    PersistenceStore
	notifier *Notifier
	metrics  *Metrics
	locks    *SymbolLockTable

	cfg PositionMonitorConfig

	mu        sync.RWMutex
	positions map[string]*Position
	lastBeat  time.Time
}

type PositionMonitorConfig struct {
	PollInterval           time.Duration
	BreakevenThresholdPct  float64
	TrailingActivationPct  float64
	TrailingCallbackMinPct float64
	TrailingCallbackMaxPct float64
	FundingExitWindowMin   float64
	FundingExitMinProfit   float64
	FundingAdverseRate     float64
	TimeExitHours          float64
	MaxDCARungs            int
	DCAReservePct          float64
	EmergencyLossPct       float64
}

func NewPositionMonitor(gw *Gateway, ex *Executor, rm *RiskManager, store PersistenceStore, notifier *Notifier, metrics *Metrics, locks *SymbolLockTable, cfg PositionMonitorConfig) *PositionMonitor {
	return &PositionMonitor{
		gateway: gw, executor: ex, risk: rm, store: store, notifier: notifier, metrics: metrics, locks: locks,
		cfg: cfg, positions: make(map[string]*Position), lastBeat: time.Now(),
	}
}

func (m *PositionMonitor) Track(pos *Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
}

func (m *PositionMonitor) Untrack(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// OpenSymbols returns a point-in-time copy of the tracked symbol set, for
// callers outside the monitor's own goroutine (the orchestrator's cycle,
// the control surface) that must never read the live map directly.
func (m *PositionMonitor) OpenSymbols() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.positions))
	for s := range m.positions {
		out[s] = true
	}
	return out
}

func (m *PositionMonitor) Heartbeat() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBeat
}

// Run ticks every PollInterval until ctx is cancelled, visiting each
// tracked position under its symbol lock (spec §4.7 concurrency
// contract: monitor interventions are serialized per symbol against the
// executor).
func (m *PositionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.lastBeat = time.Now()
			m.mu.Unlock()
			m.tick(ctx)
		}
	}
}

func (m *PositionMonitor) tick(ctx context.Context) {
	m.mu.RLock()
	snapshot := make(map[string]*Position, len(m.positions))
	for symbol, pos := range m.positions {
		snapshot[symbol] = pos
	}
	m.mu.RUnlock()

	for symbol, pos := range snapshot {
		unlock := m.locks.Lock(symbol)
		m.evaluate(ctx, pos)
		unlock()
	}
}

// evaluate runs the seven priorities in order, taking at most one action
// per tick. A stop move places the new stop order without cancelling the
// previous one (see moveStop).
func (m *PositionMonitor) evaluate(ctx context.Context, pos *Position) {
	sf, err := m.gateway.Filters(ctx, pos.Symbol)
	if err != nil {
		log.Printf("position_monitor: no filters for %s, skipping tick: %v", pos.Symbol, err)
		return
	}
	last, err := m.gateway.Candles(ctx, pos.Symbol, "1m", 2)
	if err != nil || len(last) == 0 {
		return
	}
	price := last[len(last)-1].Close
	profitPct := unrealizedPct(pos, price)

	if m.checkEmergency(ctx, pos, sf, profitPct) {
		return
	}
	if m.checkFundingExit(ctx, pos, sf, price, profitPct) {
		return
	}
	if m.checkBreakeven(ctx, pos, sf, price, profitPct) {
		return
	}
	if m.checkTrailing(ctx, pos, sf, price, profitPct) {
		return
	}
	if m.checkTPLadder(ctx, pos, sf, price, profitPct) {
		return
	}
	if m.checkDCA(ctx, pos, sf, price, profitPct) {
		return
	}
	m.checkTimeExit(ctx, pos, sf, profitPct)
}

func unrealizedPct(pos *Position, price float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	if pos.Direction == Long {
		return (price - pos.EntryPrice) / pos.EntryPrice
	}
	return (pos.EntryPrice - price) / pos.EntryPrice
}

// 1. Emergency close.
func (m *PositionMonitor) checkEmergency(ctx context.Context, pos *Position, sf SymbolFilters, profitPct float64) bool {
	if profitPct > -m.cfg.EmergencyLossPct {
		return false
	}
	log.Printf("position_monitor: EMERGENCY close %s at %.2f%% loss", pos.Symbol, profitPct*100)
	if err := m.executor.EmergencyClose(ctx, pos, sf); err != nil {
		log.Printf("position_monitor: emergency close failed for %s: %v", pos.Symbol, err)
		return true
	}
	m.closeOut(ctx, pos, ExitEmergency)
	return true
}

// 2. Funding-aware exit.
func (m *PositionMonitor) checkFundingExit(ctx context.Context, pos *Position, sf SymbolFilters, price, profitPct float64) bool {
	minsToFunding := minutesToNextFunding(time.Now())
	if minsToFunding > m.cfg.FundingExitWindowMin {
		return false
	}
	rate, err := m.gateway.FundingRate(ctx, pos.Symbol)
	if err != nil {
		return false
	}
	adverse := (pos.Direction == Long && rate >= m.cfg.FundingAdverseRate) ||
		(pos.Direction == Short && rate <= -m.cfg.FundingAdverseRate)
	if !adverse || profitPct < m.cfg.FundingExitMinProfit {
		return false
	}
	log.Printf("position_monitor: funding-aware exit %s (rate %.4f, profit %.2f%%)", pos.Symbol, rate, profitPct*100)
	if err := m.executor.EmergencyClose(ctx, pos, sf); err != nil {
		return true
	}
	m.closeOut(ctx, pos, ExitFunding)
	return true
}

func minutesToNextFunding(now time.Time) float64 {
	h := now.UTC().Hour()
	next := 8 * ((h / 8) + 1)
	nextFunding := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(time.Duration(next) * time.Hour)
	return nextFunding.Sub(now).Minutes()
}

// 3. Breakeven arming — irrevocable once armed (spec §8 invariant).
func (m *PositionMonitor) checkBreakeven(ctx context.Context, pos *Position, sf SymbolFilters, price, profitPct float64) bool {
	if pos.BreakevenArmed || profitPct < m.cfg.BreakevenThresholdPct {
		return false
	}
	feeBuffer := 0.0008 // round-trip taker+maker fee approximation
	newStop := pos.EntryPrice * (1 + feeBuffer)
	if pos.Direction == Short {
		newStop = pos.EntryPrice * (1 - feeBuffer)
	}
	if !stopImproves(pos.Direction, pos.StopLoss, newStop) {
		return false
	}
	if err := m.moveStop(ctx, pos, sf, newStop); err != nil {
		log.Printf("position_monitor: breakeven arm failed for %s: %v", pos.Symbol, err)
		return false
	}
	pos.StopLoss = newStop
	pos.BreakevenArmed = true
	if m.notifier != nil {
		m.notifier.NotifyBreakevenArmed(*pos)
	}
	return true
}

// stopImproves reports whether moving the stop to candidate is never a
// worse price than current, enforcing the irrevocability invariant.
func stopImproves(dir Direction, current, candidate float64) bool {
	if dir == Long {
		return candidate > current
	}
	return candidate < current
}

// 4. ATR trailing stop.
func (m *PositionMonitor) checkTrailing(ctx context.Context, pos *Position, sf SymbolFilters, price, profitPct float64) bool {
	if profitPct < m.cfg.TrailingActivationPct {
		return false
	}
	candles, err := m.gateway.Candles(ctx, pos.Symbol, "5m", 20)
	if err != nil || len(candles) == 0 {
		return false
	}
	atr := ComputeIndicators(candles).ATR
	if atr <= 0 {
		return false
	}
	callback := clampCallback(2*atr/price, m.cfg.TrailingCallbackMinPct, m.cfg.TrailingCallbackMaxPct)

	if !pos.TrailingActive {
		pos.TrailingActive = true
		pos.TrailingPeak = price
		pos.TrailingCallback = callback
	}
	if pos.Direction == Long && price > pos.TrailingPeak {
		pos.TrailingPeak = price
	}
	if pos.Direction == Short && (pos.TrailingPeak == 0 || price < pos.TrailingPeak) {
		pos.TrailingPeak = price
	}
	pos.TrailingCallback = callback

	newStop := pos.TrailingPeak * (1 - callback)
	if pos.Direction == Short {
		newStop = pos.TrailingPeak * (1 + callback)
	}
	if !stopImproves(pos.Direction, pos.StopLoss, newStop) {
		return false
	}
	if err := m.moveStop(ctx, pos, sf, newStop); err != nil {
		log.Printf("position_monitor: trailing update failed for %s: %v", pos.Symbol, err)
		return false
	}
	pos.StopLoss = newStop
	return true
}

func clampCallback(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// tpLadderProfitPcts are the priority-5 rung triggers, expressed as
// unrealized profit-pct of entry rather than the executor's ATR-multiple
// exchange-order prices (those two ladders are independent mechanisms
// that happen to share the 30/40/30 close split).
var tpLadderProfitPcts = []float64{0.20, 0.40, 0.60}

// 5. TP ladder realization.
func (m *PositionMonitor) checkTPLadder(ctx context.Context, pos *Position, sf SymbolFilters, price, profitPct float64) bool {
	for i := range pos.TakeProfits {
		tp := &pos.TakeProfits[i]
		if tp.Filled || i >= len(tpLadderProfitPcts) {
			continue
		}
		if profitPct < tpLadderProfitPcts[i] {
			continue
		}
		qty := pos.Quantity * tp.ClosePct
		if err := m.reduce(ctx, pos, sf, qty); err != nil {
			log.Printf("position_monitor: TP rung %d close failed for %s: %v", i, pos.Symbol, err)
			return true
		}
		tp.Filled = true
		pos.Quantity -= qty
		if m.metrics != nil {
			m.metrics.TPRungsHit.WithLabelValues(pos.Symbol).Inc()
		}
		if pos.Quantity <= 0 {
			m.closeOut(ctx, pos, ExitTakeProfit)
		}
		return true
	}
	return false
}

// 6. DCA re-entry at drawdown rungs, reserve-gated, max three rungs.
func (m *PositionMonitor) checkDCA(ctx context.Context, pos *Position, sf SymbolFilters, price, profitPct float64) bool {
	rungs := []float64{-0.03, -0.06, -0.10}
	sizes := []float64{0.30, 0.40, 0.30}
	if pos.DCALevelsUsed >= m.cfg.MaxDCARungs || pos.DCALevelsUsed >= len(rungs) {
		return false
	}
	level := pos.DCALevelsUsed
	if profitPct > rungs[level] {
		return false
	}

	snap := m.risk.Snapshot()
	reserve := snap.TotalWallet * m.cfg.DCAReservePct
	availableAfterReserve := snap.AvailableBalance - reserve
	originalQty := pos.Quantity / (1 + dcaFractionUsed(pos.DCALevelsUsed, sizes))
	addQty := originalQty * sizes[level]
	notional := addQty * price

	if availableAfterReserve < notional {
		log.Printf("dca_skipped_margin: %s level %d requires %.2f, available-after-reserve %.2f", pos.Symbol, level+1, notional, availableAfterReserve)
		pos.DCALevelsUsed++ // do not bypass the reserve; skip this rung permanently (DESIGN.md open-question decision)
		return false
	}

	side := futures.SideTypeBuy
	if pos.Direction == Short {
		side = futures.SideTypeSell
	}
	_, err := m.executor.gateway.client.NewCreateOrderService().
		Symbol(pos.Symbol).Side(side).Type(futures.OrderTypeMarket).
		Quantity(FormatQty(sf, addQty)).
		Do(ctx)
	if err != nil {
		log.Printf("position_monitor: DCA rung %d failed for %s: %v", level+1, pos.Symbol, err)
		return true
	}

	newEntry := (pos.EntryPrice*pos.Quantity + price*addQty) / (pos.Quantity + addQty)
	pos.EntryPrice = newEntry
	pos.Quantity += addQty
	pos.DCALevelsUsed++
	if m.metrics != nil {
		m.metrics.DCAFilled.WithLabelValues(pos.Symbol).Inc()
	}
	return true
}

func dcaFractionUsed(levels int, sizes []float64) float64 {
	var used float64
	for i := 0; i < levels && i < len(sizes); i++ {
		used += sizes[i]
	}
	return used
}

// 7. Time exit.
func (m *PositionMonitor) checkTimeExit(ctx context.Context, pos *Position, sf SymbolFilters, profitPct float64) bool {
	ageHours := time.Since(pos.OpenedAt).Hours()
	if ageHours < m.cfg.TimeExitHours {
		return false
	}
	if profitPct < -0.05 || profitPct > -0.02 {
		return false
	}
	if err := m.executor.EmergencyClose(ctx, pos, sf); err != nil {
		return true
	}
	m.closeOut(ctx, pos, ExitTime)
	return true
}

// moveStop re-issues the SL at a new price by placing a new reduce-only
// STOP_MARKET order for the full position quantity. It does not cancel
// the previous stop order, which stays live on the venue alongside the
// new one.
func (m *PositionMonitor) moveStop(ctx context.Context, pos *Position, sf SymbolFilters, newStop float64) error {
	closeSide := futures.SideTypeSell
	if pos.Direction == Short {
		closeSide = futures.SideTypeBuy
	}
	_, err := m.executor.gateway.client.NewCreateOrderService().
		Symbol(pos.Symbol).Side(closeSide).Type(futures.OrderType("STOP_MARKET")).
		StopPrice(FormatPrice(sf, newStop)).
		Quantity(FormatQty(sf, pos.Quantity)).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	return wrapVenueErr("move_stop", pos.Symbol, err)
}

func (m *PositionMonitor) reduce(ctx context.Context, pos *Position, sf SymbolFilters, qty float64) error {
	side := futures.SideTypeSell
	if pos.Direction == Short {
		side = futures.SideTypeBuy
	}
	_, err := m.executor.gateway.client.NewCreateOrderService().
		Symbol(pos.Symbol).Side(side).Type(futures.OrderTypeMarket).
		Quantity(FormatQty(sf, qty)).ReduceOnly(true).
		Do(ctx)
	return wrapVenueErr("reduce", pos.Symbol, err)
}

func (m *PositionMonitor) closeOut(ctx context.Context, pos *Position, reason ExitReason) {
	m.Untrack(pos.Symbol)
	meta := DefaultPositionMetadata(pos.Symbol)
	meta.SignalType = pos.SignalType
	if m.store != nil {
		if stored, err := m.store.PositionMetadata(ctx, pos.Symbol); err == nil {
			meta = stored
		}
	}
	m.risk.ReleaseSlot(pos.Symbol, meta)
	if m.store != nil {
		record := TradeRecord{
			ID: uuid.NewString(), Symbol: pos.Symbol, Direction: pos.Direction, SignalType: pos.SignalType,
			StrategyTag: pos.StrategyTag, EntryPrice: pos.EntryPrice, Quantity: pos.Quantity,
			Leverage: pos.Leverage, MarginMode: pos.MarginMode, OpenedAt: pos.OpenedAt,
			ClosedAt: time.Now(), ExitReason: reason,
		}
		_ = m.store.SaveTradeRecord(ctx, record)
	}
	if m.notifier != nil {
		m.notifier.NotifyTradeClosed(*pos, reason)
	}
	if m.metrics != nil {
		m.metrics.TradesClosed.WithLabelValues(string(reason)).Inc()
	}
	win := reason == ExitTakeProfit || reason == ExitTrailing || reason == ExitBreakeven
	m.riskRecordResult(win)
}

// Get returns the tracked position for symbol, if any (control-surface
// read path, spec §6).
func (m *PositionMonitor) Get(symbol string) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	return pos, ok
}

// ManualClose forces an immediate market close of an open position,
// cancelling its pending DCA/TP/SL orders first (spec §6 manual_close;
// resolved Open Question: manual close cancels pending DCA orders rather
// than leaving them live against a flattened position).
func (m *PositionMonitor) ManualClose(ctx context.Context, symbol string) error {
	unlock := m.locks.Lock(symbol)
	defer unlock()

	pos, ok := m.Get(symbol)
	if !ok {
		return ErrPositionNotFound
	}
	sf, err := m.gateway.Filters(ctx, symbol)
	if err != nil {
		return err
	}
	if err := m.gateway.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		log.Printf("position_monitor: manual close %s: cancel open orders failed: %v", symbol, err)
	}
	if err := m.reduce(ctx, pos, sf, pos.Quantity); err != nil {
		return fmt.Errorf("manual close %s: %w", symbol, err)
	}
	m.closeOut(ctx, pos, ExitManual)
	return nil
}

// HandleStreamEvent reacts to a user-data stream push, ahead of the
// next poll tick: a margin call forces an immediate emergency close,
// and a FILLED order update marks its TP rung so the poll-driven
// ladder (checkTPLadder) does not try to act on it again.
func (m *PositionMonitor) HandleStreamEvent(ctx context.Context, ev StreamEvent) {
	switch {
	case ev.Type == StreamMarginCall:
		m.handleMarginCall(ctx, ev.Symbol)
	case ev.Type == StreamOrderUpdate && ev.Status == "FILLED":
		m.markTPRungFilled(ev)
	}
}

func (m *PositionMonitor) handleMarginCall(ctx context.Context, symbol string) {
	if _, ok := m.Get(symbol); !ok {
		return
	}
	unlock := m.locks.Lock(symbol)
	defer unlock()

	pos, ok := m.Get(symbol)
	if !ok {
		return
	}
	sf, err := m.gateway.Filters(ctx, symbol)
	if err != nil {
		log.Printf("position_monitor: margin call %s: no filters: %v", symbol, err)
		return
	}
	log.Printf("position_monitor: MARGIN CALL, emergency close %s", symbol)
	if err := m.executor.EmergencyClose(ctx, pos, sf); err != nil {
		log.Printf("position_monitor: margin call close failed for %s: %v", symbol, err)
		return
	}
	m.closeOut(ctx, pos, ExitEmergency)
}

func (m *PositionMonitor) markTPRungFilled(ev StreamEvent) {
	pos, ok := m.Get(ev.Symbol)
	if !ok {
		return
	}
	for i := range pos.TakeProfits {
		tp := &pos.TakeProfits[i]
		if tp.OrderID != ev.OrderID || tp.Filled {
			continue
		}
		tp.Filled = true
		if m.metrics != nil {
			m.metrics.TPRungsHit.WithLabelValues(ev.Symbol).Inc()
		}
		return
	}
}

func (m *PositionMonitor) riskRecordResult(win bool) {
	if m.risk != nil && m.risk.cb != nil {
		m.risk.cb.RecordTradeResult(win)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// UpdateConfigRequest mirrors the control surface's update_config
// command (spec §6). Nil fields are left unchanged; symbols replaces
// the orchestrator's scan whitelist wholesale when non-nil.
type UpdateConfigRequest struct {
	ScanIntervalSec *int
	MinScore        *float64
	MaxPositions    *int
	Symbols         []string
}

// ManualTradeRequest mirrors manual_trade(symbol, direction,
// qty|notional|margin, leverage). Exactly one of Qty/NotionalUSD/MarginUSD
// must be set; the others are ignored.
type ManualTradeRequest struct {
	Symbol       string
	Direction    Direction
	Qty          float64
	NotionalUSD  float64
	MarginUSD    float64
	Leverage     int
}

// Controller is the core's control-surface endpoint: every command it
// accepts is issued by an external operator/UI (spec §6 names the
// control surface a read-only collaborator from the core's point of
// view — the core only reacts to commands, it never originates them).
// Grounded on main()'s direct orchestrator/service method calls in the
// teacher, here collected behind one dispatch-friendly type.
type Controller struct {
	orch     *Orchestrator
	monitor  *PositionMonitor
	executor *Executor
	gateway  *Gateway
	risk     *RiskManager
	locks    *SymbolLockTable

	cancel context.CancelFunc
}

func NewController(orch *Orchestrator, monitor *PositionMonitor, executor *Executor, gw *Gateway, risk *RiskManager, locks *SymbolLockTable) *Controller {
	return &Controller{orch: orch, monitor: monitor, executor: executor, gateway: gw, risk: risk, locks: locks}
}

// Start launches the orchestrator's cycle loop in the background. A
// second Start call before Stop returns an error and starts nothing
// (spec §4.7: only one engine instance runs at a time).
func (c *Controller) Start(parent context.Context, dryRun bool) error {
	if c.cancel != nil {
		return fmt.Errorf("control: already started")
	}
	c.orch.SetDryRun(dryRun)
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	go c.orch.Run(ctx)
	return nil
}

func (c *Controller) Stop() error {
	if c.cancel == nil {
		return fmt.Errorf("control: not running")
	}
	c.orch.Stop()
	c.cancel()
	c.cancel = nil
	return nil
}

func (c *Controller) Pause() error {
	c.orch.Pause()
	return nil
}

func (c *Controller) Resume() error {
	c.orch.Resume()
	return nil
}

// UpdateConfig applies the subset of knobs the spec marks hot-reloadable
// without re-arming protection orders (spec §6: "Hot-reload is supported
// for thresholds that do not require re-arming protection orders").
func (c *Controller) UpdateConfig(req UpdateConfigRequest) {
	if req.ScanIntervalSec != nil {
		c.orch.cfg.CycleInterval = time.Duration(*req.ScanIntervalSec) * time.Second
	}
	if req.MinScore != nil {
		c.risk.SetMinScore(*req.MinScore)
	}
	if req.MaxPositions != nil {
		c.risk.UpdateMaxPositions(*req.MaxPositions)
	}
	if req.Symbols != nil {
		c.orch.cfg.Whitelist = req.Symbols
	}
}

// CycleInterval is read by Run's ticker only at (re)start, so a change
// here takes effect on the next Start rather than live mid-cycle.

func (c *Controller) ManualClose(ctx context.Context, symbol string) error {
	return c.monitor.ManualClose(ctx, symbol)
}

// ManualTrade opens a position outside the signal generator / risk
// manager pipeline, routed through the same executor so leverage,
// margin mode, headroom checks, and the TP ladder/protection orders are
// still applied (spec §6 manual_trade).
func (c *Controller) ManualTrade(ctx context.Context, req ManualTradeRequest) (*Position, error) {
	sf, err := c.gateway.Filters(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	bt, err := c.gateway.BestBidAsk(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price := bt.AskPrice
	if req.Direction == Short {
		price = bt.BidPrice
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	qty := req.Qty
	switch {
	case qty > 0:
		// explicit quantity, nothing to derive
	case req.NotionalUSD > 0:
		qty = req.NotionalUSD / price
	case req.MarginUSD > 0:
		qty = (req.MarginUSD * float64(leverage)) / price
	default:
		return nil, fmt.Errorf("control: manual trade requires qty, notional, or margin")
	}
	qty = RoundToStep(qty, sf.StepSize)

	const manualStopPct = 0.02 // no ATR context for an operator-issued trade; flat 2% default
	stop := price * (1 - manualStopPct)
	if req.Direction == Short {
		stop = price * (1 + manualStopPct)
	}

	marginMode := MarginIsolated
	if leverage <= 3 {
		marginMode = MarginCross
	}

	sig := Signal{
		ID: uuid.NewString(), Symbol: req.Symbol, Direction: req.Direction,
		SignalType: SignalTrend, Entry: price, StopLoss: stop,
	}
	decision := RiskDecision{Admit: true, Quantity: qty, Leverage: leverage, MarginMode: marginMode}

	unlock := c.locks.Lock(req.Symbol)
	pos, err := c.executor.Execute(ctx, sig, decision)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("control: manual trade failed: %w", err)
	}
	c.monitor.Track(pos)
	log.Printf("control: manual trade opened %s %s qty=%.4f", pos.Symbol, pos.Direction, pos.Quantity)
	return pos, nil
}

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() (*Controller, *Orchestrator, *RiskManager) {
	cb := NewCircuitBreaker(0.05, 3, time.Hour, time.Minute)
	filter := NewFilterChain(nil, nil, 50)
	rc := riskConfig{
		RiskPerTradePct: 0.01, MaxPositions: 2, ReversalExtraPct: 0.5,
		MaxMarginPerPosPct: 0.5, MaxPortfolioRisk: 0.5, DCAReservePct: 0.1,
		ATRStopMinPct: 0.004, ATRStopMaxPct: 0.03, ATRStopMult: 1.5,
		CrossMarginScore: 85, DefaultLeverage: 5, MaxLeverage: 20,
	}
	risk := NewRiskManager(rc, filter, cb)
	locks := NewSymbolLockTable()
	orch := NewOrchestrator(nil, nil, risk, nil, nil, locks, nil, nil,
		OrchestratorConfig{CycleInterval: time.Minute, MaxSymbols: 5, ScanTopN: 10}, true)
	c := NewController(orch, nil, nil, nil, risk, locks)
	return c, orch, risk
}

func TestController_StopWithoutStartErrors(t *testing.T) {
	c, _, _ := newTestController()
	assert.Error(t, c.Stop(), "Stop when not running must fail")
}

func TestController_UpdateConfig_AppliesOnlyProvidedFields(t *testing.T) {
	c, orch, risk := newTestController()

	newMax := 5
	newScore := 72.0
	c.UpdateConfig(UpdateConfigRequest{MaxPositions: &newMax, MinScore: &newScore})

	assert.Equal(t, time.Minute, orch.cfg.CycleInterval, "untouched field must remain unchanged")

	sig := Signal{Symbol: "BTCUSDT", Score: 71.99}
	err := risk.filter.Run(sig, map[string]bool{})
	require.Error(t, err)
	var rej *DomainRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectLowVolume, rej.Reason)
}

func TestController_UpdateConfig_ScanIntervalAndSymbols(t *testing.T) {
	c, orch, _ := newTestController()
	secs := 45
	c.UpdateConfig(UpdateConfigRequest{ScanIntervalSec: &secs, Symbols: []string{"BTCUSDT", "ETHUSDT"}})

	assert.Equal(t, 45*time.Second, orch.cfg.CycleInterval)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, orch.cfg.Whitelist)
}

func TestController_PauseResume(t *testing.T) {
	c, orch, _ := newTestController()
	c.Pause()
	assert.Equal(t, StatePaused, orch.State())
	c.Resume()
	assert.Equal(t, StateRunning, orch.State())
}

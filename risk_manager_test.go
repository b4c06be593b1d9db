package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario 1: admission with a full trend bucket but a free reversal
// bucket (spec §8 scenario 1).
func TestSlotBuckets_FullTrendFreeReversal(t *testing.T) {
	b := NewSlotBuckets()

	require.True(t, b.TryAdmit("BTCUSDT", SignalTrend, 2, 1))
	require.True(t, b.TryAdmit("ETHUSDT", SignalTrend, 2, 1))

	trendOpen, reversalOpen := b.Counts()
	assert.Equal(t, 2, trendOpen)
	assert.Equal(t, 0, reversalOpen)

	assert.True(t, b.TryAdmit("SOLUSDT", SignalReversal, 2, 1), "reversal bucket has room")
	assert.False(t, b.TryAdmit("XRPUSDT", SignalReversal, 2, 1), "reversal bucket is now full")
	assert.False(t, b.TryAdmit("ADAUSDT", SignalTrend, 2, 1), "trend bucket is full")
}

func TestSlotBuckets_ReleaseFreesCapacity(t *testing.T) {
	b := NewSlotBuckets()
	require.True(t, b.TryAdmit("BTCUSDT", SignalTrend, 1, 1))
	require.False(t, b.TryAdmit("ETHUSDT", SignalTrend, 1, 1))

	b.Release("BTCUSDT", SignalTrend)
	assert.True(t, b.TryAdmit("ETHUSDT", SignalTrend, 1, 1))
}

// scenario 4: circuit breaker trips on daily loss and self-clears after
// the cooldown (spec §8 scenario 4).
func TestCircuitBreaker_TripsOnDailyLoss(t *testing.T) {
	cb := NewCircuitBreaker(0.05, 3, time.Hour, time.Minute)
	now := time.Now()
	cb.Heartbeat(now)

	snap := CapitalSnapshot{
		TotalWallet: 1000, AvailableBalance: 1000, UnrealizedPnL: -50.01,
		DailyPeak: 1000, CurrentDrawdown: -50.01,
	}
	cb.Evaluate(now, snap, 1000)

	tripped, reason := cb.Tripped()
	assert.True(t, tripped)
	assert.NotEmpty(t, reason)
}

func TestCircuitBreaker_ClearsAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(0.05, 3, 10*time.Millisecond, time.Minute)
	now := time.Now()
	cb.Heartbeat(now)
	snap := CapitalSnapshot{TotalWallet: 1000, AvailableBalance: 1000, UnrealizedPnL: -50.01, DailyPeak: 1000, CurrentDrawdown: -50.01}
	cb.Evaluate(now, snap, 1000)

	tripped, _ := cb.Tripped()
	require.True(t, tripped)

	later := now.Add(20 * time.Millisecond)
	cb.Heartbeat(later)
	cb.Evaluate(later, CapitalSnapshot{TotalWallet: 1000, AvailableBalance: 1000, DailyPeak: 1000, CurrentDrawdown: 0}, 1000)

	tripped, _ = cb.Tripped()
	assert.False(t, tripped)
}

func TestCircuitBreaker_TripsOnConsecutiveStopouts(t *testing.T) {
	cb := NewCircuitBreaker(0.05, 3, time.Hour, time.Minute)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(false)
	cb.Evaluate(time.Now(), CapitalSnapshot{TotalWallet: 1000}, 1000)

	tripped, _ := cb.Tripped()
	assert.True(t, tripped)
}

func TestCircuitBreaker_WinResetsConsecutiveCounter(t *testing.T) {
	cb := NewCircuitBreaker(0.05, 3, time.Hour, time.Minute)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(true)
	cb.RecordTradeResult(false)
	cb.RecordTradeResult(false)

	tripped, _ := cb.Tripped()
	assert.False(t, tripped)
}

// Boundary: score exactly at min_score admits; below rejects.
func TestFilterChain_ScoreBoundary(t *testing.T) {
	f := NewFilterChain(nil, nil, 60)

	admitAt := Signal{Symbol: "BTCUSDT", Score: 60}
	require.NoError(t, f.Run(admitAt, map[string]bool{}))

	rejectBelow := Signal{Symbol: "BTCUSDT", Score: 59.99}
	err := f.Run(rejectBelow, map[string]bool{})
	require.Error(t, err)
	var rej *DomainRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectLowVolume, rej.Reason)
}

func TestFilterChain_BlacklistAndDuplicateAndCorrelation(t *testing.T) {
	f := NewFilterChain([]string{"SCAMUSDT"}, map[string][]string{"BTCUSDT": {"ETHUSDT"}}, 0)

	err := f.Run(Signal{Symbol: "SCAMUSDT"}, map[string]bool{})
	require.Error(t, err)
	var rej *DomainRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectBlacklist, rej.Reason)

	err = f.Run(Signal{Symbol: "BTCUSDT"}, map[string]bool{"BTCUSDT": true})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectDuplicateSymbol, rej.Reason)

	err = f.Run(Signal{Symbol: "BTCUSDT"}, map[string]bool{"ETHUSDT": true})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectCorrelation, rej.Reason)
}

func TestCapitalSnapshot_Zone(t *testing.T) {
	cases := []struct {
		name   string
		used   float64
		wallet float64
		want   CapitalZone
	}{
		{"green under half", 40, 100, ZoneGreen},
		{"yellow at fifty", 50, 100, ZoneYellow},
		{"yellow under seventy", 69, 100, ZoneYellow},
		{"yellow at seventy", 70, 100, ZoneYellow},
		{"red above seventy", 85, 100, ZoneRed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			snap := CapitalSnapshot{TotalWallet: c.wallet, MarginUsed: c.used}
			assert.Equal(t, c.want, snap.Zone())
		})
	}
}

func TestRiskManager_EvaluateAdmitsWithinZoneAndSlots(t *testing.T) {
	rc := riskConfig{
		RiskPerTradePct: 0.01, MaxPositions: 2, ReversalExtraPct: 0.5,
		MaxMarginPerPosPct: 0.5, MaxPortfolioRisk: 0.5, DCAReservePct: 0.1,
		ATRStopMinPct: 0.004, ATRStopMaxPct: 0.03, ATRStopMult: 1.5,
		CrossMarginScore: 85, DefaultLeverage: 5, MaxLeverage: 20,
	}
	cb := NewCircuitBreaker(0.05, 3, time.Hour, time.Minute)
	filter := NewFilterChain(nil, nil, 50)
	rm := NewRiskManager(rc, filter, cb)
	rm.UpdateSnapshot(CapitalSnapshot{TotalWallet: 1000, AvailableBalance: 1000, DailyPeak: 1000})

	sig := Signal{
		Symbol: "BTCUSDT", Direction: Long, Score: 70, SignalType: SignalTrend,
		Entry: 100, StopLoss: 98,
		Indicators: map[string]IndicatorSnapshot{"medium": {ATR: 1.5}},
	}
	decision := rm.Evaluate(sig, map[string]bool{})
	assert.True(t, decision.Admit)
	assert.Greater(t, decision.Quantity, 0.0)
}

func TestRiskManager_RedZoneBlocksAdmission(t *testing.T) {
	rc := riskConfig{
		RiskPerTradePct: 0.01, MaxPositions: 2, ReversalExtraPct: 0.5,
		MaxMarginPerPosPct: 0.5, MaxPortfolioRisk: 0.5, DCAReservePct: 0.1,
		ATRStopMinPct: 0.004, ATRStopMaxPct: 0.03, ATRStopMult: 1.5,
		CrossMarginScore: 85, DefaultLeverage: 5, MaxLeverage: 20,
	}
	cb := NewCircuitBreaker(0.05, 3, time.Hour, time.Minute)
	filter := NewFilterChain(nil, nil, 50)
	rm := NewRiskManager(rc, filter, cb)
	rm.UpdateSnapshot(CapitalSnapshot{TotalWallet: 1000, AvailableBalance: 250, MarginUsed: 750, DailyPeak: 1000})

	sig := Signal{Symbol: "BTCUSDT", Direction: Long, Score: 70, SignalType: SignalTrend, Entry: 100, StopLoss: 98}
	decision := rm.Evaluate(sig, map[string]bool{})
	assert.False(t, decision.Admit)
	assert.Equal(t, RejectCapitalZone, decision.Reason)
}

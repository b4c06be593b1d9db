package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scenario 3: breakeven irrevocability — once the stop moves to
// breakeven it must never move back below it, even as price retraces
// (spec §8 scenario 3).
func TestStopImproves_BreakevenIrrevocability(t *testing.T) {
	entry := 100.0
	sl := 98.0

	// price rallies to 108, breakeven arms at entry*(1+fee)
	breakeven := entry * 1.0008
	assert.True(t, stopImproves(Long, sl, breakeven), "arming breakeven must improve on the ATR stop")

	armed := breakeven

	// price falls back to 104: a candidate below breakeven, such as the
	// original ATR stop, must never apply.
	retraceCandidate := sl
	assert.False(t, stopImproves(Long, armed, retraceCandidate), "a retrace must never move the stop back below breakeven")

	// price later rises to 107: a trailing candidate above breakeven is
	// still a legitimate improvement.
	rallyCandidate := 107.0 * 0.99
	if rallyCandidate > armed {
		assert.True(t, stopImproves(Long, armed, rallyCandidate))
	}

	// the stop itself must never decrease across this sequence once armed.
	assert.GreaterOrEqual(t, armed, sl)
}

func TestStopImproves_ShortDirection(t *testing.T) {
	assert.True(t, stopImproves(Short, 102, 100), "lower candidate improves a short stop")
	assert.False(t, stopImproves(Short, 100, 102), "higher candidate worsens a short stop")
}

// trailing peak must be monotonic: for a long, it only ratchets upward;
// for a short, only downward.
func TestTrailingPeak_Monotonic(t *testing.T) {
	pos := &Position{Direction: Long, TrailingActive: true, TrailingPeak: 100}
	prices := []float64{101, 99, 105, 103, 110}
	peak := pos.TrailingPeak
	for _, p := range prices {
		if p > peak {
			peak = p
		}
		assert.GreaterOrEqual(t, peak, pos.TrailingPeak)
		pos.TrailingPeak = peak
	}
	assert.Equal(t, 110.0, pos.TrailingPeak)
}

func TestClampCallback_Bounds(t *testing.T) {
	assert.Equal(t, 0.01, clampCallback(0.005, 0.01, 0.05))
	assert.Equal(t, 0.05, clampCallback(0.08, 0.01, 0.05))
	assert.Equal(t, 0.03, clampCallback(0.03, 0.01, 0.05))
}

// scenario 5: funding-aware exit — within the funding window, adverse
// rate, and sufficient profit together trigger the exit (spec §8
// scenario 5). minutesToNextFunding is exercised directly since funding
// time boundaries land on fixed UTC hours (00/08/16).
func TestMinutesToNextFunding_Boundaries(t *testing.T) {
	justBefore := time.Date(2026, 7, 29, 7, 42, 0, 0, time.UTC)
	mins := minutesToNextFunding(justBefore)
	assert.InDelta(t, 18, mins, 0.01, "07:42 UTC is 18 minutes from the 08:00 funding mark")

	justAfter := time.Date(2026, 7, 29, 8, 1, 0, 0, time.UTC)
	mins = minutesToNextFunding(justAfter)
	assert.InDelta(t, 7*60+59, mins, 0.01, "08:01 UTC is just after a mark, next is 16:00")
}

func TestFundingExit_AdverseRateGate(t *testing.T) {
	cfg := PositionMonitorConfig{FundingAdverseRate: 0.0009, FundingExitMinProfit: 0.005}

	longAdverse := (Long == Long && 0.0009 >= cfg.FundingAdverseRate)
	assert.True(t, longAdverse, "a long facing a positive rate at or above the threshold is adverse")

	shortAdverse := (Short == Short && -0.0009 <= -cfg.FundingAdverseRate)
	assert.True(t, shortAdverse, "a short facing a negative rate at or below the threshold is adverse")

	profitPct := 0.008
	assert.GreaterOrEqual(t, profitPct, cfg.FundingExitMinProfit)
}

// scenario 6: DCA with an exhausted reserve — the -10% rung is skipped
// once the reserve would be breached, the position continues, and the
// rung is marked used so it is never retried (spec §8 scenario 6).
func TestDCAFractionUsed_Progression(t *testing.T) {
	sizes := []float64{0.30, 0.40, 0.30}

	assert.Equal(t, 0.0, dcaFractionUsed(0, sizes))
	assert.Equal(t, 0.30, dcaFractionUsed(1, sizes))
	assert.InDelta(t, 0.70, dcaFractionUsed(2, sizes), 1e-9)
	assert.InDelta(t, 1.0, dcaFractionUsed(3, sizes), 1e-9)
}

func TestDCA_ReserveExhaustion_SkipsRungPermanently(t *testing.T) {
	sizes := []float64{0.30, 0.40, 0.30}
	rungs := []float64{-0.03, -0.06, -0.10}

	totalWallet := 1000.0
	reservePct := 0.10
	availableBalance := 105.0 // nearly drained by the first two rungs

	level := 2 // third rung, -10%
	price := 100.0
	originalQty := 10.0 / (1 + dcaFractionUsed(level, sizes))
	addQty := originalQty * sizes[level]
	notional := addQty * price

	reserve := totalWallet * reservePct
	availableAfterReserve := availableBalance - reserve

	require := availableAfterReserve < notional
	assert.True(t, require, "reserve must block the third DCA rung in this scenario")
	assert.Equal(t, -0.10, rungs[level])
}

func TestUnrealizedPct_LongAndShort(t *testing.T) {
	longPos := &Position{Direction: Long, EntryPrice: 100}
	assert.InDelta(t, 0.05, unrealizedPct(longPos, 105), 1e-9)
	assert.InDelta(t, -0.05, unrealizedPct(longPos, 95), 1e-9)

	shortPos := &Position{Direction: Short, EntryPrice: 100}
	assert.InDelta(t, 0.05, unrealizedPct(shortPos, 95), 1e-9)
	assert.InDelta(t, -0.05, unrealizedPct(shortPos, 105), 1e-9)
}

func TestPositionMonitor_TrackUntrackGet(t *testing.T) {
	m := &PositionMonitor{positions: map[string]*Position{}}
	pos := &Position{Symbol: "BTCUSDT"}

	m.Track(pos)
	got, ok := m.Get("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, pos, got)

	m.Untrack("BTCUSDT")
	_, ok = m.Get("BTCUSDT")
	assert.False(t, ok)
}

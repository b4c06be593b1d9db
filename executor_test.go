package main

import (
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

func TestBuildTPLadder_ConservativeByDefault(t *testing.T) {
	sig := Signal{
		Direction: Long, StopLoss: 98,
		Indicators: map[string]IndicatorSnapshot{"medium": {ATR: 1.0, RSI: 50, VolumeRatio: 1.0}},
	}
	ladder, tag := BuildTPLadder(sig, 100)

	assert.Equal(t, StrategyConservative, tag)
	assert.Len(t, ladder, 3)
	assert.InDelta(t, 101.0, ladder[0].Price, 1e-9)
	assert.InDelta(t, 101.5, ladder[1].Price, 1e-9)
	assert.InDelta(t, 102.0, ladder[2].Price, 1e-9)

	var total float64
	for _, l := range ladder {
		total += l.ClosePct
	}
	assert.InDelta(t, 1.0, total, 1e-9, "TP rung close fractions must sum to the full position")
}

func TestBuildTPLadder_FibonacciOnStrongMomentum(t *testing.T) {
	sig := Signal{
		Direction: Long, StopLoss: 98,
		Indicators: map[string]IndicatorSnapshot{"medium": {ATR: 1.0, RSI: 70, VolumeRatio: 2.0}},
	}
	ladder, tag := BuildTPLadder(sig, 100)

	assert.Equal(t, StrategyFibonacci, tag)
	assert.InDelta(t, 101.618, ladder[0].Price, 1e-9)
	assert.InDelta(t, 102.618, ladder[1].Price, 1e-9)
	assert.InDelta(t, 104.236, ladder[2].Price, 1e-9)
}

func TestBuildTPLadder_ShortDirectionMirrorsDown(t *testing.T) {
	sig := Signal{
		Direction: Short, StopLoss: 102,
		Indicators: map[string]IndicatorSnapshot{"medium": {ATR: 1.0, RSI: 50, VolumeRatio: 1.0}},
	}
	ladder, _ := BuildTPLadder(sig, 100)
	assert.Less(t, ladder[0].Price, 100.0)
	assert.Less(t, ladder[2].Price, ladder[0].Price)
}

func TestBuildTPLadder_FallsBackToStopDistanceWhenNoATR(t *testing.T) {
	sig := Signal{Direction: Long, StopLoss: 97, Indicators: map[string]IndicatorSnapshot{"medium": {}}}
	ladder, _ := BuildTPLadder(sig, 100)
	assert.Greater(t, ladder[0].Price, 100.0)
}

func TestEstimateHeadroomPct(t *testing.T) {
	assert.InDelta(t, 1.0, estimateHeadroomPct(&Position{Leverage: 0}), 1e-9)
	assert.InDelta(t, 0.195, estimateHeadroomPct(&Position{Leverage: 5}), 1e-9)
}

func TestSmartOffsetPrice_LongStaysInsideSpread(t *testing.T) {
	bt := BookTicker{BidPrice: 100, AskPrice: 100.02}
	p := smartOffsetPrice(Long, bt, 0.01)
	assert.GreaterOrEqual(t, p, bt.BidPrice)
	assert.LessOrEqual(t, p, bt.AskPrice)
}

func TestSmartOffsetPrice_ShortStaysInsideSpread(t *testing.T) {
	bt := BookTicker{BidPrice: 100, AskPrice: 100.02}
	p := smartOffsetPrice(Short, bt, 0.01)
	assert.GreaterOrEqual(t, p, bt.BidPrice)
	assert.LessOrEqual(t, p, bt.AskPrice)
}

func TestSmartOffsetPrice_SubTickSpreadClampsToAsk(t *testing.T) {
	bt := BookTicker{BidPrice: 100, AskPrice: 100.005}
	p := smartOffsetPrice(Long, bt, 0.01)
	assert.Equal(t, bt.AskPrice-0.01, p)
}

func TestParseOrderFill_PrefersExecutedQuantity(t *testing.T) {
	res := &futures.CreateOrderResponse{ExecutedQuantity: "1.5", AvgPrice: "100.25", OrigQuantity: "2.0"}
	qty, avg := parseOrderFill(res)
	assert.InDelta(t, 1.5, qty, 1e-9)
	assert.InDelta(t, 100.25, avg, 1e-9)
}

func TestParseOrderFill_FallsBackToOrigQuantity(t *testing.T) {
	res := &futures.CreateOrderResponse{ExecutedQuantity: "0", AvgPrice: "0", OrigQuantity: "2.0"}
	qty, _ := parseOrderFill(res)
	assert.InDelta(t, 2.0, qty, 1e-9)
}

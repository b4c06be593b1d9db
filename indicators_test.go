package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func syntheticCandles(n int, start, step float64) []Candle {
	candles := make([]Candle, n)
	price := start
	base := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += step
		candles[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price + 0.5,
			Low:      price - 0.5,
			Close:    price,
			Volume:   100,
		}
	}
	return candles
}

func TestComputeIndicators_TooFewCandlesReturnsZeroValue(t *testing.T) {
	snap := ComputeIndicators(syntheticCandles(5, 100, 1))
	assert.Equal(t, IndicatorSnapshot{}, snap)
}

func TestComputeIndicators_UptrendProducesPositiveSlope(t *testing.T) {
	snap := ComputeIndicators(syntheticCandles(60, 100, 0.5))
	assert.Greater(t, snap.EMASlope, 0.0, "a steadily rising close series must yield a positive EMA slope")
	assert.GreaterOrEqual(t, snap.RSI, 0.0)
	assert.LessOrEqual(t, snap.RSI, 100.0)
}

func TestComputeIndicators_Deterministic(t *testing.T) {
	candles := syntheticCandles(60, 100, 0.5)
	snap1 := ComputeIndicators(candles)
	snap2 := ComputeIndicators(candles)
	assert.Equal(t, snap1, snap2)
}

func TestComputeVWAP_FlatSeries(t *testing.T) {
	candles := []Candle{
		{High: 101, Low: 99, Close: 100, Volume: 10},
		{High: 101, Low: 99, Close: 100, Volume: 10},
	}
	assert.InDelta(t, 100, computeVWAP(candles), 1e-9)
}

func TestComputeVWAP_EmptySeries(t *testing.T) {
	assert.Equal(t, 0.0, computeVWAP(nil))
}

func TestVolumeRatio_ShortSeriesDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1.0, volumeRatio(make([]float64, 10)))
}

func TestVolumeRatio_SpikeAboveAverage(t *testing.T) {
	volumes := make([]float64, 21)
	for i := range volumes {
		volumes[i] = 100
	}
	volumes[20] = 300
	assert.InDelta(t, 3.0, volumeRatio(volumes), 1e-9)
}

func TestInActiveSession_Boundaries(t *testing.T) {
	assert.True(t, inActiveSession(time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)))
	assert.True(t, inActiveSession(time.Date(2026, 7, 29, 19, 59, 0, 0, time.UTC)))
	assert.False(t, inActiveSession(time.Date(2026, 7, 29, 11, 59, 0, 0, time.UTC)))
	assert.False(t, inActiveSession(time.Date(2026, 7, 29, 20, 0, 0, 0, time.UTC)))
}

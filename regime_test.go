package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Boundary: RSI exactly at the oversold/overbought mark is treated as
// the non-extreme (neutral) side, not the extreme side (spec §8
// boundary behavior).
func TestRsiScore_BoundaryIsNonExtreme(t *testing.T) {
	neutralScore, dir := rsiScore(30)
	assert.Equal(t, 40.0, neutralScore, "RSI exactly at 30 is neutral, not oversold")
	assert.Equal(t, Long, dir)

	neutralScore, dir = rsiScore(70)
	assert.Equal(t, 40.0, neutralScore, "RSI exactly at 70 is neutral, not overbought")
	assert.Equal(t, Long, dir)

	belowScore, _ := rsiScore(29.99)
	assert.Greater(t, belowScore, 40.0, "just under 30 is oversold and scores above the neutral baseline")

	aboveScore, aboveDir := rsiScore(70.01)
	assert.Greater(t, aboveScore, 0.0)
	assert.Equal(t, Short, aboveDir)
}

func TestIsReversal_RequiresBothOppositionAndExtreme(t *testing.T) {
	longUptrend := IndicatorSnapshot{EMASlope: 0.01}

	// opposes trend (short against an uptrend) but RSI isn't extreme: not a reversal.
	assert.False(t, IsReversal(Short, longUptrend, 50))

	// opposes trend and RSI confirms exhaustion: a reversal.
	assert.True(t, IsReversal(Short, longUptrend, 71))

	// aligned with trend, even with an extreme RSI, is not a reversal.
	assert.False(t, IsReversal(Long, longUptrend, 71))
}

func TestClassifyRegime_Explosive(t *testing.T) {
	medium := IndicatorSnapshot{BollingerWidth: 0.08, ADX: 10}
	short := IndicatorSnapshot{VolumeRatio: 3.0}
	assert.Equal(t, RegimeExplosive, ClassifyRegime(medium, short))
}

func TestClassifyRegime_TrendingAndRanging(t *testing.T) {
	cases := []struct {
		name   string
		medium IndicatorSnapshot
		short  IndicatorSnapshot
		want   Regime
	}{
		{"trending high vol", IndicatorSnapshot{ADX: 30, BollingerWidth: 0.07}, IndicatorSnapshot{VolumeRatio: 1.0}, RegimeTrendingHighVol},
		{"trending low vol", IndicatorSnapshot{ADX: 30, BollingerWidth: 0.01, VolumeRatio: 1.0}, IndicatorSnapshot{VolumeRatio: 1.0}, RegimeTrendingLowVol},
		{"ranging high vol", IndicatorSnapshot{ADX: 10, BollingerWidth: 0.07}, IndicatorSnapshot{VolumeRatio: 1.0}, RegimeRangingHighVol},
		{"ranging low vol", IndicatorSnapshot{ADX: 10, BollingerWidth: 0.01, VolumeRatio: 1.0}, IndicatorSnapshot{VolumeRatio: 1.0}, RegimeRangingLowVol},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ClassifyRegime(c.medium, c.short))
		})
	}
}

func TestThresholdsFor_UnknownFallsBackToRangingLowVol(t *testing.T) {
	th := ThresholdsFor(Regime("not_a_real_regime"))
	assert.Equal(t, regimeTable[RegimeRangingLowVol], th)
}

// ScoreSignal must be a deterministic pure function of its inputs: the
// same snapshot and weights always produce the same score and direction.
func TestScoreSignal_Deterministic(t *testing.T) {
	snap := IndicatorSnapshot{RSI: 25, EMASlope: 0.02, MACDHist: 0.001, MACDCrossUp: true, ADX: 28, VWAPDistance: -0.01, VolumeRatio: 1.8}
	weights := regimeTable[RegimeTrendingHighVol].Weights

	score1, dir1 := ScoreSignal(snap, weights)
	score2, dir2 := ScoreSignal(snap, weights)

	assert.Equal(t, score1, score2)
	assert.Equal(t, dir1, dir2)
	assert.GreaterOrEqual(t, score1, 0.0)
	assert.LessOrEqual(t, score1, 100.0)
}

func TestClampScore_Bounds(t *testing.T) {
	assert.Equal(t, 0.0, clampScore(-5))
	assert.Equal(t, 100.0, clampScore(150))
	assert.Equal(t, 42.0, clampScore(42))
}

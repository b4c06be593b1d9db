package main

// RegimeThresholds is the per-regime admission bar: a signal must clear
// both the minimum score and minimum reward-risk ratio for the regime
// it was generated under (spec §4.3/§4.4). Weights decide how much each
// indicator contributes to the raw score before the MI overlay adjusts it.
type RegimeThresholds struct {
	MinScore float64
	MinRR    float64
	Weights  RegimeWeights
}

// RegimeWeights sum to 1.0 and are tuned per regime: trend regimes lean
// on EMA slope/MACD/ADX; range regimes lean on RSI and the Bollinger
// weight (scored from VWAP distance by bollingerScore); explosive leans
// on volume ratio. No teacher analogue
// exists for this table (original_source/ kept zero files for this spec),
// so these are a documented, unit-tested fixed table rather than an
// inferred translation.
type RegimeWeights struct {
	RSI         float64
	EMATrend    float64
	MACD        float64
	ADX         float64
	Bollinger   float64
	VolumeRatio float64
}

var regimeTable = map[Regime]RegimeThresholds{
	RegimeTrendingHighVol: {
		MinScore: 62, MinRR: 1.8,
		Weights: RegimeWeights{RSI: 0.10, EMATrend: 0.30, MACD: 0.25, ADX: 0.20, Bollinger: 0.05, VolumeRatio: 0.10},
	},
	RegimeTrendingLowVol: {
		MinScore: 58, MinRR: 1.6,
		Weights: RegimeWeights{RSI: 0.15, EMATrend: 0.30, MACD: 0.25, ADX: 0.15, Bollinger: 0.05, VolumeRatio: 0.10},
	},
	RegimeRangingHighVol: {
		MinScore: 68, MinRR: 1.3,
		Weights: RegimeWeights{RSI: 0.30, EMATrend: 0.10, MACD: 0.10, ADX: 0.05, Bollinger: 0.30, VolumeRatio: 0.15},
	},
	RegimeRangingLowVol: {
		MinScore: 70, MinRR: 1.2,
		Weights: RegimeWeights{RSI: 0.35, EMATrend: 0.10, MACD: 0.10, ADX: 0.05, Bollinger: 0.30, VolumeRatio: 0.10},
	},
	RegimeExplosive: {
		MinScore: 75, MinRR: 2.2,
		Weights: RegimeWeights{RSI: 0.10, EMATrend: 0.15, MACD: 0.15, ADX: 0.15, Bollinger: 0.05, VolumeRatio: 0.40},
	},
}

// ThresholdsFor returns the admission bar for a regime, falling back to
// the ranging_low_vol table if the regime is somehow
// unrecognized — this should never happen since Regime is a closed enum,
// but the fallback keeps the function total.
func ThresholdsFor(r Regime) RegimeThresholds {
	if t, ok := regimeTable[r]; ok {
		return t
	}
	return regimeTable[RegimeRangingLowVol]
}

const (
	adxTrendFloor      = 25.0
	bollingerWideFloor = 0.06
	volumeExplosiveMin = 2.5
)

// ClassifyRegime maps a medium-horizon indicator snapshot (and the
// short-horizon volume ratio, for explosive detection) to one of the five
// regimes. Grounded in shape on TrendStatus's bullish/bearish/neutral
// trichotomy, widened per spec §4.3.
func ClassifyRegime(medium, short IndicatorSnapshot) Regime {
	if short.VolumeRatio >= volumeExplosiveMin && medium.BollingerWidth >= bollingerWideFloor {
		return RegimeExplosive
	}
	trending := medium.ADX >= adxTrendFloor
	highVol := medium.BollingerWidth >= bollingerWideFloor || medium.VolumeRatio >= 1.5

	switch {
	case trending && highVol:
		return RegimeTrendingHighVol
	case trending && !highVol:
		return RegimeTrendingLowVol
	case !trending && highVol:
		return RegimeRangingHighVol
	default:
		return RegimeRangingLowVol
	}
}

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// ScoreSignal computes the weighted 0-100 score and a direction lean for
// a medium-horizon snapshot under the given regime weights. RSI exactly
// at the oversold/overbought boundary is treated as the non-extreme side
// (spec §8 boundary behavior).
func ScoreSignal(snap IndicatorSnapshot, w RegimeWeights) (score float64, dir Direction) {
	rsiComponent, rsiDir := rsiScore(snap.RSI)
	emaComponent, emaDir := emaScore(snap.EMASlope)
	macdComponent, macdDir := macdScore(snap.MACDHist, snap.MACDCrossUp)
	adxComponent := clampScore(snap.ADX / 50 * 100)
	bollComponent, bollDir := bollingerScore(snap.VWAPDistance)
	volComponent := clampScore(snap.VolumeRatio / 3 * 100)

	score = rsiComponent*w.RSI + emaComponent*w.EMATrend + macdComponent*w.MACD +
		adxComponent*w.ADX + bollComponent*w.Bollinger + volComponent*w.VolumeRatio

	votes := map[Direction]float64{
		Long:  0,
		Short: 0,
	}
	votes[rsiDir] += w.RSI
	votes[emaDir] += w.EMATrend
	votes[macdDir] += w.MACD
	votes[bollDir] += w.Bollinger

	dir = Long
	if votes[Short] > votes[Long] {
		dir = Short
	}
	return clampScore(score), dir
}

func rsiScore(rsi float64) (float64, Direction) {
	if rsi < rsiOversold {
		return 40 + (rsiOversold-rsi)/rsiOversold*60, Long
	}
	if rsi > rsiOverbought {
		return 40 + (rsi-rsiOverbought)/(100-rsiOverbought)*60, Short
	}
	return 40, Long // neutral zone contributes weakly, default lean doesn't dominate
}

func emaScore(slope float64) (float64, Direction) {
	dir := Long
	if slope < 0 {
		dir = Short
	}
	magnitude := clampScore(absFloat(slope) * 2000)
	return magnitude, dir
}

func macdScore(hist float64, crossUp bool) (float64, Direction) {
	dir := Long
	if hist < 0 {
		dir = Short
	}
	base := clampScore(absFloat(hist) * 500)
	if crossUp {
		base = clampScore(base + 15)
	}
	return base, dir
}

func bollingerScore(vwapDistance float64) (float64, Direction) {
	if vwapDistance < 0 {
		return clampScore(absFloat(vwapDistance) * 1000), Long
	}
	return clampScore(vwapDistance * 1000), Short
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// IsReversal determines the REVERSAL tag: the signal opposes the
// longer-horizon trend and the extreme RSI confirms exhaustion (spec
// §4.3). Otherwise the signal is TREND.
func IsReversal(dir Direction, longHorizon IndicatorSnapshot, rsi float64) bool {
	longTrendUp := longHorizon.EMASlope > 0
	opposesLongTrend := (dir == Short && longTrendUp) || (dir == Long && !longTrendUp)
	extremeConfirm := (dir == Long && rsi < rsiOversold) || (dir == Short && rsi > rsiOverbought)
	return opposesLongTrend && extremeConfirm
}

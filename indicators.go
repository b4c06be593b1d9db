package main

import (
	"time"

	"github.com/markcheno/go-talib"
)

// Computation of RSI/EMA/MACD/ADX/Bollinger/ATR is delegated to
// markcheno/go-talib rather than hand-rolled, the way aristath-sentinel's
// pkg/formulas package delegates to the same library instead of
// translating the underlying Python line by line. VWAP-distance/slope,
// volume ratio and session flags stay local since no pack library covers
// them.

func isNaN(f float64) bool { return f != f }

func lastValid(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return 0, false
	}
	return v, true
}

// ComputeIndicators builds an IndicatorSnapshot from a candle series for
// one horizon. Candles must be in ascending open-time order.
func ComputeIndicators(candles []Candle) IndicatorSnapshot {
	var snap IndicatorSnapshot
	n := len(candles)
	if n < 20 {
		return snap
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	if rsi, ok := lastValid(talib.Rsi(closes, 14)); ok {
		snap.RSI = rsi
	}

	emaFastSeries := talib.Ema(closes, 12)
	emaSlowSeries := talib.Ema(closes, 26)
	if v, ok := lastValid(emaFastSeries); ok {
		snap.EMAFast = v
	}
	if v, ok := lastValid(emaSlowSeries); ok {
		snap.EMASlow = v
	}
	if len(emaFastSeries) >= 6 {
		prior, okPrior := lastValid(emaFastSeries[:len(emaFastSeries)-5])
		cur, okCur := lastValid(emaFastSeries)
		if okPrior && okCur && prior != 0 {
			snap.EMASlope = (cur - prior) / prior
		}
	}

	macd, macdSignal, _ := talib.Macd(closes, 12, 26, 9)
	if len(macd) > 0 && len(macdSignal) > 0 {
		m, okM := lastValid(macd)
		s, okS := lastValid(macdSignal)
		if okM && okS {
			snap.MACDHist = m - s
			if len(macd) >= 2 {
				prevM, okPM := lastValid(macd[:len(macd)-1])
				prevS, okPS := lastValid(macdSignal[:len(macdSignal)-1])
				if okPM && okPS {
					snap.MACDCrossUp = prevM <= prevS && m > s
				}
			}
		}
	}

	if adx, ok := lastValid(talib.Adx(highs, lows, closes, 14)); ok {
		snap.ADX = adx
	}

	upper, _, lower := talib.BBands(closes, 20, 2, 2, 0)
	if u, okU := lastValid(upper); okU {
		if l, okL := lastValid(lower); okL && closes[n-1] != 0 {
			snap.BollingerWidth = (u - l) / closes[n-1]
		}
	}

	if atr, ok := lastValid(talib.Atr(highs, lows, closes, 14)); ok {
		snap.ATR = atr
	}

	vwap := computeVWAP(candles)
	if vwap > 0 {
		snap.VWAPDistance = (closes[n-1] - vwap) / vwap
	}
	if n >= 6 {
		vwapPrior := computeVWAP(candles[:n-5])
		if vwapPrior > 0 {
			snap.VWAPSlope = (vwap - vwapPrior) / vwapPrior
		}
	}

	snap.VolumeRatio = volumeRatio(volumes)
	snap.InSession = inActiveSession(candles[n-1].OpenTime)

	return snap
}

// computeVWAP is a rolling volume-weighted average price over the supplied
// window; no pack library exposes this so it stays hand-rolled.
func computeVWAP(candles []Candle) float64 {
	var pv, v float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		v += c.Volume
	}
	if v == 0 {
		return 0
	}
	return pv / v
}

// volumeRatio compares the most recent bar's volume to the trailing
// 20-bar average, flagging unusual participation.
func volumeRatio(volumes []float64) float64 {
	n := len(volumes)
	if n < 21 {
		return 1
	}
	var sum float64
	window := volumes[n-21 : n-1]
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(len(window))
	if avg == 0 {
		return 1
	}
	return volumes[n-1] / avg
}

// inActiveSession flags the higher-liquidity overlap of London/New York
// trading hours (UTC), used to discount signals generated in thin
// off-session liquidity.
func inActiveSession(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= 12 && h < 20
}

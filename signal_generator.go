package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Horizon keys mirror spec §4.3's short/medium/long triad. Grounded on
// trend_analyzer.go's 1h/15m/5m/1m multi-timeframe pass, collapsed from
// four Binance intervals to three named horizons per the spec.
const (
	horizonShort  = "short"
	horizonMedium = "medium"
	horizonLong   = "long"
)

var horizonIntervals = map[string]string{
	horizonShort:  "1m",
	horizonMedium: "5m",
	horizonLong:   "1h",
}

const (
	signalDeadline   = 4 * time.Second
	candleLookback   = 120
	explosiveRSIGate = 65.0
	explosiveVolGate = 1.5
)

// SignalGenerator computes per-symbol signals with bounded fan-out.
// Grounded on PredatorEngine.startWorker/PredatorWorker.Run for the
// worker-pool shape, TrendAnalyzer.GetMarketTrend for the multi-timeframe
// pass, and scalp_signal_engine.go's whale-volume + trend-alignment gate
// for the EXPLOSIVE-regime confirmation path.
type SignalGenerator struct {
	gateway *Gateway
	mi      *MarketIntelligenceOverlay
	metrics *Metrics
}

func NewSignalGenerator(gw *Gateway, mi *MarketIntelligenceOverlay, m *Metrics) *SignalGenerator {
	return &SignalGenerator{gateway: gw, mi: mi, metrics: m}
}

// GenerateAll fans out signal computation across candidates with bounded
// concurrency (design note: "cooperative I/O loops -> bounded worker
// pools"). Each candidate's computation has its own deadline; a timeout
// drops that candidate without poisoning the batch.
func (g *SignalGenerator) GenerateAll(ctx context.Context, candidates []Ticker24h, maxConcurrency int) []Signal {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	sem := make(chan struct{}, maxConcurrency)
	results := make(chan *Signal, len(candidates))

	for _, cand := range candidates {
		sem <- struct{}{}
		go func(c Ticker24h) {
			defer func() { <-sem }()
			cctx, cancel := context.WithTimeout(ctx, signalDeadline)
			defer cancel()
			sig, err := g.generateOne(cctx, c.Symbol)
			if err != nil {
				if g.metrics != nil {
					g.metrics.SignalDropped.WithLabelValues(c.Symbol).Inc()
				}
				results <- nil
				return
			}
			results <- sig
		}(cand)
	}

	signals := make([]Signal, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		if sig := <-results; sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// generateOne computes indicators at all three horizons, classifies
// regime, scores the candidate, applies the MI overlay, and emits a
// Signal only if both the regime's score and RR bars clear (spec §4.3).
func (g *SignalGenerator) generateOne(ctx context.Context, symbol string) (*Signal, error) {
	snaps := make(map[string]IndicatorSnapshot, 3)
	for horizon, interval := range horizonIntervals {
		candles, err := g.gateway.Candles(ctx, symbol, interval, candleLookback)
		if err != nil {
			return nil, err
		}
		snaps[horizon] = ComputeIndicators(candles)
	}

	medium := snaps[horizonMedium]
	short := snaps[horizonShort]
	long := snaps[horizonLong]

	regime := ClassifyRegime(medium, short)
	thresholds := ThresholdsFor(regime)

	rawScore, dir := ScoreSignal(medium, thresholds.Weights)

	if regime == RegimeExplosive {
		if !confirmExplosive(short, medium, dir) {
			return nil, errSignalFiltered
		}
	}

	mi := g.mi.Compute(ctx, symbol, dir)
	if mi.HardBlock {
		return nil, errSignalFiltered
	}
	score := AdjustScore(rawScore, mi)

	lastCandles, err := g.gateway.Candles(ctx, symbol, horizonIntervals[horizonMedium], 1)
	if err != nil || len(lastCandles) == 0 {
		return nil, errSignalFiltered
	}
	entry := lastCandles[len(lastCandles)-1].Close

	stopDist := medium.ATR * 1.5
	if stopDist <= 0 {
		return nil, errSignalFiltered
	}
	var stop, target float64
	if dir == Long {
		stop = entry - stopDist
		target = entry + stopDist*thresholds.MinRR
	} else {
		stop = entry + stopDist
		target = entry - stopDist*thresholds.MinRR
	}
	rr := thresholds.MinRR

	if score < thresholds.MinScore || rr < thresholds.MinRR {
		return nil, errSignalFiltered
	}

	sigType := SignalTrend
	if IsReversal(dir, long, medium.RSI) {
		sigType = SignalReversal
	}

	sig := &Signal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Direction:  dir,
		Score:      score,
		Regime:     regime,
		SignalType: sigType,
		Entry:      entry,
		StopLoss:   stop,
		RRRatio:    rr,
		Indicators: map[string]IndicatorSnapshot{horizonShort: short, horizonMedium: medium, horizonLong: long},
		MI:         mi,
		CreatedAt:  time.Now(),
	}
	sig.TakeProfits = []TPLevel{{Price: target, ClosePct: 1.0}}
	return sig, nil
}

// confirmExplosive requires a short-horizon volume ratio of at least
// explosiveVolGate and a medium-horizon RSI on the signal's side (at least
// explosiveRSIGate for LONG, at most 100-explosiveRSIGate for SHORT), the
// EXPLOSIVE-regime confirmation
// path grounded on scalp_signal_engine.go's whale + trend-alignment gate.
func confirmExplosive(short, medium IndicatorSnapshot, dir Direction) bool {
	if short.VolumeRatio < explosiveVolGate {
		return false
	}
	if dir == Long && medium.RSI < explosiveRSIGate {
		return false
	}
	if dir == Short && medium.RSI > (100-explosiveRSIGate) {
		return false
	}
	return true
}

var errSignalFiltered = &DomainRejection{Reason: RejectLowVolume, Detail: "below regime threshold or gate"}

func logSignalSummary(signals []Signal, scanned int) {
	log.Printf("signal_generator: scanned=%d emitted=%d", scanned, len(signals))
}

package main

import (
	"context"
	"sync"
	"time"
)

// LiquidationEvent is a single observed forced-liquidation print from the
// venue's liquidation stream. Kept close to liquidation_monitor.go's
// original shape: Side "BUY" means shorts were liquidated (bullish fuel),
// "SELL" means longs were liquidated (bearish fuel).
type LiquidationEvent struct {
	Symbol    string
	Side      string
	AmountUSD float64
	At        time.Time
}

// LiquidationTracker retains a rolling window of liquidation events per
// symbol. Grounded on liquidation_monitor.go, kept close to verbatim since
// the teacher's windowed-aggregation shape already fits this spec's
// liquidation-proximity input to the MI overlay.
type LiquidationTracker struct {
	mu     sync.RWMutex
	events map[string][]LiquidationEvent
	window time.Duration
}

func NewLiquidationTracker(window time.Duration) *LiquidationTracker {
	return &LiquidationTracker{events: make(map[string][]LiquidationEvent), window: window}
}

func (t *LiquidationTracker) Record(ev LiquidationEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[ev.Symbol] = append(t.events[ev.Symbol], ev)
	t.prune(ev.Symbol, ev.At)
}

func (t *LiquidationTracker) Volume(symbol, side string, now time.Time) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cutoff := now.Add(-t.window)
	var total float64
	for _, ev := range t.events[symbol] {
		if ev.At.After(cutoff) && ev.Side == side {
			total += ev.AmountUSD
		}
	}
	return total
}

func (t *LiquidationTracker) prune(symbol string, now time.Time) {
	cutoff := now.Add(-t.window)
	events := t.events[symbol]
	valid := events[:0]
	for _, ev := range events {
		if ev.At.After(cutoff) {
			valid = append(valid, ev)
		}
	}
	t.events[symbol] = valid
}

// Near reports whether liquidation volume on either side exceeds floorUSD
// within the tracker's window — a proxy for "price is near a liquidation
// cluster", used as the MI overlay's liquidation-proximity input.
func (t *LiquidationTracker) Near(symbol string, floorUSD float64, now time.Time) bool {
	return t.Volume(symbol, "BUY", now) >= floorUSD || t.Volume(symbol, "SELL", now) >= floorUSD
}

const (
	miFundingAdverseThreshold = 0.0008 // 0.08%, matches position monitor's funding-aware exit bar
	miLongShortExtreme        = 2.5
	miDepthFloorUSD           = 100_000
	miHardBlockSentiment      = -40.0
)

// MarketIntelligenceOverlay assembles the funding/long-short/depth/
// liquidation sentiment overlay described in spec §4.3. Grounded on
// liquidation_monitor.go for the liquidation input; funding rate,
// long/short ratio and order-book depth are new gateway-backed calls that
// have no teacher analogue but are exercised through the same Gateway
// used everywhere else.
type MarketIntelligenceOverlay struct {
	gateway *Gateway
	liqs    *LiquidationTracker
}

func NewMarketIntelligenceOverlay(gw *Gateway, liqs *LiquidationTracker) *MarketIntelligenceOverlay {
	return &MarketIntelligenceOverlay{gateway: gw, liqs: liqs}
}

// Compute fetches and combines the overlay for symbol/direction. Fetch
// failures degrade individual inputs to neutral rather than failing the
// whole overlay — one stalled endpoint must not block signal generation.
func (o *MarketIntelligenceOverlay) Compute(ctx context.Context, symbol string, dir Direction) MarketIntelligence {
	var mi MarketIntelligence

	if fr, err := o.gateway.FundingRate(ctx, symbol); err == nil {
		mi.FundingRate = fr
	}
	if ls, err := o.gateway.LongShortRatio(ctx, symbol); err == nil {
		mi.LongShortRatio = ls
	} else {
		mi.LongShortRatio = 1.0
	}
	if depth, err := o.gateway.OrderBookDepthUSD(ctx, symbol, 0.05); err == nil {
		mi.OrderBookDepthUSD = depth
	}
	mi.LiquidityRisk = mi.OrderBookDepthUSD > 0 && mi.OrderBookDepthUSD < miDepthFloorUSD

	if o.liqs != nil {
		mi.LiquidationNear = o.liqs.Near(symbol, 250_000, time.Now())
	}

	mi.SentimentScore = sentimentScore(mi, dir)
	mi.HardBlock = mi.SentimentScore <= miHardBlockSentiment
	return mi
}

// sentimentScore folds funding, crowd positioning and liquidation
// proximity into a single [-50, +50] adjustment, negative meaning
// "against this direction". Crowded long-short ratios are treated as
// contrarian: an extremely one-sided long crowd is bearish fuel for a
// LONG signal (it is the liquidation wick waiting to happen) and vice
// versa — the same asymmetry liquidation_monitor.go's BUY/SELL semantics
// encode.
func sentimentScore(mi MarketIntelligence, dir Direction) float64 {
	var score float64

	fundingAdverse := (dir == Long && mi.FundingRate >= miFundingAdverseThreshold) ||
		(dir == Short && mi.FundingRate <= -miFundingAdverseThreshold)
	if fundingAdverse {
		score -= 20
	} else if mi.FundingRate != 0 {
		score += 5
	}

	crowdedAgainstLong := mi.LongShortRatio >= miLongShortExtreme
	crowdedAgainstShort := mi.LongShortRatio <= 1/miLongShortExtreme
	if dir == Long && crowdedAgainstLong {
		score -= 15
	}
	if dir == Short && crowdedAgainstShort {
		score -= 15
	}

	if mi.LiquidationNear {
		score -= 10
	}

	if score > 50 {
		score = 50
	}
	if score < -50 {
		score = -50
	}
	return score
}

// AdjustScore applies the MI overlay's bounded ±20-point adjustment to a
// raw indicator score (spec §4.3).
func AdjustScore(rawScore float64, mi MarketIntelligence) float64 {
	adj := mi.SentimentScore / 50 * 20
	out := rawScore + adj
	if out < 0 {
		out = 0
	}
	if out > 100 {
		out = 100
	}
	return out
}

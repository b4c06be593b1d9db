package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// Gateway is the single typed surface the rest of the engine uses to talk
// to the venue. It wraps adshao/go-binance/v2/futures with a token-bucket
// weight budget, bounded retry/backoff, and a symbol-filter cache, the way
// execution_service.go wraps *futures.Client with FetchExchangeInfo/
// RoundToPrecision/setMarginType but generalized into a standalone
// component the gateway, scanner, executor and monitor all share instead
// of each owning its own client.
type Gateway struct {
	client   *futures.Client
	limiter  *rate.Limiter
	dryRun   bool

	mu      sync.RWMutex
	filters map[string]SymbolFilters
}

const (
	// gatewayWeightLimit approximates Binance USDT-M futures' 2400-weight
	// rolling minute budget; kept conservative to leave headroom for user
	// data stream reconnects and burst scanner calls.
	gatewayWeightLimit = 2000
)

func NewGateway(apiKey, apiSecret string, testnet bool, dryRun bool) *Gateway {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, apiSecret)
	return &Gateway{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/gatewayWeightLimit), 50),
		dryRun:  dryRun,
		filters: make(map[string]SymbolFilters),
	}
}

// withRetry runs op with a bounded exponential backoff, retrying only
// GatewayErrors classified as retryable (rate-limited, timeout, connection
// loss). Grounded on execution_service.go's inline "for i := 0; i < 2"
// GTX retry loop, generalized into a reusable helper.
func (g *Gateway) withRetry(ctx context.Context, maxAttempts int, op func() error) error {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}

func wrapVenueErr(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*futures.APIError); ok {
		return &GatewayError{Code: classifyVenueCode(apiErr.Code), Symbol: symbol, Op: op, Err: err}
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return &GatewayError{Code: GatewayErrTimeout, Symbol: symbol, Op: op, Err: err}
	}
	return &GatewayError{Code: GatewayErrUnknown, Symbol: symbol, Op: op, Err: err}
}

// RefreshFilters loads per-symbol precision/notional rules. Grounded on
// execution_service.go's FetchExchangeInfo; generalized to populate the
// closed SymbolFilters type instead of the teacher's bare TickSize/
// StepSize pair, adding MinQty/MinNotional.
func (g *Gateway) RefreshFilters(ctx context.Context) error {
	var info *futures.ExchangeInfo
	err := g.withRetry(ctx, 3, func() error {
		var e error
		info, e = g.client.NewExchangeInfoService().Do(ctx)
		return wrapVenueErr("exchange_info", "", e)
	})
	if err != nil {
		return err
	}

	next := make(map[string]SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		sf := SymbolFilters{Symbol: s.Symbol, PriceTick: 0.01, StepSize: 0.001, MinQty: 0, MinNotional: 5}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					sf.PriceTick, _ = strconv.ParseFloat(v, 64)
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					sf.StepSize, _ = strconv.ParseFloat(v, 64)
				}
				if v, ok := f["minQty"].(string); ok {
					sf.MinQty, _ = strconv.ParseFloat(v, 64)
				}
			case "MIN_NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					sf.MinNotional, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		next[s.Symbol] = sf
	}

	g.mu.Lock()
	g.filters = next
	g.mu.Unlock()
	log.Printf("gateway: refreshed filters for %d symbols", len(next))
	return nil
}

// Filters returns the cached SymbolFilters for symbol, triggering a
// one-shot refresh if the cache is cold. Mirrors execution_service.go's
// SetSymbolExitTarget lazy-refresh-on-miss pattern.
func (g *Gateway) Filters(ctx context.Context, symbol string) (SymbolFilters, error) {
	g.mu.RLock()
	sf, ok := g.filters[symbol]
	g.mu.RUnlock()
	if ok {
		return sf, nil
	}
	if err := g.RefreshFilters(ctx); err != nil {
		return SymbolFilters{}, err
	}
	g.mu.RLock()
	sf, ok = g.filters[symbol]
	g.mu.RUnlock()
	if !ok {
		return SymbolFilters{}, ErrNoFilters
	}
	return sf, nil
}

// precision returns decimal places for a step/tick size. Grounded
// verbatim on execution_service.go's getPrecision.
func precision(step float64) int {
	if step <= 0 {
		return 2
	}
	if step < 1 {
		return int(math.Ceil(-math.Log10(step)))
	}
	return 0
}

// RoundToStep rounds value to the nearest multiple of step. Grounded on
// execution_service.go's RoundToPrecision.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+0.5) * step
}

// FormatPrice/FormatQty render a rounded value at the symbol's required
// decimal precision for wire submission.
func FormatPrice(sf SymbolFilters, price float64) string {
	p := RoundToStep(price, sf.PriceTick)
	return fmt.Sprintf("%.*f", precision(sf.PriceTick), p)
}

func FormatQty(sf SymbolFilters, qty float64) string {
	q := RoundToStep(qty, sf.StepSize)
	return fmt.Sprintf("%.*f", precision(sf.StepSize), q)
}

// SetMarginMode forces a symbol to the requested margin mode, tolerating
// the venue's "no need to change" response. Grounded on
// execution_service.go's setMarginType.
func (g *Gateway) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	if g.dryRun {
		return nil
	}
	mt := futures.MarginTypeIsolated
	if mode == MarginCross {
		mt = futures.MarginTypeCrossed
	}
	err := g.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "No need to change margin type") {
			return nil
		}
		return wrapVenueErr("set_margin_mode", symbol, err)
	}
	return nil
}

// SetLeverage is idempotent from the caller's perspective: the venue
// accepts redundant calls. Grounded on execution_service.go's
// NewChangeLeverageService usage.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if g.dryRun {
		return nil
	}
	_, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return wrapVenueErr("set_leverage", symbol, err)
}

// BookTicker is the best bid/ask snapshot used for smart entry offsetting.
type BookTicker struct {
	BidPrice float64
	AskPrice float64
}

func (g *Gateway) BestBidAsk(ctx context.Context, symbol string) (BookTicker, error) {
	var bt BookTicker
	err := g.withRetry(ctx, 2, func() error {
		tickers, e := g.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if e != nil {
			return wrapVenueErr("book_ticker", symbol, e)
		}
		if len(tickers) == 0 {
			return &GatewayError{Code: GatewayErrUnknown, Symbol: symbol, Op: "book_ticker", Err: fmt.Errorf("empty ticker response")}
		}
		bid, _ := strconv.ParseFloat(tickers[0].BidPrice, 64)
		ask, _ := strconv.ParseFloat(tickers[0].AskPrice, 64)
		bt = BookTicker{BidPrice: bid, AskPrice: ask}
		return nil
	})
	return bt, err
}

// AccountSnapshot pulls wallet/margin figures for the risk manager's
// capital accounting (spec §4.4).
func (g *Gateway) AccountSnapshot(ctx context.Context) (CapitalSnapshot, error) {
	var snap CapitalSnapshot
	err := g.withRetry(ctx, 2, func() error {
		acc, e := g.client.NewGetAccountService().Do(ctx)
		if e != nil {
			return wrapVenueErr("account", "", e)
		}
		wallet, _ := strconv.ParseFloat(acc.TotalWalletBalance, 64)
		avail, _ := strconv.ParseFloat(acc.AvailableBalance, 64)
		upnl, _ := strconv.ParseFloat(acc.TotalUnrealizedProfit, 64)
		margin, _ := strconv.ParseFloat(acc.TotalMarginBalance, 64)
		snap = CapitalSnapshot{
			TotalWallet:      wallet,
			AvailableBalance: avail,
			UnrealizedPnL:    upnl,
			MarginUsed:       margin - avail,
			AsOf:             time.Now(),
		}
		return nil
	})
	return snap, err
}

// Candles fetches recent klines for a horizon. interval follows Binance's
// "1m"/"5m"/"15m"/"1h" convention.
func (g *Gateway) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var out []Candle
	err := g.withRetry(ctx, 2, func() error {
		kl, e := g.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		if e != nil {
			return wrapVenueErr("klines", symbol, e)
		}
		out = make([]Candle, 0, len(kl))
		for _, k := range kl {
			o, _ := strconv.ParseFloat(k.Open, 64)
			h, _ := strconv.ParseFloat(k.High, 64)
			l, _ := strconv.ParseFloat(k.Low, 64)
			c, _ := strconv.ParseFloat(k.Close, 64)
			v, _ := strconv.ParseFloat(k.Volume, 64)
			out = append(out, Candle{
				OpenTime: time.UnixMilli(k.OpenTime),
				Open:     o, High: h, Low: l, Close: c, Volume: v,
			})
		}
		return nil
	})
	return out, err
}

// Ticker24h is the 24h rolling-window stats used by the scanner.
type Ticker24h struct {
	Symbol      string
	QuoteVolume float64
	PriceChgPct float64
	LastPrice   float64
}

func (g *Gateway) Top24hTickers(ctx context.Context) ([]Ticker24h, error) {
	var out []Ticker24h
	err := g.withRetry(ctx, 2, func() error {
		stats, e := g.client.NewListPriceChangeStatsService().Do(ctx)
		if e != nil {
			return wrapVenueErr("ticker_24h", "", e)
		}
		out = make([]Ticker24h, 0, len(stats))
		for _, s := range stats {
			if !strings.HasSuffix(s.Symbol, "USDT") {
				continue
			}
			qv, _ := strconv.ParseFloat(s.QuoteVolume, 64)
			chg, _ := strconv.ParseFloat(s.PriceChangePercent, 64)
			last, _ := strconv.ParseFloat(s.LastPrice, 64)
			out = append(out, Ticker24h{Symbol: s.Symbol, QuoteVolume: qv, PriceChgPct: chg, LastPrice: last})
		}
		return nil
	})
	return out, err
}

// FundingRate returns the current predicted funding rate for a symbol,
// used by the market-intelligence overlay (spec §4.3).
func (g *Gateway) FundingRate(ctx context.Context, symbol string) (float64, error) {
	var rate float64
	err := g.withRetry(ctx, 2, func() error {
		premiums, e := g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if e != nil {
			return wrapVenueErr("premium_index", symbol, e)
		}
		if len(premiums) == 0 {
			return &GatewayError{Code: GatewayErrUnknown, Symbol: symbol, Op: "premium_index", Err: fmt.Errorf("empty response")}
		}
		rate, _ = strconv.ParseFloat(premiums[0].LastFundingRate, 64)
		return nil
	})
	return rate, err
}

// LongShortRatio returns the top-trader long/short account ratio.
func (g *Gateway) LongShortRatio(ctx context.Context, symbol string) (float64, error) {
	var ratio float64
	err := g.withRetry(ctx, 2, func() error {
		stats, e := g.client.NewLongShortRatioService().Symbol(symbol).Period("15m").Limit(1).Do(ctx)
		if e != nil {
			return wrapVenueErr("long_short_ratio", symbol, e)
		}
		if len(stats) == 0 {
			return &GatewayError{Code: GatewayErrUnknown, Symbol: symbol, Op: "long_short_ratio", Err: fmt.Errorf("empty response")}
		}
		ratio, _ = strconv.ParseFloat(stats[0].LongShortRatio, 64)
		return nil
	})
	return ratio, err
}

// OrderBookDepthUSD estimates the resting liquidity within a small band
// around the mid price, in quote-currency terms.
func (g *Gateway) OrderBookDepthUSD(ctx context.Context, symbol string, bandPct float64) (float64, error) {
	var depth float64
	err := g.withRetry(ctx, 2, func() error {
		ob, e := g.client.NewDepthService().Symbol(symbol).Limit(100).Do(ctx)
		if e != nil {
			return wrapVenueErr("depth", symbol, e)
		}
		if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
			return nil
		}
		bestBid, _ := strconv.ParseFloat(ob.Bids[0].Price, 64)
		bestAsk, _ := strconv.ParseFloat(ob.Asks[0].Price, 64)
		mid := (bestBid + bestAsk) / 2
		lo, hi := mid*(1-bandPct), mid*(1+bandPct)
		var sum float64
		for _, b := range ob.Bids {
			p, _ := strconv.ParseFloat(b.Price, 64)
			q, _ := strconv.ParseFloat(b.Quantity, 64)
			if p >= lo {
				sum += p * q
			}
		}
		for _, a := range ob.Asks {
			p, _ := strconv.ParseFloat(a.Price, 64)
			q, _ := strconv.ParseFloat(a.Quantity, 64)
			if p <= hi {
				sum += p * q
			}
		}
		depth = sum
		return nil
	})
	return depth, err
}

// OpenPositionQty returns the venue's current signed position size for a
// symbol (positive long, negative short), used to reconcile engine state
// against exchange-as-source-of-truth (spec §6).
func (g *Gateway) OpenPositionQty(ctx context.Context, symbol string) (float64, error) {
	var qty float64
	err := g.withRetry(ctx, 2, func() error {
		risks, e := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		if e != nil {
			return wrapVenueErr("position_risk", symbol, e)
		}
		for _, p := range risks {
			amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
			qty = amt
		}
		return nil
	})
	return qty, err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// Executor places entry orders and their attached protection, and owns
// the set of in-flight order attempts exclusively (spec §3 ownership
// rule). Grounded on ExecutionService.ExecuteTrade (GTX post-only ->
// retry -> market fallback) and placeProtectionOrders (STOP +
// TAKE_PROFIT_MARKET, reduce-only, mark-price working type).
type Executor struct {
	gateway  *Gateway
	store    PersistenceStore
	notifier *Notifier
	metrics  *Metrics

	orderTimeout        time.Duration
	usePostOnly         bool
	allowMarketFallback bool
	depthFloorUSD       float64
	headroomMinPct      float64
	reduceStepPct       float64
	dynamicTPEnabled    bool
}

type ExecutorConfig struct {
	OrderTimeout        time.Duration
	UsePostOnly         bool
	AllowMarketFallback bool
	DepthFloorUSD       float64
	HeadroomMinPct      float64
	ReduceStepPct       float64
	DynamicTPEnabled    bool
}

func NewExecutor(gw *Gateway, store PersistenceStore, notifier *Notifier, metrics *Metrics, cfg ExecutorConfig) *Executor {
	return &Executor{
		gateway: gw, store: store, notifier: notifier, metrics: metrics,
		orderTimeout: cfg.OrderTimeout, usePostOnly: cfg.UsePostOnly,
		allowMarketFallback: cfg.AllowMarketFallback, depthFloorUSD: cfg.DepthFloorUSD,
		headroomMinPct: cfg.HeadroomMinPct, reduceStepPct: cfg.ReduceStepPct,
		dynamicTPEnabled: cfg.DynamicTPEnabled,
	}
}

const maxEntryAttempts = 3

// Execute runs the full entry pipeline: leverage/margin set, three
// post-only attempts with fresh quotes, optional market fallback,
// headroom check, attached protection, and metadata persistence (spec
// §4.5). Caller must hold the symbol's lock.
func (ex *Executor) Execute(ctx context.Context, sig Signal, decision RiskDecision) (*Position, error) {
	sf, err := ex.gateway.Filters(ctx, sig.Symbol)
	if err != nil {
		return nil, err
	}

	if err := ex.gateway.SetMarginMode(ctx, sig.Symbol, decision.MarginMode); err != nil {
		return nil, fmt.Errorf("set margin mode: %w", err)
	}
	if err := ex.gateway.SetLeverage(ctx, sig.Symbol, decision.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}

	qty := decision.Quantity
	if err := ValidateOrder(sf, sig.Entry, qty); err != nil {
		return nil, err
	}

	filled, avgPrice, err := ex.enterWithRetry(ctx, sig, sf, qty)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		EntryPrice:  avgPrice,
		Quantity:    filled,
		Leverage:    decision.Leverage,
		MarginMode:  decision.MarginMode,
		SignalType:  sig.SignalType,
		OpenedAt:    time.Now(),
		StopLoss:    sig.StopLoss,
		Version:     1,
	}

	ex.applyHeadroom(ctx, pos, sf)

	ladder, tag := BuildTPLadder(sig, pos.EntryPrice)
	pos.TakeProfits = ladder
	pos.StrategyTag = tag

	if err := ex.placeProtection(ctx, pos, sf); err != nil {
		log.Printf("executor: protection placement degraded for %s: %v", sig.Symbol, err)
	}

	if ex.store != nil {
		_ = ex.store.SavePositionMetadata(ctx, PositionMetadata{
			Symbol: pos.Symbol, SignalType: pos.SignalType, StrategyTag: pos.StrategyTag, Version: pos.Version,
		})
	}
	if ex.notifier != nil {
		ex.notifier.NotifyTradeOpened(*pos)
	}
	if ex.metrics != nil {
		ex.metrics.TradesOpened.WithLabelValues(string(pos.Direction), string(pos.SignalType)).Inc()
	}
	return pos, nil
}

// enterWithRetry implements the three-attempt post-only -> market
// fallback ladder (spec §4.5). Grounded on ExecutionService.ExecuteTrade's
// GTX retry loop with smart bid/ask offsetting.
func (ex *Executor) enterWithRetry(ctx context.Context, sig Signal, sf SymbolFilters, qty float64) (filledQty, avgPrice float64, err error) {
	side := futures.SideTypeBuy
	if sig.Direction == Short {
		side = futures.SideTypeSell
	}

	var lastErr error
	for attempt := 1; attempt <= maxEntryAttempts; attempt++ {
		bt, err := ex.gateway.BestBidAsk(ctx, sig.Symbol)
		if err != nil {
			lastErr = err
			continue
		}
		price := smartOffsetPrice(sig.Direction, bt, sf.PriceTick)

		octx, cancel := context.WithTimeout(ctx, ex.orderTimeout)
		orderID, err := ex.placeLimit(octx, sig.Symbol, side, sf, price, qty)
		cancel()
		if err == nil {
			filled, avg, filErr := ex.awaitFillOrCancel(ctx, sig.Symbol, orderID, ex.orderTimeout)
			if filErr == nil && filled > 0 {
				return filled, avg, nil
			}
			lastErr = filErr
			continue
		}

		var gerr *GatewayError
		if errors.As(err, &gerr) && gerr.Code == GatewayErrInvalidQty {
			if refreshErr := ex.gateway.RefreshFilters(ctx); refreshErr == nil {
				sf, _ = ex.gateway.Filters(ctx, sig.Symbol)
			}
		}
		lastErr = err
	}
	if ex.allowMarketFallback {
		return ex.placeMarket(ctx, sig.Symbol, side, sf, qty)
	}
	return 0, 0, lastErr
}

// smartOffsetPrice places the maker order one tick inside the book to
// stay post-only without crossing. Grounded verbatim in spirit on
// ExecutionService.ExecuteTrade's "SPREAD SLICING" logic.
func smartOffsetPrice(dir Direction, bt BookTicker, tick float64) float64 {
	if tick <= 0 {
		tick = 0.01
	}
	if dir == Long {
		p := bt.BidPrice + tick
		if p >= bt.AskPrice {
			p = bt.AskPrice - tick
		}
		return p
	}
	p := bt.AskPrice - tick
	if p <= bt.BidPrice {
		p = bt.BidPrice + tick
	}
	return p
}

func (ex *Executor) placeLimit(ctx context.Context, symbol string, side futures.SideType, sf SymbolFilters, price, qty float64) (int64, error) {
	tif := futures.TimeInForceTypeGTC
	if ex.usePostOnly {
		tif = futures.TimeInForceTypeGTX
	}
	svc := ex.gateway.client.NewCreateOrderService().
		Symbol(symbol).Side(side).Type(futures.OrderTypeLimit).
		TimeInForce(tif).
		Price(FormatPrice(sf, price)).
		Quantity(FormatQty(sf, qty))

	res, err := svc.Do(ctx)
	if err != nil {
		return 0, wrapVenueErr("create_order", symbol, err)
	}
	return res.OrderID, nil
}

func (ex *Executor) placeMarket(ctx context.Context, symbol string, side futures.SideType, sf SymbolFilters, qty float64) (float64, float64, error) {
	res, err := ex.gateway.client.NewCreateOrderService().
		Symbol(symbol).Side(side).Type(futures.OrderTypeMarket).
		Quantity(FormatQty(sf, qty)).
		Do(ctx)
	if err != nil {
		return 0, 0, wrapVenueErr("create_order_market", symbol, err)
	}
	filled, avg := parseOrderFill(res)
	return filled, avg, nil
}

func parseOrderFill(res *futures.CreateOrderResponse) (float64, float64) {
	qty := parseFloatOrZero(res.ExecutedQuantity)
	avg := parseFloatOrZero(res.AvgPrice)
	if qty == 0 {
		qty = parseFloatOrZero(res.OrigQuantity)
	}
	return qty, avg
}

// awaitFillOrCancel polls order status up to timeout; on timeout it
// cancels the resting order (grounded on the teacher's "stealth walking"
// unfilled-cancel logic, simplified to a single cancel rather than a
// walk+cancel+market chain already covered by the caller's retry loop).
func (ex *Executor) awaitFillOrCancel(ctx context.Context, symbol string, orderID int64, timeout time.Duration) (float64, float64, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-ticker.C:
		}
		o, err := ex.gateway.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			continue
		}
		if o.Status == futures.OrderStatusTypeFilled {
			return parseFloatOrZero(o.ExecutedQuantity), parseFloatOrZero(o.AvgPrice), nil
		}
		if o.Status == futures.OrderStatusTypeCanceled || o.Status == futures.OrderStatusTypeRejected || o.Status == futures.OrderStatusTypeExpired {
			return 0, 0, &GatewayError{Code: GatewayErrUnknownOrder, Symbol: symbol, Op: "await_fill", Err: fmt.Errorf("status %s", o.Status)}
		}
	}
	_, _ = ex.gateway.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return 0, 0, &GatewayError{Code: GatewayErrTimeout, Symbol: symbol, Op: "await_fill", Err: fmt.Errorf("order %d unfilled after %s", orderID, timeout)}
}

// applyHeadroom reduces the position until the estimated liquidation
// distance clears headroomMinPct, or abandons reduction attempts after a
// bounded number of steps (spec §4.5). Liquidation price is approximated
// via leverage since the venue's exact maintenance-margin tiers are
// outside this engine's concern.
func (ex *Executor) applyHeadroom(ctx context.Context, pos *Position, sf SymbolFilters) {
	for i := 0; i < 3; i++ {
		headroom := estimateHeadroomPct(pos)
		if headroom >= ex.headroomMinPct {
			return
		}
		reduceQty := pos.Quantity * ex.reduceStepPct
		if reduceQty <= 0 {
			return
		}
		side := futures.SideTypeSell
		if pos.Direction == Short {
			side = futures.SideTypeBuy
		}
		_, err := ex.gateway.client.NewCreateOrderService().
			Symbol(pos.Symbol).Side(side).Type(futures.OrderTypeMarket).
			Quantity(FormatQty(sf, reduceQty)).ReduceOnly(true).
			Do(ctx)
		if err != nil {
			log.Printf("executor: headroom reduce failed for %s: %v", pos.Symbol, err)
			return
		}
		pos.Quantity -= reduceQty
	}
}

func estimateHeadroomPct(pos *Position) float64 {
	if pos.Leverage <= 0 {
		return 1
	}
	return 1.0/float64(pos.Leverage) - 0.005 // rough maintenance-margin buffer
}

// BuildTPLadder chooses Fibonacci vs conservative ATR multiples based on
// momentum strength (spec §4.5).
func BuildTPLadder(sig Signal, entry float64) ([]TPLevel, StrategyTag) {
	medium := sig.Indicators[horizonMedium]
	atr := medium.ATR
	if atr <= 0 {
		atr = absFloat(entry-sig.StopLoss) / 1.5
	}

	strong := medium.RSI > 65 && medium.VolumeRatio > 1.5
	mults := []float64{1.0, 1.5, 2.0}
	tag := StrategyConservative
	if strong {
		mults = []float64{1.618, 2.618, 4.236}
		tag = StrategyFibonacci
	}

	closes := []float64{0.30, 0.40, 0.30}
	ladder := make([]TPLevel, len(mults))
	for i, m := range mults {
		dist := atr * m
		price := entry + dist
		if sig.Direction == Short {
			price = entry - dist
		}
		ladder[i] = TPLevel{Price: price, ClosePct: closes[i]}
	}
	return ladder, tag
}

// placeProtection places SL (stop-market, reduce-only) and the TP ladder
// (reduce-only at each rung). Grounded on placeProtectionOrders. An SL
// failure is the only protection failure returned as an error; Execute
// logs it and the position stays open. A failed TP rung is logged and
// skipped.
func (ex *Executor) placeProtection(ctx context.Context, pos *Position, sf SymbolFilters) error {
	closeSide := futures.SideTypeSell
	if pos.Direction == Short {
		closeSide = futures.SideTypeBuy
	}

	_, err := ex.gateway.client.NewCreateOrderService().
		Symbol(pos.Symbol).Side(closeSide).Type(futures.OrderType("STOP_MARKET")).
		StopPrice(FormatPrice(sf, pos.StopLoss)).
		Quantity(FormatQty(sf, pos.Quantity)).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("stop loss placement failed (critical): %w", wrapVenueErr("stop_loss", pos.Symbol, err))
	}

	for i := range pos.TakeProfits {
		tp := &pos.TakeProfits[i]
		qty := pos.Quantity * tp.ClosePct
		order, err := ex.gateway.client.NewCreateOrderService().
			Symbol(pos.Symbol).Side(closeSide).Type(futures.OrderType("TAKE_PROFIT_MARKET")).
			StopPrice(FormatPrice(sf, tp.Price)).
			Quantity(FormatQty(sf, qty)).
			ReduceOnly(true).
			PriceProtect(true).
			WorkingType(futures.WorkingTypeMarkPrice).
			Do(ctx)
		if err != nil {
			log.Printf("executor: TP rung %d placement failed for %s (position still SL-protected): %v", i, pos.Symbol, err)
			continue
		}
		tp.OrderID = order.OrderID
	}
	return nil
}

// EmergencyClose flattens a position at market, reduce-only. Grounded
// verbatim in shape on ExecutionService.emergencyClose.
func (ex *Executor) EmergencyClose(ctx context.Context, pos *Position, sf SymbolFilters) error {
	side := futures.SideTypeSell
	if pos.Direction == Short {
		side = futures.SideTypeBuy
	}
	_, err := ex.gateway.client.NewCreateOrderService().
		Symbol(pos.Symbol).Side(side).Type(futures.OrderTypeMarket).
		Quantity(FormatQty(sf, pos.Quantity)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		if ex.notifier != nil {
			ex.notifier.NotifyEmergencyCloseFailed(pos.Symbol, err)
		}
		return fmt.Errorf("emergency close failed: %w", wrapVenueErr("emergency_close", pos.Symbol, err))
	}
	return nil
}

package main

import "context"

// PersistenceStore is the engine's durable-trade-store + ephemeral-
// state-store seam (spec §6). The core must keep running even if this is
// unavailable: callers treat every method's error as a logged degradation,
// never as a reason to stop trading (spec §6: "the core must still run").
type PersistenceStore interface {
	SaveTradeRecord(ctx context.Context, rec TradeRecord) error
	TradesBySymbol(ctx context.Context, symbol string, limit int) ([]TradeRecord, error)
	TradesByTimeRange(ctx context.Context, fromUnixMs, toUnixMs int64) ([]TradeRecord, error)

	SavePositionMetadata(ctx context.Context, meta PositionMetadata) error
	PositionMetadata(ctx context.Context, symbol string) (PositionMetadata, error)

	SaveCapitalSnapshot(ctx context.Context, snap CapitalSnapshot) error
}

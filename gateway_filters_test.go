package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundToStep(t *testing.T) {
	assert.InDelta(t, 0.002, RoundToStep(0.0015, 0.001), 1e-9)
	assert.InDelta(t, 0.002, RoundToStep(0.00151, 0.001), 1e-9)
	assert.Equal(t, 5.0, RoundToStep(5.0, 0))
}

func TestFormatPriceAndQty(t *testing.T) {
	sf := SymbolFilters{Symbol: "BTCUSDT", MinQty: 0.001, StepSize: 0.001, MinNotional: 5, PriceTick: 0.01}
	assert.Equal(t, "100.10", FormatPrice(sf, 100.099))
	assert.Equal(t, "0.002", FormatQty(sf, 0.0019))
}

// scenario 2: filter-error self-heal — a quantity that doesn't align to
// the step size is rejected pre-flight rather than sent to the venue,
// and the same quantity rounded to the step and raised to minQty (0.001)
// succeeds (spec §8 scenario 2).
func TestValidateOrder_StepMisalignmentThenSelfHeal(t *testing.T) {
	sf := SymbolFilters{Symbol: "BTCUSDT", MinQty: 0.001, StepSize: 0.001, MinNotional: 5, PriceTick: 0.01}

	err := ValidateOrder(sf, 50000, 0.00015)
	require.Error(t, err)
	var rej *DomainRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectMinNotional, rej.Reason)

	healed := math.Max(RoundToStep(0.00015, sf.StepSize), sf.MinQty)
	assert.NoError(t, ValidateOrder(sf, 50000, healed))
}

// Boundary: quantity at exactly minQty, notional at exactly minNotional
// must succeed (spec §8 boundary behavior).
func TestValidateOrder_ExactBoundarySucceeds(t *testing.T) {
	sf := SymbolFilters{Symbol: "BTCUSDT", MinQty: 0.001, StepSize: 0.001, MinNotional: 5, PriceTick: 0.01}
	price := sf.MinNotional / sf.MinQty
	assert.NoError(t, ValidateOrder(sf, price, sf.MinQty))
}

func TestValidateOrder_BelowMinQtyRejected(t *testing.T) {
	sf := SymbolFilters{Symbol: "BTCUSDT", MinQty: 0.001, StepSize: 0.001, MinNotional: 5, PriceTick: 0.01}
	err := ValidateOrder(sf, 50000, 0.0005)
	var rej *DomainRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectMinNotional, rej.Reason)
}

func TestValidateOrder_BelowMinNotionalRejected(t *testing.T) {
	sf := SymbolFilters{Symbol: "BTCUSDT", MinQty: 0.001, StepSize: 0.001, MinNotional: 5, PriceTick: 0.01}
	err := ValidateOrder(sf, 1000, 0.002) // notional 2.0 < minNotional 5
	var rej *DomainRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectMinNotional, rej.Reason)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol(" btc-usdt "))
	assert.Equal(t, "ETHUSDT", NormalizeSymbol("ETH_USDT.P"))
}

func TestPrecision(t *testing.T) {
	assert.Equal(t, 3, precision(0.001))
	assert.Equal(t, 0, precision(1))
	assert.Equal(t, 2, precision(0))
}

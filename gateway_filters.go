package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	binanceFuturesBase       = "https://fapi.binance.com"
	binanceFuturesTestnetURL = "https://testnet.binancefuture.com"
	binanceFuturesWSBase     = "wss://fstream.binance.com/ws/"
	binanceFuturesTestnetWS  = "wss://stream.binancefuture.com/ws/"
)

func (c *GatewayStreamClient) restBase() string {
	if c.testnet {
		return binanceFuturesTestnetURL
	}
	return binanceFuturesBase
}

func (c *GatewayStreamClient) wsURL(listenKey string) string {
	base := binanceFuturesWSBase
	if c.testnet {
		base = binanceFuturesTestnetWS
	}
	return base + listenKey
}

// createListenKey and keepAliveListenKey talk directly to the REST
// endpoints that the futures SDK does not expose a typed service for;
// grounded on the venue's documented listen-key lifecycle that
// execution_service.go never needed (it polled positions instead of
// subscribing to the user-data stream).
func (c *GatewayStreamClient) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restBase()+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("listen key request failed: %s: %s", resp.Status, string(body))
	}

	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

func (c *GatewayStreamClient) keepAliveListenKey(ctx context.Context, listenKey string) error {
	u := c.restBase() + "/fapi/v1/listenKey?" + url.Values{"listenKey": {listenKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listen key keepalive failed: %s", resp.Status)
	}
	return nil
}

func parseFloatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// ValidateOrder checks a candidate quantity/price against cached symbol
// filters before submission, returning a DomainRejection instead of
// letting the venue reject with -1013. Grounded on execution_service.go's
// inline precision rounding, generalized into a pre-flight check the
// risk manager and executor both call (design note: "free-form cache ->
// versioned, validated records").
func ValidateOrder(sf SymbolFilters, price, qty float64) error {
	if qty < sf.MinQty {
		return &DomainRejection{Symbol: sf.Symbol, Reason: RejectMinNotional,
			Detail: fmt.Sprintf("qty %.8f below minQty %.8f", qty, sf.MinQty)}
	}
	if sf.StepSize > 0 {
		steps := (qty - sf.MinQty) / sf.StepSize
		if rounded := RoundToStep(steps, 1); absFloat(steps-rounded) > 1e-8 {
			return &DomainRejection{Symbol: sf.Symbol, Reason: RejectMinNotional,
				Detail: fmt.Sprintf("qty %.8f not aligned to step %.8f", qty, sf.StepSize)}
		}
	}
	notional := price * qty
	if notional < sf.MinNotional {
		return &DomainRejection{Symbol: sf.Symbol, Reason: RejectMinNotional,
			Detail: fmt.Sprintf("notional %.2f below minimum %.2f", notional, sf.MinNotional)}
	}
	return nil
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// NormalizeSymbol upper-cases and trims s, strips a ".P" suffix and
// removes "-" and "_" separators so user-provided or
// cross-source symbol strings match the venue's canonical form. Grounded
// on trend_analyzer.go's NormalizeSymbol.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".P")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

package x402

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceOracle converts USD prices into units of an asset.
type PriceOracle interface {
	// USDRate returns how many whole asset tokens one USD buys.
	USDRate(ctx context.Context, network, asset string) (decimal.Decimal, error)
}

// PeggedOracle prices every asset at one token per USD (stablecoins).
type PeggedOracle struct{}

// USDRate always returns 1.
func (PeggedOracle) USDRate(ctx context.Context, network, asset string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

// ParsePrice resolves a price into atomic units of an asset.
//
// "$0.10" is a USD price converted through the oracle and the asset's decimals;
// "100000" is taken as atomic units unchanged. Fractional atomic results round up.
func ParsePrice(ctx context.Context, price string, decimals int32, network, asset string, oracle PriceOracle) (*big.Int, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return nil, fmt.Errorf("price is required")
	}

	if !strings.HasPrefix(price, "$") {
		amount, ok := new(big.Int).SetString(price, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("invalid atomic amount %q", price)
		}
		return amount, nil
	}

	usd, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimPrefix(price, "$"), ",", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid USD price %q: %w", price, err)
	}
	if usd.IsNegative() {
		return nil, fmt.Errorf("negative price %q", price)
	}

	if oracle == nil {
		oracle = PeggedOracle{}
	}
	rate, err := oracle.USDRate(ctx, network, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve USD rate: %w", err)
	}

	return usd.Mul(rate).Shift(decimals).Ceil().BigInt(), nil
}

package x402

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

type fixedOracle struct {
	rate decimal.Decimal
	err  error
}

func (o fixedOracle) USDRate(ctx context.Context, network, asset string) (decimal.Decimal, error) {
	return o.rate, o.err
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		decimals int32
		oracle   PriceOracle
		want     string
		wantErr  bool
	}{
		{name: "ten cents of usdc", price: "$0.10", decimals: 6, want: "100000"},
		{name: "whole dollars", price: "$1", decimals: 6, want: "1000000"},
		{name: "thousands separator", price: "$1,000.50", decimals: 6, want: "1000500000"},
		{name: "eighteen decimals", price: "$0.01", decimals: 18, want: "10000000000000000"},
		{name: "fraction rounds up", price: "$0.0000001", decimals: 6, want: "1"},
		{name: "atomic units unchanged", price: "100000", decimals: 6, want: "100000"},
		{name: "surrounding whitespace", price: " $0.10 ", decimals: 6, want: "100000"},
		{name: "oracle rate", price: "$2", decimals: 6, oracle: fixedOracle{rate: decimal.RequireFromString("0.5")}, want: "1000000"},
		{name: "empty", price: "", decimals: 6, wantErr: true},
		{name: "not a number", price: "$ten", decimals: 6, wantErr: true},
		{name: "negative usd", price: "$-1", decimals: 6, wantErr: true},
		{name: "negative atomic", price: "-5", decimals: 6, wantErr: true},
		{name: "fractional atomic", price: "1.5", decimals: 6, wantErr: true},
		{name: "oracle failure", price: "$1", decimals: 6, oracle: fixedOracle{err: errors.New("no feed")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, err := ParsePrice(context.Background(), tt.price, tt.decimals, testNetwork, testAsset, tt.oracle)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", amount)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if amount.String() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, amount)
			}
		})
	}
}

// Package chains holds the SKALE Base network presets.
package chains

import (
	"fmt"

	"github.com/becomeliminal/x402-router/evm"
)

// Chain describes an EVM network the demo can run on.
type Chain struct {
	ID          int64
	Name        string
	RPCURL      string
	WSURL       string
	ExplorerURL string
	NativeToken string
	Testnet     bool
}

// Network returns the CAIP-2 identifier.
func (c Chain) Network() string {
	return evm.Network(c.ID)
}

var (
	SkaleBaseSepolia = Chain{
		ID:          324705682,
		Name:        "SKALE Base Sepolia Testnet",
		RPCURL:      "https://base-sepolia-testnet.skalenodes.com/v1/base-testnet",
		ExplorerURL: "https://base-sepolia-testnet-explorer.skalenodes.com/",
		NativeToken: "CRED",
		Testnet:     true,
	}

	SkaleBase = Chain{
		ID:          1187947933,
		Name:        "SKALE Base",
		RPCURL:      "https://skale-base.skalenodes.com/v1/base",
		WSURL:       "wss://skale-base.skalenodes.com/v1/ws/base",
		ExplorerURL: "https://skale-base-explorer.skalenodes.com/",
		NativeToken: "CREDIT",
	}
)

// Select maps SKALE_BASE_NETWORK values to a preset. Empty selects the testnet.
func Select(name string) (Chain, error) {
	switch name {
	case "", "testnet":
		return SkaleBaseSepolia, nil
	case "mainnet":
		return SkaleBase, nil
	default:
		return Chain{}, fmt.Errorf("unknown SKALE Base network %q (want testnet or mainnet)", name)
	}
}

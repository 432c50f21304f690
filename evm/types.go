// Package evm implements the "exact" payment scheme for EVM chains using
// EIP-3009 transferWithAuthorization signed as EIP-712 typed data.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SchemeExact is the scheme identifier.
const SchemeExact = "exact"

// AssetInfo describes an EIP-3009 token on one network. Name and Version are
// the token's EIP-712 domain values.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int32
}

// Keys the exact scheme writes into requirements' extra.
const (
	ExtraName    = "name"
	ExtraVersion = "version"
)

// DefaultMaxTimeoutSeconds bounds authorizations when an option sets no timeout.
const DefaultMaxTimeoutSeconds = 300

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// ChainID parses the chain id out of a CAIP-2 eip155 network.
func ChainID(network string) (*big.Int, error) {
	ref, ok := strings.CutPrefix(network, "eip155:")
	if !ok {
		return nil, fmt.Errorf("network %q is not an eip155 network", network)
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id in network %q", network)
	}
	return id, nil
}

// Network formats a chain id as a CAIP-2 network.
func Network(chainID int64) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

package router

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	addressTy   = mustType("address")
	addressesTy = mustType("address[]")
	uint256Ty   = mustType("uint256")
	uint256sTy  = mustType("uint256[]")
	bytesTy     = mustType("bytes")
	bytes32Ty   = mustType("bytes32")
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// hookDataArgs is (address merchant, uint256 facilitatorFee, bytes routeHookData).
var hookDataArgs = abi.Arguments{{Type: addressTy}, {Type: uint256Ty}, {Type: bytesTy}}

// HookData is what the router hands to the hook after pulling the funds.
type HookData struct {
	// Merchant receives the amount minus the facilitator fee.
	Merchant common.Address

	// Fee is the facilitator fee in atomic units.
	Fee *big.Int

	// Route is the hook-specific payload configured on the route.
	Route []byte
}

// EncodeHookData ABI-encodes hook data as a 0x-prefixed hex string.
func EncodeHookData(h HookData) (string, error) {
	fee := h.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	route := h.Route
	if route == nil {
		route = []byte{}
	}
	packed, err := hookDataArgs.Pack(h.Merchant, fee, route)
	if err != nil {
		return "", fmt.Errorf("failed to encode hook data: %w", err)
	}
	return hexutil.Encode(packed), nil
}

// DecodeHookData reverses EncodeHookData.
func DecodeHookData(encoded string) (*HookData, error) {
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid hook data hex: %w", err)
	}
	values, err := hookDataArgs.Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hook data: %w", err)
	}

	merchant, ok1 := values[0].(common.Address)
	fee, ok2 := values[1].(*big.Int)
	route, ok3 := values[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected hook data layout")
	}
	return &HookData{Merchant: merchant, Fee: fee, Route: route}, nil
}

// Split sends a share of the merchant amount to another recipient.
type Split struct {
	Recipient common.Address
	Bips      uint64 // basis points of the merchant amount
}

var splitArgs = abi.Arguments{{Type: addressesTy}, {Type: uint256sTy}}

// EncodeTransferHook builds route hook data for the transfer hook. With no
// splits the merchant receives everything and the hook data is empty ("0x").
func EncodeTransferHook(splits ...Split) (string, error) {
	if len(splits) == 0 {
		return "0x", nil
	}

	recipients := make([]common.Address, 0, len(splits))
	bips := make([]*big.Int, 0, len(splits))
	var total uint64
	for _, s := range splits {
		if s.Recipient == (common.Address{}) {
			return "", fmt.Errorf("split recipient is required")
		}
		total += s.Bips
		recipients = append(recipients, s.Recipient)
		bips = append(bips, new(big.Int).SetUint64(s.Bips))
	}
	if total > 10000 {
		return "", fmt.Errorf("splits exceed 10000 bips: %d", total)
	}

	packed, err := splitArgs.Pack(recipients, bips)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer hook data: %w", err)
	}
	return hexutil.Encode(packed), nil
}

// decodeHex accepts "", "0x" and 0x-prefixed hex.
func decodeHex(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}

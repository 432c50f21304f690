package router

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/becomeliminal/x402-router"
)

// CommitmentParams are the values bound into a routed authorization nonce.
type CommitmentParams struct {
	ChainID        *big.Int
	Router         common.Address
	Asset          common.Address
	From           common.Address
	Value          *big.Int
	ValidAfter     *big.Int
	ValidBefore    *big.Int
	Salt           common.Hash
	Hook           common.Address
	HookData       []byte
	FacilitatorFee *big.Int
}

var commitmentArgs = abi.Arguments{
	{Type: uint256Ty}, {Type: addressTy}, {Type: addressTy}, {Type: addressTy},
	{Type: uint256Ty}, {Type: uint256Ty}, {Type: uint256Ty},
	{Type: bytes32Ty}, {Type: addressTy}, {Type: bytes32Ty}, {Type: uint256Ty},
}

// Commitment is the EIP-3009 nonce for a routed payment. The router contract
// recomputes it from the settle call and rejects any mismatch.
func Commitment(p CommitmentParams) (common.Hash, error) {
	if p.ChainID == nil || p.Value == nil || p.ValidAfter == nil || p.ValidBefore == nil {
		return common.Hash{}, fmt.Errorf("commitment: chain id, value and validity window are required")
	}
	fee := p.FacilitatorFee
	if fee == nil {
		fee = new(big.Int)
	}

	packed, err := commitmentArgs.Pack(
		p.ChainID,
		p.Router,
		p.Asset,
		p.From,
		p.Value,
		p.ValidAfter,
		p.ValidBefore,
		[32]byte(p.Salt),
		p.Hook,
		[32]byte(crypto.Keccak256Hash(p.HookData)),
		fee,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commitment: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Route is the settlement metadata carried by routed requirements.
type Route struct {
	Router         common.Address
	Hook           common.Address
	HookData       []byte
	FacilitatorFee *big.Int
}

// RouteFromRequirements reads routing metadata from requirements' extra.
// It returns nil without error for requirements that are not routed.
func RouteFromRequirements(req *x402.PaymentRequirements) (*Route, error) {
	routerAddr := req.ExtraString(ExtraSettlementRouter)
	if routerAddr == "" {
		return nil, nil
	}
	if !common.IsHexAddress(routerAddr) {
		return nil, fmt.Errorf("invalid settlement router %q", routerAddr)
	}

	hook := req.ExtraString(ExtraHook)
	if !common.IsHexAddress(hook) {
		return nil, fmt.Errorf("invalid hook %q", hook)
	}

	hookData, err := decodeHex(req.ExtraString(ExtraHookData))
	if err != nil {
		return nil, fmt.Errorf("invalid hook data: %w", err)
	}

	fee := new(big.Int)
	if s := req.ExtraString(ExtraFacilitatorFee); s != "" {
		if _, ok := fee.SetString(s, 10); !ok || fee.Sign() < 0 {
			return nil, fmt.Errorf("invalid facilitator fee %q", s)
		}
	}

	return &Route{
		Router:         common.HexToAddress(routerAddr),
		Hook:           common.HexToAddress(hook),
		HookData:       hookData,
		FacilitatorFee: fee,
	}, nil
}

// NewSalt returns 32 random bytes for a commitment.
func NewSalt() (common.Hash, error) {
	var salt common.Hash
	if _, err := rand.Read(salt[:]); err != nil {
		return common.Hash{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// ParseSalt decodes a 0x-prefixed 32-byte salt.
func ParseSalt(s string) (common.Hash, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid salt: %w", err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid salt length %d", len(raw))
	}
	return common.BytesToHash(raw), nil
}

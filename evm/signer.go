package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/becomeliminal/x402-router"
)

// PrivateKeySigner signs digests with an in-memory secp256k1 key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex private key, with or without 0x prefix.
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the checksummed payer address.
func (s *PrivateKeySigner) Address() string {
	return s.address.Hex()
}

// SignDigest signs a 32-byte digest. V is 27 or 28.
func (s *PrivateKeySigner) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

var _ x402.Signer = (*PrivateKeySigner)(nil)

// domain is the EIP-712 domain of an EIP-3009 token.
type domain struct {
	name     string
	version  string
	chainID  *big.Int
	contract string
}

// authorizationDigest hashes a TransferWithAuthorization as EIP-712 typed data.
func authorizationDigest(d domain, auth *x402.Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.name,
			Version:           d.version,
			ChainId:           (*math.HexOrDecimal256)(d.chainID),
			VerifyingContract: common.HexToAddress(d.contract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       auth.Value,
			"validAfter":  strconv.FormatInt(auth.ValidAfter, 10),
			"validBefore": strconv.FormatInt(auth.ValidBefore, 10),
			"nonce":       auth.Nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash authorization: %w", err)
	}
	return digest, nil
}

// recoverAddress returns the address that produced sig over digest.
func recoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

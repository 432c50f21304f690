package evm

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/becomeliminal/x402-router"
	"github.com/becomeliminal/x402-router/router"
)

const (
	// validAfterSkew backdates authorizations to tolerate clock drift.
	validAfterSkew = 60 * time.Second

	// expiryBuffer is the minimum lifetime an authorization needs left to be
	// accepted for settlement.
	expiryBuffer = 6 * time.Second
)

// ExactScheme implements the "exact" scheme. The same value serves resource
// servers (BuildRequirements, Verify) and payers (CreatePayload).
type ExactScheme struct {
	assets map[string][]AssetInfo
	oracle x402.PriceOracle
	now    func() time.Time
}

// Option configures an ExactScheme.
type Option func(*ExactScheme)

// WithAsset makes a token payable on a network. The first asset registered
// for a network is its default.
func WithAsset(network string, asset AssetInfo) Option {
	return func(s *ExactScheme) {
		s.assets[network] = append(s.assets[network], asset)
	}
}

// WithPriceOracle sets the oracle used for "$" prices. Defaults to x402.PeggedOracle.
func WithPriceOracle(oracle x402.PriceOracle) Option {
	return func(s *ExactScheme) {
		s.oracle = oracle
	}
}

// WithClock overrides the clock used to build validity windows.
func WithClock(now func() time.Time) Option {
	return func(s *ExactScheme) {
		s.now = now
	}
}

// NewExactScheme creates the scheme.
func NewExactScheme(opts ...Option) *ExactScheme {
	s := &ExactScheme{
		assets: make(map[string][]AssetInfo),
		oracle: x402.PeggedOracle{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheme returns "exact".
func (s *ExactScheme) Scheme() string { return SchemeExact }

// BuildRequirements resolves the option's asset and price.
func (s *ExactScheme) BuildRequirements(ctx context.Context, opt x402.PaymentOption) (*x402.PaymentRequirements, error) {
	if _, err := ChainID(opt.Network); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(opt.PayTo) {
		return nil, fmt.Errorf("payTo %q is not an address", opt.PayTo)
	}

	asset, err := s.asset(opt.Network, opt.Asset)
	if err != nil {
		return nil, err
	}

	amount, err := x402.ParsePrice(ctx, opt.Price, asset.Decimals, opt.Network, asset.Address, s.oracle)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("price %q resolves to zero", opt.Price)
	}

	extra := make(map[string]interface{}, len(opt.Extra)+2)
	for k, v := range opt.Extra {
		extra[k] = v
	}
	extra[ExtraName] = asset.Name
	extra[ExtraVersion] = asset.Version

	maxTimeout := opt.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeoutSeconds
	}

	return &x402.PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           opt.Network,
		Amount:            amount.String(),
		Asset:             common.HexToAddress(asset.Address).Hex(),
		PayTo:             common.HexToAddress(opt.PayTo).Hex(),
		MaxTimeoutSeconds: maxTimeout,
		Extra:             extra,
	}, nil
}

// CreatePayload signs a transferWithAuthorization for exactly the required
// amount. Routed requirements get a commitment nonce over a fresh salt.
func (s *ExactScheme) CreatePayload(ctx context.Context, req *x402.PaymentRequirements, signer x402.Signer) (*x402.PaymentPayload, error) {
	d, err := s.domain(req)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", req.Amount)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("payTo %q is not an address", req.PayTo)
	}

	maxTimeout := req.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeoutSeconds
	}
	now := s.now()
	auth := &x402.Authorization{
		From:        signer.Address(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  now.Add(-validAfterSkew).Unix(),
		ValidBefore: now.Add(time.Duration(maxTimeout) * time.Second).Unix(),
	}

	var salt string
	route, err := router.RouteFromRequirements(req)
	if err != nil {
		return nil, err
	}
	if route != nil {
		if route.Router != common.HexToAddress(req.PayTo) {
			return nil, fmt.Errorf("routed requirements must pay the settlement router")
		}
		saltHash, err := router.NewSalt()
		if err != nil {
			return nil, err
		}
		nonce, err := commitmentFor(d, req, auth, route, saltHash)
		if err != nil {
			return nil, err
		}
		auth.Nonce = nonce.Hex()
		salt = saltHash.Hex()
	} else {
		var nonce common.Hash
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		auth.Nonce = nonce.Hex()
	}

	digest, err := authorizationDigest(d, auth)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignDigest(digest)
	if err != nil {
		return nil, err
	}

	accepted := req.Clone()
	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Resource:    req.Resource,
		Accepted:    &accepted,
		Payload: x402.ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
			Salt:          salt,
		},
	}, nil
}

// Verify checks a payload against requirements without touching the chain,
// except for an optional balance read when state implements BalanceReader.
func (s *ExactScheme) Verify(ctx context.Context, req *x402.PaymentRequirements, payload *x402.PaymentPayload, state x402.ChainState) (*x402.VerifyResult, error) {
	auth := payload.Payload.Authorization
	if auth == nil {
		return invalid(x402.ReasonMalformedPayload, ""), nil
	}
	payer := auth.From

	if payload.Scheme != req.Scheme {
		return invalid(x402.ReasonUnsupportedScheme, payer), nil
	}
	if payload.Network != req.Network {
		return invalid(x402.ReasonNetworkMismatch, payer), nil
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return invalid(x402.ReasonMalformedPayload, payer), nil
	}
	if common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return invalid(x402.ReasonRecipientMismatch, payer), nil
	}
	if payload.Accepted != nil && !strings.EqualFold(payload.Accepted.Asset, req.Asset) {
		return invalid(x402.ReasonAssetMismatch, payer), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(x402.ReasonMalformedPayload, payer), nil
	}
	required, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount %q", req.Amount)
	}
	if value.Cmp(required) != 0 {
		return invalid(x402.ReasonAmountMismatch, payer), nil
	}

	now := state.Now()
	if auth.ValidAfter > now.Unix() {
		return invalid(x402.ReasonAuthorizationNotYetValid, payer), nil
	}
	if auth.ValidBefore < now.Add(expiryBuffer).Unix() {
		return invalid(x402.ReasonAuthorizationExpired, payer), nil
	}

	d, err := s.domain(req)
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(payload.Payload.Signature)
	if err != nil {
		return invalid(x402.ReasonMalformedPayload, payer), nil
	}
	if _, err := hexutil.Decode(auth.Nonce); err != nil {
		return invalid(x402.ReasonMalformedPayload, payer), nil
	}
	digest, err := authorizationDigest(d, auth)
	if err != nil {
		return invalid(x402.ReasonMalformedPayload, payer), nil
	}
	signer, err := recoverAddress(digest, sig)
	if err != nil || signer != common.HexToAddress(auth.From) {
		return invalid(x402.ReasonInvalidSignature, payer), nil
	}

	route, err := router.RouteFromRequirements(req)
	if err != nil {
		return nil, err
	}
	if route != nil {
		salt, err := router.ParseSalt(payload.Payload.Salt)
		if err != nil {
			return invalid(x402.ReasonInvalidCommitment, payer), nil
		}
		expected, err := commitmentFor(d, req, auth, route, salt)
		if err != nil {
			return nil, err
		}
		nonce, _ := hexutil.Decode(auth.Nonce)
		if common.BytesToHash(nonce) != expected || len(nonce) != common.HashLength {
			return invalid(x402.ReasonInvalidCommitment, payer), nil
		}
	}

	if reader, ok := state.(BalanceReader); ok {
		balance, err := reader.BalanceOf(ctx, req.Network, req.Asset, auth.From)
		if err == nil && balance.Cmp(value) < 0 {
			return invalid(x402.ReasonInsufficientFunds, payer), nil
		}
	}

	return &x402.VerifyResult{IsValid: true, Payer: common.HexToAddress(auth.From).Hex()}, nil
}

func invalid(reason x402.InvalidReason, payer string) *x402.VerifyResult {
	return &x402.VerifyResult{IsValid: false, InvalidReason: reason, Payer: payer}
}

func commitmentFor(d domain, req *x402.PaymentRequirements, auth *x402.Authorization, route *router.Route, salt common.Hash) (common.Hash, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return common.Hash{}, fmt.Errorf("invalid value %q", auth.Value)
	}
	return router.Commitment(router.CommitmentParams{
		ChainID:        d.chainID,
		Router:         route.Router,
		Asset:          common.HexToAddress(req.Asset),
		From:           common.HexToAddress(auth.From),
		Value:          value,
		ValidAfter:     big.NewInt(auth.ValidAfter),
		ValidBefore:    big.NewInt(auth.ValidBefore),
		Salt:           salt,
		Hook:           route.Hook,
		HookData:       route.HookData,
		FacilitatorFee: route.FacilitatorFee,
	})
}

// domain builds the token's EIP-712 domain from requirements, falling back to
// the registered asset when extra lacks name or version.
func (s *ExactScheme) domain(req *x402.PaymentRequirements) (domain, error) {
	chainID, err := ChainID(req.Network)
	if err != nil {
		return domain{}, err
	}
	if !common.IsHexAddress(req.Asset) {
		return domain{}, fmt.Errorf("asset %q is not an address", req.Asset)
	}

	d := domain{
		name:     req.ExtraString(ExtraName),
		version:  req.ExtraString(ExtraVersion),
		chainID:  chainID,
		contract: req.Asset,
	}
	if d.name == "" || d.version == "" {
		asset, err := s.asset(req.Network, req.Asset)
		if err != nil {
			return domain{}, fmt.Errorf("missing EIP-712 domain for asset %s: %w", req.Asset, err)
		}
		if d.name == "" {
			d.name = asset.Name
		}
		if d.version == "" {
			d.version = asset.Version
		}
	}
	return d, nil
}

func (s *ExactScheme) asset(network, address string) (AssetInfo, error) {
	assets := s.assets[network]
	if len(assets) == 0 {
		return AssetInfo{}, fmt.Errorf("no assets configured for network %q", network)
	}
	if address == "" {
		return assets[0], nil
	}
	for _, a := range assets {
		if strings.EqualFold(a.Address, address) {
			return a, nil
		}
	}
	return AssetInfo{}, fmt.Errorf("asset %s is not configured for network %q", address, network)
}

var _ x402.Scheme = (*ExactScheme)(nil)

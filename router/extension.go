// Package router implements settlement routing: payments are authorized to a
// settlement router contract, which deducts the facilitator fee and forwards
// the rest through a hook to the merchant.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/becomeliminal/x402-router"
)

// ExtensionKey identifies the settlement router extension.
const ExtensionKey = "x402x-router-settlement"

// Keys added to the extra field of routed requirements.
const (
	ExtraSettlementRouter = "settlementRouter"
	ExtraHook             = "hook"
	ExtraHookData         = "hookData"
	ExtraFacilitatorFee   = "facilitatorFee"
)

// Addresses are the router deployment on one network.
type Addresses struct {
	Router       string
	TransferHook string
}

// AddressBook maps CAIP-2 networks to router deployments.
type AddressBook map[string]Addresses

// Lookup returns the deployment for a network.
func (b AddressBook) Lookup(network string) (Addresses, error) {
	addrs, ok := b[network]
	if !ok {
		return Addresses{}, fmt.Errorf("no settlement router registered for network %q", network)
	}
	if !common.IsHexAddress(addrs.Router) || !common.IsHexAddress(addrs.TransferHook) {
		return Addresses{}, fmt.Errorf("invalid router deployment for network %q", network)
	}
	return addrs, nil
}

// FeeQuoter quotes the facilitator fee for routed requirements.
type FeeQuoter interface {
	CalculateFee(ctx context.Context, requirements *x402.PaymentRequirements) (string, error)
}

// Extension decorates requirements of routes that carry a SettlementConfig.
// Routes without one pass through untouched.
type Extension struct {
	book      AddressBook
	fees      FeeQuoter
	quoters   map[string]FeeQuoter
	newQuoter func(url string) FeeQuoter
}

// Option configures an Extension.
type Option func(*Extension)

// WithFeeQuoter registers the quoter used for routes naming facilitatorURL.
func WithFeeQuoter(facilitatorURL string, q FeeQuoter) Option {
	return func(e *Extension) {
		e.quoters[facilitatorURL] = q
	}
}

// WithQuoterFactory creates quoters for facilitator URLs not registered with
// WithFeeQuoter. Quoters are created while the configuration is validated.
func WithQuoterFactory(factory func(url string) FeeQuoter) Option {
	return func(e *Extension) {
		e.newQuoter = factory
	}
}

// New creates the extension. fees is the default quoter, usually the resource
// server's facilitator; it may be nil when every routed route has a static fee.
func New(book AddressBook, fees FeeQuoter, opts ...Option) *Extension {
	e := &Extension{
		book:    book,
		fees:    fees,
		quoters: make(map[string]FeeQuoter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key implements x402.RequirementsExtension.
func (e *Extension) Key() string { return ExtensionKey }

// ValidateRoute checks that every option of a routed route can be served.
func (e *Extension) ValidateRoute(pattern string, route x402.RouteConfig) error {
	s := route.Settlement
	if s == nil {
		return nil
	}

	for _, opt := range route.Accepts {
		addrs, err := e.book.Lookup(opt.Network)
		if err != nil {
			return configError(err.Error())
		}
		if s.Hook != "" && !common.IsHexAddress(s.Hook) {
			return configError(fmt.Sprintf("invalid hook address %q", s.Hook))
		}
		if !common.IsHexAddress(opt.PayTo) {
			return configError(fmt.Sprintf("merchant %q is not an address", opt.PayTo))
		}
		if common.HexToAddress(opt.PayTo) == common.HexToAddress(addrs.Router) {
			return configError("payTo must be the merchant, not the settlement router")
		}
	}

	if _, err := decodeHex(s.HookData); err != nil {
		return configError(fmt.Sprintf("invalid hook data: %v", err))
	}

	if s.FacilitatorFee != "" {
		if _, err := parseFee(s.FacilitatorFee); err != nil {
			return configError(err.Error())
		}
		return nil
	}

	if _, err := e.quoter(s.FacilitatorURL); err != nil {
		return configError(err.Error())
	}
	return nil
}

// ValidateRequirements rejects static fees larger than the price.
func (e *Extension) ValidateRequirements(pattern string, route x402.RouteConfig, req *x402.PaymentRequirements) error {
	if route.Settlement == nil || route.Settlement.FacilitatorFee == "" {
		return nil
	}
	fee, err := parseFee(route.Settlement.FacilitatorFee)
	if err != nil {
		return configError(err.Error())
	}
	return checkFee(fee, req.Amount)
}

// PrepareRequirements rewrites payTo to the router and records the routing
// metadata in extra. Dynamic fees are quoted on every call; a paid request
// keeps the fee echoed in accepted only when it is not below the quote.
func (e *Extension) PrepareRequirements(ctx context.Context, route x402.RouteConfig, req *x402.PaymentRequirements, accepted *x402.PaymentRequirements) error {
	s := route.Settlement
	if s == nil {
		return nil
	}

	addrs, err := e.book.Lookup(req.Network)
	if err != nil {
		return configError(err.Error())
	}
	merchant := common.HexToAddress(req.PayTo)

	hook := s.Hook
	if hook == "" {
		hook = addrs.TransferHook
	}
	routeHookData, err := decodeHex(s.HookData)
	if err != nil {
		return configError(fmt.Sprintf("invalid hook data: %v", err))
	}

	extra := req.Clone().Extra
	if extra == nil {
		extra = make(map[string]interface{})
	}
	extra[ExtraSettlementRouter] = common.HexToAddress(addrs.Router).Hex()
	extra[ExtraHook] = common.HexToAddress(hook).Hex()
	req.PayTo = common.HexToAddress(addrs.Router).Hex()
	req.Extra = extra

	fee, err := e.resolveFee(ctx, s, req, accepted)
	if err != nil {
		return err
	}
	if err := checkFee(fee, req.Amount); err != nil {
		return err
	}

	hookData, err := EncodeHookData(HookData{Merchant: merchant, Fee: fee, Route: routeHookData})
	if err != nil {
		return err
	}
	extra[ExtraHookData] = hookData
	extra[ExtraFacilitatorFee] = fee.String()
	return nil
}

// SettlementParams returns the routing metadata for settle, or nil for
// requirements that are not routed.
func (e *Extension) SettlementParams(req *x402.PaymentRequirements, payload *x402.PaymentPayload) *x402.SettlementParams {
	if req.ExtraString(ExtraSettlementRouter) == "" {
		return nil
	}
	return &x402.SettlementParams{
		Router:         req.ExtraString(ExtraSettlementRouter),
		Hook:           req.ExtraString(ExtraHook),
		HookData:       req.ExtraString(ExtraHookData),
		FacilitatorFee: req.ExtraString(ExtraFacilitatorFee),
		Salt:           payload.Payload.Salt,
	}
}

func (e *Extension) resolveFee(ctx context.Context, s *x402.SettlementConfig, req, accepted *x402.PaymentRequirements) (*big.Int, error) {
	if s.FacilitatorFee != "" {
		return parseFee(s.FacilitatorFee)
	}

	quote, err := e.quoteFee(ctx, s, req)
	if err != nil {
		return nil, err
	}
	if accepted == nil {
		return quote, nil
	}

	// A paid request keeps the fee it was issued unless the payer lowered it
	// below the current quote.
	echoed := accepted.ExtraString(ExtraFacilitatorFee)
	if echoed == "" {
		return nil, x402.NewInvalidPaymentError(x402.ReasonAmountMismatch)
	}
	fee, err := parseFee(echoed)
	if err != nil {
		return nil, x402.NewInvalidPaymentError(x402.ReasonMalformedPayload)
	}
	if fee.Cmp(quote) < 0 || checkFee(fee, req.Amount) != nil {
		return nil, x402.NewInvalidPaymentError(x402.ReasonAmountMismatch)
	}
	return fee, nil
}

func (e *Extension) quoteFee(ctx context.Context, s *x402.SettlementConfig, req *x402.PaymentRequirements) (*big.Int, error) {
	q, err := e.quoter(s.FacilitatorURL)
	if err != nil {
		return nil, configError(err.Error())
	}
	quoted, err := q.CalculateFee(ctx, req)
	if err != nil {
		if errors.Is(err, x402.ErrFacilitatorUnavailable) {
			return nil, err
		}
		return nil, x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "fee quote failed", err)
	}
	fee, err := parseFee(quoted)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "fee quote failed", err)
	}
	return fee, nil
}

func (e *Extension) quoter(facilitatorURL string) (FeeQuoter, error) {
	if facilitatorURL == "" {
		if e.fees == nil {
			return nil, errors.New("no facilitator available for fee quotes")
		}
		return e.fees, nil
	}
	if q, ok := e.quoters[facilitatorURL]; ok {
		return q, nil
	}
	if e.newQuoter == nil {
		return nil, fmt.Errorf("no fee quoter for facilitator %q", facilitatorURL)
	}
	q := e.newQuoter(facilitatorURL)
	e.quoters[facilitatorURL] = q
	return q, nil
}

func parseFee(s string) (*big.Int, error) {
	fee, ok := new(big.Int).SetString(s, 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("invalid facilitator fee %q", s)
	}
	return fee, nil
}

func checkFee(fee *big.Int, amount string) error {
	total, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return configError(fmt.Sprintf("invalid amount %q", amount))
	}
	if fee.Cmp(total) > 0 {
		return configError(fmt.Sprintf("facilitator fee %s exceeds amount %s", fee, total))
	}
	return nil
}

func configError(msg string) error {
	return x402.NewPaymentError(x402.ErrCodeInvalidConfig, msg, nil)
}

package x402

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceServer drives the per-request payment state machine. It holds only
// configuration that is read-only after construction.
type ResourceServer struct {
	cfg Config
}

// VerifiedPayment is a payload that passed local and facilitator verification.
type VerifiedPayment struct {
	Route        string
	Requirements *PaymentRequirements
	Payload      *PaymentPayload
	Result       *VerifyResult
}

// NewResourceServer validates the configuration and builds every route's
// requirements once, so unregistered schemes, bad prices or unknown assets
// fail at startup instead of at request time.
func NewResourceServer(cfg Config) (*ResourceServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for pattern, route := range cfg.Routes {
		for i, opt := range route.Accepts {
			scheme, _ := cfg.Registry.Lookup(opt.Scheme, opt.Network)
			req, err := scheme.BuildRequirements(context.Background(), opt)
			if err != nil {
				return nil, NewPaymentError(ErrCodeInvalidConfig,
					fmt.Sprintf("route %q option %d: cannot build requirements", pattern, i), err)
			}
			for _, ext := range cfg.Extensions {
				v, ok := ext.(RequirementsValidator)
				if !ok {
					continue
				}
				if err := v.ValidateRequirements(pattern, route, req); err != nil {
					return nil, fmt.Errorf("route %q option %d: %w", pattern, i, err)
				}
			}
		}
	}

	return &ResourceServer{cfg: cfg}, nil
}

// Logger returns the server's logger.
func (s *ResourceServer) Logger() *slog.Logger {
	return s.cfg.Logger
}

// MatchRoute finds the route for a request. See Config.MatchRoute.
func (s *ResourceServer) MatchRoute(method, requestPath string) (string, *RouteConfig, bool) {
	return s.cfg.MatchRoute(method, requestPath)
}

// BuildChallenge builds the 402 challenge for a route. Dynamic fees are
// resolved here, once per issuance.
func (s *ResourceServer) BuildChallenge(ctx context.Context, resource string, route *RouteConfig, message string) (*PaymentRequiredResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FacilitatorTimeout)
	defer cancel()

	accepts := make([]PaymentRequirements, 0, len(route.Accepts))
	for _, opt := range route.Accepts {
		req, _, err := s.buildRequirements(ctx, resource, route, opt, nil)
		if err != nil {
			return nil, err
		}
		accepts = append(accepts, *req)
	}

	if message == "" {
		message = "Payment required"
	}

	return &PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Error:       message,
		Resource:    resource,
		Accepts:     accepts,
	}, nil
}

func (s *ResourceServer) buildRequirements(ctx context.Context, resource string, route *RouteConfig, opt PaymentOption, accepted *PaymentRequirements) (*PaymentRequirements, Scheme, error) {
	scheme, ok := s.cfg.Registry.Lookup(opt.Scheme, opt.Network)
	if !ok {
		return nil, nil, NewPaymentError(ErrCodeInvalidConfig,
			fmt.Sprintf("scheme %q is not registered for network %q", opt.Scheme, opt.Network), ErrUnsupportedScheme)
	}

	req, err := scheme.BuildRequirements(ctx, opt)
	if err != nil {
		return nil, nil, NewPaymentError(ErrCodeInvalidConfig, "cannot build requirements", err)
	}
	req.Resource = resource
	req.Description = route.Description
	req.MimeType = route.MimeType

	for _, ext := range s.cfg.Extensions {
		if err := ext.PrepareRequirements(ctx, *route, req, accepted); err != nil {
			return nil, nil, fmt.Errorf("extension %s: %w", ext.Key(), err)
		}
	}

	return req, scheme, nil
}

// requirementsFor rebuilds the requirements the payload claims to satisfy.
func (s *ResourceServer) requirementsFor(ctx context.Context, resource string, route *RouteConfig, payload *PaymentPayload) (*PaymentRequirements, Scheme, error) {
	offered := false
	for _, opt := range route.Accepts {
		if opt.Scheme != payload.Scheme || opt.Network != payload.Network {
			continue
		}
		offered = true

		req, scheme, err := s.buildRequirements(ctx, resource, route, opt, payload.Accepted)
		if err != nil {
			return nil, nil, err
		}
		if payload.Accepted != nil &&
			(!strings.EqualFold(payload.Accepted.PayTo, req.PayTo) || !strings.EqualFold(payload.Accepted.Asset, req.Asset)) {
			continue
		}
		return req, scheme, nil
	}

	if !offered {
		return nil, nil, NewInvalidPaymentError(ReasonUnsupportedScheme)
	}
	return nil, nil, NewInvalidPaymentError(ReasonNoMatchingRequirements)
}

// VerifyPayment runs local scheme verification, then facilitator verification.
// Invalid payments return an error matching ErrPaymentInvalid; transport
// failures return an error matching ErrFacilitatorUnavailable.
func (s *ResourceServer) VerifyPayment(ctx context.Context, routeKey, resource string, route *RouteConfig, payload *PaymentPayload) (*VerifiedPayment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FacilitatorTimeout)
	defer cancel()

	requirements, scheme, err := s.requirementsFor(ctx, resource, route, payload)
	if err != nil {
		return nil, err
	}

	local, err := scheme.Verify(ctx, requirements, payload, s.cfg.ChainState)
	if err != nil {
		return nil, fmt.Errorf("local verification error: %w", err)
	}
	if !local.IsValid {
		invalid := NewInvalidPaymentError(local.InvalidReason)
		invalid.Message = "payment rejected before facilitator verification"
		return nil, invalid
	}

	result, err := s.cfg.Facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if !result.IsValid {
		return nil, NewInvalidPaymentError(result.InvalidReason)
	}
	if result.Payer == "" {
		result.Payer = local.Payer
	}

	return &VerifiedPayment{
		Route:        routeKey,
		Requirements: requirements,
		Payload:      payload,
		Result:       result,
	}, nil
}

// SettlePayment settles a verified payment. Settlement is detached from the
// caller's cancellation and bounded by SettleTimeout.
func (s *ResourceServer) SettlePayment(ctx context.Context, v *VerifiedPayment) (*PaymentResponse, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettleTimeout)
	defer cancel()

	var params *SettlementParams
	for _, ext := range s.cfg.Extensions {
		if p := ext.SettlementParams(v.Requirements, v.Payload); p != nil {
			params = p
			break
		}
	}

	result, err := s.cfg.Facilitator.Settle(ctx, v.Payload, v.Requirements, params)
	if err != nil {
		return nil, NewPaymentError(ErrCodeSettlementFailed, "settlement failed", err)
	}
	if !result.Success {
		return nil, NewPaymentError(ErrCodeSettlementFailed, "settlement failed", errors.New(result.ErrorReason))
	}

	network := result.Network
	if network == "" {
		network = v.Requirements.Network
	}
	payer := result.Payer
	if payer == "" {
		payer = v.Result.Payer
	}

	return &PaymentResponse{
		Success:     true,
		Transaction: result.Transaction,
		Network:     network,
		Payer:       payer,
	}, nil
}

// ReportSettlementFailure logs a post-execution settlement failure and hands it
// to the configured reporter. The response already delivered is left intact.
func (s *ResourceServer) ReportSettlementFailure(ctx context.Context, v *VerifiedPayment, err error) SettlementFailure {
	failure := SettlementFailure{
		ID:         uuid.NewString(),
		Route:      v.Route,
		Network:    v.Requirements.Network,
		Payer:      v.Result.Payer,
		Amount:     v.Requirements.Amount,
		PayTo:      v.Requirements.PayTo,
		Reason:     err.Error(),
		Abandoned:  errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil,
		OccurredAt: time.Now().UTC(),
	}

	s.cfg.Logger.Error("settlement failed after resource delivery",
		"failure_id", failure.ID,
		"route", failure.Route,
		"network", failure.Network,
		"payer", failure.Payer,
		"amount", failure.Amount,
		"abandoned", failure.Abandoned,
		"error", err,
	)

	if s.cfg.Reporter != nil {
		s.cfg.Reporter.SettlementFailed(context.WithoutCancel(ctx), failure)
	}
	return failure
}

// PaymentContext builds the context value handed to protected handlers.
func (v *VerifiedPayment) PaymentContext() *PaymentContext {
	return &PaymentContext{
		Verified:     true,
		PayerAddress: v.Result.Payer,
		Amount:       v.Requirements.Amount,
		Asset:        v.Requirements.Asset,
		Scheme:       v.Requirements.Scheme,
		Network:      v.Requirements.Network,
		Route:        v.Route,
	}
}

func asUnavailable(err error) error {
	if errors.Is(err, ErrFacilitatorUnavailable) {
		return err
	}
	return NewPaymentError(ErrCodeFacilitatorUnavailable, "facilitator unavailable", err)
}

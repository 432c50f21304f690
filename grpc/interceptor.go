package grpc

import (
	"context"
	"errors"
	"fmt"

	x402 "github.com/becomeliminal/x402-router"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// Routes are keyed by full method name ("/weather.v1.Weather/GetForecast" or
// "/weather.v1.Weather/*"). It panics on invalid configuration.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	return UnaryInterceptor(mustServer(cfg))
}

// UnaryInterceptor is UnaryServerInterceptor for an existing resource server.
func UnaryInterceptor(server *x402.ResourceServer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		verified, err := authorize(ctx, server, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if verified == nil {
			return handler(ctx, req)
		}

		resp, err := handler(context.WithValue(ctx, x402.PaymentContextKey, verified.PaymentContext()), req)
		if err != nil {
			return nil, err
		}

		if trailer, ok := settle(ctx, server, verified); ok {
			grpc.SetTrailer(ctx, trailer)
		}
		return resp, nil
	}
}

// authorize returns nil without error when the method is not gated.
func authorize(ctx context.Context, server *x402.ResourceServer, fullMethod string) (*x402.VerifiedPayment, error) {
	routeKey, route, requiresPayment := server.MatchRoute("", fullMethod)
	if !requiresPayment {
		return nil, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	header := ExtractPaymentFromMetadata(md)
	if header == "" {
		return nil, paymentRequired(ctx, server, route, fullMethod, "")
	}

	payload, err := x402.DecodePaymentPayload(header)
	if err != nil {
		server.Logger().Warn("rejected malformed payment metadata", "method", fullMethod, "error", err)
		return nil, paymentRequired(ctx, server, route, fullMethod, string(x402.ReasonMalformedPayload))
	}

	verified, err := server.VerifyPayment(ctx, routeKey, fullMethod, route, payload)
	switch {
	case err == nil:
		return verified, nil
	case errors.Is(err, x402.ErrPaymentInvalid):
		reason := x402.GetInvalidReason(err)
		server.Logger().Info("payment invalid", "method", fullMethod, "reason", reason)
		return nil, paymentRequired(ctx, server, route, fullMethod, string(reason))
	case errors.Is(err, x402.ErrFacilitatorUnavailable):
		server.Logger().Error("facilitator unavailable during verify", "method", fullMethod, "error", err)
		return nil, status.Error(codes.Unavailable, "payment facilitator unavailable")
	default:
		return nil, status.Error(codes.Internal, fmt.Sprintf("payment verification error: %v", err))
	}
}

func settle(ctx context.Context, server *x402.ResourceServer, verified *x402.VerifiedPayment) (metadata.MD, bool) {
	receipt, err := server.SettlePayment(ctx, verified)
	if err != nil {
		server.ReportSettlementFailure(ctx, verified, err)
		return nil, false
	}
	return receiptTrailer(receipt)
}

func paymentRequired(ctx context.Context, server *x402.ResourceServer, route *x402.RouteConfig, fullMethod, reason string) error {
	challenge, err := server.BuildChallenge(ctx, fullMethod, route, reason)
	if err != nil {
		if errors.Is(err, x402.ErrFacilitatorUnavailable) {
			return status.Error(codes.Unavailable, "payment facilitator unavailable")
		}
		return status.Error(codes.Internal, fmt.Sprintf("failed to build payment requirements: %v", err))
	}

	if encoded, err := x402.EncodePaymentRequired(challenge); err == nil {
		grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentRequired, encoded))
	}
	return PaymentRequiredError(challenge)
}

func mustServer(cfg x402.Config) *x402.ResourceServer {
	server, err := x402.NewResourceServer(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return server
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}

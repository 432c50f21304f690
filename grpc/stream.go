package grpc

import (
	"context"

	x402 "github.com/becomeliminal/x402-router"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is verified before the stream begins and settled after the handler returns.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	return StreamInterceptor(mustServer(cfg))
}

// StreamInterceptor is StreamServerInterceptor for an existing resource server.
func StreamInterceptor(server *x402.ResourceServer) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		verified, err := authorizeStream(ctx, server, ss, info.FullMethod)
		if err != nil {
			return err
		}
		if verified == nil {
			return handler(srv, ss)
		}

		wrapped := &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, verified.PaymentContext()),
		}
		if err := handler(srv, wrapped); err != nil {
			return err
		}

		if trailer, ok := settle(ctx, server, verified); ok {
			wrapped.SetTrailer(trailer)
		}
		return nil
	}
}

// authorizeStream runs authorize with the stream registered on the context so
// the payment-required trailer reaches the caller.
func authorizeStream(ctx context.Context, server *x402.ResourceServer, ss grpc.ServerStream, fullMethod string) (*x402.VerifiedPayment, error) {
	if grpc.ServerTransportStreamFromContext(ctx) == nil {
		ctx = grpc.NewContextWithServerTransportStream(ctx, &streamTrailer{ServerStream: ss, method: fullMethod})
	}
	return authorize(ctx, server, fullMethod)
}

type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}

// streamTrailer adapts a ServerStream to grpc.ServerTransportStream.
type streamTrailer struct {
	grpc.ServerStream
	method string
}

func (s *streamTrailer) Method() string { return s.method }

func (s *streamTrailer) SetTrailer(md metadata.MD) error {
	s.ServerStream.SetTrailer(md)
	return nil
}

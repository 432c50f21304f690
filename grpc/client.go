package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-router"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor pays for calls rejected with a payment challenge.
// The call is retried at most once with a signed payment attached.
func UnaryClientInterceptor(registry *x402.Registry, signer x402.Signer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err == nil {
			return nil
		}

		challenge, ok := ChallengeFromError(err)
		if !ok {
			return err
		}

		requirements, scheme, err := registry.Select(challenge.Accepts)
		if err != nil {
			return err
		}

		payload, err := scheme.CreatePayload(ctx, requirements, signer)
		if err != nil {
			return fmt.Errorf("failed to create payment payload: %w", err)
		}
		if payload.Resource == "" {
			payload.Resource = method
		}

		encoded, err := x402.EncodePaymentPayload(payload)
		if err != nil {
			return err
		}

		ctx = metadata.AppendToOutgoingContext(ctx, MetadataKeyPaymentSignature, encoded)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carrying a verified payment into gRPC handlers behind grpc-gateway.
const (
	MetadataKeyVerified = "x-payment-verified"
	MetadataKeyPayer    = "x-payment-payer"
	MetadataKeyAmount   = "x-payment-amount"
	MetadataKeyAsset    = "x-payment-asset"
	MetadataKeyScheme   = "x-payment-scheme"
	MetadataKeyNetwork  = "x-payment-network"
	MetadataKeyRoute    = "x-payment-route"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers.
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set(MetadataKeyVerified, "true")
		md.Set(MetadataKeyPayer, payment.PayerAddress)
		md.Set(MetadataKeyAmount, payment.Amount)
		md.Set(MetadataKeyAsset, payment.Asset)
		md.Set(MetadataKeyScheme, payment.Scheme)
		md.Set(MetadataKeyNetwork, payment.Network)
		if payment.Route != "" {
			md.Set(MetadataKeyRoute, payment.Route)
		}

		return md
	})
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata.
// Use this in gRPC handlers served through grpc-gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if first(md, MetadataKeyVerified) != "true" {
		return nil, false
	}

	return &PaymentContext{
		Verified:     true,
		PayerAddress: first(md, MetadataKeyPayer),
		Amount:       first(md, MetadataKeyAmount),
		Asset:        first(md, MetadataKeyAsset),
		Scheme:       first(md, MetadataKeyScheme),
		Network:      first(md, MetadataKeyNetwork),
		Route:        first(md, MetadataKeyRoute),
	}, true
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

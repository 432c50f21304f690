package grpc

import (
	"fmt"

	x402 "github.com/becomeliminal/x402-router"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"
)

// ExtractPaymentFromMetadata returns the raw payment-signature value, or ""
// when the call carries no payment.
func ExtractPaymentFromMetadata(md metadata.MD) string {
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 {
		return values[0]
	}
	return ""
}

// PaymentRequiredError builds the ResourceExhausted status carrying an encoded
// challenge as its message.
func PaymentRequiredError(challenge *x402.PaymentRequiredResponse) error {
	encoded, err := x402.EncodePaymentRequired(challenge)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// ChallengeFromError extracts the challenge from a ResourceExhausted status.
func ChallengeFromError(err error) (*x402.PaymentRequiredResponse, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, false
	}
	challenge, decodeErr := x402.DecodePaymentRequired(st.Message())
	if decodeErr != nil {
		return nil, false
	}
	return challenge, true
}

// PaymentResponseFromTrailer decodes the settlement receipt from trailer metadata.
func PaymentResponseFromTrailer(trailer metadata.MD) (*x402.PaymentResponse, bool) {
	values := trailer.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, false
	}
	receipt, err := x402.DecodePaymentResponse(values[0])
	if err != nil {
		return nil, false
	}
	return receipt, true
}

func receiptTrailer(receipt *x402.PaymentResponse) (metadata.MD, bool) {
	encoded, err := x402.EncodePaymentResponse(receipt)
	if err != nil {
		return nil, false
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded), true
}

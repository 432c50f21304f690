package grpc

import (
	"errors"
	"testing"

	x402 "github.com/becomeliminal/x402-router"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestExtractPaymentFromMetadata(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"present", metadata.Pairs(MetadataKeyPaymentSignature, "abc"), "abc"},
		{"first value wins", metadata.Pairs(MetadataKeyPaymentSignature, "abc", MetadataKeyPaymentSignature, "def"), "abc"},
		{"missing", metadata.Pairs("authorization", "Bearer x"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractPaymentFromMetadata(tt.md); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestChallengeFromError(t *testing.T) {
	challenge := &x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Error:       "Payment required",
		Resource:    testMethod,
		Accepts: []x402.PaymentRequirements{{
			Scheme: "exact", Network: testNetwork, Amount: "100000", Asset: testAsset, PayTo: testPayTo,
		}},
	}

	decoded, ok := ChallengeFromError(PaymentRequiredError(challenge))
	if !ok {
		t.Fatal("expected challenge")
	}
	if decoded.Resource != testMethod || decoded.Accepts[0].Amount != "100000" {
		t.Errorf("unexpected challenge %+v", decoded)
	}

	for _, err := range []error{
		errors.New("plain"),
		status.Error(codes.Unavailable, "down"),
		status.Error(codes.ResourceExhausted, "rate limited"),
	} {
		if _, ok := ChallengeFromError(err); ok {
			t.Errorf("expected no challenge from %v", err)
		}
	}
}

func TestPaymentResponseFromTrailer(t *testing.T) {
	trailer, ok := receiptTrailer(&x402.PaymentResponse{Success: true, Transaction: "0xabc", Network: testNetwork})
	if !ok {
		t.Fatal("expected trailer")
	}

	receipt, ok := PaymentResponseFromTrailer(trailer)
	if !ok || receipt.Transaction != "0xabc" {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	if _, ok := PaymentResponseFromTrailer(metadata.Pairs(MetadataKeyPaymentResponse, "%%%")); ok {
		t.Error("expected undecodable receipt to be ignored")
	}
}

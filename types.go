package x402

import (
	"context"
	"time"
)

// ProtocolVersion is the x402 wire version emitted and accepted by this package.
const ProtocolVersion = 2

// PaymentRequirements describes what payment is required for a resource.
// Uses CAIP-2 network identifiers (e.g., "eip155:324705682").
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"` // CAIP-2: "eip155:324705682"
	Amount            string                 `json:"amount"`  // atomic units
	Asset             string                 `json:"asset"`   // token contract address
	PayTo             string                 `json:"payTo"`   // recipient address (router contract on routed routes)
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ExtraString returns a string value from Extra, or "" when absent.
func (r *PaymentRequirements) ExtraString(key string) string {
	if r == nil || r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// Clone returns a copy of the requirements with its own Extra map.
func (r PaymentRequirements) Clone() PaymentRequirements {
	if r.Extra != nil {
		extra := make(map[string]interface{}, len(r.Extra))
		for k, v := range r.Extra {
			extra[k] = v
		}
		r.Extra = extra
	}
	return r
}

// Authorization contains the EIP-3009 transferWithAuthorization parameters.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"` // 0x-prefixed bytes32
}

// ExactPayload is the scheme-specific part of an "exact" payment.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`

	// Salt is set when the nonce is a settlement-router commitment.
	Salt string `json:"salt,omitempty"`
}

// PaymentPayload is the signed authorization sent in the PAYMENT-SIGNATURE header.
type PaymentPayload struct {
	X402Version int                  `json:"x402Version"`
	Scheme      string               `json:"scheme"`
	Network     string               `json:"network"`
	Resource    string               `json:"resource,omitempty"`
	Accepted    *PaymentRequirements `json:"accepted,omitempty"`
	Payload     ExactPayload         `json:"payload"`
}

// PaymentRequiredResponse is the 402 challenge, sent in the PAYMENT-REQUIRED
// header and as the response body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Resource    string                `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResult contains the result of payment verification.
type VerifyResult struct {
	IsValid       bool          `json:"isValid"`
	InvalidReason InvalidReason `json:"invalidReason,omitempty"`
	Payer         string        `json:"payer,omitempty"`
}

// SettleResult contains the result of payment settlement.
type SettleResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// PaymentResponse is sent in the PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"` // CAIP-2
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"` // CAIP-2, may be a wildcard pattern
}

// SettlementParams is the routing metadata handed to the facilitator on settle.
type SettlementParams struct {
	Router         string `json:"settlementRouter"`
	Hook           string `json:"hook"`
	HookData       string `json:"hookData"`
	FacilitatorFee string `json:"facilitatorFee"`
	Salt           string `json:"salt,omitempty"`
}

// SettlementFailure records a settlement that failed or was abandoned after the
// protected handler already produced its response.
type SettlementFailure struct {
	ID          string    `json:"id"`
	Route       string    `json:"route"`
	Network     string    `json:"network"`
	Payer       string    `json:"payer,omitempty"`
	Amount      string    `json:"amount"`
	PayTo       string    `json:"payTo"`
	Transaction string    `json:"transaction,omitempty"`
	Reason      string    `json:"reason"`
	Abandoned   bool      `json:"abandoned"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Signer holds the payer's signing credential.
type Signer interface {
	// Address returns the payer address (0x-prefixed hex).
	Address() string

	// SignDigest signs a 32-byte digest and returns a 65-byte [R || S || V] signature.
	SignDigest(digest []byte) ([]byte, error)
}

// ChainState exposes the chain view a scheme verifier may consult.
type ChainState interface {
	// Now returns the time used for authorization validity windows.
	Now() time.Time
}

// Facilitator is the remote trust anchor that verifies and settles payments.
type Facilitator interface {
	// Verify checks a payment without side effects.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResult, error)

	// Settle broadcasts the authorized transfer. It is not idempotent.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, settlement *SettlementParams) (*SettleResult, error)

	// CalculateFee quotes the facilitator fee, in atomic units, for a routed requirement.
	CalculateFee(ctx context.Context, requirements *PaymentRequirements) (string, error)
}

// SettlementReporter receives settlement failures that happen after the
// protected handler ran.
type SettlementReporter interface {
	SettlementFailed(ctx context.Context, failure SettlementFailure)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified     bool
	PayerAddress string
	Amount       string
	Asset        string
	Scheme       string
	Network      string // CAIP-2
	Route        string
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)

package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Reason  InvalidReason
	Cause   error
}

func (e *PaymentError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches PaymentErrors by code, so errors.Is(err, ErrFacilitatorUnavailable)
// holds for any error built with that code.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Code == e.Code
}

// Error codes.
const (
	ErrCodeChallengeDecode        = "CHALLENGE_DECODE"
	ErrCodePayloadDecode          = "PAYLOAD_DECODE"
	ErrCodeResponseDecode         = "RESPONSE_DECODE"
	ErrCodeInvalidPayment         = "INVALID_PAYMENT"
	ErrCodeFacilitatorUnavailable = "FACILITATOR_UNAVAILABLE"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeUnsupportedScheme      = "UNSUPPORTED_SCHEME"
	ErrCodeInvalidConfig          = "INVALID_CONFIG"
	ErrCodePaymentRequired        = "PAYMENT_REQUIRED"
)

// Sentinels for errors.Is.
var (
	ErrChallengeDecode        = &PaymentError{Code: ErrCodeChallengeDecode, Message: "failed to parse challenge"}
	ErrPayloadDecode          = &PaymentError{Code: ErrCodePayloadDecode, Message: "malformed payment payload"}
	ErrResponseDecode         = &PaymentError{Code: ErrCodeResponseDecode, Message: "failed to parse payment response"}
	ErrPaymentInvalid         = &PaymentError{Code: ErrCodeInvalidPayment, Message: "payment invalid"}
	ErrFacilitatorUnavailable = &PaymentError{Code: ErrCodeFacilitatorUnavailable, Message: "facilitator unavailable"}
	ErrSettlementFailed       = &PaymentError{Code: ErrCodeSettlementFailed, Message: "settlement failed"}
	ErrUnsupportedScheme      = &PaymentError{Code: ErrCodeUnsupportedScheme, Message: "no supported payment method offered"}
	ErrConfiguration          = &PaymentError{Code: ErrCodeInvalidConfig, Message: "invalid configuration"}
	ErrPaymentRequired        = &PaymentError{Code: ErrCodePaymentRequired, Message: "payment required"}
)

// InvalidReason explains why a payment failed verification.
type InvalidReason string

// Invalid reasons produced by this module. Facilitators may return others.
const (
	ReasonMalformedPayload         InvalidReason = "malformed_payload"
	ReasonUnsupportedScheme        InvalidReason = "unsupported_scheme"
	ReasonNetworkMismatch          InvalidReason = "network_mismatch"
	ReasonRecipientMismatch        InvalidReason = "recipient_mismatch"
	ReasonAssetMismatch            InvalidReason = "asset_mismatch"
	ReasonAmountMismatch           InvalidReason = "amount_mismatch"
	ReasonAuthorizationNotYetValid InvalidReason = "authorization_not_yet_valid"
	ReasonAuthorizationExpired     InvalidReason = "authorization_expired"
	ReasonInvalidSignature         InvalidReason = "invalid_signature"
	ReasonInvalidCommitment        InvalidReason = "invalid_commitment"
	ReasonInsufficientFunds        InvalidReason = "insufficient_funds"
	ReasonNoMatchingRequirements   InvalidReason = "no_matching_requirements"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidPaymentError creates an INVALID_PAYMENT error carrying a reason.
func NewInvalidPaymentError(reason InvalidReason) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeInvalidPayment,
		Message: "payment invalid",
		Reason:  reason,
	}
}

// configError creates an INVALID_CONFIG error.
func configError(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrCodeInvalidConfig, fmt.Sprintf(format, args...), nil)
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// GetInvalidReason extracts the verification failure reason from a PaymentError.
func GetInvalidReason(err error) InvalidReason {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

package x402

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Header names.
const (
	HeaderPaymentSignature       = "PAYMENT-SIGNATURE"
	HeaderPaymentSignatureLegacy = "X-PAYMENT-SIGNATURE"
	HeaderPaymentResponse        = "PAYMENT-RESPONSE"
	HeaderPaymentRequired        = "PAYMENT-REQUIRED"
)

// encodeHeader marshals v to unpadded base64url JSON.
func encodeHeader(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// headerJSON returns the JSON carried by a header, which is either raw JSON or
// base64(url) JSON. The form is chosen by the first non-whitespace byte: JSON
// text starts with '{' or '[', neither of which is in any base64 alphabet.
func headerJSON(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty header value")
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return []byte(trimmed), nil
	}

	decoded, err := decodeBase64(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	decoded = bytes.TrimSpace(decoded)
	if len(decoded) == 0 {
		return nil, fmt.Errorf("empty header value")
	}
	return decoded, nil
}

func decodeHeader(raw string, v interface{}) error {
	jsonBytes, err := headerJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(jsonBytes, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// decodeBase64 normalizes base64url to the standard alphabet and restores padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(s)
}

// EncodePaymentRequired encodes a challenge for the PAYMENT-REQUIRED header.
func EncodePaymentRequired(challenge *PaymentRequiredResponse) (string, error) {
	encoded, err := encodeHeader(challenge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment requirements: %w", err)
	}
	return encoded, nil
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header. Both the challenge
// object and a bare requirements array are accepted.
func DecodePaymentRequired(header string) (*PaymentRequiredResponse, error) {
	jsonBytes, err := headerJSON(header)
	if err != nil {
		return nil, NewPaymentError(ErrCodeChallengeDecode, "failed to parse challenge", err)
	}

	var challenge PaymentRequiredResponse
	if jsonBytes[0] == '[' {
		err = json.Unmarshal(jsonBytes, &challenge.Accepts)
		challenge.X402Version = ProtocolVersion
	} else {
		err = json.Unmarshal(jsonBytes, &challenge)
	}
	if err != nil {
		return nil, NewPaymentError(ErrCodeChallengeDecode, "failed to parse challenge",
			fmt.Errorf("failed to parse JSON: %w", err))
	}

	if len(challenge.Accepts) == 0 {
		return nil, NewPaymentError(ErrCodeChallengeDecode, "failed to parse challenge",
			fmt.Errorf("challenge lists no payment requirements"))
	}
	return &challenge, nil
}

// EncodePaymentPayload encodes a PaymentPayload for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	encoded, err := encodeHeader(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return encoded, nil
}

// DecodePaymentPayload decodes a PAYMENT-SIGNATURE header into a PaymentPayload.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := decodeHeader(header, &payload); err != nil {
		return nil, NewPaymentError(ErrCodePayloadDecode, "malformed payment payload", err)
	}

	if payload.X402Version < ProtocolVersion {
		return nil, NewPaymentError(ErrCodePayloadDecode, "malformed payment payload",
			fmt.Errorf("requires x402Version >= %d, got %d", ProtocolVersion, payload.X402Version))
	}
	if payload.Scheme == "" || payload.Network == "" {
		return nil, NewPaymentError(ErrCodePayloadDecode, "malformed payment payload",
			fmt.Errorf("scheme and network are required"))
	}
	if payload.Payload.Signature == "" || payload.Payload.Authorization == nil {
		return nil, NewPaymentError(ErrCodePayloadDecode, "malformed payment payload",
			fmt.Errorf("signature and authorization are required"))
	}

	return &payload, nil
}

// EncodePaymentResponse encodes a settlement receipt for the PAYMENT-RESPONSE header.
func EncodePaymentResponse(response *PaymentResponse) (string, error) {
	encoded, err := encodeHeader(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return encoded, nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	var response PaymentResponse
	if err := decodeHeader(header, &response); err != nil {
		return nil, NewPaymentError(ErrCodeResponseDecode, "failed to parse payment response", err)
	}
	return &response, nil
}

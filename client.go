package x402

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
)

// DoFunc sends an HTTP request, like (*http.Client).Do.
type DoFunc func(*http.Request) (*http.Response, error)

// Client wraps a DoFunc so that 402 challenges are paid automatically.
// Each logical request makes at most two round trips.
type Client struct {
	do       DoFunc
	registry *Registry
	signer   Signer
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a payment-aware client. registry lists the schemes the
// payer can construct payments for; signer holds the payer's credential.
func NewClient(do DoFunc, registry *Registry, signer Signer, opts ...ClientOption) *Client {
	c := &Client{
		do:       do,
		registry: registry,
		signer:   signer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WrapDoFunc returns a payment-aware variant of do.
func WrapDoFunc(do DoFunc, registry *Registry, signer Signer, opts ...ClientOption) DoFunc {
	return NewClient(do, registry, signer, opts...).Do
}

// Do sends req. Non-402 responses are returned unchanged. On 402 the challenge
// is decoded, the first supported requirement is paid and the request is sent
// once more; that second response is returned verbatim, even if it is a 402.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	// Some fetch wrappers add this response header to requests; servers may reject it.
	req.Header.Del("Access-Control-Expose-Headers")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	c.logChallenge(req, resp)
	challenge, err := readChallenge(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	requirements, scheme, err := c.registry.Select(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	payload, err := scheme.CreatePayload(req.Context(), requirements, c.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment payload: %w", err)
	}
	if payload.Resource == "" {
		payload.Resource = challenge.Resource
	}

	encoded, err := EncodePaymentPayload(payload)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(HeaderPaymentSignature, encoded)

	c.logger.Debug("retrying with payment",
		"url", req.URL.String(),
		"scheme", requirements.Scheme,
		"network", requirements.Network,
		"amount", requirements.Amount,
		"payer", c.signer.Address(),
	)

	return c.do(retry)
}

// readChallenge decodes the PAYMENT-REQUIRED header, falling back to the body
// when the header is absent.
func readChallenge(resp *http.Response) (*PaymentRequiredResponse, error) {
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		return DecodePaymentRequired(header)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewPaymentError(ErrCodeChallengeDecode, "failed to parse challenge", err)
	}
	return DecodePaymentRequired(string(body))
}

func (c *Client) logChallenge(req *http.Request, resp *http.Response) {
	if !c.logger.Enabled(req.Context(), slog.LevelDebug) {
		return
	}
	attrs := make([]any, 0, len(resp.Header)*2+2)
	attrs = append(attrs, "url", req.URL.String())
	for key := range resp.Header {
		value := resp.Header.Get(key)
		if len(value) > 150 {
			value = value[:150] + "..."
		}
		attrs = append(attrs, key, value)
	}
	c.logger.Debug("received payment challenge", attrs...)
}

func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return nil
}

// Transport is an http.RoundTripper that pays 402 challenges.
type Transport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Registry *Registry
	Signer   Signer
	Logger   *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	var opts []ClientOption
	if t.Logger != nil {
		opts = append(opts, WithClientLogger(t.Logger))
	}
	return NewClient(base.RoundTrip, t.Registry, t.Signer, opts...).Do(req.Clone(req.Context()))
}

// CheckResponse converts a final 402 into an error. A challenge that cannot be
// decoded yields ErrChallengeDecode rather than a generic payment-required error.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil
	}

	header := resp.Header.Get(HeaderPaymentRequired)
	if header == "" {
		var body PaymentRequiredResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			return paymentRequiredError(body.Error)
		}
		return ErrPaymentRequired
	}

	challenge, err := DecodePaymentRequired(header)
	if err != nil {
		return err
	}
	return paymentRequiredError(challenge.Error)
}

func paymentRequiredError(message string) *PaymentError {
	pe := NewPaymentError(ErrCodePaymentRequired, "payment required", nil)
	if message != "" && message != "Payment required" {
		pe.Reason = InvalidReason(message)
	}
	return pe
}

// Package facilitator is an HTTP client for an x402 facilitator service.
package facilitator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	x402 "github.com/becomeliminal/x402-router"
)

// Defaults for Client.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 2
)

// Client handles communication with an x402 facilitator service. Verify,
// CalculateFee and Supported are retried on transport failures; Settle is
// never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each facilitator call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often idempotent calls are retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBackoff sets the initial retry delay. It doubles per attempt, capped at one second.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoff = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a facilitator client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		backoff:    100 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the facilitator URL.
func (c *Client) BaseURL() string { return c.baseURL }

type paymentRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload,omitempty"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
	Settlement          *x402.SettlementParams    `json:"settlement,omitempty"`
}

type feeResponse struct {
	FacilitatorFee string `json:"facilitatorFee"`
}

// SupportedResponse lists what the facilitator can verify and settle.
type SupportedResponse struct {
	Kinds      []x402.SupportedKind `json:"kinds"`
	Extensions []string             `json:"extensions,omitempty"`
	Signers    map[string]string    `json:"signers,omitempty"`
}

// Verify checks if a payment is valid via POST /verify.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	req := paymentRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var result x402.VerifyResult
	if err := c.withRetry(ctx, "verify", func() error {
		return c.do(ctx, http.MethodPost, "/verify", req, &result)
	}); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle executes the payment on-chain via POST /settle. It is sent once.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, settlement *x402.SettlementParams) (*x402.SettleResult, error) {
	req := paymentRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Settlement:          settlement,
	}

	var result x402.SettleResult
	if err := c.do(ctx, http.MethodPost, "/settle", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CalculateFee quotes the facilitator fee via POST /calculate-fee.
func (c *Client) CalculateFee(ctx context.Context, requirements *x402.PaymentRequirements) (string, error) {
	req := paymentRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentRequirements: requirements,
	}

	var result feeResponse
	if err := c.withRetry(ctx, "calculate-fee", func() error {
		return c.do(ctx, http.MethodPost, "/calculate-fee", req, &result)
	}); err != nil {
		return "", err
	}
	if result.FacilitatorFee == "" {
		return "", unavailable("calculate-fee", errors.New("response has no facilitatorFee"))
	}
	return result.FacilitatorFee, nil
}

// Supported fetches supported kinds via GET /supported.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	var result SupportedResponse
	if err := c.withRetry(ctx, "supported", func() error {
		return c.do(ctx, http.MethodGet, "/supported", nil, &result)
	}); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			if delay > time.Second {
				delay = time.Second
			}
			c.logger.Debug("retrying facilitator call", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)

			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, x402.ErrFacilitatorUnavailable) {
			return lastErr
		}
	}
	return lastErr
}

// do performs one call under the client timeout. Transport failures,
// unexpected statuses and undecodable bodies are reported as
// x402.ErrFacilitatorUnavailable. A 400 or 402 with a decodable body is a
// facilitator verdict and is returned as such.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	op := strings.TrimPrefix(path, "/")

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable(op, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusPaymentRequired:
	default:
		return unavailable(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return unavailable(op, fmt.Errorf("status %d, undecodable body: %w", resp.StatusCode, err))
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("facilitator returned non-200 verdict", "op", op, "status", resp.StatusCode)
	}
	return nil
}

func unavailable(op string, err error) error {
	return x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "facilitator "+op+" failed", err)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

var _ x402.Facilitator = (*Client)(nil)

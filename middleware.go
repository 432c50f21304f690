package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It panics on invalid configuration, so misconfigured routes fail at startup.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	server, err := NewResourceServer(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return server.Middleware
}

// Middleware gates next behind the configured routes. The handler runs at most
// once, and only after verification succeeds; settlement happens after it.
func (s *ResourceServer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		routeKey, route, requiresPayment := s.cfg.MatchRoute(r.Method, r.URL.Path)
		if !requiresPayment {
			next.ServeHTTP(w, r)
			return
		}
		resource := r.URL.Path

		paymentHeader := r.Header.Get(HeaderPaymentSignature)
		if paymentHeader == "" {
			paymentHeader = r.Header.Get(HeaderPaymentSignatureLegacy)
		}

		if paymentHeader == "" {
			s.sendPaymentRequired(w, r, route, resource, "")
			return
		}

		payload, err := DecodePaymentPayload(paymentHeader)
		if err != nil {
			s.cfg.Logger.Warn("rejected malformed payment header",
				"route", routeKey, "header_length", len(paymentHeader), "error", err)
			s.sendPaymentRequired(w, r, route, resource, string(ReasonMalformedPayload))
			return
		}

		verified, err := s.VerifyPayment(ctx, routeKey, resource, route, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrPaymentInvalid):
			reason := GetInvalidReason(err)
			s.cfg.Logger.Info("payment invalid", "route", routeKey, "network", payload.Network, "reason", reason)
			s.sendPaymentRequired(w, r, route, resource, string(reason))
			return
		case errors.Is(err, ErrFacilitatorUnavailable):
			s.cfg.Logger.Error("facilitator unavailable during verify", "route", routeKey, "error", err)
			sendError(w, http.StatusServiceUnavailable, "Payment facilitator unavailable")
			return
		default:
			s.cfg.Logger.Error("payment verification error", "route", routeKey, "error", err)
			sendError(w, http.StatusInternalServerError, fmt.Sprintf("Payment verification error: %v", err))
			return
		}

		buf := newResponseBuffer()
		next.ServeHTTP(buf, r.WithContext(context.WithValue(ctx, PaymentContextKey, verified.PaymentContext())))

		if buf.status >= http.StatusBadRequest {
			s.cfg.Logger.Info("handler failed, payment not settled", "route", routeKey, "status", buf.status)
			buf.flush(w)
			return
		}

		receipt, err := s.SettlePayment(ctx, verified)
		if err != nil {
			buf.flush(w)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			s.ReportSettlementFailure(ctx, verified, err)
			return
		}

		if encoded, err := EncodePaymentResponse(receipt); err == nil {
			buf.Header().Set(HeaderPaymentResponse, encoded)
		}
		buf.flush(w)
	})
}

// sendPaymentRequired sends a 402 Payment Required response with the
// challenge in both the PAYMENT-REQUIRED header and the body.
func (s *ResourceServer) sendPaymentRequired(w http.ResponseWriter, r *http.Request, route *RouteConfig, resource, reason string) {
	challenge, err := s.BuildChallenge(r.Context(), resource, route, reason)
	if err != nil {
		if errors.Is(err, ErrFacilitatorUnavailable) {
			s.cfg.Logger.Error("facilitator unavailable while building challenge", "resource", resource, "error", err)
			sendError(w, http.StatusServiceUnavailable, "Payment facilitator unavailable")
			return
		}
		s.cfg.Logger.Error("failed to build payment challenge", "resource", resource, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to build payment requirements")
		return
	}

	encoded, err := EncodePaymentRequired(challenge)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to encode payment requirements")
		return
	}
	w.Header().Set(HeaderPaymentRequired, encoded)

	if s.cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(s.cfg.CustomPaywallHTML))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// responseBuffer captures the handler's response so the receipt header can be
// attached after settlement.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) WriteHeader(statusCode int) {
	if b.status == 0 {
		b.status = statusCode
	}
}

func (b *responseBuffer) flush(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}

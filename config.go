package x402

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

// Config holds the resource server configuration.
type Config struct {
	// Registry resolves (scheme, network) pairs for every route option.
	Registry *Registry

	// Facilitator verifies and settles payments.
	Facilitator Facilitator

	// Routes maps route keys to payment requirements. A key is either a path
	// pattern ("/api/weather", "/api/*") or a method plus pattern
	// ("GET /api/weather"). For gRPC, patterns are full method names
	// ("/weather.v1.Weather/*").
	Routes map[string]RouteConfig

	// Extensions decorate requirements before they are issued (e.g., settlement routing).
	Extensions []RequirementsExtension

	// SkipPaths lists paths that bypass payment checks entirely.
	SkipPaths []string

	// ChainState is consulted by local scheme verification. Defaults to the system clock.
	ChainState ChainState

	// FacilitatorTimeout bounds verify and fee calls. Defaults to 10 seconds.
	FacilitatorTimeout time.Duration

	// SettleTimeout bounds the settle call. Defaults to 30 seconds.
	SettleTimeout time.Duration

	// Reporter receives settlement failures after the handler ran (optional).
	Reporter SettlementReporter

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// CustomPaywallHTML is custom HTML to return for browser requests (optional).
	CustomPaywallHTML string
}

// RouteConfig describes how a route must be paid for.
type RouteConfig struct {
	// Accepts lists the payment options, in order of preference.
	Accepts []PaymentOption

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string

	// Settlement routes funds through a settlement router contract (optional).
	Settlement *SettlementConfig
}

// PaymentOption is one acceptable way to pay for a route.
type PaymentOption struct {
	// Scheme is the payment scheme (e.g., "exact").
	Scheme string

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:324705682").
	Network string

	// PayTo is the merchant address that ultimately receives the funds.
	PayTo string

	// Price is a USD price ("$0.10") or an amount in atomic units ("100000").
	Price string

	// Asset is the token contract address. Empty selects the scheme's default for the network.
	Asset string

	// MaxTimeoutSeconds bounds how long a signed authorization stays valid.
	MaxTimeoutSeconds int

	// Extra is copied into the requirements' extra field.
	Extra map[string]interface{}
}

// SettlementConfig binds a route to settlement-router metadata.
type SettlementConfig struct {
	// Hook is the hook contract. Empty selects the network's transfer hook.
	Hook string

	// HookData is the 0x-prefixed hook-specific payload.
	HookData string

	// FacilitatorFee is a static fee in atomic units. It takes precedence over FacilitatorURL.
	FacilitatorFee string

	// FacilitatorURL is queried for the fee when no static fee is set.
	// Empty uses the resource server's facilitator.
	FacilitatorURL string
}

// RequirementsExtension decorates requirements built by a scheme.
type RequirementsExtension interface {
	// Key identifies the extension.
	Key() string

	// ValidateRoute fails when the extension cannot serve the route.
	ValidateRoute(pattern string, route RouteConfig) error

	// PrepareRequirements rewrites requirements before they are issued or
	// verified. accepted is the client's echo on paid requests and nil when
	// building a challenge.
	PrepareRequirements(ctx context.Context, route RouteConfig, requirements *PaymentRequirements, accepted *PaymentRequirements) error

	// SettlementParams returns routing metadata for settle, or nil.
	SettlementParams(requirements *PaymentRequirements, payload *PaymentPayload) *SettlementParams
}

// RequirementsValidator is implemented by extensions that check built
// requirements at startup.
type RequirementsValidator interface {
	ValidateRequirements(pattern string, route RouteConfig, requirements *PaymentRequirements) error
}

// Validate checks the configuration and applies defaults. Every route option
// must resolve to a registered scheme and pass every extension.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return configError("registry is required")
	}
	if c.Facilitator == nil {
		return configError("facilitator is required")
	}
	if c.FacilitatorTimeout == 0 {
		c.FacilitatorTimeout = 10 * time.Second
	}
	if c.SettleTimeout == 0 {
		c.SettleTimeout = 30 * time.Second
	}
	if c.ChainState == nil {
		c.ChainState = systemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	for pattern, route := range c.Routes {
		if err := route.validate(c.Registry); err != nil {
			return fmt.Errorf("invalid route %q: %w", pattern, err)
		}
		for _, ext := range c.Extensions {
			if err := ext.ValidateRoute(pattern, route); err != nil {
				return fmt.Errorf("invalid route %q for extension %s: %w", pattern, ext.Key(), err)
			}
		}
	}

	return nil
}

func (r *RouteConfig) validate(registry *Registry) error {
	if len(r.Accepts) == 0 {
		return configError("at least one payment option is required")
	}

	for i, opt := range r.Accepts {
		if opt.Scheme == "" || opt.Network == "" {
			return configError("option %d: scheme and network are required", i)
		}
		if opt.PayTo == "" {
			return configError("option %d: payTo is required", i)
		}
		if opt.Price == "" {
			return configError("option %d: price is required", i)
		}
		if !registry.Supports(opt.Scheme, opt.Network) {
			return NewPaymentError(ErrCodeInvalidConfig,
				fmt.Sprintf("option %d: scheme %q is not registered for network %q", i, opt.Scheme, opt.Network),
				ErrUnsupportedScheme)
		}
	}

	return nil
}

// MatchRoute finds the route for a request method and path. An empty method
// matches only routes registered without one.
func (c *Config) MatchRoute(method, requestPath string) (string, *RouteConfig, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return "", nil, false
		}
	}

	var bestKey, bestPattern string
	var bestRoute *RouteConfig

	for key, route := range c.Routes {
		routeMethod, pattern := splitRouteKey(key)
		if routeMethod != "" && !strings.EqualFold(routeMethod, method) {
			continue
		}
		if pattern == requestPath {
			routeCopy := route
			return key, &routeCopy, true
		}
		if matchPath(requestPath, pattern) && len(pattern) > len(bestPattern) {
			bestKey, bestPattern = key, pattern
			routeCopy := route
			bestRoute = &routeCopy
		}
	}

	if bestRoute != nil {
		return bestKey, bestRoute, true
	}
	return "", nil, false
}

func splitRouteKey(key string) (method, pattern string) {
	if i := strings.IndexByte(key, ' '); i > 0 {
		return strings.ToUpper(key[:i]), strings.TrimSpace(key[i+1:])
	}
	return "", key
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

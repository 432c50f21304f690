package x402

import (
	"context"
	"fmt"
	"strings"
)

// Scheme is a payment method implementation for one or more networks.
type Scheme interface {
	// Scheme returns the scheme identifier (e.g., "exact").
	Scheme() string

	// BuildRequirements turns a configured payment option into wire requirements.
	BuildRequirements(ctx context.Context, option PaymentOption) (*PaymentRequirements, error)

	// CreatePayload signs a payment for the given requirements.
	CreatePayload(ctx context.Context, requirements *PaymentRequirements, signer Signer) (*PaymentPayload, error)

	// Verify checks a payload against requirements locally, without side effects.
	Verify(ctx context.Context, requirements *PaymentRequirements, payload *PaymentPayload, state ChainState) (*VerifyResult, error)
}

type registration struct {
	network string
	scheme  Scheme
}

// Registry maps (scheme, network) pairs to Scheme implementations.
// Populate it before serving; lookups are then safe for concurrent use.
type Registry struct {
	entries []registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a scheme for a network or network pattern such as "eip155:*".
func (r *Registry) Register(network string, scheme Scheme) error {
	if network == "" {
		return configError("network is required")
	}
	if scheme == nil {
		return configError("scheme is required for network %q", network)
	}
	if strings.Contains(network, "*") && !strings.HasSuffix(network, ":*") {
		return configError("unsupported network pattern %q", network)
	}

	for _, e := range r.entries {
		if e.network == network && e.scheme.Scheme() == scheme.Scheme() {
			return configError("scheme %q already registered for %q", scheme.Scheme(), network)
		}
	}

	r.entries = append(r.entries, registration{network: network, scheme: scheme})
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(network string, scheme Scheme) *Registry {
	if err := r.Register(network, scheme); err != nil {
		panic(err)
	}
	return r
}

// Lookup finds the scheme registered for a concrete network. An exact network
// registration wins over a wildcard pattern.
func (r *Registry) Lookup(scheme, network string) (Scheme, bool) {
	if r == nil {
		return nil, false
	}

	var wildcard Scheme
	for _, e := range r.entries {
		if e.scheme.Scheme() != scheme {
			continue
		}
		if e.network == network {
			return e.scheme, true
		}
		if wildcard == nil && MatchNetwork(e.network, network) {
			wildcard = e.scheme
		}
	}
	return wildcard, wildcard != nil
}

// Supports reports whether a scheme is registered for the network.
func (r *Registry) Supports(scheme, network string) bool {
	_, ok := r.Lookup(scheme, network)
	return ok
}

// Kinds returns the registered scheme+network pairs in registration order.
func (r *Registry) Kinds() []SupportedKind {
	kinds := make([]SupportedKind, 0, len(r.entries))
	for _, e := range r.entries {
		kinds = append(kinds, SupportedKind{Scheme: e.scheme.Scheme(), Network: e.network})
	}
	return kinds
}

// MatchNetwork reports whether a network matches a pattern. "eip155:*" matches
// any eip155 chain; anything else must match exactly.
func MatchNetwork(pattern, network string) bool {
	if pattern == network {
		return true
	}
	if !strings.HasSuffix(pattern, "*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return len(network) > len(prefix) && strings.HasPrefix(network, prefix)
}

// Select returns the first offer the registry supports, in challenge order.
func (r *Registry) Select(accepts []PaymentRequirements) (*PaymentRequirements, Scheme, error) {
	for i := range accepts {
		if scheme, ok := r.Lookup(accepts[i].Scheme, accepts[i].Network); ok {
			return &accepts[i], scheme, nil
		}
	}

	offered := make([]string, 0, len(accepts))
	for _, a := range accepts {
		offered = append(offered, a.Scheme+"@"+a.Network)
	}
	return nil, nil, NewPaymentError(ErrCodeUnsupportedScheme, "no supported payment method offered",
		fmt.Errorf("offered: %s", strings.Join(offered, ", ")))
}

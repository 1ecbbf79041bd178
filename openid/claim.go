package openid

import (
	"context"
	"net/url"
	"strings"
)

// Claim policy names accepted in configuration.
const (
	PolicyStrict        = "strict"
	PolicyTrustProvider = "trust_provider"
)

// ClaimPolicy decides whether the claimed identifier in an assertion may be
// trusted for the endpoint that was discovered when the login began. It
// returns the claimed identifier to record.
type ClaimPolicy interface {
	Name() string
	CheckClaim(ctx context.Context, a *Assertion, discovered Endpoint) (string, error)
}

// StrictClaimPolicy requires the asserting provider to be authoritative for
// the claimed identifier, re-running discovery when the provider picked the
// identity.
type StrictClaimPolicy struct {
	Discoverer *Discoverer
}

func (StrictClaimPolicy) Name() string { return PolicyStrict }

func (p StrictClaimPolicy) CheckClaim(ctx context.Context, a *Assertion, discovered Endpoint) (string, error) {
	if a.ClaimedID == "" || a.Identity == "" {
		return "", verificationError(KindMalformed, "response carries no claimed identifier")
	}

	if !discovered.IsOPIdentifier() && stripFragment(a.ClaimedID) == stripFragment(discovered.ClaimedID) {
		if !sameURL(a.OPEndpoint, discovered.URL) {
			return "", verificationError(KindDiscoveryMismatch,
				"provider %s is not the endpoint discovered for %s", a.OPEndpoint, discovered.ClaimedID)
		}
		if a.Identity != discovered.RequestIdentity() {
			return "", verificationError(KindDiscoveryMismatch,
				"asserted local identifier %s does not match discovery", a.Identity)
		}
		return a.ClaimedID, nil
	}

	eps, err := p.Discoverer.Discover(ctx, stripFragment(a.ClaimedID))
	if err != nil {
		return "", ErrVerification{
			Kind:          KindDiscoveryMismatch,
			StatusMessage: "cannot discover asserted identifier: " + err.Error(),
		}
	}
	for _, ep := range eps {
		if ep.Version != "2.0" || ep.IsOPIdentifier() {
			continue
		}
		if sameURL(ep.URL, a.OPEndpoint) && ep.RequestIdentity() == a.Identity {
			return a.ClaimedID, nil
		}
	}
	return "", verificationError(KindDiscoveryMismatch,
		"provider %s is not authoritative for %s", a.OPEndpoint, a.ClaimedID)
}

// TrustProviderClaimPolicy accepts whatever identifier the configured
// provider asserts. It is meant for multi-tenant providers that front
// many domains behind one endpoint. With Domain set the claimed identifier
// must live under that domain; with TenantDiscoveryURL set the provider
// must also be listed by the tenant's discovery document. The template may
// use {domain} and {claimed_id} placeholders.
type TrustProviderClaimPolicy struct {
	Domain             string
	TenantDiscoveryURL string
	Discoverer         *Discoverer
}

func (TrustProviderClaimPolicy) Name() string { return PolicyTrustProvider }

func (p TrustProviderClaimPolicy) CheckClaim(ctx context.Context, a *Assertion, discovered Endpoint) (string, error) {
	if a.ClaimedID == "" {
		return "", verificationError(KindMalformed, "response carries no claimed identifier")
	}
	if !sameURL(a.OPEndpoint, discovered.URL) {
		return "", verificationError(KindDiscoveryMismatch,
			"assertion from %s but login was sent to %s", a.OPEndpoint, discovered.URL)
	}

	claimed, err := NormalizeIdentifier(a.ClaimedID)
	if err != nil {
		return "", verificationError(KindMalformed, "claimed identifier %q is not a URL", a.ClaimedID)
	}

	if p.Domain != "" {
		u, err := url.Parse(claimed)
		if err != nil || !hostInDomain(u.Hostname(), p.Domain) {
			return "", verificationError(KindDiscoveryMismatch,
				"claimed identifier %s is outside domain %s", a.ClaimedID, p.Domain)
		}
	}

	if p.TenantDiscoveryURL != "" {
		target := strings.NewReplacer(
			"{domain}", url.QueryEscape(p.Domain),
			"{claimed_id}", url.QueryEscape(claimed),
		).Replace(p.TenantDiscoveryURL)
		eps, err := p.Discoverer.Discover(ctx, target)
		if err != nil {
			return "", ErrVerification{
				Kind:          KindDiscoveryMismatch,
				StatusMessage: "tenant discovery failed: " + err.Error(),
			}
		}
		listed := false
		for _, ep := range eps {
			if sameURL(ep.URL, a.OPEndpoint) {
				listed = true
				break
			}
		}
		if !listed {
			return "", verificationError(KindDiscoveryMismatch,
				"provider %s is not listed for tenant %s", a.OPEndpoint, p.Domain)
		}
	}
	return claimed, nil
}

func hostInDomain(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

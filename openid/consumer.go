package openid

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults applied by NewConsumer to zero Config fields.
const (
	DefaultHTTPTimeout       = 10 * time.Second
	DefaultMaxRedirects      = 10
	DefaultAssociationTTL    = 5 * time.Minute
	DefaultNonceMaxAge       = 5000 * time.Second
	DefaultNonceSkew         = 5 * time.Minute
	DefaultDiscoveryCacheTTL = 10 * time.Minute
)

// Config tunes a Consumer.
type Config struct {
	// Realm is the openid.realm sent with every request.
	Realm              string
	AssociationType    string
	HTTPTimeout        time.Duration
	MaxRedirects       int
	AssociationTTL     time.Duration
	NonceMaxAge        time.Duration
	NonceSkew          time.Duration
	DiscoveryCacheSize int
	DiscoveryCacheTTL  time.Duration
	ClaimPolicy        string
	TenantDomain       string
	TenantDiscoveryURL string

	// Optional collaborators.
	HTTPClient *http.Client
	NonceStore NonceStore
	Extensions []Extension
	Now        func() time.Time
}

// Consumer bundles the relying-party components. It is built once and
// shared; every field is safe for concurrent use.
type Consumer struct {
	Realm        string
	Discoverer   *Discoverer
	Associations *AssociationManager
	Verifier     *Verifier
	Nonces       NonceStore
	Registry     *Registry
}

// NewConsumer validates cfg and wires the components.
func NewConsumer(cfg Config, logger *slog.Logger) (*Consumer, error) {
	if cfg.Realm == "" {
		return nil, errors.New("openid realm is required")
	}
	if cfg.AssociationType == "" {
		cfg.AssociationType = AssocHMACSHA256
	}
	switch cfg.AssociationType {
	case AssocHMACSHA256, AssocHMACSHA1, AssocNone:
	default:
		return nil, fmt.Errorf("unsupported association type %q", cfg.AssociationType)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.AssociationTTL <= 0 {
		cfg.AssociationTTL = DefaultAssociationTTL
	}
	if cfg.NonceMaxAge <= 0 {
		cfg.NonceMaxAge = DefaultNonceMaxAge
	}
	if cfg.NonceSkew <= 0 {
		cfg.NonceSkew = DefaultNonceSkew
	}
	if cfg.DiscoveryCacheTTL <= 0 {
		cfg.DiscoveryCacheTTL = DefaultDiscoveryCacheTTL
	}
	if cfg.NonceStore == nil {
		cfg.NonceStore = NewMemoryNonceStore()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.HTTPTimeout, cfg.MaxRedirects)
	}

	discoverer := NewDiscoverer(client, cfg.DiscoveryCacheSize, cfg.DiscoveryCacheTTL, logger)

	var policy ClaimPolicy
	switch strings.ToLower(cfg.ClaimPolicy) {
	case "", PolicyStrict:
		policy = StrictClaimPolicy{Discoverer: discoverer}
	case PolicyTrustProvider:
		policy = TrustProviderClaimPolicy{
			Domain:             cfg.TenantDomain,
			TenantDiscoveryURL: cfg.TenantDiscoveryURL,
			Discoverer:         discoverer,
		}
		logger.Warn("provider-trusting claim policy in use", "tenant_domain", cfg.TenantDomain)
	default:
		return nil, fmt.Errorf("unknown claim policy %q", cfg.ClaimPolicy)
	}

	associations := NewAssociationManager(client, NewAssociationStore(), cfg.AssociationType, cfg.AssociationTTL, cfg.Now, logger)
	verifier := NewVerifier(client, associations, cfg.NonceStore, policy, cfg.NonceMaxAge, cfg.NonceSkew, cfg.Now, logger)

	return &Consumer{
		Realm:        cfg.Realm,
		Discoverer:   discoverer,
		Associations: associations,
		Verifier:     verifier,
		Nonces:       cfg.NonceStore,
		Registry:     NewRegistry(logger, cfg.Extensions...),
	}, nil
}

package openid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Assertion is a positive assertion that passed verification.
type Assertion struct {
	Message     Message
	OPEndpoint  string
	ClaimedID   string
	Identity    string
	ReturnTo    string
	Nonce       string
	AssocHandle string
}

// VerifyRequest carries a provider response and the state of the login it
// answers.
type VerifyRequest struct {
	// ReceivingURL is the full URL the response arrived at.
	ReceivingURL string
	Params       url.Values
	// Endpoint is the endpoint discovered when the login began.
	Endpoint Endpoint
	// AssocHandle is the handle sent in the request, empty when stateless.
	AssocHandle string
	// ReturnTo is the return_to value sent in the request.
	ReturnTo string
	// PinEndpoint requires the assertion to come from Endpoint even when
	// the claimed identifier could be rediscovered elsewhere. Logins sent
	// to an OP identifier are always pinned.
	PinEndpoint bool
}

// Verifier checks provider responses.
type Verifier struct {
	client       *http.Client
	associations *AssociationManager
	nonces       NonceStore
	policy       ClaimPolicy
	nonceMaxAge  time.Duration
	nonceSkew    time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewVerifier wires a verifier. now defaults to time.Now.
func NewVerifier(client *http.Client, associations *AssociationManager, nonces NonceStore, policy ClaimPolicy, nonceMaxAge, nonceSkew time.Duration, now func() time.Time, logger *slog.Logger) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		client:       client,
		associations: associations,
		nonces:       nonces,
		policy:       policy,
		nonceMaxAge:  nonceMaxAge,
		nonceSkew:    nonceSkew,
		now:          now,
		logger:       logger,
	}
}

// Policy returns the claim policy in force.
func (v *Verifier) Policy() ClaimPolicy {
	return v.policy
}

// Verify runs the mode, return URL, claim, nonce and signature checks in
// that order and stops at the first failure. Every rejection is an
// ErrVerification except store or transport faults.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*Assertion, error) {
	msg := MessageFromQuery(req.Params)

	if err := checkMode(msg); err != nil {
		return nil, err
	}
	if err := checkReturnTo(req.ReceivingURL, msg["return_to"], req.ReturnTo); err != nil {
		return nil, err
	}
	if err := checkSignedFields(msg); err != nil {
		return nil, err
	}

	a := &Assertion{
		Message:     msg,
		OPEndpoint:  msg["op_endpoint"],
		ClaimedID:   msg["claimed_id"],
		Identity:    msg["identity"],
		ReturnTo:    msg["return_to"],
		Nonce:       msg["response_nonce"],
		AssocHandle: msg["assoc_handle"],
	}

	if (req.PinEndpoint || req.Endpoint.IsOPIdentifier()) && !sameURL(a.OPEndpoint, req.Endpoint.URL) {
		return nil, verificationError(KindDiscoveryMismatch,
			"assertion from %s but login was sent to %s", a.OPEndpoint, req.Endpoint.URL)
	}

	claimed, err := v.policy.CheckClaim(ctx, a, req.Endpoint)
	if err != nil {
		return nil, err
	}
	a.ClaimedID = claimed

	if err := v.checkNonce(ctx, a); err != nil {
		return nil, err
	}
	if err := v.checkSignature(ctx, a, req); err != nil {
		return nil, err
	}
	return a, nil
}

func checkMode(msg Message) error {
	switch msg["mode"] {
	case modeIDRes:
		if setup := msg["user_setup_url"]; setup != "" {
			return ErrVerification{Kind: KindDeclined, StatusMessage: "provider requires interactive setup", SetupURL: setup}
		}
	case modeCancel:
		return ErrVerification{Kind: KindDeclined, StatusMessage: "login was cancelled at the provider"}
	case modeSetupNeeded:
		return ErrVerification{Kind: KindDeclined, StatusMessage: "provider requires interactive setup", SetupURL: msg["user_setup_url"]}
	case modeError:
		return ErrVerification{Kind: KindDeclined, StatusMessage: "provider returned an error", ProviderMessage: msg["error"]}
	case "":
		return verificationError(KindMalformed, "response has no openid.mode")
	default:
		return verificationError(KindMalformed, "unexpected mode %q", msg["mode"])
	}
	if !msg.IsOpenID20() {
		return verificationError(KindMalformed, "only OpenID 2.0 responses are accepted")
	}
	return nil
}

// checkReturnTo requires the asserted return_to to point at the URL the
// response was received at, with all of its query parameters present, and
// to be the return_to this login sent.
func checkReturnTo(receiving, asserted, expected string) error {
	if asserted == "" {
		return verificationError(KindMalformed, "response has no return_to")
	}
	au, err := url.Parse(asserted)
	if err != nil {
		return verificationError(KindReturnURLMismatch, "return_to is not a URL")
	}
	ru, err := url.Parse(receiving)
	if err != nil {
		return verificationError(KindReturnURLMismatch, "receiving URL is not a URL")
	}
	if !sameBase(au, ru) {
		return verificationError(KindReturnURLMismatch,
			"return_to %s does not match %s", stripQuery(au), stripQuery(ru))
	}
	received := ru.Query()
	for k, vs := range au.Query() {
		if !slices.Equal(received[k], vs) {
			return verificationError(KindReturnURLMismatch, "return_to parameter %q was altered", k)
		}
	}

	if expected == "" {
		return nil
	}
	eu, err := url.Parse(expected)
	if err != nil {
		return fmt.Errorf("parse expected return_to: %w", err)
	}
	if !sameBase(au, eu) {
		return verificationError(KindReturnURLMismatch, "return_to does not belong to this login")
	}
	assertedQuery := au.Query()
	for k, vs := range eu.Query() {
		if !slices.Equal(assertedQuery[k], vs) {
			return verificationError(KindReturnURLMismatch, "return_to does not belong to this login")
		}
	}
	return nil
}

func sameBase(a, b *url.URL) bool {
	pa, pb := a.EscapedPath(), b.EscapedPath()
	if pa == "" {
		pa = "/"
	}
	if pb == "" {
		pb = "/"
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host) && pa == pb
}

func stripQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}

func checkSignedFields(msg Message) error {
	required := []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle"}
	for _, f := range required {
		if msg[f] == "" {
			return verificationError(KindMalformed, "response has no %s", f)
		}
	}
	if msg["sig"] == "" || msg["signed"] == "" {
		return verificationError(KindMalformed, "response is not signed")
	}
	if _, hasClaimed := msg["claimed_id"]; hasClaimed {
		required = append(required, "claimed_id", "identity")
	}
	for _, f := range required {
		if !msg.IsSigned(f) {
			return verificationError(KindMalformed, "field %s is not signed", f)
		}
	}
	return nil
}

func (v *Verifier) checkNonce(ctx context.Context, a *Assertion) error {
	ts, err := ParseNonceTime(a.Nonce)
	if err != nil {
		return verificationError(KindMalformed, "invalid response_nonce: %v", err)
	}
	now := v.now()
	if ts.After(now.Add(v.nonceSkew)) {
		return verificationError(KindMalformed, "response_nonce is from the future")
	}
	if now.Sub(ts) > v.nonceMaxAge {
		return verificationError(KindReplayedNonce, "response_nonce is older than %s", v.nonceMaxAge)
	}
	fresh, err := v.nonces.Accept(ctx, a.OPEndpoint, a.Nonce, ts.Add(v.nonceMaxAge))
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	if !fresh {
		return verificationError(KindReplayedNonce, "response_nonce was already used")
	}
	return nil
}

func (v *Verifier) checkSignature(ctx context.Context, a *Assertion, req VerifyRequest) error {
	// Handles belong to the endpoint that signed, which may not be the one
	// the request went to.
	endpoint := a.OPEndpoint
	requested := sameURL(endpoint, req.Endpoint.URL)
	if requested {
		endpoint = req.Endpoint.URL
	}
	if v.associations.Stateless() {
		return v.checkAuthentication(ctx, a, endpoint)
	}

	assoc, ok := v.associations.Lookup(endpoint, a.AssocHandle)
	if (ok && assoc.Expired(v.now())) || (!ok && requested && a.AssocHandle == req.AssocHandle) {
		return verificationError(KindAssociationExpired, "association %s has expired", a.AssocHandle)
	}
	if !ok {
		return v.checkAuthentication(ctx, a, endpoint)
	}
	valid, err := a.Message.VerifySignature(assoc.Type, assoc.MacKey)
	if err != nil {
		return verificationError(KindBadSignature, "cannot check signature: %v", err)
	}
	if !valid {
		return verificationError(KindBadSignature, "signature mismatch")
	}
	return nil
}

// checkAuthentication asks the provider to verify a response it signed
// with a private association. An invalidate_handle in the answer only
// affects endpoint.
func (v *Verifier) checkAuthentication(ctx context.Context, a *Assertion, endpoint string) error {
	form := a.Message.Query()
	form.Set("openid.mode", modeCheckAuth)
	resp, err := postDirect(ctx, v.client, a.OPEndpoint, form)
	if err != nil {
		return fmt.Errorf("check_authentication with %s: %w", a.OPEndpoint, err)
	}
	if msg, ok := resp["error"]; ok {
		return ErrVerification{Kind: KindBadSignature, StatusMessage: "provider rejected check_authentication", ProviderMessage: msg}
	}
	if handle := resp["invalidate_handle"]; handle != "" {
		v.associations.Invalidate(endpoint, handle)
		v.logger.Debug("provider invalidated association", "endpoint", endpoint, "assoc_handle", handle)
	}
	if resp["is_valid"] != "true" {
		return verificationError(KindBadSignature, "provider did not confirm the signature")
	}
	return nil
}

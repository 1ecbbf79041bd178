package openid

import (
	"errors"
	"fmt"
)

// Sentinels the typed errors unwrap to.
var (
	ErrDiscoveryFailed    = errors.New("discovery failed")
	ErrAssociationFailed  = errors.New("association failed")
	ErrVerificationFailed = errors.New("verification failed")
)

// ErrDiscovery represents a failure to resolve an identifier into an endpoint.
type ErrDiscovery struct {
	URL string
	Err error
}

// IsErrDiscovery checks if an error is an ErrDiscovery.
func IsErrDiscovery(err error) bool {
	var target ErrDiscovery
	return errors.As(err, &target)
}

func (err ErrDiscovery) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("failed to discover OpenID endpoint at %s", err.URL)
	}
	return fmt.Sprintf("failed to discover OpenID endpoint at %s: %v", err.URL, err.Err)
}

// Unwrap lets errors.Is match both the cause and ErrDiscoveryFailed.
func (err ErrDiscovery) Unwrap() []error {
	if err.Err == nil {
		return []error{ErrDiscoveryFailed}
	}
	return []error{ErrDiscoveryFailed, err.Err}
}

// ErrAssociation represents a failed association handshake.
type ErrAssociation struct {
	Endpoint string
	Reason   string
	Err      error
}

// IsErrAssociation checks if an error is an ErrAssociation.
func IsErrAssociation(err error) bool {
	var target ErrAssociation
	return errors.As(err, &target)
}

func (err ErrAssociation) Error() string {
	msg := fmt.Sprintf("association with %s failed: %s", err.Endpoint, err.Reason)
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

func (err ErrAssociation) Unwrap() []error {
	if err.Err == nil {
		return []error{ErrAssociationFailed}
	}
	return []error{ErrAssociationFailed, err.Err}
}

// FailureKind classifies a rejected authentication response.
type FailureKind string

// Verification failure kinds.
const (
	KindDeclined           FailureKind = "provider_declined"
	KindReturnURLMismatch  FailureKind = "return_url_mismatch"
	KindDiscoveryMismatch  FailureKind = "discovery_mismatch"
	KindReplayedNonce      FailureKind = "replayed_nonce"
	KindBadSignature       FailureKind = "bad_signature"
	KindAssociationExpired FailureKind = "association_expired"
	KindMalformed          FailureKind = "malformed_response"
)

// ErrVerification is returned when a provider response is not accepted.
// StatusMessage holds a human readable reason; ProviderMessage carries the
// provider's own text when it sent one.
type ErrVerification struct {
	Kind            FailureKind
	StatusMessage   string
	ProviderMessage string
	SetupURL        string
}

// IsErrVerification checks if an error is an ErrVerification.
func IsErrVerification(err error) bool {
	var target ErrVerification
	return errors.As(err, &target)
}

// VerificationKind returns the failure kind of err, or "" when err is not
// a verification failure.
func VerificationKind(err error) FailureKind {
	var target ErrVerification
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

func (err ErrVerification) Error() string {
	if err.ProviderMessage != "" {
		return fmt.Sprintf("%s: %s (provider: %s)", err.Kind, err.StatusMessage, err.ProviderMessage)
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.StatusMessage)
}

func (err ErrVerification) Unwrap() error {
	return ErrVerificationFailed
}

func verificationError(kind FailureKind, format string, args ...any) ErrVerification {
	return ErrVerification{Kind: kind, StatusMessage: fmt.Sprintf(format, args...)}
}

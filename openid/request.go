package openid

import (
	"fmt"
	"net/url"
	"strings"
)

// AuthRequest is a checkid_setup request under construction.
type AuthRequest struct {
	Endpoint Endpoint
	msg      Message
	aliases  map[string]string
}

// NewAuthRequest starts a checkid_setup request for ep. assocHandle may be
// empty for stateless logins.
func NewAuthRequest(ep Endpoint, returnTo, realm, assocHandle string) *AuthRequest {
	msg := Message{
		"ns":         NSOpenID20,
		"mode":       modeCheckidSetup,
		"claimed_id": ep.RequestClaimedID(),
		"identity":   ep.RequestIdentity(),
		"return_to":  returnTo,
		"realm":      realm,
	}
	if assocHandle != "" {
		msg["assoc_handle"] = assocHandle
	}
	return &AuthRequest{Endpoint: ep, msg: msg, aliases: map[string]string{}}
}

// AddExtension declares namespace nsURI under alias and adds its fields.
// Adding to a namespace already declared merges the fields.
func (r *AuthRequest) AddExtension(nsURI, alias string, fields map[string]string) error {
	if existing, ok := r.aliases[nsURI]; ok {
		alias = existing
	} else {
		if alias == "" || strings.ContainsAny(alias, ".,") {
			return fmt.Errorf("invalid extension alias %q", alias)
		}
		if _, taken := r.msg["ns."+alias]; taken {
			return fmt.Errorf("extension alias %q already in use", alias)
		}
		r.aliases[nsURI] = alias
		r.msg["ns."+alias] = nsURI
	}
	for k, v := range fields {
		r.msg[alias+"."+k] = v
	}
	return nil
}

// Message returns a copy of the request fields.
func (r *AuthRequest) Message() Message {
	out := make(Message, len(r.msg))
	for k, v := range r.msg {
		out[k] = v
	}
	return out
}

// RedirectURL renders the indirect request against the endpoint URL,
// preserving any query the endpoint already carries.
func (r *AuthRequest) RedirectURL() (string, error) {
	u, err := url.Parse(r.Endpoint.URL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	q := u.Query()
	for k, v := range r.msg.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

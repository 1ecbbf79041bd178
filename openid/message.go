// Package openid implements the relying-party half of OpenID 2.0
// authentication: identifier discovery, Diffie-Hellman association,
// positive-assertion verification and extension processing.
package openid

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
)

// Protocol namespaces and service types.
const (
	NSOpenID20         = "http://specs.openid.net/auth/2.0"
	TypeServer20       = "http://specs.openid.net/auth/2.0/server"
	TypeSignon20       = "http://specs.openid.net/auth/2.0/signon"
	TypeSignon11       = "http://openid.net/signon/1.1"
	TypeSignon10       = "http://openid.net/signon/1.0"
	IdentifierSelect   = "http://specs.openid.net/auth/2.0/identifier_select"
	xrdsContentType    = "application/xrds+xml"
	formContentType    = "application/x-www-form-urlencoded"
	keyValueMaxBody    = 1 << 20
	queryFieldPrefix   = "openid."
	modeCheckidSetup   = "checkid_setup"
	modeIDRes          = "id_res"
	modeCancel         = "cancel"
	modeSetupNeeded    = "setup_needed"
	modeAssociate      = "associate"
	modeCheckAuth      = "check_authentication"
	modeError          = "error"
	errCodeUnsupported = "unsupported-type"
)

// Association and session types.
const (
	AssocHMACSHA1       = "HMAC-SHA1"
	AssocHMACSHA256     = "HMAC-SHA256"
	SessionDHSHA1       = "DH-SHA1"
	SessionDHSHA256     = "DH-SHA256"
	SessionNoEncryption = "no-encryption"

	// AssocNone selects stateless verification through check_authentication.
	AssocNone = "none"
)

// Message is an OpenID protocol message. Keys carry no "openid." prefix.
type Message map[string]string

// MessageFromQuery extracts the openid.* fields of an indirect message.
func MessageFromQuery(values url.Values) Message {
	m := Message{}
	for k, v := range values {
		if !strings.HasPrefix(k, queryFieldPrefix) || len(v) == 0 {
			continue
		}
		m[strings.TrimPrefix(k, queryFieldPrefix)] = v[0]
	}
	return m
}

// Query renders the message as prefixed URL parameters.
func (m Message) Query() url.Values {
	values := url.Values{}
	for k, v := range m {
		values.Set(queryFieldPrefix+k, v)
	}
	return values
}

// IsOpenID20 reports whether the message declares the 2.0 namespace.
func (m Message) IsOpenID20() bool {
	return m["ns"] == NSOpenID20
}

// KeyValue encodes the message in key-value form with sorted keys.
func (m Message) KeyValue() []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(m[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseKeyValue decodes a key-value form body as sent in direct responses.
func ParseKeyValue(body []byte) (Message, error) {
	m := Message{}
	for i, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("key-value line %d has no separator", i+1)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m, nil
}

// SignedFields returns the fields listed in openid.signed, in order.
func (m Message) SignedFields() []string {
	signed := m["signed"]
	if signed == "" {
		return nil
	}
	return strings.Split(signed, ",")
}

// IsSigned reports whether key appears in the signed list.
func (m Message) IsSigned(key string) bool {
	for _, f := range m.SignedFields() {
		if f == key {
			return true
		}
	}
	return false
}

// Sign computes the base64 signature over the listed fields.
func (m Message) Sign(assocType string, key []byte, fields []string) (string, error) {
	newHash, err := macHash(assocType)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, f := range fields {
		v, ok := m[f]
		if !ok {
			return "", fmt.Errorf("signed field %q missing from message", f)
		}
		buf.WriteString(f)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	mac := hmac.New(newHash, key)
	mac.Write(buf.Bytes())
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks openid.sig against key in constant time.
func (m Message) VerifySignature(assocType string, key []byte) (bool, error) {
	fields := m.SignedFields()
	if len(fields) == 0 {
		return false, nil
	}
	expected, err := m.Sign(assocType, key, fields)
	if err != nil {
		return false, err
	}
	got, err := base64.StdEncoding.DecodeString(m["sig"])
	if err != nil {
		return false, nil
	}
	want, _ := base64.StdEncoding.DecodeString(expected)
	return hmac.Equal(got, want), nil
}

func macHash(assocType string) (func() hash.Hash, error) {
	switch assocType {
	case AssocHMACSHA1:
		return sha1.New, nil
	case AssocHMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("unsupported association type %q", assocType)
	}
}

func macKeyLength(assocType string) int {
	if assocType == AssocHMACSHA1 {
		return sha1.Size
	}
	return sha256.Size
}

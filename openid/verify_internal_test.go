package openid

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckReturnTo(t *testing.T) {
	cases := []struct {
		name      string
		receiving string
		asserted  string
		expected  string
		kind      FailureKind
	}{
		{"match", "https://rp/finish?p=1&openid.mode=id_res", "https://rp/finish?p=1", "https://rp/finish?p=1", ""},
		{"host case", "https://RP/finish?p=1", "https://rp/finish?p=1", "", ""},
		{"other path", "https://rp/finish", "https://rp/other", "", KindReturnURLMismatch},
		{"other host", "https://rp/finish", "https://evil/finish", "", KindReturnURLMismatch},
		{"altered param", "https://rp/finish?p=2", "https://rp/finish?p=1", "", KindReturnURLMismatch},
		{"other login", "https://rp/finish?p=1", "https://rp/finish?p=1", "https://rp/finish?p=9", KindReturnURLMismatch},
		{"missing", "https://rp/finish", "", "", KindMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkReturnTo(tc.receiving, tc.asserted, tc.expected)
			if tc.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.kind, VerificationKind(err))
		})
	}
}

func TestCheckMode(t *testing.T) {
	err := checkMode(Message{"ns": NSOpenID20, "mode": "cancel"})
	assert.Equal(t, KindDeclined, VerificationKind(err))

	err = checkMode(Message{"ns": NSOpenID20, "mode": "setup_needed", "user_setup_url": "https://op/setup"})
	var v ErrVerification
	assert.ErrorAs(t, err, &v)
	assert.Equal(t, "https://op/setup", v.SetupURL)

	err = checkMode(Message{"ns": NSOpenID20, "mode": "error", "error": "boom"})
	assert.ErrorAs(t, err, &v)
	assert.Equal(t, "boom", v.ProviderMessage)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	assert.Equal(t, KindMalformed, VerificationKind(checkMode(Message{"mode": "id_res"})))
	assert.Equal(t, KindMalformed, VerificationKind(checkMode(Message{"ns": NSOpenID20})))
	assert.NoError(t, checkMode(Message{"ns": NSOpenID20, "mode": "id_res"}))
}

func TestCheckSignedFieldsRequiresClaimedIDSigned(t *testing.T) {
	msg := Message{
		"op_endpoint": "o", "return_to": "r", "response_nonce": "n", "assoc_handle": "h",
		"claimed_id": "c", "identity": "i", "sig": "s",
		"signed": "op_endpoint,return_to,response_nonce,assoc_handle,identity",
	}
	assert.Equal(t, KindMalformed, VerificationKind(checkSignedFields(msg)))

	msg["signed"] += ",claimed_id"
	assert.NoError(t, checkSignedFields(msg))
}

func TestTrustProviderClaimPolicyDomain(t *testing.T) {
	p := TrustProviderClaimPolicy{Domain: "example.com"}
	discovered := Endpoint{URL: "https://op.example.net/auth"}

	claimed, err := p.CheckClaim(context.Background(), &Assertion{
		OPEndpoint: "https://OP.example.net/auth",
		ClaimedID:  "https://example.com/openid?id=1",
	}, discovered)
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com/openid?id=1", claimed)

	_, err = p.CheckClaim(context.Background(), &Assertion{
		OPEndpoint: "https://op.example.net/auth",
		ClaimedID:  "https://example.com.evil.org/openid",
	}, discovered)
	assert.Equal(t, KindDiscoveryMismatch, VerificationKind(err))

	_, err = p.CheckClaim(context.Background(), &Assertion{
		OPEndpoint: "https://elsewhere.example/auth",
		ClaimedID:  "https://example.com/openid",
	}, discovered)
	assert.Equal(t, KindDiscoveryMismatch, VerificationKind(err))
}

func TestTrustProviderClaimPolicyTenantDiscovery(t *testing.T) {
	var asked atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		asked.Store(r.URL.Query().Get("hd"))
		w.Header().Set("Content-Type", "application/xrds+xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<xrds:XRDS xmlns:xrds="xri://$xrds" xmlns="xri://$xrd*($v*2.0)">
  <XRD>
    <Service priority="0">
      <Type>%s</Type>
      <URI>https://op.example.net/auth</URI>
    </Service>
  </XRD>
</xrds:XRDS>`, TypeServer20)
	}))
	defer srv.Close()

	ctx := context.Background()
	p := TrustProviderClaimPolicy{
		Domain:             "example.com",
		TenantDiscoveryURL: srv.URL + "/tenant?hd={domain}",
		Discoverer:         NewDiscoverer(srv.Client(), 0, 0, discardLogger()),
	}

	claimed, err := p.CheckClaim(ctx, &Assertion{
		OPEndpoint: "https://op.example.net/auth",
		ClaimedID:  "https://example.com/openid?id=1",
	}, Endpoint{URL: "https://op.example.net/auth"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/openid?id=1", claimed)
	assert.Equal(t, "example.com", asked.Load())

	_, err = p.CheckClaim(ctx, &Assertion{
		OPEndpoint: "https://rogue.example.net/auth",
		ClaimedID:  "https://example.com/openid?id=1",
	}, Endpoint{URL: "https://rogue.example.net/auth"})
	assert.Equal(t, KindDiscoveryMismatch, VerificationKind(err))
	assert.ErrorContains(t, err, "not listed for tenant")

	p.TenantDiscoveryURL = "http://127.0.0.1:1/tenant"
	_, err = p.CheckClaim(ctx, &Assertion{
		OPEndpoint: "https://op.example.net/auth",
		ClaimedID:  "https://example.com/openid?id=1",
	}, Endpoint{URL: "https://op.example.net/auth"})
	assert.Equal(t, KindDiscoveryMismatch, VerificationKind(err))
	assert.ErrorContains(t, err, "tenant discovery failed")
}

func TestHostInDomain(t *testing.T) {
	assert.True(t, hostInDomain("example.com", "example.com"))
	assert.True(t, hostInDomain("Login.Example.com", ".example.com"))
	assert.False(t, hostInDomain("badexample.com", "example.com"))
}

func TestSameURL(t *testing.T) {
	assert.True(t, sameURL("HTTPS://Op.Example", "https://op.example/"))
	assert.False(t, sameURL("https://op.example/a", "https://op.example/b"))
	assert.False(t, sameURL("https://op.example/?x=1", "https://op.example/?x=2"))
}

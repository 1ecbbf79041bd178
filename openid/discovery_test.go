package openid_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openidrp/openid"
	"openidrp/openid/openidtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDiscoverer(cacheSize int) *openid.Discoverer {
	return openid.NewDiscoverer(openid.NewHTTPClient(5*time.Second, 5), cacheSize, time.Minute, discardLogger())
}

func TestDiscoverOPIdentifier(t *testing.T) {
	p := openidtest.NewProvider(openidtest.User{}, openidtest.Options{})
	defer p.Close()

	eps, err := newDiscoverer(0).Discover(context.Background(), p.URL())
	require.NoError(t, err)
	require.NotEmpty(t, eps)
	assert.Equal(t, p.EndpointURL(), eps[0].URL)
	assert.True(t, eps[0].IsOPIdentifier())
	assert.Equal(t, "2.0", eps[0].Version)
}

func TestDiscoverClaimedIdentifier(t *testing.T) {
	p := openidtest.NewProvider(openidtest.User{Name: "bob"}, openidtest.Options{})
	defer p.Close()

	ep, err := newDiscoverer(0).DiscoverEndpoint(context.Background(), p.ClaimedID())
	require.NoError(t, err)
	assert.Equal(t, p.EndpointURL(), ep.URL)
	assert.Equal(t, p.ClaimedID(), ep.ClaimedID)
	assert.Equal(t, p.ClaimedID(), ep.RequestIdentity())
}

func TestDiscoverHTMLLinks(t *testing.T) {
	p := openidtest.NewProvider(openidtest.User{}, openidtest.Options{})
	defer p.Close()

	ep, err := newDiscoverer(0).DiscoverEndpoint(context.Background(), p.HTMLIdentifier())
	require.NoError(t, err)
	assert.Equal(t, p.EndpointURL(), ep.URL)
	assert.Equal(t, "2.0", ep.Version)
	assert.Equal(t, p.HTMLIdentifier(), ep.ClaimedID)
}

func TestDiscoverMetaXRDSLocation(t *testing.T) {
	p := openidtest.NewProvider(openidtest.User{}, openidtest.Options{})
	defer p.Close()

	ep, err := newDiscoverer(0).DiscoverEndpoint(context.Background(), strings.TrimSuffix(p.URL(), "/")+"/meta")
	require.NoError(t, err)
	assert.Equal(t, p.EndpointURL(), ep.URL)
	assert.True(t, ep.IsOPIdentifier())
}

func TestDiscoverFallsBackToLiteralEndpoint(t *testing.T) {
	p := openidtest.NewProvider(openidtest.User{}, openidtest.Options{})
	defer p.Close()
	plain := strings.TrimSuffix(p.URL(), "/") + "/plain"

	eps, err := newDiscoverer(0).Discover(context.Background(), plain)
	require.NoError(t, err)
	assert.Empty(t, eps)

	ep, err := newDiscoverer(0).DiscoverEndpoint(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, plain, ep.URL)
	assert.True(t, ep.IsOPIdentifier())
}

func TestDiscoverHTTPErrorIsNoDocument(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ep, err := newDiscoverer(0).DiscoverEndpoint(context.Background(), srv.URL+"/openid")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/openid", ep.URL)
}

func TestDiscoverUnreachableHost(t *testing.T) {
	_, err := newDiscoverer(0).Discover(context.Background(), "http://127.0.0.1:1/")
	require.Error(t, err)
	assert.True(t, openid.IsErrDiscovery(err))
	assert.ErrorIs(t, err, openid.ErrDiscoveryFailed)

	var de openid.ErrDiscovery
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "http://127.0.0.1:1/", de.URL)
}

func TestDiscoverMalformedXRDS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xrds+xml")
		_, _ = io.WriteString(w, "<XRDS><XRD><Service>")
	}))
	defer srv.Close()

	_, err := newDiscoverer(0).DiscoverEndpoint(context.Background(), srv.URL)
	assert.True(t, openid.IsErrDiscovery(err))
}

func TestDiscoverCachesResults(t *testing.T) {
	var hits atomic.Int32
	p := openidtest.NewProvider(openidtest.User{}, openidtest.Options{})
	defer p.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		p.ServeHTTP(w, r)
	}))
	defer srv.Close()

	d := newDiscoverer(16)
	for i := 0; i < 3; i++ {
		_, err := d.Discover(context.Background(), srv.URL+"/")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestNormalizeIdentifier(t *testing.T) {
	id, err := openid.NormalizeIdentifier("  example.com#frag ")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", id)

	_, err = openid.NormalizeIdentifier("")
	assert.Error(t, err)
}

package openid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
	yopenid "github.com/yohcop/openid-go"
	"golang.org/x/sync/singleflight"
)

const discoveryMaxBody = 512 << 10

// Endpoint describes a discovered OpenID Provider endpoint.
type Endpoint struct {
	URL       string
	ClaimedID string
	LocalID   string
	Version   string
	Types     []string
}

// IsOPIdentifier reports whether the endpoint lets the provider choose the
// identity (directed identity).
func (e Endpoint) IsOPIdentifier() bool {
	return e.ClaimedID == "" || e.ClaimedID == IdentifierSelect
}

// RequestClaimedID is the openid.claimed_id value to send for this endpoint.
func (e Endpoint) RequestClaimedID() string {
	if e.IsOPIdentifier() {
		return IdentifierSelect
	}
	return e.ClaimedID
}

// RequestIdentity is the openid.identity value to send for this endpoint.
func (e Endpoint) RequestIdentity() string {
	if e.IsOPIdentifier() {
		return IdentifierSelect
	}
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.ClaimedID
}

// NormalizeIdentifier turns user input into a canonical URL identifier.
func NormalizeIdentifier(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("empty identifier")
	}
	normalized, err := yopenid.Normalize(id)
	if err != nil {
		return "", fmt.Errorf("normalize identifier: %w", err)
	}
	return stripFragment(normalized), nil
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// NewHTTPClient returns a client with a bounded timeout and redirect count.
func NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			return nil
		},
	}
}

// Discoverer resolves identifiers into provider endpoints using Yadis and
// HTML discovery. Results are cached per normalized identifier and
// concurrent lookups of the same identifier share one fetch.
type Discoverer struct {
	client *http.Client
	cache  *expirable.LRU[string, []Endpoint]
	group  singleflight.Group
	logger *slog.Logger
}

// NewDiscoverer builds a Discoverer. A cacheSize of zero disables caching.
func NewDiscoverer(client *http.Client, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Discoverer {
	d := &Discoverer{client: client, logger: logger}
	if cacheSize > 0 {
		d.cache = expirable.NewLRU[string, []Endpoint](cacheSize, nil, cacheTTL)
	}
	return d
}

// Discover returns the endpoints advertised for identifier, best first.
// An empty result with a nil error means the identifier publishes no
// discovery information.
func (d *Discoverer) Discover(ctx context.Context, identifier string) ([]Endpoint, error) {
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return nil, ErrDiscovery{URL: identifier, Err: err}
	}
	if d.cache != nil {
		if eps, ok := d.cache.Get(id); ok {
			return cloneEndpoints(eps), nil
		}
	}

	v, err, _ := d.group.Do(id, func() (any, error) {
		eps, err := d.discover(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.cache != nil && len(eps) > 0 {
			d.cache.Add(id, eps)
		}
		return eps, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneEndpoints(v.([]Endpoint)), nil
}

// DiscoverEndpoint returns the preferred endpoint for identifier. When no
// discovery information exists the identifier itself is used as the
// provider endpoint URL.
func (d *Discoverer) DiscoverEndpoint(ctx context.Context, identifier string) (Endpoint, error) {
	eps, err := d.Discover(ctx, identifier)
	if err != nil {
		return Endpoint{}, err
	}
	if len(eps) > 0 {
		return eps[0], nil
	}
	literal, err := NormalizeIdentifier(identifier)
	if err != nil {
		return Endpoint{}, ErrDiscovery{URL: identifier, Err: err}
	}
	d.logger.Debug("no discovery information, using identifier as endpoint", "endpoint", literal)
	return Endpoint{
		URL:       literal,
		ClaimedID: IdentifierSelect,
		LocalID:   IdentifierSelect,
		Version:   "2.0",
		Types:     []string{TypeServer20},
	}, nil
}

func (d *Discoverer) discover(ctx context.Context, id string) ([]Endpoint, error) {
	resp, body, err := d.get(ctx, id)
	if err != nil {
		return nil, ErrDiscovery{URL: id, Err: err}
	}
	claimedID := stripFragment(resp.Request.URL.String())
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Debug("identifier returned no document", "url", id, "status", resp.StatusCode)
		return nil, nil
	}

	if hasMediaType(resp, xrdsContentType) {
		eps, err := endpointsFromXRDS(body, claimedID)
		if err != nil {
			return nil, ErrDiscovery{URL: claimedID, Err: fmt.Errorf("parse XRDS: %w", err)}
		}
		return eps, nil
	}

	var doc *goquery.Document
	if hasMediaType(resp, "text/html") || hasMediaType(resp, "application/xhtml+xml") {
		doc, err = goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			d.logger.Debug("unparseable HTML at identifier", "url", claimedID, "error", err)
			doc = nil
		}
	}

	location := resp.Header.Get("X-XRDS-Location")
	if location == "" && doc != nil {
		location = metaXRDSLocation(doc)
	}
	if location != "" {
		locURL, err := resp.Request.URL.Parse(location)
		if err != nil {
			return nil, ErrDiscovery{URL: location, Err: err}
		}
		eps, err := d.fetchXRDS(ctx, locURL.String(), claimedID)
		if err != nil {
			return nil, err
		}
		if len(eps) > 0 {
			return eps, nil
		}
	}

	if doc != nil {
		return endpointsFromHTML(doc, claimedID), nil
	}
	return nil, nil
}

func (d *Discoverer) fetchXRDS(ctx context.Context, location, claimedID string) ([]Endpoint, error) {
	resp, body, err := d.get(ctx, location)
	if err != nil {
		return nil, ErrDiscovery{URL: location, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ErrDiscovery{URL: location, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	eps, err := endpointsFromXRDS(body, claimedID)
	if err != nil {
		return nil, ErrDiscovery{URL: location, Err: fmt.Errorf("parse XRDS: %w", err)}
	}
	return eps, nil
}

func (d *Discoverer) get(ctx context.Context, target string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", xrdsContentType+", text/html;q=0.9, application/xhtml+xml;q=0.9, */*;q=0.1")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, discoveryMaxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, body, nil
}

func hasMediaType(resp *http.Response, want string) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mt, want)
}

func metaXRDSLocation(doc *goquery.Document) string {
	var location string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), "X-XRDS-Location") {
			return true
		}
		location = strings.TrimSpace(s.AttrOr("content", ""))
		return location == ""
	})
	return location
}

func endpointsFromHTML(doc *goquery.Document, claimedID string) []Endpoint {
	links := map[string]string{}
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		for _, rel := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
			if _, seen := links[rel]; !seen {
				links[rel] = href
			}
		}
	})

	var eps []Endpoint
	if op := links["openid2.provider"]; op != "" {
		eps = append(eps, Endpoint{
			URL:       op,
			ClaimedID: claimedID,
			LocalID:   links["openid2.local_id"],
			Version:   "2.0",
			Types:     []string{TypeSignon20},
		})
	}
	if op := links["openid.server"]; op != "" {
		eps = append(eps, Endpoint{
			URL:       op,
			ClaimedID: claimedID,
			LocalID:   links["openid.delegate"],
			Version:   "1.1",
			Types:     []string{TypeSignon11},
		})
	}
	return eps
}

func cloneEndpoints(in []Endpoint) []Endpoint {
	out := make([]Endpoint, len(in))
	copy(out, in)
	return out
}

// sameURL compares two endpoint URLs ignoring scheme/host case and a
// trailing slash on an empty path.
func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	if !strings.EqualFold(ua.Scheme, ub.Scheme) || !strings.EqualFold(ua.Host, ub.Host) {
		return false
	}
	pa, pb := ua.EscapedPath(), ub.EscapedPath()
	if pa == "" {
		pa = "/"
	}
	if pb == "" {
		pb = "/"
	}
	return pa == pb && ua.RawQuery == ub.RawQuery
}

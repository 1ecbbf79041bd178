// Package openidtest runs an in-process OpenID 2.0 provider that approves
// every login, for exercising the relying party end to end.
package openidtest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/go-chi/chi/v5"

	"openidrp/openid"
)

// Extension namespaces the provider answers.
const (
	nsSReg  = "http://openid.net/extensions/sreg/1.1"
	nsTeams = "http://ns.launchpad.net/2007/openid-teams"
)

// User is the identity the provider asserts.
type User struct {
	Name      string
	Nickname  string
	FullName  string
	Email     string
	Email2    string
	Email3    string
	FirstName string
	LastName  string
	Teams     []string
}

// Options change how the provider answers.
type Options struct {
	DisableSReg  bool
	DisableAX    bool
	DisableTeams bool
	// Decline answers checkid_setup with "cancel" or "setup_needed".
	Decline string
	// AssocType, when set, is the only association type accepted; others
	// get an unsupported-type error suggesting it.
	AssocType      string
	AssociationTTL time.Duration
}

type association struct {
	handle    string
	assocType string
	key       []byte
	expires   time.Time
}

// ErrNotRedirect is returned by Approve when the provider did not redirect.
var ErrNotRedirect = errors.New("provider did not redirect")

// Provider is a mock OpenID provider served over HTTP.
type Provider struct {
	handler http.Handler
	server  *httptest.Server
	base    string

	mu      sync.Mutex
	user    User
	opts    Options
	shared  map[string]*association
	private map[string]*association

	counter    atomic.Int64
	associates atomic.Int64
	checks     atomic.Int64
}

// NewProvider starts a provider on a local httptest server.
func NewProvider(user User, opts Options) *Provider {
	p := newProvider(user, opts)
	p.server = httptest.NewServer(p.handler)
	p.base = p.server.URL
	return p
}

// NewHandler builds a provider that will be served at baseURL by the caller.
func NewHandler(baseURL string, user User, opts Options) *Provider {
	p := newProvider(user, opts)
	p.base = strings.TrimSuffix(baseURL, "/")
	return p
}

func newProvider(user User, opts Options) *Provider {
	if user.Name == "" {
		user.Name = "alice"
	}
	if opts.AssociationTTL <= 0 {
		opts.AssociationTTL = time.Hour
	}
	p := &Provider{
		user:    user,
		opts:    opts,
		shared:  map[string]*association{},
		private: map[string]*association{},
	}
	r := chi.NewRouter()
	r.Get("/", p.handleServerXRDS)
	r.Get("/xrds", p.handleServerXRDS)
	r.Get("/id/{name}", p.handleUserXRDS)
	r.Get("/html/{name}", p.handleUserHTML)
	r.Get("/meta", p.handleMetaLocation)
	r.Get("/plain", p.handlePlain)
	r.Get("/endpoint", p.handleEndpoint)
	r.Post("/endpoint", p.handleEndpoint)
	p.handler = r
	return p
}

// ServeHTTP lets the provider be mounted on any server.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Close stops the httptest server, if any.
func (p *Provider) Close() {
	if p.server != nil {
		p.server.Close()
	}
}

// URL is the OP identifier; discovering it yields the endpoint with
// identifier_select.
func (p *Provider) URL() string { return p.base + "/" }

// EndpointURL is the provider endpoint.
func (p *Provider) EndpointURL() string { return p.base + "/endpoint" }

// ClaimedID is the identifier asserted for the configured user.
func (p *Provider) ClaimedID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base + "/id/" + p.user.Name
}

// HTMLIdentifier is an identifier page using HTML link discovery.
func (p *Provider) HTMLIdentifier() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base + "/html/" + p.user.Name
}

// SetUser replaces the asserted identity.
func (p *Provider) SetUser(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.Name == "" {
		u.Name = "alice"
	}
	p.user = u
}

// SetOptions replaces the answer options.
func (p *Provider) SetOptions(o Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.AssociationTTL <= 0 {
		o.AssociationTTL = time.Hour
	}
	p.opts = o
}

// AssociateCount returns how many associate requests were served.
func (p *Provider) AssociateCount() int64 { return p.associates.Load() }

// CheckAuthCount returns how many check_authentication requests were served.
func (p *Provider) CheckAuthCount() int64 { return p.checks.Load() }

// Approve follows a relying-party redirect to the provider and returns the
// positive (or negative) assertion URL the provider redirects back to.
func (p *Provider) Approve(ctx context.Context, authURL string) (*url.URL, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("%w: %s", ErrNotRedirect, resp.Status)
	}
	return url.Parse(resp.Header.Get("Location"))
}

var xrdsTemplate = template.Must(template.New("xrds").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<xrds:XRDS xmlns:xrds="xri://$xrds" xmlns="xri://$xrd*($v*2.0)">
  <XRD>
    <Service priority="0">
      <Type>{{.Type}}</Type>
      <URI>{{.Endpoint}}</URI>{{if .LocalID}}
      <LocalID>{{.LocalID}}</LocalID>{{end}}
    </Service>
  </XRD>
</xrds:XRDS>
`))

func (p *Provider) writeXRDS(w http.ResponseWriter, typ, localID string) {
	w.Header().Set("Content-Type", "application/xrds+xml")
	_ = xrdsTemplate.Execute(w, map[string]string{
		"Type":     typ,
		"Endpoint": p.EndpointURL(),
		"LocalID":  localID,
	})
}

func (p *Provider) handleServerXRDS(w http.ResponseWriter, r *http.Request) {
	p.writeXRDS(w, openid.TypeServer20, "")
}

func (p *Provider) handleUserXRDS(w http.ResponseWriter, r *http.Request) {
	p.writeXRDS(w, openid.TypeSignon20, "")
}

func (p *Provider) handleUserHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><head><title>%s</title>
<link rel="openid2.provider" href="%s">
</head><body>profile</body></html>`, html.EscapeString(chi.URLParam(r, "name")), p.EndpointURL())
}

func (p *Provider) handleMetaLocation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><head><meta http-equiv="X-XRDS-Location" content="%s"></head><body></body></html>`, p.base+"/xrds")
}

func (p *Provider) handlePlain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("nothing to discover here"))
}

func (p *Provider) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	msg := openid.MessageFromQuery(r.Form)
	switch msg["mode"] {
	case "associate":
		p.associate(w, msg)
	case "checkid_setup", "checkid_immediate":
		p.checkid(w, r, msg)
	case "check_authentication":
		p.checkAuthentication(w, msg)
	default:
		writeKV(w, http.StatusBadRequest, openid.Message{"ns": openid.NSOpenID20, "error": "unknown mode " + msg["mode"]})
	}
}

func writeKV(w http.ResponseWriter, status int, msg openid.Message) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(msg.KeyValue())
}

func (p *Provider) associate(w http.ResponseWriter, req openid.Message) {
	p.associates.Add(1)
	p.mu.Lock()
	opts := p.opts
	p.mu.Unlock()

	assocType, sessionType := req["assoc_type"], req["session_type"]
	if opts.AssocType != "" && assocType != opts.AssocType {
		suggested := openid.SessionDHSHA256
		if opts.AssocType == openid.AssocHMACSHA1 {
			suggested = openid.SessionDHSHA1
		}
		writeKV(w, http.StatusBadRequest, openid.Message{
			"ns":           openid.NSOpenID20,
			"error":        "association type not supported",
			"error_code":   "unsupported-type",
			"assoc_type":   opts.AssocType,
			"session_type": suggested,
		})
		return
	}
	if sessionType != openid.SessionDHSHA1 && sessionType != openid.SessionDHSHA256 {
		writeKV(w, http.StatusBadRequest, openid.Message{"ns": openid.NSOpenID20, "error": "only DH sessions are served"})
		return
	}

	consumerPublic, err := openid.DecodeBtwoc(req["dh_consumer_public"])
	if err != nil {
		writeKV(w, http.StatusBadRequest, openid.Message{"ns": openid.NSOpenID20, "error": "bad dh_consumer_public"})
		return
	}
	serverKey, err := openid.GenerateDHKey(rand.Reader)
	if err != nil {
		writeKV(w, http.StatusInternalServerError, openid.Message{"error": err.Error()})
		return
	}
	shared, err := serverKey.SharedSecret(consumerPublic)
	if err != nil {
		writeKV(w, http.StatusBadRequest, openid.Message{"ns": openid.NSOpenID20, "error": err.Error()})
		return
	}

	a := p.newAssociation(assocType, opts.AssociationTTL, false)
	enc, err := openid.XORMacKey(sessionType, shared, a.key)
	if err != nil {
		writeKV(w, http.StatusBadRequest, openid.Message{"ns": openid.NSOpenID20, "error": err.Error()})
		return
	}
	writeKV(w, http.StatusOK, openid.Message{
		"ns":               openid.NSOpenID20,
		"assoc_handle":     a.handle,
		"assoc_type":       assocType,
		"session_type":     sessionType,
		"expires_in":       strconv.Itoa(int(opts.AssociationTTL.Seconds())),
		"dh_server_public": openid.EncodeBtwoc(serverKey.Public),
		"enc_mac_key":      base64.StdEncoding.EncodeToString(enc),
	})
}

func (p *Provider) newAssociation(assocType string, ttl time.Duration, private bool) *association {
	size := 32
	if assocType == openid.AssocHMACSHA1 {
		size = 20
	}
	key := make([]byte, size)
	_, _ = rand.Read(key)
	n := p.counter.Add(1)
	a := &association{assocType: assocType, key: key, expires: time.Now().Add(ttl)}
	p.mu.Lock()
	defer p.mu.Unlock()
	if private {
		a.handle = fmt.Sprintf("private-%d", n)
		p.private[a.handle] = a
	} else {
		a.handle = fmt.Sprintf("shared-%d", n)
		p.shared[a.handle] = a
	}
	return a
}

func (p *Provider) checkid(w http.ResponseWriter, r *http.Request, req openid.Message) {
	p.mu.Lock()
	user, opts := p.user, p.opts
	p.mu.Unlock()

	returnTo := req["return_to"]
	target, err := url.Parse(returnTo)
	if err != nil || returnTo == "" {
		http.Error(w, "invalid return_to", http.StatusBadRequest)
		return
	}

	switch opts.Decline {
	case "cancel":
		redirectWith(w, r, target, openid.Message{"ns": openid.NSOpenID20, "mode": "cancel"})
		return
	case "setup_needed":
		redirectWith(w, r, target, openid.Message{
			"ns":             openid.NSOpenID20,
			"mode":           "setup_needed",
			"user_setup_url": p.base + "/setup",
		})
		return
	}

	claimed, identity := req["claimed_id"], req["identity"]
	if claimed == openid.IdentifierSelect || claimed == "" {
		claimed = p.ClaimedID()
		identity = claimed
	}

	resp := openid.Message{
		"ns":             openid.NSOpenID20,
		"mode":           "id_res",
		"op_endpoint":    p.EndpointURL(),
		"claimed_id":     claimed,
		"identity":       identity,
		"return_to":      returnTo,
		"response_nonce": time.Now().UTC().Format("2006-01-02T15:04:05Z") + strconv.FormatInt(p.counter.Add(1), 36),
	}
	signed := []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle", "claimed_id", "identity"}
	signed = append(signed, p.respondToExtensions(req, resp, user, opts)...)

	p.mu.Lock()
	a, ok := p.shared[req["assoc_handle"]]
	p.mu.Unlock()
	if !ok || time.Now().After(a.expires) {
		if h := req["assoc_handle"]; h != "" {
			resp["invalidate_handle"] = h
		}
		a = p.newAssociation(openid.AssocHMACSHA256, time.Minute, true)
	}
	resp["assoc_handle"] = a.handle
	resp["signed"] = strings.Join(signed, ",")
	sig, err := resp.Sign(a.assocType, a.key, signed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp["sig"] = sig
	redirectWith(w, r, target, resp)
}

func redirectWith(w http.ResponseWriter, r *http.Request, target *url.URL, msg openid.Message) {
	u := *target
	q := u.Query()
	for k, v := range msg.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// requestAlias finds the alias the relying party chose for nsURI.
func requestAlias(req openid.Message, nsURI string) (string, bool) {
	for k, v := range req {
		if strings.HasPrefix(k, "ns.") && v == nsURI {
			return strings.TrimPrefix(k, "ns."), true
		}
	}
	return "", false
}

func (p *Provider) respondToExtensions(req, resp openid.Message, user User, opts Options) []string {
	var signed []string
	add := func(k, v string) {
		resp[k] = v
		signed = append(signed, k)
	}

	if _, ok := requestAlias(req, nsSReg); ok && !opts.DisableSReg {
		add("ns.sreg", nsSReg)
		if user.Nickname != "" {
			add("sreg.nickname", user.Nickname)
		}
		if user.FullName != "" {
			add("sreg.fullname", user.FullName)
		}
		if user.Email != "" {
			add("sreg.email", user.Email)
		}
	}

	if alias, ok := requestAlias(req, openid.NSAX); ok && !opts.DisableAX && req[alias+".mode"] == "fetch_request" {
		add("ns.ax", openid.NSAX)
		add("ax.mode", "fetch_response")
		values := map[string]string{
			"http://axschema.org/contact/email":     user.Email,
			"http://schema.openid.net/contact/email": user.Email2,
			"http://openid.net/schema/contact/email": user.Email3,
			"http://axschema.org/namePerson/first":  user.FirstName,
			"http://axschema.org/namePerson/last":   user.LastName,
		}
		for k, typeURI := range req {
			attr, ok := strings.CutPrefix(k, alias+".type.")
			if !ok || values[typeURI] == "" {
				continue
			}
			add("ax.type."+attr, typeURI)
			add("ax.value."+attr, values[typeURI])
		}
	}

	if alias, ok := requestAlias(req, nsTeams); ok && !opts.DisableTeams {
		var member []string
		for _, q := range strings.Split(req[alias+".query_membership"], ",") {
			for _, t := range user.Teams {
				if strings.TrimSpace(q) == t {
					member = append(member, t)
				}
			}
		}
		add("ns.lp", nsTeams)
		add("lp.is_member", strings.Join(member, ","))
	}
	return signed
}

func (p *Provider) checkAuthentication(w http.ResponseWriter, req openid.Message) {
	p.checks.Add(1)
	handle := req["assoc_handle"]
	p.mu.Lock()
	a, ok := p.private[handle]
	if ok {
		delete(p.private, handle)
	}
	p.mu.Unlock()

	resp := openid.Message{"ns": openid.NSOpenID20, "is_valid": "false"}
	if ok && time.Now().Before(a.expires) {
		valid, err := req.VerifySignature(a.assocType, a.key)
		if err == nil && valid {
			resp["is_valid"] = "true"
		}
	}
	if h := req["invalidate_handle"]; h != "" {
		p.mu.Lock()
		_, known := p.shared[h]
		p.mu.Unlock()
		if !known {
			resp["invalidate_handle"] = h
		}
	}
	writeKV(w, http.StatusOK, resp)
}

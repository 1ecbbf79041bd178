package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openidrp/account"
	"openidrp/openid"
	"openidrp/openid/openidtest"
)

const testPublicURL = "http://rp.test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var alice = openidtest.User{
	Name:     "alice",
	Nickname: "alice",
	FullName: "Alice Liddell",
	Email:    "alice@example.com",
	Teams:    []string{"devs"},
}

func newTestProvider(t *testing.T, user openidtest.User) *openidtest.Provider {
	t.Helper()
	p := openidtest.NewProvider(user, openidtest.Options{})
	t.Cleanup(p.Close)
	return p
}

func newTestApp(t *testing.T, provider *openidtest.Provider, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = testPublicURL
	cfg.Server.SecretsPath = t.TempDir()
	cfg.Realm.Endpoint = provider.URL()
	cfg.Realm.Teams.Query = []string{"devs", "admins"}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func loginServiceMode(signup bool) func(*Config) {
	return func(cfg *Config) {
		cfg.Realm.Mode = ModeLoginService
		cfg.Realm.AllowSignup = signup
	}
}

// browser replays cookies between requests the way a user agent would.
type browser struct {
	t       *testing.T
	handler http.Handler
	jar     *cookiejar.Jar
	referer string
}

func newBrowser(t *testing.T, app *App) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{t: t, handler: app.Routes(), jar: jar}
}

func (b *browser) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	if strings.HasPrefix(target, "/") {
		target = testPublicURL + target
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if b.referer != "" {
		req.Header.Set("Referer", b.referer)
	}
	for _, c := range b.jar.Cookies(req.URL) {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	b.jar.SetCookies(req.URL, rec.Result().Cookies())
	return rec
}

// start runs the first leg of a login and returns the provider's answer.
func (b *browser) start(provider *openidtest.Provider, method, path string, form url.Values) string {
	b.t.Helper()
	rec := b.do(method, path, form)
	require.Equal(b.t, http.StatusFound, rec.Code, rec.Body.String())
	back, err := provider.Approve(context.Background(), rec.Header().Get("Location"))
	require.NoError(b.t, err)
	return back.String()
}

func (b *browser) login(provider *openidtest.Provider, method, path string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	return b.do(http.MethodGet, b.start(provider, method, path, form), nil)
}

func (b *browser) cookie(name string) string {
	u, _ := url.Parse(testPublicURL)
	for _, c := range b.jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (b *browser) whoami() (int, Session) {
	b.t.Helper()
	rec := b.do(http.MethodGet, "/whoami", nil)
	var sess Session
	if rec.Code == http.StatusOK {
		require.NoError(b.t, json.Unmarshal(rec.Body.Bytes(), &sess))
	}
	return rec.Code, sess
}

func TestSSOLoginCreatesAccountAndSession(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)

	rec := b.login(provider, http.MethodGet, "/securityRealm/commenceLogin?from=/job/42", nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/job/42", rec.Header().Get("Location"))
	assert.Empty(t, b.cookie(loginCookieName), "login cookie must be cleared after finish")

	status, sess := b.whoami()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", sess.Account)
	assert.Equal(t, "Alice Liddell", sess.FullName)
	assert.Equal(t, "alice@example.com", sess.Email)
	assert.Equal(t, []string{AuthorityAuthenticated, "devs"}, sess.Authorities)
	assert.Equal(t, provider.EndpointURL(), sess.Provider)

	acct, err := app.Accounts.FindBound(context.Background(), provider.ClaimedID())
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Name)
}

func TestSSOSecondLoginReusesAccount(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)

	for i := 0; i < 2; i++ {
		b := newBrowser(t, app)
		rec := b.login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
		require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	}
	acct, err := app.Accounts.FindBound(context.Background(), provider.ClaimedID())
	require.NoError(t, err)
	assert.Len(t, acct.Identifiers, 1)
}

func TestSSOCommenceDropsExistingSession(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)

	b.login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
	old := b.cookie(sessionCookieName)
	require.NotEmpty(t, old)

	rec := b.do(http.MethodGet, "/securityRealm/commenceLogin", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	_, ok := app.Sessions.store.GetSession(old)
	assert.False(t, ok, "commencing a login must invalidate the previous session")
	status, _ := b.whoami()
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSSOFinishWithoutLoginCookie(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)

	back := newBrowser(t, app).start(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)

	rec := newBrowser(t, app).do(http.MethodGet, back, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "login session was not found")
	assert.Contains(t, rec.Body.String(), "missing")
}

func TestSSOResponseCannotFinishAnotherBrowsersLogin(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)

	first := newBrowser(t, app)
	firstBack := first.start(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)

	second := newBrowser(t, app)
	rec := second.do(http.MethodGet, "/securityRealm/commenceLogin", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = second.do(http.MethodGet, firstBack, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "return_url_mismatch")

	rec = first.do(http.MethodGet, firstBack, nil)
	assert.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
}

func TestSSOReplayedResponseIsRejected(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)

	back := b.start(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
	require.Equal(t, http.StatusFound, b.do(http.MethodGet, back, nil).Code)

	rec := b.do(http.MethodGet, back, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSODeclinedLogin(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)

	provider.SetOptions(openidtest.Options{Decline: "cancel"})
	b := newBrowser(t, app)
	rec := b.login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancelled")
	status, _ := b.whoami()
	assert.Equal(t, http.StatusUnauthorized, status)

	provider.SetOptions(openidtest.Options{Decline: "setup_needed"})
	rec = newBrowser(t, app).login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), provider.URL()+"setup")
}

func TestSSOTamperedResponse(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)

	back := b.start(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
	u, err := url.Parse(back)
	require.NoError(t, err)
	q := u.Query()
	q.Set("openid.sreg.email", "mallory@example.com")
	u.RawQuery = q.Encode()

	rec := b.do(http.MethodGet, u.String(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_signature")
	assert.Contains(t, rec.Body.String(), "Failed to log in.")
}

func TestSSOFinishByFormPost(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)

	back, err := url.Parse(b.start(provider, http.MethodGet, "/securityRealm/commenceLogin", nil))
	require.NoError(t, err)
	// Split the answer the way an auto-submitting provider form does: the
	// return_to stays the action, the openid fields travel in the body.
	body, action := url.Values{}, url.Values{}
	for k, v := range back.Query() {
		if strings.HasPrefix(k, "openid.") {
			body[k] = v
		} else {
			action[k] = v
		}
	}
	back.RawQuery = action.Encode()

	rec := b.do(http.MethodPost, back.String(), body)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	status, sess := b.whoami()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", sess.Account)
}

func TestSSOAssertionFromOtherProviderCannotTakeOverAccount(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	require.Equal(t, http.StatusFound, newBrowser(t, app).login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil).Code)

	rogue := newTestProvider(t, openidtest.User{Name: "mallory", Nickname: "alice", Email: "mallory@example.com"})
	b := newBrowser(t, app)
	rec := b.do(http.MethodGet, "/securityRealm/commenceLogin", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	target, err := url.Parse(rogue.EndpointURL())
	require.NoError(t, err)
	target.RawQuery = u.RawQuery
	back, err := rogue.Approve(context.Background(), target.String())
	require.NoError(t, err)

	rec = b.do(http.MethodGet, back.String(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(openid.KindDiscoveryMismatch))
	status, _ := b.whoami()
	assert.Equal(t, http.StatusUnauthorized, status)
	_, err = app.Accounts.FindBound(context.Background(), rogue.ClaimedID())
	assert.True(t, account.IsErrIdentifierNotBound(err))
	assert.Equal(t, int64(0), rogue.CheckAuthCount())

	// The real provider's association is still in use.
	require.Equal(t, http.StatusFound, newBrowser(t, app).login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil).Code)
	assert.Equal(t, int64(1), provider.AssociateCount())
}

func TestSSOTrustProviderTenantDiscovery(t *testing.T) {
	provider := newTestProvider(t, alice)
	unrelated := newTestProvider(t, openidtest.User{Name: "nobody"})

	tests := []struct {
		name   string
		tenant *openidtest.Provider
		status int
	}{
		{"provider listed for tenant", provider, http.StatusFound},
		{"provider not listed for tenant", unrelated, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, provider, func(cfg *Config) {
				cfg.Realm.ClaimPolicy = openid.PolicyTrustProvider
				cfg.Realm.TenantDomain = "127.0.0.1"
				cfg.Realm.TenantDiscoveryURL = tt.tenant.URL() + "xrds?domain={domain}"
			})
			b := newBrowser(t, app)
			rec := b.login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusFound {
				assert.Contains(t, rec.Body.String(), string(openid.KindDiscoveryMismatch))
				return
			}
			_, sess := b.whoami()
			assert.Equal(t, "alice", sess.Account)
		})
	}
}

func TestCommenceUnreachableProvider(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, func(cfg *Config) {
		cfg.Realm.Endpoint = "http://127.0.0.1:1/"
	})

	rec := newBrowser(t, app).do(http.MethodGet, "/securityRealm/commenceLogin", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cannot start login")
}

func TestLoginServiceDisabled(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, func(cfg *Config) {
		loginServiceMode(true)(cfg)
		cfg.Realm.LoginServiceEnabled = false
	})

	b := newBrowser(t, app)
	assert.Equal(t, http.StatusNotFound, b.do(http.MethodGet, "/federatedLoginService/openid/login", nil).Code)
	assert.Equal(t, http.StatusNotFound, b.do(http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {provider.ClaimedID()}}).Code)
}

func TestLoginServiceSignsUp(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, loginServiceMode(true))
	b := newBrowser(t, app)

	form := url.Values{"openid": {provider.ClaimedID()}, "from": {"/home"}}
	rec := b.login(provider, http.MethodPost, "/federatedLoginService/openid/startLogin", form)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/home", rec.Header().Get("Location"))

	status, sess := b.whoami()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", sess.Account)
}

func TestLoginServiceAcceptsOpenIDIdentifierParam(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, loginServiceMode(true))
	b := newBrowser(t, app)

	q := url.Values{"openid_identifier": {provider.HTMLIdentifier()}}
	rec := b.login(provider, http.MethodGet, "/federatedLoginService/openid/startLogin?"+q.Encode(), nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
}

func TestLoginServiceRejectsUnboundIdentifier(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, loginServiceMode(false))
	b := newBrowser(t, app)

	rec := b.login(provider, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {provider.ClaimedID()}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not associated with any account")
	status, _ := b.whoami()
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLoginServiceAssociatesSecondIdentifier(t *testing.T) {
	primary := newTestProvider(t, alice)
	other := newTestProvider(t, openidtest.User{Name: "bob", Nickname: "bob"})
	app := newTestApp(t, primary, loginServiceMode(true))
	b := newBrowser(t, app)

	rec := b.login(primary, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {primary.ClaimedID()}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	form := url.Values{"openid": {other.ClaimedID()}, "from": {"/me"}}
	rec = b.login(other, http.MethodPost, "/federatedLoginService/openid/startAssociate", form)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/me", rec.Header().Get("Location"))

	acct, err := app.Accounts.FindBound(context.Background(), other.ClaimedID())
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Name)

	status, sess := b.whoami()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", sess.Account, "associating must not switch the session")

	// The associated identifier now logs in to the same account.
	fresh := newBrowser(t, app)
	rec = fresh.login(other, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {other.ClaimedID()}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	_, sess = fresh.whoami()
	assert.Equal(t, "alice", sess.Account)
}

func TestLoginServiceSignUpNameTaken(t *testing.T) {
	provider := newTestProvider(t, alice)
	impostor := newTestProvider(t, openidtest.User{Name: "someone", Nickname: "alice"})
	app := newTestApp(t, provider, loginServiceMode(true))

	rec := newBrowser(t, app).login(provider, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {provider.ClaimedID()}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	b := newBrowser(t, app)
	rec = b.login(impostor, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {impostor.ClaimedID()}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "associate this OpenID")
	status, _ := b.whoami()
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLoginServiceListsAndUnbindsIdentifiers(t *testing.T) {
	primary := newTestProvider(t, alice)
	other := newTestProvider(t, openidtest.User{Name: "bob", Nickname: "bob"})
	app := newTestApp(t, primary, loginServiceMode(true))
	b := newBrowser(t, app)

	b.login(primary, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {primary.ClaimedID()}})
	rec := b.do(http.MethodGet, "/", nil)
	assert.Contains(t, rec.Body.String(), primary.ClaimedID())
	assert.NotContains(t, rec.Body.String(), "/federatedLoginService/openid/unbind", "the only OpenID cannot be removed")

	rec = b.do(http.MethodPost, "/federatedLoginService/openid/unbind", url.Values{"openid": {primary.ClaimedID()}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	b.login(other, http.MethodPost, "/federatedLoginService/openid/startAssociate", url.Values{"openid": {other.ClaimedID()}})
	rec = b.do(http.MethodGet, "/whoami", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var who struct {
		Account     string   `json:"account"`
		Identifiers []string `json:"identifiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &who))
	assert.Equal(t, "alice", who.Account)
	assert.Equal(t, []string{primary.ClaimedID(), other.ClaimedID()}, who.Identifiers)
	assert.Contains(t, b.do(http.MethodGet, "/", nil).Body.String(), "/federatedLoginService/openid/unbind")

	rec = b.do(http.MethodPost, "/federatedLoginService/openid/unbind", url.Values{"openid": {"http://unknown.example/"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.do(http.MethodPost, "/federatedLoginService/openid/unbind", url.Values{"openid": {other.ClaimedID()}, "from": {"/me"}})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/me", rec.Header().Get("Location"))
	_, err := app.Accounts.FindBound(context.Background(), other.ClaimedID())
	assert.True(t, account.IsErrIdentifierNotBound(err))

	rec = newBrowser(t, app).do(http.MethodPost, "/federatedLoginService/openid/unbind", url.Values{"openid": {primary.ClaimedID()}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginServiceAssociateConflict(t *testing.T) {
	provider := newTestProvider(t, alice)
	other := newTestProvider(t, openidtest.User{Name: "bob", Nickname: "bob"})
	app := newTestApp(t, provider, loginServiceMode(true))

	bob := newBrowser(t, app)
	bob.login(other, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {other.ClaimedID()}})

	b := newBrowser(t, app)
	b.login(provider, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {provider.ClaimedID()}})
	rec := b.login(other, http.MethodPost, "/federatedLoginService/openid/startAssociate", url.Values{"openid": {other.ClaimedID()}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartAssociateRequiresSession(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, loginServiceMode(true))

	rec := newBrowser(t, app).do(http.MethodPost, "/federatedLoginService/openid/startAssociate", url.Values{"openid": {provider.ClaimedID()}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartLoginValidatesIdentifier(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, func(cfg *Config) {
		loginServiceMode(true)(cfg)
		cfg.Realm.DenyIdentifiers = []string{`^http://127\.0\.0\.1`}
	})
	b := newBrowser(t, app)

	rec := b.do(http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {provider.ClaimedID()}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoginFormRendersAssociateForLoggedInUser(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, loginServiceMode(true))
	b := newBrowser(t, app)

	rec := b.do(http.MethodGet, "/federatedLoginService/openid/login", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/federatedLoginService/openid/startLogin")
	assert.NotContains(t, rec.Body.String(), "startAssociate")

	b.login(provider, http.MethodPost, "/federatedLoginService/openid/startLogin", url.Values{"openid": {provider.ClaimedID()}})
	rec = b.do(http.MethodGet, "/federatedLoginService/openid/login", nil)
	assert.Contains(t, rec.Body.String(), "startAssociate")
}

func TestLogout(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)
	b.login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)

	rec := b.do(http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	status, _ := b.whoami()
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthzAndMetrics(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)
	b := newBrowser(t, app)

	rec := b.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	b.login(provider, http.MethodGet, "/securityRealm/commenceLogin", nil)
	newBrowser(t, app).do(http.MethodGet, "/securityRealm/finishLogin", nil)

	body := b.do(http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `openidrp_logins_started_total{purpose="sso_login",result="ok"} 1`)
	assert.Contains(t, body, `openidrp_logins_finished_total{purpose="sso_login",result="ok"} 1`)
	assert.Contains(t, body, `openidrp_logins_finished_total{purpose="",result="session_not_found"} 1`)
}

func TestSafeFrom(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)

	tests := []struct {
		name    string
		from    string
		referer string
		want    string
	}{
		{"local path", "/job/1?tab=log", "", "/job/1?tab=log"},
		{"absolute URL", "https://evil.example/", "", "/"},
		{"scheme relative", "//evil.example/x", "", "/"},
		{"backslash trick", "/\\evil.example", "", "/"},
		{"same origin referer", "", testPublicURL + "/view/all?x=1", "/view/all?x=1"},
		{"foreign referer", "", "https://evil.example/view", "/"},
		{"login page referer", "", testPublicURL + "/securityRealm/finishLogin?x=1", "/"},
		{"nothing", "", "", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := testPublicURL + "/securityRealm/commenceLogin"
			if tt.from != "" {
				target += "?" + url.Values{"from": {tt.from}}.Encode()
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			assert.Equal(t, tt.want, app.safeFrom(req))
		})
	}
}

func TestReceivingURLUsesPublicURL(t *testing.T) {
	provider := newTestProvider(t, alice)
	app := newTestApp(t, provider, nil)

	req := httptest.NewRequest(http.MethodGet, "http://internal:8080/securityRealm/finishLogin?pending=1&openid.mode=id_res", nil)
	assert.Equal(t, testPublicURL+"/securityRealm/finishLogin?pending=1&openid.mode=id_res", app.receivingURL(req))
}

package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"openidrp/account"
	"openidrp/session"
)

// dataAccount names the account a pending association belongs to.
const dataAccount = "account"

var errNoAccount = errors.New("association was not started by a logged-in account")

// completeSSO maps the identity asserted by the configured provider onto a
// local account, creating it on first login.
func (a *App) completeSSO(ctx context.Context, c *session.Completion) (*session.Outcome, error) {
	acct, err := a.Accounts.ReconcileSSO(ctx, c.Identity)
	if err != nil {
		return nil, err
	}
	return loginOutcome(acct, c), nil
}

// completeFederatedLogin logs in the account bound to the identifier, or
// signs one up when the realm allows it.
func (a *App) completeFederatedLogin(ctx context.Context, c *session.Completion) (*session.Outcome, error) {
	acct, err := a.Accounts.LoginBound(ctx, c.Identity)
	if account.IsErrIdentifierNotBound(err) && a.Config.Realm.AllowSignup {
		acct, err = a.Accounts.SignUp(ctx, c.Identity)
	}
	if err != nil {
		return nil, err
	}
	return loginOutcome(acct, c), nil
}

// completeAssociate binds an additional identifier to the account that
// started the association. It does not change the browser session.
func (a *App) completeAssociate(ctx context.Context, c *session.Completion) (*session.Outcome, error) {
	name := c.Data[dataAccount]
	if name == "" {
		return nil, errNoAccount
	}
	acct, err := a.Accounts.Bind(ctx, name, c.Identity.ClaimedID)
	if err != nil {
		return nil, err
	}
	return &session.Outcome{Account: acct.Name, RedirectTo: c.From}, nil
}

func loginOutcome(acct *account.Account, c *session.Completion) *session.Outcome {
	authorities := append([]string{AuthorityAuthenticated}, c.Identity.Teams...)
	return &session.Outcome{Account: acct.Name, Authorities: authorities, RedirectTo: c.From}
}

// safeFrom picks where to send the browser after login: a local "from"
// path, else a same-origin Referer, else the root.
func (a *App) safeFrom(r *http.Request) string {
	if from := r.FormValue("from"); isLocalPath(from) {
		return from
	}
	if ref := r.Referer(); ref != "" {
		u, err := url.Parse(ref)
		pub, perr := url.Parse(a.publicURL)
		if err == nil && perr == nil && strings.EqualFold(u.Scheme, pub.Scheme) && strings.EqualFold(u.Host, pub.Host) {
			p := u.EscapedPath()
			if u.RawQuery != "" {
				p += "?" + u.RawQuery
			}
			if isLocalPath(p) && !a.isLoginPath(u.Path) {
				return p
			}
		}
	}
	return "/"
}

// isLocalPath accepts absolute paths on this host only.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	return !strings.ContainsAny(p, "\r\n")
}

// isLoginPath reports whether p belongs to the login flow itself, which
// would loop if used as a post-login target.
func (a *App) isLoginPath(p string) bool {
	return strings.HasPrefix(p, a.Config.Realm.SSOBasePath+"/") ||
		strings.HasPrefix(p, a.Config.Realm.LoginServiceBasePath+"/")
}

// receivingURL rebuilds the URL a provider response arrived at from the
// configured public URL, never from the request Host.
func (a *App) receivingURL(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return a.finishURL
	}
	return a.finishURL + "?" + r.URL.RawQuery
}

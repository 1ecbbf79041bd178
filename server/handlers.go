package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"openidrp/account"
	"openidrp/openid"
	"openidrp/session"
)

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := pageView{
		Title:     "OpenID relying party",
		Page:      "index",
		Session:   a.Sessions.Fetch(r),
		Mode:      a.Config.Realm.Mode,
		LoginPath: a.Config.Realm.SSOBasePath + "/commenceLogin",
	}
	if view.Mode == ModeLoginService {
		view.LoginPath = a.Config.Realm.LoginServiceBasePath + "/login"
		view.UnbindPath = a.Config.Realm.LoginServiceBasePath + "/unbind"
	}
	if view.Session != nil {
		noteAccount(r.Context(), view.Session.Account)
		ids, err := a.Accounts.ListIdentifiers(r.Context(), view.Session.Account)
		if err != nil {
			a.Logger.Warn("list identifiers", "account", view.Session.Account, "error", err)
		}
		view.Identifiers = ids
	}
	renderPage(w, http.StatusOK, view, a.Logger)
}

// handleCommenceLogin starts a login against the configured provider.
func (a *App) handleCommenceLogin(w http.ResponseWriter, r *http.Request) {
	a.commence(w, r, session.CommenceRequest{
		Purpose: session.PurposeSSOLogin,
		From:    a.safeFrom(r),
	})
}

func (a *App) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	base := a.Config.Realm.LoginServiceBasePath
	renderPage(w, http.StatusOK, pageView{
		Title:         "Log in with OpenID",
		Page:          "login",
		Session:       a.Sessions.Fetch(r),
		StartPath:     base + "/startLogin",
		AssociatePath: base + "/startAssociate",
		From:          a.safeFrom(r),
	}, a.Logger)
}

// handleStartLogin starts a login with a user-supplied identifier.
func (a *App) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	identifier, ok := a.requestedIdentifier(w, r)
	if !ok {
		return
	}
	a.commence(w, r, session.CommenceRequest{
		Identifier: identifier,
		Purpose:    session.PurposeFederatedLogin,
		From:       a.safeFrom(r),
	})
}

// handleStartAssociate binds another identifier to the logged-in account.
func (a *App) handleStartAssociate(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		a.renderError(w, http.StatusUnauthorized, "Log in before associating another OpenID.", "")
		return
	}
	noteAccount(r.Context(), sess.Account)
	identifier, ok := a.requestedIdentifier(w, r)
	if !ok {
		return
	}
	a.commence(w, r, session.CommenceRequest{
		Identifier: identifier,
		Purpose:    session.PurposeAssociate,
		From:       a.safeFrom(r),
		Data:       map[string]string{dataAccount: sess.Account},
	})
}

// handleUnbind removes an identifier from the logged-in account. The last
// one is kept so the account stays reachable.
func (a *App) handleUnbind(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		a.renderError(w, http.StatusUnauthorized, "Log in before removing an OpenID.", "")
		return
	}
	noteAccount(r.Context(), sess.Account)
	claimed := strings.TrimSpace(r.FormValue("openid"))
	if claimed == "" {
		a.renderError(w, http.StatusBadRequest, "Choose the OpenID to remove.", "")
		return
	}

	ids, err := a.Accounts.ListIdentifiers(r.Context(), sess.Account)
	if err != nil {
		a.Logger.Error("list identifiers", "request_id", RequestIDFromContext(r.Context()), "error", err)
		a.renderError(w, http.StatusInternalServerError, "Cannot remove the OpenID.", "")
		return
	}
	switch {
	case !slices.Contains(ids, claimed):
		a.renderError(w, http.StatusNotFound, "This OpenID is not associated with your account.", "")
		return
	case len(ids) == 1:
		a.renderError(w, http.StatusConflict, "An account needs at least one OpenID. Associate another before removing this one.", "")
		return
	}
	if err := a.Accounts.Unbind(r.Context(), sess.Account, claimed); err != nil {
		a.Logger.Error("unbind identifier", "request_id", RequestIDFromContext(r.Context()), "error", err)
		a.renderError(w, http.StatusInternalServerError, "Cannot remove the OpenID.", "")
		return
	}
	a.Logger.Info("identifier removed", "account", sess.Account, "remaining", len(ids)-1)
	http.Redirect(w, r, a.safeFrom(r), http.StatusFound)
}

// requestedIdentifier reads, normalizes and filters the identifier a user
// typed. It writes the error page itself.
func (a *App) requestedIdentifier(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.FormValue("openid")
	if raw == "" {
		raw = r.FormValue("openid_identifier")
	}
	if raw == "" {
		a.renderError(w, http.StatusBadRequest, "Enter your OpenID to log in.", "")
		return "", false
	}
	identifier, err := openid.NormalizeIdentifier(raw)
	if err != nil {
		a.renderError(w, http.StatusBadRequest, "That does not look like an OpenID.", err.Error())
		return "", false
	}
	if !a.Filter.Allowed(identifier) {
		a.Logger.Info("identifier rejected by filter", "identifier", identifier)
		a.renderError(w, http.StatusForbidden, "This OpenID is not allowed here.", "")
		return "", false
	}
	return identifier, true
}

func (a *App) commence(w http.ResponseWriter, r *http.Request, req session.CommenceRequest) {
	notePurpose(r.Context(), string(req.Purpose))
	if req.Purpose != session.PurposeAssociate {
		// A fresh login never inherits an existing session.
		a.Sessions.Clear(w, r)
	}

	redirect, err := a.Auth.Commence(r.Context(), req)
	if err != nil {
		a.renderCommenceError(w, r, err)
		return
	}
	a.Sessions.SetLoginToken(w, redirect.Token, redirect.ExpiresAt)
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// handleFinishLogin verifies the provider response and installs the
// session.
func (a *App) handleFinishLogin(w http.ResponseWriter, r *http.Request) {
	token := a.Sessions.LoginToken(r)
	a.Sessions.ClearLoginToken(w)
	if err := r.ParseForm(); err != nil {
		a.renderError(w, http.StatusBadRequest, "The provider response could not be read.", err.Error())
		return
	}

	completion, err := a.Auth.Finish(r.Context(), token, r.Form, a.receivingURL(r))
	if err != nil {
		a.renderFinishError(w, r, err)
		return
	}
	notePurpose(r.Context(), string(completion.Purpose))
	outcome := completion.Outcome
	noteAccount(r.Context(), outcome.Account)

	if completion.Purpose != session.PurposeAssociate {
		a.Sessions.Create(w, Session{
			Account:     outcome.Account,
			FullName:    completion.Identity.FullName,
			Email:       completion.Identity.Email,
			Authorities: outcome.Authorities,
			Provider:    completion.Identity.Endpoint,
		})
	}

	target := outcome.RedirectTo
	if !isLocalPath(target) {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := a.Sessions.Fetch(r); sess != nil {
		noteAccount(r.Context(), sess.Account)
	}
	a.Sessions.Clear(w, r)
	if r.Method == http.MethodGet {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_authenticated"})
		return
	}
	noteAccount(r.Context(), sess.Account)
	ids, err := a.Accounts.ListIdentifiers(r.Context(), sess.Account)
	if err != nil && !account.IsErrAccountNotFound(err) {
		a.Logger.Error("list identifiers", "request_id", RequestIDFromContext(r.Context()), "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "identifiers_unavailable"})
		return
	}
	writeJSON(w, whoAmIView{Session: sess, Identifiers: ids})
}

type whoAmIView struct {
	*Session
	Identifiers []string `json:"identifiers"`
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if a.Redis != nil {
		if err := a.Redis.Health(r.Context()); err != nil {
			a.Logger.Warn("redis health check failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "redis": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// renderCommenceError maps Commence failures: provider problems are 502.
func (a *App) renderCommenceError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())
	switch {
	case openid.IsErrDiscovery(err), openid.IsErrAssociation(err):
		a.Logger.Warn("cannot start login", "request_id", reqID, "error", err)
		a.renderError(w, http.StatusBadGateway, "Cannot start login: the OpenID provider could not be reached.", "")
	case errors.Is(err, session.ErrNoIdentifier):
		a.renderError(w, http.StatusBadRequest, "Enter your OpenID to log in.", "")
	default:
		a.Logger.Error("commence login", "request_id", reqID, "error", err)
		a.renderError(w, http.StatusInternalServerError, "Cannot start login.", "")
	}
}

// renderFinishError maps Finish failures onto pages. Verification failures
// show the provider's message when it sent one.
func (a *App) renderFinishError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())
	var (
		notFound session.ErrSessionNotFound
		failure  openid.ErrVerification
	)
	switch {
	case errors.As(err, &notFound):
		a.Logger.Warn("login session not found", "request_id", reqID, "reason", notFound.Reason)
		a.renderError(w, http.StatusBadRequest,
			"Your login session was not found. It may have expired or been used already, or a proxy dropped the login cookie. Start the login again.",
			notFound.Reason)
	case errors.As(err, &failure):
		msg := "Failed to log in."
		switch {
		case failure.ProviderMessage != "":
			msg = failure.ProviderMessage
		case failure.Kind == openid.KindDeclined:
			msg = failure.StatusMessage
		}
		renderPage(w, http.StatusUnauthorized, pageView{
			Title:    "Login failed",
			Page:     "error",
			Message:  msg,
			Code:     string(failure.Kind),
			SetupURL: failure.SetupURL,
		}, a.Logger)
	case account.IsErrIdentifierNotBound(err):
		a.renderError(w, http.StatusForbidden, "This OpenID is not associated with any account.", "")
	case account.IsErrIdentifierInUse(err):
		a.renderError(w, http.StatusConflict, "This OpenID is already associated with another account.", "")
	case account.IsErrAccountExists(err):
		a.Logger.Info("sign-up name taken", "request_id", reqID, "error", err)
		a.renderError(w, http.StatusConflict,
			"An account with this name already exists. If it is yours, log in to it and associate this OpenID instead.", "")
	default:
		a.Logger.Error("finish login", "request_id", reqID, "error", err)
		a.renderError(w, http.StatusInternalServerError, "Failed to log in.", "")
	}
}

func (a *App) renderError(w http.ResponseWriter, status int, message, code string) {
	renderPage(w, status, pageView{
		Title:   "Login failed",
		Page:    "error",
		Message: message,
		Code:    code,
	}, a.Logger)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

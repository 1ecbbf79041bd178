package server

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	sessionCookieName = "openidrp_session"
	loginCookieName   = "openidrp_login"
)

// SessionManager installs authenticated sessions and carries the pending
// login token between commence and finish.
type SessionManager struct {
	store         *InMemoryStore
	logger        *slog.Logger
	ttl           time.Duration
	secure        bool
	sameSite      http.SameSite
	loginSameSite http.SameSite
	cookieDomain  string
	now           func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, now func() time.Time, logger *slog.Logger) *SessionManager {
	// Providers return with a top-level navigation from another site, so
	// Strict would drop the login cookie on the way back.
	sameSite := http.SameSiteLaxMode
	secure := !cfg.Server.DevMode
	// Large responses come back as a cross-site form POST, which only
	// carries SameSite=None cookies. Browsers require Secure for None.
	loginSameSite := http.SameSiteLaxMode
	if secure {
		loginSameSite = http.SameSiteNoneMode
	}
	if now == nil {
		now = time.Now
	}

	return &SessionManager{
		store:         store,
		logger:        logger,
		ttl:           cfg.Sessions.TTL,
		secure:        secure,
		sameSite:      sameSite,
		loginSameSite: loginSameSite,
		cookieDomain:  cfg.Server.CookieDomain,
		now:           now,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil
	}
	now := sm.now()
	if now.After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = now.Add(sm.ttl)
	sm.store.SaveSession(sess)
	return &sess
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, sess Session) *Session {
	now := sm.now()
	sess.ID = sm.store.NewID()
	sess.AuthTime = now
	sess.ExpiresAt = now.Add(sm.ttl)
	sm.store.SaveSession(sess)
	sm.setCookie(w, sessionCookieName, sess.ID, int(sm.ttl.Seconds()), sm.sameSite)
	return &sess
}

// Clear removes the session and its cookie. It is safe to call without a
// session.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.store.DeleteSession(cookie.Value)
	}
	sm.setCookie(w, sessionCookieName, "", -1, sm.sameSite)
}

// SetLoginToken stores the pending login token until expiresAt.
func (sm *SessionManager) SetLoginToken(w http.ResponseWriter, token string, expiresAt time.Time) {
	maxAge := int(expiresAt.Sub(sm.now()).Seconds())
	if maxAge <= 0 {
		maxAge = 1
	}
	sm.setCookie(w, loginCookieName, token, maxAge, sm.loginSameSite)
}

// LoginToken returns the pending login token, or "" when absent.
func (sm *SessionManager) LoginToken(r *http.Request) string {
	cookie, err := r.Cookie(loginCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ClearLoginToken drops the pending login cookie.
func (sm *SessionManager) ClearLoginToken(w http.ResponseWriter) {
	sm.setCookie(w, loginCookieName, "", -1, sm.loginSameSite)
}

// Sweep drops expired sessions.
func (sm *SessionManager) Sweep(now time.Time) int {
	return sm.store.SweepSessions(now)
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, name, value string, maxAge int, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sameSite,
		MaxAge:   maxAge,
	})
}

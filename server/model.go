package server

import "time"

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID          string    `json:"-"`
	Account     string    `json:"account"`
	FullName    string    `json:"full_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Authorities []string  `json:"authorities"`
	Provider    string    `json:"provider"`
	AuthTime    time.Time `json:"auth_time"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthorityAuthenticated is granted to every logged-in session.
const AuthorityAuthenticated = "authenticated"

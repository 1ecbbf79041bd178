// Package session runs one OpenID login attempt from the first redirect to
// the verified identity, and keeps the pending state that ties the two
// HTTP exchanges together.
package session

import "fmt"

// State is the position of a login attempt in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateDiscovering
	StateAssociated
	StateRequestSent
	StateVerifying
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:     "created",
	StateDiscovering: "discovering",
	StateAssociated:  "associated",
	StateRequestSent: "request_sent",
	StateVerifying:   "verifying",
	StateSucceeded:   "succeeded",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[State][]State{
	StateCreated:     {StateDiscovering, StateFailed},
	StateDiscovering: {StateAssociated, StateFailed},
	StateAssociated:  {StateRequestSent, StateFailed},
	StateRequestSent: {StateVerifying, StateFailed},
	StateVerifying:   {StateSucceeded, StateFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Purpose names what a login is for; it selects the continuation run
// after verification.
type Purpose string

const (
	PurposeSSOLogin       Purpose = "sso_login"
	PurposeFederatedLogin Purpose = "federated_login"
	PurposeAssociate      Purpose = "associate"
)

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"openidrp/openid"
)

// DefaultPendingTTL bounds the redirect round trip.
const DefaultPendingTTL = 10 * time.Minute

// returnToParam carries the pending id inside return_to so a response can
// only complete the login it was issued for.
const returnToParam = "pending"

// CommenceRequest starts a login.
type CommenceRequest struct {
	// Identifier is the user-supplied OpenID. It may be empty when a fixed
	// provider is configured.
	Identifier string
	Purpose    Purpose
	// From is where the browser goes after a successful login.
	From string
	Data map[string]string
}

// Redirect is the only output of Commence: where to send the browser and
// the token it must bring back.
type Redirect struct {
	URL       string
	Token     string
	PendingID string
	ExpiresAt time.Time
}

// Completion is handed to the continuation of a verified login.
type Completion struct {
	Identity *openid.Identity
	Purpose  Purpose
	From     string
	Data     map[string]string
	Outcome  *Outcome
}

// Outcome is what the continuation decided for a verified login.
type Outcome struct {
	Account     string
	Authorities []string
	RedirectTo  string
}

// Continuation runs after a successful verification. It is never called
// for failed logins.
type Continuation interface {
	Complete(ctx context.Context, c *Completion) (*Outcome, error)
}

// ContinuationFunc adapts a function to Continuation.
type ContinuationFunc func(ctx context.Context, c *Completion) (*Outcome, error)

func (f ContinuationFunc) Complete(ctx context.Context, c *Completion) (*Outcome, error) {
	return f(ctx, c)
}

// Recorder observes login outcomes, for metrics.
type Recorder interface {
	LoginStarted(purpose Purpose, err error)
	LoginFinished(purpose Purpose, err error)
}

type noopRecorder struct{}

func (noopRecorder) LoginStarted(Purpose, error)  {}
func (noopRecorder) LoginFinished(Purpose, error) {}

// Config tunes an Authenticator.
type Config struct {
	// ReturnURL is the absolute URL providers redirect back to.
	ReturnURL string
	// FixedIdentifier is used when a request carries no identifier.
	FixedIdentifier string
	PendingTTL      time.Duration
	Now             func() time.Time
}

// Authenticator drives login attempts.
type Authenticator struct {
	consumer      *openid.Consumer
	pending       PendingStore
	tokens        *TokenCodec
	continuations map[Purpose]Continuation
	cfg           Config
	recorder      Recorder
	logger        *slog.Logger
}

// NewAuthenticator wires an authenticator. Every purpose a caller may
// commence needs a continuation.
func NewAuthenticator(consumer *openid.Consumer, pending PendingStore, tokens *TokenCodec, continuations map[Purpose]Continuation, cfg Config, recorder Recorder, logger *slog.Logger) (*Authenticator, error) {
	if _, err := url.Parse(cfg.ReturnURL); err != nil || cfg.ReturnURL == "" {
		return nil, fmt.Errorf("invalid return URL %q", cfg.ReturnURL)
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Authenticator{
		consumer:      consumer,
		pending:       pending,
		tokens:        tokens,
		continuations: continuations,
		cfg:           cfg,
		recorder:      recorder,
		logger:        logger,
	}, nil
}

// Pending exposes the pending-login store, for sweeping.
func (a *Authenticator) Pending() PendingStore {
	return a.pending
}

func (a *Authenticator) advance(p *Pending, to State) {
	if !CanTransition(p.State, to) {
		a.logger.Error("invalid login state transition",
			"pending_id", p.ID, "from", p.State.String(), "to", to.String())
		p.State = StateFailed
		return
	}
	a.logger.Debug("login state", "pending_id", p.ID, "stage", to.String())
	p.State = to
}

// Commence discovers the provider, associates with it and returns the
// redirect that starts the login. Discovery and association errors are
// returned unchanged.
func (a *Authenticator) Commence(ctx context.Context, req CommenceRequest) (redirect *Redirect, err error) {
	var p *Pending
	defer func() {
		if err != nil && p != nil && !p.State.Terminal() {
			a.advance(p, StateFailed)
		}
		a.recorder.LoginStarted(req.Purpose, err)
	}()

	if _, ok := a.continuations[req.Purpose]; !ok {
		return nil, fmt.Errorf("no continuation for purpose %q", req.Purpose)
	}
	identifier := req.Identifier
	fixed := false
	if identifier == "" {
		identifier = a.cfg.FixedIdentifier
		fixed = true
	}
	if identifier == "" {
		return nil, ErrNoIdentifier
	}

	now := a.cfg.Now()
	p = &Pending{
		ID:            uuid.NewString(),
		Purpose:       req.Purpose,
		State:         StateCreated,
		FixedProvider: fixed,
		From:          req.From,
		Data:          req.Data,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.cfg.PendingTTL),
	}

	a.advance(p, StateDiscovering)
	ep, err := a.consumer.Discoverer.DiscoverEndpoint(ctx, identifier)
	if err != nil {
		return nil, err
	}
	p.Endpoint = ep

	assoc, err := a.consumer.Associations.Associate(ctx, ep)
	if err != nil {
		return nil, err
	}
	if assoc != nil {
		p.AssocHandle = assoc.Handle
	}
	a.advance(p, StateAssociated)

	p.ReturnTo, err = a.returnTo(p.ID)
	if err != nil {
		return nil, err
	}
	authReq := openid.NewAuthRequest(ep, p.ReturnTo, a.consumer.Realm, p.AssocHandle)
	if err := a.consumer.Registry.ExtendRequest(authReq); err != nil {
		return nil, fmt.Errorf("extend request: %w", err)
	}
	target, err := authReq.RedirectURL()
	if err != nil {
		return nil, err
	}

	a.advance(p, StateRequestSent)
	if err := a.pending.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("store pending login: %w", err)
	}
	token, err := a.tokens.Issue(p.ID, p.ExpiresAt)
	if err != nil {
		return nil, err
	}

	a.logger.Info("login commenced",
		"pending_id", p.ID, "purpose", string(p.Purpose), "endpoint", ep.URL, "stateless", p.AssocHandle == "")
	return &Redirect{URL: target, Token: token, PendingID: p.ID, ExpiresAt: p.ExpiresAt}, nil
}

func (a *Authenticator) returnTo(id string) (string, error) {
	u, err := url.Parse(a.cfg.ReturnURL)
	if err != nil {
		return "", fmt.Errorf("parse return URL: %w", err)
	}
	q := u.Query()
	q.Set(returnToParam, id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Finish completes the login named by token with the provider's response.
// receivingURL is the full URL the response arrived at. A missing or
// reused pending login yields ErrSessionNotFound; a rejected response
// yields openid.ErrVerification. The continuation runs only on success.
func (a *Authenticator) Finish(ctx context.Context, token string, params url.Values, receivingURL string) (completion *Completion, err error) {
	var purpose Purpose
	defer func() { a.recorder.LoginFinished(purpose, err) }()

	id, err := a.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	p, err := a.pending.Take(ctx, id, a.cfg.Now())
	if err != nil {
		return nil, err
	}
	purpose = p.Purpose

	a.advance(p, StateVerifying)
	assertion, err := a.consumer.Verifier.Verify(ctx, openid.VerifyRequest{
		ReceivingURL: receivingURL,
		Params:       params,
		Endpoint:     p.Endpoint,
		AssocHandle:  p.AssocHandle,
		ReturnTo:     p.ReturnTo,
		PinEndpoint:  p.FixedProvider,
	})
	if err != nil {
		a.advance(p, StateFailed)
		a.logger.Info("login rejected",
			"pending_id", p.ID, "endpoint", p.Endpoint.URL, "kind", string(openid.VerificationKind(err)), "error", err)
		return nil, err
	}

	identity := &openid.Identity{
		ClaimedID: assertion.ClaimedID,
		LocalID:   assertion.Identity,
		Endpoint:  assertion.OPEndpoint,
	}
	a.consumer.Registry.Process(openid.NewResponse(assertion.Message), identity)

	completion = &Completion{
		Identity: identity,
		Purpose:  p.Purpose,
		From:     p.From,
		Data:     p.Data,
	}
	cont, ok := a.continuations[p.Purpose]
	if !ok {
		a.advance(p, StateFailed)
		return nil, ErrContinuation{Purpose: p.Purpose, Err: fmt.Errorf("no continuation registered")}
	}
	outcome, err := cont.Complete(ctx, completion)
	if err != nil {
		a.advance(p, StateFailed)
		return nil, ErrContinuation{Purpose: p.Purpose, Err: err}
	}
	completion.Outcome = outcome
	a.advance(p, StateSucceeded)
	a.logger.Info("login succeeded", "pending_id", p.ID, "purpose", string(p.Purpose), "endpoint", assertion.OPEndpoint)
	return completion, nil
}

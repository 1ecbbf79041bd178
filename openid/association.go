package openid

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// reuseMargin is the minimum remaining lifetime for an association to be
// handed out for a new login.
const reuseMargin = time.Minute

// Association is a shared MAC secret negotiated with one provider endpoint.
type Association struct {
	Handle    string
	Type      string
	Endpoint  string
	MacKey    []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the association may no longer verify signatures.
func (a *Association) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// AssociationStore holds associations per endpoint. Each endpoint has its
// own lock so logins against different providers never contend.
type AssociationStore struct {
	buckets sync.Map
}

type assocBucket struct {
	mu       sync.Mutex
	byHandle map[string]*Association
}

// NewAssociationStore constructs an empty in-memory store.
func NewAssociationStore() *AssociationStore {
	return &AssociationStore{}
}

func (s *AssociationStore) bucket(endpoint string) *assocBucket {
	if b, ok := s.buckets.Load(endpoint); ok {
		return b.(*assocBucket)
	}
	b, _ := s.buckets.LoadOrStore(endpoint, &assocBucket{byHandle: map[string]*Association{}})
	return b.(*assocBucket)
}

// Put stores an association under its endpoint and handle.
func (s *AssociationStore) Put(a *Association) {
	b := s.bucket(a.Endpoint)
	b.mu.Lock()
	b.byHandle[a.Handle] = a
	b.mu.Unlock()
}

// Lookup returns the association for handle, expired or not. Callers must
// check Expired before trusting it.
func (s *AssociationStore) Lookup(endpoint, handle string) (*Association, bool) {
	v, ok := s.buckets.Load(endpoint)
	if !ok {
		return nil, false
	}
	b := v.(*assocBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.byHandle[handle]
	return a, ok
}

// Current returns the longest-lived association for endpoint that stays
// valid for at least margin.
func (s *AssociationStore) Current(endpoint string, now time.Time, margin time.Duration) (*Association, bool) {
	v, ok := s.buckets.Load(endpoint)
	if !ok {
		return nil, false
	}
	b := v.(*assocBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Association
	for _, a := range b.byHandle {
		if a.Expired(now.Add(margin)) {
			continue
		}
		if best == nil || a.ExpiresAt.After(best.ExpiresAt) {
			best = a
		}
	}
	return best, best != nil
}

// Remove drops a single association.
func (s *AssociationStore) Remove(endpoint, handle string) {
	v, ok := s.buckets.Load(endpoint)
	if !ok {
		return
	}
	b := v.(*assocBucket)
	b.mu.Lock()
	delete(b.byHandle, handle)
	b.mu.Unlock()
}

// Sweep removes expired associations and returns how many were dropped.
func (s *AssociationStore) Sweep(now time.Time) int {
	removed := 0
	s.buckets.Range(func(_, v any) bool {
		b := v.(*assocBucket)
		b.mu.Lock()
		for h, a := range b.byHandle {
			if a.Expired(now) {
				delete(b.byHandle, h)
				removed++
			}
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// AssociationManager negotiates and caches associations.
type AssociationManager struct {
	client     *http.Client
	store      *AssociationStore
	assocType  string
	defaultTTL time.Duration
	timeout    time.Duration
	group      singleflight.Group
	rand       io.Reader
	now        func() time.Time
	logger     *slog.Logger
}

// NewAssociationManager builds a manager preferring assocType. Passing
// AssocNone disables associations entirely.
func NewAssociationManager(client *http.Client, store *AssociationStore, assocType string, defaultTTL time.Duration, now func() time.Time, logger *slog.Logger) *AssociationManager {
	if now == nil {
		now = time.Now
	}
	timeout := DefaultHTTPTimeout
	if client != nil && client.Timeout > 0 {
		timeout = client.Timeout
	}
	return &AssociationManager{
		client:     client,
		store:      store,
		assocType:  assocType,
		defaultTTL: defaultTTL,
		timeout:    timeout,
		rand:       rand.Reader,
		now:        now,
		logger:     logger,
	}
}

// Stateless reports whether responses are verified with check_authentication only.
func (m *AssociationManager) Stateless() bool {
	return m.assocType == AssocNone
}

// Store exposes the underlying association store.
func (m *AssociationManager) Store() *AssociationStore {
	return m.store
}

// Associate returns a usable association with ep, negotiating one if
// needed. In stateless mode it returns nil without error.
func (m *AssociationManager) Associate(ctx context.Context, ep Endpoint) (*Association, error) {
	if m.Stateless() {
		return nil, nil
	}
	if a, ok := m.store.Current(ep.URL, m.now(), reuseMargin); ok {
		return a, nil
	}
	// Waiters share one exchange; it outlives any single caller's context.
	ch := m.group.DoChan(ep.URL, func() (any, error) {
		if a, ok := m.store.Current(ep.URL, m.now(), reuseMargin); ok {
			return a, nil
		}
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		a, err := m.handshake(shared, ep.URL, m.assocType, dhSessionFor(m.assocType), true)
		if err != nil {
			return nil, err
		}
		m.store.Put(a)
		m.logger.Debug("association established",
			"endpoint", ep.URL, "assoc_type", a.Type, "expires_at", a.ExpiresAt)
		return a, nil
	})
	select {
	case <-ctx.Done():
		return nil, ErrAssociation{Endpoint: ep.URL, Reason: "request", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Association), nil
	}
}

// Lookup returns a stored association, expired or not.
func (m *AssociationManager) Lookup(endpoint, handle string) (*Association, bool) {
	return m.store.Lookup(endpoint, handle)
}

// Invalidate forgets an association the provider declared invalid.
func (m *AssociationManager) Invalidate(endpoint, handle string) {
	m.store.Remove(endpoint, handle)
}

func dhSessionFor(assocType string) string {
	if assocType == AssocHMACSHA1 {
		return SessionDHSHA1
	}
	return SessionDHSHA256
}

func supportedPair(assocType, sessionType string) bool {
	switch sessionType {
	case SessionDHSHA1:
		return assocType == AssocHMACSHA1
	case SessionDHSHA256:
		return assocType == AssocHMACSHA256
	case SessionNoEncryption:
		return assocType == AssocHMACSHA1 || assocType == AssocHMACSHA256
	}
	return false
}

func (m *AssociationManager) handshake(ctx context.Context, endpoint, assocType, sessionType string, negotiate bool) (*Association, error) {
	fail := func(reason string, err error) error {
		return ErrAssociation{Endpoint: endpoint, Reason: reason, Err: err}
	}
	if !supportedPair(assocType, sessionType) {
		return nil, fail(fmt.Sprintf("unsupported pair %s/%s", assocType, sessionType), nil)
	}
	if sessionType == SessionNoEncryption && !strings.HasPrefix(strings.ToLower(endpoint), "https://") {
		return nil, fail("no-encryption sessions require https", nil)
	}

	form := url.Values{}
	form.Set("openid.ns", NSOpenID20)
	form.Set("openid.mode", modeAssociate)
	form.Set("openid.assoc_type", assocType)
	form.Set("openid.session_type", sessionType)

	var key *DHKey
	if sessionType != SessionNoEncryption {
		var err error
		key, err = GenerateDHKey(m.rand)
		if err != nil {
			return nil, fail("generate key", err)
		}
		form.Set("openid.dh_consumer_public", EncodeBtwoc(key.Public))
	}

	resp, err := postDirect(ctx, m.client, endpoint, form)
	if err != nil {
		return nil, fail("request", err)
	}

	if resp["error_code"] == errCodeUnsupported && negotiate {
		nextAssoc, nextSession := resp["assoc_type"], resp["session_type"]
		if nextAssoc != "" && nextSession != "" && supportedPair(nextAssoc, nextSession) &&
			(nextAssoc != assocType || nextSession != sessionType) {
			m.logger.Debug("provider suggested another association type",
				"endpoint", endpoint, "assoc_type", nextAssoc, "session_type", nextSession)
			return m.handshake(ctx, endpoint, nextAssoc, nextSession, false)
		}
	}
	if msg, ok := resp["error"]; ok {
		return nil, fail("provider error: "+msg, nil)
	}

	handle := resp["assoc_handle"]
	if handle == "" || len(handle) > 255 {
		return nil, fail("invalid assoc_handle", nil)
	}
	if resp["assoc_type"] != assocType {
		return nil, fail(fmt.Sprintf("assoc_type %q does not match request", resp["assoc_type"]), nil)
	}
	respSession := resp["session_type"]
	if respSession == "" {
		respSession = SessionNoEncryption
	}
	if respSession != sessionType {
		return nil, fail(fmt.Sprintf("session_type %q does not match request", respSession), nil)
	}

	var macKey []byte
	if sessionType == SessionNoEncryption {
		macKey, err = base64.StdEncoding.DecodeString(resp["mac_key"])
		if err != nil {
			return nil, fail("decode mac_key", err)
		}
	} else {
		serverPublic, err := DecodeBtwoc(resp["dh_server_public"])
		if err != nil {
			return nil, fail("decode dh_server_public", err)
		}
		encKey, err := base64.StdEncoding.DecodeString(resp["enc_mac_key"])
		if err != nil {
			return nil, fail("decode enc_mac_key", err)
		}
		shared, err := key.SharedSecret(serverPublic)
		if err != nil {
			return nil, fail("dh exchange", err)
		}
		macKey, err = XORMacKey(sessionType, shared, encKey)
		if err != nil {
			return nil, fail("unmask mac key", err)
		}
	}
	if len(macKey) != macKeyLength(assocType) {
		return nil, fail(fmt.Sprintf("mac key has %d bytes", len(macKey)), nil)
	}

	now := m.now()
	ttl := m.defaultTTL
	if secs, err := strconv.Atoi(resp["expires_in"]); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	return &Association{
		Handle:    handle,
		Type:      assocType,
		Endpoint:  endpoint,
		MacKey:    macKey,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// postDirect sends a direct request and decodes the key-value reply. Error
// replies arrive with status 400 and are returned as messages.
func postDirect(ctx context.Context, client *http.Client, endpoint string, form url.Values) (Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", formContentType)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, keyValueMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	msg, err := ParseKeyValue(body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadRequest {
		if _, ok := msg["error"]; !ok {
			return nil, errors.New("error response without message")
		}
	}
	return msg, nil
}

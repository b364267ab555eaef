package server

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// AuthnRequest parks a verified client redirect while the user completes
// the local login, so the flow can resume afterwards.
type AuthnRequest struct {
	ID          string
	CallbackURI string
	ClientID    string
	Nonce       string
	Provider    string
	CreatedAt   time.Time
}

// InMemoryStore keeps ephemeral state for sessions, access tokens, and
// parked authentication requests. All session mutations funnel through
// UpdateSession so concurrent requests for the same session cannot lose
// updates.
type InMemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	tokens       map[string]AccessToken
	authRequests map[string]AuthnRequest
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]Session),
		tokens:       make(map[string]AccessToken),
		authRequests: make(map[string]AuthnRequest),
	}
}

// NewID generates a random identifier for non-secret uses.
func (s *InMemoryStore) NewID() string {
	return ksuid.New().String()
}

// NewSecret generates an unguessable value with n bytes of entropy,
// base64url-encoded so it survives URL query parameters unescaped.
func (s *InMemoryStore) NewSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// UpdateSession applies fn to the stored session under the store lock. It
// returns the updated copy, or false when the session does not exist.
func (s *InMemoryStore) UpdateSession(id string, fn func(*Session)) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	fn(&sess)
	s.sessions[id] = sess
	return sess, true
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveAccessToken persists a pending access token keyed by its value.
func (s *InMemoryStore) SaveAccessToken(token AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Value] = token
}

// RedeemAccessToken is the atomic check-and-consume for a token value.
// Exactly one concurrent caller observes success; later callers see
// ErrTokenAlreadyRedeemed until the sweep purges the consumed record.
func (s *InMemoryStore) RedeemAccessToken(value string, now time.Time) (AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[value]
	if !ok {
		return AccessToken{}, ErrTokenNotFound
	}
	if token.Redeemed {
		return AccessToken{}, ErrTokenAlreadyRedeemed
	}
	if now.After(token.ExpiresAt) {
		delete(s.tokens, value)
		return AccessToken{}, ErrTokenExpired
	}
	token.Redeemed = true
	s.tokens[value] = token
	return token, nil
}

// SaveAuthnRequest parks a request awaiting local login.
func (s *InMemoryStore) SaveAuthnRequest(req AuthnRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authRequests[req.ID] = req
}

// ConsumeAuthnRequest retrieves and removes a parked request.
func (s *InMemoryStore) ConsumeAuthnRequest(id string) (AuthnRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[id]
	if !ok {
		return AuthnRequest{}, false
	}
	delete(s.authRequests, id)
	return req, true
}

// SweepExpired purges access tokens past their validity window and expired
// sessions. Returns the number of tokens removed.
func (s *InMemoryStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for value, token := range s.tokens {
		if now.After(token.ExpiresAt) {
			delete(s.tokens, value)
			removed++
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
	for id, req := range s.authRequests {
		if now.Sub(req.CreatedAt) > 10*time.Minute {
			delete(s.authRequests, id)
		}
	}
	return removed
}

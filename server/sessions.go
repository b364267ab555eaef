package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const sessionCookieName = "ssod_session"

// SessionManager handles cookie-backed server sessions and the per-session
// ledger of relying parties that have been granted access.
type SessionManager struct {
	store        *InMemoryStore
	registry     *ClientRegistry
	notifier     Notifier
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, registry *ClientRegistry, notifier Notifier, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	secure := !cfg.Server.DevMode

	return &SessionManager{
		store:        store,
		registry:     registry,
		notifier:     notifier,
		logger:       logger,
		ttl:          time.Duration(cfg.Sessions.TTL),
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil, nil
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil, nil
	}

	// Sliding expiration: extend on activity. The extension goes through
	// UpdateSession so it cannot overwrite a concurrent ledger or
	// impersonation change with this stale snapshot.
	updated, ok := sm.store.UpdateSession(sess.ID, func(s *Session) {
		s.ExpiresAt = time.Now().Add(sm.ttl)
	})
	if !ok {
		return nil, nil
	}
	return &updated, nil
}

// Create establishes a new session for an authenticated account and sets
// the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, account Account) (*Session, error) {
	id := sm.store.NewID()
	sess := Session{
		ID:        id,
		Account:   account,
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}

	sm.store.SaveSession(sess)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	return &sess, nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// RegisterClient records the relying party in the session's ledger.
// Re-registration is a no-op, not an error.
func (sm *SessionManager) RegisterClient(sessionID string, client *Client) {
	_, ok := sm.store.UpdateSession(sessionID, func(sess *Session) {
		if !slices.Contains(sess.RegisteredClients, client.BaseURI) {
			sess.RegisteredClients = append(sess.RegisteredClients, client.BaseURI)
		}
	})
	if !ok {
		sm.logger.Warn("register client on unknown session", "session_id", sessionID, "client", client.BaseURI)
	}
}

// RegisteredClients resolves the ledger through the registry. Identifiers
// that no longer resolve are skipped: the registry changed after
// registration, which is not an error for this call.
func (sm *SessionManager) RegisteredClients(sessionID string) []*Client {
	sess, ok := sm.store.GetSession(sessionID)
	if !ok {
		return nil
	}
	clients := make([]*Client, 0, len(sess.RegisteredClients))
	for _, identifier := range sess.RegisteredClients {
		client, err := sm.registry.Lookup(identifier)
		if err != nil {
			sm.logger.Debug("registered client no longer resolves", "client", identifier)
			continue
		}
		clients = append(clients, client)
	}
	return clients
}

// DestroyRegisteredClientSessions instructs every relying party registered
// under the session to discard its local session. A session that was never
// started is a successful no-op. Individual delivery failures are logged
// and never fail the overall call.
func (sm *SessionManager) DestroyRegisteredClientSessions(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if _, ok := sm.store.GetSession(sessionID); !ok {
		return
	}

	clients := sm.RegisteredClients(sessionID)
	if len(clients) > 0 {
		results := sm.notifier.DestroySession(ctx, sessionID, clients)
		for _, res := range results {
			if res.Err != nil {
				sm.logger.Warn("client session destroy failed",
					"client", res.ClientID,
					"session_id", sessionID,
					"error", res.Err)
			}
		}
	}

	sm.store.UpdateSession(sessionID, func(sess *Session) {
		sess.RegisteredClients = nil
	})
}

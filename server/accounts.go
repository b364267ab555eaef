package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionNotFound is returned when an account operation targets a
// session that does not exist (or already expired).
var ErrSessionNotFound = errors.New("session not found")

// ImpersonationEvent is published after an impersonation change has been
// committed. Account is nil when impersonation was cleared.
type ImpersonationEvent struct {
	SessionID string
	Account   *Account
}

// AccountManager resolves which account relying parties get to see and
// owns the impersonation state. The authenticated account itself comes from
// the login subsystem and is read-only here.
type AccountManager struct {
	store    *InMemoryStore
	sessions *SessionManager
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers []func(ImpersonationEvent)
}

// NewAccountManager constructs an account manager.
func NewAccountManager(store *InMemoryStore, sessions *SessionManager, logger *slog.Logger) *AccountManager {
	return &AccountManager{
		store:    store,
		sessions: sessions,
		logger:   logger,
	}
}

// Subscribe registers an observer for impersonation changes. Subscribers
// are invoked synchronously, after the change is committed.
func (am *AccountManager) Subscribe(fn func(ImpersonationEvent)) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.subscribers = append(am.subscribers, fn)
}

// ClientAccount returns the account surfaced to relying parties: the
// impersonated account when set, the authenticated account otherwise.
func (am *AccountManager) ClientAccount(sess *Session) Account {
	if sess.ImpersonatedAccount != nil {
		return *sess.ImpersonatedAccount
	}
	return sess.Account
}

// ServerAccount always returns the authenticated account, regardless of
// impersonation. Server-side authorization decisions must not be fooled by
// an impersonated view.
func (am *AccountManager) ServerAccount(sess *Session) Account {
	return sess.Account
}

// ImpersonatedAccount returns the impersonated account, or nil when none is
// set.
func (am *AccountManager) ImpersonatedAccount(sess *Session) *Account {
	return sess.ImpersonatedAccount
}

// Impersonate presents a different account to relying parties, or clears
// impersonation when account is nil. Setting the same value twice is a
// no-op. Any actual change destroys all registered client sessions —
// clients must never keep a stale identity view — and then notifies
// subscribers.
func (am *AccountManager) Impersonate(ctx context.Context, sessionID string, account *Account) error {
	// The compare runs inside the same UpdateSession closure as the commit,
	// so concurrent calls with the same account serialize under the store
	// lock and exactly one of them observes a change.
	var changed bool
	if _, ok := am.store.UpdateSession(sessionID, func(s *Session) {
		if sameImpersonation(s.ImpersonatedAccount, account) {
			return
		}
		changed = true
		if account == nil {
			s.ImpersonatedAccount = nil
		} else {
			copied := *account
			s.ImpersonatedAccount = &copied
		}
	}); !ok {
		return ErrSessionNotFound
	}
	if !changed {
		return nil
	}

	am.sessions.DestroyRegisteredClientSessions(ctx, sessionID)

	am.publish(ImpersonationEvent{SessionID: sessionID, Account: account})

	if account != nil {
		am.logger.Info("account impersonated", "session_id", sessionID, "account", account.Identifier)
	} else {
		am.logger.Info("impersonation cleared", "session_id", sessionID)
	}
	return nil
}

// LoggedOut reacts to a server-side logout by destroying every registered
// client session. This is how one logout fans out to all relying parties.
func (am *AccountManager) LoggedOut(ctx context.Context, sessionID string) {
	am.sessions.DestroyRegisteredClientSessions(ctx, sessionID)
}

func (am *AccountManager) publish(event ImpersonationEvent) {
	am.mu.RLock()
	subscribers := make([]func(ImpersonationEvent), len(am.subscribers))
	copy(subscribers, am.subscribers)
	am.mu.RUnlock()

	for _, fn := range subscribers {
		fn(event)
	}
}

func sameImpersonation(current, next *Account) bool {
	if current == nil && next == nil {
		return true
	}
	if current == nil || next == nil {
		return false
	}
	return current.Equal(*next)
}

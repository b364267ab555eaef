package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"
)

// recordingNotifier captures destroy calls and can fail selected clients.
type recordingNotifier struct {
	mu      sync.Mutex
	calls   [][]string
	failing map[string]bool
}

func (rn *recordingNotifier) DestroySession(ctx context.Context, sessionID string, clients []*Client) []NotifyResult {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	ids := make([]string, 0, len(clients))
	results := make([]NotifyResult, 0, len(clients))
	for _, client := range clients {
		ids = append(ids, client.BaseURI)
		res := NotifyResult{ClientID: client.BaseURI}
		if rn.failing[client.BaseURI] {
			res.Err = ErrClientUnreachable
		}
		results = append(results, res)
	}
	rn.calls = append(rn.calls, ids)
	return results
}

func (rn *recordingNotifier) callCount() int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return len(rn.calls)
}

func newTestSessionManager(t *testing.T) (*SessionManager, *InMemoryStore, *ClientRegistry, *recordingNotifier) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.DevMode = true
	store := NewInMemoryStore()
	registry, err := NewClientRegistry(nil)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	notifier := &recordingNotifier{failing: make(map[string]bool)}
	return NewSessionManager(cfg, store, registry, notifier, testLogger()), store, registry, notifier
}

func seedSession(store *InMemoryStore, id string) {
	store.SaveSession(Session{
		ID:        id,
		Account:   Account{Identifier: "alice", Roles: []string{"user"}},
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
}

func TestRegisterClientIsIdempotent(t *testing.T) {
	sm, store, registry, _ := newTestSessionManager(t)
	seedSession(store, "sess-1")

	client := &Client{BaseURI: "https://app.example/sso/"}
	registry.Add(client)

	sm.RegisterClient("sess-1", client)
	sm.RegisterClient("sess-1", client)

	sess, _ := store.GetSession("sess-1")
	if len(sess.RegisteredClients) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(sess.RegisteredClients))
	}
	if got := sm.RegisteredClients("sess-1"); len(got) != 1 || got[0].BaseURI != client.BaseURI {
		t.Fatalf("unexpected registered clients: %+v", got)
	}
}

func TestRegisteredClientsSkipsUnresolvedIdentifiers(t *testing.T) {
	sm, store, registry, _ := newTestSessionManager(t)
	seedSession(store, "sess-1")

	kept := &Client{BaseURI: "https://kept.example/sso/"}
	removed := &Client{BaseURI: "https://removed.example/sso/"}
	registry.Add(kept)
	registry.Add(removed)
	sm.RegisterClient("sess-1", kept)
	sm.RegisterClient("sess-1", removed)

	registry.Remove(removed.BaseURI)

	clients := sm.RegisteredClients("sess-1")
	if len(clients) != 1 || clients[0].BaseURI != kept.BaseURI {
		t.Fatalf("unexpected registered clients after removal: %+v", clients)
	}
}

func TestDestroyIsNoOpWithoutSession(t *testing.T) {
	sm, _, _, notifier := newTestSessionManager(t)

	sm.DestroyRegisteredClientSessions(context.Background(), "")
	sm.DestroyRegisteredClientSessions(context.Background(), "never-existed")

	if notifier.callCount() != 0 {
		t.Fatalf("notifier was called %d times for missing sessions", notifier.callCount())
	}
}

func TestDestroyNotifiesAllAndClearsLedger(t *testing.T) {
	sm, store, registry, notifier := newTestSessionManager(t)
	seedSession(store, "sess-1")

	a := &Client{BaseURI: "https://a.example/sso/"}
	b := &Client{BaseURI: "https://b.example/sso/"}
	registry.Add(a)
	registry.Add(b)
	sm.RegisterClient("sess-1", a)
	sm.RegisterClient("sess-1", b)

	// One client failing must not prevent the other from being notified.
	notifier.failing[a.BaseURI] = true

	sm.DestroyRegisteredClientSessions(context.Background(), "sess-1")

	if notifier.callCount() != 1 {
		t.Fatalf("notifier called %d times, want 1", notifier.callCount())
	}
	if got := notifier.calls[0]; len(got) != 2 {
		t.Fatalf("notified %d clients, want 2: %v", len(got), got)
	}

	sess, _ := store.GetSession("sess-1")
	if len(sess.RegisteredClients) != 0 {
		t.Fatalf("ledger not cleared after destroy: %v", sess.RegisteredClients)
	}
	if _, ok := store.GetSession("sess-1"); !ok {
		t.Fatalf("server session must survive the client fan-out")
	}
}

func TestFetchExpiredSessionIsDropped(t *testing.T) {
	sm, store, _, _ := newTestSessionManager(t)
	store.SaveSession(Session{ID: "sess-old", ExpiresAt: time.Now().Add(-time.Minute)})

	req := newSessionRequest(t, "sess-old")
	sess, err := sm.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if sess != nil {
		t.Fatalf("expired session must not be returned")
	}
	if _, ok := store.GetSession("sess-old"); ok {
		t.Fatalf("expired session must be deleted on fetch")
	}
}

func TestFetchExtendsExpiry(t *testing.T) {
	sm, store, _, _ := newTestSessionManager(t)
	near := time.Now().Add(time.Minute)
	store.SaveSession(Session{ID: "sess-1", ExpiresAt: near})

	req := newSessionRequest(t, "sess-1")
	sess, err := sm.Fetch(req)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if sess == nil {
		t.Fatalf("expected session")
	}
	if !sess.ExpiresAt.After(near) {
		t.Fatalf("expiry was not extended on activity")
	}
}

func TestUnknownSessionErrorIsDistinct(t *testing.T) {
	sm, store, _, _ := newTestSessionManager(t)
	am := NewAccountManager(store, sm, testLogger())

	err := am.Impersonate(context.Background(), "never-existed", &Account{Identifier: "bob"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Impersonate error = %v, want ErrSessionNotFound", err)
	}
}

func TestConcurrentFetchDoesNotLoseLedgerUpdates(t *testing.T) {
	sm, store, registry, _ := newTestSessionManager(t)
	seedSession(store, "sess-1")

	client := &Client{BaseURI: "https://app.example/sso/"}
	registry.Add(client)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := newSessionRequest(t, "sess-1")
			for {
				select {
				case <-stop:
					return
				default:
					if _, err := sm.Fetch(req); err != nil {
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 5000; i++ {
		store.UpdateSession("sess-1", func(s *Session) {
			s.RegisteredClients = nil
		})
		sm.RegisterClient("sess-1", client)
		sess, _ := store.GetSession("sess-1")
		if len(sess.RegisteredClients) != 1 {
			close(stop)
			wg.Wait()
			t.Fatalf("registered client lost by concurrent fetch at iteration %d", i)
		}
	}
	close(stop)
	wg.Wait()
}

func newSessionRequest(t *testing.T, sessionID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})
	return req
}

package server

import (
	"context"
	"sync"
	"testing"
)

func newTestAccountManager(t *testing.T) (*AccountManager, *SessionManager, *InMemoryStore, *ClientRegistry, *recordingNotifier) {
	t.Helper()
	sm, store, registry, notifier := newTestSessionManager(t)
	am := NewAccountManager(store, sm, testLogger())
	return am, sm, store, registry, notifier
}

func registerTestClient(sm *SessionManager, registry *ClientRegistry, sessionID, baseURI string) {
	client := &Client{BaseURI: baseURI}
	registry.Add(client)
	sm.RegisterClient(sessionID, client)
}

func TestImpersonateSwitchesClientAccountOnly(t *testing.T) {
	am, _, store, _, _ := newTestAccountManager(t)
	seedSession(store, "sess-1")

	bob := Account{Identifier: "bob", Roles: []string{"user"}}
	if err := am.Impersonate(context.Background(), "sess-1", &bob); err != nil {
		t.Fatalf("Impersonate returned error: %v", err)
	}

	sess, _ := store.GetSession("sess-1")
	if got := am.ClientAccount(&sess); got.Identifier != "bob" {
		t.Fatalf("client account = %q, want bob", got.Identifier)
	}
	if got := am.ServerAccount(&sess); got.Identifier != "alice" {
		t.Fatalf("server account = %q, want alice", got.Identifier)
	}
	if imp := am.ImpersonatedAccount(&sess); imp == nil || imp.Identifier != "bob" {
		t.Fatalf("impersonated account = %+v, want bob", imp)
	}
}

func TestImpersonateSameAccountIsNoOp(t *testing.T) {
	am, sm, store, registry, notifier := newTestAccountManager(t)
	seedSession(store, "sess-1")
	registerTestClient(sm, registry, "sess-1", "https://app.example/sso/")

	bob := Account{Identifier: "bob", Roles: []string{"user"}}
	if err := am.Impersonate(context.Background(), "sess-1", &bob); err != nil {
		t.Fatalf("first Impersonate returned error: %v", err)
	}
	if notifier.callCount() != 1 {
		t.Fatalf("notifier called %d times after first impersonation, want 1", notifier.callCount())
	}

	same := Account{Identifier: "bob", Roles: []string{"user"}}
	if err := am.Impersonate(context.Background(), "sess-1", &same); err != nil {
		t.Fatalf("repeat Impersonate returned error: %v", err)
	}
	if notifier.callCount() != 1 {
		t.Fatalf("repeat impersonation with same account must not notify again, got %d calls", notifier.callCount())
	}
}

func TestConcurrentImpersonateFiresExactlyOneDestroyCycle(t *testing.T) {
	am, sm, store, registry, notifier := newTestAccountManager(t)
	seedSession(store, "sess-1")
	registerTestClient(sm, registry, "sess-1", "https://app.example/sso/")

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bob := Account{Identifier: "bob", Roles: []string{"user"}}
			if err := am.Impersonate(context.Background(), "sess-1", &bob); err != nil {
				t.Errorf("Impersonate returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := notifier.callCount(); got != 1 {
		t.Fatalf("notifier called %d times for one identity change, want 1", got)
	}
}

func TestClearImpersonationRevertsAndDestroys(t *testing.T) {
	am, sm, store, registry, notifier := newTestAccountManager(t)
	seedSession(store, "sess-1")

	bob := Account{Identifier: "bob"}
	if err := am.Impersonate(context.Background(), "sess-1", &bob); err != nil {
		t.Fatalf("Impersonate returned error: %v", err)
	}

	// The client registered after the switch must be told when it reverts.
	registerTestClient(sm, registry, "sess-1", "https://app.example/sso/")

	if err := am.Impersonate(context.Background(), "sess-1", nil); err != nil {
		t.Fatalf("clearing impersonation returned error: %v", err)
	}

	sess, _ := store.GetSession("sess-1")
	if am.ImpersonatedAccount(&sess) != nil {
		t.Fatalf("impersonation not cleared")
	}
	if got := am.ClientAccount(&sess); got.Identifier != "alice" {
		t.Fatalf("client account after clear = %q, want alice", got.Identifier)
	}
	if notifier.callCount() != 2 {
		t.Fatalf("notifier called %d times, want 2", notifier.callCount())
	}
}

func TestClearWithoutImpersonationIsNoOp(t *testing.T) {
	am, sm, store, registry, notifier := newTestAccountManager(t)
	seedSession(store, "sess-1")
	registerTestClient(sm, registry, "sess-1", "https://app.example/sso/")

	if err := am.Impersonate(context.Background(), "sess-1", nil); err != nil {
		t.Fatalf("clearing absent impersonation returned error: %v", err)
	}
	if notifier.callCount() != 0 {
		t.Fatalf("no-op clear must not notify, got %d calls", notifier.callCount())
	}
}

func TestSubscribersSeeCommittedState(t *testing.T) {
	am, _, store, _, _ := newTestAccountManager(t)
	seedSession(store, "sess-1")

	var observed []ImpersonationEvent
	am.Subscribe(func(ev ImpersonationEvent) {
		// The stored session already reflects the change when the event fires.
		sess, _ := store.GetSession(ev.SessionID)
		if (ev.Account == nil) != (sess.ImpersonatedAccount == nil) {
			t.Errorf("event and stored session disagree: %+v vs %+v", ev.Account, sess.ImpersonatedAccount)
		}
		observed = append(observed, ev)
	})

	bob := Account{Identifier: "bob"}
	if err := am.Impersonate(context.Background(), "sess-1", &bob); err != nil {
		t.Fatalf("Impersonate returned error: %v", err)
	}
	if err := am.Impersonate(context.Background(), "sess-1", nil); err != nil {
		t.Fatalf("clear returned error: %v", err)
	}

	if len(observed) != 2 {
		t.Fatalf("observed %d events, want 2", len(observed))
	}
	if observed[0].Account == nil || observed[0].Account.Identifier != "bob" {
		t.Fatalf("first event = %+v, want bob", observed[0].Account)
	}
	if observed[1].Account != nil {
		t.Fatalf("second event account = %+v, want nil", observed[1].Account)
	}
}

func TestLoggedOutDestroysRegisteredClientSessions(t *testing.T) {
	am, sm, store, registry, notifier := newTestAccountManager(t)
	seedSession(store, "sess-1")
	registerTestClient(sm, registry, "sess-1", "https://app.example/sso/")

	am.LoggedOut(context.Background(), "sess-1")

	if notifier.callCount() != 1 {
		t.Fatalf("notifier called %d times on logout, want 1", notifier.callCount())
	}
}

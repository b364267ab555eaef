package server

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestTokenService(ttl time.Duration) (*TokenService, *InMemoryStore) {
	cfg := DefaultConfig()
	cfg.Tokens.TTL = Duration(ttl)
	store := NewInMemoryStore()
	return NewTokenService(cfg, store, testLogger()), store
}

func TestIssueAndRedeemOnce(t *testing.T) {
	ts, _ := newTestTokenService(time.Minute)

	account := Account{Identifier: "alice", Roles: []string{"user"}}
	token, err := ts.Issue("sess-1", "https://app.example/sso/", account)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if want := base64.RawURLEncoding.EncodedLen(accessTokenEntropyBytes); len(token.Value) != want {
		t.Fatalf("token value has %d chars, want %d", len(token.Value), want)
	}

	grant, err := ts.Redeem(token.Value)
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if grant.SessionID != "sess-1" || grant.ClientID != "https://app.example/sso/" {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.Account.Identifier != "alice" {
		t.Fatalf("grant account = %q, want alice", grant.Account.Identifier)
	}
}

func TestRedeemTwiceReportsAlreadyRedeemed(t *testing.T) {
	ts, _ := newTestTokenService(time.Minute)

	token, err := ts.Issue("sess-1", "client", Account{Identifier: "alice"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, err := ts.Redeem(token.Value); err != nil {
		t.Fatalf("first Redeem returned error: %v", err)
	}
	if _, err := ts.Redeem(token.Value); !errors.Is(err, ErrTokenAlreadyRedeemed) {
		t.Fatalf("second Redeem error = %v, want ErrTokenAlreadyRedeemed", err)
	}
}

func TestRedeemUnknownTokenReportsNotFound(t *testing.T) {
	ts, _ := newTestTokenService(time.Minute)
	if _, err := ts.Redeem("no-such-token"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("Redeem error = %v, want ErrTokenNotFound", err)
	}
}

func TestRedeemExpiredTokenReportsExpired(t *testing.T) {
	ts, store := newTestTokenService(-time.Second)

	token, err := ts.Issue("sess-1", "client", Account{Identifier: "alice"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if _, err := ts.Redeem(token.Value); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Redeem error = %v, want ErrTokenExpired", err)
	}
	// The expired record is gone, a repeat looks like an unknown token.
	if _, err := store.RedeemAccessToken(token.Value, time.Now()); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("repeat Redeem error = %v, want ErrTokenNotFound", err)
	}
}

func TestConcurrentRedeemSucceedsExactlyOnce(t *testing.T) {
	ts, _ := newTestTokenService(time.Minute)

	token, err := ts.Issue("sess-1", "client", Account{Identifier: "alice"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.Redeem(token.Value)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, reuses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenAlreadyRedeemed):
			reuses++
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("got %d successful redemptions, want exactly 1", wins)
	}
	if reuses != workers-1 {
		t.Fatalf("got %d reuse errors, want %d", reuses, workers-1)
	}
}

func TestSweepPurgesExpiredState(t *testing.T) {
	ts, store := newTestTokenService(time.Minute)

	token, err := ts.Issue("sess-1", "client", Account{Identifier: "alice"})
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	store.SaveSession(Session{ID: "sess-old", ExpiresAt: time.Now().Add(-time.Hour)})
	store.SaveSession(Session{ID: "sess-live", ExpiresAt: time.Now().Add(time.Hour)})
	store.SaveAuthnRequest(AuthnRequest{ID: "req-old", CreatedAt: time.Now().Add(-time.Hour)})

	if n := store.SweepExpired(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("SweepExpired removed %d tokens, want 1", n)
	}
	if _, err := ts.Redeem(token.Value); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("Redeem after sweep error = %v, want ErrTokenNotFound", err)
	}
	if _, ok := store.GetSession("sess-old"); ok {
		t.Fatalf("expired session survived the sweep")
	}
	if _, ok := store.GetSession("sess-live"); !ok {
		t.Fatalf("live session was swept")
	}
	if _, ok := store.ConsumeAuthnRequest("req-old"); ok {
		t.Fatalf("stale authn request survived the sweep")
	}
}

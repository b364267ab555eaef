package server

import (
	"errors"
	"log/slog"
	"time"
)

// Redemption failures. Each is reported distinctly to the caller; none are
// retried automatically — reuse is a security signal, not a transient fault.
var (
	ErrTokenNotFound        = errors.New("access token not found")
	ErrTokenExpired         = errors.New("access token expired")
	ErrTokenAlreadyRedeemed = errors.New("access token already redeemed")
)

// Entropy of a freshly minted token value, in bytes.
const accessTokenEntropyBytes = 32

// TokenService issues and redeems single-use access tokens binding a
// relying party to a server session.
type TokenService struct {
	ttl    time.Duration
	store  *InMemoryStore
	logger *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, store *InMemoryStore, logger *slog.Logger) *TokenService {
	return &TokenService{
		ttl:    time.Duration(cfg.Tokens.TTL),
		store:  store,
		logger: logger,
	}
}

// Issue mints a token bound to the session and client, snapshotting the
// account view the client is entitled to see at issuance time.
func (ts *TokenService) Issue(sessionID, clientID string, account Account) (AccessToken, error) {
	value, err := ts.store.NewSecret(accessTokenEntropyBytes)
	if err != nil {
		return AccessToken{}, err
	}
	now := time.Now()
	token := AccessToken{
		Value:     value,
		SessionID: sessionID,
		ClientID:  clientID,
		Account:   account,
		IssuedAt:  now,
		ExpiresAt: now.Add(ts.ttl),
	}
	ts.store.SaveAccessToken(token)
	ts.logger.Debug("access token issued", "session_id", sessionID, "client", clientID)
	return token, nil
}

// Redeem consumes a token exactly once and returns the grant it carries.
// Failures map to ErrTokenNotFound, ErrTokenExpired, or
// ErrTokenAlreadyRedeemed.
func (ts *TokenService) Redeem(value string) (Grant, error) {
	token, err := ts.store.RedeemAccessToken(value, time.Now())
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		SessionID: token.SessionID,
		ClientID:  token.ClientID,
		Account:   token.Account,
	}, nil
}

// StartSweep launches the background expiry sweep.
func (ts *TokenService) StartSweep(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := ts.store.SweepExpired(time.Now()); n > 0 {
					ts.logger.Debug("expired tokens purged", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

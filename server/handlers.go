package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Query parameter names of the inbound signed redirect.
const (
	paramCallbackURI      = "callbackUri"
	paramClientIdentifier = "ssoClientIdentifier"
	paramSignature        = "signature"
)

// Namespaced callback parameters appended to the client's callback URI.
const (
	CallbackTokenParam     = "sso[accessToken]"
	CallbackSignatureParam = "sso[signature]"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config          Config
	Logger          *slog.Logger
	Store           *InMemoryStore
	Keys            *KeyService
	Clients         *ClientRegistry
	Tokens          *TokenService
	Sessions        *SessionManager
	Accounts        *AccountManager
	Notifier        Notifier
	Providers       map[string]IdentityProvider
	DefaultProvider string
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store := NewInMemoryStore()

	keys, err := NewKeyService(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.SsoClients)
	if err != nil {
		return nil, err
	}

	var notifier Notifier = NewHTTPNotifier(cfg, keys, logger)
	if cfg.Notifier.MaxRetries > 0 {
		notifier = NewRetryNotifier(notifier, cfg.Notifier.MaxRetries, logger)
	}

	tokens := NewTokenService(cfg, store, logger)
	sessions := NewSessionManager(cfg, store, clients, notifier, logger)
	accounts := NewAccountManager(store, sessions, logger)

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		Store:           store,
		Keys:            keys,
		Clients:         clients,
		Tokens:          tokens,
		Sessions:        sessions,
		Accounts:        accounts,
		Notifier:        notifier,
		Providers:       providers,
		DefaultProvider: cfg.Server.Providers.Default,
	}, nil
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

// handleAuthentication is the SSO entry point: a relying party redirects an
// unauthenticated request here with a signed callback request.
func (a *App) handleAuthentication(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callbackURI := q.Get(paramCallbackURI)
	clientID := q.Get(paramClientIdentifier)
	signature := q.Get(paramSignature)

	if callbackURI == "" || clientID == "" || signature == "" {
		http.Error(w, "missing sso parameters", http.StatusBadRequest)
		return
	}

	client, err := a.Clients.Lookup(clientID)
	if err != nil {
		a.Logger.Warn("authentication from unregistered client", "sso_client", clientID)
		authenticationFailed(w)
		return
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		authenticationFailed(w)
		return
	}
	if err := VerifySignature(RedirectPayload(callbackURI, clientID), sig, client.PublicKey); err != nil {
		a.Logger.Warn("redirect signature rejected", "sso_client", clientID)
		authenticationFailed(w)
		return
	}

	session, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch error", "error", err)
	}

	if session == nil {
		// Park the verified request and send the user through local login.
		req := AuthnRequest{
			ID:          a.Store.NewID(),
			CallbackURI: callbackURI,
			ClientID:    clientID,
			CreatedAt:   time.Now(),
		}
		a.Store.SaveAuthnRequest(req)
		http.Redirect(w, r, "/login?request="+url.QueryEscape(req.ID), http.StatusFound)
		return
	}

	if err := a.completeAuthentication(w, r, session, client, callbackURI); err != nil {
		a.Logger.Error("complete authentication", "error", err, "sso_client", clientID)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
	}
}

// completeAuthentication mints the access token, records the client in the
// session ledger, and redirects back to the callback URI with the token and
// the server signature as nested namespaced parameters. The callback URI's
// own query parameters are preserved unmodified.
func (a *App) completeAuthentication(w http.ResponseWriter, r *http.Request, session *Session, client *Client, callbackURI string) error {
	account := a.Accounts.ClientAccount(session)

	token, err := a.Tokens.Issue(session.ID, client.BaseURI, account)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	a.Sessions.RegisterClient(session.ID, client)

	redirect, err := BuildCallbackRedirect(a.Keys, callbackURI, client.BaseURI, token.Value)
	if err != nil {
		return err
	}

	http.Redirect(w, r, redirect, http.StatusFound)
	return nil
}

// BuildCallbackRedirect signs the access token for the client and appends
// the namespaced callback parameters to the callback URI.
func BuildCallbackRedirect(keys *KeyService, callbackURI, clientID, tokenValue string) (string, error) {
	redirect, err := url.Parse(callbackURI)
	if err != nil {
		return "", fmt.Errorf("parse callback uri: %w", err)
	}

	sig, _, err := keys.Sign(CallbackPayload(tokenValue, clientID))
	if err != nil {
		return "", fmt.Errorf("sign callback: %w", err)
	}

	values := redirect.Query()
	values.Set(CallbackTokenParam, tokenValue)
	values.Set(CallbackSignatureParam, base64.RawURLEncoding.EncodeToString(sig))
	redirect.RawQuery = values.Encode()
	return redirect.String(), nil
}

// handleTokenRedemption is the direct backend channel where a relying party
// exchanges an access token for the bound account identity.
func (a *App) handleTokenRedemption(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		redemptionError(w, "invalid_request")
		return
	}
	value := r.FormValue("access_token")
	if value == "" {
		redemptionError(w, "invalid_request")
		return
	}

	grant, err := a.Tokens.Redeem(value)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			redemptionError(w, "token_expired")
		case errors.Is(err, ErrTokenAlreadyRedeemed):
			a.Logger.Warn("access token reuse detected")
			redemptionError(w, "token_already_redeemed")
		default:
			redemptionError(w, "token_not_found")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":    grant.Account,
		"session_id": grant.SessionID,
	})
}

// impersonationRequest is the wire form of an impersonation change.
type impersonationRequest struct {
	Identifier string   `json:"identifier"`
	Roles      []string `json:"roles"`
}

func (a *App) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	session := a.requireAdmin(w, r)
	if session == nil {
		return
	}

	var req impersonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
		http.Error(w, "invalid impersonation request", http.StatusBadRequest)
		return
	}

	account := &Account{Identifier: req.Identifier, Roles: req.Roles}
	if err := a.Accounts.Impersonate(context.WithoutCancel(r.Context()), session.ID, account); err != nil {
		a.Logger.Error("impersonate", "error", err)
		http.Error(w, "impersonation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleClearImpersonation(w http.ResponseWriter, r *http.Request) {
	session := a.requireAdmin(w, r)
	if session == nil {
		return
	}

	if err := a.Accounts.Impersonate(context.WithoutCancel(r.Context()), session.ID, nil); err != nil {
		a.Logger.Error("clear impersonation", "error", err)
		http.Error(w, "impersonation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout ends the server session and fans the destroy instruction out
// to every registered relying party. The fan-out runs detached from the
// request context so a dropped connection cannot abort it; fan-out failures
// never fail the logout.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := a.Sessions.Fetch(r)
	if session != nil {
		a.Accounts.LoggedOut(context.WithoutCancel(r.Context()), session.ID)
		a.Store.DeleteSession(session.ID)
	}
	a.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, _ := a.Sessions.Fetch(r)
	if session == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_account":     a.Accounts.ServerAccount(session),
		"client_account":     a.Accounts.ClientAccount(session),
		"registered_clients": session.RegisteredClients,
	})
}

// requireAdmin authorizes administrative endpoints against the server
// account. Impersonation must not be able to fool this check.
func (a *App) requireAdmin(w http.ResponseWriter, r *http.Request) *Session {
	session, _ := a.Sessions.Fetch(r)
	if session == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return nil
	}
	if !a.Accounts.ServerAccount(session).HasRole(a.Config.Server.AdminRole) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}
	return session
}

// resumeAuthnRequest continues a parked SSO request after local login.
// Without a parked request the login simply lands on the status endpoint.
func (a *App) resumeAuthnRequest(w http.ResponseWriter, r *http.Request, session *Session, requestID string) {
	if requestID == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	req, ok := a.Store.ConsumeAuthnRequest(requestID)
	if !ok {
		http.Error(w, "unknown authentication request", http.StatusBadRequest)
		return
	}
	client, err := a.Clients.Lookup(req.ClientID)
	if err != nil {
		authenticationFailed(w)
		return
	}
	if err := a.completeAuthentication(w, r, session, client, req.CallbackURI); err != nil {
		a.Logger.Error("complete authentication", "error", err, "sso_client", req.ClientID)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
	}
}

// authenticationFailed rejects a request without revealing which part of
// the trust check failed.
func authenticationFailed(w http.ResponseWriter) {
	http.Error(w, "authentication failed", http.StatusUnauthorized)
}

func redemptionError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Local login for the server itself. The federation core treats the
// credential check as an external collaborator: any flow that ends in
// Sessions.Create with an Account satisfies it. Two collaborators ship
// here: a dev-mode account picker and upstream OIDC providers.

var devLoginTemplate = template.Must(template.New("devlogin").Parse(`<!DOCTYPE html>
<html>
<head><title>ssod dev login</title></head>
<body>
<h1>Development login</h1>
<form method="post" action="/login">
<input type="hidden" name="request" value="{{.RequestID}}">
<select name="account">
{{range .Accounts}}<option value="{{.Identifier}}">{{.Identifier}}</option>
{{end}}</select>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// devAccounts returns the configured dev accounts, with a fallback pair so
// a bare dev-mode server is usable out of the box.
func (a *App) devAccounts() []Account {
	if len(a.Config.Server.DevAccounts) > 0 {
		return a.Config.Server.DevAccounts
	}
	return []Account{
		{Identifier: "dev-admin", Roles: []string{a.Config.Server.AdminRole, "user"}},
		{Identifier: "dev-user", Roles: []string{"user"}},
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request")

	if a.DefaultProvider != "" {
		if provider, ok := a.Providers[a.DefaultProvider]; ok {
			a.startProviderLogin(w, r, provider, a.DefaultProvider, requestID)
			return
		}
	}

	if !a.Config.Server.DevMode {
		http.Error(w, "no login provider configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = devLoginTemplate.Execute(w, struct {
		RequestID string
		Accounts  []Account
	}{RequestID: requestID, Accounts: a.devAccounts()})
}

func (a *App) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Server.DevMode {
		http.Error(w, "dev login disabled", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	identifier := r.FormValue("account")
	var account *Account
	for _, candidate := range a.devAccounts() {
		if candidate.Identifier == identifier {
			candidate := candidate
			account = &candidate
			break
		}
	}
	if account == nil {
		http.Error(w, "unknown account", http.StatusBadRequest)
		return
	}

	session, err := a.Sessions.Create(w, r, *account)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	a.resumeAuthnRequest(w, r, session, r.FormValue("request"))
}

// startProviderLogin parks the pending SSO request (when present) under a
// fresh state value and redirects to the upstream provider.
func (a *App) startProviderLogin(w http.ResponseWriter, r *http.Request, provider IdentityProvider, name, requestID string) {
	var pending AuthnRequest
	if requestID != "" {
		req, ok := a.Store.ConsumeAuthnRequest(requestID)
		if !ok {
			http.Error(w, "unknown authentication request", http.StatusBadRequest)
			return
		}
		pending = req
	}

	nonce := a.Store.NewID()
	state := AuthnRequest{
		ID:          a.Store.NewID(),
		CallbackURI: pending.CallbackURI,
		ClientID:    pending.ClientID,
		Nonce:       nonce,
		Provider:    name,
		CreatedAt:   time.Now(),
	}
	a.Store.SaveAuthnRequest(state)

	http.Redirect(w, r, provider.AuthCodeURL(state.ID, nonce), http.StatusFound)
}

func (a *App) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, ok := a.Providers[providerName]
	if !ok {
		http.Error(w, "provider not configured", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	pending, ok := a.Store.ConsumeAuthnRequest(state)
	if !ok || pending.Provider != providerName {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	user, err := provider.Exchange(r.Context(), code, pending.Nonce)
	if err != nil {
		a.Logger.Error("provider exchange failed", "provider", providerName, "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	session, err := a.Sessions.Create(w, r, provider.Account(user))
	if err != nil {
		a.Logger.Error("session create", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	if pending.CallbackURI == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	client, err := a.Clients.Lookup(pending.ClientID)
	if err != nil {
		authenticationFailed(w)
		return
	}
	if err := a.completeAuthentication(w, r, session, client, pending.CallbackURI); err != nil {
		a.Logger.Error("complete authentication", "error", err, "sso_client", pending.ClientID)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
	}
}

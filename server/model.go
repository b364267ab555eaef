package server

import (
	"crypto/rsa"
	"slices"
	"time"
)

// Account is an identity as the server knows it: an opaque identifier plus
// role names. The authentication subsystem owns account records; the
// federation core only reads them.
type Account struct {
	Identifier string   `json:"identifier"`
	Roles      []string `json:"roles"`
}

// HasRole reports whether the account carries the given role.
func (a Account) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Equal compares accounts by identifier and role set.
func (a Account) Equal(other Account) bool {
	if a.Identifier != other.Identifier {
		return false
	}
	if len(a.Roles) != len(other.Roles) {
		return false
	}
	for _, r := range a.Roles {
		if !other.HasRole(r) {
			return false
		}
	}
	return true
}

// Client is a registered relying party. Its base URI doubles as its
// identity and registry key; the public key verifies its signed redirects.
type Client struct {
	BaseURI   string
	PublicKey *rsa.PublicKey
}

// Session captures a logged-in browser session bound to a cookie, plus the
// federation state scoped to it: the account view presented to relying
// parties and the ledger of clients granted access under this session.
type Session struct {
	ID                  string
	Account             Account
	ImpersonatedAccount *Account
	RegisteredClients   []string
	AuthTime            time.Time
	ExpiresAt           time.Time
}

// AccessToken is a single pending login: an unguessable value bound to a
// server session and the client it was issued to, redeemable exactly once
// within a short validity window.
type AccessToken struct {
	Value     string
	SessionID string
	ClientID  string
	Account   Account
	IssuedAt  time.Time
	ExpiresAt time.Time
	Redeemed  bool
}

// Grant is the result of a successful token redemption.
type Grant struct {
	SessionID string
	ClientID  string
	Account   Account
}

// ProviderUser consolidates identity data from upstream IdPs.
type ProviderUser struct {
	Subject string
	Email   string
	Name    string
	Claims  map[string]any
}

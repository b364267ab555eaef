// Package client implements the relying-party side of the single sign-on
// protocol: building the signed redirect to the server, verifying the
// signed callback, redeeming access tokens over the backend channel, and
// authenticating destroy-session instructions from the server.
package client

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"ssod/server"
)

// Redemption failures reported by the server, surfaced as distinct errors.
var (
	ErrTokenNotFound        = errors.New("access token not found")
	ErrTokenExpired         = errors.New("access token expired")
	ErrTokenAlreadyRedeemed = errors.New("access token already redeemed")
	ErrSignatureInvalid     = errors.New("signature verification failed")
)

// Config configures a relying-party connector.
type Config struct {
	// ServerBaseURL is the SSO server's public URL.
	ServerBaseURL string
	// Identifier is this client's base URI, its identity at the server.
	Identifier string
	// PrivateKey signs redirects to the server.
	PrivateKey *rsa.PrivateKey
	// JWKSURL overrides the server JWKS location; defaults to the
	// well-known path under ServerBaseURL.
	JWKSURL    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Connector talks the SSO protocol with one server.
type Connector struct {
	cfg        Config
	httpClient *http.Client

	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
}

// Identity is the result of a successful token redemption.
type Identity struct {
	Account   server.Account `json:"account"`
	SessionID string         `json:"session_id"`
}

// New creates a connector with sane defaults.
func New(cfg Config) *Connector {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.ServerBaseURL, "/") + "/.well-known/jwks.json"
	}
	return &Connector{cfg: cfg, httpClient: cfg.HTTPClient}
}

// BuildAuthenticationURL constructs the signed redirect that sends a
// browser to the server's authentication endpoint, asking it to come back
// to callbackURI afterwards.
func (c *Connector) BuildAuthenticationURL(callbackURI string) (string, error) {
	payload := server.RedirectPayload(callbackURI, c.cfg.Identifier)
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.cfg.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign redirect: %w", err)
	}

	q := url.Values{}
	q.Set("callbackUri", callbackURI)
	q.Set("ssoClientIdentifier", c.cfg.Identifier)
	q.Set("signature", base64.RawURLEncoding.EncodeToString(sig))
	return strings.TrimSuffix(c.cfg.ServerBaseURL, "/") + "/sso/authentication?" + q.Encode(), nil
}

// ParseCallback extracts the namespaced access token and server signature
// from a callback request URL. ok is false when the parameters are absent.
func ParseCallback(u *url.URL) (token, signature string, ok bool) {
	q := u.Query()
	token = q.Get(server.CallbackTokenParam)
	signature = q.Get(server.CallbackSignatureParam)
	return token, signature, token != "" && signature != ""
}

// VerifyCallback checks the server signature embedded in a callback against
// the server's published keys.
func (c *Connector) VerifyCallback(ctx context.Context, token, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}

	set, err := c.serverKeys(ctx)
	if err != nil {
		return fmt.Errorf("fetch server keys: %w", err)
	}

	payload := server.CallbackPayload(token, c.cfg.Identifier)
	digest := sha256.Sum256(payload)
	for _, key := range set.Keys {
		pub, ok := key.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Redeem exchanges the access token for the bound identity over the direct
// backend channel.
func (c *Connector) Redeem(ctx context.Context, token string) (*Identity, error) {
	form := url.Values{}
	form.Set("access_token", token)

	endpoint := strings.TrimSuffix(c.cfg.ServerBaseURL, "/") + "/sso/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redeem token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		switch body.Error {
		case "token_expired":
			return nil, ErrTokenExpired
		case "token_already_redeemed":
			return nil, ErrTokenAlreadyRedeemed
		case "token_not_found":
			return nil, ErrTokenNotFound
		default:
			return nil, fmt.Errorf("redeem token: status %d", resp.StatusCode)
		}
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// VerifyDestroyRequest authenticates an inbound destroy-session call from
// the server and returns the session identifier to invalidate.
func (c *Connector) VerifyDestroyRequest(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrSignatureInvalid
	}

	set, err := c.serverKeys(r.Context())
	if err != nil {
		return "", fmt.Errorf("fetch server keys: %w", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithAudience(c.cfg.Identifier),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		for _, key := range set.Keys {
			if kid == "" || key.KeyID == kid {
				if pub, ok := key.Key.(*rsa.PublicKey); ok {
					return pub, nil
				}
			}
		}
		return nil, errors.New("signing key not found")
	})
	if err != nil || !tok.Valid {
		return "", ErrSignatureInvalid
	}

	sid, _ := claims["sid"].(string)
	if sid == "" {
		return "", ErrSignatureInvalid
	}
	return sid, nil
}

func (c *Connector) serverKeys(ctx context.Context) (jose.JSONWebKeySet, error) {
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	c.mu.Lock()
	c.cache = jwksCache{set: set, expires: time.Now().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()

	return set, nil
}

package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownClient is returned when an ssoClientIdentifier is not present in
// the registry. Fatal to the request that carried it.
var ErrUnknownClient = errors.New("unknown sso client")

// ClientRegistry holds registered relying parties keyed by base URI.
// Registration is administrative (configuration); the request path only
// reads.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []SsoClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.BaseURI == "" {
			return nil, errors.New("sso client base_uri required")
		}
		pub, err := ParsePublicKeyPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("sso client %s: %w", cfg.BaseURI, err)
		}
		clients[cfg.BaseURI] = &Client{
			BaseURI:   cfg.BaseURI,
			PublicKey: pub,
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Lookup retrieves a relying party by its identifier.
func (cr *ClientRegistry) Lookup(identifier string) (*Client, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	client, ok := cr.clients[identifier]
	if !ok {
		return nil, ErrUnknownClient
	}
	return client, nil
}

// Add registers a client at runtime (used by tests and dev helpers).
func (cr *ClientRegistry) Add(client *Client) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.clients[client.BaseURI] = client
}

// Remove drops a client from the registry.
func (cr *ClientRegistry) Remove(identifier string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.clients, identifier)
}

// ParsePublicKeyPEM decodes a PEM-encoded RSA public key, accepting both
// PKIX "PUBLIC KEY" and PKCS#1 "RSA PUBLIC KEY" blocks.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found in public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

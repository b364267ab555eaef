package server

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// KeyService holds the server signing key and exposes the public key set
// so relying parties can verify server signatures.
type KeyService struct {
	mu        sync.RWMutex
	current   keyPair
	previous  []keyPair
	storePath string
	logger    *slog.Logger
}

// NewKeyService loads the server key pair from the secrets directory or
// creates one on first start.
func NewKeyService(secretsPath string, logger *slog.Logger) (*KeyService, error) {
	ks := &KeyService{logger: logger}
	if secretsPath != "" {
		ks.storePath = filepath.Join(secretsPath, "jwks.json")
		if err := ks.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if ks.current.PrivateKey == nil {
		if err := ks.rotate(); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

// Sign signs the payload with the server private key (PKCS#1 v1.5, SHA-256)
// and returns the signature with the key ID it was produced under.
func (ks *KeyService) Sign(payload []byte) ([]byte, string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, ks.current.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, "", err
	}
	return sig, ks.current.Kid, nil
}

// SignClaims issues a compact JWT signed with the server key, used for the
// authenticated destroy-session call to relying parties.
func (ks *KeyService) SignClaims(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	token.Header["kid"] = ks.current.Kid
	return token.SignedString(ks.current.PrivateKey)
}

// Public returns the current server public key.
func (ks *KeyService) Public() *rsa.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return &ks.current.PrivateKey.PublicKey
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (ks *KeyService) PublicJWKS() jose.JSONWebKeySet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	keys := []jose.JSONWebKey{ks.current.JWK.Public()}
	for _, prev := range ks.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// VerifySignature checks a PKCS#1 v1.5 SHA-256 signature against a public
// key. The error carries no detail about which part of the check failed.
func VerifySignature(payload, sig []byte, pub *rsa.PublicKey) error {
	if pub == nil {
		return ErrSignatureInvalid
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

func (ks *KeyService) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := ksuid.New().String()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	ks.mu.Lock()
	if ks.current.PrivateKey != nil {
		ks.previous = append([]keyPair{ks.current}, ks.previous...)
		if len(ks.previous) > 1 {
			ks.previous = ks.previous[:1]
		}
	}
	ks.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	ks.mu.Unlock()

	if ks.storePath != "" {
		return ks.persist()
	}
	return nil
}

func (ks *KeyService) persist() error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	keys := []jose.JSONWebKey{ks.current.JWK}
	for _, prev := range ks.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ks.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(ks.storePath, payload, 0o600)
}

func (ks *KeyService) loadFromDisk() error {
	payload, err := os.ReadFile(ks.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks")
	}
	var prev []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			ks.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	ks.previous = prev
	return nil
}

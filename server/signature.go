package server

import (
	"encoding/binary"
	"errors"
)

// ErrSignatureInvalid is the hard authentication failure for any signature
// that does not verify. It is deliberately opaque: callers must not learn
// which part of the check failed.
var ErrSignatureInvalid = errors.New("signature verification failed")

// canonicalPayload builds an injective byte encoding of the given fields:
// each field is prefixed with its length as a big-endian uint32. Plain
// concatenation would let an attacker shift bytes between fields.
func canonicalPayload(fields ...string) []byte {
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	var prefix [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(f)))
		out = append(out, prefix[:]...)
		out = append(out, f...)
	}
	return out
}

// RedirectPayload is the canonical payload a relying party signs when
// redirecting an unauthenticated request to the server.
func RedirectPayload(callbackURI, clientIdentifier string) []byte {
	return canonicalPayload(callbackURI, clientIdentifier)
}

// CallbackPayload is the canonical payload the server signs when redirecting
// back to the relying party with a freshly minted access token. Binding the
// client identifier prevents a token signed for one client from being
// replayed to another.
func CallbackPayload(accessToken, clientIdentifier string) []byte {
	return canonicalPayload(accessToken, clientIdentifier)
}
